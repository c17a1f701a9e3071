package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"shiftwatch.service/internal/core/model"
	"shiftwatch.service/pkg/metrics"
)

// ActionKey identifies at most one live pending action per owner and kind.
type ActionKey struct {
	Owner string
	Kind  string
}

// PendingActionRegistry holds in-flight interactive state (a worker mid
// note-entry, an admin mid-compose) with a fixed TTL. Handlers never touch
// the map directly; the registry owns eviction. Size is bounded by the
// number of distinct active keys, so sustained traffic from the same owners
// cannot grow it.
type PendingActionRegistry struct {
	mu      sync.RWMutex
	entries map[ActionKey]model.PendingAction

	ttl        time.Duration
	sweepEvery time.Duration
	clock      Clock
}

// NewPendingActionRegistry builds an empty registry. ttl is how long an
// entry lives without being rewritten; sweepEvery is the eviction period.
func NewPendingActionRegistry(ttl, sweepEvery time.Duration, clock Clock) *PendingActionRegistry {
	return &PendingActionRegistry{
		entries:    make(map[ActionKey]model.PendingAction),
		ttl:        ttl,
		sweepEvery: sweepEvery,
		clock:      clock,
	}
}

// Put stores or replaces the action for (owner, kind) and resets its expiry.
func (r *PendingActionRegistry) Put(owner, kind string, payload json.RawMessage) model.PendingAction {
	now := r.clock.Now()
	entry := model.PendingAction{
		Owner:     owner,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}

	r.mu.Lock()
	r.entries[ActionKey{Owner: owner, Kind: kind}] = entry
	size := len(r.entries)
	r.mu.Unlock()

	metrics.PendingActions.Set(float64(size))
	return entry
}

// Get returns the live action for (owner, kind). Expiry is re-checked on
// read, so an entry past its deadline is never handed out even if the
// sweeper has not reached it yet.
func (r *PendingActionRegistry) Get(owner, kind string) (model.PendingAction, bool) {
	r.mu.RLock()
	entry, ok := r.entries[ActionKey{Owner: owner, Kind: kind}]
	r.mu.RUnlock()

	if !ok || r.clock.Now().After(entry.ExpiresAt) {
		return model.PendingAction{}, false
	}
	return entry, true
}

// Remove drops the action for (owner, kind), if any. Used when the
// interactive exchange completes normally.
func (r *PendingActionRegistry) Remove(owner, kind string) bool {
	key := ActionKey{Owner: owner, Kind: kind}

	r.mu.Lock()
	_, ok := r.entries[key]
	delete(r.entries, key)
	size := len(r.entries)
	r.mu.Unlock()

	metrics.PendingActions.Set(float64(size))
	return ok
}

// Len reports the number of entries, expired or not, still in the map.
func (r *PendingActionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sweep evicts every entry whose expiry has passed and returns how many
// went. Safe to call concurrently with Get/Put; an entry written back by a
// racing Put keeps its fresh expiry and survives.
func (r *PendingActionRegistry) Sweep() int {
	now := r.clock.Now()

	r.mu.Lock()
	evicted := 0
	for key, entry := range r.entries {
		if now.After(entry.ExpiresAt) {
			delete(r.entries, key)
			evicted++
		}
	}
	size := len(r.entries)
	r.mu.Unlock()

	metrics.PendingActions.Set(float64(size))
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Int("remaining", size).Msg("Pending action sweep")
	}
	return evicted
}

// Start runs the eviction loop until ctx is canceled.
func (r *PendingActionRegistry) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()

	log.Info().Dur("ttl", r.ttl).Dur("period", r.sweepEvery).Msg("Pending action registry started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Pending action registry stopping")
			return ctx.Err()
		case <-ticker.C:
			r.Sweep()
		}
	}
}
