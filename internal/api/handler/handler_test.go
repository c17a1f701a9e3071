package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftwatch.service/internal/api"
	"shiftwatch.service/internal/api/handler"
	"shiftwatch.service/internal/core"
	"shiftwatch.service/internal/core/model"
	"shiftwatch.service/internal/delivery"
	"shiftwatch.service/internal/delivery/telegram"
	"shiftwatch.service/internal/ports/messaging"
	"shiftwatch.service/internal/ports/repository"
	"shiftwatch.service/internal/testfixtures"
)

const (
	officeLat = 37.909411
	officeLon = 23.871109
)

type sentRecorder struct {
	err   error
	to    []int64
	texts []string
}

func (s *sentRecorder) Send(ctx context.Context, chatID int64, text string) error {
	if s.err != nil {
		return s.err
	}
	s.to = append(s.to, chatID)
	s.texts = append(s.texts, text)
	return nil
}

type nopProducer struct{}

func (nopProducer) PublishAlertRetry(ctx context.Context, event messaging.AlertRetryEvent) error {
	return nil
}

type flakySource struct {
	inner repository.ScheduleSource
	fail  bool
}

func (f *flakySource) ReadProgram(ctx context.Context, rotation string, weekday time.Weekday) ([]model.ProgramRow, error) {
	if f.fail {
		return nil, context.DeadlineExceeded
	}
	return f.inner.ReadProgram(ctx, rotation, weekday)
}

type stubSweeper struct{}

func (stubSweeper) LastSweep() time.Time    { return time.Time{} }
func (stubSweeper) Interval() time.Duration { return time.Minute }

type stubDelivery struct{}

func (stubDelivery) DeliveryMode() string             { return "push" }
func (stubDelivery) FallbackSince() (time.Time, bool) { return time.Time{}, false }

type apiHarness struct {
	router  http.Handler
	store   *repository.MemoryStore
	clock   *testfixtures.Clock
	flaky   *flakySource
	sent    *sentRecorder
	health  *core.HealthReporter
	stopped chan struct{}
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	store := repository.NewMemoryStore(time.UTC)
	clock := testfixtures.NewClock(time.Time{})
	fence, err := core.NewGeofence(model.Coordinate{Lat: officeLat, Lon: officeLon}, 300)
	require.NoError(t, err)

	flaky := &flakySource{inner: store}
	index := core.NewScheduleIndex(flaky, store, time.UTC)
	machine := core.NewAttendanceStateMachine(store, fence, clock, 10*time.Minute, time.UTC)
	registry := core.NewPendingActionRegistry(30*time.Minute, 15*time.Minute, clock)
	sent := &sentRecorder{}
	dispatcher := core.NewAlertDispatcher(store, sent, nopProducer{}, clock, 4242)
	service := core.NewAttendanceService(machine, registry, index, store, dispatcher, clock)
	health := core.NewHealthReporter(registry, stubSweeper{}, stubDelivery{}, clock, 100, time.Hour)

	stopped := make(chan struct{}, 2)
	h := &handler.Handler{
		Service:  service,
		Health:   health,
		Updates:  telegram.NewUpdateRouter(service, sent),
		Shutdown: func() { stopped <- struct{}{} },
	}
	return &apiHarness{
		router:  api.NewRouter(h),
		store:   store,
		clock:   clock,
		flaky:   flaky,
		sent:    sent,
		health:  health,
		stopped: stopped,
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func (h *apiHarness) doRaw(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func (h *apiHarness) registerWorker(t *testing.T, id string, chatID int64) {
	t.Helper()
	rr := h.do(t, http.MethodPost, "/api/v1/workers", map[string]any{
		"workerId": id, "name": "Maria Pappas", "phone": "+302101234567", "chatId": chatID,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

func (h *apiHarness) scheduleToday(t *testing.T, workerID, cell string) {
	t.Helper()
	day := h.clock.Now()
	h.store.PutProgramRow(model.ProgramRow{Rotation: core.RotationFor(day), Weekday: day.Weekday(), WorkerID: workerID, Cell: cell})
	rr := h.do(t, http.MethodPost, "/api/v1/schedule/refresh", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestRegisterWorker_Statuses(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodPost, "/api/v1/workers", map[string]any{
		"workerId": "w1", "name": "Maria Pappas", "phone": "+302101234567", "chatId": 101,
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	var w model.Worker
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &w))
	assert.Equal(t, "w1", w.ID)
	assert.Equal(t, model.WorkerActive, w.Status)
	assert.False(t, w.RegisteredAt.IsZero())

	// Same ID again conflicts.
	rr = h.do(t, http.MethodPost, "/api/v1/workers", map[string]any{
		"workerId": "w1", "name": "Maria Pappas", "phone": "+302101234567", "chatId": 101,
	})
	assert.Equal(t, http.StatusConflict, rr.Code)

	// Field validation happens before the service sees the request.
	rr = h.do(t, http.MethodPost, "/api/v1/workers", map[string]any{
		"workerId": "w2", "name": "M", "phone": "+302101234567", "chatId": 102,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.doRaw(http.MethodPost, "/api/v1/workers", "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodGet, "/api/v1/workers", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var roster struct {
		Workers []model.Worker `json:"workers"`
		Count   int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &roster))
	assert.Equal(t, 1, roster.Count)
}

func TestRecordEvent_Statuses(t *testing.T) {
	h := newAPIHarness(t)
	h.registerWorker(t, "w1", 101)
	h.registerWorker(t, "w2", 102)
	h.scheduleToday(t, "w1", "09:00-17:00")

	h.clock.Set(testfixtures.ReferenceTime().Add(time.Hour + 5*time.Minute))

	rr := h.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"workerId": "ghost", "kind": "CHECK_IN", "lat": officeLat, "lon": officeLon,
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"workerId": "w1", "kind": "PAUSE", "lat": officeLat, "lon": officeLon,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"workerId": "w1", "kind": "CHECK_IN", "lat": 95.0, "lon": officeLon,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"workerId": "w1", "kind": "CHECK_IN", "lat": officeLat, "lon": officeLon, "note": "front gate",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp handler.EventResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	assert.True(t, resp.Scheduled)
	assert.Equal(t, string(model.StateOnTime), resp.State)
	assert.NotEmpty(t, resp.ReceiptID)
	assert.Empty(t, resp.Explanation)

	// A second check-in for the same shift conflicts.
	rr = h.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"workerId": "w1", "kind": "CHECK_IN", "lat": officeLat, "lon": officeLon,
	})
	assert.Equal(t, http.StatusConflict, rr.Code)

	// Out of zone is a 200 with accepted=false, not an error.
	rr = h.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"workerId": "w2", "kind": "CHECK_IN", "lat": officeLat + 0.01, "lon": officeLon,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Accepted)
	assert.Greater(t, resp.DistanceMeters, 300.0)
	assert.Contains(t, resp.Explanation, "outside the allowed zone")

	rr = h.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"workerId": "w2", "kind": "CHECK_OUT", "lat": officeLat, "lon": officeLon,
	})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestActions_SaveGetComplete(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodPost, "/api/v1/actions", map[string]any{
		"owner": "chat-1", "kind": "await_location", "payload": map[string]string{"kind": "CHECK_IN"},
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	var action model.PendingAction
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &action))
	assert.Equal(t, "chat-1", action.Owner)
	assert.False(t, action.ExpiresAt.IsZero())

	// Reading does not consume.
	for i := 0; i < 2; i++ {
		rr = h.do(t, http.MethodGet, "/api/v1/actions/chat-1/await_location", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &action))
		assert.JSONEq(t, `{"kind":"CHECK_IN"}`, string(action.Payload))
	}

	rr = h.do(t, http.MethodGet, "/api/v1/actions/chat-1/await_note", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.do(t, http.MethodDelete, "/api/v1/actions/chat-1/await_location", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = h.do(t, http.MethodGet, "/api/v1/actions/chat-1/await_location", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// Completing twice is harmless.
	rr = h.do(t, http.MethodDelete, "/api/v1/actions/chat-1/await_location", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestUpdateWorkerStatus(t *testing.T) {
	h := newAPIHarness(t)
	h.registerWorker(t, "w1", 101)
	h.scheduleToday(t, "w1", "09:00-17:00")

	rr := h.do(t, http.MethodPatch, "/api/v1/workers/w1", map[string]string{"status": "INACTIVE"})
	assert.Equal(t, http.StatusNoContent, rr.Code)

	// Deactivated workers are invisible to event intake.
	rr = h.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"workerId": "w1", "kind": "CHECK_IN", "lat": officeLat, "lon": officeLon,
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.do(t, http.MethodPatch, "/api/v1/workers/ghost", map[string]string{"status": "INACTIVE"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.do(t, http.MethodPatch, "/api/v1/workers/w1", map[string]string{"status": "RETIRED"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMessageWorker(t *testing.T) {
	h := newAPIHarness(t)
	h.registerWorker(t, "w1", 101)

	rr := h.do(t, http.MethodPost, "/api/v1/workers/w1/message", map[string]string{"text": "please call the office"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotEmpty(t, h.sent.to)
	assert.Equal(t, int64(101), h.sent.to[len(h.sent.to)-1])
	assert.Equal(t, "please call the office", h.sent.texts[len(h.sent.texts)-1])

	rr = h.do(t, http.MethodPost, "/api/v1/workers/ghost/message", map[string]string{"text": "hello"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.do(t, http.MethodPost, "/api/v1/workers/w1/message", map[string]string{"text": ""})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	h.sent.err = delivery.ErrDeliveryFailure
	rr = h.do(t, http.MethodPost, "/api/v1/workers/w1/message", map[string]string{"text": "hello"})
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestScheduleRefreshAndCompliance(t *testing.T) {
	h := newAPIHarness(t)
	h.registerWorker(t, "w1", 101)

	rr := h.do(t, http.MethodGet, "/api/v1/compliance", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var snap struct {
		Records []core.ComplianceRecord `json:"records"`
		Count   int                     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Zero(t, snap.Count)

	h.registerWorker(t, "w2", 102)
	day := h.clock.Now()
	h.store.PutProgramRow(model.ProgramRow{Rotation: core.RotationFor(day), Weekday: day.Weekday(), WorkerID: "w1", Cell: "09:00-17:00"})
	h.store.PutProgramRow(model.ProgramRow{Rotation: core.RotationFor(day), Weekday: day.Weekday(), WorkerID: "w2", Cell: "9am-5pm"})

	rr = h.do(t, http.MethodPost, "/api/v1/schedule/refresh", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var refresh struct {
		Date     string `json:"date"`
		Rotation string `json:"rotation"`
		Loaded   int    `json:"loaded"`
		Skipped  []struct {
			WorkerID string `json:"workerId"`
			Reason   string `json:"reason"`
		} `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &refresh))
	assert.Equal(t, "2025-03-10", refresh.Date)
	assert.Equal(t, "A", refresh.Rotation)
	assert.Equal(t, 1, refresh.Loaded)
	require.Len(t, refresh.Skipped, 1)
	assert.Equal(t, "w2", refresh.Skipped[0].WorkerID)
	assert.NotEmpty(t, refresh.Skipped[0].Reason)

	rr = h.do(t, http.MethodGet, "/api/v1/compliance", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	require.Equal(t, 1, snap.Count)
	assert.Equal(t, model.StatePending, snap.Records[0].State)

	// An unreadable program source surfaces as 503.
	h.flaky.fail = true
	rr = h.do(t, http.MethodPost, "/api/v1/schedule/refresh", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestWebhook(t *testing.T) {
	h := newAPIHarness(t)

	update := telegram.Update{
		UpdateID: 7,
		Message: &telegram.Message{
			MessageID: 1,
			From:      &telegram.User{ID: 900, FirstName: "Maria"},
			Chat:      telegram.Chat{ID: 900},
			Text:      "/register Maria Pappas;+302101234567",
		},
	}
	rr := h.do(t, http.MethodPost, "/webhook", update)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotEmpty(t, h.sent.texts)
	assert.Contains(t, h.sent.texts[len(h.sent.texts)-1], "Welcome Maria Pappas")

	rr = h.doRaw(http.MethodPost, "/webhook", "{broken")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var snap core.HealthSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, core.StatusHealthy, snap.Status)
	assert.Equal(t, "push", snap.DeliveryMode)
	assert.Positive(t, snap.Resource.Goroutines)

	h.health.MarkCritical("sweep loop dead")
	rr = h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, core.StatusCritical, snap.Status)
	assert.Contains(t, snap.Reasons, "sweep loop dead")

	rr = h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestTriggerShutdown_OnlyOnce(t *testing.T) {
	h := newAPIHarness(t)

	rr := h.do(t, http.MethodPost, "/shutdown", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	rr = h.do(t, http.MethodPost, "/shutdown", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	select {
	case <-h.stopped:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook was not invoked")
	}
	select {
	case <-h.stopped:
		t.Fatal("shutdown hook invoked more than once")
	case <-time.After(50 * time.Millisecond):
	}
}
