package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"shiftwatch.service/internal/core/model"
	"shiftwatch.service/internal/ports/repository"
	"shiftwatch.service/pkg/metrics"
)

// RotationFor picks the active program rotation for a date: odd ISO weeks
// run rotation A, even weeks rotation B.
func RotationFor(date time.Time) string {
	_, week := date.ISOWeek()
	if week%2 == 1 {
		return "A"
	}
	return "B"
}

// ScheduleLoadError means the program source itself was unreadable for the
// date. Row-level problems never produce it; they are skipped and reported
// in the LoadReport instead.
type ScheduleLoadError struct {
	Date string
	Err  error
}

func (e *ScheduleLoadError) Error() string {
	return fmt.Sprintf("loading schedule for %s: %v", e.Date, e.Err)
}

func (e *ScheduleLoadError) Unwrap() error { return e.Err }

// RowIssue describes one program row the loader refused.
type RowIssue struct {
	Row    model.ProgramRow
	Reason string
}

// LoadReport summarizes one schedule load: how many shifts made it in and
// which rows were skipped.
type LoadReport struct {
	Date     string
	Rotation string
	Loaded   int
	Skipped  []RowIssue
}

// ScheduleIndex turns raw program rows into per-day, per-worker shift
// lookups. A load replaces the day's index atomically; readers either see
// the old complete index or the new one, never a partial build.
type ScheduleIndex struct {
	source repository.ScheduleSource
	store  repository.Store
	loc    *time.Location

	mu   sync.RWMutex
	days map[string]map[string]model.ScheduledShift

	group singleflight.Group
}

// NewScheduleIndex builds an empty index. The store is consulted during
// loads to refuse rows naming workers that are not on the roster.
func NewScheduleIndex(source repository.ScheduleSource, store repository.Store, loc *time.Location) *ScheduleIndex {
	return &ScheduleIndex{
		source: source,
		store:  store,
		loc:    loc,
		days:   make(map[string]map[string]model.ScheduledShift),
	}
}

// Load reads the program for date and installs the result. Idempotent and
// safe to call repeatedly; concurrent loads for the same date share one
// source read. Returns ScheduleLoadError only when the source is
// unreadable, in which case the previous index for the date stays in place.
func (s *ScheduleIndex) Load(ctx context.Context, date time.Time) (LoadReport, error) {
	date = date.In(s.loc)
	key := model.DateKey(date)

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.build(ctx, date, key)
	})
	if err != nil {
		return LoadReport{}, err
	}
	return v.(LoadReport), nil
}

func (s *ScheduleIndex) build(ctx context.Context, date time.Time, key string) (LoadReport, error) {
	rotation := RotationFor(date)

	rows, err := s.source.ReadProgram(ctx, rotation, date.Weekday())
	if err != nil {
		return LoadReport{}, &ScheduleLoadError{Date: key, Err: err}
	}

	report := LoadReport{Date: key, Rotation: rotation}
	next := make(map[string]model.ScheduledShift, len(rows))

	for _, row := range rows {
		start, end, working, perr := parseShiftCell(row.Cell, date, s.loc)
		if perr != nil {
			report.Skipped = append(report.Skipped, RowIssue{Row: row, Reason: perr.Error()})
			metrics.ScheduleRowsSkipped.Inc()
			log.Warn().Str("worker_id", row.WorkerID).Str("cell", row.Cell).Err(perr).
				Msg("Skipping unparsable program row")
			continue
		}
		if !working {
			continue
		}

		w, werr := s.store.FindWorker(ctx, row.WorkerID)
		if werr != nil {
			return LoadReport{}, &ScheduleLoadError{Date: key, Err: werr}
		}
		if w == nil || w.Status != model.WorkerActive {
			report.Skipped = append(report.Skipped, RowIssue{Row: row, Reason: "worker not on active roster"})
			metrics.ScheduleRowsSkipped.Inc()
			log.Warn().Str("worker_id", row.WorkerID).Msg("Skipping program row for unknown or inactive worker")
			continue
		}

		if _, dup := next[row.WorkerID]; dup {
			// Last row wins when the program repeats a worker for the day.
			log.Warn().Str("worker_id", row.WorkerID).Str("date", key).
				Msg("Duplicate program row for worker, keeping the later one")
		}
		next[row.WorkerID] = model.ScheduledShift{
			WorkerID: row.WorkerID,
			Date:     key,
			Start:    start,
			End:      end,
		}
	}
	report.Loaded = len(next)

	s.mu.Lock()
	s.days[key] = next
	s.prune(date)
	s.mu.Unlock()

	log.Info().Str("date", key).Str("rotation", rotation).
		Int("shifts", report.Loaded).Int("skipped", len(report.Skipped)).
		Msg("Schedule loaded")
	return report, nil
}

// prune drops day indexes older than the day before date. Yesterday stays
// so overnight shifts can still complete after midnight. Caller holds mu.
func (s *ScheduleIndex) prune(date time.Time) {
	floor := model.DateKey(date.AddDate(0, 0, -1))
	for k := range s.days {
		if k < floor {
			delete(s.days, k)
		}
	}
}

// Shift returns the worker's shift for the date, if one is scheduled.
func (s *ScheduleIndex) Shift(workerID string, date time.Time) (model.ScheduledShift, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shift, ok := s.days[model.DateKey(date.In(s.loc))][workerID]
	return shift, ok
}

// ShiftsFor returns every shift scheduled on the date.
func (s *ScheduleIndex) ShiftsFor(date time.Time) []model.ScheduledShift {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := s.days[model.DateKey(date.In(s.loc))]
	out := make([]model.ScheduledShift, 0, len(day))
	for _, shift := range day {
		out = append(out, shift)
	}
	return out
}

// parseShiftCell interprets one program cell. Rest markers report
// working=false with no error; anything else must be "HH:MM-HH:MM". An end
// at or before the start means the shift runs past midnight.
func parseShiftCell(cell string, date time.Time, loc *time.Location) (start, end time.Time, working bool, err error) {
	trimmed := strings.TrimSpace(cell)
	switch strings.ToUpper(trimmed) {
	case "", "REST", "OFF":
		return time.Time{}, time.Time{}, false, nil
	}

	parts := strings.SplitN(trimmed, "-", 2)
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, false, fmt.Errorf("cell %q is not a time range", cell)
	}

	start, err = atTimeOfDay(parts[0], date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("cell %q start: %w", cell, err)
	}
	end, err = atTimeOfDay(parts[1], date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("cell %q end: %w", cell, err)
	}

	if !end.After(start) {
		end = end.AddDate(0, 0, 1)
	}
	return start, end, true, nil
}

func atTimeOfDay(hhmm string, date time.Time, loc *time.Location) (time.Time, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}
