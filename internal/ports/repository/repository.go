package repository

import (
	"context"
	"time"

	"shiftwatch.service/internal/core/model"
)

// Store is the narrow persistence contract the engine depends on: the
// worker roster, the append-only attendance log and the alert dedupe
// history. The monitor never sees the storage technology behind it.
type Store interface {
	CreateWorker(ctx context.Context, w model.Worker) error
	FindWorker(ctx context.Context, id string) (*model.Worker, error)
	FindWorkerByChatID(ctx context.Context, chatID int64) (*model.Worker, error)
	ListWorkers(ctx context.Context) ([]model.Worker, error)
	UpdateWorkerStatus(ctx context.Context, id string, status model.WorkerStatus) error

	AppendEvent(ctx context.Context, ev model.AttendanceEvent) error
	ListDayEvents(ctx context.Context, date string) ([]model.AttendanceEvent, error)

	HasAlert(ctx context.Context, workerID, shiftDate string, kind model.AlertKind) (bool, error)
	RecordAlert(ctx context.Context, alert model.AlertEvent) error
}

// ScheduleSource reads the raw weekly program for one rotation and
// weekday. Kept separate from Store: deployments have swapped the program
// backend independently of the attendance log before.
type ScheduleSource interface {
	ReadProgram(ctx context.Context, rotation string, weekday time.Weekday) ([]model.ProgramRow, error)
}
