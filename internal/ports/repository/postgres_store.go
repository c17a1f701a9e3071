package repository

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"shiftwatch.service/internal/core/model"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS workers (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    phone         TEXT NOT NULL,
    chat_id       BIGINT NOT NULL DEFAULT 0,
    status        TEXT NOT NULL DEFAULT 'ACTIVE',
    registered_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workers_chat_id ON workers(chat_id);

CREATE TABLE IF NOT EXISTS attendance_events (
    receipt_id      TEXT PRIMARY KEY,
    worker_id       TEXT NOT NULL,
    day_key         TEXT NOT NULL,
    kind            TEXT NOT NULL,
    occurred_at     TIMESTAMPTZ NOT NULL,
    received_at     TIMESTAMPTZ NOT NULL,
    lat             DOUBLE PRECISION NOT NULL,
    lon             DOUBLE PRECISION NOT NULL,
    zone_valid      BOOLEAN NOT NULL,
    distance_meters DOUBLE PRECISION NOT NULL,
    note            TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_attendance_events_day ON attendance_events(day_key, received_at);

CREATE TABLE IF NOT EXISTS alert_events (
    id         TEXT NOT NULL,
    worker_id  TEXT NOT NULL,
    shift_date TEXT NOT NULL,
    kind       TEXT NOT NULL,
    channel    TEXT NOT NULL,
    sent_at    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (worker_id, shift_date, kind)
);

CREATE TABLE IF NOT EXISTS schedule_slots (
    rotation  TEXT NOT NULL,
    weekday   SMALLINT NOT NULL,
    worker_id TEXT NOT NULL,
    cell      TEXT NOT NULL,
    PRIMARY KEY (rotation, weekday, worker_id)
);
`

// PostgresStore is the concrete implementation for a PostgreSQL database.
// It satisfies both Store and ScheduleSource.
type PostgresStore struct {
	DB  *sql.DB
	loc *time.Location
}

// NewPostgresStore creates a new instance. Day keys for the attendance log
// are derived in loc, the office timezone.
func NewPostgresStore(db *sql.DB, loc *time.Location) *PostgresStore {
	return &PostgresStore{DB: db, loc: loc}
}

// EnsureSchema creates the tables on first start. All statements are
// idempotent, so running it on every boot is safe.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, schemaSQL)
	return err
}

// CreateWorker inserts one roster entry.
func (s *PostgresStore) CreateWorker(ctx context.Context, w model.Worker) error {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("app.workerId", w.ID))

	query := `INSERT INTO workers (id, name, phone, chat_id, status, registered_at)
              VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.DB.ExecContext(ctx, query, w.ID, w.Name, w.Phone, w.ChatID, w.Status, w.RegisteredAt)

	return err
}

// FindWorker fetches one roster entry by ID, nil when unknown.
func (s *PostgresStore) FindWorker(ctx context.Context, id string) (*model.Worker, error) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("app.workerId", id))

	w := &model.Worker{}
	query := `SELECT id, name, phone, chat_id, status, registered_at
              FROM workers
              WHERE id = $1`

	row := s.DB.QueryRowContext(ctx, query, id)
	err := row.Scan(&w.ID, &w.Name, &w.Phone, &w.ChatID, &w.Status, &w.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return w, nil
}

// FindWorkerByChatID resolves the roster entry behind a chat identity.
func (s *PostgresStore) FindWorkerByChatID(ctx context.Context, chatID int64) (*model.Worker, error) {
	w := &model.Worker{}
	query := `SELECT id, name, phone, chat_id, status, registered_at
              FROM workers
              WHERE chat_id = $1
              ORDER BY registered_at DESC
              LIMIT 1`

	row := s.DB.QueryRowContext(ctx, query, chatID)
	err := row.Scan(&w.ID, &w.Name, &w.Phone, &w.ChatID, &w.Status, &w.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return w, nil
}

// ListWorkers returns the full roster ordered by ID.
func (s *PostgresStore) ListWorkers(ctx context.Context) ([]model.Worker, error) {
	query := `SELECT id, name, phone, chat_id, status, registered_at
              FROM workers
              ORDER BY id`

	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []model.Worker
	for rows.Next() {
		var w model.Worker
		if err := rows.Scan(&w.ID, &w.Name, &w.Phone, &w.ChatID, &w.Status, &w.RegisteredAt); err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}

	return workers, rows.Err()
}

// UpdateWorkerStatus flips a roster entry between active and inactive.
func (s *PostgresStore) UpdateWorkerStatus(ctx context.Context, id string, status model.WorkerStatus) error {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("app.workerId", id))

	query := `UPDATE workers SET status = $1 WHERE id = $2`
	_, err := s.DB.ExecContext(ctx, query, status, id)
	return err
}

// AppendEvent stores one attendance event. The log is append-only; the day
// key is taken from the server receive time in the office timezone.
func (s *PostgresStore) AppendEvent(ctx context.Context, ev model.AttendanceEvent) error {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("app.workerId", ev.WorkerID))

	query := `INSERT INTO attendance_events
              (receipt_id, worker_id, day_key, kind, occurred_at, received_at, lat, lon, zone_valid, distance_meters, note)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	dayKey := model.DateKey(ev.ReceivedAt.In(s.loc))
	_, err := s.DB.ExecContext(ctx, query,
		ev.ReceiptID, ev.WorkerID, dayKey, ev.Kind, ev.OccurredAt, ev.ReceivedAt,
		ev.Coordinate.Lat, ev.Coordinate.Lon, ev.ZoneValid, ev.DistanceMeters, ev.Note,
	)

	return err
}

// ListDayEvents returns one day's events in receive order, for replay.
func (s *PostgresStore) ListDayEvents(ctx context.Context, date string) ([]model.AttendanceEvent, error) {
	query := `SELECT receipt_id, worker_id, kind, occurred_at, received_at, lat, lon, zone_valid, distance_meters, note
              FROM attendance_events
              WHERE day_key = $1
              ORDER BY received_at`

	rows, err := s.DB.QueryContext(ctx, query, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.AttendanceEvent
	for rows.Next() {
		var ev model.AttendanceEvent
		err := rows.Scan(
			&ev.ReceiptID, &ev.WorkerID, &ev.Kind, &ev.OccurredAt, &ev.ReceivedAt,
			&ev.Coordinate.Lat, &ev.Coordinate.Lon, &ev.ZoneValid, &ev.DistanceMeters, &ev.Note,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// HasAlert reports whether the violation has already been announced.
func (s *PostgresStore) HasAlert(ctx context.Context, workerID, shiftDate string, kind model.AlertKind) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (
                  SELECT 1 FROM alert_events
                  WHERE worker_id = $1 AND shift_date = $2 AND kind = $3
              )`

	err := s.DB.QueryRowContext(ctx, query, workerID, shiftDate, kind).Scan(&exists)
	if err != nil {
		return false, err
	}

	return exists, nil
}

// RecordAlert appends one delivery record. The primary key doubles as the
// dedupe guard, so a concurrent duplicate insert is silently dropped.
func (s *PostgresStore) RecordAlert(ctx context.Context, alert model.AlertEvent) error {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("app.workerId", alert.WorkerID))

	query := `INSERT INTO alert_events (id, worker_id, shift_date, kind, channel, sent_at)
              VALUES ($1, $2, $3, $4, $5, $6)
              ON CONFLICT (worker_id, shift_date, kind) DO NOTHING`

	_, err := s.DB.ExecContext(ctx, query,
		alert.ID, alert.WorkerID, alert.ShiftDate, alert.Kind, alert.Channel, alert.SentAt,
	)

	return err
}

// ReadProgram fetches the raw weekly program cells for one rotation and
// weekday.
func (s *PostgresStore) ReadProgram(ctx context.Context, rotation string, weekday time.Weekday) ([]model.ProgramRow, error) {
	query := `SELECT rotation, weekday, worker_id, cell
              FROM schedule_slots
              WHERE rotation = $1 AND weekday = $2
              ORDER BY worker_id`

	rows, err := s.DB.QueryContext(ctx, query, rotation, int(weekday))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var program []model.ProgramRow
	for rows.Next() {
		var r model.ProgramRow
		var wd int
		if err := rows.Scan(&r.Rotation, &wd, &r.WorkerID, &r.Cell); err != nil {
			return nil, err
		}
		r.Weekday = time.Weekday(wd)
		program = append(program, r)
	}

	return program, rows.Err()
}
