package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors shared by the engine components. Registered on the default
// registry; the router exposes them at /metrics.
var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftwatch_events_ingested_total",
		Help: "Attendance events accepted by the intake path, by kind.",
	}, []string{"kind"})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftwatch_events_rejected_total",
		Help: "Attendance events refused before reaching the state machine, by reason.",
	}, []string{"reason"})

	SweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftwatch_sweeps_total",
		Help: "Compliance sweeps completed.",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shiftwatch_sweep_duration_seconds",
		Help:    "Wall time of one compliance sweep.",
		Buckets: prometheus.DefBuckets,
	})

	MissingDeclared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftwatch_missing_declared_total",
		Help: "PENDING records the sweep moved to MISSING.",
	})

	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftwatch_alerts_sent_total",
		Help: "Violation alerts delivered, by channel.",
	}, []string{"channel"})

	AlertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftwatch_alerts_suppressed_total",
		Help: "Alert attempts dropped because the dedupe history already had the key.",
	})

	AlertsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftwatch_alerts_queued_total",
		Help: "Alerts handed to the retry queue after synchronous delivery failed.",
	})

	PendingActions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shiftwatch_pending_actions",
		Help: "Live entries in the pending action registry.",
	})

	DeliveryMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shiftwatch_delivery_mode",
		Help: "Delivery transport mode: 0 push (webhook), 1 pull (long poll).",
	})

	ScheduleRowsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiftwatch_schedule_rows_skipped_total",
		Help: "Malformed program rows skipped during schedule loads.",
	})

	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiftwatch_delivery_attempts_total",
		Help: "Individual transport attempts, by outcome.",
	}, []string{"outcome"})
)
