package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LinesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_lines_received_total",
			Help: "Number of line-protocol records accepted by the /write endpoint",
		},
	)

	TasksQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "credits_tasks_queued",
			Help: "Number of tasks currently waiting in the billing queue",
		},
	)

	WorkerExceptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_worker_exceptions_total",
			Help: "Number of tasks that escaped with an unhandled error",
		},
	)

	MeasurementsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_measurements_dropped_total",
			Help: "Measurements dropped before or during billing, by reason",
		},
		[]string{"reason"},
	)

	ProjectsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_projects_processed_total",
			Help: "Number of distinct projects seen, counted on first lock creation",
		},
	)

	CreditsBilled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_billed_total",
			Help: "Credits billed per metric",
		},
		[]string{"metric"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_notifications_sent_total",
			Help: "Notification emails sent, by outcome",
		},
		[]string{"outcome"},
	)
)

// Drop reasons used with MeasurementsDropped. Kept here so the worker and
// the billing engine report consistent labels.
const (
	DropMalformed      = "malformed"
	DropUnknownMetric  = "unknown_metric"
	DropNotWhitelisted = "not_whitelisted"
	DropProjectMissing = "project_missing"
	DropStale          = "stale"
	DropEqualValue     = "equal_value"
	DropRounding       = "rounding"
	DropMissingHistory = "missing_history"
)
