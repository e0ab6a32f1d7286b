package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PunchesIngested counts punches accepted into reconciliation
	PunchesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_punches_ingested_total",
			Help: "Total number of punches ingested",
		},
		[]string{"terminal", "source"},
	)

	// PunchesDeduplicated counts punches rejected as already applied
	PunchesDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_punches_deduplicated_total",
			Help: "Total number of duplicate punches rejected",
		},
		[]string{"terminal"},
	)

	// PunchesHeld counts punches parked for later resolution
	PunchesHeld = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_punches_held_total",
			Help: "Total number of punches held for manual or deferred resolution",
		},
		[]string{"terminal", "reason"},
	)

	// PunchesMalformed counts unparsable device records
	PunchesMalformed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_punches_malformed_total",
			Help: "Total number of malformed punch records skipped",
		},
		[]string{"terminal"},
	)

	// RecordsUpserted counts attendance record writes by day status
	RecordsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_records_upserted_total",
			Help: "Total number of attendance records written",
		},
		[]string{"day_status"},
	)

	// TerminalFailures counts per-terminal poll failures by error type
	TerminalFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_terminal_failures_total",
			Help: "Total number of terminal poll failures",
		},
		[]string{"terminal", "error_type"},
	)

	// TerminalHealth exposes the terminal state machine:
	// 0=disconnected, 1=connected, 2=backoff, 3=degraded
	TerminalHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "attendance_terminal_health",
			Help: "Terminal connection state (0=disconnected, 1=connected, 2=backoff, 3=degraded)",
		},
		[]string{"terminal"},
	)

	// PendingMappings tracks punches waiting on an employee mapping
	PendingMappings = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "attendance_pending_mappings",
			Help: "Number of punches held for an unmapped identity",
		},
	)

	// CycleDuration tracks poll cycle wall time
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attendance_poll_cycle_duration_seconds",
			Help:    "Poll cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// LastCommittedPunch tracks the committed watermark per terminal
	LastCommittedPunch = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "attendance_last_committed_punch_timestamp_seconds",
			Help: "Unix timestamp of the last committed punch per terminal",
		},
		[]string{"terminal"},
	)
)
