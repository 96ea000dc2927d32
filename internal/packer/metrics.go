package packer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the orchestrator's prometheus instrumentation, following
// friggdb's promauto declaration style: every metric is created once
// at construction time rather than lazily, so a scrape before the
// first cycle still reports zero values instead of missing series.
type Metrics struct {
	DrainsStarted      prometheus.Counter
	DrainsCompleted    prometheus.Counter
	DrainsFailed       prometheus.Counter
	EventsRouted       prometheus.Counter
	EventsQuarantined  prometheus.Counter
	ArtifactsCommitted prometheus.Counter

	DroppedCount          prometheus.Gauge
	CorruptionTotal       prometheus.Counter
	CommitDurationSeconds prometheus.Histogram
	SkipBudgetRemaining   prometheus.Gauge
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		DrainsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chronicle",
			Subsystem: "packer",
			Name:      "drains_started_total",
			Help:      "Number of drain cycles the orchestrator has started.",
		}),
		DrainsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chronicle",
			Subsystem: "packer",
			Name:      "drains_completed_total",
			Help:      "Number of drain cycles that completed and returned to Idle.",
		}),
		DrainsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chronicle",
			Subsystem: "packer",
			Name:      "drains_failed_total",
			Help:      "Number of drain cycles that latched the orchestrator into Failed.",
		}),
		EventsRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chronicle",
			Subsystem: "packer",
			Name:      "events_routed_total",
			Help:      "Events successfully routed into a columnar batch; screen frames are not counted.",
		}),
		EventsQuarantined: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chronicle",
			Subsystem: "packer",
			Name:      "events_quarantined_total",
			Help:      "Events written to the quarantine log instead of an artifact.",
		}),
		ArtifactsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chronicle",
			Subsystem: "packer",
			Name:      "artifacts_committed_total",
			Help:      "Event and frame files appended to the manifest.",
		}),
		DroppedCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chronicle",
			Subsystem: "packer",
			Name:      "ring_dropped_count",
			Help:      "Ring buffer's cumulative low-priority reservations refused at or above the backpressure threshold, as of the last drain.",
		}),
		CorruptionTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chronicle",
			Subsystem: "packer",
			Name:      "corruption_total",
			Help:      "Frames skipped for a CRC mismatch across all drains.",
		}),
		CommitDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chronicle",
			Subsystem: "packer",
			Name:      "commit_duration_seconds",
			Help:      "Wall time of one drain-to-commit cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		SkipBudgetRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chronicle",
			Subsystem: "packer",
			Name:      "skip_budget_remaining",
			Help:      "Lowest corrupt-frame skip budget remaining at any point during the last drain.",
		}),
	}
}

// NewMetrics registers a fresh set of instruments against the default
// registry. Tests that construct more than one Orchestrator in the
// same process should use NewTestMetrics instead, to avoid a
// duplicate-registration panic.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewTestMetrics builds a Metrics backed by a private registry, for
// tests that construct more than one Orchestrator per process.
func NewTestMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.NewRegistry()))
}
