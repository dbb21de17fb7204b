// Package observability — metrics.go
//
// Prometheus metrics for the ArqonHPO adaptive engine.
//
// There is no HTTP exposition server here: ArqonHPO is a library
// embedded in the host process, and serving /metrics is the host's
// concern, not this module's. All metrics are registered on a
// dedicated prometheus.Registry (not the default global registry) so
// embedding does not collide with other instrumented libraries in the
// same process; the host reads Registry() and exposes it however it
// likes.
//
// Metric naming convention: arqonhpo_<subsystem>_<name>_<unit>
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metric descriptors for the engine.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Telemetry ring buffer ──────────────────────────────────────

	// DigestsIngestedTotal counts telemetry digests accepted into the
	// ring buffer.
	DigestsIngestedTotal prometheus.Counter

	// DigestsDroppedTotal counts digests overwritten before being read,
	// by the ring buffer's overwrite-oldest policy.
	DigestsDroppedTotal prometheus.Counter

	// RingBufferHighWater is the most recent fill fraction observed.
	RingBufferHighWater prometheus.Gauge

	// ─── Proposer (Tier 2) ───────────────────────────────────────────

	// ProposerIteration is the current SPSA step counter k.
	ProposerIteration prometheus.Gauge

	// ProposalsEmittedTotal counts proposals emitted, by kind
	// (ApplyPlus, ApplyMinus, Update, NoChange).
	ProposalsEmittedTotal *prometheus.CounterVec

	// ConsecutiveTimeouts is the proposer's current run of eval-window
	// timeouts without enough digests.
	ConsecutiveTimeouts prometheus.Gauge

	// StaleDigestsDiscardedTotal counts digests discarded from
	// aggregation for carrying the wrong configuration generation.
	StaleDigestsDiscardedTotal prometheus.Counter

	// ─── Executor (Tier 1) ───────────────────────────────────────────

	// ApplyResultsTotal counts Apply outcomes, by result
	// (committed or a ViolationKind string).
	ApplyResultsTotal *prometheus.CounterVec

	// RollbacksTotal counts completed rollbacks.
	RollbacksTotal prometheus.Counter

	// ConfigGeneration is the most recently published configuration
	// generation.
	ConfigGeneration prometheus.Gauge

	// ApplyLatencySeconds records Tier 1 validation-and-commit latency.
	ApplyLatencySeconds prometheus.Histogram

	// ─── SafeMode ─────────────────────────────────────────────────────

	// SafeModeEntriesTotal counts SafeMode latches, by reason.
	SafeModeEntriesTotal *prometheus.CounterVec

	// SafeModeActive is 1 while the latch is active, 0 otherwise.
	SafeModeActive prometheus.Gauge

	// ─── Audit queue ──────────────────────────────────────────────────

	// AuditQueueDepth is the current number of unread audit events.
	AuditQueueDepth prometheus.Gauge

	// AuditQueueFullTotal counts Enqueue calls that found no room.
	AuditQueueFullTotal prometheus.Counter
}

// NewMetrics creates and registers all engine Prometheus metrics on a
// fresh, dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		DigestsIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arqonhpo",
			Subsystem: "telemetry",
			Name:      "digests_ingested_total",
			Help:      "Total telemetry digests accepted into the ring buffer.",
		}),

		DigestsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arqonhpo",
			Subsystem: "telemetry",
			Name:      "digests_dropped_total",
			Help:      "Total digests overwritten before being read.",
		}),

		RingBufferHighWater: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arqonhpo",
			Subsystem: "telemetry",
			Name:      "ring_buffer_high_water",
			Help:      "Most recent ring buffer fill fraction.",
		}),

		ProposerIteration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arqonhpo",
			Subsystem: "proposer",
			Name:      "iteration",
			Help:      "Current SPSA step counter.",
		}),

		ProposalsEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arqonhpo",
			Subsystem: "proposer",
			Name:      "proposals_emitted_total",
			Help:      "Total proposals emitted, by kind.",
		}, []string{"kind"}),

		ConsecutiveTimeouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arqonhpo",
			Subsystem: "proposer",
			Name:      "consecutive_timeouts",
			Help:      "Current run of eval-window timeouts without enough digests.",
		}),

		StaleDigestsDiscardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arqonhpo",
			Subsystem: "proposer",
			Name:      "stale_digests_discarded_total",
			Help:      "Total digests discarded for carrying the wrong configuration generation.",
		}),

		ApplyResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arqonhpo",
			Subsystem: "executor",
			Name:      "apply_results_total",
			Help:      "Total Apply calls, by result (committed or a violation kind).",
		}, []string{"result"}),

		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arqonhpo",
			Subsystem: "executor",
			Name:      "rollbacks_total",
			Help:      "Total completed rollbacks.",
		}),

		ConfigGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arqonhpo",
			Subsystem: "executor",
			Name:      "config_generation",
			Help:      "Most recently published configuration generation.",
		}),

		ApplyLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arqonhpo",
			Subsystem: "executor",
			Name:      "apply_latency_seconds",
			Help:      "Tier 1 validation-and-commit latency in seconds.",
			Buckets:   []float64{.00001, .00002, .00005, .0001, .0002, .0005, .001, .002, .005},
		}),

		SafeModeEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arqonhpo",
			Subsystem: "safemode",
			Name:      "entries_total",
			Help:      "Total SafeMode latches, by reason.",
		}, []string{"reason"}),

		SafeModeActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arqonhpo",
			Subsystem: "safemode",
			Name:      "active",
			Help:      "1 while SafeMode is active, 0 otherwise.",
		}),

		AuditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arqonhpo",
			Subsystem: "audit",
			Name:      "queue_depth",
			Help:      "Current number of unread audit events.",
		}),

		AuditQueueFullTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arqonhpo",
			Subsystem: "audit",
			Name:      "queue_full_total",
			Help:      "Total Enqueue calls that found no room in the audit queue.",
		}),
	}

	reg.MustRegister(
		m.DigestsIngestedTotal,
		m.DigestsDroppedTotal,
		m.RingBufferHighWater,
		m.ProposerIteration,
		m.ProposalsEmittedTotal,
		m.ConsecutiveTimeouts,
		m.StaleDigestsDiscardedTotal,
		m.ApplyResultsTotal,
		m.RollbacksTotal,
		m.ConfigGeneration,
		m.ApplyLatencySeconds,
		m.SafeModeEntriesTotal,
		m.SafeModeActive,
		m.AuditQueueDepth,
		m.AuditQueueFullTotal,
	)

	return m
}

// Registry returns the dedicated registry so the embedding host can
// expose it on its own HTTP mux, or scrape it directly in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
