// Package engine wires the Tier 2 proposer to the Tier 1 executor
// behind a single facade: New, IngestDigest, Observe, Rollback,
// SetBaseline, Current. There is no separate Apply method: proposals
// reach the executor only inside Observe. Construction is the only
// place the two tiers are coupled — every other package only ever sees
// one side of the boundary.
package engine

import (
	"go.uber.org/zap"

	"github.com/arqonhpo/arqonhpo/internal/audit"
	"github.com/arqonhpo/arqonhpo/internal/configstore"
	"github.com/arqonhpo/arqonhpo/internal/observability"
	"github.com/arqonhpo/arqonhpo/internal/paramspace"
	"github.com/arqonhpo/arqonhpo/internal/safety"
	"github.com/arqonhpo/arqonhpo/internal/spsa"
	"github.com/arqonhpo/arqonhpo/internal/telemetry"
)

// Proposer is the Tier 2 contract the engine drives. spsa.Proposer
// satisfies it; tests may substitute a double.
type Proposer interface {
	Next() (spsa.Proposal, bool)
	Observe(d telemetry.Digest, nowUs uint64) (spsa.Proposal, bool)
	NotifyApplied(generation uint64, applyTimestampUs uint64)
	NotifyRejected()
	CheckTimeout(nowUs uint64) (spsa.Proposal, bool)
	Iteration() uint64
	CurrentPerturbation() spsa.Perturbation
	ConsecutiveTimeouts() int
	StaleDiscarded() uint64
}

// Executor is the Tier 1 contract the engine drives. safety.Executor
// satisfies it.
type Executor interface {
	Apply(p spsa.Proposal, nowUs uint64) (safety.ApplyReceipt, *safety.Violation)
	Rollback(nowUs uint64) (safety.RollbackReceipt, *safety.Violation)
	SetBaseline()
	SetConstraintMargin(margin float64, has bool, nowUs uint64)
	RecordObjective(objective float64, nowUs uint64)
	RequestSafeMode(reason safety.SafeModeReason, nowUs uint64)
	InSafeMode() bool
	Snapshot() configstore.ConfigSnapshot
}

// Config bundles everything needed to construct an Engine.
type Config struct {
	Registry   *paramspace.ParamRegistry
	SPSA       spsa.Config
	Guardrails safety.Guardrails
	RunID      string

	RingBufferCapacity int
	AuditQueueCapacity int
	AuditHighWaterFrac float64
	MaxDigestAgeUs     uint64
	SettleTimeUs       uint64

	// ConsecutiveTimeoutLimit latches SafeMode(RepeatedViolations) once
	// the proposer reports this many consecutive eval-window timeouts,
	// per spec §4.2.
	ConsecutiveTimeoutLimit int
}

// Engine is the library-scope facade: an instantiable object with
// explicit lifecycle and no package-level mutable state, per spec §9.
// The proposer/executor pair is not reentrant — all calls here are
// synchronous from the caller's perspective.
type Engine struct {
	registry *paramspace.ParamRegistry
	config   *configstore.AtomicConfig
	ring     *telemetry.RingBuffer
	queue    *audit.Queue
	metrics  *observability.Metrics
	log      *zap.Logger

	proposer  Proposer
	executor  Executor
	cfgLimits Config

	lastApplyUs         uint64
	lastApplyGeneration uint64
	lastDrainedDrops    uint64
	lastStaleDiscarded  uint64
}

// New constructs an Engine with an initial parameter vector at
// generation 0. This is the only place a Tier 2 proposer and a Tier 1
// executor are handed references to the same AtomicConfig.
func New(cfg Config, initial paramspace.ParamVec, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	store := configstore.New(initial)
	ring := telemetry.NewRingBuffer(cfg.RingBufferCapacity)
	metrics := observability.NewMetrics()
	queue := audit.NewQueue(cfg.AuditQueueCapacity, cfg.AuditHighWaterFrac, metrics, log)

	proposer, err := spsa.New(cfg.Registry, store, cfg.SPSA)
	if err != nil {
		return nil, err
	}
	executor := safety.NewExecutor(cfg.Registry, store, queue, cfg.Guardrails, cfg.RunID, metrics, log)

	return &Engine{
		registry:  cfg.Registry,
		config:    store,
		ring:      ring,
		queue:     queue,
		metrics:   metrics,
		log:       log,
		proposer:  proposer,
		executor:  executor,
		cfgLimits: cfg,
	}, nil
}

// Current returns the live configuration snapshot. Lock-free,
// allocation-free beyond the returned struct.
func (e *Engine) Current() configstore.ConfigSnapshot {
	return e.executor.Snapshot()
}

// SetBaseline marks the current configuration as the rollback target.
func (e *Engine) SetBaseline() {
	e.executor.SetBaseline()
}

// Metrics exposes the engine's dedicated Prometheus registry for the
// embedding host to scrape or expose however it likes.
func (e *Engine) Metrics() *observability.Metrics {
	return e.metrics
}

// IngestDigest is the data-plane-facing entry point: a producer thread
// calls this directly, never touching the proposer. Never blocks and
// never fails; overflow is absorbed by the ring buffer's
// overwrite-oldest policy and counted, never silently lost from
// observability.
func (e *Engine) IngestDigest(d telemetry.Digest) {
	e.ring.Ingest(d)
	e.metrics.DigestsIngestedTotal.Inc()
	total := e.ring.DropCount()
	if total > e.lastDrainedDrops {
		e.metrics.DigestsDroppedTotal.Add(float64(total - e.lastDrainedDrops))
		e.lastDrainedDrops = total
	}
	e.metrics.RingBufferHighWater.Set(e.ring.HighWaterFraction())
}

// Observe drains the ring buffer, validates each digest against the
// current configuration generation, and drives the SPSA/executor
// cycle: produce a proposal if the proposer is Ready, or feed a valid
// digest into an open eval window. Every proposal produced during the
// call is handed to the executor in turn; returns the receipt of the
// last one committed this call and whether any committed.
func (e *Engine) Observe(nowUs uint64) (safety.ApplyReceipt, bool) {
	snap := e.executor.Snapshot()
	digests := e.ring.DrainAll()

	applyTimestampUs := uint64(0)
	if uint64(snap.Generation) == e.lastApplyGeneration {
		applyTimestampUs = e.lastApplyUs
	}

	var lastValid *telemetry.Digest
	windowClosedThisCycle := false
	var receipt safety.ApplyReceipt
	applied := false
	for i := range digests {
		d := digests[i]
		v := telemetry.Validate(d, uint64(snap.Generation), applyTimestampUs, e.cfgLimits.SettleTimeUs, nowUs, e.cfgLimits.MaxDigestAgeUs)
		if v != telemetry.Valid {
			continue
		}
		lastValid = &digests[i]
		e.metrics.ConfigGeneration.Set(float64(snap.Generation))

		proposal, ready := e.proposer.Observe(d, nowUs)
		if !ready {
			continue
		}
		windowClosedThisCycle = true
		if r, ok := e.applyAndNotify(proposal, nowUs); ok {
			receipt, applied = r, true
		}
	}

	// A window that received no digest at all (or not enough before
	// this call) still must time out at eval_window_us — spec §8's
	// zero-digest boundary case. Observe above only ever checks expiry
	// against a digest that actually arrived, so it is a no-op when
	// none did.
	if !windowClosedThisCycle {
		if proposal, ok := e.proposer.CheckTimeout(nowUs); ok {
			e.applyAndNotify(proposal, nowUs)
		}
	}

	if lastValid != nil && lastValid.HasConstraint {
		e.executor.SetConstraintMargin(lastValid.ConstraintMargin, true, nowUs)
	}
	// Regression detection is fed the latest valid digest's raw
	// objective value, once per call, not an eval-window aggregate.
	if lastValid != nil {
		e.executor.RecordObjective(lastValid.ObjectiveValue, nowUs)
	}

	e.metrics.ConsecutiveTimeouts.Set(float64(e.proposer.ConsecutiveTimeouts()))
	if e.proposer.ConsecutiveTimeouts() >= e.cfgLimits.ConsecutiveTimeoutLimit && e.cfgLimits.ConsecutiveTimeoutLimit > 0 {
		e.executor.RequestSafeMode(safety.ReasonRepeatedViolations, nowUs)
	}

	if proposal, ok := e.proposer.Next(); ok {
		if r, ok := e.applyAndNotify(proposal, nowUs); ok {
			receipt, applied = r, true
		}
	}
	return receipt, applied
}

func (e *Engine) applyAndNotify(p spsa.Proposal, nowUs uint64) (safety.ApplyReceipt, bool) {
	e.metrics.ProposalsEmittedTotal.WithLabelValues(p.Kind.String()).Inc()
	e.metrics.ProposerIteration.Set(float64(e.proposer.Iteration()))
	if stale := e.proposer.StaleDiscarded(); stale > e.lastStaleDiscarded {
		e.metrics.StaleDigestsDiscardedTotal.Add(float64(stale - e.lastStaleDiscarded))
		e.lastStaleDiscarded = stale
	}

	if p.Kind == spsa.NoChangeKind {
		return safety.ApplyReceipt{}, false
	}

	receipt, v := e.executor.Apply(p, nowUs)
	if v != nil {
		e.metrics.ApplyResultsTotal.WithLabelValues(v.Kind.String()).Inc()
		e.proposer.NotifyRejected()
		return safety.ApplyReceipt{}, false
	}
	e.metrics.ApplyResultsTotal.WithLabelValues("committed").Inc()
	e.lastApplyUs = receipt.ApplyTimestampUs
	e.lastApplyGeneration = uint64(receipt.NewGeneration)
	e.proposer.NotifyApplied(uint64(receipt.NewGeneration), receipt.ApplyTimestampUs)
	return receipt, true
}

// Rollback reverts to the last baseline. RollbacksTotal is incremented
// by the executor itself, since an emergency rollback can also be
// triggered internally on a severe constraint breach, outside of this
// call.
func (e *Engine) Rollback(nowUs uint64) (safety.RollbackReceipt, *safety.Violation) {
	return e.executor.Rollback(nowUs)
}
