// Package safety implements Tier 1: the sole writer to the live
// configuration. Every mutation of production state — apply, rollback
// — passes through Executor, which validates, clamps, rate-limits,
// commits, and audits, and which alone may latch and unlatch SafeMode.
package safety

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arqonhpo/arqonhpo/internal/audit"
	"github.com/arqonhpo/arqonhpo/internal/configstore"
	"github.com/arqonhpo/arqonhpo/internal/observability"
	"github.com/arqonhpo/arqonhpo/internal/paramspace"
	"github.com/arqonhpo/arqonhpo/internal/spsa"
)

// ApplyReceipt records a successful commit.
type ApplyReceipt struct {
	PriorGeneration configstore.Generation
	NewGeneration   configstore.Generation
	AppliedDelta    paramspace.ParamVec
	ApplyTimestampUs uint64
}

// RollbackReceipt records a successful rollback.
type RollbackReceipt struct {
	FromGeneration     configstore.Generation
	ToGeneration       configstore.Generation
	BaselineGeneration configstore.Generation
}

// Executor is Tier 1: the sole writer to the AtomicConfig. Apply,
// Rollback, and SetBaseline are the only ways production state
// changes; Snapshot is a pass-through lock-free read.
type Executor struct {
	mu sync.Mutex

	registry *paramspace.ParamRegistry
	config   *configstore.AtomicConfig
	queue    *audit.Queue
	metrics  *observability.Metrics
	log      *zap.Logger

	cs *controlSafety

	runID string

	baseline       *configstore.ConfigSnapshot
	safeMode       SafeModeState
	lastApplyUs    uint64
	applyTimesUs   []uint64 // rolling-second window for rate limiting
	rollbackTimesUs []uint64 // rolling-hour window for the circuit breaker
	nextProposalID uint64
}

// NewExecutor constructs an Executor wired to a live AtomicConfig and
// audit Queue. log may be zap.NewNop() in tests.
func NewExecutor(registry *paramspace.ParamRegistry, config *configstore.AtomicConfig, queue *audit.Queue, guardrails Guardrails, runID string, metrics *observability.Metrics, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		registry: registry,
		config:   config,
		queue:    queue,
		metrics:  metrics,
		log:      log,
		cs:       newControlSafety(guardrails, registry.Len()),
		runID:    runID,
	}
}

// Snapshot is a lock-free read of the current configuration, passed
// straight through to the atomic config store.
func (e *Executor) Snapshot() configstore.ConfigSnapshot {
	return e.config.Snapshot()
}

// InSafeMode reports whether the latch is currently active.
func (e *Executor) InSafeMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.safeMode.Active
}

// SafeModeSnapshot returns a copy of the current latch state.
func (e *Executor) SafeModeSnapshot() SafeModeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.safeMode
}

// SetBaseline marks the current snapshot as the rollback target.
func (e *Executor) SetBaseline() {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.config.Snapshot()
	e.baseline = &snap
}

// SetConstraintMargin records the most recent valid digest's
// constraint margin, consulted by the constraint-first control-safety
// check on the next Apply. A margin below -0.5 is a severe breach per
// spec §4.4.3 and triggers an immediate rollback to baseline right
// here, rather than waiting for some future Apply to notice it — the
// breach is detected from the digest itself, independent of whether a
// proposal happens to be pending.
func (e *Executor) SetConstraintMargin(margin float64, has bool, nowUs uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cs.SetConstraintMargin(margin, has)
	if e.cs.needsImmediateRollback() {
		e.rollbackLocked(nowUs)
	}
}

// RecordObjective feeds an objective reading into regression
// detection, latching SafeMode(ObjectiveRegression) once
// RegressionCountLimit consecutive regressions are observed.
func (e *Executor) RecordObjective(objective float64, nowUs uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, limitReached := e.cs.recordObjective(objective)
	if limitReached && !e.safeMode.Active {
		e.enterSafeModeLocked(ReasonObjectiveRegression, nowUs, SafeModeExit{Kind: ExitObjectiveRecovery, RequiredImprovement: e.cs.g.RegressionThreshold})
	}
}

// RequestSafeMode is the hook the proposer's repeated-timeout signal
// (and any other external trigger) uses to latch SafeMode without
// going through a rejected Apply. reason ReasonManualTrigger covers an
// operator-invoked latch.
func (e *Executor) RequestSafeMode(reason SafeModeReason, nowUs uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.safeMode.Active {
		e.enterSafeModeLocked(reason, nowUs, SafeModeExit{Kind: ExitManualReset})
	}
}

// ManualReset exits SafeMode unconditionally. This is the library-
// level surface for what would otherwise be an operator CLI command —
// this module exposes no socket or transport, only the capability.
func (e *Executor) ManualReset(nowUs uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.safeMode.Active {
		e.exitSafeModeLocked(nowUs)
	}
}

func (e *Executor) enterSafeModeLocked(reason SafeModeReason, nowUs uint64, exit SafeModeExit) {
	e.safeMode = SafeModeState{Active: true, EnteredAtUs: nowUs, Reason: reason, Exit: exit}
	e.cs.resetRegression()
	e.metrics.SafeModeEntriesTotal.WithLabelValues(reason.String()).Inc()
	e.metrics.SafeModeActive.Set(1)
	e.log.Warn("entering SafeMode", zap.String("reason", reason.String()))
	if reason == ReasonAuditQueueFull {
		// The audit queue is, by construction, the thing that is full;
		// enqueuing another event here would either be silently
		// dropped or recurse. Per spec this transition is observed via
		// logging only, not the audit queue.
		return
	}
	e.enqueue(audit.Event{
		TimestampUs: nowUs,
		Kind:        audit.KindSafeModeEntered,
		Reason:      reason.String(),
	})
}

func (e *Executor) exitSafeModeLocked(nowUs uint64) {
	reason := e.safeMode.Reason
	e.safeMode = SafeModeState{}
	e.metrics.SafeModeActive.Set(0)
	e.log.Info("exiting SafeMode", zap.String("reason", reason.String()))
	e.enqueue(audit.Event{
		TimestampUs: nowUs,
		Kind:        audit.KindSafeModeExited,
		Reason:      reason.String(),
	})
}

// checkExitLocked observes a timer exit at the current call, per spec
// §5: "SafeMode timer exits are observed at the next proposal point,"
// never via a background timer thread.
func (e *Executor) checkExitLocked(nowUs uint64) {
	if !e.safeMode.Active || e.safeMode.Exit.Kind != ExitTimer {
		return
	}
	if nowUs >= e.safeMode.Exit.AtUs {
		e.exitSafeModeLocked(nowUs)
	}
}

func (e *Executor) enqueue(ev audit.Event) {
	ev.Correlation.RunID = e.runID
	result := e.queue.Enqueue(ev)
	if result == audit.Full {
		e.log.Error("audit queue full; latching SafeMode")
		if !e.safeMode.Active {
			e.enterSafeModeLocked(ReasonAuditQueueFull, ev.TimestampUs, SafeModeExit{Kind: ExitManualReset})
		}
	}
}

func pruneBefore(times []uint64, cutoff uint64) []uint64 {
	i := 0
	for i < len(times) && times[i] < cutoff {
		i++
	}
	return times[i:]
}

// Apply is the sole mechanism to mutate production state. The
// validation pipeline is ordered and short-circuits on first failure,
// per spec §4.3.
func (e *Executor) Apply(p spsa.Proposal, nowUs uint64) (ApplyReceipt, *Violation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() { e.metrics.ApplyLatencySeconds.Observe(time.Since(start).Seconds()) }()

	e.checkExitLocked(nowUs)

	// Step 1: SafeMode check.
	if e.safeMode.Active {
		v := newViolation(InSafeMode, -1, "SafeMode active (%s) since %d", e.safeMode.Reason, e.safeMode.EnteredAtUs)
		e.enqueue(audit.Event{TimestampUs: nowUs, Kind: audit.KindViolationObserved, Reason: v.Kind.String(), Correlation: audit.CorrelationIDs{ProposalID: p.PerturbationID}})
		return ApplyReceipt{}, v
	}

	if p.Kind == spsa.NoChangeKind {
		return ApplyReceipt{}, nil
	}

	delta := p.Delta
	if len(delta) != e.registry.Len() {
		v := newViolation(UnknownParameter, -1, "delta length %d does not match registry size %d", len(delta), e.registry.Len())
		e.enqueue(audit.Event{TimestampUs: nowUs, Kind: audit.KindViolationObserved, Reason: v.Kind.String(), Correlation: audit.CorrelationIDs{ProposalID: p.PerturbationID}})
		return ApplyReceipt{}, v
	}

	current := e.config.Snapshot()
	next := current.Vec.Clone()

	// Step 2: bounds check (with floating-point clamp tolerance) and
	// Step 3: delta check, per dimension.
	for i, d := range delta {
		proposed := current.Vec[i] + d
		b := e.cs.g.Bounds[i]
		if proposed < b.Min || proposed > b.Max {
			clampAmount := 0.0
			if proposed < b.Min {
				clampAmount = b.Min - proposed
			} else {
				clampAmount = proposed - b.Max
			}
			if clampAmount > e.cs.g.BoundsClampTolerance {
				v := newViolation(OutOfBounds, i, "proposed value %.6f outside [%.6f, %.6f]", proposed, b.Min, b.Max)
				e.enqueue(audit.Event{TimestampUs: nowUs, Kind: audit.KindViolationObserved, Reason: v.Kind.String(), Correlation: audit.CorrelationIDs{ProposalID: p.PerturbationID}})
				return ApplyReceipt{}, v
			}
			if proposed < b.Min {
				proposed = b.Min
			} else {
				proposed = b.Max
			}
		}
		maxAbs := e.cs.g.MaxAbsDelta(i)
		if absF(d) > maxAbs {
			v := newViolation(DeltaTooLarge, i, "|delta| %.6f exceeds max %.6f", absF(d), maxAbs)
			e.enqueue(audit.Event{TimestampUs: nowUs, Kind: audit.KindViolationObserved, Reason: v.Kind.String(), Correlation: audit.CorrelationIDs{ProposalID: p.PerturbationID}})
			return ApplyReceipt{}, v
		}
		next[i] = proposed
	}

	// Step 4: rate limit.
	if e.lastApplyUs != 0 && nowUs-e.lastApplyUs < e.cs.g.MinIntervalUs {
		v := newViolation(RateLimitExceeded, -1, "min interval %dus not elapsed since last apply", e.cs.g.MinIntervalUs)
		e.enqueue(audit.Event{TimestampUs: nowUs, Kind: audit.KindViolationObserved, Reason: v.Kind.String(), Correlation: audit.CorrelationIDs{ProposalID: p.PerturbationID}})
		return ApplyReceipt{}, v
	}
	e.applyTimesUs = pruneBefore(e.applyTimesUs, saturatingSub(nowUs, 1_000_000))
	if len(e.applyTimesUs) >= e.cs.g.MaxUpdatesPerSecond {
		v := newViolation(RateLimitExceeded, -1, "max %d updates/second exceeded", e.cs.g.MaxUpdatesPerSecond)
		e.enqueue(audit.Event{TimestampUs: nowUs, Kind: audit.KindViolationObserved, Reason: v.Kind.String(), Correlation: audit.CorrelationIDs{ProposalID: p.PerturbationID}})
		return ApplyReceipt{}, v
	}

	// Step 5: control-safety hooks, in tie-break order: constraint-
	// first dominates budget, which dominates regression (already
	// latched via RecordObjective, not re-checked here), which
	// dominates thrashing.
	if v := e.cs.checkConstraintFirst(); v != nil {
		e.enqueue(audit.Event{TimestampUs: nowUs, Kind: audit.KindViolationObserved, Reason: v.Kind.String(), Correlation: audit.CorrelationIDs{ProposalID: p.PerturbationID}})
		return ApplyReceipt{}, v
	}
	for i, d := range delta {
		if v := e.cs.checkBudget(i, absF(d), nowUs); v != nil {
			e.enqueue(audit.Event{TimestampUs: nowUs, Kind: audit.KindViolationObserved, Reason: v.Kind.String(), Correlation: audit.CorrelationIDs{ProposalID: p.PerturbationID}})
			return ApplyReceipt{}, v
		}
	}
	for i, d := range delta {
		if v := e.cs.checkThrashing(i, d, nowUs); v != nil {
			e.enterSafeModeLocked(ReasonThrashing, nowUs, SafeModeExit{Kind: ExitTimer, AtUs: nowUs + e.cs.g.CooldownAfterFlipUs})
			e.enqueue(audit.Event{TimestampUs: nowUs, Kind: audit.KindViolationObserved, Reason: v.Kind.String(), Correlation: audit.CorrelationIDs{ProposalID: p.PerturbationID}})
			return ApplyReceipt{}, v
		}
	}

	// Step 6: commit. Atomic swap is visible before the audit event is
	// enqueued (resolves Open Question 3, spec §9): Publish happens
	// first, enqueue happens last.
	snap := e.config.Publish(next)
	for i, d := range delta {
		e.cs.recordApplied(i, d, nowUs)
	}
	e.lastApplyUs = nowUs
	e.applyTimesUs = append(e.applyTimesUs, nowUs)

	e.enqueue(audit.Event{
		TimestampUs:     nowUs,
		Kind:            audit.KindApply,
		PriorGeneration: uint64(current.Generation),
		NewGeneration:   uint64(snap.Generation),
		Correlation:     audit.CorrelationIDs{ProposalID: p.PerturbationID, ConfigVersion: uint64(snap.Generation)},
	})

	return ApplyReceipt{
		PriorGeneration:  current.Generation,
		NewGeneration:    snap.Generation,
		AppliedDelta:     delta,
		ApplyTimestampUs: nowUs,
	}, nil
}

// Rollback reverts the live vector to the baseline's values while
// still bumping the generation by exactly one (Open Question 2, spec
// §9: generation is always monotonic, never rewound, regardless of
// vector reversion). Idempotent with respect to an already-baseline
// state: still bumps generation and emits an audit event, per spec §5.
func (e *Executor) Rollback(nowUs uint64) (RollbackReceipt, *Violation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.checkExitLocked(nowUs)
	return e.rollbackLocked(nowUs)
}

// rollbackLocked is the shared core of an operator-invoked Rollback
// and the automatic emergency rollback SetConstraintMargin triggers on
// a severe constraint breach. Caller must hold e.mu.
func (e *Executor) rollbackLocked(nowUs uint64) (RollbackReceipt, *Violation) {
	if e.baseline == nil {
		return RollbackReceipt{}, newViolation(NoBaseline, -1, "no baseline has been set")
	}

	e.rollbackTimesUs = pruneBefore(e.rollbackTimesUs, saturatingSub(nowUs, 3_600_000_000))
	if len(e.rollbackTimesUs) >= e.cs.g.MaxRollbacksPerHour {
		v := newViolation(RateLimitExceeded, -1, "max %d rollbacks/hour exceeded", e.cs.g.MaxRollbacksPerHour)
		e.enterSafeModeLocked(ReasonRepeatedViolations, nowUs, SafeModeExit{Kind: ExitManualReset})
		return RollbackReceipt{}, v
	}

	current := e.config.Snapshot()
	snap := e.config.Publish(e.baseline.Vec)
	e.rollbackTimesUs = append(e.rollbackTimesUs, nowUs)
	e.cs.resetRegression()
	e.metrics.RollbacksTotal.Inc()

	e.enqueue(audit.Event{
		TimestampUs:     nowUs,
		Kind:            audit.KindRollback,
		PriorGeneration: uint64(current.Generation),
		NewGeneration:   uint64(snap.Generation),
		Correlation:     audit.CorrelationIDs{ConfigVersion: uint64(snap.Generation)},
	})

	return RollbackReceipt{
		FromGeneration:     current.Generation,
		ToGeneration:       snap.Generation,
		BaselineGeneration: e.baseline.Generation,
	}, nil
}
