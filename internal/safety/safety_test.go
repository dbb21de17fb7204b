package safety

import (
	"testing"

	"github.com/arqonhpo/arqonhpo/internal/audit"
	"github.com/arqonhpo/arqonhpo/internal/configstore"
	"github.com/arqonhpo/arqonhpo/internal/observability"
	"github.com/arqonhpo/arqonhpo/internal/paramspace"
	"github.com/arqonhpo/arqonhpo/internal/spsa"
	"go.uber.org/zap"
)

func newTestQueue(capacity int) *audit.Queue {
	return audit.NewQueue(capacity, 0.8, observability.NewMetrics(), zap.NewNop())
}

func newTestExecutor(t *testing.T, g Guardrails) (*Executor, *paramspace.ParamRegistry, *configstore.AtomicConfig) {
	t.Helper()
	reg, err := paramspace.NewRegistry([]string{"a", "b"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cfg := configstore.New(paramspace.ParamVec{0.5, 0.5})
	q := newTestQueue(16)
	ex := NewExecutor(reg, cfg, q, g, "run-1", observability.NewMetrics(), zap.NewNop())
	ex.SetBaseline()
	return ex, reg, cfg
}

func testGuardrails() Guardrails {
	return BalancedPreset([]Bounds{{Min: 0, Max: 1}, {Min: 0, Max: 1}})
}

func applyDelta(ex *Executor, delta paramspace.ParamVec, nowUs uint64) (ApplyReceipt, *Violation) {
	return ex.Apply(spsa.Proposal{Kind: spsa.Update, Delta: delta}, nowUs)
}

func TestApply_WithinBoundsCommits(t *testing.T) {
	ex, _, cfg := newTestExecutor(t, testGuardrails())
	receipt, v := applyDelta(ex, paramspace.ParamVec{0.01, 0.0}, 1_000_000)
	if v != nil {
		t.Fatalf("unexpected violation: %v", v)
	}
	if receipt.NewGeneration != 1 {
		t.Fatalf("expected generation 1, got %d", receipt.NewGeneration)
	}
	snap := cfg.Snapshot()
	if snap.Vec[0] != 0.51 {
		t.Fatalf("expected 0.51, got %f", snap.Vec[0])
	}
}

func TestApply_DeltaTooLargeRejected(t *testing.T) {
	ex, _, _ := newTestExecutor(t, testGuardrails())
	// Balanced MaxDeltaPerStep is 0.1 fraction of a [0,1] range: max abs delta 0.1.
	_, v := applyDelta(ex, paramspace.ParamVec{0.5, 0.0}, 1_000_000)
	if v == nil || v.Kind != DeltaTooLarge {
		t.Fatalf("expected DeltaTooLarge, got %v", v)
	}
}

func TestApply_OutOfBoundsRejected(t *testing.T) {
	g := testGuardrails()
	g.MaxDeltaPerStep = 1.0 // widen so the bounds check, not the delta check, fires
	ex, _, _ := newTestExecutor(t, g)
	_, v := applyDelta(ex, paramspace.ParamVec{0.9, 0.0}, 1_000_000)
	if v == nil || v.Kind != OutOfBounds {
		t.Fatalf("expected OutOfBounds, got %v", v)
	}
}

func TestApply_RateLimitMinInterval(t *testing.T) {
	ex, _, _ := newTestExecutor(t, testGuardrails())
	if _, v := applyDelta(ex, paramspace.ParamVec{0.01, 0}, 1_000_000); v != nil {
		t.Fatalf("unexpected violation: %v", v)
	}
	_, v := applyDelta(ex, paramspace.ParamVec{0.01, 0}, 1_000_050) // 50us later, MinIntervalUs=100_000
	if v == nil || v.Kind != RateLimitExceeded {
		t.Fatalf("expected RateLimitExceeded, got %v", v)
	}
}

func TestApply_ThrashingLatchesSafeModeWithTimerExit(t *testing.T) {
	g := testGuardrails()
	g.DirectionFlipLimit = 2
	g.HysteresisThreshold = 0.001
	ex, _, _ := newTestExecutor(t, g)

	now := uint64(1_000_000)
	step := func(d float64) *Violation {
		now += uint64(g.MinIntervalUs) + 1
		_, v := applyDelta(ex, paramspace.ParamVec{d, 0}, now)
		return v
	}
	if v := step(0.01); v != nil {
		t.Fatalf("unexpected violation on step 1: %v", v)
	}
	if v := step(-0.01); v != nil {
		t.Fatalf("unexpected violation on step 2 (first flip): %v", v)
	}
	v := step(0.01) // second flip, limit reached
	if v == nil || v.Kind != Thrashing {
		t.Fatalf("expected Thrashing, got %v", v)
	}
	if !ex.InSafeMode() {
		t.Fatal("expected SafeMode to be active")
	}
	st := ex.SafeModeSnapshot()
	if st.Reason != ReasonThrashing {
		t.Fatalf("expected ReasonThrashing, got %v", st.Reason)
	}
	if st.Exit.Kind != ExitTimer {
		t.Fatalf("expected ExitTimer, got %v", st.Exit.Kind)
	}

	// Further applies are refused while active.
	if _, v := applyDelta(ex, paramspace.ParamVec{0.01, 0}, now+1); v == nil || v.Kind != InSafeMode {
		t.Fatalf("expected InSafeMode refusal, got %v", v)
	}

	// Once the timer has elapsed, the next call observes the exit.
	past := st.Exit.AtUs + 1
	if _, v := applyDelta(ex, paramspace.ParamVec{0, 0}, past); v != nil {
		t.Fatalf("expected exit + no-op delta to succeed, got %v", v)
	}
	if ex.InSafeMode() {
		t.Fatal("expected SafeMode to have exited")
	}
}

func TestApply_BudgetExhaustedRejected(t *testing.T) {
	g := testGuardrails()
	g.MaxCumulativeDeltaPerMinute = 0.05
	g.MaxDeltaPerStep = 1.0
	ex, _, _ := newTestExecutor(t, g)

	now := uint64(1_000_000)
	if _, v := applyDelta(ex, paramspace.ParamVec{0.03, 0}, now); v != nil {
		t.Fatalf("unexpected violation: %v", v)
	}
	now += uint64(g.MinIntervalUs) + 1
	_, v := applyDelta(ex, paramspace.ParamVec{0.03, 0}, now)
	if v == nil || v.Kind != BudgetExhausted {
		t.Fatalf("expected BudgetExhausted, got %v", v)
	}
}

func TestRecordObjective_RegressionLatchesSafeModeWithRecoveryExit(t *testing.T) {
	g := testGuardrails()
	g.RegressionCountLimit = 2
	g.RegressionThreshold = 0.01
	ex, _, _ := newTestExecutor(t, g)

	ex.RecordObjective(1.0, 1_000_000)
	ex.RecordObjective(0.98, 1_000_001) // regression 1
	if ex.InSafeMode() {
		t.Fatal("expected SafeMode not yet active after one regression")
	}
	ex.RecordObjective(0.96, 1_000_002) // regression 2, limit reached
	if !ex.InSafeMode() {
		t.Fatal("expected SafeMode active after consecutive regressions")
	}
	st := ex.SafeModeSnapshot()
	if st.Reason != ReasonObjectiveRegression {
		t.Fatalf("expected ReasonObjectiveRegression, got %v", st.Reason)
	}
	if st.Exit.Kind != ExitObjectiveRecovery {
		t.Fatalf("expected ExitObjectiveRecovery, got %v", st.Exit.Kind)
	}
}

func TestApply_ConstraintViolationRefusesNonRollback(t *testing.T) {
	ex, _, _ := newTestExecutor(t, testGuardrails())
	ex.SetConstraintMargin(-0.1, true, 1_000_000)
	_, v := applyDelta(ex, paramspace.ParamVec{0.01, 0}, 1_000_000)
	if v == nil || v.Kind != ConstraintViolation {
		t.Fatalf("expected ConstraintViolation, got %v", v)
	}
}

func TestSetConstraintMargin_SevereBreachTriggersImmediateRollback(t *testing.T) {
	ex, _, cfg := newTestExecutor(t, testGuardrails())
	if _, v := applyDelta(ex, paramspace.ParamVec{0.05, 0}, 1_000_000); v != nil {
		t.Fatalf("unexpected violation: %v", v)
	}
	moved := cfg.Snapshot()
	if moved.Vec[0] != 0.55 {
		t.Fatalf("expected 0.55 after apply, got %f", moved.Vec[0])
	}

	ex.SetConstraintMargin(-0.51, true, 1_100_000)

	after := cfg.Snapshot()
	if after.Generation <= moved.Generation {
		t.Fatalf("expected rollback generation to advance past %d, got %d", moved.Generation, after.Generation)
	}
	if after.Vec[0] != 0.5 {
		t.Fatalf("expected baseline value 0.5 restored by automatic rollback, got %f", after.Vec[0])
	}
}

func TestSetConstraintMargin_MarginAboveThresholdDoesNotRollback(t *testing.T) {
	ex, _, cfg := newTestExecutor(t, testGuardrails())
	if _, v := applyDelta(ex, paramspace.ParamVec{0.05, 0}, 1_000_000); v != nil {
		t.Fatalf("unexpected violation: %v", v)
	}
	moved := cfg.Snapshot()

	ex.SetConstraintMargin(-0.5, true, 1_100_000) // exactly at the boundary, not below it

	after := cfg.Snapshot()
	if after.Generation != moved.Generation {
		t.Fatalf("expected no rollback at margin == -0.5, generation changed %d -> %d", moved.Generation, after.Generation)
	}
}

func TestAuditQueueFull_LatchesSafeMode(t *testing.T) {
	reg, err := paramspace.NewRegistry([]string{"a"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cfg := configstore.New(paramspace.ParamVec{0.5})
	q := newTestQueue(1)
	g := BalancedPreset([]Bounds{{Min: 0, Max: 1}})
	ex := NewExecutor(reg, cfg, q, g, "run-1", observability.NewMetrics(), zap.NewNop())
	ex.SetBaseline()

	// First Apply fills the single audit slot with its own Apply event.
	if _, v := ex.Apply(spsa.Proposal{Kind: spsa.Update, Delta: paramspace.ParamVec{0.01}}, 1_000_000); v != nil {
		t.Fatalf("unexpected violation: %v", v)
	}
	// Second Apply's audit enqueue finds the queue full and must latch SafeMode.
	_, v := ex.Apply(spsa.Proposal{Kind: spsa.Update, Delta: paramspace.ParamVec{0.01}}, 1_100_100)
	_ = v // the apply itself may or may not be rejected depending on ordering; SafeMode is the assertion
	if !ex.InSafeMode() {
		t.Fatal("expected SafeMode to latch once the audit queue is full")
	}
	st := ex.SafeModeSnapshot()
	if st.Reason != ReasonAuditQueueFull {
		t.Fatalf("expected ReasonAuditQueueFull, got %v", st.Reason)
	}
}

func TestRollback_RestoresBaselineAndBumpsGeneration(t *testing.T) {
	ex, _, cfg := newTestExecutor(t, testGuardrails())
	if _, v := applyDelta(ex, paramspace.ParamVec{0.05, 0}, 1_000_000); v != nil {
		t.Fatalf("unexpected violation: %v", v)
	}
	before := cfg.Snapshot()
	receipt, v := ex.Rollback(2_000_000)
	if v != nil {
		t.Fatalf("unexpected violation: %v", v)
	}
	if receipt.ToGeneration <= before.Generation {
		t.Fatalf("expected rollback generation to advance past %d, got %d", before.Generation, receipt.ToGeneration)
	}
	after := cfg.Snapshot()
	if after.Vec[0] != 0.5 {
		t.Fatalf("expected baseline value 0.5 restored, got %f", after.Vec[0])
	}
}

func TestRollback_WithoutBaselineRejected(t *testing.T) {
	reg, err := paramspace.NewRegistry([]string{"a"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cfg := configstore.New(paramspace.ParamVec{0.5})
	q := newTestQueue(16)
	g := BalancedPreset([]Bounds{{Min: 0, Max: 1}})
	ex := NewExecutor(reg, cfg, q, g, "run-1", observability.NewMetrics(), zap.NewNop())
	_, v := ex.Rollback(1_000_000)
	if v == nil || v.Kind != NoBaseline {
		t.Fatalf("expected NoBaseline, got %v", v)
	}
}

func TestRollback_CircuitBreakerLatchesSafeMode(t *testing.T) {
	g := testGuardrails()
	g.MaxRollbacksPerHour = 1
	ex, _, _ := newTestExecutor(t, g)

	if _, v := ex.Rollback(1_000_000); v != nil {
		t.Fatalf("unexpected violation on first rollback: %v", v)
	}
	_, v := ex.Rollback(1_000_001)
	if v == nil || v.Kind != RateLimitExceeded {
		t.Fatalf("expected RateLimitExceeded, got %v", v)
	}
	if !ex.InSafeMode() {
		t.Fatal("expected SafeMode latched after exceeding rollback circuit breaker")
	}
}

func TestManualReset_ExitsSafeModeUnconditionally(t *testing.T) {
	ex, _, _ := newTestExecutor(t, testGuardrails())
	ex.RequestSafeMode(ReasonManualTrigger, 1_000_000)
	if !ex.InSafeMode() {
		t.Fatal("expected SafeMode active")
	}
	ex.ManualReset(1_000_001)
	if ex.InSafeMode() {
		t.Fatal("expected SafeMode to have exited")
	}
}

func TestApply_NoChangeProposalIsNoOp(t *testing.T) {
	ex, _, cfg := newTestExecutor(t, testGuardrails())
	before := cfg.Snapshot()
	receipt, v := ex.Apply(spsa.NoChangeProposal(spsa.EvalTimeout), 1_000_000)
	if v != nil {
		t.Fatalf("unexpected violation: %v", v)
	}
	if receipt.NewGeneration != 0 {
		t.Fatalf("expected no commit to occur, got receipt %+v", receipt)
	}
	after := cfg.Snapshot()
	if after.Generation != before.Generation {
		t.Fatalf("expected generation unchanged, got %d -> %d", before.Generation, after.Generation)
	}
}

func TestApply_AuditEventCarriesCorrelationIDs(t *testing.T) {
	reg, err := paramspace.NewRegistry([]string{"a", "b"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cfg := configstore.New(paramspace.ParamVec{0.5, 0.5})
	q := newTestQueue(16)
	ex := NewExecutor(reg, cfg, q, testGuardrails(), "run-1", observability.NewMetrics(), zap.NewNop())
	ex.SetBaseline()

	receipt, v := ex.Apply(spsa.Proposal{Kind: spsa.Update, PerturbationID: 7, Delta: paramspace.ParamVec{0.01, 0.0}}, 1_000_000)
	if v != nil {
		t.Fatalf("unexpected violation: %v", v)
	}

	events := q.DrainAll()
	var applyEvent *audit.Event
	for i := range events {
		if events[i].Kind == audit.KindApply {
			applyEvent = &events[i]
		}
	}
	if applyEvent == nil {
		t.Fatal("expected an Apply audit event")
	}
	if applyEvent.Correlation.RunID != "run-1" {
		t.Fatalf("expected RunID run-1, got %q", applyEvent.Correlation.RunID)
	}
	if applyEvent.Correlation.ProposalID != 7 {
		t.Fatalf("expected ProposalID 7, got %d", applyEvent.Correlation.ProposalID)
	}
	if applyEvent.Correlation.ConfigVersion != uint64(receipt.NewGeneration) {
		t.Fatalf("expected ConfigVersion %d to equal new generation, got %d", receipt.NewGeneration, applyEvent.Correlation.ConfigVersion)
	}
}
