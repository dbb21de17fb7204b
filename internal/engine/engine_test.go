package engine

import (
	"testing"

	"go.uber.org/zap"

	"github.com/arqonhpo/arqonhpo/internal/paramspace"
	"github.com/arqonhpo/arqonhpo/internal/safety"
	"github.com/arqonhpo/arqonhpo/internal/spsa"
	"github.com/arqonhpo/arqonhpo/internal/telemetry"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	reg, err := paramspace.NewRegistry([]string{"x", "y"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cfg := Config{
		Registry:                reg,
		SPSA:                    spsa.DefaultConfig(),
		Guardrails:              safety.BalancedPreset([]safety.Bounds{{Min: 0, Max: 1}, {Min: 0, Max: 1}}),
		RunID:                   "test-run",
		RingBufferCapacity:      64,
		AuditQueueCapacity:      64,
		AuditHighWaterFrac:      0.8,
		MaxDigestAgeUs:          10_000_000,
		SettleTimeUs:            0,
		ConsecutiveTimeoutLimit: 3,
	}
	e, err := New(cfg, paramspace.ParamVec{0.5, 0.3}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.SetBaseline()
	return e
}

func TestEngine_ObserveProducesApplyPlusOnFirstCall(t *testing.T) {
	e := newTestEngine(t)
	before := e.Current()
	_, applied := e.Observe(1_000_000)
	if !applied {
		t.Fatal("expected the first Observe to emit and commit an ApplyPlus proposal")
	}
	after := e.Current()
	if after.Generation <= before.Generation {
		t.Fatalf("expected generation to advance, got %d -> %d", before.Generation, after.Generation)
	}
}

func TestEngine_FullSPSACycleAdvancesIteration(t *testing.T) {
	e := newTestEngine(t)
	now := uint64(1_000_000)

	// ApplyPlus commits.
	_, ok := e.Observe(now)
	if !ok {
		t.Fatal("expected ApplyPlus to commit")
	}
	gen := e.Current().Generation

	// Feed enough digests at the new generation to close the window.
	for i := 0; i < e.cfgLimits.SPSA.EvalWindowDigests; i++ {
		now += 10_000
		e.IngestDigest(telemetry.Digest{
			TimestampUs:      now,
			ObjectiveValue:   1.0,
			ConfigGeneration: uint64(gen),
		})
	}
	// 110ms after the ApplyPlus commit, past MinIntervalUs.
	now += 60_000
	_, ok = e.Observe(now) // closes plus window, emits+commits ApplyMinus
	if !ok {
		t.Fatal("expected ApplyMinus to commit")
	}
	gen2 := e.Current().Generation
	if gen2 == gen {
		t.Fatal("expected generation to advance after ApplyMinus")
	}

	for i := 0; i < e.cfgLimits.SPSA.EvalWindowDigests; i++ {
		now += 10_000
		e.IngestDigest(telemetry.Digest{
			TimestampUs:      now,
			ObjectiveValue:   1.1,
			ConfigGeneration: uint64(gen2),
		})
	}
	// 110ms after the ApplyMinus commit, past MinIntervalUs.
	now += 60_000
	_, ok = e.Observe(now) // closes minus window, emits+commits Update, iteration advances
	if !ok {
		t.Fatal("expected Update to commit")
	}
	if e.proposer.(*spsa.Proposer).Iteration() != 1 {
		t.Fatalf("expected iteration 1 after a full cycle, got %d", e.proposer.(*spsa.Proposer).Iteration())
	}
}

func TestEngine_RollbackRestoresBaseline(t *testing.T) {
	e := newTestEngine(t)
	e.Observe(1_000_000)
	receipt, v := e.Rollback(2_000_000)
	if v != nil {
		t.Fatalf("unexpected violation: %v", v)
	}
	after := e.Current()
	if after.Generation != receipt.ToGeneration {
		t.Fatalf("expected current generation to match rollback receipt")
	}
	if after.Vec[0] != 0.5 || after.Vec[1] != 0.3 {
		t.Fatalf("expected baseline vector restored, got %v", after.Vec)
	}
}

func TestEngine_RepeatedTimeoutsLatchSafeMode(t *testing.T) {
	e := newTestEngine(t)
	now := uint64(1_000_000)
	e.Observe(now) // commits ApplyPlus, opens eval window

	for i := 0; i < 4; i++ {
		now += e.cfgLimits.SPSA.EvalWindowUs + 1
		e.Observe(now) // window expires each time with no digests: EvalTimeout
	}
	if !e.executorInSafeMode() {
		t.Fatal("expected SafeMode to latch after repeated eval-window timeouts")
	}
}

func (e *Engine) executorInSafeMode() bool {
	return e.executor.InSafeMode()
}
