package spsa

import (
	"math"
	"testing"

	"github.com/arqonhpo/arqonhpo/internal/configstore"
	"github.com/arqonhpo/arqonhpo/internal/paramspace"
	"github.com/arqonhpo/arqonhpo/internal/telemetry"
)

type fixedSnapshot struct {
	snap configstore.ConfigSnapshot
}

func (f fixedSnapshot) Snapshot() configstore.ConfigSnapshot { return f.snap }

func newTestProposer(t *testing.T, seed int64) (*Proposer, *paramspace.ParamRegistry) {
	t.Helper()
	reg, err := paramspace.NewRegistry([]string{"x", "y"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Seed = seed
	cfg.C0 = 0.01
	cfg.EvalWindowDigests = 3
	cfg.EvalWindowUs = 500_000
	src := fixedSnapshot{snap: configstore.ConfigSnapshot{
		Vec:        paramspace.ParamVec{0.5, 0.3},
		Generation: 0,
	}}
	p, err := New(reg, src, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, reg
}

func TestDeterministicPerturbation_SameSeedSameSigns(t *testing.T) {
	p1, _ := newTestProposer(t, 42)
	p2, _ := newTestProposer(t, 42)

	prop1, ok := p1.Next()
	if !ok {
		t.Fatal("Next() returned ok=false")
	}
	prop2, ok := p2.Next()
	if !ok {
		t.Fatal("Next() returned ok=false")
	}
	if len(prop1.Delta) != len(prop2.Delta) {
		t.Fatalf("delta length mismatch: %d vs %d", len(prop1.Delta), len(prop2.Delta))
	}
	for i := range prop1.Delta {
		if prop1.Delta[i] != prop2.Delta[i] {
			t.Fatalf("delta[%d] differs across identical-seed runs: %v vs %v", i, prop1.Delta[i], prop2.Delta[i])
		}
		if math.Abs(math.Abs(prop1.Delta[i])-0.01) > 1e-12 {
			t.Fatalf("delta[%d] magnitude = %v, want 0.01", i, prop1.Delta[i])
		}
	}
}

func TestNext_OnlyProducesApplyPlusFromReady(t *testing.T) {
	p, _ := newTestProposer(t, 1)
	if _, ok := p.Next(); !ok {
		t.Fatal("first Next() should succeed from Ready")
	}
	if _, ok := p.Next(); ok {
		t.Fatal("second Next() should fail: proposer is no longer in Ready")
	}
}

func TestObserve_StaleDigestDiscardedNotAggregated(t *testing.T) {
	p, _ := newTestProposer(t, 1)
	p.Next()
	p.NotifyApplied(5, 1_000_000)

	// Two stale digests (wrong generation), then three matching.
	p.Observe(telemetry.Digest{ConfigGeneration: 4, ObjectiveValue: 999}, 1_100_000)
	p.Observe(telemetry.Digest{ConfigGeneration: 4, ObjectiveValue: 999}, 1_100_000)
	if p.StaleDiscarded() != 2 {
		t.Fatalf("StaleDiscarded = %d, want 2", p.StaleDiscarded())
	}
	p.Observe(telemetry.Digest{ConfigGeneration: 5, ObjectiveValue: 1.0}, 1_110_000)
	p.Observe(telemetry.Digest{ConfigGeneration: 5, ObjectiveValue: 1.0}, 1_120_000)
	prop, ok := p.Observe(telemetry.Digest{ConfigGeneration: 5, ObjectiveValue: 1.0}, 1_130_000)
	if !ok {
		t.Fatal("third matching digest should close the window")
	}
	if prop.Kind != ApplyMinus {
		t.Fatalf("Kind = %v, want ApplyMinus", prop.Kind)
	}
}

func TestObserve_EvalTimeoutWithoutEnoughDigests(t *testing.T) {
	p, _ := newTestProposer(t, 1)
	p.Next()
	p.NotifyApplied(1, 1_000_000)

	p.Observe(telemetry.Digest{ConfigGeneration: 1, ObjectiveValue: 1.0}, 1_100_000)
	prop, ok := p.Observe(telemetry.Digest{ConfigGeneration: 1, ObjectiveValue: 1.0}, 1_600_000)
	if !ok {
		t.Fatal("window should expire and emit a proposal")
	}
	if prop.Kind != NoChangeKind || prop.Reason != EvalTimeout {
		t.Fatalf("prop = %+v, want NoChange{EvalTimeout}", prop)
	}
	if p.ConsecutiveTimeouts() != 1 {
		t.Fatalf("ConsecutiveTimeouts = %d, want 1", p.ConsecutiveTimeouts())
	}
}

func TestCheckTimeout_ZeroDigestsStillExpires(t *testing.T) {
	p, _ := newTestProposer(t, 1)
	p.Next()
	p.NotifyApplied(1, 1_000_000)

	if _, ok := p.CheckTimeout(1_100_000); ok {
		t.Fatal("window should not expire before eval_window_us elapses")
	}
	prop, ok := p.CheckTimeout(1_600_000)
	if !ok {
		t.Fatal("window with zero digests should still expire at eval_window_us")
	}
	if prop.Kind != NoChangeKind || prop.Reason != EvalTimeout {
		t.Fatalf("prop = %+v, want NoChange{EvalTimeout}", prop)
	}
	if p.ConsecutiveTimeouts() != 1 {
		t.Fatalf("ConsecutiveTimeouts = %d, want 1", p.ConsecutiveTimeouts())
	}
}

func TestCheckTimeout_NoOpWhenReady(t *testing.T) {
	p, _ := newTestProposer(t, 1)
	if _, ok := p.CheckTimeout(1_000_000); ok {
		t.Fatal("CheckTimeout should be a no-op outside an open eval window")
	}
}

func TestNotifyRejected_DoesNotAdvanceIteration(t *testing.T) {
	p, _ := newTestProposer(t, 1)
	p.Next()
	if p.Iteration() != 0 {
		t.Fatalf("Iteration before any full cycle = %d, want 0", p.Iteration())
	}
	p.NotifyRejected()
	if p.Iteration() != 0 {
		t.Fatalf("Iteration after rejection = %d, want 0", p.Iteration())
	}
	if _, ok := p.Next(); !ok {
		t.Fatal("proposer should be back in Ready after rejection")
	}
}

func TestFullCycle_AdvancesIteration(t *testing.T) {
	p, _ := newTestProposer(t, 7)
	p.Next()
	p.NotifyApplied(1, 1_000_000)
	for i := 0; i < 3; i++ {
		p.Observe(telemetry.Digest{ConfigGeneration: 1, ObjectiveValue: 1.0}, 1_100_000+uint64(i)*1000)
	}
	// now ApplyingMinus
	p.NotifyApplied(2, 1_200_000)
	var updateProp Proposal
	for i := 0; i < 3; i++ {
		prop, ok := p.Observe(telemetry.Digest{ConfigGeneration: 2, ObjectiveValue: 1.1}, 1_300_000+uint64(i)*1000)
		if ok {
			updateProp = prop
		}
	}
	if updateProp.Kind != Update {
		t.Fatalf("expected Update proposal, got %+v", updateProp)
	}
	p.NotifyApplied(3, 1_400_000)
	if p.Iteration() != 1 {
		t.Fatalf("Iteration after full cycle = %d, want 1", p.Iteration())
	}
}
