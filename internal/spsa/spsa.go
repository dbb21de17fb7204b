// Package spsa implements the Tier 2 proposer: a read-only observer of
// telemetry and live configuration that proposes bounded parameter
// deltas via Simultaneous Perturbation Stochastic Approximation. It
// holds no write access to the atomic configuration store — its only
// configuration access is a SnapshotSource, an interface exposing
// nothing but a read — so "the proposer mutates production state
// directly" is a compile error, not a runtime check, satisfying spec
// §9's trait-based tier separation.
package spsa

import (
	"math"
	"math/rand"

	"github.com/arqonhpo/arqonhpo/internal/aggregate"
	"github.com/arqonhpo/arqonhpo/internal/configstore"
	"github.com/arqonhpo/arqonhpo/internal/paramspace"
	"github.com/arqonhpo/arqonhpo/internal/telemetry"
)

// SnapshotSource is the only configuration access the proposer is
// given. It exposes a read, nothing else — there is no Publish method
// on this interface, so code holding only a SnapshotSource cannot
// mutate the live configuration no matter how it is used.
type SnapshotSource interface {
	Snapshot() configstore.ConfigSnapshot
}

// Config holds the SPSA algorithm parameters from spec §4.2 and §6.
type Config struct {
	Seed              int64
	A0                float64 // initial learning rate
	C0                float64 // initial perturbation scale
	StabilityConstant float64 // "A" in the a_k schedule
	Alpha             float64 // learning-rate decay exponent, default 0.602
	Gamma             float64 // perturbation decay exponent, default 0.101
	EvalWindowDigests int     // default 5
	EvalWindowUs      uint64  // default 500_000
	Aggregation       string  // aggregator name, default "trimmed_mean"
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Seed:              42,
		A0:                0.05,
		C0:                0.01,
		StabilityConstant: 10.0,
		Alpha:             0.602,
		Gamma:             0.101,
		EvalWindowDigests: 5,
		EvalWindowUs:      500_000,
		Aggregation:       "trimmed_mean",
	}
}

type phase int

const (
	phaseReady phase = iota
	phaseApplyingPlus
	phaseWaitingPlus
	phaseApplyingMinus
	phaseWaitingMinus
	phaseApplyingUpdate
)

// Perturbation is the ±1 sign vector and magnitude drawn for one SPSA
// cycle, owned exclusively by the proposer.
type Perturbation struct {
	PerturbationID uint64
	SignVector     paramspace.ParamVec
	Magnitude      float64
}

// Proposer is the Tier 2 state machine. Not reentrant: all calls are
// synchronous from the caller's perspective, matching spec §9 — there
// is no internal goroutine and no timer thread; eval-window expiry is
// checked at each Observe/CheckTimeout call.
type Proposer struct {
	registry *paramspace.ParamRegistry
	snapshot SnapshotSource
	cfg      Config
	rng      *rand.Rand
	aggr     aggregate.Aggregator

	k     uint64
	ph    phase
	pert  Perturbation

	appliedGeneration uint64
	windowStartUs     uint64
	collected         []float64
	staleDiscarded    uint64

	yPlus float64

	consecutiveTimeouts int
	nextPerturbationID  uint64
}

// New constructs a Proposer. snapshot must expose only a read — see
// SnapshotSource.
func New(registry *paramspace.ParamRegistry, snapshot SnapshotSource, cfg Config) (*Proposer, error) {
	aggr, ok := aggregate.Get(cfg.Aggregation)
	if !ok {
		aggr, _ = aggregate.Get("trimmed_mean")
	}
	return &Proposer{
		registry: registry,
		snapshot: snapshot,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		aggr:     aggr,
		ph:       phaseReady,
	}, nil
}

// Iteration returns the SPSA step counter k.
func (p *Proposer) Iteration() uint64 {
	return p.k
}

// CurrentPerturbation returns the perturbation currently owned by the
// proposer. Only meaningful while a cycle is in flight (outside
// phaseReady).
func (p *Proposer) CurrentPerturbation() Perturbation {
	return p.pert
}

// ConsecutiveTimeouts reports how many eval windows in a row have
// expired without enough digests. The engine raises SafeMode via the
// executor's RequestSafeMode hook once this reaches its configured
// ConsecutiveTimeoutLimit.
func (p *Proposer) ConsecutiveTimeouts() int {
	return p.consecutiveTimeouts
}

// StaleDiscarded reports how many digests were discarded for carrying
// the wrong generation while a window was open — counted for
// telemetry, never contributing to aggregation, per spec §4.2's
// staleness rule.
func (p *Proposer) StaleDiscarded() uint64 {
	return p.staleDiscarded
}

func (p *Proposer) aK() float64 {
	return p.cfg.A0 / math.Pow(float64(p.k)+1+p.cfg.StabilityConstant, p.cfg.Alpha)
}

func (p *Proposer) cK() float64 {
	return p.cfg.C0 / math.Pow(float64(p.k)+1, p.cfg.Gamma)
}

func (p *Proposer) drawSigns() paramspace.ParamVec {
	n := p.registry.Len()
	signs := make(paramspace.ParamVec, n)
	for i := 0; i < n; i++ {
		if p.rng.Float64() < 0.5 {
			signs[i] = -1
		} else {
			signs[i] = 1
		}
	}
	return signs
}

// Next produces the proposer's next proposal when it is in the Ready
// phase: a fresh perturbation and an ApplyPlus proposal. Returns
// (Proposal{}, false) if the proposer is not currently in Ready (a
// cycle is already in flight).
func (p *Proposer) Next() (Proposal, bool) {
	if p.ph != phaseReady {
		return Proposal{}, false
	}
	ck := p.cK()
	signs := p.drawSigns()
	p.nextPerturbationID++
	p.pert = Perturbation{
		PerturbationID: p.nextPerturbationID,
		SignVector:     signs,
		Magnitude:      ck,
	}
	delta := make(paramspace.ParamVec, len(signs))
	for i, s := range signs {
		delta[i] = s * ck
	}
	p.ph = phaseApplyingPlus
	return Proposal{
		Kind:           ApplyPlus,
		PerturbationID: p.pert.PerturbationID,
		Delta:          delta,
	}, true
}

// NotifyApplied tells the proposer that its most recently emitted
// proposal was accepted and committed at the given generation and
// timestamp. It advances the state machine: ApplyingPlus ->
// WaitingPlus, ApplyingMinus -> WaitingMinus, ApplyingUpdate -> Ready
// (advancing k).
func (p *Proposer) NotifyApplied(generation uint64, applyTimestampUs uint64) {
	switch p.ph {
	case phaseApplyingPlus:
		p.appliedGeneration = generation
		p.windowStartUs = applyTimestampUs
		p.collected = p.collected[:0]
		p.ph = phaseWaitingPlus
	case phaseApplyingMinus:
		p.appliedGeneration = generation
		p.windowStartUs = applyTimestampUs
		p.collected = p.collected[:0]
		p.ph = phaseWaitingMinus
	case phaseApplyingUpdate:
		p.k++
		p.ph = phaseReady
	}
}

// NotifyRejected tells the proposer that its most recently emitted
// proposal was refused by the executor (guardrail violation or
// SafeMode). The cycle abandons whatever was in flight and returns to
// Ready; k does not advance, matching spec §7's "SPSA iteration
// counter does not advance on rejected proposals."
func (p *Proposer) NotifyRejected() {
	p.ph = phaseReady
}

// CheckTimeout re-evaluates eval-window expiry without a new digest
// arriving, so a window that never receives a single digest still
// times out at eval_window_us (spec §8's zero-digest boundary case).
// The engine calls this once per Observe cycle whenever no digest
// closed the window on its own.
func (p *Proposer) CheckTimeout(nowUs uint64) (Proposal, bool) {
	if p.ph != phaseWaitingPlus && p.ph != phaseWaitingMinus {
		return Proposal{}, false
	}
	if len(p.collected) >= p.cfg.EvalWindowDigests {
		return Proposal{}, false
	}
	if nowUs-p.windowStartUs < p.cfg.EvalWindowUs {
		return Proposal{}, false
	}
	p.consecutiveTimeouts++
	return NoChangeProposal(EvalTimeout), true
}

// Observe ingests one already-validated telemetry digest (the caller
// is expected to have passed it through telemetry.Validate and to call
// Observe only for Valid digests) during an open eval window. It
// returns the next proposal once the window closes, or (Proposal{},
// false) while the window remains open.
func (p *Proposer) Observe(d telemetry.Digest, nowUs uint64) (Proposal, bool) {
	if p.ph != phaseWaitingPlus && p.ph != phaseWaitingMinus {
		return Proposal{}, false
	}
	if d.ConfigGeneration != p.appliedGeneration {
		// Staleness rule (spec §4.2): discarded from aggregation,
		// counted for telemetry, window stays open.
		p.staleDiscarded++
		return Proposal{}, false
	}
	p.collected = append(p.collected, d.ObjectiveValue)

	windowComplete := len(p.collected) >= p.cfg.EvalWindowDigests
	windowExpired := nowUs-p.windowStartUs >= p.cfg.EvalWindowUs

	if !windowComplete && !windowExpired {
		return Proposal{}, false
	}
	if !windowComplete && windowExpired {
		p.consecutiveTimeouts++
		return NoChangeProposal(EvalTimeout), true
	}
	p.consecutiveTimeouts = 0

	y := p.aggr.Aggregate(p.collected)
	if math.IsNaN(y) || math.IsInf(y, 0) {
		p.ph = phaseReady
		return NoChangeProposal(InsufficientData), true
	}

	switch p.ph {
	case phaseWaitingPlus:
		p.yPlus = y
		ck := p.pert.Magnitude
		delta := make(paramspace.ParamVec, len(p.pert.SignVector))
		for i, s := range p.pert.SignVector {
			delta[i] = -2 * ck * s
		}
		p.ph = phaseApplyingMinus
		return Proposal{
			Kind:           ApplyMinus,
			PerturbationID: p.pert.PerturbationID,
			Delta:          delta,
		}, true
	case phaseWaitingMinus:
		yMinus := y
		ck := p.pert.Magnitude
		ak := p.aK()
		grad := make(paramspace.ParamVec, len(p.pert.SignVector))
		delta := make(paramspace.ParamVec, len(p.pert.SignVector))
		for i, s := range p.pert.SignVector {
			g := (p.yPlus - yMinus) / (2 * ck * s)
			grad[i] = g
			delta[i] = -ak * g
		}
		p.ph = phaseApplyingUpdate
		return Proposal{
			Kind:             Update,
			Iteration:        p.k,
			Delta:            delta,
			GradientEstimate: grad,
		}, true
	}
	return Proposal{}, false
}
