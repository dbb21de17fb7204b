package safety

// Bounds is a per-parameter hard minimum/maximum.
type Bounds struct {
	Min float64
	Max float64
}

// Guardrails is the configuration-time safety envelope the executor
// enforces on every proposal, per spec §3/§4.3/§4.4.
//
// MaxDeltaPerStep resolves Open Question 1 (spec §9) as
// fraction-of-range: the absolute per-dimension delta bound is
// MaxDeltaPerStep * (Bounds[i].Max - Bounds[i].Min), applied uniformly
// regardless of a parameter's individual scale.
type Guardrails struct {
	MaxDeltaPerStep             float64
	MaxUpdatesPerSecond         int
	MinIntervalUs               uint64
	DirectionFlipLimit          int
	CooldownAfterFlipUs         uint64
	HysteresisThreshold         float64
	MaxCumulativeDeltaPerMinute float64
	RegressionCountLimit        int
	RegressionThreshold         float64
	Bounds                      []Bounds // indexed by ParamId

	// BoundsClampTolerance absorbs floating-point slack only; any
	// breach beyond it is a hard OutOfBounds rejection, never a
	// silent clamp of a meaningfully out-of-range proposal.
	BoundsClampTolerance float64

	MaxConsecutiveRegressions int
	MaxRollbacksPerHour       int
	MinStableTimeUs           uint64
}

// ConservativePreset returns the named "Conservative" guardrail
// preset with the given per-parameter bounds.
func ConservativePreset(bounds []Bounds) Guardrails {
	return Guardrails{
		MaxDeltaPerStep:             0.05,
		MaxUpdatesPerSecond:         5,
		MinIntervalUs:               200_000,
		DirectionFlipLimit:          2,
		CooldownAfterFlipUs:         60_000_000,
		HysteresisThreshold:         0.15,
		MaxCumulativeDeltaPerMinute: 0.25,
		RegressionCountLimit:        3,
		RegressionThreshold:         0.01,
		Bounds:                      bounds,
		BoundsClampTolerance:        1e-9,
		MaxConsecutiveRegressions:   3,
		MaxRollbacksPerHour:         4,
		MinStableTimeUs:             120_000_000,
	}
}

// BalancedPreset returns the named "Balanced" guardrail preset — the
// spec's documented defaults.
func BalancedPreset(bounds []Bounds) Guardrails {
	return Guardrails{
		MaxDeltaPerStep:             0.1,
		MaxUpdatesPerSecond:         10,
		MinIntervalUs:               100_000,
		DirectionFlipLimit:          3,
		CooldownAfterFlipUs:         30_000_000,
		HysteresisThreshold:         0.1,
		MaxCumulativeDeltaPerMinute: 0.5,
		RegressionCountLimit:        5,
		RegressionThreshold:         0.01,
		Bounds:                      bounds,
		BoundsClampTolerance:        1e-9,
		MaxConsecutiveRegressions:   5,
		MaxRollbacksPerHour:         4,
		MinStableTimeUs:             60_000_000,
	}
}

// AggressivePreset returns the named "Aggressive" guardrail preset.
func AggressivePreset(bounds []Bounds) Guardrails {
	return Guardrails{
		MaxDeltaPerStep:             0.2,
		MaxUpdatesPerSecond:         20,
		MinIntervalUs:               50_000,
		DirectionFlipLimit:          5,
		CooldownAfterFlipUs:         15_000_000,
		HysteresisThreshold:         0.05,
		MaxCumulativeDeltaPerMinute: 1.0,
		RegressionCountLimit:        8,
		RegressionThreshold:         0.02,
		Bounds:                      bounds,
		BoundsClampTolerance:        1e-9,
		MaxConsecutiveRegressions:   8,
		MaxRollbacksPerHour:         6,
		MinStableTimeUs:             30_000_000,
	}
}

// MaxAbsDelta returns the absolute per-step delta bound for dimension
// i, resolving the fraction-of-range convention.
func (g Guardrails) MaxAbsDelta(i int) float64 {
	b := g.Bounds[i]
	return g.MaxDeltaPerStep * (b.Max - b.Min)
}
