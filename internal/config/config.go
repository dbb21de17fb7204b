// Package config provides configuration loading and validation for the
// adaptive engine.
//
// Configuration file: operator-supplied YAML, no fixed path — the
// embedding host decides where it lives; Load takes an explicit path.
// Schema version: 1.
//
// Validation:
//   - Ranges are enforced for the fields Validate names;
//     stability_constant, eval_window_us, settle_time_us,
//     min_interval_us, cooldown_after_flip_us, hysteresis_threshold,
//     max_cumulative_delta_per_minute, regression_threshold and
//     min_stable_time_us are accepted as given.
//   - Invalid config is always a hard error from Load; there is no
//     partial-apply or hot-reload path — the engine has no daemon
//     lifecycle of its own to reload into (spec §9: "library-scope,
//     embeddable within a process").
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arqonhpo/arqonhpo/internal/safety"
)

// SPSAConfig holds the SPSA algorithm parameters (spec §4.2, §6).
type SPSAConfig struct {
	Seed                int64   `yaml:"seed"`
	A0                  float64 `yaml:"a0"`
	C0                  float64 `yaml:"c0"`
	StabilityConstant   float64 `yaml:"stability_constant"`
	Alpha               float64 `yaml:"alpha"`
	Gamma               float64 `yaml:"gamma"`
	EvalWindowDigests   int     `yaml:"eval_window_digests"`
	EvalWindowUs        uint64  `yaml:"eval_window_us"`
	SettleTimeUs        uint64  `yaml:"settle_time_us"`
	Aggregation         string  `yaml:"aggregation"`
	TrimmedMeanFraction float64 `yaml:"trimmed_mean_fraction"`
}

// BoundsEntry is one named parameter's hard min/max, as they appear in
// the YAML `guardrails.bounds` map.
type BoundsEntry struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// GuardrailsConfig holds the safety envelope (spec §3, §4.3, §4.4).
// Preset selects a named starting point (Conservative/Balanced/
// Aggressive); any field set here overrides the preset's value.
type GuardrailsConfig struct {
	Preset                      string                 `yaml:"preset"`
	MaxDeltaPerStep             float64                `yaml:"max_delta_per_step"`
	MaxUpdatesPerSecond         int                    `yaml:"max_updates_per_second"`
	MinIntervalUs               uint64                 `yaml:"min_interval_us"`
	DirectionFlipLimit          int                    `yaml:"direction_flip_limit"`
	CooldownAfterFlipUs         uint64                 `yaml:"cooldown_after_flip_us"`
	HysteresisThreshold         float64                `yaml:"hysteresis_threshold"`
	MaxCumulativeDeltaPerMinute float64                `yaml:"max_cumulative_delta_per_minute"`
	RegressionCountLimit        int                    `yaml:"regression_count_limit"`
	RegressionThreshold         float64                `yaml:"regression_threshold"`
	Bounds                      map[string]BoundsEntry `yaml:"bounds"`
}

// RollbackConfig holds the rollback circuit breaker parameters.
type RollbackConfig struct {
	MaxConsecutiveRegressions int    `yaml:"max_consecutive_regressions"`
	MaxRollbacksPerHour       int    `yaml:"max_rollbacks_per_hour"`
	MinStableTimeUs           uint64 `yaml:"min_stable_time_us"`
}

// RingBufferConfig holds the telemetry ring buffer's fixed capacity.
type RingBufferConfig struct {
	Capacity int `yaml:"capacity"`
}

// AuditQueueConfig holds the audit queue's fixed capacity and
// high-water warning fraction.
type AuditQueueConfig struct {
	Capacity          int     `yaml:"capacity"`
	HighWaterFraction float64 `yaml:"high_water_fraction"`
}

// Config is the root configuration structure for the adaptive engine.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	SPSA           SPSAConfig       `yaml:"spsa"`
	Guardrails     GuardrailsConfig `yaml:"guardrails"`
	Rollback       RollbackConfig   `yaml:"rollback"`
	RingBuffer     RingBufferConfig `yaml:"ring_buffer"`
	AuditQueue     AuditQueueConfig `yaml:"audit_queue"`
	MaxDigestAgeUs uint64           `yaml:"max_digest_age_us"`
}

// Defaults returns a Config populated with the Balanced preset and the
// spec's documented defaults.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		SPSA: SPSAConfig{
			Seed:                42,
			A0:                  0.05,
			C0:                  0.01,
			StabilityConstant:   10.0,
			Alpha:               0.602,
			Gamma:               0.101,
			EvalWindowDigests:   5,
			EvalWindowUs:        500_000,
			SettleTimeUs:        10_000,
			Aggregation:         "trimmed_mean",
			TrimmedMeanFraction: 0.10,
		},
		Guardrails: GuardrailsConfig{
			Preset:                      "balanced",
			MaxDeltaPerStep:             0.1,
			MaxUpdatesPerSecond:         10,
			MinIntervalUs:               100_000,
			DirectionFlipLimit:          3,
			CooldownAfterFlipUs:         30_000_000,
			HysteresisThreshold:         0.1,
			MaxCumulativeDeltaPerMinute: 0.5,
			RegressionCountLimit:        5,
			RegressionThreshold:         0.01,
		},
		Rollback: RollbackConfig{
			MaxConsecutiveRegressions: 5,
			MaxRollbacksPerHour:       4,
			MinStableTimeUs:           60_000_000,
		},
		RingBuffer: RingBufferConfig{
			Capacity: 1024,
		},
		AuditQueue: AuditQueueConfig{
			Capacity:          4096,
			HighWaterFraction: 0.8,
		},
		MaxDigestAgeUs: 1_000_000,
	}
}

// Load reads and validates a config file from the given path.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// ResolveGuardrails resolves the configured preset and per-field overrides
// into a safety.Guardrails for the given parameter ordering. paramNames
// must match the ParamRegistry's Names() order; any name absent from
// Guardrails.Bounds is a validation error, not a silent zero-bound.
func (c *Config) ResolveGuardrails(paramNames []string) (safety.Guardrails, error) {
	bounds := make([]safety.Bounds, len(paramNames))
	for i, name := range paramNames {
		b, ok := c.Guardrails.Bounds[name]
		if !ok {
			return safety.Guardrails{}, fmt.Errorf("config: no bounds configured for parameter %q", name)
		}
		bounds[i] = safety.Bounds{Min: b.Min, Max: b.Max}
	}

	var g safety.Guardrails
	switch c.Guardrails.Preset {
	case "conservative":
		g = safety.ConservativePreset(bounds)
	case "aggressive":
		g = safety.AggressivePreset(bounds)
	default:
		g = safety.BalancedPreset(bounds)
	}

	g.MaxDeltaPerStep = c.Guardrails.MaxDeltaPerStep
	g.MaxUpdatesPerSecond = c.Guardrails.MaxUpdatesPerSecond
	g.MinIntervalUs = c.Guardrails.MinIntervalUs
	g.DirectionFlipLimit = c.Guardrails.DirectionFlipLimit
	g.CooldownAfterFlipUs = c.Guardrails.CooldownAfterFlipUs
	g.HysteresisThreshold = c.Guardrails.HysteresisThreshold
	g.MaxCumulativeDeltaPerMinute = c.Guardrails.MaxCumulativeDeltaPerMinute
	g.RegressionCountLimit = c.Guardrails.RegressionCountLimit
	g.RegressionThreshold = c.Guardrails.RegressionThreshold
	g.Bounds = bounds
	g.MaxConsecutiveRegressions = c.Rollback.MaxConsecutiveRegressions
	g.MaxRollbacksPerHour = c.Rollback.MaxRollbacksPerHour
	g.MinStableTimeUs = c.Rollback.MinStableTimeUs

	return g, nil
}

// Validate checks all config fields for correctness, collecting every
// violation rather than stopping at the first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.SPSA.Alpha <= 0 || cfg.SPSA.Alpha > 1 {
		errs = append(errs, fmt.Sprintf("spsa.alpha must be in (0, 1], got %f", cfg.SPSA.Alpha))
	}
	if cfg.SPSA.Gamma <= 0 || cfg.SPSA.Gamma > 1 {
		errs = append(errs, fmt.Sprintf("spsa.gamma must be in (0, 1], got %f", cfg.SPSA.Gamma))
	}
	if cfg.SPSA.C0 <= 0 {
		errs = append(errs, fmt.Sprintf("spsa.c0 must be > 0, got %f", cfg.SPSA.C0))
	}
	if cfg.SPSA.A0 <= 0 {
		errs = append(errs, fmt.Sprintf("spsa.a0 must be > 0, got %f", cfg.SPSA.A0))
	}
	if cfg.SPSA.EvalWindowDigests < 1 {
		errs = append(errs, fmt.Sprintf("spsa.eval_window_digests must be >= 1, got %d", cfg.SPSA.EvalWindowDigests))
	}
	switch cfg.SPSA.Aggregation {
	case "mean", "median", "trimmed_mean":
	default:
		errs = append(errs, fmt.Sprintf("spsa.aggregation must be one of mean|median|trimmed_mean, got %q", cfg.SPSA.Aggregation))
	}
	if cfg.SPSA.TrimmedMeanFraction < 0 || cfg.SPSA.TrimmedMeanFraction >= 0.5 {
		errs = append(errs, fmt.Sprintf("spsa.trimmed_mean_fraction must be in [0, 0.5), got %f", cfg.SPSA.TrimmedMeanFraction))
	}

	switch cfg.Guardrails.Preset {
	case "conservative", "balanced", "aggressive":
	default:
		errs = append(errs, fmt.Sprintf("guardrails.preset must be one of conservative|balanced|aggressive, got %q", cfg.Guardrails.Preset))
	}
	if cfg.Guardrails.MaxDeltaPerStep <= 0 || cfg.Guardrails.MaxDeltaPerStep > 1 {
		errs = append(errs, fmt.Sprintf("guardrails.max_delta_per_step must be in (0, 1], got %f", cfg.Guardrails.MaxDeltaPerStep))
	}
	if cfg.Guardrails.MaxUpdatesPerSecond < 1 {
		errs = append(errs, fmt.Sprintf("guardrails.max_updates_per_second must be >= 1, got %d", cfg.Guardrails.MaxUpdatesPerSecond))
	}
	if cfg.Guardrails.DirectionFlipLimit < 1 {
		errs = append(errs, fmt.Sprintf("guardrails.direction_flip_limit must be >= 1, got %d", cfg.Guardrails.DirectionFlipLimit))
	}
	if cfg.Guardrails.RegressionCountLimit < 1 {
		errs = append(errs, fmt.Sprintf("guardrails.regression_count_limit must be >= 1, got %d", cfg.Guardrails.RegressionCountLimit))
	}
	for name, b := range cfg.Guardrails.Bounds {
		if b.Min >= b.Max {
			errs = append(errs, fmt.Sprintf("guardrails.bounds[%s]: min (%f) must be < max (%f)", name, b.Min, b.Max))
		}
	}

	if cfg.Rollback.MaxRollbacksPerHour < 1 {
		errs = append(errs, fmt.Sprintf("rollback.max_rollbacks_per_hour must be >= 1, got %d", cfg.Rollback.MaxRollbacksPerHour))
	}
	if cfg.Rollback.MaxConsecutiveRegressions < 1 {
		errs = append(errs, fmt.Sprintf("rollback.max_consecutive_regressions must be >= 1, got %d", cfg.Rollback.MaxConsecutiveRegressions))
	}

	if cfg.RingBuffer.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("ring_buffer.capacity must be >= 1, got %d", cfg.RingBuffer.Capacity))
	}
	if cfg.AuditQueue.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("audit_queue.capacity must be >= 1, got %d", cfg.AuditQueue.Capacity))
	}
	if cfg.AuditQueue.HighWaterFraction <= 0 || cfg.AuditQueue.HighWaterFraction > 1 {
		errs = append(errs, fmt.Sprintf("audit_queue.high_water_fraction must be in (0, 1], got %f", cfg.AuditQueue.HighWaterFraction))
	}
	if cfg.MaxDigestAgeUs < 1 {
		errs = append(errs, fmt.Sprintf("max_digest_age_us must be >= 1, got %d", cfg.MaxDigestAgeUs))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
