// Package main — cmd/arqonhpo-replay/main.go
//
// Deterministic digest-trace replay.
//
// Reads a CSV trace of (timestamp_us, objective_value) telemetry
// readings and a seed, drives the real Tier 2 proposer and Tier 1
// executor pair through exactly that sequence, and emits the
// resulting proposal-and-outcome sequence as CSV. This is spec.md
// §8's determinism property — "fixed seed + fixed digest sequence +
// fixed executor decisions ⇒ byte-identical proposal sequence" —
// exercised outside a unit test, so an operator can diff two replay
// runs of the same trace and seed and expect identical output.
//
// Replay assumes an idealized data plane: every digest in the trace
// carries whatever configuration generation is live at the moment it
// is observed (a real data plane thread would read its own snapshot
// just before emitting telemetry). Staleness and pre-settle rejection
// accordingly never fire here; this tool is for auditing the
// proposer/executor decision sequence, not for exercising
// telemetry.Validate, which has its own package tests.
//
// Usage:
//
//	arqonhpo-replay -trace digests.csv -seed 42 -params "x:0.5:0:1,y:0.3:0:1"
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/arqonhpo/arqonhpo/internal/audit"
	"github.com/arqonhpo/arqonhpo/internal/configstore"
	"github.com/arqonhpo/arqonhpo/internal/observability"
	"github.com/arqonhpo/arqonhpo/internal/paramspace"
	"github.com/arqonhpo/arqonhpo/internal/safety"
	"github.com/arqonhpo/arqonhpo/internal/spsa"
	"github.com/arqonhpo/arqonhpo/internal/telemetry"
)

func main() {
	tracePath := flag.String("trace", "", "CSV trace file: timestamp_us,objective_value (required)")
	seed := flag.Int64("seed", 42, "SPSA PRNG seed")
	paramsFlag := flag.String("params", "x:0.5:0:1,y:0.3:0:1", "comma-separated name:initial:min:max")
	preset := flag.String("preset", "balanced", "guardrails preset: conservative|balanced|aggressive")
	c0 := flag.Float64("c0", 0.01, "initial SPSA perturbation scale")
	a0 := flag.Float64("a0", 0.05, "initial SPSA learning rate")
	evalWindowDigests := flag.Int("eval-window-digests", 5, "digests required to close an eval window")
	evalWindowUs := flag.Uint64("eval-window-us", 500_000, "eval window timeout in microseconds")
	runID := flag.String("run-id", "replay", "correlation run_id stamped on audit events")
	flag.Parse()

	if *tracePath == "" {
		fmt.Fprintln(os.Stderr, "ERROR: -trace is required")
		os.Exit(1)
	}

	rows, err := readTrace(*tracePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	names, initial, bounds, err := parseParams(*paramsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	reg, err := paramspace.NewRegistry(names)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	var guardrails safety.Guardrails
	switch *preset {
	case "conservative":
		guardrails = safety.ConservativePreset(bounds)
	case "aggressive":
		guardrails = safety.AggressivePreset(bounds)
	default:
		guardrails = safety.BalancedPreset(bounds)
	}

	store := configstore.New(initial)
	metrics := observability.NewMetrics()
	queue := audit.NewQueue(4096, 0.8, metrics, zap.NewNop())
	executor := safety.NewExecutor(reg, store, queue, guardrails, *runID, metrics, zap.NewNop())
	executor.SetBaseline()

	spsaCfg := spsa.DefaultConfig()
	spsaCfg.Seed = *seed
	spsaCfg.C0 = *c0
	spsaCfg.A0 = *a0
	spsaCfg.EvalWindowDigests = *evalWindowDigests
	spsaCfg.EvalWindowUs = *evalWindowUs

	proposer, err := spsa.New(reg, store, spsaCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"row", "timestamp_us", "objective_value", "proposal_kind", "outcome", "generation"})

	for i, row := range rows {
		generation := uint64(store.CurrentGeneration())

		var proposal spsa.Proposal
		if p, ok := proposer.Next(); ok {
			proposal = p
		} else {
			digest := telemetry.Digest{
				TimestampUs:      row.TimestampUs,
				ObjectiveValue:   row.ObjectiveValue,
				ConfigGeneration: generation,
			}
			p, ready := proposer.Observe(digest, row.TimestampUs)
			if !ready {
				continue
			}
			proposal = p
		}

		outcome := "skipped"
		switch proposal.Kind {
		case spsa.NoChangeKind:
			outcome = "nochange:" + proposal.Reason.String()
		default:
			receipt, v := executor.Apply(proposal, row.TimestampUs)
			if v != nil {
				proposer.NotifyRejected()
				outcome = "rejected:" + v.Kind.String()
			} else {
				proposer.NotifyApplied(uint64(receipt.NewGeneration), row.TimestampUs)
				generation = uint64(receipt.NewGeneration)
				outcome = "applied"
			}
		}

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.FormatUint(row.TimestampUs, 10),
			strconv.FormatFloat(row.ObjectiveValue, 'f', 6, 64),
			proposal.Kind.String(),
			outcome,
			strconv.FormatUint(generation, 10),
		})
	}
	w.Flush()

	final := store.Snapshot()
	fmt.Fprintf(os.Stderr, "\n=== REPLAY SUMMARY ===\n")
	fmt.Fprintf(os.Stderr, "rows replayed:        %d\n", len(rows))
	fmt.Fprintf(os.Stderr, "final generation:     %d\n", final.Generation)
	fmt.Fprintf(os.Stderr, "SPSA iteration:       %d\n", proposer.Iteration())
	fmt.Fprintf(os.Stderr, "stale digests seen:   %d\n", proposer.StaleDiscarded())
	fmt.Fprintf(os.Stderr, "SafeMode active:      %v\n", executor.InSafeMode())
	fmt.Fprintf(os.Stderr, "audit events queued:  %d\n", queue.Len())
}

type traceRow struct {
	TimestampUs    uint64
	ObjectiveValue float64
}

func readTrace(path string) ([]traceRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse trace: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("trace %q is empty", path)
	}

	start := 0
	if _, err := strconv.ParseUint(records[0][0], 10, 64); err != nil {
		start = 1 // header row
	}

	rows := make([]traceRow, 0, len(records)-start)
	for _, rec := range records[start:] {
		if len(rec) < 2 {
			return nil, fmt.Errorf("trace row %v: need at least 2 columns", rec)
		}
		ts, err := strconv.ParseUint(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("trace row %v: bad timestamp_us: %w", rec, err)
		}
		obj, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("trace row %v: bad objective_value: %w", rec, err)
		}
		rows = append(rows, traceRow{TimestampUs: ts, ObjectiveValue: obj})
	}
	return rows, nil
}

func parseParams(spec string) (names []string, initial paramspace.ParamVec, bounds []safety.Bounds, err error) {
	entries := strings.Split(spec, ",")
	names = make([]string, len(entries))
	initial = make(paramspace.ParamVec, len(entries))
	bounds = make([]safety.Bounds, len(entries))
	for i, entry := range entries {
		fields := strings.Split(strings.TrimSpace(entry), ":")
		if len(fields) != 4 {
			return nil, nil, nil, fmt.Errorf("invalid -params entry %q: want name:initial:min:max", entry)
		}
		init, e1 := strconv.ParseFloat(fields[1], 64)
		min, e2 := strconv.ParseFloat(fields[2], 64)
		max, e3 := strconv.ParseFloat(fields[3], 64)
		if e1 != nil || e2 != nil || e3 != nil {
			return nil, nil, nil, fmt.Errorf("invalid -params entry %q: non-numeric value", entry)
		}
		names[i] = fields[0]
		initial[i] = init
		bounds[i] = safety.Bounds{Min: min, Max: max}
	}
	return names, initial, bounds, nil
}
