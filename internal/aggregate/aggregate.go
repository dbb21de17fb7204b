// Package aggregate implements pluggable objective-aggregation
// strategies for the SPSA proposer's eval-window collection: the
// registry lets the engine select one of several ways to collapse a
// window of validated digest objective values into a single y+/y-
// reading, the same way the upstream scorer registry lets a consumer
// select an anomaly-scoring strategy by name.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Aggregator collapses a window of objective values into a single
// reading. Implementations must return math.NaN() if values is empty
// rather than panicking — the proposer treats a non-finite result as
// InsufficientData per spec §4.2.
type Aggregator interface {
	// Name identifies this aggregator for configuration lookup.
	Name() string
	// Aggregate collapses values into a single scalar.
	Aggregate(values []float64) float64
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Aggregator)
)

// Register adds an Aggregator to the registry under its own Name().
// Intended to be called from init() by built-in and user-supplied
// aggregators alike. Panics on a duplicate name — a configuration bug
// caught at program startup, not a runtime condition to recover from.
func Register(a Aggregator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	name := a.Name()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("aggregate: duplicate aggregator registered for name %q", name))
	}
	registry[name] = a
}

// Get looks up a registered Aggregator by name.
func Get(name string) (Aggregator, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := registry[name]
	return a, ok
}

// List returns the names of every registered aggregator, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(meanAggregator{})
	Register(medianAggregator{})
	Register(NewTrimmedMean(0.10))
}

type meanAggregator struct{}

func (meanAggregator) Name() string { return "mean" }

func (meanAggregator) Aggregate(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

type medianAggregator struct{}

func (medianAggregator) Name() string { return "median" }

func (medianAggregator) Aggregate(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2.0
}

// TrimmedMean discards a fraction of values from each end of the
// sorted sample before averaging the remainder, the default
// aggregation method per spec §4.2.
type TrimmedMean struct {
	fraction float64 // fraction removed from each tail, in [0, 0.5)
}

// NewTrimmedMean constructs a TrimmedMean that discards fraction of
// the sample from each tail. fraction is clamped to [0, 0.49].
func NewTrimmedMean(fraction float64) TrimmedMean {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 0.49 {
		fraction = 0.49
	}
	return TrimmedMean{fraction: fraction}
}

func (t TrimmedMean) Name() string { return "trimmed_mean" }

func (t TrimmedMean) Aggregate(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	trim := int(math.Floor(float64(n) * t.fraction))
	lo, hi := trim, n-trim
	if lo >= hi {
		// Sample too small to trim meaningfully; fall back to a
		// plain mean over everything rather than returning NaN.
		lo, hi = 0, n
	}
	sum := 0.0
	count := 0
	for i := lo; i < hi; i++ {
		sum += sorted[i]
		count++
	}
	return sum / float64(count)
}
