package aggregate

import (
	"math"
	"testing"
)

func TestRegistry_BuiltinsRegistered(t *testing.T) {
	names := List()
	want := map[string]bool{"mean": true, "median": true, "trimmed_mean": true}
	for _, n := range names {
		delete(want, n)
	}
	if len(want) != 0 {
		t.Fatalf("missing built-in aggregators: %v (got %v)", want, names)
	}
}

func TestGet_Unknown(t *testing.T) {
	if _, ok := Get("no-such-aggregator"); ok {
		t.Fatal("Get for unregistered name succeeded")
	}
}

func TestMean(t *testing.T) {
	a, _ := Get("mean")
	got := a.Aggregate([]float64{1, 2, 3})
	if got != 2 {
		t.Fatalf("mean = %v, want 2", got)
	}
}

func TestMean_Empty(t *testing.T) {
	a, _ := Get("mean")
	if got := a.Aggregate(nil); !math.IsNaN(got) {
		t.Fatalf("mean([]) = %v, want NaN", got)
	}
}

func TestMedian_Odd(t *testing.T) {
	a, _ := Get("median")
	got := a.Aggregate([]float64{5, 1, 3})
	if got != 3 {
		t.Fatalf("median = %v, want 3", got)
	}
}

func TestMedian_Even(t *testing.T) {
	a, _ := Get("median")
	got := a.Aggregate([]float64{1, 2, 3, 4})
	if got != 2.5 {
		t.Fatalf("median = %v, want 2.5", got)
	}
}

func TestTrimmedMean_DiscardsOutliers(t *testing.T) {
	tm := NewTrimmedMean(0.10)
	// 10 values, one extreme outlier at each end; with 10% trim on
	// each side (1 value each) the outliers should be excluded.
	values := []float64{-1000, 1, 2, 3, 4, 5, 6, 7, 8, 1000}
	got := tm.Aggregate(values)
	// remaining: 1..8 -> mean 4.5
	if math.Abs(got-4.5) > 1e-9 {
		t.Fatalf("trimmed mean = %v, want 4.5", got)
	}
}

func TestTrimmedMean_SmallSampleFallsBackToMean(t *testing.T) {
	tm := NewTrimmedMean(0.10)
	got := tm.Aggregate([]float64{1, 2})
	if got != 1.5 {
		t.Fatalf("trimmed mean on tiny sample = %v, want 1.5", got)
	}
}

func TestRegister_DuplicatePanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("Register with duplicate name did not panic")
		}
	}()
	Register(meanAggregator{})
}
