// Package configstore implements the atomic configuration store: the
// single source of truth for the live parameter vector, published and
// read without torn values and without blocking the data plane.
//
// The generation counter lives alongside the vector inside
// ConfigSnapshot, never as a separate field, so (vector, generation)
// is always observed together — this is the property that rules out
// torn reads by construction rather than by locking.
package configstore

import (
	"sync"
	"sync/atomic"

	"github.com/arqonhpo/arqonhpo/internal/paramspace"
)

// Generation is a monotonically increasing identifier stamped on
// every published configuration snapshot. It is never reused or
// rewound.
type Generation uint64

// ConfigSnapshot is an immutable (vector, generation) pair. Once
// published, a ConfigSnapshot value is never mutated — writers always
// construct a new one.
type ConfigSnapshot struct {
	Vec        paramspace.ParamVec
	Generation Generation
}

// AtomicConfig holds the current ConfigSnapshot behind a lock-free
// read: Snapshot returns a shared reference with no allocation beyond
// the pointer load itself. Writes are serialized by writeMu — only the
// safety executor is expected to call Publish; readers never block on
// it and never block writers.
type AtomicConfig struct {
	current atomic.Pointer[ConfigSnapshot]
	writeMu sync.Mutex
}

// New constructs an AtomicConfig with an initial snapshot at
// generation 0, per the lifecycle in the data model: ParamRegistry and
// AtomicConfig are created once, together, at startup.
func New(initial paramspace.ParamVec) *AtomicConfig {
	ac := &AtomicConfig{}
	snap := &ConfigSnapshot{Vec: initial.Clone(), Generation: 0}
	ac.current.Store(snap)
	return ac
}

// Snapshot returns the current (vector, generation) pair. Wait-free:
// a single atomic pointer load, no allocation, no lock. Safe to call
// from any number of concurrent reader goroutines.
func (ac *AtomicConfig) Snapshot() ConfigSnapshot {
	return *ac.current.Load()
}

// Publish atomically swaps in a new vector, incrementing the
// generation by exactly one relative to the currently stored
// snapshot. Callers (the safety executor only — this is
// the single-writer invariant) must serialize their own decision logic
// before calling Publish; Publish itself serializes the swap so two
// concurrent Publish calls can never interleave into an inconsistent
// generation sequence.
func (ac *AtomicConfig) Publish(next paramspace.ParamVec) ConfigSnapshot {
	ac.writeMu.Lock()
	defer ac.writeMu.Unlock()

	prev := ac.current.Load()
	snap := &ConfigSnapshot{
		Vec:        next.Clone(),
		Generation: prev.Generation + 1,
	}
	ac.current.Store(snap)
	return *snap
}

// CurrentGeneration reports the generation of the most recently
// published snapshot without copying the vector.
func (ac *AtomicConfig) CurrentGeneration() Generation {
	return ac.current.Load().Generation
}
