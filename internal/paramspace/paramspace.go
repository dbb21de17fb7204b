// Package paramspace defines the dense parameter representation shared
// by every component of the adaptive engine: a stable integer id per
// parameter, an ordered vector of values indexed by that id, and the
// bijective registry that translates between the two at the system's
// boundaries.
//
// Nothing in the hot path (proposer, executor, atomic config store)
// ever keys on a parameter name; string lookups happen only during
// registry construction and at serialization boundaries.
package paramspace

import "fmt"

// ParamId is a stable identifier for a registered parameter, assigned
// once at registry construction and never reused within a run.
type ParamId uint16

// ParamVec is a dense, ordered sequence of parameter values, indexed
// by ParamId. Its length always equals the owning ParamRegistry's
// size; there are no late registrations.
type ParamVec []float64

// Clone returns an independent copy of v.
func (v ParamVec) Clone() ParamVec {
	out := make(ParamVec, len(v))
	copy(out, v)
	return out
}

// Equal reports whether v and other hold identical values in the same
// order.
func (v ParamVec) Equal(other ParamVec) bool {
	if len(v) != len(other) {
		return false
	}
	for i := range v {
		if v[i] != other[i] {
			return false
		}
	}
	return true
}

// ParamRegistry is the bijective name↔id mapping built once at engine
// initialization and treated as immutable for the remainder of the
// run. Construction is the only place parameter names are ever
// consulted in the control loop; everything downstream uses ParamId.
type ParamRegistry struct {
	names []string          // id -> name, index == ParamId
	ids   map[string]ParamId
}

// NewRegistry builds a registry from names in the caller-supplied
// order. That order becomes the canonical ParamVec ordering for the
// lifetime of the engine — it is what makes audit replay and
// cross-run comparison deterministic. names must be non-empty and
// contain no duplicates.
func NewRegistry(names []string) (*ParamRegistry, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("paramspace: registry requires at least one parameter")
	}
	ids := make(map[string]ParamId, len(names))
	owned := make([]string, len(names))
	for i, name := range names {
		if name == "" {
			return nil, fmt.Errorf("paramspace: parameter name at index %d is empty", i)
		}
		if _, dup := ids[name]; dup {
			return nil, fmt.Errorf("paramspace: duplicate parameter name %q", name)
		}
		ids[name] = ParamId(i)
		owned[i] = name
	}
	return &ParamRegistry{names: owned, ids: ids}, nil
}

// Len returns the number of registered parameters.
func (r *ParamRegistry) Len() int {
	return len(r.names)
}

// IdOf returns the ParamId for name, or false if name was never
// registered.
func (r *ParamRegistry) IdOf(name string) (ParamId, bool) {
	id, ok := r.ids[name]
	return id, ok
}

// NameOf returns the name for id, or false if id is out of range.
func (r *ParamRegistry) NameOf(id ParamId) (string, bool) {
	if int(id) >= len(r.names) {
		return "", false
	}
	return r.names[id], true
}

// Names returns the canonical name ordering, the same ordering every
// ParamVec in this run uses. The returned slice must not be mutated.
func (r *ParamRegistry) Names() []string {
	return r.names
}

// NewVec returns a freshly allocated zero vector sized for this
// registry.
func (r *ParamRegistry) NewVec() ParamVec {
	return make(ParamVec, len(r.names))
}

// VecFromMap builds a ParamVec from a name-keyed map, in canonical
// order. Returns an error if values is missing an entry or names a
// parameter unknown to the registry. This is a boundary operation —
// config parsing and audit deserialization — never called in the hot
// path.
func (r *ParamRegistry) VecFromMap(values map[string]float64) (ParamVec, error) {
	vec := r.NewVec()
	seen := make(map[string]bool, len(values))
	for name, v := range values {
		id, ok := r.IdOf(name)
		if !ok {
			return nil, fmt.Errorf("paramspace: unknown parameter %q", name)
		}
		vec[id] = v
		seen[name] = true
	}
	for _, name := range r.names {
		if !seen[name] {
			return nil, fmt.Errorf("paramspace: missing value for parameter %q", name)
		}
	}
	return vec, nil
}

// MapFromVec renders vec back into a name-keyed map. A boundary
// operation for diagnostics and serialization.
func (r *ParamRegistry) MapFromVec(vec ParamVec) map[string]float64 {
	out := make(map[string]float64, len(r.names))
	for id, name := range r.names {
		out[name] = vec[id]
	}
	return out
}
