// Package telemetry implements the compact telemetry digest schema and
// the fixed-capacity ring buffer that carries digests from the
// (external) data plane into the adaptive engine, plus the validity
// rules that decide which digests may contribute to SPSA aggregation.
package telemetry

import "unsafe"

// Digest is the fixed-layout telemetry record the data plane emits on
// every observation. Required fields are TimestampUs, ObjectiveValue,
// and ConfigGeneration; the rest are optional and zero-valued when
// unused. There are no variable-length fields and no strings — digest
// decoding is never on an allocation path.
type Digest struct {
	TimestampUs      uint64
	ObjectiveValue   float64
	ConfigGeneration uint64

	// Optional fields, reserved by the data model for p99 latency,
	// throughput, error rate, and constraint margin.
	P99LatencyUs     float64
	ThroughputQps    float64
	ErrorRate        float64
	ConstraintMargin float64
	HasConstraint    bool
}

// maxDigestBytes is the data model's hard ceiling on Digest's
// in-memory size (spec §3, invariant 5).
const maxDigestBytes = 128

// digestSizeAssertion fails to compile if Digest grows past the
// 128-byte budget. Go has no sizeof() at compile time the way C does,
// so a negative array length is the idiomatic stand-in: unsafe.Sizeof
// is a compile-time constant, and an out-of-range value collapses to a
// negative array bound, which the compiler rejects.
var _ [maxDigestBytes - int(unsafe.Sizeof(Digest{}))]byte

// Validity classifies a digest's admissibility for objective
// aggregation.
type Validity int

const (
	// Valid digests contribute to aggregation.
	Valid Validity = iota
	// WrongGeneration means digest.ConfigGeneration != expected;
	// it is counted but discarded, never contributes.
	WrongGeneration
	// PreSettle means the digest arrived before the post-apply
	// settle window elapsed.
	PreSettle
	// TooOld means the digest is older than the configured maximum
	// age relative to now.
	TooOld
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "Valid"
	case WrongGeneration:
		return "WrongGeneration"
	case PreSettle:
		return "PreSettle"
	case TooOld:
		return "TooOld"
	default:
		return "Unknown"
	}
}

// Validate implements the ingestion contract's validity rule (spec
// §4.1): a digest is Valid only if its generation matches the
// generation the caller applied, its timestamp is at or past the
// post-apply settle boundary, and it isn't older than maxDigestAgeUs
// relative to now. Any other outcome is reported, never silently
// treated as valid.
func Validate(d Digest, expectedGeneration uint64, applyTimestampUs uint64, settleTimeUs uint64, nowUs uint64, maxDigestAgeUs uint64) Validity {
	if d.ConfigGeneration != expectedGeneration {
		return WrongGeneration
	}
	if d.TimestampUs < applyTimestampUs+settleTimeUs {
		return PreSettle
	}
	if nowUs-d.TimestampUs > maxDigestAgeUs {
		return TooOld
	}
	return Valid
}
