package spsa

import "github.com/arqonhpo/arqonhpo/internal/paramspace"

// NoChangeReason enumerates why the proposer emitted NoChange instead
// of an applyable proposal.
type NoChangeReason int

const (
	EvalTimeout NoChangeReason = iota
	SafeMode
	ConstraintViolation
	CooldownActive
	InsufficientData
)

func (r NoChangeReason) String() string {
	switch r {
	case EvalTimeout:
		return "EvalTimeout"
	case SafeMode:
		return "SafeMode"
	case ConstraintViolation:
		return "ConstraintViolation"
	case CooldownActive:
		return "CooldownActive"
	case InsufficientData:
		return "InsufficientData"
	default:
		return "Unknown"
	}
}

// ProposalKind discriminates the tagged union of Proposal variants.
// Go has no native sum type; a Kind field plus variant-specific
// payload fields is this codebase's idiom for the same shape.
type ProposalKind int

const (
	ApplyPlus ProposalKind = iota
	ApplyMinus
	Update
	NoChangeKind
)

func (k ProposalKind) String() string {
	switch k {
	case ApplyPlus:
		return "ApplyPlus"
	case ApplyMinus:
		return "ApplyMinus"
	case Update:
		return "Update"
	case NoChangeKind:
		return "NoChange"
	default:
		return "Unknown"
	}
}

// Proposal is the SPSA proposer's sole output: a tagged union of the
// four variants spec §3 defines. Only the fields relevant to Kind are
// populated; callers must switch on Kind before reading payload
// fields.
type Proposal struct {
	Kind ProposalKind

	// ApplyPlus / ApplyMinus (Delta is also set on Update)
	PerturbationID uint64
	Delta          paramspace.ParamVec

	// Update
	Iteration        uint64
	GradientEstimate paramspace.ParamVec

	// NoChange
	Reason NoChangeReason
}

// NoChangeProposal constructs a NoChange proposal with the given
// reason.
func NoChangeProposal(reason NoChangeReason) Proposal {
	return Proposal{Kind: NoChangeKind, Reason: reason}
}
