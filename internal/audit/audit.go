// Package audit implements the fixed-capacity audit queue: every
// apply, rollback, SafeMode transition, and rejected proposal is
// recorded here with correlation IDs for forensic reconstruction. The
// queue never silently drops an event — overflow is a first-class,
// observable condition that the safety executor escalates into
// SafeMode, per spec §4.6.
package audit

import (
	"sync"

	"go.uber.org/zap"

	"github.com/arqonhpo/arqonhpo/internal/observability"
)

// Kind discriminates the AuditEvent payload.
type Kind int

const (
	KindDigest Kind = iota
	KindProposal
	KindApply
	KindRollback
	KindSafeModeEntered
	KindSafeModeExited
	KindViolationObserved
	KindHighWaterMark
)

func (k Kind) String() string {
	switch k {
	case KindDigest:
		return "Digest"
	case KindProposal:
		return "Proposal"
	case KindApply:
		return "Apply"
	case KindRollback:
		return "Rollback"
	case KindSafeModeEntered:
		return "SafeModeEntered"
	case KindSafeModeExited:
		return "SafeModeExited"
	case KindViolationObserved:
		return "ViolationObserved"
	case KindHighWaterMark:
		return "HighWaterMark"
	default:
		return "Unknown"
	}
}

// CorrelationIDs carries the run-scoped identifiers attached to every
// audit event, letting an operator reconstruct which run, proposal,
// and resulting configuration generation a given event belongs to.
type CorrelationIDs struct {
	RunID         string
	ProposalID    uint64
	ConfigVersion uint64
}

// Event is the fixed-size audit envelope. Payload fields are a flat
// set of scalars rather than an interface{} or []byte blob — encoding
// to a downstream wire format (e.g. structured JSON) is the flusher's
// job, not this package's, per spec §6.
type Event struct {
	TimestampUs     uint64
	Correlation     CorrelationIDs
	Kind            Kind
	Reason          string
	PriorGeneration uint64
	NewGeneration   uint64
}

// EnqueueResult reports the outcome of Enqueue.
type EnqueueResult int

const (
	// Ok means the event was accepted.
	Ok EnqueueResult = iota
	// HighWaterMark means the event was accepted but the queue is at
	// or above its configured high-water fraction — a warning, not a
	// rejection.
	HighWaterMark
	// Full means the queue had no room; the caller must treat this as
	// a SafeMode trigger, per spec §4.6.
	Full
)

func (r EnqueueResult) String() string {
	switch r {
	case Ok:
		return "Ok"
	case HighWaterMark:
		return "HighWaterMark"
	case Full:
		return "Full"
	default:
		return "Unknown"
	}
}

// Queue is a fixed-capacity, preallocated audit event queue. The
// executor is the single producer; a downstream, non-hot-path flusher
// is the consumer. Capacity never grows.
type Queue struct {
	mu             sync.Mutex
	events         []Event
	head           int
	count          int
	highWaterFrac  float64
	metrics        *observability.Metrics
	log            *zap.Logger
	highWaterFired bool
}

// NewQueue allocates a Queue with the given capacity and high-water
// warning fraction (spec default 0.8). log may be zap.NewNop() in
// tests.
func NewQueue(capacity int, highWaterFraction float64, metrics *observability.Metrics, log *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		events:        make([]Event, capacity),
		highWaterFrac: highWaterFraction,
		metrics:       metrics,
		log:           log,
	}
}

// Capacity returns the queue's fixed slot count.
func (q *Queue) Capacity() int {
	return len(q.events)
}

// Len returns the number of currently unread events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Enqueue appends ev. Returns Full (and does not store the event, so
// the queue's contents are never silently overwritten to make room)
// once the queue is at capacity; the caller is expected to treat Full
// as a SafeMode trigger, never a drop. Returns HighWaterMark when the
// queue is accepted but at or above the configured warning fraction.
func (q *Queue) Enqueue(ev Event) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count >= len(q.events) {
		q.log.Warn("audit queue full", zap.Int("capacity", len(q.events)))
		q.metrics.AuditQueueFullTotal.Inc()
		return Full
	}

	idx := (q.head + q.count) % len(q.events)
	q.events[idx] = ev
	q.count++
	q.metrics.AuditQueueDepth.Set(float64(q.count))

	frac := float64(q.count) / float64(len(q.events))
	if frac >= q.highWaterFrac {
		if !q.highWaterFired {
			q.log.Warn("audit queue high-water mark reached",
				zap.Float64("fraction", frac))
			q.highWaterFired = true
		}
		return HighWaterMark
	}
	q.highWaterFired = false
	return Ok
}

// DrainAll removes and returns every currently queued event, oldest
// first. Intended for the downstream flusher, never for the hot path.
func (q *Queue) DrainAll() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Event, 0, q.count)
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % len(q.events)
		out = append(out, q.events[idx])
	}
	q.head = (q.head + q.count) % len(q.events)
	q.count = 0
	q.metrics.AuditQueueDepth.Set(0)
	return out
}
