package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// CandidateBuffer holds remote ICE candidates that arrive before a remote
// description exists and drains them in arrival order once negotiation
// allows it. No candidate is dropped silently except on explicit reset at
// call termination.
type CandidateBuffer struct {
	mu      sync.Mutex
	apply   func(webrtc.ICECandidateInit) error
	ready   bool
	pending []webrtc.ICECandidateInit
	logger  *zap.Logger
}

// NewCandidateBuffer creates a buffer that applies candidates via apply.
func NewCandidateBuffer(apply func(webrtc.ICECandidateInit) error, logger *zap.Logger) *CandidateBuffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CandidateBuffer{
		apply:  apply,
		logger: logger.Named("icebuf"),
	}
}

// SetApply swaps the apply target, used when the peer connection is
// recreated during recovery.
func (b *CandidateBuffer) SetApply(apply func(webrtc.ICECandidateInit) error) {
	b.mu.Lock()
	b.apply = apply
	b.mu.Unlock()
}

// EnqueueOrApply applies the candidate immediately when a remote description
// is already set, otherwise appends it to the queue.
func (b *CandidateBuffer) EnqueueOrApply(c webrtc.ICECandidateInit) error {
	b.mu.Lock()
	if !b.ready {
		b.pending = append(b.pending, c)
		b.mu.Unlock()
		return nil
	}
	apply := b.apply
	b.mu.Unlock()

	return apply(c)
}

// Drain is called exactly once, immediately after a remote description is
// set. It applies every queued candidate in FIFO order, skipping individual
// failures so a malformed or stale candidate cannot abort the rest, then
// clears the queue.
func (b *CandidateBuffer) Drain() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.ready = true
	apply := b.apply
	b.mu.Unlock()

	for _, c := range pending {
		if err := apply(c); err != nil {
			b.logger.Warn("buffered candidate rejected", zap.Error(err))
		}
	}
}

// Reset clears pending candidates and re-arms buffering for the next
// negotiation. Called on call termination and peer-connection recreation.
func (b *CandidateBuffer) Reset() {
	b.mu.Lock()
	b.pending = nil
	b.ready = false
	b.mu.Unlock()
}

// Len reports the number of queued candidates.
func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
