package redis

import (
	"context"
	"errors"
	"log"
	"sync"

	"emarsi-trader/internal/model"
)

// SignalPublisher publishes one decision.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, userID string, d model.SignalDecision) error
}

type pendingSignal struct {
	userID   string
	decision model.SignalDecision
}

// BufferedWriter wraps a SignalPublisher with a circuit breaker.
// While the circuit is open, decisions are buffered locally and flushed
// when the circuit closes again.
type BufferedWriter struct {
	pub SignalPublisher
	cb  *CircuitBreaker
	ctx context.Context

	mu     sync.Mutex
	buffer []pendingSignal
	maxBuf int

	// Callbacks
	OnBuffer func()          // called when a decision is buffered
	OnFlush  func(count int) // called after flushing buffered decisions
}

// NewBufferedWriter creates a BufferedWriter. ctx bounds background flushes.
func NewBufferedWriter(ctx context.Context, pub SignalPublisher, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		pub:    pub,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]pendingSignal, 0, 64),
		maxBuf: maxBufferSize,
	}

	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == StateClosed {
			go bw.Flush()
		}
	}

	return bw
}

// PublishSignal publishes through the circuit breaker. When the circuit is
// open the decision is buffered and nil is returned.
func (bw *BufferedWriter) PublishSignal(ctx context.Context, userID string, d model.SignalDecision) error {
	err := bw.cb.Execute(func() error {
		return bw.pub.PublishSignal(ctx, userID, d)
	})
	if errors.Is(err, ErrCircuitOpen) {
		bw.bufferSignal(userID, d)
		return nil
	}
	return err
}

func (bw *BufferedWriter) bufferSignal(userID string, d model.SignalDecision) {
	bw.mu.Lock()
	if len(bw.buffer) >= bw.maxBuf {
		// Buffer full, drop oldest
		bw.buffer = bw.buffer[1:]
	}
	bw.buffer = append(bw.buffer, pendingSignal{userID: userID, decision: d})
	bw.mu.Unlock()

	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// Flush replays buffered decisions through the underlying publisher.
// Decisions that fail again are dropped and logged.
func (bw *BufferedWriter) Flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toFlush := bw.buffer
	bw.buffer = make([]pendingSignal, 0, 64)
	bw.mu.Unlock()

	flushed := 0
	for _, ps := range toFlush {
		if err := bw.pub.PublishSignal(bw.ctx, ps.userID, ps.decision); err != nil {
			log.Printf("[buffered-writer] flush %s failed: %v", ps.decision.Key(), err)
			continue
		}
		flushed++
	}

	log.Printf("[buffered-writer] flushed %d/%d buffered signals", flushed, len(toFlush))
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered decisions waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Breaker returns the wrapped circuit breaker.
func (bw *BufferedWriter) Breaker() *CircuitBreaker { return bw.cb }
