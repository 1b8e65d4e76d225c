// Package strategy implements the EMA/RSI signal strategy.
//
// Classify is the pure rule set. EmaRsi wraps it with a bounded price history
// and a warm-up gate. Registry keeps one EmaRsi per (user, exchange, pair).
// Engine routes a bar stream to registered strategies and collects decisions.
package strategy

import (
	"context"

	"emarsi-trader/internal/model"
)

// Strategy consumes bars and optionally emits a decision.
type Strategy interface {
	// Name returns the unique name of the strategy.
	Name() string

	// OnBar is called for each closed bar.
	// Return nil to skip.
	OnBar(bar model.Bar) *model.SignalDecision
}

// Engine manages registered strategies and routes bars to them.
type Engine struct {
	strategies []Strategy
	signalCh   chan model.SignalDecision
	dropped    int64
}

// NewEngine creates a new strategy engine.
func NewEngine(signalBufferSize int) *Engine {
	return &Engine{
		signalCh: make(chan model.SignalDecision, signalBufferSize),
	}
}

// Register adds a strategy to the engine.
func (e *Engine) Register(s Strategy) {
	e.strategies = append(e.strategies, s)
}

// Signals returns the channel of decisions emitted by strategies.
func (e *Engine) Signals() <-chan model.SignalDecision {
	return e.signalCh
}

// Dropped returns how many decisions were discarded on a full channel.
// Only meaningful after Run has returned.
func (e *Engine) Dropped() int64 {
	return e.dropped
}

// Run consumes bars and routes them to all registered strategies.
// Blocks until ctx is cancelled or barCh is closed, then closes the
// signal channel.
func (e *Engine) Run(ctx context.Context, barCh <-chan model.Bar) {
	defer close(e.signalCh)
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-barCh:
			if !ok {
				return
			}
			for _, s := range e.strategies {
				if sig := s.OnBar(bar); sig != nil {
					select {
					case e.signalCh <- *sig:
					default:
						// signal channel full, drop
						e.dropped++
					}
				}
			}
		}
	}
}
