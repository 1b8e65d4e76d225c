// Package bus fans a single bar stream out to several consumers.
package bus

import (
	"context"
	"log"
	"sync"

	"emarsi-trader/internal/model"
)

// FanOut broadcasts bars from one input channel to N output channels.
// Lossy subscribers drop bars when full so a slow consumer cannot stall the
// pipeline; lossless subscribers block the fan-out instead.
type FanOut struct {
	mu      sync.RWMutex
	outputs []output
	bufSize int

	// OnDrop is called when a bar is dropped for a lossy subscriber.
	OnDrop func(subscriberIdx int, bar model.Bar)
}

type output struct {
	ch       chan model.Bar
	lossless bool
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{bufSize: outputBufferSize}
}

// Subscribe adds a lossy subscriber.
func (f *FanOut) Subscribe() <-chan model.Bar {
	return f.add(false)
}

// SubscribeLossless adds a subscriber that receives every bar.
func (f *FanOut) SubscribeLossless() <-chan model.Bar {
	return f.add(true)
}

func (f *FanOut) add(lossless bool) <-chan model.Bar {
	ch := make(chan model.Bar, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, output{ch: ch, lossless: lossless})
	f.mu.Unlock()
	return ch
}

// Run reads from input and fans out to all subscribers until ctx is
// cancelled or input closes, then closes every output.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Bar) {
	defer func() {
		f.mu.RLock()
		for _, o := range f.outputs {
			close(o.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-input:
			if !ok {
				return
			}
			if !f.dispatch(ctx, bar) {
				return
			}
		}
	}
}

func (f *FanOut) dispatch(ctx context.Context, bar model.Bar) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i, o := range f.outputs {
		if o.lossless {
			select {
			case o.ch <- bar:
			case <-ctx.Done():
				return false
			}
			continue
		}
		select {
		case o.ch <- bar:
		default:
			if f.OnDrop != nil {
				f.OnDrop(i, bar)
			} else {
				log.Printf("[bus] output channel %d full, dropping bar %s", i, bar.Key())
			}
		}
	}
	return true
}

// ChannelStat reports the fill level of one subscriber channel.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats returns (length, capacity) for each subscriber channel.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, o := range f.outputs {
		stats[i] = ChannelStat{Len: len(o.ch), Cap: cap(o.ch)}
	}
	return stats
}
