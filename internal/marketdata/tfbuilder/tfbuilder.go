// Package tfbuilder resamples bars into a coarser timeframe. Each input bar
// is merged in O(1) into the forming bucket of its pair; a bar landing in a
// later bucket finalizes the previous one.
package tfbuilder

import (
	"context"
	"fmt"
	"time"

	"emarsi-trader/internal/model"
)

type bucketState struct {
	start int64 // bucket start, Unix seconds
	bar   model.Bar
}

// Builder resamples bars of any finer timeframe into TF-sized bars.
// Not safe for concurrent use; run it from a single goroutine.
type Builder struct {
	tf     int64
	states map[string]*bucketState

	// OnBar is called for every finalized bar (optional).
	OnBar func(model.Bar)
	// OnStale is called when a bar older than the forming bucket is dropped.
	OnStale func(model.Bar)
}

// New creates a Builder for the given timeframe. tf must be a whole number
// of seconds.
func New(tf time.Duration) (*Builder, error) {
	if tf < time.Second || tf%time.Second != 0 {
		return nil, fmt.Errorf("tfbuilder: timeframe must be a positive whole number of seconds, got %v", tf)
	}
	return &Builder{
		tf:     int64(tf / time.Second),
		states: make(map[string]*bucketState),
	}, nil
}

// Push merges one bar. It returns the bar finalized by this push, if any.
// Bars from an earlier bucket than the forming one are dropped.
func (b *Builder) Push(in model.Bar) (model.Bar, bool) {
	ts := in.TS.Unix()
	start := ts - mod(ts, b.tf)
	key := in.Key()

	st, exists := b.states[key]
	if exists && start < st.start {
		if b.OnStale != nil {
			b.OnStale(in)
		}
		return model.Bar{}, false
	}

	var done model.Bar
	var closed bool
	if exists && start > st.start {
		done, closed = st.bar, true
		if b.OnBar != nil {
			b.OnBar(done)
		}
		exists = false
	}

	if !exists {
		out := in
		out.TS = time.Unix(start, 0).UTC()
		b.states[key] = &bucketState{start: start, bar: out}
		return done, closed
	}

	fb := &st.bar
	if in.High > fb.High {
		fb.High = in.High
	}
	if in.Low < fb.Low {
		fb.Low = in.Low
	}
	fb.Close = in.Close
	fb.Volume += in.Volume
	return done, closed
}

// Flush finalizes and returns every forming bar, clearing the builder.
func (b *Builder) Flush() []model.Bar {
	out := make([]model.Bar, 0, len(b.states))
	for key, st := range b.states {
		out = append(out, st.bar)
		if b.OnBar != nil {
			b.OnBar(st.bar)
		}
		delete(b.states, key)
	}
	return out
}

// Run resamples bars from in into out until in closes or ctx is cancelled,
// flushing forming bars on exit. It does not close out.
func (b *Builder) Run(ctx context.Context, in <-chan model.Bar, out chan<- model.Bar) {
	send := func(bar model.Bar) bool {
		select {
		case out <- bar:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-in:
			if !ok {
				for _, f := range b.Flush() {
					if !send(f) {
						return
					}
				}
				return
			}
			if done, closed := b.Push(bar); closed && !send(done) {
				return
			}
		}
	}
}

// Resample converts a time-ordered slice of bars in one pass.
func Resample(bars []model.Bar, tf time.Duration) ([]model.Bar, error) {
	b, err := New(tf)
	if err != nil {
		return nil, err
	}
	var out []model.Bar
	for _, bar := range bars {
		if done, closed := b.Push(bar); closed {
			out = append(out, done)
		}
	}
	return append(out, b.Flush()...), nil
}

// mod is a floor modulo so pre-1970 timestamps align to bucket starts too.
func mod(a, n int64) int64 {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
