// Package replay streams stored bars back out at a configurable speed, so a
// live strategy can be driven bar by bar from history.
package replay

import (
	"context"
	"log"
	"sort"
	"time"

	"emarsi-trader/internal/model"
)

// Source loads stored bars. *sqlite.Reader satisfies it.
type Source interface {
	ReadBars(ctx context.Context, exchange, pair string, from, to time.Time) ([]model.Bar, error)
	ReadAllBars(ctx context.Context, afterTS int64) ([]model.Bar, error)
}

// Config selects what to replay and how fast.
type Config struct {
	// Exchange and Pair select one series. Empty Pair replays every stored
	// series interleaved by timestamp.
	Exchange string
	Pair     string
	From, To time.Time

	// Speed is the playback rate: 1 = real time, 3600 = an hour per second,
	// 0 = as fast as possible.
	Speed float64

	// MaxGap caps a single scaled sleep. Defaults to 5s.
	MaxGap time.Duration
}

// Replayer emits stored bars into a channel.
type Replayer struct {
	src   Source
	sleep func(ctx context.Context, d time.Duration) error

	// OnBar, if set, is called after each emitted bar.
	OnBar func(model.Bar)
}

// New creates a Replayer backed by src.
func New(src Source) *Replayer {
	return &Replayer{src: src, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Replayer) load(ctx context.Context, cfg Config) ([]model.Bar, error) {
	if cfg.Pair != "" {
		return r.src.ReadBars(ctx, cfg.Exchange, cfg.Pair, cfg.From, cfg.To)
	}
	var after int64
	if !cfg.From.IsZero() {
		after = cfg.From.Unix() - 1
	}
	bars, err := r.src.ReadAllBars(ctx, after)
	if err != nil {
		return nil, err
	}
	out := bars[:0]
	for _, b := range bars {
		if cfg.Exchange != "" && b.Exchange != cfg.Exchange {
			continue
		}
		if !cfg.To.IsZero() && b.TS.After(cfg.To) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Run emits the selected bars into out in timestamp order and returns the
// number emitted. It does not close out. Gaps between bars are replayed
// scaled by Speed.
func (r *Replayer) Run(ctx context.Context, cfg Config, out chan<- model.Bar) (int, error) {
	bars, err := r.load(ctx, cfg)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		log.Println("[replay] no bars found in SQLite")
		return 0, nil
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })

	maxGap := cfg.MaxGap
	if maxGap <= 0 {
		maxGap = 5 * time.Second
	}
	log.Printf("[replay] loaded %d bars, speed=%.1fx", len(bars), cfg.Speed)

	var prevTS time.Time
	emitted := 0
	for _, b := range bars {
		if cfg.Speed > 0 && !prevTS.IsZero() {
			if gap := b.TS.Sub(prevTS); gap > 0 {
				scaled := time.Duration(float64(gap) / cfg.Speed)
				if scaled > maxGap {
					scaled = maxGap
				}
				if err := r.sleep(ctx, scaled); err != nil {
					log.Printf("[replay] cancelled after %d bars", emitted)
					return emitted, err
				}
			}
		}
		prevTS = b.TS

		select {
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d bars", emitted)
			return emitted, ctx.Err()
		case out <- b:
		}
		emitted++
		if r.OnBar != nil {
			r.OnBar(b)
		}
	}

	log.Printf("[replay] completed: %d bars replayed", emitted)
	return emitted, nil
}
