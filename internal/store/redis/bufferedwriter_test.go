package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"emarsi-trader/internal/model"
)

type fakePublisher struct {
	mu   sync.Mutex
	fail bool
	got  []string
}

func (f *fakePublisher) PublishSignal(_ context.Context, userID string, d model.SignalDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	f.got = append(f.got, userID+"|"+d.Key())
	return nil
}

func (f *fakePublisher) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakePublisher) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func decision(pair string) model.SignalDecision {
	return model.SignalDecision{Symbol: pair, Exchange: "nobitex", Kind: model.KindBuy}
}

func TestBufferedWriter_PassThrough(t *testing.T) {
	pub := &fakePublisher{}
	cb, _ := newTestBreaker(2, time.Second)
	bw := NewBufferedWriter(context.Background(), pub, cb, 10)

	if err := bw.PublishSignal(context.Background(), "u1", decision("BTC/USDT")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := pub.published(); len(got) != 1 || got[0] != "u1|nobitex:BTC/USDT" {
		t.Fatalf("published: %v", got)
	}
}

func TestBufferedWriter_BuffersWhileOpenAndFlushesOnClose(t *testing.T) {
	pub := &fakePublisher{fail: true}
	cb, clk := newTestBreaker(2, time.Second)
	bw := NewBufferedWriter(context.Background(), pub, cb, 10)

	flushed := make(chan int, 1)
	bw.OnFlush = func(n int) { flushed <- n }
	buffered := 0
	bw.OnBuffer = func() { buffered++ }

	// Two failures trip the breaker; errors surface to the caller.
	for i := 0; i < 2; i++ {
		if err := bw.PublishSignal(context.Background(), "u1", decision("ETH/USDT")); err == nil {
			t.Fatal("expected publish error before the breaker opens")
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected open breaker, got %v", cb.CurrentState())
	}

	for _, pair := range []string{"BTC/USDT", "BNB/USDT"} {
		if err := bw.PublishSignal(context.Background(), "u1", decision(pair)); err != nil {
			t.Fatalf("open breaker should buffer silently, got %v", err)
		}
	}
	if bw.PendingCount() != 2 || buffered != 2 {
		t.Fatalf("pending=%d buffered=%d, want 2/2", bw.PendingCount(), buffered)
	}

	pub.setFail(false)
	clk.advance(2 * time.Second)
	if err := bw.PublishSignal(context.Background(), "u1", decision("USDT/IRT")); err != nil {
		t.Fatalf("probe publish: %v", err)
	}

	select {
	case n := <-flushed:
		if n != 2 {
			t.Fatalf("flushed %d, want 2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("buffer was not flushed after the breaker closed")
	}
	if bw.PendingCount() != 0 {
		t.Fatalf("pending after flush: %d", bw.PendingCount())
	}
	if got := pub.published(); len(got) != 3 {
		t.Fatalf("published: %v", got)
	}
}

func TestBufferedWriter_DropsOldestWhenFull(t *testing.T) {
	pub := &fakePublisher{fail: true}
	cb, _ := newTestBreaker(1, time.Hour)
	bw := NewBufferedWriter(context.Background(), pub, cb, 2)

	_ = bw.PublishSignal(context.Background(), "u", decision("X"))
	for _, pair := range []string{"A", "B", "C"} {
		_ = bw.PublishSignal(context.Background(), "u", decision(pair))
	}
	if bw.PendingCount() != 2 {
		t.Fatalf("pending: got %d, want 2", bw.PendingCount())
	}

	pub.setFail(false)
	bw.Flush()
	got := pub.published()
	if len(got) != 2 || got[0] != "u|nobitex:B" || got[1] != "u|nobitex:C" {
		t.Fatalf("expected oldest dropped, got %v", got)
	}
}

func TestSignalEncoding(t *testing.T) {
	d := decision("BTC/IRT")
	d.Confidence = 72.5
	data, err := EncodeSignal("u9", d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := DecodeSignal(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.UserID != "u9" || env.Signal.Symbol != "BTC/IRT" || env.Signal.Confidence != 72.5 {
		t.Fatalf("round trip mismatch: %+v", env)
	}

	if SignalChannel("nobitex", "BTC/IRT") != "pub:signal:nobitex:BTC/IRT" {
		t.Error("unexpected signal channel")
	}
	if LatestKey("u9", "nobitex", "BTC/IRT") != "signal:latest:u9:nobitex:BTC/IRT" {
		t.Error("unexpected latest key")
	}
}
