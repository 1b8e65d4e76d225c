package bus

import (
	"context"
	"testing"
	"time"

	"emarsi-trader/internal/model"
)

func TestFanOut_BroadcastsToAll(t *testing.T) {
	fo := New(10)
	out1 := fo.Subscribe()
	out2 := fo.SubscribeLossless()

	input := make(chan model.Bar, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	input <- model.Bar{Exchange: "nobitex", Pair: "BTC/USDT", Close: 105}

	for i, out := range []<-chan model.Bar{out1, out2} {
		select {
		case b := <-out:
			if b.Pair != "BTC/USDT" || b.Close != 105 {
				t.Errorf("out%d: unexpected bar %+v", i+1, b)
			}
		case <-time.After(time.Second):
			t.Fatalf("out%d: timed out waiting for bar", i+1)
		}
	}
}

func TestFanOut_LossyDropsLosslessKeepsAll(t *testing.T) {
	fo := New(1)
	lossy := fo.Subscribe()
	lossless := fo.SubscribeLossless()
	var dropped int
	fo.OnDrop = func(idx int, _ model.Bar) {
		if idx != 0 {
			t.Errorf("drop reported for subscriber %d", idx)
		}
		dropped++
	}

	input := make(chan model.Bar, 5)
	for i := 0; i < 5; i++ {
		input <- model.Bar{Close: float64(i + 1)}
	}
	close(input)

	done := make(chan struct{})
	go func() {
		fo.Run(context.Background(), input)
		close(done)
	}()

	var got []float64
	for b := range lossless {
		got = append(got, b.Close)
	}
	<-done

	if len(got) != 5 {
		t.Fatalf("lossless subscriber got %d bars, want 5", len(got))
	}
	n := 0
	for range lossy {
		n++
	}
	if n+dropped != 5 || n < 1 {
		t.Fatalf("lossy received %d, dropped %d", n, dropped)
	}
}

func TestFanOut_ClosesOutputsOnCancel(t *testing.T) {
	fo := New(1)
	out := fo.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())

	go fo.Run(ctx, make(chan model.Bar))
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("output not closed after cancel")
	}
	if stats := fo.ChannelStats(); len(stats) != 1 || stats[0].Cap != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
