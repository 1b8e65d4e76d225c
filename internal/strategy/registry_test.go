package strategy

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func defaultFactory(Key) (*EmaRsi, error) { return New(DefaultParams()) }

func TestRegistry_GetOrCreate(t *testing.T) {
	calls := 0
	r := NewRegistry(func(k Key) (*EmaRsi, error) {
		calls++
		return New(DefaultParams())
	})
	k := Key{UserID: "u1", Exchange: "nobitex", Pair: "BTC/USDT"}

	e1, created, err := r.GetOrCreate(k)
	if err != nil || !created {
		t.Fatalf("first call: created=%v err=%v", created, err)
	}
	e2, created, err := r.GetOrCreate(k)
	if err != nil || created {
		t.Fatalf("second call: created=%v err=%v", created, err)
	}
	if e1 != e2 {
		t.Fatal("expected the same entry for the same key")
	}
	if calls != 1 {
		t.Fatalf("factory calls: got %d, want 1", calls)
	}
	if r.Len() != 1 {
		t.Fatalf("len: got %d", r.Len())
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry(func(Key) (*EmaRsi, error) { return nil, boom })
	err := r.WithLock(Key{UserID: "u"}, func(*EmaRsi) error { return nil })
	if !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatal("failed creation must not register an entry")
	}
}

func TestRegistry_KeysAreIndependent(t *testing.T) {
	r := NewRegistry(defaultFactory)
	a := Key{UserID: "u1", Exchange: "nobitex", Pair: "BTC/USDT"}
	b := Key{UserID: "u2", Exchange: "nobitex", Pair: "BTC/USDT"}

	_ = r.WithLock(a, func(s *EmaRsi) error { s.AddPrices(1, 2, 3); return nil })
	_ = r.WithLock(b, func(s *EmaRsi) error { s.AddPrices(9); return nil })

	ea, _ := r.Get(a)
	eb, _ := r.Get(b)
	if ea.strat.HistoryLen() != 3 || eb.strat.HistoryLen() != 1 {
		t.Fatalf("histories leaked across keys: %d / %d", ea.strat.HistoryLen(), eb.strat.HistoryLen())
	}

	keys := r.Keys()
	if len(keys) != 2 || keys[0] != a || keys[1] != b {
		t.Fatalf("keys not sorted: %v", keys)
	}
}

func TestRegistry_Evict(t *testing.T) {
	r := NewRegistry(defaultFactory)
	k := Key{UserID: "u1", Exchange: "wallex", Pair: "USDT/IRT"}
	if r.Evict(k) {
		t.Fatal("evicting a missing key should report false")
	}
	_, _, _ = r.GetOrCreate(k)
	if !r.Evict(k) {
		t.Fatal("expected eviction")
	}
	if _, ok := r.Get(k); ok {
		t.Fatal("key still present after eviction")
	}
}

func TestRegistry_EvictIdle(t *testing.T) {
	now := t0
	r := NewRegistry(defaultFactory)
	r.now = func() time.Time { return now }

	old := Key{UserID: "old"}
	fresh := Key{UserID: "fresh"}
	_, _, _ = r.GetOrCreate(old)
	now = now.Add(2 * time.Hour)
	_ = r.WithLock(fresh, func(*EmaRsi) error { return nil })

	if n := r.EvictIdle(time.Hour); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, ok := r.Get(fresh); !ok {
		t.Fatal("fresh entry should survive")
	}
}

func TestRegistry_WithLockSerializes(t *testing.T) {
	r := NewRegistry(defaultFactory)
	k := Key{UserID: "u1", Exchange: "nobitex", Pair: "ETH/USDT"}

	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = r.WithLock(k, func(s *EmaRsi) error {
					counter++
					s.AddPrices(float64(i))
					return nil
				})
			}
		}()
	}
	wg.Wait()

	if counter != 800 {
		t.Fatalf("counter: got %d, want 800", counter)
	}
	if r.Len() != 1 {
		t.Fatalf("expected a single instance, got %d", r.Len())
	}
}

func TestRegistry_WithLockSkipsEvictedEntry(t *testing.T) {
	r := NewRegistry(defaultFactory)
	k := Key{UserID: "u1", Exchange: "nobitex", Pair: "BTC/USDT"}
	old, _, err := r.GetOrCreate(k)
	if err != nil {
		t.Fatal(err)
	}

	// Hold the entry so WithLock blocks on it, then evict it underneath.
	old.mu.Lock()
	done := make(chan error, 1)
	go func() {
		done <- r.WithLock(k, func(s *EmaRsi) error { s.AddPrices(42); return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	shard := r.getShard(k)
	shard.mu.Lock()
	old.removed = true
	delete(shard.items, k)
	shard.mu.Unlock()
	old.mu.Unlock()

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if old.strat.HistoryLen() != 0 {
		t.Fatal("prices were pushed into the evicted instance")
	}
	cur, ok := r.Get(k)
	if !ok {
		t.Fatal("expected a fresh entry after eviction")
	}
	if cur == old || cur.strat.HistoryLen() != 1 {
		t.Fatalf("fresh entry should hold the pushed price, len=%d", cur.strat.HistoryLen())
	}
}

func TestRegistry_EvictMarksEntry(t *testing.T) {
	r := NewRegistry(defaultFactory)
	k := Key{UserID: "u1", Exchange: "nobitex", Pair: "BTC/USDT"}
	e, _, _ := r.GetOrCreate(k)
	r.Evict(k)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.removed {
		t.Fatal("evicted entry not marked")
	}
}
