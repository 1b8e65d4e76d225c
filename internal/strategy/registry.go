package strategy

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const numShards = 16

// Key identifies one strategy instance.
type Key struct {
	UserID   string `json:"user_id"`
	Exchange string `json:"exchange"`
	Pair     string `json:"pair"`
}

// String returns "user:exchange:pair".
func (k Key) String() string {
	return k.UserID + ":" + k.Exchange + ":" + k.Pair
}

// Factory builds the strategy for a key on first use. It may backfill
// stored history before returning.
type Factory func(Key) (*EmaRsi, error)

// Entry is a registered strategy with its own lock.
type Entry struct {
	mu       sync.Mutex
	strat    *EmaRsi
	lastUsed time.Time
	removed  bool // set under mu once the entry leaves its shard
}

// Registry holds strategy instances keyed by (user, exchange, pair).
// Lookups are sharded; mutation of a single instance goes through WithLock.
type Registry struct {
	shards  [numShards]*registryShard
	factory Factory
	now     func() time.Time
}

type registryShard struct {
	mu    sync.RWMutex
	items map[Key]*Entry
}

// NewRegistry creates an empty registry. factory is called for unknown keys.
func NewRegistry(factory Factory) *Registry {
	r := &Registry{factory: factory, now: time.Now}
	for i := 0; i < numShards; i++ {
		r.shards[i] = &registryShard{items: make(map[Key]*Entry)}
	}
	return r
}

func (r *Registry) getShard(k Key) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(k.String()))
	return r.shards[h.Sum32()%numShards]
}

// Get returns the entry for k if present.
func (r *Registry) Get(k Key) (*Entry, bool) {
	shard := r.getShard(k)
	shard.mu.RLock()
	e, ok := shard.items[k]
	shard.mu.RUnlock()
	return e, ok
}

// GetOrCreate returns the entry for k, building it with the factory when
// absent. created reports whether this call inserted the entry. The factory
// runs outside the shard lock; if two callers race, one result is discarded.
func (r *Registry) GetOrCreate(k Key) (e *Entry, created bool, err error) {
	if e, ok := r.Get(k); ok {
		return e, false, nil
	}

	strat, err := r.factory(k)
	if err != nil {
		return nil, false, err
	}

	shard := r.getShard(k)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if existing, ok := shard.items[k]; ok {
		return existing, false, nil
	}
	e = &Entry{strat: strat, lastUsed: r.now()}
	shard.items[k] = e
	return e, true, nil
}

// WithLock runs fn against the strategy for k while holding the entry lock,
// creating the strategy first if needed. If the entry is evicted between
// lookup and locking, a fresh one is created so fn never sees a detached
// instance.
func (r *Registry) WithLock(k Key, fn func(*EmaRsi) error) error {
	for {
		e, _, err := r.GetOrCreate(k)
		if err != nil {
			return err
		}
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		e.lastUsed = r.now()
		err = fn(e.strat)
		e.mu.Unlock()
		return err
	}
}

// Evict removes k. It reports whether an entry was present.
func (r *Registry) Evict(k Key) bool {
	shard := r.getShard(k)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	e, ok := shard.items[k]
	if !ok {
		return false
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	delete(shard.items, k)
	return true
}

// EvictIdle removes entries not used within maxAge and returns how many
// were removed.
func (r *Registry) EvictIdle(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)
	removed := 0
	for _, shard := range r.shards {
		shard.mu.Lock()
		for k, e := range shard.items {
			e.mu.Lock()
			idle := e.lastUsed.Before(cutoff)
			if idle {
				e.removed = true
			}
			e.mu.Unlock()
			if idle {
				delete(shard.items, k)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len returns the number of registered strategies.
func (r *Registry) Len() int {
	total := 0
	for _, shard := range r.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Keys returns all registered keys, sorted by their string form.
func (r *Registry) Keys() []Key {
	var keys []Key
	for _, shard := range r.shards {
		shard.mu.RLock()
		for k := range shard.items {
			keys = append(keys, k)
		}
		shard.mu.RUnlock()
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
