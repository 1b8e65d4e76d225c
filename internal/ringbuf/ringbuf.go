// Package ringbuf provides the bounded price history owned by one strategy
// instance. It is a fixed-capacity FIFO ring of closing prices: pushes beyond
// capacity overwrite the oldest observation.
//
// History is NOT goroutine-safe. A strategy instance has a single owner; hosts
// that share instances must serialize access (see strategy.Registry).
package ringbuf

// History is a fixed-capacity FIFO ring of float64 prices.
type History struct {
	buf   []float64
	head  int // index of the oldest element
	count int

	// Evicted counts observations dropped from the front (for metrics).
	evicted uint64
}

// New creates a history holding at most capacity prices.
// Minimum capacity is 1.
func New(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]float64, capacity)}
}

// Push appends prices in order, evicting the oldest entries once the
// capacity is exceeded. No-op on empty input.
func (h *History) Push(prices ...float64) {
	n := len(h.buf)
	if len(prices) > n {
		// Only the trailing window can survive.
		h.evicted += uint64(h.count + len(prices) - n)
		copy(h.buf, prices[len(prices)-n:])
		h.head = 0
		h.count = n
		return
	}
	for _, p := range prices {
		if h.count < n {
			h.buf[(h.head+h.count)%n] = p
			h.count++
			continue
		}
		// Full: overwrite oldest and advance head.
		h.buf[h.head] = p
		h.head = (h.head + 1) % n
		h.evicted++
	}
}

// Snapshot returns a copy of the buffered prices, oldest first.
func (h *History) Snapshot() []float64 {
	out := make([]float64, h.count)
	n := len(h.buf)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.head+i)%n]
	}
	return out
}

// Last returns the most recent price. ok is false when empty.
func (h *History) Last() (float64, bool) {
	if h.count == 0 {
		return 0, false
	}
	return h.buf[(h.head+h.count-1)%len(h.buf)], true
}

// Len returns the number of buffered prices.
func (h *History) Len() int {
	return h.count
}

// Cap returns the history capacity.
func (h *History) Cap() int {
	return len(h.buf)
}

// Evicted returns the total number of prices dropped from the front.
func (h *History) Evicted() uint64 {
	return h.evicted
}
