// Package gateway fans signal decisions published on Redis out to WebSocket
// clients, with per-client pair filters and per-channel replay for gap
// backfill.
package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
)

// replayDepth is the number of envelopes retained per channel.
const replayDepth = 200

// Hub manages WebSocket clients and the Redis PubSub fan-out.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry
	seq     int64

	// Per-channel monotonic sequence numbers for gap detection
	channelSeqs map[string]int64
	replayBufs  map[string]*ReplayBuffer

	// OnLatency receives the delay between a decision's timestamp and its
	// fan-out. OnClients receives the client count after every change.
	OnLatency func(time.Duration)
	OnClients func(n int)

	now func() time.Time
}

type latestEntry struct {
	Data []byte
	TS   time.Time
	Seq  int64
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
		now:         time.Now,
	}
}

// Run routes PubSub messages to clients until ctx is cancelled or msgs closes.
func (h *Hub) Run(ctx context.Context, msgs <-chan *goredis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			h.Broadcast(msg.Channel, []byte(msg.Payload))
		}
	}
}

// RunPubSub consumes a pattern subscription (see redis.Reader.SubscribeSignals)
// and closes it on exit.
func (h *Hub) RunPubSub(ctx context.Context, ps *goredis.PubSub) {
	defer ps.Close()
	log.Println("[gateway] routing signal channels to websocket clients")
	h.Run(ctx, ps.Channel())
}

// Attach registers a WebSocket connection and starts its pumps. lastTS, if
// set, limits the initial state to channels updated after it.
func (h *Hub) Attach(conn *websocket.Conn, lastTS string) *Client {
	c := newClient(h, conn)
	conn.EnableWriteCompression(true)
	h.addClient(c)

	go c.sendInitialState(lastTS)
	go c.writePump()
	go c.readPump()
	return c
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)
	if h.OnClients != nil {
		h.OnClients(count)
	}
}

// RemoveClient removes a client from the hub and closes its send queue.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	close(c.send)

	if h.OnClients != nil {
		h.OnClients(count)
	}
}

// Latest returns a copy of the last payload seen on every channel.
func (h *Hub) Latest() map[string][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string][]byte, len(h.latest))
	for k, v := range h.latest {
		cp[k] = v.Data
	}
	return cp
}

// ReplayRange returns buffered envelopes for a channel in [fromSeq, toSeq].
func (h *Hub) ReplayRange(channel string, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb, exists := h.replayBufs[channel]
	h.mu.RUnlock()
	if !exists {
		return nil
	}
	return rb.Range(fromSeq, toSeq)
}

// ChannelSeq returns the current sequence number for a channel.
func (h *Hub) ChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
