package gateway

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendQueue  = 256
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// Subscribed pairs keyed "exchange:pair". Empty means everything.
	subMu sync.RWMutex
	subs  map[string]bool
}

// controlMsg is any message a client may send.
type controlMsg struct {
	Type     string `json:"type"`
	Exchange string `json:"exchange"`
	Pair     string `json:"pair"`
	ReqID    string `json:"req_id,omitempty"`
	Ping     int64  `json:"ping,omitempty"`
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendQueue),
		hub:  h,
		subs: make(map[string]bool),
	}
}

func (c *Client) sendInitialState(lastTS string) {
	var cutoff time.Time
	if lastTS != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, lastTS); err == nil {
			cutoff = parsed
		}
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for channel, entry := range c.hub.latest {
		if !cutoff.IsZero() && !entry.TS.After(cutoff) {
			continue
		}
		if !c.matchesChannel(channel) {
			continue
		}
		envelope, _ := json.Marshal(map[string]interface{}{
			"channel":     channel,
			"data":        json.RawMessage(entry.Data),
			"ts":          entry.TS.Format(time.RFC3339Nano),
			"channel_seq": entry.Seq,
			"initial":     true,
		})
		c.trySend(envelope)
	}
}

func (c *Client) trySend(msg []byte) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Coalesce queued envelopes into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(msg)
	}
}

// handleMessage applies one control message and queues the reply.
func (c *Client) handleMessage(raw []byte) {
	var msg controlMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.reply(map[string]interface{}{"type": "error", "error": "invalid JSON"})
		return
	}

	switch strings.ToUpper(msg.Type) {
	case "SUBSCRIBE", "UNSUBSCRIBE":
		if msg.Exchange == "" || msg.Pair == "" {
			c.reply(map[string]interface{}{"type": "error", "req_id": msg.ReqID, "error": "exchange and pair are required"})
			return
		}
		key := msg.Exchange + ":" + msg.Pair
		c.subMu.Lock()
		if strings.EqualFold(msg.Type, "SUBSCRIBE") {
			c.subs[key] = true
		} else {
			delete(c.subs, key)
		}
		keys := make([]string, 0, len(c.subs))
		for k := range c.subs {
			keys = append(keys, k)
		}
		c.subMu.Unlock()
		c.reply(map[string]interface{}{"type": "subscriptions", "req_id": msg.ReqID, "pairs": keys})
	default:
		if msg.Ping > 0 {
			c.reply(map[string]interface{}{
				"type":      "pong",
				"ping":      msg.Ping,
				"server_ts": c.hub.now().UnixMilli(),
			})
			return
		}
		c.reply(map[string]interface{}{"type": "error", "req_id": msg.ReqID, "error": "unknown message type " + msg.Type})
	}
}

func (c *Client) reply(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.trySend(data)
}

// matchesChannel reports whether the client should receive a message
// published on channel.
func (c *Client) matchesChannel(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	if len(c.subs) == 0 {
		return true
	}
	key, ok := pairKey(channel)
	if !ok {
		return true
	}
	return c.subs[key]
}

// pairKey extracts "exchange:pair" from pub:signal:<ex>:<pair> or
// pub:bar:<ex>:<pair>. Pairs may themselves contain '/'.
func pairKey(channel string) (string, bool) {
	parts := strings.SplitN(channel, ":", 4)
	if len(parts) != 4 || parts[0] != "pub" {
		return "", false
	}
	switch parts[1] {
	case "signal", "bar":
		return parts[2] + ":" + parts[3], true
	}
	return "", false
}
