// Package wsfeed is a WebSocket client for live bar feeds. It accepts either
// bare bar objects
//
//	{"exchange":"nobitex","pair":"BTC/USDT","timestamp":"...","open":1,...,"close":1}
//
// or the envelopes broadcast by the signal gateway, keeping only bar channels:
//
//	{"channel":"pub:bar:nobitex:BTC/USDT","data":{...bar...},"seq":7}
//
// so one signald can follow another, or any service that emits closed bars.
package wsfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"emarsi-trader/internal/model"

	"github.com/gorilla/websocket"
)

// Config holds configuration for the feed client.
type Config struct {
	// URL of the bar WebSocket, e.g. "ws://localhost:9001/ws"
	URL string

	// Subscribe lists "exchange:pair" keys to request after connecting.
	// Empty means take whatever the server sends.
	Subscribe []string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Feed streams bars from a WebSocket into a channel, reconnecting on failure.
type Feed struct {
	cfg Config

	// Optional hooks.
	OnReconnect func()
	OnBar       func(model.Bar, bool) // false when the bar was dropped on a full channel
}

// New creates a Feed. Returns an error if the URL is not a ws:// or wss:// URL.
func New(cfg Config) (*Feed, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.New("wsfeed: URL scheme must be ws or wss")
	}
	return &Feed{cfg: cfg}, nil
}

// Start connects and streams bars into barCh. Blocks until ctx is cancelled.
// barCh is not closed.
func (f *Feed) Start(ctx context.Context, barCh chan<- model.Bar) error {
	delay := f.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		connected, err := f.runOnce(ctx, barCh)
		if err == nil {
			return nil
		}
		if connected {
			delay = f.cfg.ReconnectDelay
		}

		log.Printf("[wsfeed] disconnected (%v), reconnecting in %s...", err, delay)
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes one connection and reads until disconnect or ctx cancel.
// It reports whether the dial succeeded so backoff can reset.
func (f *Feed) runOnce(ctx context.Context, barCh chan<- model.Bar) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	log.Printf("[wsfeed] connected to %s", f.cfg.URL)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-done:
		}
	}()

	for _, key := range f.cfg.Subscribe {
		exchange, pair, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}
		msg := map[string]string{"type": "SUBSCRIBE", "exchange": exchange, "pair": pair}
		if err := conn.WriteJSON(msg); err != nil {
			return true, err
		}
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return true, nil
			default:
			}
			return true, err
		}

		// The gateway coalesces queued envelopes into one frame.
		for _, line := range bytes.Split(raw, []byte{'\n'}) {
			bar, ok := Decode(line)
			if !ok {
				continue
			}
			f.deliver(bar, barCh)
		}
	}
}

func (f *Feed) deliver(bar model.Bar, barCh chan<- model.Bar) {
	select {
	case barCh <- bar:
		if f.OnBar != nil {
			f.OnBar(bar, true)
		}
	default:
		log.Printf("[wsfeed] barCh full, dropping %s", bar.Key())
		if f.OnBar != nil {
			f.OnBar(bar, false)
		}
	}
}

type envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Decode extracts a bar from a feed message. Control replies, signal
// envelopes and malformed bars report false.
func Decode(raw []byte) (model.Bar, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.Bar{}, false
	}
	if env.Type != "" {
		return model.Bar{}, false
	}
	payload := raw
	if env.Channel != "" {
		if !strings.HasPrefix(env.Channel, "pub:bar:") {
			return model.Bar{}, false
		}
		payload = env.Data
	}

	var bar model.Bar
	if err := json.Unmarshal(payload, &bar); err != nil {
		return model.Bar{}, false
	}
	if bar.Exchange == "" || bar.Pair == "" || bar.TS.IsZero() || !(bar.Close > 0) {
		return model.Bar{}, false
	}
	return bar, true
}
