package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"emarsi-trader/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultLatestTTL    = 24 * time.Hour
	defaultStreamMaxLen = 1000
)

// WriterConfig configures the Redis connection.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// SignalEnvelope is the payload published for every decision.
type SignalEnvelope struct {
	UserID string               `json:"user_id"`
	Signal model.SignalDecision `json:"signal"`
}

// SignalChannel is the PubSub channel for a pair: pub:signal:<exchange>:<pair>.
func SignalChannel(exchange, pair string) string {
	return "pub:signal:" + exchange + ":" + pair
}

// SignalPattern matches every signal channel.
const SignalPattern = "pub:signal:*"

// BarChannel is the PubSub channel used by replay: pub:bar:<exchange>:<pair>.
func BarChannel(exchange, pair string) string {
	return "pub:bar:" + exchange + ":" + pair
}

// LatestKey holds the newest decision for a user and pair.
func LatestKey(userID, exchange, pair string) string {
	return "signal:latest:" + userID + ":" + exchange + ":" + pair
}

// StreamKey is the capped decision stream for a pair.
func StreamKey(exchange, pair string) string {
	return "signal:stream:" + exchange + ":" + pair
}

// EncodeSignal marshals the envelope published for a decision.
func EncodeSignal(userID string, d model.SignalDecision) ([]byte, error) {
	return json.Marshal(SignalEnvelope{UserID: userID, Signal: d})
}

// Writer publishes decisions and replayed bars to Redis.
type Writer struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

// PublishSignal pipelines SET latest + XADD stream + PUBLISH for a decision.
func (w *Writer) PublishSignal(ctx context.Context, userID string, d model.SignalDecision) error {
	data, err := EncodeSignal(userID, d)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	payload := string(data)

	pipe := w.client.Pipeline()
	pipe.Set(ctx, LatestKey(userID, d.Exchange, d.Symbol), payload, defaultLatestTTL)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey(d.Exchange, d.Symbol),
		MaxLen: defaultStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": payload},
	})
	pipe.Publish(ctx, SignalChannel(d.Exchange, d.Symbol), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis signal pipeline %s: %w", d.Key(), err)
	}
	return nil
}

// PublishBar publishes a replayed bar on its PubSub channel.
func (w *Writer) PublishBar(ctx context.Context, bar model.Bar) error {
	return w.client.Publish(ctx, BarChannel(bar.Exchange, bar.Pair), bar.JSON()).Err()
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
