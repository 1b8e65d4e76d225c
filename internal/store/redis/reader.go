package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Reader serves cached decisions and signal subscriptions.
type Reader struct {
	client *goredis.Client
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg WriterConfig) (*Reader, error) {
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

	log.Printf("[redis-reader] connected to %s", cfg.Addr)
	return &Reader{client: client}, nil
}

// LatestSignal returns the cached decision for a user and pair.
// Returns nil, nil when nothing is cached.
func (r *Reader) LatestSignal(ctx context.Context, userID, exchange, pair string) (*SignalEnvelope, error) {
	data, err := r.client.Get(ctx, LatestKey(userID, exchange, pair)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis GET latest signal: %w", err)
	}
	return DecodeSignal(data)
}

// DecodeSignal unmarshals a published envelope.
func DecodeSignal(data []byte) (*SignalEnvelope, error) {
	var env SignalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	return &env, nil
}

// SubscribeSignals pattern-subscribes to every signal channel.
// Returns nil if the subscription could not be confirmed.
func (r *Reader) SubscribeSignals(ctx context.Context) *goredis.PubSub {
	pubsub := r.client.PSubscribe(ctx, SignalPattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Printf("[redis-reader] psubscribe %s failed: %v", SignalPattern, err)
		pubsub.Close()
		return nil
	}
	return pubsub
}

// Close closes the Redis client.
func (r *Reader) Close() error {
	return r.client.Close()
}
