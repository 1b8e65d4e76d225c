// cmd/barsim is a demo WebSocket bar server. It random-walks closing prices
// for a set of pairs and broadcasts closed bars through the signal gateway,
// so signald's live feed (BAR_FEED_URL) can be exercised without an exchange.
//
// Clients receive gateway envelopes on pub:bar channels:
//
//	{"channel":"pub:bar:nobitex:BTC/USDT","data":{...bar...},"ts":"...","seq":1,"channel_seq":1}
//
// Config (env vars):
//
//	BARSIM_ADDR      listen address (default ":9001")
//	BARSIM_PAIRS     comma-separated EXCHANGE:PAIR[=PRICE] (default "nobitex:BTC/USDT=65000")
//	BARSIM_INTERVAL  wall-clock time between bars (default "1s")
//	BARSIM_SPAN      market time covered by one bar (default "1m")
package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"emarsi-trader/internal/gateway"
	"emarsi-trader/internal/model"
	redisstore "emarsi-trader/internal/store/redis"

	"github.com/joho/godotenv"
)

// instrument holds per-pair simulation state.
type instrument struct {
	Exchange string
	Pair     string
	Price    float64
}

// walker produces bars by stepping each instrument through a bounded random walk.
type walker struct {
	rng         *rand.Rand
	instruments []instrument
	span        time.Duration
	next        time.Time
}

func newWalker(instruments []instrument, span time.Duration, start time.Time, seed int64) *walker {
	return &walker{
		rng:         rand.New(rand.NewSource(seed)),
		instruments: instruments,
		span:        span,
		next:        start.Truncate(span),
	}
}

// step returns one closed bar per instrument for the next span.
func (w *walker) step() []model.Bar {
	bars := make([]model.Bar, 0, len(w.instruments))
	for i := range w.instruments {
		in := &w.instruments[i]
		open := in.Price
		high, low := open, open
		price := open
		// Four sub-steps of up to ±0.25% each give the bar a range.
		for k := 0; k < 4; k++ {
			price *= 1 + (w.rng.Float64()*0.5-0.25)/100
			price = math.Max(price, 0.0001)
			high = math.Max(high, price)
			low = math.Min(low, price)
		}
		in.Price = price
		bars = append(bars, model.Bar{
			Exchange: in.Exchange,
			Pair:     in.Pair,
			TS:       w.next,
			Open:     open,
			High:     high,
			Low:      low,
			Close:    price,
			Volume:   float64(w.rng.Intn(100) + 1),
		})
	}
	w.next = w.next.Add(w.span)
	return bars
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[barsim] starting demo bar server...")
	_ = godotenv.Load()

	addr := envOrDefault("BARSIM_ADDR", ":9001")
	instruments, err := parseInstruments(envOrDefault("BARSIM_PAIRS", "nobitex:BTC/USDT=65000"))
	if err != nil {
		log.Fatalf("[barsim] BARSIM_PAIRS: %v", err)
	}
	interval := envDurationOrDefault("BARSIM_INTERVAL", time.Second)
	span := envDurationOrDefault("BARSIM_SPAN", time.Minute)
	log.Printf("[barsim] instruments: %+v", instruments)
	log.Printf("[barsim] interval=%s span=%s", interval, span)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := gateway.NewHub()
	w := newWalker(instruments, span, time.Now().UTC(), time.Now().UnixNano())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, b := range w.step() {
					hub.Broadcast(redisstore.BarChannel(b.Exchange, b.Pair), b.JSON())
				}
			}
		}
	}()

	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, hub)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"barsim"}`)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("[barsim] listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[barsim] server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	log.Println("[barsim] stopped")
}

// parseInstruments reads EXCHANGE:PAIR[=PRICE] specs. The default start
// price is 1000.
func parseInstruments(s string) ([]instrument, error) {
	var out []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		entry, priceStr, hasPrice := strings.Cut(part, "=")
		exchange, pair, ok := strings.Cut(entry, ":")
		if !ok || exchange == "" || pair == "" {
			return nil, fmt.Errorf("invalid instrument %q, want EXCHANGE:PAIR[=PRICE]", part)
		}
		price := 1000.0
		if hasPrice {
			p, err := strconv.ParseFloat(priceStr, 64)
			if err != nil || !(p > 0) {
				return nil, fmt.Errorf("invalid price in %q", part)
			}
			price = p
		}
		out = append(out, instrument{Exchange: exchange, Pair: strings.ToUpper(pair), Price: price})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no instruments configured")
	}
	return out, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		log.Printf("[barsim] ignoring invalid %s=%q", key, v)
	}
	return def
}
