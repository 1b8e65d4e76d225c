// cmd/signald serves EMA/RSI trade signals over HTTP, streams them to
// WebSocket clients and exposes Prometheus metrics.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"emarsi-trader/config"
	"emarsi-trader/internal/api"
	"emarsi-trader/internal/gateway"
	"emarsi-trader/internal/logger"
	"emarsi-trader/internal/marketdata/bus"
	"emarsi-trader/internal/marketdata/tfbuilder"
	"emarsi-trader/internal/marketdata/wsfeed"
	"emarsi-trader/internal/metrics"
	"emarsi-trader/internal/model"
	"emarsi-trader/internal/notification"
	redisstore "emarsi-trader/internal/store/redis"
	sqlitestore "emarsi-trader/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[signald] starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[signald] config: %v", err)
	}
	logger.Init("signald", logger.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	sf, err := config.LoadStrategyFile(cfg.StrategyFile)
	if err != nil {
		log.Fatalf("[signald] strategy file: %v", err)
	}
	slog.Info("strategy defaults loaded", "params", sf.Strategy, "backtest", sf.Backtest)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- SQLite: bars, signal journal, backtest runs ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		os.MkdirAll(dir, 0o755)
	}
	sqlWriter, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[signald] sqlite init failed: %v", err)
	}
	defer sqlWriter.Close()
	sqlReader, err := sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[signald] sqlite reader init failed: %v", err)
	}
	defer sqlReader.Close()
	health.Register("sqlite", metrics.SQLProbe(sqlWriter.DB()))

	deps := api.Deps{
		Bars:    sqlReader,
		Journal: sqlWriter,
		Metrics: prom,
	}

	// ---- Redis: publish, latest cache, fan-out (optional) ----
	hub := gateway.NewHub()
	hub.OnLatency = func(d time.Duration) { prom.WSFanoutLatency.Observe(d.Seconds()) }
	hub.OnClients = func(n int) { prom.WSClients.Set(float64(n)) }

	var redisWriter *redisstore.Writer
	if cfg.RedisAddr != "" {
		rcfg := redisstore.WriterConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		redisWriter, err = redisstore.New(rcfg)
		if err != nil {
			log.Printf("[signald] WARNING: redis init failed: %v (continuing without redis)", err)
		} else {
			defer redisWriter.Close()
			health.Register("redis", metrics.RedisProbe(redisWriter.Client()))

			cb := redisstore.NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerReset)
			cb.OnStateChange = func(from, to redisstore.State) {
				log.Printf("[signald] redis circuit breaker %s -> %s", from, to)
				prom.BreakerStateChanged(int(to))
			}
			bw := redisstore.NewBufferedWriter(ctx, redisWriter, cb, 10000)
			bw.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
			deps.Publisher = bw

			if redisReader, err := redisstore.NewReader(rcfg); err != nil {
				log.Printf("[signald] WARNING: redis reader init failed: %v", err)
			} else {
				defer redisReader.Close()
				deps.Latest = redisReader
				if ps := redisReader.SubscribeSignals(ctx); ps != nil {
					go hub.RunPubSub(ctx, ps)
				}
			}
		}
	} else {
		log.Println("[signald] REDIS_ADDR not set; signals are not published or streamed")
	}

	health.StartLivenessChecker(ctx, 10*time.Second)

	// ---- Live bar feed (optional): store for backfill, stream to clients ----
	if cfg.BarFeedURL != "" {
		if err := startBarFeed(ctx, cfg, prom, health, hub, sqlWriter, redisWriter); err != nil {
			log.Fatalf("[signald] bar feed: %v", err)
		}
	}

	// ---- Notifications ----
	notifiers := notification.Multi{notification.NewLogNotifier(slog.Default())}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	dispatcher := notification.NewDispatcher(notifiers, model.StrengthStrong)
	dispatcher.OnResult = prom.NotificationResult("alerts")
	deps.Alerts = dispatcher

	// ---- Service & HTTP ----
	svc, err := api.NewService(api.ServiceConfig{
		Params:       sf.Strategy,
		Backtest:     sf.Backtest,
		BackfillBars: cfg.HistoryBackfillBars,
	}, deps)
	if err != nil {
		log.Fatalf("[signald] service init failed: %v", err)
	}
	go svc.RunJanitor(ctx, time.Hour, cfg.IdleEvictAfter)
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				health.SetActiveKeys(svc.ActiveStrategies())
			}
		}
	}()

	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, hub)
	mux.Handle("/api/v1/", api.NewRouter(svc, api.RouterConfig{
		SupportedPair:     cfg.IsSupportedPair,
		SupportedExchange: cfg.IsSupportedExchange,
		AdminTOTPSecret:   cfg.AdminTOTPSecret,
		RateLimit:         cfg.APIRateLimit,
		Metrics:           prom,
	}))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[signald] serving at http://localhost%s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[signald] server error: %v", err)
		}
	}()

	<-sigCh
	log.Println("[signald] shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	log.Println("[signald] stopped")
}

// startBarFeed connects to BAR_FEED_URL and fans bars out to the SQLite
// store (lossless) and to WebSocket clients and Redis (lossy).
func startBarFeed(ctx context.Context, cfg *config.Config, prom *metrics.Metrics, health *metrics.HealthStatus, hub *gateway.Hub, store *sqlitestore.Writer, pub *redisstore.Writer) error {
	var keys []string
	for _, ex := range cfg.SupportedExchanges {
		for _, pair := range cfg.SupportedPairs {
			keys = append(keys, ex+":"+pair)
		}
	}
	feed, err := wsfeed.New(wsfeed.Config{URL: cfg.BarFeedURL, Subscribe: keys})
	if err != nil {
		return err
	}
	feed.OnReconnect = func() { prom.FeedReconnects.Inc() }
	health.WatchFeed(max(5*time.Minute, 3*cfg.BarFeedTimeframe))
	feed.OnBar = func(_ model.Bar, ok bool) {
		health.MarkBar()
		if ok {
			prom.FeedBars.WithLabelValues("ok").Inc()
		} else {
			prom.FeedBars.WithLabelValues("dropped").Inc()
		}
	}

	raw := make(chan model.Bar, 4096)
	go feed.Start(ctx, raw)

	var in <-chan model.Bar = raw
	if cfg.BarFeedTimeframe > 0 {
		tb, err := tfbuilder.New(cfg.BarFeedTimeframe)
		if err != nil {
			return err
		}
		tb.OnStale = func(model.Bar) { prom.FeedBars.WithLabelValues("stale").Inc() }
		resampled := make(chan model.Bar, 1024)
		go tb.Run(ctx, raw, resampled)
		in = resampled
	}

	fan := bus.New(1024)
	toStore := fan.SubscribeLossless()
	toClients := fan.Subscribe()
	go fan.Run(ctx, in)
	go store.Run(ctx, toStore)
	go func() {
		for b := range toClients {
			hub.Broadcast(redisstore.BarChannel(b.Exchange, b.Pair), b.JSON())
			if pub != nil {
				if err := pub.PublishBar(ctx, b); err != nil {
					slog.Warn("publish bar failed", "key", b.Key(), "err", err)
				}
			}
		}
	}()

	log.Printf("[signald] following bar feed %s (timeframe=%v)", cfg.BarFeedURL, cfg.BarFeedTimeframe)
	return nil
}
