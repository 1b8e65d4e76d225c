package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"emarsi-trader/internal/model"
)

// Metrics holds all Prometheus metrics for the signal service.
type Metrics struct {
	// Strategy
	SignalsTotal      *prometheus.CounterVec // labels: kind, strength
	InsufficientTotal prometheus.Counter
	SignalComputeDur  prometheus.Histogram
	RegistrySize      prometheus.Gauge
	PricesIngested    prometheus.Counter
	PricesEvicted     prometheus.Counter

	// Backtests
	BacktestsTotal      *prometheus.CounterVec // labels: result=ok|error
	BacktestDur         prometheus.Histogram
	BacktestTradesTotal prometheus.Counter

	// Storage
	SQLiteWriteDur           prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// Transport
	HTTPRequests       *prometheus.CounterVec // labels: route, code
	RateLimited        prometheus.Counter
	WSClients          prometheus.Gauge
	WSFanoutLatency    prometheus.Histogram
	NotificationsTotal *prometheus.CounterVec // labels: channel, result

	// Live bar feed
	FeedBars       *prometheus.CounterVec // labels: result=ok|stale|dropped
	FeedReconnects prometheus.Counter
}

// NewMetrics registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emarsi_signals_total",
			Help: "Signal decisions emitted (by kind and strength)",
		}, []string{"kind", "strength"}),
		InsufficientTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emarsi_signals_insufficient_total",
			Help: "Warm-up HOLD decisions emitted before enough history",
		}),
		SignalComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "emarsi_signal_compute_duration_seconds",
			Help:    "Indicator + classifier latency per signal request",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emarsi_active_strategies",
			Help: "Strategy instances held by the registry",
		}),
		PricesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emarsi_prices_ingested_total",
			Help: "Price observations pushed into strategy histories",
		}),
		PricesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emarsi_prices_evicted_total",
			Help: "Oldest prices dropped from full strategy histories",
		}),

		BacktestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emarsi_backtests_total",
			Help: "Backtest runs (by result)",
		}, []string{"result"}),
		BacktestDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "emarsi_backtest_duration_seconds",
			Help:    "Backtest simulation latency",
			Buckets: prometheus.DefBuckets,
		}),
		BacktestTradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emarsi_backtest_trades_total",
			Help: "Simulated trades across all backtests",
		}),

		SQLiteWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "emarsi_sqlite_write_duration_seconds",
			Help:    "SQLite journal write latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emarsi_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emarsi_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emarsi_redis_buffered_writes_total",
			Help: "Signals buffered locally while the Redis circuit breaker was open",
		}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emarsi_http_requests_total",
			Help: "HTTP API requests (by route and status code)",
		}, []string{"route", "code"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emarsi_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emarsi_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		WSFanoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "emarsi_ws_fanout_latency_seconds",
			Help:    "Delay between a decision timestamp and its WebSocket fan-out",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emarsi_notifications_total",
			Help: "Notification deliveries (by channel and result)",
		}, []string{"channel", "result"}),
		FeedBars: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emarsi_feed_bars_total",
			Help: "Bars received from the live WebSocket feed (by result)",
		}, []string{"result"}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emarsi_feed_reconnects_total",
			Help: "Reconnections of the live WebSocket bar feed",
		}),
	}

	reg.MustRegister(
		m.SignalsTotal,
		m.InsufficientTotal,
		m.SignalComputeDur,
		m.RegistrySize,
		m.PricesIngested,
		m.PricesEvicted,
		m.BacktestsTotal,
		m.BacktestDur,
		m.BacktestTradesTotal,
		m.SQLiteWriteDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.HTTPRequests,
		m.RateLimited,
		m.WSClients,
		m.WSFanoutLatency,
		m.NotificationsTotal,
		m.FeedBars,
		m.FeedReconnects,
	)

	return m
}

// ObserveDecision records one signal decision and its compute latency.
func (m *Metrics) ObserveDecision(d model.SignalDecision, took time.Duration) {
	m.SignalsTotal.WithLabelValues(string(d.Kind), string(d.Strength)).Inc()
	if d.Insufficient {
		m.InsufficientTotal.Inc()
	}
	m.SignalComputeDur.Observe(took.Seconds())
}

// ObserveBacktest records a completed or failed backtest.
func (m *Metrics) ObserveBacktest(trades int, took time.Duration, err error) {
	if err != nil {
		m.BacktestsTotal.WithLabelValues("error").Inc()
		return
	}
	m.BacktestsTotal.WithLabelValues("ok").Inc()
	m.BacktestDur.Observe(took.Seconds())
	m.BacktestTradesTotal.Add(float64(trades))
}

// BreakerStateChanged is a circuit breaker OnStateChange hook.
// State values follow the breaker's numbering: 0=closed, 1=open, 2=half-open.
func (m *Metrics) BreakerStateChanged(to int) {
	m.RedisCircuitBreakerState.Set(float64(to))
	if to == 1 {
		m.RedisCircuitBreakerTrips.Inc()
	}
}

// NotificationResult is a notification dispatcher OnResult hook for channel.
func (m *Metrics) NotificationResult(channel string) func(error) {
	return func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.NotificationsTotal.WithLabelValues(channel, result).Inc()
	}
}
