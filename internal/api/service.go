package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math"
	"time"

	"emarsi-trader/internal/backtest"
	"emarsi-trader/internal/metrics"
	"emarsi-trader/internal/model"
	redisstore "emarsi-trader/internal/store/redis"
	"emarsi-trader/internal/strategy"
)

var (
	// ErrInvalidPrice is returned for non-finite or non-positive prices.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrNotFound is returned when nothing is stored for a key.
	ErrNotFound = errors.New("not found")
)

// BarReader serves stored history.
type BarReader interface {
	RecentCloses(ctx context.Context, exchange, pair string, n int) ([]float64, error)
	ReadBars(ctx context.Context, exchange, pair string, from, to time.Time) ([]model.Bar, error)
	RecentSignals(ctx context.Context, userID, exchange, pair string, limit int) ([]model.SignalDecision, error)
}

// Journal persists decisions and backtest runs.
type Journal interface {
	RecordSignal(ctx context.Context, userID string, d model.SignalDecision) error
	SaveBacktest(ctx context.Context, exchange, pair string, p strategy.Params, cfg backtest.Config, res *model.BacktestResult) error
}

// LatestSource returns the cached latest decision for a key.
type LatestSource interface {
	LatestSignal(ctx context.Context, userID, exchange, pair string) (*redisstore.SignalEnvelope, error)
}

// Alerter decides whether a decision is worth an external alert.
type Alerter interface {
	Notify(ctx context.Context, userID string, d model.SignalDecision) (bool, error)
}

// Deps are the optional collaborators of a Service. Nil members are skipped.
type Deps struct {
	Bars      BarReader
	Journal   Journal
	Publisher redisstore.SignalPublisher
	Latest    LatestSource
	Alerts    Alerter
	Metrics   *metrics.Metrics
}

// ServiceConfig holds the defaults applied to new strategies and backtests.
type ServiceConfig struct {
	Params       strategy.Params
	Backtest     backtest.Config
	BackfillBars int
}

// Service hosts one strategy per (user, exchange, pair) and runs backtests.
type Service struct {
	cfg      ServiceConfig
	deps     Deps
	registry *strategy.Registry
	now      func() time.Time
}

// NewService validates cfg and creates a Service.
func NewService(cfg ServiceConfig, deps Deps) (*Service, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Backtest.Validate(); err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg, deps: deps, now: time.Now}
	s.registry = strategy.NewRegistry(s.newStrategy)
	return s, nil
}

// newStrategy builds the strategy for k and backfills stored closes.
// A failed backfill is logged; the strategy then warms up from live prices.
func (s *Service) newStrategy(k strategy.Key) (*strategy.EmaRsi, error) {
	strat, err := strategy.New(s.cfg.Params)
	if err != nil {
		return nil, err
	}
	if s.deps.Bars == nil || s.cfg.BackfillBars <= 0 {
		return strat, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	closes, err := s.deps.Bars.RecentCloses(ctx, k.Exchange, k.Pair, s.cfg.BackfillBars)
	if err != nil {
		log.Printf("[signald] WARNING: backfill %s failed: %v", k, err)
		return strat, nil
	}
	strat.AddPrices(closes...)
	if m := s.deps.Metrics; m != nil {
		m.PricesEvicted.Add(float64(strat.Evicted()))
	}
	log.Printf("[signald] created strategy %s for %s (backfilled %d bars)", strat.Name(), k, len(closes))
	return strat, nil
}

func checkPrices(prices ...float64) error {
	for _, p := range prices {
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return fmt.Errorf("%w: %v", ErrInvalidPrice, p)
		}
	}
	return nil
}

// HistoryState describes a strategy history after a push.
type HistoryState struct {
	Len     int
	Cap     int
	Evicted uint64 // dropped by this push
}

// AddPrices appends prices to the history of k without generating a signal.
func (s *Service) AddPrices(ctx context.Context, k strategy.Key, prices []float64) (HistoryState, error) {
	if err := checkPrices(prices...); err != nil {
		return HistoryState{}, err
	}
	var st HistoryState
	err := s.registry.WithLock(k, func(strat *strategy.EmaRsi) error {
		before := strat.Evicted()
		strat.AddPrices(prices...)
		st = HistoryState{Len: strat.HistoryLen(), Cap: strat.HistoryCap(), Evicted: strat.Evicted() - before}
		return nil
	})
	if err != nil {
		return HistoryState{}, err
	}
	if m := s.deps.Metrics; m != nil {
		m.PricesIngested.Add(float64(len(prices)))
		m.PricesEvicted.Add(float64(st.Evicted))
		m.RegistrySize.Set(float64(s.registry.Len()))
	}
	return st, nil
}

// Signal appends prices and then price to the history of k and classifies
// the result. Publishing, journaling and alerting failures are logged and do
// not fail the request.
func (s *Service) Signal(ctx context.Context, k strategy.Key, price float64, prices []float64) (model.SignalDecision, error) {
	if err := checkPrices(price); err != nil {
		return model.SignalDecision{}, err
	}
	if err := checkPrices(prices...); err != nil {
		return model.SignalDecision{}, err
	}

	start := time.Now()
	var (
		d       model.SignalDecision
		evicted uint64
	)
	err := s.registry.WithLock(k, func(strat *strategy.EmaRsi) error {
		before := strat.Evicted()
		strat.AddPrices(prices...)
		d = strat.GenerateSignal(k.Pair, k.Exchange, price, s.now().UTC())
		evicted = strat.Evicted() - before
		return nil
	})
	if err != nil {
		return model.SignalDecision{}, err
	}
	took := time.Since(start)

	if m := s.deps.Metrics; m != nil {
		m.ObserveDecision(d, took)
		m.PricesIngested.Add(float64(len(prices) + 1))
		m.PricesEvicted.Add(float64(evicted))
		m.RegistrySize.Set(float64(s.registry.Len()))
	}

	slog.InfoContext(ctx, "signal generated",
		"key", k.String(), "kind", d.Kind, "strength", d.Strength, "confidence", d.Confidence)

	s.fanOut(ctx, k.UserID, d)
	return d, nil
}

func (s *Service) fanOut(ctx context.Context, userID string, d model.SignalDecision) {
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishSignal(ctx, userID, d); err != nil && !errors.Is(err, redisstore.ErrCircuitOpen) {
			log.Printf("[signald] WARNING: publish %s: %v", d.Key(), err)
		}
	}
	if s.deps.Journal != nil {
		t0 := time.Now()
		if err := s.deps.Journal.RecordSignal(ctx, userID, d); err != nil {
			log.Printf("[signald] WARNING: journal %s: %v", d.Key(), err)
		} else if m := s.deps.Metrics; m != nil {
			m.SQLiteWriteDur.Observe(time.Since(t0).Seconds())
		}
	}
	if s.deps.Alerts != nil {
		if _, err := s.deps.Alerts.Notify(ctx, userID, d); err != nil {
			log.Printf("[signald] WARNING: alert %s: %v", d.Key(), err)
		}
	}
}

// Latest returns the cached latest decision for k.
func (s *Service) Latest(ctx context.Context, k strategy.Key) (*model.SignalDecision, error) {
	if s.deps.Latest == nil {
		return nil, ErrNotFound
	}
	env, err := s.deps.Latest.LatestSignal(ctx, k.UserID, k.Exchange, k.Pair)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, ErrNotFound
	}
	return &env.Signal, nil
}

// History returns up to limit journaled decisions for k, newest first.
func (s *Service) History(ctx context.Context, k strategy.Key, limit int) ([]model.SignalDecision, error) {
	if s.deps.Bars == nil {
		return nil, ErrNotFound
	}
	return s.deps.Bars.RecentSignals(ctx, k.UserID, k.Exchange, k.Pair, limit)
}

// BacktestRequest selects stored bars and overrides defaults. Zero values
// fall back to the service defaults.
type BacktestRequest struct {
	Exchange           string           `json:"exchange"`
	Pair               string           `json:"pair"`
	From               time.Time        `json:"from"`
	To                 time.Time        `json:"to"`
	InitialBalance     float64          `json:"initial_balance"`
	TradeAmountPercent float64          `json:"trade_amount_percent"`
	Params             *strategy.Params `json:"params,omitempty"`
	Save               bool             `json:"save"`
}

// Backtest runs the simulator over stored bars for the requested range.
func (s *Service) Backtest(ctx context.Context, req BacktestRequest) (*model.BacktestResult, error) {
	if s.deps.Bars == nil {
		return nil, backtest.ErrNoBars
	}
	p := s.cfg.Params
	if req.Params != nil {
		p = *req.Params
	}
	cfg := s.cfg.Backtest
	if req.InitialBalance != 0 {
		cfg.InitialBalance = req.InitialBalance
	}
	if req.TradeAmountPercent != 0 {
		cfg.TradeAmountPercent = req.TradeAmountPercent
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sim, err := backtest.New(p)
	if err != nil {
		return nil, err
	}

	bars, err := s.deps.Bars.ReadBars(ctx, req.Exchange, req.Pair, req.From, req.To)
	if err != nil {
		return nil, fmt.Errorf("load bars: %w", err)
	}

	start := time.Now()
	res, err := sim.Run(bars, cfg)
	if m := s.deps.Metrics; m != nil {
		trades := 0
		if res != nil {
			trades = len(res.Trades)
		}
		m.ObserveBacktest(trades, time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}

	log.Printf("[backtest] %s:%s run=%s bars=%d trades=%d return=%.2f%%",
		req.Exchange, req.Pair, res.RunID, res.Summary.Bars, res.Summary.TotalTrades, res.Summary.TotalReturnPct)

	if req.Save && s.deps.Journal != nil {
		if err := s.deps.Journal.SaveBacktest(ctx, req.Exchange, req.Pair, p, cfg, res); err != nil {
			log.Printf("[backtest] WARNING: save run %s: %v", res.RunID, err)
		}
	}
	return res, nil
}

// alertPruner is implemented by alerters that keep per-key state.
type alertPruner interface {
	Prune(keep func(key string) bool) int
}

// pruneAlerts drops alert state for keys no longer in the registry.
func (s *Service) pruneAlerts() {
	p, ok := s.deps.Alerts.(alertPruner)
	if !ok {
		return
	}
	active := make(map[string]struct{})
	for _, k := range s.registry.Keys() {
		active[k.String()] = struct{}{}
	}
	p.Prune(func(key string) bool {
		_, ok := active[key]
		return ok
	})
}

// Evict drops the strategy for k.
func (s *Service) Evict(k strategy.Key) bool {
	ok := s.registry.Evict(k)
	if ok {
		s.pruneAlerts()
	}
	if m := s.deps.Metrics; m != nil {
		m.RegistrySize.Set(float64(s.registry.Len()))
	}
	return ok
}

// ActiveStrategies returns the number of hosted strategies.
func (s *Service) ActiveStrategies() int { return s.registry.Len() }

// Keys lists hosted strategy keys.
func (s *Service) Keys() []strategy.Key { return s.registry.Keys() }

// RunJanitor evicts strategies idle for longer than maxAge every interval
// until ctx is cancelled.
func (s *Service) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.EvictIdle(maxAge); n > 0 {
				log.Printf("[signald] evicted %d idle strategies", n)
				s.pruneAlerts()
				if m := s.deps.Metrics; m != nil {
					m.RegistrySize.Set(float64(s.registry.Len()))
				}
			}
		}
	}
}
