// Package backtest replays the EMA/RSI strategy over historical bars with a
// long-only, fixed-fraction cash ledger.
package backtest

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"emarsi-trader/internal/indicator"
	"emarsi-trader/internal/model"
	"emarsi-trader/internal/strategy"
)

// ErrNoBars is returned when Run is given an empty bar sequence.
var ErrNoBars = errors.New("backtest: no bars")

// Config is the per-run account configuration.
type Config struct {
	InitialBalance     float64 `json:"initial_balance" yaml:"initial_balance"`
	TradeAmountPercent float64 `json:"trade_amount_percent" yaml:"trade_amount_percent"`
}

// DefaultConfig mirrors the API defaults: 1000 starting cash, 10% per trade.
func DefaultConfig() Config {
	return Config{InitialBalance: 1000, TradeAmountPercent: 10}
}

// Validate checks the balance and sizing bounds.
func (c Config) Validate() error {
	if !(c.InitialBalance > 0) || math.IsInf(c.InitialBalance, 0) {
		return fmt.Errorf("%w: initial_balance must be > 0, got %v", strategy.ErrInvalidParameter, c.InitialBalance)
	}
	if !(c.TradeAmountPercent > 0) || c.TradeAmountPercent > 100 {
		return fmt.Errorf("%w: trade_amount_percent must be in (0,100], got %v", strategy.ErrInvalidParameter, c.TradeAmountPercent)
	}
	return nil
}

// IDFunc generates run identifiers.
type IDFunc func() string

type classifyFunc func(strategy.Params, indicator.Series) strategy.Classification

// Simulator runs backtests for one parameter set. It holds no per-run state
// and is safe for concurrent use.
type Simulator struct {
	params   strategy.Params
	engine   *indicator.Engine
	newID    IDFunc
	classify classifyFunc
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithIDFunc overrides the uuid-based run ID generator.
func WithIDFunc(f IDFunc) Option {
	return func(s *Simulator) { s.newID = f }
}

// New validates params and returns a Simulator.
func New(p strategy.Params, opts ...Option) (*Simulator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := &Simulator{
		params:   p,
		engine:   indicator.NewEngine(p.EMAShortPeriod, p.EMALongPeriod, p.RSIPeriod),
		newID:    func() string { return uuid.NewString() },
		classify: strategy.Classify,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Params returns the strategy parameters used by the simulator.
func (s *Simulator) Params() strategy.Params { return s.params }

// StartIndex is the first bar evaluated: max(long EMA period, RSI period).
func (s *Simulator) StartIndex() int {
	return s.params.WarmupBars() - 1
}

type ledger struct {
	cash       float64
	qty        float64
	entryPrice float64
}

// Run simulates the strategy over bars (oldest first). Bars before
// StartIndex only feed the indicators. An open position at the end is valued
// at the last close, not closed.
func (s *Simulator) Run(bars []model.Bar, cfg Config) (*model.BacktestResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, ErrNoBars
	}
	for i, b := range bars {
		if !(b.Close > 0) || math.IsInf(b.Close, 0) {
			return nil, fmt.Errorf("%w: bar %d has close %v", strategy.ErrInvalidParameter, i, b.Close)
		}
	}

	closes := model.Closes(bars)
	series := s.engine.Compute(closes)

	l := ledger{cash: cfg.InitialBalance}
	res := &model.BacktestResult{RunID: s.newID()}

	for i := s.StartIndex(); i < len(bars); i++ {
		bar := bars[i]
		price := bar.Close
		c := s.classify(s.params, series.Prefix(i+1))

		switch {
		case c.Kind == model.KindBuy && c.Confidence >= s.params.MinConfidence && l.qty == 0:
			spend := l.cash * cfg.TradeAmountPercent / 100
			l.qty = spend / price
			l.cash -= spend
			l.entryPrice = price
			res.Trades = append(res.Trades, tradeRecord(bar, c, l, spend, 0))

		case c.Kind == model.KindSell && c.Confidence >= s.params.MinConfidence && l.qty > 0:
			qty := l.qty
			proceeds := qty * price
			pnl := proceeds - qty*l.entryPrice
			l.cash += proceeds
			l.qty = 0
			rec := tradeRecord(bar, c, l, proceeds, pnl)
			rec.Quantity = qty
			res.Trades = append(res.Trades, rec)
		}

		posValue := l.qty * price
		res.Equity = append(res.Equity, model.EquityPoint{
			TS:            bar.TS,
			Cash:          l.cash,
			PositionValue: posValue,
			TotalEquity:   l.cash + posValue,
		})
	}

	last := bars[len(bars)-1]
	res.Summary = summarize(cfg, bars, res.Trades, res.Equity, l.cash+l.qty*last.Close, l.qty)
	return res, nil
}

func tradeRecord(bar model.Bar, c strategy.Classification, l ledger, value, pnl float64) model.BacktestTrade {
	return model.BacktestTrade{
		TS:         bar.TS,
		Kind:       c.Kind,
		Price:      bar.Close,
		Quantity:   l.qty,
		TotalValue: value,
		CashAfter:  l.cash,
		ProfitLoss: pnl,
		EMAShort:   c.Point.EMAShort,
		EMALong:    c.Point.EMALong,
		RSI:        c.Point.RSI,
		Confidence: c.Confidence,
	}
}
