package strategy

import (
	"fmt"
	"time"

	"emarsi-trader/internal/indicator"
	"emarsi-trader/internal/model"
	"emarsi-trader/internal/ringbuf"
)

// InsufficientRationale is the rationale attached to warm-up Holds.
const InsufficientRationale = "HOLD: insufficient data"

// EmaRsi is one stateful strategy instance: validated parameters, a bounded
// price history, and an indicator engine. It is not safe for concurrent use;
// the Registry serializes access per key.
type EmaRsi struct {
	params  Params
	history *ringbuf.History
	engine  *indicator.Engine
}

// New validates params and returns a strategy with an empty history.
func New(p Params) (*EmaRsi, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &EmaRsi{
		params:  p,
		history: ringbuf.New(p.HistoryCap()),
		engine:  indicator.NewEngine(p.EMAShortPeriod, p.EMALongPeriod, p.RSIPeriod),
	}, nil
}

// Name implements Strategy.
func (s *EmaRsi) Name() string {
	return fmt.Sprintf("ema_rsi_%d_%d_%d", s.params.EMAShortPeriod, s.params.EMALongPeriod, s.params.RSIPeriod)
}

// Params returns the strategy parameters.
func (s *EmaRsi) Params() Params { return s.params }

// AddPrices appends prices to the history, evicting the oldest on overflow.
func (s *EmaRsi) AddPrices(prices ...float64) {
	s.history.Push(prices...)
}

// HistoryLen returns the number of retained prices.
func (s *EmaRsi) HistoryLen() int { return s.history.Len() }

// HistoryCap returns the history capacity, max(long, rsi) * 3.
func (s *EmaRsi) HistoryCap() int { return s.history.Cap() }

// Evicted returns how many prices have been dropped from the history.
func (s *EmaRsi) Evicted() uint64 { return s.history.Evicted() }

// History returns a copy of the retained prices, oldest first.
func (s *EmaRsi) History() []float64 { return s.history.Snapshot() }

// GenerateSignal appends price to the history and classifies the latest bar.
// Until the history holds WarmupBars prices it returns an Insufficient Hold
// with zero confidence and no indicator values.
func (s *EmaRsi) GenerateSignal(symbol, exchange string, price float64, ts time.Time) model.SignalDecision {
	s.history.Push(price)

	d := model.SignalDecision{
		Symbol:     symbol,
		Exchange:   exchange,
		Price:      price,
		TS:         ts,
		Indicators: model.IndicatorSnapshot{TS: ts},
	}

	if s.history.Len() < s.params.WarmupBars() {
		d.Kind = model.KindHold
		d.Strength = model.StrengthWeak
		d.Rationale = InsufficientRationale
		d.Insufficient = true
		return d
	}

	c := Classify(s.params, s.engine.Compute(s.history.Snapshot()))
	d.Kind = c.Kind
	d.Strength = c.Strength
	d.Confidence = c.Confidence
	d.Rationale = c.Rationale
	d.Indicators.EMAShort = model.Float(c.Point.EMAShort)
	d.Indicators.EMALong = model.Float(c.Point.EMALong)
	d.Indicators.RSI = model.Float(c.Point.RSI)
	return d
}

// OnBar implements Strategy using the bar close as the price.
func (s *EmaRsi) OnBar(bar model.Bar) *model.SignalDecision {
	d := s.GenerateSignal(bar.Pair, bar.Exchange, bar.Close, bar.TS)
	return &d
}

// WarmupBars returns the history length required before classification.
func (s *EmaRsi) WarmupBars() int { return s.params.WarmupBars() }
