package strategy

import (
	"errors"
	"fmt"
)

// ErrInvalidParameter is returned when strategy or backtest parameters violate
// their constraints. It is only ever returned at construction time.
var ErrInvalidParameter = errors.New("invalid parameter")

// Params configures the EMA/RSI strategy.
type Params struct {
	EMAShortPeriod int     `json:"ema_short_period" yaml:"ema_short_period"`
	EMALongPeriod  int     `json:"ema_long_period" yaml:"ema_long_period"`
	RSIPeriod      int     `json:"rsi_period" yaml:"rsi_period"`
	Overbought     float64 `json:"rsi_overbought" yaml:"rsi_overbought"`
	Oversold       float64 `json:"rsi_oversold" yaml:"rsi_oversold"`
	MinConfidence  float64 `json:"min_confidence" yaml:"min_confidence"`
}

// DefaultParams returns the 12/26/14 EMA/RSI defaults with 70/30 thresholds.
func DefaultParams() Params {
	return Params{
		EMAShortPeriod: 12,
		EMALongPeriod:  26,
		RSIPeriod:      14,
		Overbought:     70,
		Oversold:       30,
		MinConfidence:  60,
	}
}

// Validate checks period and threshold relationships.
func (p Params) Validate() error {
	switch {
	case p.EMAShortPeriod < 5:
		return invalid("ema_short_period must be >= 5, got %d", p.EMAShortPeriod)
	case p.EMALongPeriod <= p.EMAShortPeriod:
		return invalid("ema_long_period (%d) must be greater than ema_short_period (%d)", p.EMALongPeriod, p.EMAShortPeriod)
	case p.EMALongPeriod > 100:
		return invalid("ema_long_period must be <= 100, got %d", p.EMALongPeriod)
	case p.RSIPeriod < 1:
		return invalid("rsi_period must be positive, got %d", p.RSIPeriod)
	case p.Oversold < 0 || p.Overbought > 100:
		return invalid("rsi thresholds must lie in [0,100], got %.2f/%.2f", p.Oversold, p.Overbought)
	case p.Oversold >= p.Overbought:
		return invalid("rsi_oversold (%.2f) must be below rsi_overbought (%.2f)", p.Oversold, p.Overbought)
	case p.MinConfidence < 0 || p.MinConfidence > 100:
		return invalid("min_confidence must lie in [0,100], got %.2f", p.MinConfidence)
	}
	return nil
}

// WarmupBars is the minimum history length before a signal is evaluated:
// max(long EMA period, RSI period) + 1.
func (p Params) WarmupBars() int {
	return p.maxPeriod() + 1
}

// HistoryCap is the price history capacity: max(long EMA period, RSI period) × 3.
func (p Params) HistoryCap() int {
	return p.maxPeriod() * 3
}

func (p Params) maxPeriod() int {
	if p.RSIPeriod > p.EMALongPeriod {
		return p.RSIPeriod
	}
	return p.EMALongPeriod
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}
