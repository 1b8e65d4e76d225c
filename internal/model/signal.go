package model

import "time"

// SignalKind is the trade decision emitted by the classifier.
type SignalKind string

const (
	KindBuy  SignalKind = "BUY"
	KindSell SignalKind = "SELL"
	KindHold SignalKind = "HOLD"
)

// Strength grades a decision by its confidence.
type Strength string

const (
	StrengthWeak     Strength = "WEAK"
	StrengthModerate Strength = "MODERATE"
	StrengthStrong   Strength = "STRONG"
)

// StrengthFor maps a clamped confidence in [0,100] to a Strength.
func StrengthFor(confidence float64) Strength {
	switch {
	case confidence >= 80:
		return StrengthStrong
	case confidence >= 60:
		return StrengthModerate
	default:
		return StrengthWeak
	}
}

// IndicatorSnapshot holds the latest indicator values behind a decision.
// Nil fields mean there was not enough history yet.
type IndicatorSnapshot struct {
	EMAShort *float64  `json:"ema_short"`
	EMALong  *float64  `json:"ema_long"`
	RSI      *float64  `json:"rsi"`
	TS       time.Time `json:"timestamp"`
}

// SignalDecision is the output of one signal request.
type SignalDecision struct {
	Symbol     string            `json:"symbol"`
	Exchange   string            `json:"exchange"`
	Kind       SignalKind        `json:"kind"`
	Strength   Strength          `json:"strength"`
	Confidence float64           `json:"confidence"` // always in [0,100]
	Price      float64           `json:"price"`
	Indicators IndicatorSnapshot `json:"indicators"`
	Rationale  string            `json:"rationale"`

	// Insufficient marks the warm-up Hold, as opposed to a genuine Hold verdict.
	Insufficient bool      `json:"insufficient_history,omitempty"`
	TS           time.Time `json:"timestamp"`
}

// Key returns "exchange:symbol" for channel and cache naming.
func (d *SignalDecision) Key() string {
	return d.Exchange + ":" + d.Symbol
}

// Float returns a pointer to v, for populating IndicatorSnapshot fields.
func Float(v float64) *float64 {
	return &v
}
