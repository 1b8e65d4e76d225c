package strategy

import (
	"fmt"
	"math"
	"strings"

	"emarsi-trader/internal/indicator"
	"emarsi-trader/internal/model"
)

// Confidence contributions.
const (
	crossoverBonus   = 25.0
	primaryBase      = 40.0
	secondaryBase    = 20.0
	holdConfidence   = 30.0
	maxSeparationPts = 20.0
	maxExtremityPts  = 15.0
)

// Crossover identifies an EMA cross between the previous and current bar.
type Crossover string

const (
	CrossNone   Crossover = ""
	CrossGolden Crossover = "GOLDEN"
	CrossDeath  Crossover = "DEATH"
)

// Classification is the classifier verdict for one bar.
type Classification struct {
	Kind       model.SignalKind
	Strength   model.Strength
	Confidence float64
	Crossover  Crossover
	Rationale  string
	Point      indicator.Point
}

// Classify evaluates the reading at the last index of s. s must contain only
// data available at that bar; the crossover check looks at index len-2.
//
// Rule precedence: primary Buy, primary Sell, secondary Buy, secondary Sell,
// Hold. The crossover bonus is added on top of the matched Buy/Sell rule.
// Hold always reports a fixed confidence. Confidence is clamped to [0,100]
// as the last step.
func Classify(p Params, s indicator.Series) Classification {
	cur, ok := s.Last()
	if !ok {
		return Classification{
			Kind:      model.KindHold,
			Strength:  model.StrengthWeak,
			Rationale: "HOLD: no indicator data",
		}
	}

	confidence := 0.0
	var parts []string

	cross := detectCrossover(s)
	switch cross {
	case CrossGolden:
		confidence += crossoverBonus
		parts = append(parts, "EMA Golden Cross")
	case CrossDeath:
		confidence += crossoverBonus
		parts = append(parts, "EMA Death Cross")
	}

	bullish := cur.EMAShort > cur.EMALong
	bearish := cur.EMAShort < cur.EMALong

	var kind model.SignalKind
	switch {
	case bullish && cur.RSI < p.Oversold:
		kind = model.KindBuy
		confidence += primaryBase + separationPoints(cur) + oversoldPoints(p, cur.RSI)
		parts = append(parts,
			fmt.Sprintf("EMA Bullish (%.2f > %.2f)", cur.EMAShort, cur.EMALong),
			fmt.Sprintf("RSI Oversold (%.1f)", cur.RSI))

	case bearish && cur.RSI > p.Overbought:
		kind = model.KindSell
		confidence += primaryBase + separationPoints(cur) + overboughtPoints(p, cur.RSI)
		parts = append(parts,
			fmt.Sprintf("EMA Bearish (%.2f < %.2f)", cur.EMAShort, cur.EMALong),
			fmt.Sprintf("RSI Overbought (%.1f)", cur.RSI))

	case bullish && cur.RSI < indicator.Neutral:
		kind = model.KindBuy
		confidence += secondaryBase
		parts = append(parts,
			fmt.Sprintf("EMA Bullish (%.2f > %.2f)", cur.EMAShort, cur.EMALong),
			fmt.Sprintf("RSI Neutral-Low (%.1f)", cur.RSI))

	case bearish && cur.RSI > indicator.Neutral:
		kind = model.KindSell
		confidence += secondaryBase
		parts = append(parts,
			fmt.Sprintf("EMA Bearish (%.2f < %.2f)", cur.EMAShort, cur.EMALong),
			fmt.Sprintf("RSI Neutral-High (%.1f)", cur.RSI))

	default:
		kind = model.KindHold
		confidence = holdConfidence
		parts = append(parts,
			fmt.Sprintf("Mixed Signals - EMA: %.2f/%.2f, RSI: %.1f", cur.EMAShort, cur.EMALong, cur.RSI))
	}

	confidence = clampConfidence(confidence)
	return Classification{
		Kind:       kind,
		Strength:   model.StrengthFor(confidence),
		Confidence: confidence,
		Crossover:  cross,
		Rationale:  strings.Join(parts, " + "),
		Point:      cur,
	}
}

func detectCrossover(s indicator.Series) Crossover {
	n := s.Len()
	if n < 2 {
		return CrossNone
	}
	prev, cur := s.At(n-2), s.At(n-1)
	switch {
	case prev.EMAShort <= prev.EMALong && cur.EMAShort > cur.EMALong:
		return CrossGolden
	case prev.EMAShort >= prev.EMALong && cur.EMAShort < cur.EMALong:
		return CrossDeath
	}
	return CrossNone
}

// separationPoints rewards EMA separation: 2 points per percent, capped.
func separationPoints(pt indicator.Point) float64 {
	if pt.EMALong <= 0 {
		return 0
	}
	pct := math.Abs(pt.EMAShort-pt.EMALong) / pt.EMALong * 100
	return math.Min(pct*2, maxSeparationPts)
}

// oversoldPoints rewards how far RSI sits below the oversold threshold.
func oversoldPoints(p Params, rsi float64) float64 {
	if p.Oversold <= 0 {
		return 0
	}
	return math.Min((p.Oversold-rsi)/p.Oversold*100, maxExtremityPts)
}

// overboughtPoints rewards how far RSI sits above the overbought threshold,
// relative to the remaining headroom to 100.
func overboughtPoints(p Params, rsi float64) float64 {
	headroom := 100 - p.Overbought
	if headroom <= 0 {
		return 0
	}
	return math.Min((rsi-p.Overbought)/headroom*100, maxExtremityPts)
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
