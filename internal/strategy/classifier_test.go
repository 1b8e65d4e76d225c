package strategy

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"emarsi-trader/internal/indicator"
	"emarsi-trader/internal/model"
)

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (diff %.2e)", label, got, want, math.Abs(got-want))
	}
}

func seriesOf(points ...indicator.Point) indicator.Series {
	var s indicator.Series
	for _, p := range points {
		s.EMAShort = append(s.EMAShort, p.EMAShort)
		s.EMALong = append(s.EMALong, p.EMALong)
		s.RSI = append(s.RSI, p.RSI)
	}
	return s
}

func pt(short, long, rsi float64) indicator.Point {
	return indicator.Point{EMAShort: short, EMALong: long, RSI: rsi}
}

// ────────────────────────────────────────────────────────────
// Rule table
// ────────────────────────────────────────────────────────────

func TestClassify_Rules(t *testing.T) {
	p := DefaultParams()

	tests := []struct {
		name       string
		series     indicator.Series
		kind       model.SignalKind
		strength   model.Strength
		confidence float64
		rationale  string
	}{
		{
			name:       "primary buy",
			series:     seriesOf(pt(101, 100, 25), pt(102, 100, 20)),
			kind:       model.KindBuy,
			strength:   model.StrengthWeak,
			confidence: 40 + 4 + 15,
			rationale:  "EMA Bullish (102.00 > 100.00) + RSI Oversold (20.0)",
		},
		{
			name:       "primary buy with golden cross",
			series:     seriesOf(pt(99, 100, 40), pt(102, 100, 20)),
			kind:       model.KindBuy,
			strength:   model.StrengthStrong,
			confidence: 25 + 40 + 4 + 15,
			rationale:  "EMA Golden Cross + EMA Bullish (102.00 > 100.00) + RSI Oversold (20.0)",
		},
		{
			name:       "primary sell",
			series:     seriesOf(pt(95, 100, 85)),
			kind:       model.KindSell,
			strength:   model.StrengthModerate,
			confidence: 40 + 10 + 15,
			rationale:  "EMA Bearish (95.00 < 100.00) + RSI Overbought (85.0)",
		},
		{
			name:       "secondary buy",
			series:     seriesOf(pt(101, 100, 45)),
			kind:       model.KindBuy,
			strength:   model.StrengthWeak,
			confidence: 20,
			rationale:  "EMA Bullish (101.00 > 100.00) + RSI Neutral-Low (45.0)",
		},
		{
			name:       "secondary sell",
			series:     seriesOf(pt(99, 100, 55)),
			kind:       model.KindSell,
			strength:   model.StrengthWeak,
			confidence: 20,
			rationale:  "EMA Bearish (99.00 < 100.00) + RSI Neutral-High (55.0)",
		},
		{
			name:       "secondary sell with death cross",
			series:     seriesOf(pt(101, 100, 60), pt(99, 100, 60)),
			kind:       model.KindSell,
			strength:   model.StrengthWeak,
			confidence: 25 + 20,
			rationale:  "EMA Death Cross + EMA Bearish (99.00 < 100.00) + RSI Neutral-High (60.0)",
		},
		{
			name:       "hold on equal EMAs",
			series:     seriesOf(pt(100, 100, 50)),
			kind:       model.KindHold,
			strength:   model.StrengthWeak,
			confidence: 30,
			rationale:  "Mixed Signals - EMA: 100.00/100.00, RSI: 50.0",
		},
		{
			name:       "hold keeps fixed confidence after a cross",
			series:     seriesOf(pt(99, 100, 60), pt(101, 100, 60)),
			kind:       model.KindHold,
			strength:   model.StrengthWeak,
			confidence: 30,
			rationale:  "EMA Golden Cross + Mixed Signals - EMA: 101.00/100.00, RSI: 60.0",
		},
		{
			name:       "bullish but overbought is hold",
			series:     seriesOf(pt(105, 100, 80)),
			kind:       model.KindHold,
			strength:   model.StrengthWeak,
			confidence: 30,
			rationale:  "Mixed Signals - EMA: 105.00/100.00, RSI: 80.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(p, tt.series)
			if c.Kind != tt.kind {
				t.Errorf("kind: got %s, want %s", c.Kind, tt.kind)
			}
			if c.Strength != tt.strength {
				t.Errorf("strength: got %s, want %s", c.Strength, tt.strength)
			}
			assertClose(t, "confidence", c.Confidence, tt.confidence, 1e-9)
			if c.Rationale != tt.rationale {
				t.Errorf("rationale:\n got  %q\n want %q", c.Rationale, tt.rationale)
			}
		})
	}
}

func TestClassify_SellExtremityUsesHeadroom(t *testing.T) {
	// (73-70)/(100-70)*100 = 10 points; separation 1% => 2 points.
	c := Classify(DefaultParams(), seriesOf(pt(99, 100, 73)))
	if c.Kind != model.KindSell {
		t.Fatalf("expected SELL, got %s", c.Kind)
	}
	assertClose(t, "confidence", c.Confidence, 40+2+10, 1e-9)
}

func TestClassify_SeparationCapped(t *testing.T) {
	c := Classify(DefaultParams(), seriesOf(pt(130, 100, 29)))
	// 30% separation caps at 20; (30-29)/30*100 = 3.33 extremity.
	assertClose(t, "confidence", c.Confidence, 40+20+100.0/30, 1e-9)
}

func TestClassify_MaximumIsClamped(t *testing.T) {
	c := Classify(DefaultParams(), seriesOf(pt(90, 100, 10), pt(130, 100, 0)))
	if c.Crossover != CrossGolden {
		t.Fatalf("expected golden cross, got %q", c.Crossover)
	}
	assertClose(t, "confidence", c.Confidence, 100, 1e-9)
	if c.Strength != model.StrengthStrong {
		t.Errorf("expected STRONG, got %s", c.Strength)
	}
}

func TestClassify_ZeroLongEMANoSeparation(t *testing.T) {
	c := Classify(DefaultParams(), seriesOf(pt(-1, -2, 20)))
	if c.Kind != model.KindBuy {
		t.Fatalf("expected BUY, got %s", c.Kind)
	}
	assertClose(t, "confidence", c.Confidence, 40+0+15, 1e-9)
}

func TestClassify_EmptySeries(t *testing.T) {
	c := Classify(DefaultParams(), indicator.Series{})
	if c.Kind != model.KindHold || c.Confidence != 0 {
		t.Fatalf("expected zero-confidence HOLD, got %s/%.1f", c.Kind, c.Confidence)
	}
}

func TestClassify_CrossNeedsPreviousBar(t *testing.T) {
	c := Classify(DefaultParams(), seriesOf(pt(102, 100, 20)))
	if c.Crossover != CrossNone {
		t.Fatalf("single bar cannot cross, got %q", c.Crossover)
	}
	if strings.Contains(c.Rationale, "Cross") {
		t.Errorf("rationale mentions a cross: %q", c.Rationale)
	}
}

// ────────────────────────────────────────────────────────────
// Properties
// ────────────────────────────────────────────────────────────

func TestClassify_ConfidenceAlwaysInRange(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	p := DefaultParams()
	eng := indicator.NewEngine(p.EMAShortPeriod, p.EMALongPeriod, p.RSIPeriod)

	for trial := 0; trial < 50; trial++ {
		prices := make([]float64, 120)
		v := 50 + r.Float64()*100
		for i := range prices {
			v *= 1 + r.NormFloat64()*0.04
			prices[i] = v
		}
		s := eng.Compute(prices)
		for i := 1; i <= s.Len(); i++ {
			c := Classify(p, s.Prefix(i))
			if c.Confidence < 0 || c.Confidence > 100 || math.IsNaN(c.Confidence) {
				t.Fatalf("trial %d bar %d: confidence %.4f out of range", trial, i-1, c.Confidence)
			}
			if c.Strength != model.StrengthFor(c.Confidence) {
				t.Fatalf("trial %d bar %d: strength %s inconsistent with %.2f", trial, i-1, c.Strength, c.Confidence)
			}
			if c.Kind == model.KindHold && c.Confidence != 30 {
				t.Fatalf("trial %d bar %d: HOLD confidence %.2f, want 30", trial, i-1, c.Confidence)
			}
		}
	}
}
