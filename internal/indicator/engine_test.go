package indicator

import (
	"math"
	"math/rand"
	"testing"
)

func randomWalk(r *rand.Rand, n int) []float64 {
	out := make([]float64, n)
	p := 100.0
	for i := range out {
		p += r.NormFloat64() * 2
		if p < 1 {
			p = 1
		}
		out[i] = p
	}
	return out
}

func TestEngine_ComputeAligned(t *testing.T) {
	e := NewEngine(12, 26, 14)
	prices := linear(100, 0.5, 60)
	s := e.Compute(prices)

	if s.Len() != len(prices) || len(s.EMALong) != len(prices) || len(s.RSI) != len(prices) {
		t.Fatalf("series not aligned: ema_short=%d ema_long=%d rsi=%d prices=%d",
			len(s.EMAShort), len(s.EMALong), len(s.RSI), len(prices))
	}

	last, ok := s.Last()
	if !ok {
		t.Fatal("expected a last point")
	}
	if last.EMAShort <= last.EMALong {
		t.Errorf("uptrend: short EMA should lead long EMA, got %.4f <= %.4f", last.EMAShort, last.EMALong)
	}
}

func TestEngine_ConstantPrices(t *testing.T) {
	s := NewEngine(12, 26, 14).Compute(linear(100, 0, 50))
	last, _ := s.Last()
	assertClose(t, "EMA short", last.EMAShort, 100, 1e-9)
	assertClose(t, "EMA long", last.EMALong, 100, 1e-9)
	assertClose(t, "RSI", last.RSI, 50, 1e-9)
}

func TestSeries_Prefix(t *testing.T) {
	s := NewEngine(5, 10, 5).Compute(linear(1, 1, 20))
	p := s.Prefix(7)
	if p.Len() != 7 {
		t.Fatalf("expected prefix len 7, got %d", p.Len())
	}
	if p.At(6) != s.At(6) {
		t.Fatalf("prefix point differs from full series")
	}
	if s.Prefix(100).Len() != 20 {
		t.Fatal("oversized prefix should clamp to series length")
	}
}

func TestSeries_EmptyLast(t *testing.T) {
	if _, ok := NewEngine(5, 10, 5).Compute(nil).Last(); ok {
		t.Fatal("expected no last point on empty series")
	}
}

// ────────────────────────────────────────────────────────────
// Properties over random walks
// ────────────────────────────────────────────────────────────

func TestEMA_BoundedByRunningMinMax(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		prices := randomWalk(r, 1+r.Intn(150))
		period := 1 + r.Intn(60)
		ema := EMASeries(prices, period)

		lo, hi := math.Inf(1), math.Inf(-1)
		for i, p := range prices {
			lo = math.Min(lo, p)
			hi = math.Max(hi, p)
			if ema[i] < lo-1e-9 || ema[i] > hi+1e-9 {
				t.Fatalf("trial %d: EMA[%d]=%.6f outside [%.6f, %.6f]", trial, i, ema[i], lo, hi)
			}
		}
		if ema[0] != prices[0] {
			t.Fatalf("trial %d: EMA[0]=%v, want %v", trial, ema[0], prices[0])
		}
	}
}

func TestRSI_AlwaysInRange(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for trial := 0; trial < 200; trial++ {
		prices := randomWalk(r, r.Intn(200))
		period := 1 + r.Intn(30)
		for i, v := range RSISeries(prices, period) {
			if math.IsNaN(v) || v < 0 || v > 100 {
				t.Fatalf("trial %d: RSI[%d]=%v out of range", trial, i, v)
			}
		}
	}
}

func TestSeries_NoLookAhead(t *testing.T) {
	// Values at index i depend only on prices[0..i] once the full input has
	// at least period+1 points.
	r := rand.New(rand.NewSource(3))
	prices := randomWalk(r, 120)
	e := NewEngine(12, 26, 14)
	full := e.Compute(prices)

	for i := 26; i < len(prices); i += 7 {
		prefix := e.Compute(prices[:i+1])
		last, _ := prefix.Last()
		want := full.At(i)
		assertClose(t, "EMA short", last.EMAShort, want.EMAShort, 1e-9)
		assertClose(t, "EMA long", last.EMALong, want.EMALong, 1e-9)
		assertClose(t, "RSI", last.RSI, want.RSI, 1e-9)
	}
}
