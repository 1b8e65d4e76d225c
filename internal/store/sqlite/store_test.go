package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"emarsi-trader/internal/backtest"
	"emarsi-trader/internal/model"
	"emarsi-trader/internal/strategy"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func openTemp(t *testing.T) (*Writer, *Reader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	w, err := New(WriterConfig{DBPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return w, r
}

func hourly(exchange, pair string, closes ...float64) []model.Bar {
	out := make([]model.Bar, len(closes))
	for i, c := range closes {
		out[i] = model.Bar{Exchange: exchange, Pair: pair, TS: t0.Add(time.Duration(i) * time.Hour),
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 10}
	}
	return out
}

func TestBars_RoundTrip(t *testing.T) {
	w, r := openTemp(t)
	ctx := context.Background()

	if err := w.InsertBars(hourly("nobitex", "BTC/USDT", 100, 101, 102, 103)); err != nil {
		t.Fatalf("InsertBars: %v", err)
	}
	if err := w.InsertBars(hourly("wallex", "BTC/USDT", 50)); err != nil {
		t.Fatalf("InsertBars: %v", err)
	}
	// Upsert replaces the existing row.
	if err := w.InsertBars(hourly("nobitex", "BTC/USDT", 200)); err != nil {
		t.Fatalf("InsertBars: %v", err)
	}

	bars, err := r.ReadBars(ctx, "nobitex", "BTC/USDT", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(bars) != 4 {
		t.Fatalf("bars: got %d, want 4", len(bars))
	}
	if bars[0].Close != 200 || bars[3].Close != 103 || !bars[1].TS.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected bars: %+v", bars)
	}

	ranged, err := r.ReadBars(ctx, "nobitex", "BTC/USDT", t0.Add(time.Hour), t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ReadBars range: %v", err)
	}
	if len(ranged) != 2 {
		t.Fatalf("ranged bars: got %d, want 2", len(ranged))
	}

	closes, err := r.RecentCloses(ctx, "nobitex", "BTC/USDT", 2)
	if err != nil {
		t.Fatalf("RecentCloses: %v", err)
	}
	if len(closes) != 2 || closes[0] != 102 || closes[1] != 103 {
		t.Fatalf("recent closes: %v", closes)
	}

	last, err := w.LastBarTS("nobitex", "BTC/USDT")
	if err != nil || !last.Equal(t0.Add(3*time.Hour)) {
		t.Fatalf("LastBarTS: %v %v", last, err)
	}
	none, err := w.LastBarTS("nobitex", "ETH/USDT")
	if err != nil || !none.IsZero() {
		t.Fatalf("LastBarTS empty: %v %v", none, err)
	}

	all, err := r.ReadAllBars(ctx, 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("ReadAllBars: %d %v", len(all), err)
	}
}

func TestBars_RunFlushesOnClose(t *testing.T) {
	w, r := openTemp(t)
	ch := make(chan model.Bar, 10)
	for _, b := range hourly("nobitex", "ETH/USDT", 1, 2, 3) {
		ch <- b
	}
	close(ch)
	w.Run(context.Background(), ch)

	bars, err := r.ReadBars(context.Background(), "nobitex", "ETH/USDT", time.Time{}, time.Time{})
	if err != nil || len(bars) != 3 {
		t.Fatalf("expected 3 bars after flush, got %d (%v)", len(bars), err)
	}
}

func TestSignals_Journal(t *testing.T) {
	w, r := openTemp(t)
	ctx := context.Background()

	warm := model.SignalDecision{Symbol: "BTC/USDT", Exchange: "nobitex", Kind: model.KindHold,
		Strength: model.StrengthWeak, Price: 100, Rationale: strategy.InsufficientRationale, Insufficient: true, TS: t0}
	full := model.SignalDecision{Symbol: "BTC/USDT", Exchange: "nobitex", Kind: model.KindBuy,
		Strength: model.StrengthStrong, Confidence: 84, Price: 101, Rationale: "EMA Golden Cross", TS: t0.Add(time.Hour),
		Indicators: model.IndicatorSnapshot{EMAShort: model.Float(101), EMALong: model.Float(100), RSI: model.Float(25)}}

	for _, d := range []model.SignalDecision{warm, full} {
		if err := w.RecordSignal(ctx, "u1", d); err != nil {
			t.Fatalf("RecordSignal: %v", err)
		}
	}

	got, err := r.RecentSignals(ctx, "u1", "nobitex", "BTC/USDT", 10)
	if err != nil {
		t.Fatalf("RecentSignals: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("signals: got %d, want 2", len(got))
	}
	if got[0].Kind != model.KindBuy || got[0].Confidence != 84 || got[0].Indicators.RSI == nil || *got[0].Indicators.RSI != 25 {
		t.Fatalf("newest signal mismatch: %+v", got[0])
	}
	if !got[1].Insufficient || got[1].Indicators.EMAShort != nil {
		t.Fatalf("warm-up signal mismatch: %+v", got[1])
	}

	other, err := r.RecentSignals(ctx, "u2", "nobitex", "BTC/USDT", 10)
	if err != nil || len(other) != 0 {
		t.Fatalf("signals leaked across users: %d %v", len(other), err)
	}
}

func TestBacktest_Persist(t *testing.T) {
	w, r := openTemp(t)
	ctx := context.Background()

	res := &model.BacktestResult{
		RunID: "run-abc",
		Summary: model.BacktestSummary{
			InitialBalance: 1000, FinalBalance: 1010, TotalTrades: 2, WinRate: 100,
		},
		Trades: []model.BacktestTrade{
			{TS: t0, Kind: model.KindBuy, Price: 100, Quantity: 1, TotalValue: 100, CashAfter: 900},
			{TS: t0.Add(time.Hour), Kind: model.KindSell, Price: 110, Quantity: 1, TotalValue: 110, CashAfter: 1010, ProfitLoss: 10},
		},
	}
	if err := w.SaveBacktest(ctx, "nobitex", "BTC/USDT", strategy.DefaultParams(), backtest.DefaultConfig(), res); err != nil {
		t.Fatalf("SaveBacktest: %v", err)
	}

	sum, err := r.ReadBacktestSummary(ctx, "run-abc")
	if err != nil || sum == nil {
		t.Fatalf("ReadBacktestSummary: %v %v", sum, err)
	}
	if sum.FinalBalance != 1010 || sum.TotalTrades != 2 {
		t.Fatalf("summary mismatch: %+v", sum)
	}
	n, err := r.CountBacktestTrades(ctx, "run-abc")
	if err != nil || n != 2 {
		t.Fatalf("trades: %d %v", n, err)
	}

	missing, err := r.ReadBacktestSummary(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("missing run: %v %v", missing, err)
	}

	if err := w.SaveBacktest(ctx, "nobitex", "BTC/USDT", strategy.DefaultParams(), backtest.DefaultConfig(), res); err == nil {
		t.Fatal("duplicate run id should fail")
	}
}
