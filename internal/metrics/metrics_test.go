package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"emarsi-trader/internal/model"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestMetrics_ObserveDecision(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.ObserveDecision(model.SignalDecision{Kind: model.KindBuy, Strength: model.StrengthStrong}, time.Millisecond)
	m.ObserveDecision(model.SignalDecision{Kind: model.KindHold, Strength: model.StrengthWeak, Insufficient: true}, time.Millisecond)

	if v := gatherValue(t, reg, "emarsi_signals_total"); v != 2 {
		t.Errorf("signals_total: got %v, want 2", v)
	}
	if v := gatherValue(t, reg, "emarsi_signals_insufficient_total"); v != 1 {
		t.Errorf("insufficient_total: got %v, want 1", v)
	}
	if v := gatherValue(t, reg, "emarsi_signal_compute_duration_seconds"); v != 2 {
		t.Errorf("compute histogram samples: got %v, want 2", v)
	}
}

func TestMetrics_BacktestAndBreaker(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.ObserveBacktest(4, time.Second, nil)
	m.ObserveBacktest(0, 0, errors.New("boom"))
	if v := gatherValue(t, reg, "emarsi_backtests_total"); v != 2 {
		t.Errorf("backtests_total: got %v", v)
	}
	if v := gatherValue(t, reg, "emarsi_backtest_trades_total"); v != 4 {
		t.Errorf("trades_total: got %v", v)
	}

	m.BreakerStateChanged(1)
	m.BreakerStateChanged(2)
	if v := gatherValue(t, reg, "emarsi_redis_circuit_breaker_trips_total"); v != 1 {
		t.Errorf("trips: got %v", v)
	}
	if v := gatherValue(t, reg, "emarsi_redis_circuit_breaker_state"); v != 2 {
		t.Errorf("state: got %v", v)
	}
}

// ────────────────────────────────────────────────────────────
// Health
// ────────────────────────────────────────────────────────────

func TestHealth_ServeHTTP(t *testing.T) {
	h := NewHealthStatus()
	h.Register("sqlite", func(context.Context) error { return nil })
	h.SetActiveKeys(3)
	h.CheckAll(context.Background())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var rep Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Status != "healthy" || rep.ActiveKeys != 3 || !rep.Components["sqlite"].OK {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestHealth_DegradedThenUnhealthy(t *testing.T) {
	h := NewHealthStatus()
	sqliteErr := error(nil)
	h.Register("sqlite", func(context.Context) error { return sqliteErr })
	h.Register("redis", func(context.Context) error { return errors.New("connection refused") })
	h.CheckAll(context.Background())

	rep, code := h.Snapshot()
	if code != http.StatusServiceUnavailable || rep.Status != "degraded" {
		t.Fatalf("expected degraded, got %s/%d", rep.Status, code)
	}
	if rep.Components["redis"].Error != "connection refused" {
		t.Errorf("redis error not reported: %+v", rep.Components["redis"])
	}

	sqliteErr = errors.New("disk I/O error")
	h.CheckAll(context.Background())
	if rep, _ := h.Snapshot(); rep.Status != "unhealthy" {
		t.Fatalf("expected unhealthy, got %s", rep.Status)
	}
}

func TestHealth_UncheckedComponentIsNotHealthy(t *testing.T) {
	h := NewHealthStatus()
	h.Register("sqlite", func(context.Context) error { return nil })
	if rep, _ := h.Snapshot(); rep.Status != "unhealthy" {
		t.Fatalf("expected unhealthy before first check, got %s", rep.Status)
	}
}

func TestHealth_FeedStaleness(t *testing.T) {
	h := NewHealthStatus()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	h.Register("sqlite", func(context.Context) error { return nil })
	h.CheckAll(context.Background())
	h.WatchFeed(time.Minute)

	if rep, _ := h.Snapshot(); rep.Status != "degraded" {
		t.Fatalf("no bar yet: expected degraded, got %s", rep.Status)
	}

	h.MarkBar()
	if rep, _ := h.Snapshot(); rep.Status != "healthy" || rep.LastBarAt == "" {
		t.Fatalf("fresh bar: got %+v", rep)
	}

	now = now.Add(2 * time.Minute)
	if rep, _ := h.Snapshot(); rep.Status != "degraded" {
		t.Fatalf("stale bar: expected degraded, got %s", rep.Status)
	}
}
