package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"emarsi-trader/internal/model"
)

type recorder struct {
	alerts []Alert
	err    error
}

func (r *recorder) Send(_ context.Context, a Alert) error {
	r.alerts = append(r.alerts, a)
	return r.err
}

func strongBuy() model.SignalDecision {
	return model.SignalDecision{
		Symbol: "BTC/USDT", Exchange: "nobitex", Kind: model.KindBuy,
		Strength: model.StrengthStrong, Confidence: 84, Price: 64000,
		Rationale: "EMA Golden Cross + EMA Bullish (101.00 > 100.00) + RSI Oversold (21.0)",
	}
}

func TestDispatcher_Filters(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, model.StrengthModerate)
	ctx := context.Background()

	weak := strongBuy()
	weak.Strength = model.StrengthWeak
	hold := strongBuy()
	hold.Kind = model.KindHold
	warm := strongBuy()
	warm.Insufficient = true

	for _, dec := range []model.SignalDecision{weak, hold, warm} {
		if sent, _ := d.Notify(ctx, "u1", dec); sent {
			t.Fatalf("decision should be filtered: %+v", dec)
		}
	}

	if sent, err := d.Notify(ctx, "u1", strongBuy()); !sent || err != nil {
		t.Fatalf("strong buy should be sent: sent=%v err=%v", sent, err)
	}
	if sent, _ := d.Notify(ctx, "u1", strongBuy()); sent {
		t.Fatal("repeated BUY for the same key should be suppressed")
	}
	if sent, _ := d.Notify(ctx, "u2", strongBuy()); !sent {
		t.Fatal("another user should still be alerted")
	}

	sell := strongBuy()
	sell.Kind = model.KindSell
	if sent, _ := d.Notify(ctx, "u1", sell); !sent {
		t.Fatal("kind change should be alerted")
	}
	if len(rec.alerts) != 3 {
		t.Fatalf("alerts: got %d, want 3", len(rec.alerts))
	}
	if rec.alerts[0].Level != AlertWarning || !strings.Contains(rec.alerts[0].Title, "STRONG BUY BTC/USDT") {
		t.Errorf("unexpected alert %+v", rec.alerts[0])
	}
}

func TestDispatcher_ReportsErrors(t *testing.T) {
	boom := errors.New("boom")
	var results []error
	d := NewDispatcher(&recorder{err: boom}, model.StrengthWeak)
	d.OnResult = func(err error) { results = append(results, err) }

	sent, err := d.Notify(context.Background(), "u1", strongBuy())
	if !sent || !errors.Is(err, boom) {
		t.Fatalf("expected delivery error, got sent=%v err=%v", sent, err)
	}
	if len(results) != 1 || !errors.Is(results[0], boom) {
		t.Fatalf("OnResult not called with error: %v", results)
	}
}

func TestDispatcher_FailedDeliveryIsRetried(t *testing.T) {
	rec := &recorder{err: errors.New("down")}
	d := NewDispatcher(rec, model.StrengthWeak)
	ctx := context.Background()

	if sent, err := d.Notify(ctx, "u1", strongBuy()); !sent || err == nil {
		t.Fatalf("first attempt: sent=%v err=%v", sent, err)
	}
	rec.err = nil
	if sent, err := d.Notify(ctx, "u1", strongBuy()); !sent || err != nil {
		t.Fatalf("undelivered BUY must not suppress the next one: sent=%v err=%v", sent, err)
	}
	if sent, _ := d.Notify(ctx, "u1", strongBuy()); sent {
		t.Fatal("delivered BUY should now suppress repeats")
	}

	// A failed SELL leaves the delivered BUY as the last kind.
	sell := strongBuy()
	sell.Kind = model.KindSell
	rec.err = errors.New("down")
	d.Notify(ctx, "u1", sell)
	rec.err = nil
	if sent, _ := d.Notify(ctx, "u1", strongBuy()); sent {
		t.Fatal("BUY repeat after failed SELL should still be suppressed")
	}
	if sent, _ := d.Notify(ctx, "u1", sell); !sent {
		t.Fatal("SELL should be retried")
	}
	if len(rec.alerts) != 4 {
		t.Fatalf("send attempts: got %d, want 4", len(rec.alerts))
	}
}

func TestDispatcher_Prune(t *testing.T) {
	d := NewDispatcher(&recorder{}, model.StrengthWeak)
	ctx := context.Background()
	d.Notify(ctx, "u1", strongBuy())
	d.Notify(ctx, "u2", strongBuy())

	n := d.Prune(func(key string) bool { return key == "u2:nobitex:BTC/USDT" })
	if n != 1 {
		t.Fatalf("pruned %d keys, want 1", n)
	}
	if sent, _ := d.Notify(ctx, "u1", strongBuy()); !sent {
		t.Error("pruned key should alert again")
	}
	if sent, _ := d.Notify(ctx, "u2", strongBuy()); sent {
		t.Error("kept key should still suppress repeats")
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	a, b := &recorder{}, &recorder{err: errors.New("down")}
	err := Multi{a, b, NewLogNotifier(nil)}.Send(context.Background(), AlertFromDecision("u1", strongBuy()))
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(a.alerts) != 1 || len(b.alerts) != 1 {
		t.Fatal("every notifier should receive the alert")
	}
}

func TestWebhookNotifier_Send(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, "").Send(context.Background(), AlertFromDecision("u1", strongBuy())); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["level"] != "WARNING" || got["user_id"] != "u1" || got["ts"] == "" {
		t.Fatalf("unexpected payload %v", got)
	}
	sig, ok := got["signal"].(map[string]any)
	if !ok || sig["kind"] != "BUY" {
		t.Fatalf("signal missing from payload: %v", got["signal"])
	}
}

func TestWebhookNotifier_Non2xxRetriesThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "")
	n.backoff = time.Millisecond
	if err := n.Send(context.Background(), Alert{Title: "x"}); err == nil {
		t.Fatal("expected error on 502")
	}
	if got := atomic.LoadInt32(&calls); got != maxAttempts {
		t.Errorf("attempts = %d, want %d", got, maxAttempts)
	}
}

func TestWebhookNotifier_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "")
	n.backoff = time.Millisecond
	err := n.Send(context.Background(), Alert{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "bad payload") {
		t.Fatalf("expected 400 with body, got %v", err)
	}
	if calls := atomic.LoadInt32(&calls); calls != 1 {
		t.Errorf("4xx should not be retried, got %d calls", calls)
	}
}

func TestWebhookNotifier_RecoversAfterRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "")
	n.backoff = time.Millisecond
	if err := n.Send(context.Background(), Alert{Title: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls := atomic.LoadInt32(&calls); calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestWebhookNotifier_SignsBody(t *testing.T) {
	var sig string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(SignatureHeader)
		body, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL, "s3cret").Send(context.Background(), Alert{Title: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sig == "" || sig != Sign([]byte("s3cret"), body) {
		t.Errorf("signature %q does not match body", sig)
	}
}

func TestTelegramNotifier_Send(t *testing.T) {
	var path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	tn := NewTelegramNotifier("TOKEN", "42")
	tn.baseURL = srv.URL
	if err := tn.Send(context.Background(), AlertFromDecision("u1", strongBuy())); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Errorf("path: %s", path)
	}
	if body["chat_id"] != "42" || body["parse_mode"] != "MarkdownV2" {
		t.Errorf("unexpected body %v", body)
	}
	text, _ := body["text"].(string)
	if !strings.Contains(text, `BTC/USDT on nobitex`) || !strings.Contains(text, `\+`) {
		t.Errorf("text not escaped as expected: %q", text)
	}
	if !strings.Contains(text, "Confidence: `84\\.0`") {
		t.Errorf("confidence line missing: %q", text)
	}
}

func TestTelegramNotifier_APIErrorDescription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	tn := NewTelegramNotifier("TOKEN", "42")
	tn.baseURL = srv.URL
	err := tn.Send(context.Background(), Alert{Title: "x", Message: "y"})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected API description in error, got %v", err)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := escapeMarkdown("a.b-c(1)\\"); got != `a\.b\-c\(1\)\\` {
		t.Errorf("escapeMarkdown: %q", got)
	}
}
