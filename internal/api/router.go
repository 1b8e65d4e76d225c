// Package api exposes the signal service over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"emarsi-trader/internal/backtest"
	"emarsi-trader/internal/metrics"
	"emarsi-trader/internal/strategy"
)

// RouterConfig holds the transport-level guard rails.
type RouterConfig struct {
	// SupportedPair and SupportedExchange gate every keyed route. Nil allows all.
	SupportedPair     func(string) bool
	SupportedExchange func(string) bool

	// AdminTOTPSecret enables DELETE /strategies when set (base32).
	AdminTOTPSecret string

	// RateLimit is requests per minute per client; <= 0 disables limiting.
	RateLimit int

	Metrics *metrics.Metrics
}

const maxBodyBytes = 1 << 20

type router struct {
	svc *Service
	cfg RouterConfig
	now func() time.Time
}

// NewRouter sets up the HTTP routes for the API server.
//
//	POST   /api/v1/prices/{user}/{exchange}/{pair}
//	POST   /api/v1/signal/{user}/{exchange}/{pair}
//	GET    /api/v1/signal/{user}/{exchange}/{pair}       latest cached decision
//	GET    /api/v1/signals/{user}/{exchange}/{pair}      journaled history (?limit=)
//	POST   /api/v1/backtest
//	DELETE /api/v1/strategies/{user}/{exchange}/{pair}   X-Admin-OTP required
//	GET    /api/v1/strategies
//	GET    /api/v1/health
//
// Pairs may be written with '/', '-' or '_' as separator (BTC/USDT, BTC-USDT).
func NewRouter(svc *Service, cfg RouterConfig) http.Handler {
	rt := &router{svc: svc, cfg: cfg, now: time.Now}
	mux := http.NewServeMux()

	rt.handle(mux, "POST /api/v1/prices/{user}/{exchange}/{pair...}", "prices", rt.handlePrices)
	rt.handle(mux, "POST /api/v1/signal/{user}/{exchange}/{pair...}", "signal", rt.handleSignal)
	rt.handle(mux, "GET /api/v1/signal/{user}/{exchange}/{pair...}", "latest", rt.handleLatest)
	rt.handle(mux, "GET /api/v1/signals/{user}/{exchange}/{pair...}", "history", rt.handleHistory)
	rt.handle(mux, "POST /api/v1/backtest", "backtest", rt.handleBacktest)
	rt.handle(mux, "DELETE /api/v1/strategies/{user}/{exchange}/{pair...}", "evict", rt.handleEvict)
	rt.handle(mux, "GET /api/v1/strategies", "strategies", rt.handleStrategies)
	rt.handle(mux, "GET /api/v1/health", "health", rt.handleHealth)

	var h http.Handler = mux
	if cfg.RateLimit > 0 {
		h = newRateLimiter(cfg.RateLimit, cfg.Metrics).middleware(h)
	}
	return withTrace(h)
}

// handle registers fn under pattern, recording status codes per route name.
func (rt *router) handle(mux *http.ServeMux, pattern, route string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		r.Body = http.MaxBytesReader(rec, r.Body, maxBodyBytes)
		fn(rec, r)
		if m := rt.cfg.Metrics; m != nil {
			m.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// NormalizePair maps "btc-usdt", "BTC_USDT" and "BTC/USDT" to "BTC/USDT".
func NormalizePair(pair string) string {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	return strings.NewReplacer("-", "/", "_", "/").Replace(pair)
}

// key extracts and validates the strategy key from the path.
func (rt *router) key(w http.ResponseWriter, r *http.Request) (strategy.Key, bool) {
	k := strategy.Key{
		UserID:   r.PathValue("user"),
		Exchange: strings.ToLower(r.PathValue("exchange")),
		Pair:     NormalizePair(r.PathValue("pair")),
	}
	if k.UserID == "" || k.Exchange == "" || k.Pair == "" {
		writeError(w, http.StatusBadRequest, "user, exchange and pair are required")
		return k, false
	}
	if !rt.supported(w, k.Exchange, k.Pair) {
		return k, false
	}
	return k, true
}

func (rt *router) supported(w http.ResponseWriter, exchange, pair string) bool {
	if f := rt.cfg.SupportedExchange; f != nil && !f(exchange) {
		writeError(w, http.StatusBadRequest, "unsupported exchange: "+exchange)
		return false
	}
	if f := rt.cfg.SupportedPair; f != nil && !f(pair) {
		writeError(w, http.StatusBadRequest, "unsupported pair: "+pair)
		return false
	}
	return true
}

func (rt *router) handlePrices(w http.ResponseWriter, r *http.Request) {
	k, ok := rt.key(w, r)
	if !ok {
		return
	}
	var body struct {
		Prices []float64 `json:"prices"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Prices) == 0 {
		writeError(w, http.StatusBadRequest, "prices must not be empty")
		return
	}
	st, err := rt.svc.AddPrices(r.Context(), k, body.Prices)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"key":         k,
		"added":       len(body.Prices),
		"history_len": st.Len,
		"history_cap": st.Cap,
		"evicted":     st.Evicted,
	})
}

func (rt *router) handleSignal(w http.ResponseWriter, r *http.Request) {
	k, ok := rt.key(w, r)
	if !ok {
		return
	}
	var body struct {
		Price  *float64  `json:"price"`
		Prices []float64 `json:"prices"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Price == nil {
		writeError(w, http.StatusBadRequest, "price is required")
		return
	}
	d, err := rt.svc.Signal(r.Context(), k, *body.Price, body.Prices)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (rt *router) handleLatest(w http.ResponseWriter, r *http.Request) {
	k, ok := rt.key(w, r)
	if !ok {
		return
	}
	d, err := rt.svc.Latest(r.Context(), k)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (rt *router) handleHistory(w http.ResponseWriter, r *http.Request) {
	k, ok := rt.key(w, r)
	if !ok {
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}
	signals, err := rt.svc.History(r.Context(), k, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":     k,
		"signals": signals,
	})
}

func (rt *router) handleBacktest(w http.ResponseWriter, r *http.Request) {
	// Decoding into a copy of the defaults overlays partial params.
	p := rt.svc.cfg.Params
	req := BacktestRequest{Params: &p}
	if !decodeBody(w, r, &req) {
		return
	}
	req.Exchange = strings.ToLower(req.Exchange)
	req.Pair = NormalizePair(req.Pair)
	if req.Exchange == "" || req.Pair == "" {
		writeError(w, http.StatusBadRequest, "exchange and pair are required")
		return
	}
	if !rt.supported(w, req.Exchange, req.Pair) {
		return
	}
	if !req.To.IsZero() && req.To.Before(req.From) {
		writeError(w, http.StatusBadRequest, "to must not be before from")
		return
	}
	res, err := rt.svc.Backtest(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (rt *router) handleEvict(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.AdminTOTPSecret == "" {
		writeError(w, http.StatusForbidden, "admin endpoints are disabled")
		return
	}
	code := r.Header.Get("X-Admin-OTP")
	if code == "" || !totp.Validate(code, rt.cfg.AdminTOTPSecret) {
		writeError(w, http.StatusUnauthorized, "invalid or missing X-Admin-OTP")
		return
	}
	k, ok := rt.key(w, r)
	if !ok {
		return
	}
	if !rt.svc.Evict(k) {
		writeError(w, http.StatusNotFound, "no strategy for "+k.String())
		return
	}
	log.Printf("[signald] admin evicted %s", k)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "evicted", "key": k})
}

func (rt *router) handleStrategies(w http.ResponseWriter, r *http.Request) {
	keys := rt.svc.Keys()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(keys),
		"keys":  keys,
	})
}

func (rt *router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"active_strategies": rt.svc.ActiveStrategies(),
		"timestamp":         rt.now().UTC().Format(time.RFC3339),
	})
}

// ---- helpers ----

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// writeServiceError maps service errors to status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidPrice), errors.Is(err, strategy.ErrInvalidParameter):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, backtest.ErrNoBars):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Printf("[signald] ERROR: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
