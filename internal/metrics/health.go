package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// RedisProbe pings a Redis client.
func RedisProbe(rdb *goredis.Client) Probe {
	return func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
}

// SQLProbe pings a database.
func SQLProbe(db *sql.DB) Probe {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}

type component struct {
	probe     Probe
	ok        bool
	checked   bool
	latencyMs float64
	lastErr   string
}

// HealthStatus aggregates dependency probes, the live strategy count and
// the age of the newest feed bar.
type HealthStatus struct {
	mu         sync.RWMutex
	components map[string]*component
	active     int
	lastBarAt  time.Time
	maxBarAge  time.Duration
	lastCheck  time.Time
	startedAt  time.Time
	now        func() time.Time
}

// NewHealthStatus returns an empty status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		components: make(map[string]*component),
		startedAt:  time.Now(),
		now:        time.Now,
	}
}

// Register adds a dependency. It reports unhealthy until the first
// successful check.
func (h *HealthStatus) Register(name string, probe Probe) {
	h.mu.Lock()
	h.components[name] = &component{probe: probe}
	h.mu.Unlock()
}

// SetActiveKeys records the number of live strategy instances.
func (h *HealthStatus) SetActiveKeys(n int) {
	h.mu.Lock()
	h.active = n
	h.mu.Unlock()
}

// WatchFeed marks the live bar feed as required: health degrades once no
// bar has arrived for maxAge.
func (h *HealthStatus) WatchFeed(maxAge time.Duration) {
	h.mu.Lock()
	h.maxBarAge = maxAge
	h.mu.Unlock()
}

// MarkBar records the arrival of a feed bar.
func (h *HealthStatus) MarkBar() {
	h.mu.Lock()
	h.lastBarAt = h.now()
	h.mu.Unlock()
}

// CheckAll runs every probe once.
func (h *HealthStatus) CheckAll(ctx context.Context) {
	h.mu.RLock()
	probes := make(map[string]Probe, len(h.components))
	for name, c := range h.components {
		probes[name] = c.probe
	}
	h.mu.RUnlock()

	for name, probe := range probes {
		start := h.now()
		err := probe(ctx)
		took := h.now().Sub(start)

		h.mu.Lock()
		if c, ok := h.components[name]; ok {
			c.ok = err == nil
			c.checked = true
			c.latencyMs = float64(took.Microseconds()) / 1000.0
			c.lastErr = ""
			if err != nil {
				c.lastErr = err.Error()
			}
		}
		h.lastCheck = h.now()
		h.mu.Unlock()
	}
}

// StartLivenessChecker probes immediately and then every interval until ctx
// is cancelled.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			h.CheckAll(probeCtx)
			cancel()

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// ComponentReport is one dependency's entry in Report.
type ComponentReport struct {
	OK        bool    `json:"ok"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// Report is the JSON body served by /healthz.
type Report struct {
	Status      string                     `json:"status"`
	Uptime      string                     `json:"uptime"`
	ActiveKeys  int                        `json:"active_strategies"`
	Components  map[string]ComponentReport `json:"components"`
	LastBarAt   string                     `json:"last_bar_at,omitempty"`
	LastCheckAt string                     `json:"last_check_at,omitempty"`
}

// Snapshot returns the current report and its HTTP status code: healthy
// when every check passes, unhealthy when none do, degraded otherwise.
func (h *HealthStatus) Snapshot() (Report, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rep := Report{
		Uptime:     h.now().Sub(h.startedAt).Round(time.Second).String(),
		ActiveKeys: h.active,
		Components: make(map[string]ComponentReport, len(h.components)),
	}

	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	sort.Strings(names)

	total, failing := 0, 0
	for _, name := range names {
		c := h.components[name]
		rep.Components[name] = ComponentReport{OK: c.ok, LatencyMs: c.latencyMs, Error: c.lastErr}
		total++
		if !c.ok {
			failing++
		}
	}
	if h.maxBarAge > 0 {
		total++
		if h.lastBarAt.IsZero() || h.now().Sub(h.lastBarAt) > h.maxBarAge {
			failing++
		}
	}
	if !h.lastBarAt.IsZero() {
		rep.LastBarAt = h.lastBarAt.UTC().Format(time.RFC3339)
	}
	if !h.lastCheck.IsZero() {
		rep.LastCheckAt = h.lastCheck.UTC().Format(time.RFC3339)
	}

	switch {
	case failing == 0:
		return withStatus(rep, "healthy"), http.StatusOK
	case failing == total:
		return withStatus(rep, "unhealthy"), http.StatusServiceUnavailable
	default:
		return withStatus(rep, "degraded"), http.StatusServiceUnavailable
	}
}

func withStatus(r Report, s string) Report {
	r.Status = s
	return r
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, code := h.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(report)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
