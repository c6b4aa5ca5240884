// Package diag implements the daemon's local-only diagnostics HTTP surface:
// a liveness/status endpoint and a window into recently recorded anomaly
// actions. It is introspection for an operator on the same host, not the
// remote transport the core's Non-goals exclude.
package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aod-project/aod/internal/collector"
)

// Counters tracks the handful of running totals the healthz endpoint
// reports. All fields are updated via sync/atomic from arbitrary goroutines
// (parser, analyzer, collector, janitor) and read without locking.
type Counters struct {
	RingDrops         int64
	AnalyzerFires     int64
	CollectorInflight int64
	JanitorReclaimed  int64
}

func (c *Counters) IncRingDrops()          { atomic.AddInt64(&c.RingDrops, 1) }
func (c *Counters) IncAnalyzerFires()      { atomic.AddInt64(&c.AnalyzerFires, 1) }
func (c *Counters) IncCollectorInflight()  { atomic.AddInt64(&c.CollectorInflight, 1) }
func (c *Counters) DecCollectorInflight()  { atomic.AddInt64(&c.CollectorInflight, -1) }
func (c *Counters) AddJanitorReclaimed(n int64) {
	atomic.AddInt64(&c.JanitorReclaimed, n)
}

func (c *Counters) snapshot() healthResponse {
	return healthResponse{
		Status:            "ok",
		RingDrops:         atomic.LoadInt64(&c.RingDrops),
		AnalyzerFires:     atomic.LoadInt64(&c.AnalyzerFires),
		CollectorInflight: atomic.LoadInt64(&c.CollectorInflight),
		JanitorReclaimed:  atomic.LoadInt64(&c.JanitorReclaimed),
	}
}

type healthResponse struct {
	Status            string `json:"status"`
	UptimeSeconds     int64  `json:"uptime_s"`
	RingDrops         int64  `json:"ring_drops"`
	AnalyzerFires     int64  `json:"analyzer_fires"`
	CollectorInflight int64  `json:"collector_inflight"`
	JanitorReclaimed  int64  `json:"janitor_reclaimed_bytes"`
}

// Server is the chi-backed diagnostics HTTP surface.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	startedAt  time.Time
	counters   *Counters
	store      *collector.Store
}

// New builds a Server bound to addr. store may be nil, in which case
// /debug/actions always returns an empty list.
func New(addr string, counters *Counters, store *collector.Store) *Server {
	s := &Server{
		startedAt: time.Now(),
		counters:  counters,
		store:     store,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/debug/actions", s.handleDebugActions)
	s.router = r

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's routing table as an http.Handler, for tests
// that want to drive it with httptest.NewServer without binding the
// configured address.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving the diagnostics surface until the server is
// shut down. It returns nil on a graceful Shutdown, matching
// http.Server.ListenAndServe's http.ErrServerClosed convention.
func (s *Server) ListenAndServe() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := s.counters.snapshot()
	resp.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

const defaultRecentActions = 50

func (s *Server) handleDebugActions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.store == nil {
		_ = json.NewEncoder(w).Encode([]collector.ActionRecord{})
		return
	}

	records, err := s.store.Recent(r.Context(), defaultRecentActions)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(records)
}
