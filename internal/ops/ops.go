// Package ops exposes the process-local HTTP surface: liveness and
// pipeline status for operators and scrapers.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/halcyon-data/weather-relay/internal/poll"
	"github.com/halcyon-data/weather-relay/internal/ship"
)

// PollerStatus is the poller's read side.
type PollerStatus interface {
	Cycle() uint64
	Polling() bool
	Last() *poll.CycleStats
}

// ShipperStatus is the shipper's read side.
type ShipperStatus interface {
	Stats() ship.Stats
}

// FetcherStatus is the fetcher's read side.
type FetcherStatus interface {
	InFlight() int
	HighWater() int
}

// JournalCounter reports how many batches the journal holds.
type JournalCounter interface {
	CountDrops(ctx context.Context) (int64, error)
}

// Deps are the pipeline components the ops server reads. All are required.
type Deps struct {
	Poller  PollerStatus
	Shipper ShipperStatus
	Fetcher FetcherStatus
	Journal JournalCounter
}

// Server is the ops HTTP listener.
type Server struct {
	addr    string
	deps    Deps
	started time.Time
}

// NewServer builds an ops server bound to addr.
func NewServer(addr string, deps Deps) *Server {
	return &Server{
		addr:    addr,
		deps:    deps,
		started: time.Now(),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.routes(),
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down ops server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	zap.L().Info("starting ops server", zap.String("addr", s.addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "ops: listen")
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

type cycleView struct {
	Cycle     uint64         `json:"cycle"`
	StartedAt time.Time      `json:"started_at"`
	ElapsedMS int64          `json:"elapsed_ms"`
	Tasks     int            `json:"tasks"`
	Records   int            `json:"records"`
	Failures  map[string]int `json:"failures,omitempty"`
	Enqueued  bool           `json:"enqueued"`
	Overran   bool           `json:"overran"`
}

type fetchView struct {
	InFlight  int `json:"in_flight"`
	HighWater int `json:"high_water"`
}

type statusResponse struct {
	Status        string     `json:"status"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Cycle         uint64     `json:"cycle"`
	Polling       bool       `json:"polling"`
	LastCycle     *cycleView `json:"last_cycle,omitempty"`
	Fetch         fetchView  `json:"fetch"`
	Ship          ship.Stats `json:"ship"`
	JournalDrops  int64      `json:"journal_drops"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:        "running",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Cycle:         s.deps.Poller.Cycle(),
		Polling:       s.deps.Poller.Polling(),
		Fetch: fetchView{
			InFlight:  s.deps.Fetcher.InFlight(),
			HighWater: s.deps.Fetcher.HighWater(),
		},
		Ship: s.deps.Shipper.Stats(),
	}

	if last := s.deps.Poller.Last(); last != nil {
		failures := make(map[string]int, len(last.Failures))
		for kind, n := range last.Failures {
			failures[string(kind)] = n
		}
		resp.LastCycle = &cycleView{
			Cycle:     last.Cycle,
			StartedAt: last.StartedAt,
			ElapsedMS: last.Elapsed.Milliseconds(),
			Tasks:     last.Tasks,
			Records:   last.Records,
			Failures:  failures,
			Enqueued:  last.Enqueued,
			Overran:   last.Overran,
		}
	}

	drops, err := s.deps.Journal.CountDrops(r.Context())
	if err != nil {
		zap.L().Warn("journal count failed", zap.Error(err))
		drops = -1
	}
	resp.JournalDrops = drops

	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
