// Package statusserver exposes the orchestrator's own liveness, readiness,
// metrics, and last-cycle summary over HTTP, separate from the core
// control loop so a dead scrape target never blocks a cycle.
package statusserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/wan2gp/gpuctl/pkg/metrics"
	"github.com/wan2gp/gpuctl/pkg/types"
)

// RecordSource supplies the most recently completed cycle's summary. The
// Control Loop Driver satisfies this.
type RecordSource interface {
	LastRecord() *types.CycleRecord
}

// Server is the status/metrics HTTP server.
type Server struct {
	router    chi.Router
	httpSrv   *http.Server
	logger    zerolog.Logger
	startedAt time.Time
}

// New builds a Server listening on addr. driver may be nil in tests that
// don't need /status to return cycle data.
func New(addr string, driver RecordSource, logger zerolog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger,
		startedAt: time.Now(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger(logger))

	s.router.Get("/healthz", metrics.HealthHandler())
	s.router.Get("/readyz", metrics.ReadyHandler())
	s.router.Get("/livez", metrics.LivenessHandler())
	s.router.Handle("/metrics", metrics.Handler())
	s.router.Get("/status", s.handleStatus(driver))

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until Shutdown is called, returning
// http.ErrServerClosed on a clean shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("status server listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to the context's
// deadline for in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type statusResponse struct {
	Status        string             `json:"status"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	LastCycle     *types.CycleRecord `json:"last_cycle,omitempty"`
}

func (s *Server) handleStatus(driver RecordSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			Status:        "running",
			UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		}
		if driver != nil {
			resp.LastCycle = driver.LastRecord()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("status server request")
		})
	}
}
