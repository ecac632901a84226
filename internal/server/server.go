// Package server exposes the scanner's HTTP control surface: health, status,
// start/stop, a manual sweep and the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wemdio/lead-scanner/internal/config"
	"github.com/wemdio/lead-scanner/internal/cost"
	"github.com/wemdio/lead-scanner/internal/resilience"
	"github.com/wemdio/lead-scanner/internal/scanner"
)

const (
	shutdownTimeout = 15 * time.Second
	sweepTimeout    = 2 * time.Minute
)

// Scanner is the orchestrator lifecycle the control surface drives.
type Scanner interface {
	Start(ctx context.Context) error
	Stop() error
	Status() scanner.Status
	Sweep(ctx context.Context, tenantID string) (scanner.SweepResult, error)
}

// Pinger checks backing store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the handlers read from. Costs, Breakers and
// Metrics are optional.
type Deps struct {
	Scanner  Scanner
	Store    Pinger
	Costs    *cost.Tracker
	Breakers *resilience.Breakers
	Metrics  http.Handler
}

// Server serves the control surface.
type Server struct {
	deps Deps
	cfg  config.ServerConfig
}

// New creates a Server.
func New(deps Deps, cfg config.ServerConfig) *Server {
	return &Server{deps: deps, cfg: cfg}
}

// StatusResponse is the GET /status body.
type StatusResponse struct {
	Scanner  scanner.Status    `json:"scanner"`
	Costs    *cost.Snapshot    `json:"costs,omitempty"`
	Circuits map[string]string `json:"circuits,omitempty"`
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	// No configured origins means same-origin only.
	if origins := s.cfg.CORSOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Route("/scanner", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/sweep", s.handleSweep)
	})
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server: shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("server: listening", zap.Int("port", s.cfg.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			zap.L().Warn("server: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": "store unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Scanner: s.deps.Scanner.Status()}
	if s.deps.Costs != nil {
		snap := s.deps.Costs.Snapshot()
		resp.Costs = &snap
	}
	if s.deps.Breakers != nil {
		states := s.deps.Breakers.States()
		resp.Circuits = make(map[string]string, len(states))
		for name, st := range states {
			resp.Circuits[name] = st.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Scanner.Start(r.Context())
	switch {
	case errors.Is(err, scanner.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	err := s.deps.Scanner.Stop()
	switch {
	case errors.Is(err, scanner.ErrNotRunning):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	}
}

// handleSweep runs one undelivered sweep synchronously. ?tenant= limits it
// to one tenant.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), sweepTimeout)
	defer cancel()

	res, err := s.deps.Scanner.Sweep(ctx, r.URL.Query().Get("tenant"))
	switch {
	case errors.Is(err, scanner.ErrTenantNotActive):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
