// Package api exposes the chain manager's HTTP control surface: chain
// lifecycle, provider registry CRUD, traffic and leak inspection, and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexusvpn/nexus/internal/chain"
	"github.com/nexusvpn/nexus/internal/clock"
	"github.com/nexusvpn/nexus/internal/config"
	"github.com/nexusvpn/nexus/internal/leakcheck"
	"github.com/nexusvpn/nexus/internal/logging"
	"github.com/nexusvpn/nexus/internal/metrics"
	"github.com/nexusvpn/nexus/internal/scheduler"
	"github.com/nexusvpn/nexus/internal/stats"
	"github.com/nexusvpn/nexus/internal/tunnel"
)

// ServerConfig holds HTTP server timeouts.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	// WriteTimeout must cover a full chain build, which polls tunnels for
	// minutes.
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodyBytes   int64
}

// DefaultServerConfig returns the default timeouts.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Minute,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      1 << 20,
	}
}

// ServerOptions holds the server's dependencies.
type ServerOptions struct {
	ConfigFile *config.File
	Chain      *chain.Orchestrator
	Stats      *stats.Collector
	Leaks      *leakcheck.Checker
	Metrics    *metrics.Registry
	Scheduler  *scheduler.Scheduler
	PFS        *tunnel.PFSManager
	Logger     *logging.Logger
	Config     *ServerConfig
}

// Server handles API requests.
type Server struct {
	cfgFile   *config.File
	orch      *chain.Orchestrator
	stats     *stats.Collector
	leaks     *leakcheck.Checker
	metrics   *metrics.Registry
	sched     *scheduler.Scheduler
	pfs       *tunnel.PFSManager
	logger    *logging.Logger
	cfg       *ServerConfig
	clk       clock.Clock
	startTime time.Time
	mux       *http.ServeMux
}

// NewServer creates the API server and registers its routes.
func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	s := &Server{
		cfgFile:   opts.ConfigFile,
		orch:      opts.Chain,
		stats:     opts.Stats,
		leaks:     opts.Leaks,
		metrics:   opts.Metrics,
		sched:     opts.Scheduler,
		pfs:       opts.PFS,
		logger:    logger.WithComponent("api"),
		cfg:       cfg,
		clk:       &clock.RealClock{},
		startTime: clock.Now(),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/ip", s.handleEgressIP)

	s.mux.HandleFunc("POST /api/chain", s.handleChainSetup)
	s.mux.HandleFunc("DELETE /api/chain", s.handleChainTeardown)

	s.mux.HandleFunc("GET /api/providers", s.handleListProviders)
	s.mux.HandleFunc("POST /api/providers", s.handleAddProvider)
	s.mux.HandleFunc("DELETE /api/providers/{name}", s.handleRemoveProvider)

	s.mux.HandleFunc("GET /api/providers/{name}/pfs", s.handlePFSStatus)
	s.mux.HandleFunc("POST /api/providers/{name}/pfs", s.handlePFSEnable)
	s.mux.HandleFunc("DELETE /api/providers/{name}/pfs", s.handlePFSDisable)

	s.mux.HandleFunc("GET /api/traffic", s.handleTraffic)
	s.mux.HandleFunc("GET /api/leak", s.handleLeakStatus)
	s.mux.HandleFunc("POST /api/leak/check", s.handleLeakCheck)

	s.mux.HandleFunc("GET /api/tasks", s.handleTasks)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(
			s.metrics.Prometheus(), promhttp.HandlerOpts{}))
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.bodyLimit(h)
	h = s.accessLog(h)
	return h
}

// ListenAndServe blocks serving on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// --- response helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, chain.ErrBusy):
		return http.StatusConflict
	case chain.IsConfigurationError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
