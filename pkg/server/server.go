package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/openfroyo/modsync/pkg/clientcache"
	"github.com/openfroyo/modsync/pkg/csp"
	"github.com/openfroyo/modsync/pkg/syncer"
	"github.com/openfroyo/modsync/pkg/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Routes.
const (
	RouteModuleMap = "/module-map.json"
	RouteStatus    = "/status"
	RouteSync      = "/v1/sync"
	RouteHealth    = "/health"
	RouteReady     = "/ready"
	RouteMetrics   = "/metrics"
)

// Snapshots returns the current client manifest snapshot.
type Snapshots interface {
	Load() *clientcache.Snapshot
}

// StatusReporter reports orchestrator state.
type StatusReporter interface {
	Status() syncer.Status
}

// Trigger requests an out-of-band sync cycle. It returns false when the
// request was rejected.
type Trigger interface {
	Trigger() bool
}

// Config configures the HTTP server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// RateLimit is the sustained request rate. Zero disables limiting.
	RateLimit rate.Limit
	RateBurst int

	// CSP configures the policy header middleware.
	CSP csp.Options
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":3000",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimit:       50,
		RateBurst:       100,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithStatus exposes orchestrator state on /status.
func WithStatus(s StatusReporter) Option {
	return func(srv *Server) { srv.status = s }
}

// WithTrigger enables POST /v1/sync.
func WithTrigger(t Trigger) Option {
	return func(srv *Server) { srv.trigger = t }
}

// WithPolicyStore attaches the policy and frame-options headers.
func WithPolicyStore(store *csp.Store) Option {
	return func(srv *Server) { srv.policy = store }
}

// WithMetrics records request metrics and serves /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(srv *Server) { srv.logger = logger }
}

// Server serves the client manifest and operational endpoints.
type Server struct {
	cfg       Config
	snapshots Snapshots
	status    StatusReporter
	trigger   Trigger
	policy    *csp.Store
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	limiter   *rate.Limiter

	handler    http.Handler
	httpServer *http.Server
	stopping   atomic.Bool
}

// New creates a server for the snapshots held by cache.
func New(cfg Config, snapshots Snapshots, opts ...Option) (*Server, error) {
	if snapshots == nil {
		return nil, fmt.Errorf("snapshot source is required")
	}

	s := &Server{
		cfg:       cfg,
		snapshots: snapshots,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "server").Logger()

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	s.cfg.CSP.Logger = s.logger

	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s, nil
}

// Handler returns the routed handler with its middleware chain.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// System endpoints skip rate limiting and the policy headers.
	mux.Handle("GET "+RouteHealth, s.system(RouteHealth, s.handleHealth))
	mux.Handle("GET "+RouteReady, s.system(RouteReady, s.handleReady))
	if s.metrics != nil {
		mux.Handle("GET "+RouteMetrics, s.metrics.Handler())
	}

	mux.Handle("GET "+RouteModuleMap, s.withMiddleware(RouteModuleMap, s.handleModuleMap))
	mux.Handle("GET "+RouteStatus, s.withMiddleware(RouteStatus, s.handleStatus))
	mux.Handle("POST "+RouteSync, s.withMiddleware(RouteSync, s.handleSync))

	return mux
}

// Start listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	}
}

// Shutdown marks the server unready and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopping.Store(true)

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info().Msg("Shutting down server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
