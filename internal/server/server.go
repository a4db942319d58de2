// Package server exposes the lease cache over HTTP for processes that cannot
// link it directly.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/leasecache/internal/observability"
	"github.com/vyrodovalexey/leasecache/internal/vault"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// Reader is the part of the engine the server serves.
type Reader interface {
	ReadValue(ctx context.Context, path, fieldPath string) (string, bool, error)
	ReadKV(ctx context.Context, req vault.KVRequest) (string, bool, error)
	Authenticated() bool
	Entries() int
	Snapshot() []vault.EntryInfo
	Invalidate(path string) bool
}

// Config holds the HTTP server settings.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns a Config with default timeouts.
func DefaultConfig() Config {
	return Config{
		Address:      ":8100",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Server is the HTTP sidecar.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	reader     Reader
	gatherer   prometheus.Gatherer
	logger     observability.Logger
	config     Config

	mu      sync.Mutex
	running bool
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New creates a server reading through reader.
func New(cfg Config, reader Reader, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		reader:   reader,
		gatherer: prometheus.DefaultGatherer,
		logger:   observability.NopLogger(),
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(observability.String("component", "server"))

	s.engine = gin.New()
	s.engine.Use(RequestID(), Logging(s.logger), Recovery(s.logger))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/v1")
	v1.GET("/kv/*name", s.handleKV)
	v1.GET("/secret/*path", s.handleSecret)
	v1.GET("/cache", s.handleCacheList)
	v1.DELETE("/cache/*path", s.handleCacheInvalidate)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.running = true
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", observability.String("address", ln.Addr().String()))

	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}
