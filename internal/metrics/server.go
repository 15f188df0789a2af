package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/logging"
)

// ServerConfig holds configuration for the metrics and status server.
type ServerConfig struct {
	Addr   string
	Logger *slog.Logger

	// Gatherer serves /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Status returns the JSON body of /api/v1/status. Optional.
	Status func() any

	// Ready reports whether the controller has completed its first
	// statistics fetch. Nil means always ready.
	Ready func() bool
}

// Server provides HTTP endpoints for Prometheus metrics, health checks and
// the JSON status API.
type Server struct {
	addr   string
	engine *gin.Engine
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a new metrics server.
func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(gin.Recovery(), cors.Default())

	// Prometheus metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// Health check endpoint
	r.GET("/health", healthHandler)
	r.GET("/healthz", healthHandler)

	// Ready check: 503 until the first fetch completes
	ready := readyHandler(cfg.Ready)
	r.GET("/ready", ready)
	r.GET("/readyz", ready)

	api := r.Group("/api/v1")
	{
		api.GET("/status", func(c *gin.Context) {
			if cfg.Status == nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "status not available"})
				return
			}
			c.JSON(http.StatusOK, cfg.Status())
		})
	}

	return &Server{
		addr:   cfg.Addr,
		engine: r,
		logger: logger,
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		},
	}
}

// healthHandler handles health check requests.
func healthHandler(c *gin.Context) {
	c.String(http.StatusOK, "ok\n")
}

func readyHandler(ready func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ready != nil && !ready() {
			c.String(http.StatusServiceUnavailable, "not ready\n")
			return
		}
		c.String(http.StatusOK, "ok\n")
	}
}

// Handler returns the HTTP handler (for tests).
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listener and serves in a goroutine. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.logger.Info("metrics_server_starting", "addr", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics_server_error", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Debug("metrics_server_shutting_down")
	return s.server.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.addr
}
