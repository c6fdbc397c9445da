// Package admin serves the HTTP admin API of a rotator node: the retry
// statistics pull API, pool and breaker inspection, strategy switching and
// the Prometheus endpoint.
package admin

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/songzhibin97/proxyrotator/internal/health"
	"github.com/songzhibin97/proxyrotator/internal/rotator"
	"github.com/songzhibin97/proxyrotator/internal/source"
	"github.com/songzhibin97/proxyrotator/internal/strategy"
	"github.com/songzhibin97/proxyrotator/internal/transport"
	"github.com/songzhibin97/proxyrotator/pkg/log"
)

// Config configures the admin server.
type Config struct {
	Address      string
	Prefix       string
	MetricsPath  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Mode         string
	H2C          bool
	// FetchTimeout bounds POST /fetch dispatches without their own timeout.
	FetchTimeout time.Duration
	// TLS serves HTTPS when set.
	TLS *tls.Config
}

// Options wires the server. Rotator is required.
type Options struct {
	Rotator  *rotator.Rotator
	Registry *strategy.Registry
	// StrategyConfig supplies parameters for strategies switched by name.
	StrategyConfig func() *strategy.Config
	// Syncer enables POST /sync when set.
	Syncer *source.Syncer
	// Checker enables the active health check endpoints when set.
	Checker *health.Checker
	// Dispatcher and Transport together enable POST /fetch.
	Dispatcher *rotator.AsyncRotator
	Transport  *transport.Transport
	// Gatherer backs the metrics endpoint; nil uses the default gatherer.
	Gatherer prometheus.Gatherer
	Logger   log.Logger
}

// Server is the admin HTTP server.
type Server struct {
	config     Config
	engine     *gin.Engine
	httpServer *http.Server
	logger     log.Logger

	mu       sync.Mutex
	listener net.Listener
	running  bool
}

// NewServer builds the router and the HTTP server.
func NewServer(cfg Config, opts Options) (*Server, error) {
	if opts.Rotator == nil {
		return nil, errors.New("admin: rotator is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/api/v1"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = time.Minute
	}
	if opts.Registry == nil {
		opts.Registry = strategy.NewRegistry()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	logger := log.OrNop(opts.Logger).With(log.Component("admin"))

	switch cfg.Mode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	case "":
		gin.SetMode(gin.ReleaseMode)
	default:
		return nil, fmt.Errorf("admin: unknown gin mode %q", cfg.Mode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))
	engine.GET(cfg.MetricsPath, gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	h := &Handler{
		rotator:        opts.Rotator,
		registry:       opts.Registry,
		strategyConfig: opts.StrategyConfig,
		syncer:         opts.Syncer,
		checker:        opts.Checker,
		logger:         logger,
	}
	api := engine.Group(cfg.Prefix)
	h.RegisterRoutes(api)
	if opts.Dispatcher != nil && opts.Transport != nil {
		f := &fetchHandler{
			dispatcher: opts.Dispatcher,
			transport:  opts.Transport,
			timeout:    cfg.FetchTimeout,
			logger:     logger,
		}
		api.POST("/fetch", f.Fetch)
	}

	var handler http.Handler = engine
	if cfg.H2C {
		handler = h2c.NewHandler(engine, &http2.Server{})
	}

	httpServer := &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.TLS != nil {
		httpServer.TLSConfig = cfg.TLS.Clone()
		if err := http2.ConfigureServer(httpServer, &http2.Server{}); err != nil {
			return nil, fmt.Errorf("admin: failed to enable HTTP/2: %w", err)
		}
	}

	return &Server{
		config:     cfg,
		engine:     engine,
		httpServer: httpServer,
		logger:     logger,
	}, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves until Shutdown. It
// returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	if s.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, s.httpServer.TLSConfig)
	}
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Admin server listening",
		log.String("address", ln.Addr().String()),
		log.Bool("tls", s.httpServer.TLSConfig != nil),
	)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown gracefully shuts down the server. A server shut down before Start
// never serves.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Admin request",
			log.String("method", c.Request.Method),
			log.String("path", c.FullPath()),
			log.Int("status", c.Writer.Status()),
			log.Duration("latency", time.Since(start)),
		)
	}
}
