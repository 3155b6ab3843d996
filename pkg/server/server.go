package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"eidos-hq/speechgate/pkg/cache"
	"eidos-hq/speechgate/pkg/config"
	"eidos-hq/speechgate/pkg/events"
	"eidos-hq/speechgate/pkg/limits"
	"eidos-hq/speechgate/pkg/providers"
	"eidos-hq/speechgate/pkg/routing"
	"eidos-hq/speechgate/pkg/script"
	"eidos-hq/speechgate/pkg/telemetry/health"
	"eidos-hq/speechgate/pkg/telemetry/metrics"
)

// Synthesizer produces audio for one admitted request.
type Synthesizer interface {
	Synthesize(ctx context.Context, req providers.SynthesisRequest) ([]byte, error)
}

// ScriptRenderer produces audio for a parsed script.
type ScriptRenderer interface {
	Render(ctx context.Context, s *script.Script, opts script.Options) ([]byte, error)
}

// AudioCache stores synthesized audio by content key.
type AudioCache interface {
	Get(key string) ([]byte, bool)
	Put(key string, audio []byte) error
	Stats() cache.Stats
}

// RouteReporter describes the relay pool.
type RouteReporter interface {
	Status() routing.Status
}

// Options wires the server to the rest of the process.
type Options struct {
	// Config is read on every request for tiers and API keys. Listener
	// settings are read once in New.
	Config *config.Holder

	Controller  *limits.Controller
	Synthesizer Synthesizer
	Renderer    ScriptRenderer
	Routes      RouteReporter

	// Events may be nil.
	Events *events.Recorder

	// Cache may be nil, in which case every request is dispatched.
	Cache AudioCache

	// Metrics may be nil, in which case /metrics is not mounted.
	Metrics *metrics.Collector

	// Readiness backs /ready. Defaults to an empty checker.
	Readiness *health.Checker

	Version string
	Clock   clockwork.Clock
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Server is the speechgate HTTP server.
type Server struct {
	opts       Options
	cfg        config.ServerConfig
	router     *chi.Mux
	httpServer *http.Server
	started    time.Time
	logger     *slog.Logger

	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
	listenAddr   string
}

// New builds the server and its router.
func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Config.Load() == nil {
		return nil, errors.New("server: config is required")
	}
	if opts.Controller == nil {
		return nil, errors.New("server: admission controller is required")
	}
	if opts.Synthesizer == nil {
		return nil, errors.New("server: synthesizer is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("speechgate/server")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Readiness == nil {
		opts.Readiness = health.New(0)
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		opts:    opts,
		cfg:     opts.Config.Load().Server,
		started: opts.Clock.Now(),
		logger:  opts.Logger.With("component", "server"),
	}
	s.router = s.routes()
	return s, nil
}

// Start listens on the configured address and blocks until ctx is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln. It is Start without the listen step.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("server is already running")
	}
	s.isRunning = true
	s.listenAddr = ln.Addr().String()

	s.httpServer = &http.Server{
		Handler:        s.router,
		ReadTimeout:    s.cfg.ReadTimeout,
		WriteTimeout:   s.cfg.WriteTimeout,
		IdleTimeout:    s.cfg.IdleTimeout,
		MaxHeaderBytes: s.cfg.MaxHeaderBytes,
	}
	if s.cfg.TLS.Enabled {
		tlsConfig, err := configureTLS(s.cfg.TLS)
		if err != nil {
			s.isRunning = false
			s.mu.Unlock()
			ln.Close()
			return fmt.Errorf("failed to configure TLS: %w", err)
		}
		s.httpServer.TLSConfig = tlsConfig
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting speechgate server",
			"address", ln.Addr().String(),
			"tls_enabled", s.cfg.TLS.Enabled,
			"version", s.opts.Version,
		)

		var err error
		if s.cfg.TLS.Enabled {
			err = httpServer.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case err, ok := <-errChan:
		if ok {
			return err
		}
		return nil
	}
}

// Shutdown stops accepting connections and waits for in-flight requests
// up to the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.RLock()
		running := s.isRunning
		httpServer := s.httpServer
		s.mu.RUnlock()
		if !running {
			return
		}

		s.logger.Info("initiating graceful shutdown", "timeout", s.cfg.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("speechgate server stopped")
	})

	return shutdownErr
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Addr returns the bound address once serving, or "".
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenAddr
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func configureTLS(cfg config.TLSConfig) (*tls.Config, error) {
	for _, f := range []string{cfg.CertFile, cfg.KeyFile} {
		if _, err := os.Stat(f); err != nil {
			return nil, fmt.Errorf("TLS file %s: %w", f, err)
		}
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}, nil
}
