// Package server exposes the query engine over a small read-only HTTP API.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/coffersTech/techlog/internal/config"
	"github.com/coffersTech/techlog/internal/engine"
	"github.com/coffersTech/techlog/internal/pkg/security"
	"github.com/coffersTech/techlog/internal/scanner"
)

const (
	defaultLimit    = 100
	defaultInterval = time.Minute
	shutdownTimeout = 10 * time.Second
)

// Server serves search, histogram, stats and file listings for one
// journal root.
type Server struct {
	engine   *engine.Engine
	cfg      config.ServerConfig
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	creds    security.Credentials
	limiter  *rate.Limiter

	parsers fastjson.ParserPool
	arenas  fastjson.ArenaPool
}

// New creates a Server. gatherer backs /metrics; nil uses the default
// Prometheus registry.
func New(eng *engine.Engine, cfg config.ServerConfig, logger *zap.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if cfg.MaxLimit < 1 {
		cfg.MaxLimit = config.DefaultConfig().Server.MaxLimit
	}
	s := &Server{
		engine:   eng,
		cfg:      cfg,
		logger:   logger,
		gatherer: gatherer,
		creds:    security.Credentials{Username: cfg.Username, PasswordHash: cfg.PasswordHash},
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID, s.logging, s.rateLimit)

	r.Group(func(r chi.Router) {
		r.Use(s.basicAuth)
		r.Get("/api/search", s.handleSearch)
		r.Get("/api/histogram", s.handleHistogram)
		r.Get("/api/stats", s.handleStats)
		r.Get("/api/context", s.handleContext)
		r.Get("/api/files", s.handleFiles)
		r.Post("/api/compile", s.handleCompile)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

// Run serves on cfg.Addr until ctx is done, then shuts down gracefully.
// When WatchDebounce is positive the journal root is watched and the
// engine snapshot refreshed on change.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Serving journal", zap.String("addr", ln.Addr().String()), zap.String("root", s.engine.Root()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if s.cfg.WatchDebounce > 0 {
		g.Go(func() error {
			return s.watch(ctx)
		})
	}
	return g.Wait()
}

// watch refreshes the engine snapshot whenever the journal tree changes.
// A root that cannot be watched only disables refreshing.
func (s *Server) watch(ctx context.Context) error {
	w, err := scanner.NewWatcher(s.engine.Root(), s.cfg.WatchDebounce, s.logger)
	if err != nil {
		s.logger.Warn("Journal watching disabled", zap.Error(err))
		return nil
	}
	defer w.Stop()
	if err := w.Start(ctx); err != nil {
		s.logger.Warn("Journal watching disabled", zap.Error(err))
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.Changes():
			if _, err := s.engine.Refresh(ctx); err != nil {
				s.logger.Warn("Failed to rescan journal root", zap.Error(err))
				s.engine.Invalidate()
			}
		}
	}
}
