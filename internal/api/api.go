// Package api provides the HTTP surface of the automation engine.
//
// It exposes endpoints for the CRM to report lead changes, for operators to inspect
// and cancel runs, and for the flow builder to compile, match and preview flows.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hexamarkco/kifersaude-sub001/internal/automation"
)

// Default server settings
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	// DefaultCancelTimeout bounds how long DELETE /leads/{id}/run waits for the run to stop.
	DefaultCancelTimeout = 10 * time.Second
	DefaultHistoryLimit  = 50
	MaxHistoryLimit      = 1000
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes = 1 << 20
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr     string
	Gatherer prometheus.Gatherer
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithGatherer exposes the given metrics on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// Server serves the HTTP API.
type Server struct {
	engine *automation.Engine
	opts   Opts
	mux    *http.ServeMux
}

// NewServer creates a Server for engine.
func NewServer(engine *automation.Engine, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{engine: engine, opts: cfg, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /leads/{id}/trigger", s.triggerHandler)
	s.mux.HandleFunc("GET /leads/{id}/run", s.leadRunHandler)
	s.mux.HandleFunc("DELETE /leads/{id}/run", s.cancelRunHandler)
	s.mux.HandleFunc("GET /runs", s.activeRunsHandler)
	s.mux.HandleFunc("GET /runs/history", s.historyHandler)
	s.mux.HandleFunc("GET /leads/{id}/messages", s.messagesHandler)
	s.mux.HandleFunc("GET /flows/{id}/graph", s.flowGraphHandler)
	s.mux.HandleFunc("POST /flows/{id}/disable", s.disableFlowHandler)
	s.mux.HandleFunc("POST /flows/{id}/enable", s.enableFlowHandler)
	s.mux.HandleFunc("POST /flows/compile", s.compileHandler)
	s.mux.HandleFunc("POST /flows/match", s.matchHandler)
	s.mux.HandleFunc("POST /schedule/preview", s.previewHandler)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.opts.Addr
}

// Run listens until ctx is done, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.mux,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down API server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}
