// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server composes the service: monitor routes, versioned API
// routes behind the middleware chain, and the span export pipeline.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/tombee/preroll/internal/config"
	"github.com/tombee/preroll/internal/log"
	"github.com/tombee/preroll/internal/middleware"
	"github.com/tombee/preroll/internal/monitor"
	"github.com/tombee/preroll/internal/tracing"
	"github.com/tombee/preroll/internal/tracing/export"
	prerollerrors "github.com/tombee/preroll/pkg/errors"
	"github.com/tombee/preroll/pkg/httpclient"
	"github.com/tombee/preroll/pkg/observability"
)

// InternalErrorPath fails on purpose. It is only mounted outside
// production.
const InternalErrorPath = "/internal-error"

// RoutesFunc registers one API version's routes on r.
type RoutesFunc func(r *mux.Router)

// Options configures a Server.
type Options struct {
	// Version is reported in traces and the User-Agent of outbound calls.
	Version string

	// Routes are mounted at /api/v1, /api/v2, ... in order.
	Routes []RoutesFunc

	// Logger overrides the logger built from the configuration.
	Logger *slog.Logger

	// Sink overrides the sink selected by the configuration.
	Sink observability.Sink
}

// Server is the composed HTTP service.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	telemetry  *tracing.Telemetry
	exporter   *tracing.Exporter
	retention  *tracing.RetentionManager
	codec      *tracing.Codec
	middleware *middleware.Middleware
	client     *http.Client

	handler http.Handler
	http    *http.Server

	mu      sync.Mutex
	started bool
}

// New builds the server. Nothing is started.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(cfg.Log())
	}
	tc := cfg.Tracing()

	s := &Server{cfg: cfg, logger: logger}

	var err error
	s.telemetry, err = tracing.NewTelemetry(cfg.ServiceName, opts.Version)
	if err != nil {
		return nil, fmt.Errorf("create telemetry: %w", err)
	}

	sink := opts.Sink
	if sink == nil {
		sink, err = export.NewSink(ctx, tc)
		if err != nil {
			return nil, &prerollerrors.ConfigError{Key: "TRACE_EXPORTER", Reason: "failed to create sink", Cause: err}
		}
	}
	if opts.Sink == nil {
		attrs := []any{
			slog.String("sink", tc.Exporter.Type),
			slog.String("endpoint", tc.Exporter.Endpoint),
			slog.Float64("sample_rate", tc.SampleRate),
		}
		if tc.Exporter.WriteKey != "" {
			attrs = append(attrs, slog.String("write_key", log.SanitizeAPIKey(tc.Exporter.WriteKey)))
		}
		logger.Debug("trace sink configured", attrs...)
	}
	s.exporter = tracing.NewExporter(sink, tc,
		tracing.WithMetrics(s.telemetry.Metrics()),
		tracing.WithExporterLogger(log.WithComponent(logger, "exporter")),
	)
	if tc.Retention > 0 {
		if p, ok := export.PrunerOf(sink); ok {
			s.retention = tracing.NewRetentionManager(p, tc.Retention, 0, log.WithComponent(logger, "retention"))
		}
	}

	s.codec = tracing.NewCodec(
		tracing.WithHeaderName(tc.Header),
		tracing.WithSampler(tc.Sampler()),
		tracing.WithCodecLogger(logger),
	)
	s.middleware, err = middleware.New(middleware.Options{
		Codec:    s.codec,
		Exporter: s.exporter,
		Logger:   logger,
		Strict:   tc.Strict,
		Datasets: tc.AllowedDatasets,
	})
	if err != nil {
		return nil, err
	}

	clientCfg := httpclient.DefaultConfig()
	clientCfg.UserAgent = cfg.ServiceName + "/" + opts.Version
	clientCfg.Codec = s.codec
	clientCfg.Logger = log.WithComponent(logger, "httpclient")
	s.client, err = httpclient.New(clientCfg)
	if err != nil {
		return nil, err
	}

	s.handler = s.routes(opts.Routes)
	return s, nil
}

func (s *Server) routes(versions []RoutesFunc) http.Handler {
	root := mux.NewRouter()

	// Probes bypass logging and tracing.
	mon := monitor.New(monitor.Config{
		ServiceName: s.cfg.ServiceName,
		GitCommit:   s.cfg.GitCommit,
		Metrics:     s.telemetry.Handler(),
	})
	mon.RegisterRoutes(root)

	chain := []mux.MiddlewareFunc{
		middleware.Clacks,
		middleware.RequestID(s.logger),
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.cfg.CORSOrigins}),
		s.middleware.Handler,
	}

	app := root.PathPrefix("/").Subrouter()
	app.Use(chain...)
	for i, register := range versions {
		register(app.PathPrefix(fmt.Sprintf("/api/v%d", i+1)).Subrouter())
	}
	if !s.cfg.IsProduction() {
		app.HandleFunc(InternalErrorPath, internalError).Methods(http.MethodGet)
	}

	var notFound http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.Fail(r, prerollerrors.NotFound(fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)))
	})
	for i := len(chain) - 1; i >= 0; i-- {
		notFound = chain[i](notFound)
	}
	root.NotFoundHandler = notFound

	return root
}

func internalError(w http.ResponseWriter, r *http.Request) {
	middleware.Fail(r, prerollerrors.Internal("Intentional Server Error from GET "+InternalErrorPath, nil))
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Exporter returns the span exporter.
func (s *Server) Exporter() *tracing.Exporter {
	return s.exporter
}

// HTTPClient returns a client whose requests join the caller's trace.
func (s *Server) HTTPClient() *http.Client {
	return s.client
}

// Start listens on the configured address and serves until ctx ends or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends or the listener fails. Call Shutdown
// afterwards to drain queued spans.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.started = true
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Unlock()

	s.exporter.Start(context.WithoutCancel(ctx))
	if s.retention != nil {
		s.retention.Start()
	}

	s.logger.Info("server listening",
		slog.String("service", s.cfg.ServiceName),
		slog.String("environment", s.cfg.Environment),
		slog.String("addr", ln.Addr().String()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server, then drains the export queue. The
// server stops first so in-flight requests still submit their spans.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", log.Error(err))
			errs = append(errs, err)
		}
	}
	if s.retention != nil {
		s.retention.Stop()
	}
	if err := s.exporter.Shutdown(ctx); err != nil {
		s.logger.Error("span exporter shutdown error", log.Error(err))
		errs = append(errs, err)
	}
	stats := s.telemetry.Metrics().Stats()
	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("server stopped",
		slog.Int64("span_batches_delivered", stats.Delivered),
		slog.Int64("span_batches_dropped", stats.Dropped),
	)
	return errors.Join(errs...)
}
