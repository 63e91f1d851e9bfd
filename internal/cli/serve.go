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

package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/preroll/internal/config"
	"github.com/tombee/preroll/internal/log"
	"github.com/tombee/preroll/internal/server"
)

func newServeCommand(app App) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Long: `Run the HTTP server until interrupted.

Configuration is read from the environment (see ENVIRONMENT, LOGLEVEL,
HOST, PORT and the TRACE_* variables). Outside production a .env file in
the working directory is loaded first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(app.Name, app.DotenvFiles...)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, app, cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides HOST)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides PORT)")
	return cmd
}

func serve(ctx context.Context, app App, cfg *config.Config) error {
	logger := log.New(cfg.Log())
	slog.SetDefault(logger)
	logger.Info("logger started", slog.String("level", cfg.Log().Level))

	var routes []server.RoutesFunc
	cleanup := func() error { return nil }
	if app.Setup != nil {
		var err error
		routes, cleanup, err = app.Setup(ctx, cfg, logger)
		if err != nil {
			return &ExitError{Code: ExitRuntimeFailed, Message: "setup failed", Cause: err}
		}
		if cleanup == nil {
			cleanup = func() error { return nil }
		}
	}
	defer func() {
		if err := cleanup(); err != nil {
			logger.Error("cleanup failed", log.Error(err))
		}
	}()

	v, _, _ := GetVersion()
	srv, err := server.New(ctx, cfg, server.Options{
		Version: v,
		Routes:  routes,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	serveErr := srv.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		return &ExitError{Code: ExitRuntimeFailed, Message: "shutdown failed", Cause: err}
	}
	if serveErr != nil {
		return &ExitError{Code: ExitRuntimeFailed, Message: "server error", Cause: serveErr}
	}
	return nil
}
