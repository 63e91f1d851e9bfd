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

// Package cli builds the service command:
//
//	prerolld
//	├── serve     Run the HTTP server
//	└── version   Show version
//
// From main.go:
//
//	cli.SetVersion(version, commit, buildDate)
//	if err := cli.NewRootCommand(app).Execute(); err != nil {
//	    cli.HandleExitError(err)
//	}
package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tombee/preroll/internal/config"
	"github.com/tombee/preroll/internal/server"
)

// Version information, set from main.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns version information.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// SetupFunc prepares application state once configuration is loaded and
// returns the API routes, one entry per version. The returned cleanup runs
// after the server has shut down.
type SetupFunc func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (routes []server.RoutesFunc, cleanup func() error, err error)

// App describes the service being run.
type App struct {
	// Name is the service name used in logs, traces and /monitor.
	Name string

	// Short is the one-line command description.
	Short string

	// Setup builds the routes. Nil serves only the built-in routes.
	Setup SetupFunc

	// DotenvFiles replaces the default .env file.
	DotenvFiles []string
}

// NewRootCommand creates the root command for app.
func NewRootCommand(app App) *cobra.Command {
	if app.Short == "" {
		app.Short = app.Name + " HTTP service"
	}
	cmd := &cobra.Command{
		Use:           app.Name,
		Short:         app.Short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand(app), newVersionCommand(app))
	return cmd
}
