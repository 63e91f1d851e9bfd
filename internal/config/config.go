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

// Package config loads service configuration from the environment.
//
// Settings come from process environment variables, processed with
// envconfig. In development, and in any environment when FORCE_DOTENV or
// DEBUG_DOTENV is set, a .env file is loaded first. Variables already set
// in the environment win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/tombee/preroll/internal/log"
	"github.com/tombee/preroll/internal/tracing"
	prerollerrors "github.com/tombee/preroll/pkg/errors"
)

// DefaultDotenvFile is loaded when no files are named.
const DefaultDotenvFile = ".env"

// Config is the service configuration.
type Config struct {
	// ServiceName identifies the service in logs, traces and /monitor.
	// It is set by the program, not the environment.
	ServiceName string `ignored:"true"`

	// Environment selects production mode when it starts with "prod".
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// LogLevel overrides the mode's level (info in production, debug
	// otherwise).
	LogLevel string `envconfig:"LOGLEVEL"`

	// LogFormat overrides the mode's format: "json", "pretty" or "text".
	LogFormat string `envconfig:"LOG_FORMAT"`

	// LogSource adds source locations to log lines.
	LogSource bool `envconfig:"LOG_SOURCE"`

	Host string `envconfig:"HOST" default:"127.0.0.1"`
	Port int    `envconfig:"PORT" default:"8080"`

	// ShutdownTimeout bounds graceful shutdown, including the span drain.
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// GitCommit is reported by /monitor/status.
	GitCommit string `envconfig:"GIT_COMMIT"`

	// CORSOrigins enables CORS for the listed origins. Empty disables it.
	CORSOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`

	Trace TraceConfig `ignored:"true"`
}

// TraceConfig is the tracing section, read from TRACE_* and HONEYCOMBIO_*.
type TraceConfig struct {
	Header     string  `envconfig:"TRACE_HEADER" default:"X-Trace-Context"`
	SampleRate float64 `envconfig:"TRACE_SAMPLE_RATE" default:"1.0"`

	// Exporter defaults to honeycomb when a write key is set, else none.
	Exporter string            `envconfig:"TRACE_EXPORTER"`
	Endpoint string            `envconfig:"TRACE_ENDPOINT"`
	Headers  map[string]string `envconfig:"TRACE_EXPORTER_HEADERS"`

	WriteKey string `envconfig:"HONEYCOMBIO_WRITE_KEY"`
	Dataset  string `envconfig:"HONEYCOMBIO_DATASET"`

	// AllowedDatasets restricts which propagated dataset hints are used.
	AllowedDatasets []string `envconfig:"TRACE_ALLOWED_DATASETS"`

	QueueCapacity int           `envconfig:"TRACE_QUEUE_CAPACITY" default:"256"`
	BatchSize     int           `envconfig:"TRACE_BATCH_SIZE" default:"50"`
	FlushInterval time.Duration `envconfig:"TRACE_FLUSH_INTERVAL" default:"1s"`
	ExportTimeout time.Duration `envconfig:"TRACE_EXPORT_TIMEOUT" default:"10s"`

	SQLitePath string        `envconfig:"TRACE_SQLITE_PATH" default:"traces.db"`
	Redaction  string        `envconfig:"TRACE_REDACTION" default:"standard"`
	Retention  time.Duration `envconfig:"TRACE_RETENTION"`

	TLS        bool   `envconfig:"TRACE_TLS"`
	TLSVerify  bool   `envconfig:"TRACE_TLS_VERIFY" default:"true"`
	CACertPath string `envconfig:"TRACE_CA_CERT"`

	// Strict makes span misuse panic. Defaults to on outside production.
	Strict *bool `envconfig:"TRACE_STRICT"`
}

// Load reads configuration for serviceName. dotenvFiles replaces the
// default .env file list.
func Load(serviceName string, dotenvFiles ...string) (*Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{DefaultDotenvFile}
	}
	if wantDotenv() {
		if err := loadDotenv(dotenvFiles); err != nil {
			return nil, &prerollerrors.ConfigError{Key: "dotenv", Reason: "failed to load", Cause: err}
		}
	}

	cfg := &Config{ServiceName: serviceName}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, &prerollerrors.ConfigError{Key: "environment", Reason: "failed to process", Cause: err}
	}
	if err := envconfig.Process("", &cfg.Trace); err != nil {
		return nil, &prerollerrors.ConfigError{Key: "environment", Reason: "failed to process tracing settings", Cause: err}
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// wantDotenv reports whether .env should be read. The decision uses the
// process environment only, so a .env file cannot switch itself on.
func wantDotenv() bool {
	if _, ok := os.LookupEnv("FORCE_DOTENV"); ok {
		return true
	}
	if _, ok := os.LookupEnv("DEBUG_DOTENV"); ok {
		return true
	}
	return !log.IsProduction(getenv("ENVIRONMENT", "development"))
}

func loadDotenv(files []string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("%s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.LogFormat = strings.ToLower(c.LogFormat)
	c.Trace.Exporter = strings.ToLower(c.Trace.Exporter)

	if c.Trace.Exporter == "" {
		if c.Trace.WriteKey != "" {
			c.Trace.Exporter = tracing.SinkHoneycomb
		} else {
			c.Trace.Exporter = tracing.SinkNone
		}
	}
	if c.Trace.Endpoint == "" && c.Trace.Exporter == tracing.SinkHoneycomb {
		c.Trace.Endpoint = tracing.DefaultHoneycombEndpoint
	}
	if c.Trace.Strict == nil {
		strict := !c.IsProduction()
		c.Trace.Strict = &strict
	}
}

// IsProduction reports whether the environment starts with "prod".
func (c *Config) IsProduction() bool {
	return log.IsProduction(c.Environment)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Log returns the logger configuration for the environment.
func (c *Config) Log() *log.Config {
	lc := log.ForEnvironment(c.Environment)
	if c.LogLevel != "" {
		lc.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		lc.Format = log.Format(c.LogFormat)
	}
	lc.AddSource = c.LogSource
	return lc
}

// Tracing returns the tracing configuration.
func (c *Config) Tracing() tracing.Config {
	tc := tracing.DefaultConfig()
	tc.ServiceName = c.ServiceName
	tc.Environment = c.Environment
	tc.Header = c.Trace.Header
	tc.SampleRate = c.Trace.SampleRate
	tc.Dataset = c.Trace.Dataset
	tc.AllowedDatasets = c.Trace.AllowedDatasets
	tc.QueueCapacity = c.Trace.QueueCapacity
	tc.BatchSize = c.Trace.BatchSize
	tc.FlushInterval = c.Trace.FlushInterval
	tc.ExportTimeout = c.Trace.ExportTimeout
	tc.Redaction = c.Trace.Redaction
	tc.Retention = c.Trace.Retention
	tc.Strict = c.Trace.Strict != nil && *c.Trace.Strict
	tc.Exporter = tracing.ExporterConfig{
		Type:       c.Trace.Exporter,
		Endpoint:   c.Trace.Endpoint,
		WriteKey:   c.Trace.WriteKey,
		Headers:    c.Trace.Headers,
		SQLitePath: c.Trace.SQLitePath,
		TLS: tracing.TLSConfig{
			Enabled:           c.Trace.TLS,
			VerifyCertificate: c.Trace.TLSVerify,
			CACertPath:        c.Trace.CACertPath,
		},
	}
	return tc
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return &prerollerrors.ConfigError{Key: "service_name", Reason: "must not be empty"}
	}
	if c.Port < 1 || c.Port > 65535 {
		return &prerollerrors.ConfigError{Key: "PORT", Reason: fmt.Sprintf("must be between 1 and 65535, got %d", c.Port)}
	}
	if c.ShutdownTimeout <= 0 {
		return &prerollerrors.ConfigError{Key: "SHUTDOWN_TIMEOUT", Reason: "must be positive"}
	}
	if c.LogLevel != "" && !validLevel(c.LogLevel) {
		return &prerollerrors.ConfigError{Key: "LOGLEVEL", Reason: fmt.Sprintf("unknown level %q", c.LogLevel)}
	}
	switch log.Format(c.LogFormat) {
	case "", log.FormatJSON, log.FormatPretty, log.FormatText:
	default:
		return &prerollerrors.ConfigError{Key: "LOG_FORMAT", Reason: fmt.Sprintf("must be json, pretty or text, got %q", c.LogFormat)}
	}
	return c.Tracing().Validate()
}

func validLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
