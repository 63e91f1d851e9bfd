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

package tracing

import (
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	prerollerrors "github.com/tombee/preroll/pkg/errors"
)

// Config holds tracing configuration.
type Config struct {
	// ServiceName identifies this service in traces and the default dataset.
	ServiceName string

	// Environment is the deployment environment, e.g. "development".
	Environment string

	// Header is the propagation header name.
	Header string

	// SampleRate is the fraction of traces to export (0.0 - 1.0).
	SampleRate float64

	// Dataset is the default dataset for batches whose context carries no
	// hint. Empty means "<service>-<environment>".
	Dataset string

	// AllowedDatasets are doublestar patterns a propagated dataset hint
	// must match to be used. Hints that match none fall back to Dataset.
	// Empty accepts any hint.
	AllowedDatasets []string

	// Exporter configures the sink spans are delivered to.
	Exporter ExporterConfig

	// QueueCapacity is the number of batches the export queue holds before
	// the oldest is dropped (default: 256).
	QueueCapacity int

	// BatchSize is the queue length that triggers an early flush, and the
	// most batches handed to the sink per flush (default: 50).
	BatchSize int

	// FlushInterval is how often the queue is flushed (default: 1s).
	FlushInterval time.Duration

	// ExportTimeout bounds a single sink call (default: 10s).
	ExportTimeout time.Duration

	// Redaction is the span redaction mode: "none", "standard" or
	// "strict" (default: standard).
	Redaction string

	// Retention is how long the sqlite sink keeps spans. Zero keeps them
	// forever.
	Retention time.Duration

	// Strict turns span invariant violations into panics.
	Strict bool
}

// ExporterConfig defines the export destination.
type ExporterConfig struct {
	// Type is the sink type: "honeycomb", "otlp", "otlp-http", "console",
	// "sqlite" or "none".
	Type string

	// Endpoint is the receiver URL or host:port.
	Endpoint string

	// WriteKey authenticates with the honeycomb API.
	WriteKey string

	// Headers are additional headers for OTLP sinks.
	Headers map[string]string

	// TLS configures secure connections for OTLP sinks.
	TLS TLSConfig

	// SQLitePath is the database file for the sqlite sink.
	SQLitePath string
}

// TLSConfig configures TLS for exporters.
type TLSConfig struct {
	// Enabled activates TLS.
	Enabled bool

	// VerifyCertificate controls certificate validation.
	VerifyCertificate bool

	// CACertPath is the path to the CA certificate.
	CACertPath string
}

// Sink types accepted in ExporterConfig.Type.
const (
	SinkHoneycomb = "honeycomb"
	SinkOTLP      = "otlp"
	SinkOTLPHTTP  = "otlp-http"
	SinkConsole   = "console"
	SinkSQLite    = "sqlite"
	SinkNone      = "none"
)

// DefaultHoneycombEndpoint is the public honeycomb API.
const DefaultHoneycombEndpoint = "https://api.honeycomb.io"

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName: "preroll",
		Environment: "development",
		Header:      DefaultHeader,
		SampleRate:  1.0,
		Exporter: ExporterConfig{
			Type:       SinkNone,
			Endpoint:   DefaultHoneycombEndpoint,
			SQLitePath: "traces.db",
		},
		QueueCapacity: 256,
		BatchSize:     50,
		FlushInterval: time.Second,
		ExportTimeout: 10 * time.Second,
		Redaction:     "standard",
	}
}

// DefaultDataset returns the configured dataset, or "<service>-<environment>".
func (c Config) DefaultDataset() string {
	if c.Dataset != "" {
		return c.Dataset
	}
	return c.ServiceName + "-" + c.Environment
}

// Sampler returns the sampler for the configured rate.
func (c Config) Sampler() Sampler {
	return NewRatioSampler(c.SampleRate)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return &prerollerrors.ConfigError{Key: "service_name", Reason: "must not be empty"}
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return &prerollerrors.ConfigError{Key: "TRACE_SAMPLE_RATE", Reason: "must be between 0.0 and 1.0"}
	}
	if c.QueueCapacity <= 0 {
		return &prerollerrors.ConfigError{Key: "TRACE_QUEUE_CAPACITY", Reason: "must be positive"}
	}
	if c.BatchSize <= 0 {
		return &prerollerrors.ConfigError{Key: "TRACE_BATCH_SIZE", Reason: "must be positive"}
	}
	if c.FlushInterval <= 0 {
		return &prerollerrors.ConfigError{Key: "TRACE_FLUSH_INTERVAL", Reason: "must be positive"}
	}
	for _, p := range c.AllowedDatasets {
		if !doublestar.ValidatePattern(p) {
			return &prerollerrors.ConfigError{Key: "TRACE_ALLOWED_DATASETS", Reason: fmt.Sprintf("invalid pattern %q", p)}
		}
	}
	switch c.Redaction {
	case "", "none", "standard", "strict":
	default:
		return &prerollerrors.ConfigError{Key: "TRACE_REDACTION", Reason: "must be none, standard or strict"}
	}
	switch c.Exporter.Type {
	case SinkHoneycomb:
		if c.Exporter.WriteKey == "" {
			return &prerollerrors.ConfigError{Key: "HONEYCOMBIO_WRITE_KEY", Reason: "required for the honeycomb exporter"}
		}
	case SinkOTLP, SinkOTLPHTTP:
		if c.Exporter.Endpoint == "" {
			return &prerollerrors.ConfigError{Key: "TRACE_ENDPOINT", Reason: "required for OTLP exporters"}
		}
	case SinkSQLite:
		if c.Exporter.SQLitePath == "" {
			return &prerollerrors.ConfigError{Key: "TRACE_SQLITE_PATH", Reason: "required for the sqlite exporter"}
		}
	case SinkConsole, SinkNone, "":
	default:
		return &prerollerrors.ConfigError{Key: "TRACE_EXPORTER", Reason: "unknown exporter type " + c.Exporter.Type}
	}
	return nil
}
