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

package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs one JSON object per line for machine parsing.
	FormatJSON Format = "json"
	// FormatPretty outputs an indented, optionally colorized layout for
	// local development.
	FormatPretty Format = "pretty"
	// FormatText outputs slog's logfmt-style text.
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug, used for detailed tracing such as
// outbound request headers.
const LevelTrace = slog.Level(-8)

// Standard field keys for structured logging.
const (
	TimestampKey     = "timestamp"
	LevelKey         = "level"
	MessageKey       = "message"
	ComponentKey     = "component"
	CorrelationIDKey = "correlation_id"
	RequestIDKey     = "request_id"
	TraceIDKey       = "trace_id"
	SpanIDKey        = "span_id"
	ParentSpanIDKey  = "parent_span_id"
	DurationKey      = "duration_ms"
	ErrorKey         = "error"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Default: info
	Level string

	// Format sets the output format (json, pretty, text).
	// Default: json
	Format Format

	// Output is the writer for log output.
	// Default: os.Stderr
	Output io.Writer

	// AddSource adds source file and line information to logs.
	// Default: false
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// IsProduction reports whether environment names a production deployment.
// Any name starting with "prod" counts.
func IsProduction(environment string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(environment)), "prod")
}

// ForEnvironment returns the defaults for an environment: JSON at info in
// production, pretty at debug everywhere else.
func ForEnvironment(environment string) *Config {
	cfg := DefaultConfig()
	if !IsProduction(environment) {
		cfg.Level = "debug"
		cfg.Format = FormatPretty
	}
	return cfg
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	return slog.New(NewHandler(cfg))
}

// NewHandler returns the slog handler New would use.
func NewHandler(cfg *Config) slog.Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	switch cfg.Format {
	case FormatPretty:
		return NewPrettyHandler(out, opts)
	case FormatText:
		return slog.NewTextHandler(out, opts)
	default:
		opts.ReplaceAttr = replaceJSONAttr
		return slog.NewJSONHandler(out, opts)
	}
}

// replaceJSONAttr renames slog's built-in keys to the production log
// schema and lowercases the level.
func replaceJSONAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		a.Key = TimestampKey
	case slog.MessageKey:
		a.Key = MessageKey
	case slog.LevelKey:
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(LevelName(lvl))
		}
	}
	return a
}

// ParseLevel converts a string level to slog.Level. Unknown names map to
// info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelName returns the lowercase name used on the wire.
func LevelName(l slog.Level) string {
	switch {
	case l < slog.LevelDebug:
		return "trace"
	case l < slog.LevelInfo:
		return "debug"
	case l < slog.LevelWarn:
		return "info"
	case l < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}

// WithCorrelationID returns a new logger with a correlation ID field.
func WithCorrelationID(logger *slog.Logger, correlationID string) *slog.Logger {
	return logger.With(CorrelationIDKey, correlationID)
}

// WithComponent returns a new logger with a component name field.
// Component names help identify which part of the system generated the log.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(ComponentKey, component)
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(ErrorKey, "")
	}
	return slog.String(ErrorKey, err.Error())
}

// SanitizeAPIKey masks an API key, showing only the last 4 characters.
// Returns "[REDACTED]" if the key is 4 characters or shorter.
func SanitizeAPIKey(key string) string {
	if len(key) <= 4 {
		return "[REDACTED]"
	}
	return "..." + key[len(key)-4:]
}
