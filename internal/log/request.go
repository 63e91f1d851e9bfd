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
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Placeholders for request fields the client did not send.
const (
	NoPeerAddress = "(no Peer Address)"
	NoReferer     = "(no Referer)"
	NoUserAgent   = "(no User-Agent)"
)

// RequestRecord is the structured summary of one request/response cycle.
type RequestRecord struct {
	Method   string
	Path     string
	Status   int
	Duration time.Duration
	BodySize int64

	ClientAddr string
	Referer    string
	UserAgent  string

	// Error is the server-side error detail. It is logged in full even
	// though clients only see a generic envelope.
	Error     string
	ErrorType string

	// Panicked marks requests whose handler panicked. They are always
	// logged at error, whatever the logger's level.
	Panicked bool

	// Cancelled marks requests whose context ended before the handler
	// returned.
	Cancelled bool

	RequestID     string
	CorrelationID string
	TraceID       string
	SpanID        string
	ParentSpanID  string
}

// DurationMillis returns the duration in fractional milliseconds.
func (rec *RequestRecord) DurationMillis() float64 {
	return float64(rec.Duration) / float64(time.Millisecond)
}

// Level returns the severity the record is logged at: error for 5xx,
// panics and handler errors, warn for other 4xx, info otherwise.
func (rec *RequestRecord) Level() slog.Level {
	switch {
	case rec.Panicked || rec.Status >= 500 || rec.Error != "":
		return slog.LevelError
	case rec.Status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Message returns the log message for the record's status.
func (rec *RequestRecord) Message() string {
	switch {
	case rec.Panicked || rec.Status >= 500:
		return "Internal Error"
	case rec.Status >= 400:
		return "Client Error: " + http.StatusText(rec.Status)
	default:
		if text := http.StatusText(rec.Status); text != "" {
			return text
		}
		return fmt.Sprintf("Status %d", rec.Status)
	}
}

// Attrs returns the record's fields. Identifiers come last so the
// request-specific fields lead in plain-text renderings.
func (rec *RequestRecord) Attrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("method", rec.Method),
		slog.String("path", rec.Path),
		slog.Int("status", rec.Status),
		slog.Float64(DurationKey, rec.DurationMillis()),
		slog.Int64("body_size", rec.BodySize),
		slog.String("client_addr", orDefault(rec.ClientAddr, NoPeerAddress)),
		slog.String("referer", orDefault(rec.Referer, NoReferer)),
		slog.String("user_agent", orDefault(rec.UserAgent, NoUserAgent)),
	}
	if rec.Error != "" {
		attrs = append(attrs, slog.String(ErrorKey, rec.Error))
		if rec.ErrorType != "" {
			attrs = append(attrs, slog.String("error_type", rec.ErrorType))
		}
	}
	if rec.Panicked {
		attrs = append(attrs, slog.Bool("panicked", true))
	}
	if rec.Cancelled {
		attrs = append(attrs, slog.Bool("cancelled", true))
	}

	attrs = append(attrs,
		slog.String(RequestIDKey, rec.RequestID),
		slog.String(CorrelationIDKey, rec.CorrelationID),
		slog.String(TraceIDKey, rec.TraceID),
		slog.String(SpanIDKey, rec.SpanID),
	)
	if rec.ParentSpanID != "" {
		attrs = append(attrs, slog.String(ParentSpanIDKey, rec.ParentSpanID))
	}
	return attrs
}

// LogRequest emits rec as one log line. Panicked requests go straight to
// the handler so they are written even when error is filtered out.
func LogRequest(ctx context.Context, logger *slog.Logger, rec *RequestRecord) {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	level := rec.Level()
	if rec.Panicked {
		r := slog.NewRecord(time.Now(), level, rec.Message(), 0)
		r.AddAttrs(rec.Attrs()...)
		_ = logger.Handler().Handle(ctx, r)
		return
	}
	logger.LogAttrs(ctx, level, rec.Message(), rec.Attrs()...)
}

// LogIncoming logs the start of a request at trace level.
func LogIncoming(ctx context.Context, logger *slog.Logger, rec *RequestRecord) {
	if logger == nil || !logger.Enabled(ctx, LevelTrace) {
		return
	}
	logger.LogAttrs(ctx, LevelTrace, "Incoming Request",
		slog.String("method", rec.Method),
		slog.String("path", rec.Path),
		slog.String("client_addr", orDefault(rec.ClientAddr, NoPeerAddress)),
		slog.String("referer", orDefault(rec.Referer, NoReferer)),
		slog.String("user_agent", orDefault(rec.UserAgent, NoUserAgent)),
		slog.String(RequestIDKey, rec.RequestID),
		slog.String(CorrelationIDKey, rec.CorrelationID),
	)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
