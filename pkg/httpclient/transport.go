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

package httpclient

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/preroll/internal/tracing"
	"github.com/tombee/preroll/pkg/observability"
)

// SpanName is the name of the child span opened for each outbound request.
const SpanName = "http.client"

// tracingTransport wraps an http.RoundTripper with:
// - a child span per request
// - propagation and correlation headers
// - User-Agent injection
// - a log record with the sanitized URL and duration
type tracingTransport struct {
	base      http.RoundTripper
	userAgent string
	codec     *tracing.Codec
	logger    *slog.Logger
}

// NewTransport wraps base so that requests join the caller's trace.
// A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, cfg Config) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &tracingTransport{
		base:      base,
		userAgent: cfg.UserAgent,
		codec:     cfg.Codec,
		logger:    cfg.Logger,
	}
	if t.codec == nil {
		t.codec = tracing.NewCodec()
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *tracingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	ctx, span := tracing.StartSpan(req.Context(), SpanName, observability.SpanKindClient)
	req = req.Clone(ctx)

	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	logURL := sanitizeURL(req.URL)
	span.SetAttribute("http.method", req.Method)
	span.SetAttribute("http.url", logURL)
	span.SetAttribute("http.host", req.URL.Host)

	cc, ok := tracing.FromContext(ctx)
	if span != nil {
		cc, ok = span.Context(), true
	}
	if ok {
		t.codec.Inject(req, cc)
		if cc.CorrelationID.IsValid() {
			req.Header.Set(tracing.HeaderCorrelationID, cc.CorrelationID.String())
		}
	}

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		span.SetAttribute("error", err.Error())
		span.Close(observability.Error(err.Error()))
		t.logger.WarnContext(ctx, "http request failed",
			"method", req.Method,
			"url", logURL,
			"duration_ms", duration,
			"error", err.Error(),
		)
		return nil, err
	}

	span.SetAttribute("http.status_code", resp.StatusCode)
	if resp.StatusCode >= 500 {
		span.Close(observability.Error(http.StatusText(resp.StatusCode)))
	} else {
		span.Close(observability.OK())
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	t.logger.Log(ctx, level, "http request",
		"method", req.Method,
		"url", logURL,
		"status", resp.StatusCode,
		"duration_ms", duration,
	)
	return resp, nil
}
