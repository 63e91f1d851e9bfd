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

package export

import (
	"context"
	"fmt"

	"github.com/tombee/preroll/internal/tracing"
	"github.com/tombee/preroll/internal/tracing/redact"
	"github.com/tombee/preroll/internal/tracing/storage"
	"github.com/tombee/preroll/pkg/observability"
)

// NewSink creates the sink selected by cfg.Exporter.Type, wrapped in the
// configured redaction. Type "none" (or empty) returns
// observability.Discard.
func NewSink(ctx context.Context, cfg tracing.Config) (observability.Sink, error) {
	mode, err := redact.ParseMode(cfg.Redaction)
	if err != nil {
		return nil, err
	}
	sink, err := newSink(ctx, cfg)
	if err != nil || sink == observability.Discard {
		return sink, err
	}
	return redact.NewSink(redact.NewRedactor(mode), sink), nil
}

func newSink(ctx context.Context, cfg tracing.Config) (observability.Sink, error) {
	ec := cfg.Exporter

	switch ec.Type {
	case tracing.SinkHoneycomb:
		endpoint := ec.Endpoint
		if endpoint == "" {
			endpoint = tracing.DefaultHoneycombEndpoint
		}
		return NewHoneycombSink(HoneycombConfig{
			Endpoint: endpoint,
			WriteKey: ec.WriteKey,
		})

	case tracing.SinkOTLP:
		tlsConfig, err := BuildTLSConfig(tlsInput(ec.TLS))
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config for OTLP exporter: %w", err)
		}
		return NewOTLPSink(ctx, OTLPConfig{
			Endpoint:    ec.Endpoint,
			Insecure:    !ec.TLS.Enabled,
			TLSConfig:   tlsConfig,
			Headers:     ec.Headers,
			ServiceName: cfg.ServiceName,
		})

	case tracing.SinkOTLPHTTP, "otlp_http":
		tlsConfig, err := BuildTLSConfig(tlsInput(ec.TLS))
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config for OTLP HTTP exporter: %w", err)
		}
		return NewOTLPHTTPSink(ctx, OTLPHTTPConfig{
			Endpoint:    ec.Endpoint,
			Insecure:    !ec.TLS.Enabled,
			TLSConfig:   tlsConfig,
			Headers:     ec.Headers,
			ServiceName: cfg.ServiceName,
		})

	case tracing.SinkConsole:
		return NewConsoleSink(ConsoleConfig{
			PrettyPrint: true,
			ServiceName: cfg.ServiceName,
		})

	case tracing.SinkSQLite:
		store, err := storage.New(storage.Config{Path: ec.SQLitePath})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite sink: %w", err)
		}
		return store, nil

	case tracing.SinkNone, "":
		return observability.Discard, nil

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", ec.Type)
	}
}

func tlsInput(t tracing.TLSConfig) TLSConfigInput {
	return TLSConfigInput{
		Enabled:           t.Enabled,
		VerifyCertificate: t.VerifyCertificate,
		CACertPath:        t.CACertPath,
	}
}

// PrunerOf returns the sink, or a sink it wraps, that can delete old
// spans. Only the sqlite sink can.
func PrunerOf(sink observability.Sink) (tracing.Pruner, bool) {
	for sink != nil {
		if p, ok := sink.(tracing.Pruner); ok {
			return p, true
		}
		u, ok := sink.(interface{ Unwrap() observability.Sink })
		if !ok {
			return nil, false
		}
		sink = u.Unwrap()
	}
	return nil, false
}
