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
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/preroll/pkg/observability"
)

// Attribute keys added when converting to OpenTelemetry spans.
const (
	AttrDataset         = "preroll.dataset"
	AttrUpstreamTraceID = "preroll.upstream_trace_id"
)

// idNamespace seeds the name-based UUIDs that map non-hex upstream IDs to
// OpenTelemetry IDs.
var idNamespace = uuid.MustParse("5b0a2c1e-7f3d-4c5a-9e1b-2d6f8a4c3e71")

// SpanExporterSink adapts an OpenTelemetry SpanExporter to
// observability.Sink.
type SpanExporterSink struct {
	exporter sdktrace.SpanExporter
	resource *resource.Resource
	scope    instrumentation.Scope
	once     sync.Once
	err      error
}

// NewSpanExporterSink wraps exporter. serviceName is recorded as the
// service.name resource attribute.
func NewSpanExporterSink(exporter sdktrace.SpanExporter, serviceName string) *SpanExporterSink {
	return &SpanExporterSink{
		exporter: exporter,
		resource: resource.NewSchemaless(attribute.String("service.name", serviceName)),
		scope:    instrumentation.Scope{Name: "github.com/tombee/preroll"},
	}
}

// Export implements observability.Sink.
func (s *SpanExporterSink) Export(ctx context.Context, dataset string, spans []observability.Span) error {
	if len(spans) == 0 {
		return nil
	}
	return s.exporter.ExportSpans(ctx, s.convert(dataset, spans))
}

// Shutdown implements observability.Sink.
func (s *SpanExporterSink) Shutdown(ctx context.Context) error {
	s.once.Do(func() { s.err = s.exporter.Shutdown(ctx) })
	return s.err
}

func (s *SpanExporterSink) convert(dataset string, spans []observability.Span) []sdktrace.ReadOnlySpan {
	local := make(map[string]bool, len(spans))
	for i := range spans {
		local[spans[i].SpanID] = true
	}

	stubs := make(tracetest.SpanStubs, 0, len(spans))
	for i := range spans {
		sp := &spans[i]
		tid, mapped := TraceID(sp.TraceID)

		attrs := make([]attribute.KeyValue, 0, len(sp.Attributes)+2)
		for _, a := range sp.Attributes {
			attrs = append(attrs, toKeyValue(a))
		}
		attrs = append(attrs, attribute.String(AttrDataset, dataset))
		if mapped {
			attrs = append(attrs, attribute.String(AttrUpstreamTraceID, sp.TraceID))
		}

		stub := tracetest.SpanStub{
			Name: sp.Name,
			SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    tid,
				SpanID:     SpanID(sp.SpanID),
				TraceFlags: trace.FlagsSampled,
			}),
			SpanKind:             toSpanKind(sp.Kind),
			StartTime:            sp.StartTime,
			EndTime:              sp.EndTime,
			Attributes:           attrs,
			Status:               toStatus(sp.Status),
			Resource:             s.resource,
			InstrumentationScope: s.scope,
		}
		if sp.ParentID != "" {
			stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    tid,
				SpanID:     SpanID(sp.ParentID),
				TraceFlags: trace.FlagsSampled,
				Remote:     !local[sp.ParentID],
			})
		}
		stubs = append(stubs, stub)
	}
	return stubs.Snapshots()
}

// TraceID maps a trace ID to an OpenTelemetry trace ID. IDs that are not
// 32 lowercase hex characters are mapped through a name-based UUID;
// mapped reports whether that happened.
func TraceID(id string) (tid trace.TraceID, mapped bool) {
	if parsed, err := trace.TraceIDFromHex(id); err == nil {
		return parsed, false
	}
	u := uuid.NewSHA1(idNamespace, []byte(id))
	copy(tid[:], u[:])
	return tid, true
}

// SpanID maps a span ID to an OpenTelemetry span ID, the same way TraceID
// does.
func SpanID(id string) trace.SpanID {
	if parsed, err := trace.SpanIDFromHex(id); err == nil {
		return parsed
	}
	var sid trace.SpanID
	u := uuid.NewSHA1(idNamespace, []byte(id))
	copy(sid[:], u[:8])
	return sid
}

func toSpanKind(k observability.SpanKind) trace.SpanKind {
	switch k {
	case observability.SpanKindServer:
		return trace.SpanKindServer
	case observability.SpanKindClient:
		return trace.SpanKindClient
	default:
		return trace.SpanKindInternal
	}
}

func toStatus(st observability.SpanStatus) sdktrace.Status {
	switch st.Code {
	case observability.StatusCodeOK:
		return sdktrace.Status{Code: codes.Ok}
	case observability.StatusCodeError:
		return sdktrace.Status{Code: codes.Error, Description: st.Message}
	default:
		return sdktrace.Status{Code: codes.Unset}
	}
}

func toKeyValue(a observability.Attribute) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprint(v))
	}
}

var _ observability.Sink = (*SpanExporterSink)(nil)
