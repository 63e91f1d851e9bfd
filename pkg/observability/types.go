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

// Package observability provides the finished-span data model shared by the
// span recorder, the exporter, and the wire sinks.
package observability

import (
	"time"
)

// Span is a finished (or snapshotted) unit of work in a trace.
// Spans form a tree rooted at the request span.
type Span struct {
	// TraceID identifies the entire trace. Stable across hops.
	TraceID string

	// SpanID uniquely identifies this span within the trace.
	SpanID string

	// ParentID is the SpanID of the parent span. Empty for root spans.
	ParentID string

	// Name is the operation label, e.g. "http.request" or "db.query".
	Name string

	// Kind indicates the span's role in the trace.
	Kind SpanKind

	// StartTime is when this span began.
	StartTime time.Time

	// EndTime is when this span completed. Zero for active spans.
	EndTime time.Time

	// Status indicates the span's outcome.
	Status SpanStatus

	// Attributes are ordered scalar key-value pairs.
	Attributes []Attribute
}

// SpanKind categorizes the type of work represented by a span.
type SpanKind string

const (
	// SpanKindInternal represents work happening within the application.
	SpanKindInternal SpanKind = "internal"

	// SpanKindClient represents an outbound synchronous call.
	SpanKindClient SpanKind = "client"

	// SpanKindServer represents handling an inbound synchronous request.
	SpanKindServer SpanKind = "server"
)

// SpanStatus indicates whether a span completed successfully.
type SpanStatus struct {
	// Code is the status category.
	Code StatusCode

	// Message provides additional context for errors.
	Message string
}

// StatusCode represents the outcome of a span.
type StatusCode int

const (
	// StatusCodeUnset indicates no status was explicitly set.
	StatusCodeUnset StatusCode = 0

	// StatusCodeOK indicates successful completion.
	StatusCodeOK StatusCode = 1

	// StatusCodeError indicates an error occurred.
	StatusCodeError StatusCode = 2
)

// String returns the wire name of the status code.
func (c StatusCode) String() string {
	switch c {
	case StatusCodeOK:
		return "ok"
	case StatusCodeError:
		return "error"
	default:
		return "unset"
	}
}

// OK is the successful status.
func OK() SpanStatus {
	return SpanStatus{Code: StatusCodeOK}
}

// Error returns an error status carrying message.
func Error(message string) SpanStatus {
	return SpanStatus{Code: StatusCodeError, Message: message}
}

// Attribute is a single span attribute. Value is one of string, int64,
// float64 or bool.
type Attribute struct {
	Key   string
	Value any
}

// Normalize coerces v into one of the scalar attribute types.
// ok is false for values that have no scalar form.
func Normalize(v any) (any, bool) {
	switch val := v.(type) {
	case string, int64, float64, bool:
		return val, true
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case uint:
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		return int64(val), true
	case float32:
		return float64(val), true
	case time.Duration:
		return float64(val) / float64(time.Millisecond), true
	case error:
		return val.Error(), true
	case interface{ String() string }:
		return val.String(), true
	default:
		return nil, false
	}
}

// Duration returns the span's execution time.
// Returns 0 for active spans (EndTime is zero).
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// IsActive returns true if the span is still in progress.
func (s *Span) IsActive() bool {
	return s.EndTime.IsZero()
}

// IsRoot reports whether the span has no parent in this trace.
func (s *Span) IsRoot() bool {
	return s.ParentID == ""
}

// Attr returns the value of the attribute named key.
func (s *Span) Attr(key string) (any, bool) {
	for i := len(s.Attributes) - 1; i >= 0; i-- {
		if s.Attributes[i].Key == key {
			return s.Attributes[i].Value, true
		}
	}
	return nil, false
}

// Batch is an ordered group of finished spans handed to the exporter.
// The root span comes first.
type Batch struct {
	// Dataset routes the batch at the telemetry backend.
	Dataset string

	// Spans are the finished spans of one request.
	Spans []Span
}

// Len returns the number of spans in the batch.
func (b Batch) Len() int {
	return len(b.Spans)
}
