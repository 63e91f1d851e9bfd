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
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"

	"github.com/google/uuid"
)

// CorrelationID is a per-request identifier used for log correlation,
// independent of distributed tracing. It uses RFC 4122 UUID format.
type CorrelationID string

// HeaderCorrelationID is the response header carrying the correlation ID.
const HeaderCorrelationID = "X-Correlation-Id"

// uuidRegex validates RFC 4122 UUID format.
var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// NewCorrelationID generates a new random correlation ID.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.New().String())
}

// String returns the string representation of the correlation ID.
func (c CorrelationID) String() string {
	return string(c)
}

// IsValid checks if the correlation ID is a valid UUID format.
func (c CorrelationID) IsValid() bool {
	return uuidRegex.MatchString(string(c))
}

// NewTraceID mints a trace ID: 16 random bytes as 32 lowercase hex characters.
func NewTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// NewSpanID mints a span ID: 8 random bytes as 16 lowercase hex characters.
func NewSpanID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms; fall back to
		// the uuid generator so the ID is never empty.
		id := uuid.New()
		copy(b[:], id[8:])
	}
	return hex.EncodeToString(b[:])
}

// CorrelationContext is the identity of one request: its correlation ID and
// its position in a distributed trace. It is immutable once built.
type CorrelationContext struct {
	// CorrelationID is fresh for every request.
	CorrelationID CorrelationID

	// TraceID identifies the whole distributed trace. Never empty.
	TraceID string

	// SpanID identifies this request's span. Never empty.
	SpanID string

	// ParentSpanID is the upstream span when continuing a trace.
	ParentSpanID string

	// Sampled reports whether this trace's spans are exported.
	Sampled bool

	// Dataset is an optional routing hint for the telemetry backend.
	Dataset string

	// Upstream reports whether the context continues a trace received in a
	// propagation header.
	Upstream bool
}

// NewRootContext returns a context that starts a new trace.
func NewRootContext(sampled bool) CorrelationContext {
	return CorrelationContext{
		CorrelationID: NewCorrelationID(),
		TraceID:       NewTraceID(),
		SpanID:        NewSpanID(),
		Sampled:       sampled,
	}
}

// IsRoot reports whether the context has no upstream parent.
func (c CorrelationContext) IsRoot() bool {
	return c.ParentSpanID == ""
}

// Valid reports whether the trace and span IDs are set.
func (c CorrelationContext) Valid() bool {
	return c.TraceID != "" && c.SpanID != ""
}

// WithSpan returns a copy positioned at spanID, whose parent is parentID.
// The sampling decision and dataset are inherited.
func (c CorrelationContext) WithSpan(spanID, parentID string) CorrelationContext {
	c.SpanID = spanID
	c.ParentSpanID = parentID
	return c
}

type correlationKeyType struct{}

var correlationKey = correlationKeyType{}

// ToContext stores the correlation context in ctx.
func ToContext(ctx context.Context, cc CorrelationContext) context.Context {
	return context.WithValue(ctx, correlationKey, cc)
}

// FromContext retrieves the correlation context from ctx.
func FromContext(ctx context.Context) (CorrelationContext, bool) {
	cc, ok := ctx.Value(correlationKey).(CorrelationContext)
	return cc, ok
}

// CorrelationIDFromContext returns the request's correlation ID, or empty.
func CorrelationIDFromContext(ctx context.Context) CorrelationID {
	if cc, ok := FromContext(ctx); ok {
		return cc.CorrelationID
	}
	return ""
}
