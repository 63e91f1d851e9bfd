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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultHeader is the default propagation header name.
//
// The value is a comma-delimited list:
//
//	trace_id,parent_span_id,dataset_hint,sampled
//
// where sampled is "1" or "0". Missing trailing fields take defaults.
//
//	X-Trace-Context: abc123,def456,mysvc,1
const DefaultHeader = "X-Trace-Context"

const (
	maxFields     = 4
	maxFieldLen   = 128
	maxLoggedHead = 128
)

// ErrMalformedHeader is returned by ParseHeader for values that do not
// follow the propagation format.
var ErrMalformedHeader = errors.New("malformed trace header")

// Propagation is a parsed propagation header.
type Propagation struct {
	TraceID  string
	ParentID string
	Dataset  string

	// Sampled is nil when the header did not carry a decision.
	Sampled *bool
}

// ParseHeader parses a propagation header value.
func ParseHeader(value string) (Propagation, error) {
	if strings.TrimSpace(value) == "" {
		return Propagation{}, fmt.Errorf("%w: empty value", ErrMalformedHeader)
	}

	fields := strings.Split(value, ",")
	if len(fields) > maxFields {
		return Propagation{}, fmt.Errorf("%w: %d fields, at most %d allowed", ErrMalformedHeader, len(fields), maxFields)
	}
	for i, f := range fields {
		if err := checkField(f); err != nil {
			return Propagation{}, fmt.Errorf("%w: field %d: %v", ErrMalformedHeader, i+1, err)
		}
	}

	var p Propagation
	p.TraceID = fields[0]
	if p.TraceID == "" {
		return Propagation{}, fmt.Errorf("%w: missing trace id", ErrMalformedHeader)
	}
	if len(fields) > 1 {
		p.ParentID = fields[1]
	}
	if len(fields) > 2 {
		p.Dataset = fields[2]
	}
	if len(fields) > 3 {
		switch fields[3] {
		case "":
		case "1":
			sampled := true
			p.Sampled = &sampled
		case "0":
			sampled := false
			p.Sampled = &sampled
		default:
			return Propagation{}, fmt.Errorf("%w: sampled flag %q is not 1 or 0", ErrMalformedHeader, fields[3])
		}
	}
	return p, nil
}

// checkField accepts printable ASCII without spaces.
func checkField(f string) error {
	if len(f) > maxFieldLen {
		return fmt.Errorf("longer than %d characters", maxFieldLen)
	}
	for i := 0; i < len(f); i++ {
		if c := f[i]; c <= ' ' || c > '~' {
			return fmt.Errorf("invalid character at offset %d", i)
		}
	}
	return nil
}

// Codec decodes inbound propagation headers into correlation contexts and
// encodes contexts for outbound calls.
type Codec struct {
	header  string
	sampler Sampler
	logger  *slog.Logger
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithHeaderName sets the propagation header name.
func WithHeaderName(name string) CodecOption {
	return func(c *Codec) {
		if name != "" {
			c.header = http.CanonicalHeaderKey(name)
		}
	}
}

// WithSampler sets the sampler used for new roots and for headers that
// carry no sampling decision.
func WithSampler(s Sampler) CodecOption {
	return func(c *Codec) {
		if s != nil {
			c.sampler = s
		}
	}
}

// WithCodecLogger sets the logger that receives malformed-header warnings.
func WithCodecLogger(l *slog.Logger) CodecOption {
	return func(c *Codec) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCodec creates a codec. By default it reads DefaultHeader and samples
// every trace.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{
		header:  DefaultHeader,
		sampler: AlwaysSample(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HeaderName returns the canonical propagation header name.
func (c *Codec) HeaderName() string {
	return c.header
}

// Decode builds the correlation context for a request. present reports
// whether the header was sent at all. Decode never fails: absent or
// malformed headers yield a fresh root.
func (c *Codec) Decode(value string, present bool) CorrelationContext {
	if !present {
		return c.newRoot()
	}

	p, err := ParseHeader(value)
	if err != nil {
		c.logger.Warn("trace header could not be parsed, starting new trace",
			"header", c.header,
			"value", truncate(value, maxLoggedHead),
			"error", err.Error(),
		)
		return c.newRoot()
	}

	sampled := false
	if p.Sampled != nil {
		sampled = *p.Sampled
	} else {
		sampled = c.sampler.ShouldSample(p.TraceID)
	}

	return CorrelationContext{
		CorrelationID: NewCorrelationID(),
		TraceID:       p.TraceID,
		SpanID:        NewSpanID(),
		ParentSpanID:  p.ParentID,
		Sampled:       sampled,
		Dataset:       p.Dataset,
		Upstream:      true,
	}
}

// DecodeRequest decodes the propagation header of r. Repeated headers are
// malformed.
func (c *Codec) DecodeRequest(r *http.Request) CorrelationContext {
	values := r.Header.Values(c.header)
	switch len(values) {
	case 0:
		return c.Decode("", false)
	case 1:
		return c.Decode(values[0], true)
	default:
		c.logger.Warn("trace header repeated, starting new trace",
			"header", c.header,
			"count", len(values),
		)
		return c.newRoot()
	}
}

// Encode serialises cc for a downstream call. The current span becomes the
// downstream parent. The output always has four fields.
func (c *Codec) Encode(cc CorrelationContext) string {
	sampled := "0"
	if cc.Sampled {
		sampled = "1"
	}
	return strings.Join([]string{cc.TraceID, cc.SpanID, cc.Dataset, sampled}, ",")
}

// Inject sets the propagation header on an outbound request.
func (c *Codec) Inject(req *http.Request, cc CorrelationContext) {
	if !cc.Valid() {
		return
	}
	req.Header.Set(c.header, c.Encode(cc))
}

func (c *Codec) newRoot() CorrelationContext {
	traceID := NewTraceID()
	return CorrelationContext{
		CorrelationID: NewCorrelationID(),
		TraceID:       traceID,
		SpanID:        NewSpanID(),
		Sampled:       c.sampler.ShouldSample(traceID),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
