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
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeader(t *testing.T) {
	yes, no := true, false

	tests := []struct {
		name    string
		value   string
		want    Propagation
		wantErr bool
	}{
		{
			name:  "all fields",
			value: "abc123,def456,mysvc,1",
			want:  Propagation{TraceID: "abc123", ParentID: "def456", Dataset: "mysvc", Sampled: &yes},
		},
		{
			name:  "not sampled",
			value: "abc123,def456,mysvc,0",
			want:  Propagation{TraceID: "abc123", ParentID: "def456", Dataset: "mysvc", Sampled: &no},
		},
		{
			name:  "trace id only",
			value: "abc123",
			want:  Propagation{TraceID: "abc123"},
		},
		{
			name:  "empty trailing fields",
			value: "abc123,def456,,",
			want:  Propagation{TraceID: "abc123", ParentID: "def456"},
		},
		{name: "empty", value: "", wantErr: true},
		{name: "blank", value: "   ", wantErr: true},
		{name: "missing trace id", value: ",def456", wantErr: true},
		{name: "too many fields", value: "a,b,c,1,extra", wantErr: true},
		{name: "bad sampled flag", value: "abc123,def456,mysvc,yes", wantErr: true},
		{name: "space in field", value: "abc 123,def456", wantErr: true},
		{name: "non ascii", value: "abcé,def456", wantErr: true},
		{name: "field too long", value: strings.Repeat("a", maxFieldLen+1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHeader(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedHeader)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newTestCodec(buf *bytes.Buffer, opts ...CodecOption) *Codec {
	logger := slog.New(slog.NewTextHandler(buf, nil))
	return NewCodec(append([]CodecOption{WithCodecLogger(logger)}, opts...)...)
}

func TestCodec_DecodeContinuesTrace(t *testing.T) {
	var buf bytes.Buffer
	c := newTestCodec(&buf)

	cc := c.Decode("abc123,def456,mysvc,1", true)

	assert.Equal(t, "abc123", cc.TraceID)
	assert.Equal(t, "def456", cc.ParentSpanID)
	assert.Equal(t, "mysvc", cc.Dataset)
	assert.True(t, cc.Sampled)
	assert.Regexp(t, spanIDPattern, cc.SpanID)
	assert.NotEqual(t, "def456", cc.SpanID)
	assert.True(t, cc.CorrelationID.IsValid())
	assert.True(t, cc.Upstream)
	assert.Empty(t, buf.String(), "valid header must not warn")
}

func TestCodec_DecodeAbsentStartsRoot(t *testing.T) {
	var buf bytes.Buffer
	c := newTestCodec(&buf, WithSampler(NeverSample()))

	cc := c.Decode("", false)

	assert.Regexp(t, traceIDPattern, cc.TraceID)
	assert.Regexp(t, spanIDPattern, cc.SpanID)
	assert.True(t, cc.IsRoot())
	assert.False(t, cc.Sampled)
	assert.Empty(t, cc.Dataset)
	assert.False(t, cc.Upstream)
	assert.Empty(t, buf.String(), "absent header must not warn")
}

func TestCodec_DecodeMalformedStartsRoot(t *testing.T) {
	values := []string{"", ",def456", "a,b,c,1,extra", "abc,def,ds,maybe"}

	for _, v := range values {
		t.Run(v, func(t *testing.T) {
			var buf bytes.Buffer
			c := newTestCodec(&buf)

			cc := c.Decode(v, true)

			assert.True(t, cc.Valid())
			assert.True(t, cc.IsRoot())
			assert.False(t, cc.Upstream)
			assert.Regexp(t, traceIDPattern, cc.TraceID)
			assert.Contains(t, buf.String(), "trace header could not be parsed")
		})
	}
}

func TestCodec_DecodeSamplingDecision(t *testing.T) {
	var buf bytes.Buffer

	never := newTestCodec(&buf, WithSampler(NeverSample()))
	assert.True(t, never.Decode("abc,def,,1", true).Sampled, "header decision wins over sampler")
	assert.False(t, never.Decode("abc,def", true).Sampled, "sampler decides without a flag")

	always := newTestCodec(&buf, WithSampler(AlwaysSample()))
	assert.False(t, always.Decode("abc,def,,0", true).Sampled)
	assert.True(t, always.Decode("abc,def", true).Sampled)
}

func TestCodec_DecodeRequest(t *testing.T) {
	t.Run("single header", func(t *testing.T) {
		var buf bytes.Buffer
		c := newTestCodec(&buf)
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(DefaultHeader, "abc123,def456,mysvc,1")

		cc := c.DecodeRequest(r)
		assert.Equal(t, "abc123", cc.TraceID)
	})

	t.Run("absent", func(t *testing.T) {
		var buf bytes.Buffer
		c := newTestCodec(&buf)
		cc := c.DecodeRequest(httptest.NewRequest(http.MethodGet, "/", nil))
		assert.True(t, cc.IsRoot())
		assert.Empty(t, buf.String())
	})

	t.Run("repeated", func(t *testing.T) {
		var buf bytes.Buffer
		c := newTestCodec(&buf)
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Add(DefaultHeader, "abc123,def456")
		r.Header.Add(DefaultHeader, "fff999,eee888")

		cc := c.DecodeRequest(r)
		assert.NotEqual(t, "abc123", cc.TraceID)
		assert.NotEqual(t, "fff999", cc.TraceID)
		assert.True(t, cc.IsRoot())
		assert.Contains(t, buf.String(), "trace header repeated")
	})

	t.Run("custom header name", func(t *testing.T) {
		var buf bytes.Buffer
		c := newTestCodec(&buf, WithHeaderName("x-my-trace"))
		assert.Equal(t, "X-My-Trace", c.HeaderName())

		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-My-Trace", "abc123")
		assert.Equal(t, "abc123", c.DecodeRequest(r).TraceID)
	})
}

func TestCodec_Encode(t *testing.T) {
	c := NewCodec()

	assert.Equal(t, "abc123,span01,mysvc,1", c.Encode(CorrelationContext{
		TraceID: "abc123", SpanID: "span01", ParentSpanID: "upstream", Dataset: "mysvc", Sampled: true,
	}))
	assert.Equal(t, "abc123,span01,,0", c.Encode(CorrelationContext{
		TraceID: "abc123", SpanID: "span01",
	}))
}

func TestCodec_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := newTestCodec(&buf, WithSampler(NeverSample()))
	upstream := NewRootContext(true)
	upstream.Dataset = "orders"

	downstream := c.Decode(c.Encode(upstream), true)

	assert.Equal(t, upstream.TraceID, downstream.TraceID)
	assert.Equal(t, upstream.SpanID, downstream.ParentSpanID)
	assert.Equal(t, "orders", downstream.Dataset)
	assert.True(t, downstream.Sampled)
	assert.NotEqual(t, upstream.CorrelationID, downstream.CorrelationID)
	assert.Empty(t, buf.String())
}

func TestCodec_Inject(t *testing.T) {
	c := NewCodec()

	req := httptest.NewRequest(http.MethodGet, "http://downstream/", nil)
	c.Inject(req, CorrelationContext{})
	assert.Empty(t, req.Header.Get(DefaultHeader), "invalid context is not injected")

	cc := NewRootContext(true)
	c.Inject(req, cc)
	assert.Equal(t, c.Encode(cc), req.Header.Get(DefaultHeader))
}
