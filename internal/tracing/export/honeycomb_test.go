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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	prerollerrors "github.com/tombee/preroll/pkg/errors"
	"github.com/tombee/preroll/pkg/observability"
)

func sampleSpans() []observability.Span {
	start := time.Date(2025, 3, 1, 12, 0, 0, 500, time.UTC)
	return []observability.Span{
		{
			TraceID:   "abc123",
			SpanID:    "s1",
			ParentID:  "def456",
			Name:      "http.request",
			Kind:      observability.SpanKindServer,
			StartTime: start,
			EndTime:   start.Add(1500 * time.Microsecond),
			Status:    observability.Error("Internal Server Error"),
			Attributes: []observability.Attribute{
				{Key: "http.status_code", Value: int64(500)},
			},
		},
		{
			TraceID:   "abc123",
			SpanID:    "s2",
			ParentID:  "s1",
			Name:      "db.query",
			StartTime: start,
			EndTime:   start.Add(time.Millisecond),
			Status:    observability.OK(),
		},
	}
}

func TestHoneycombSink_Export(t *testing.T) {
	var (
		gotPath string
		gotKey  string
		gotType string
		events  []map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get(HoneycombTeamHeader)
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &events)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink, err := NewHoneycombSink(HoneycombConfig{Endpoint: server.URL, WriteKey: "key-1"})
	require.NoError(t, err)

	require.NoError(t, sink.Export(context.Background(), "mysvc", sampleSpans()))

	assert.Equal(t, "/1/batch/mysvc", gotPath)
	assert.Equal(t, "key-1", gotKey)
	assert.Equal(t, "application/json", gotType)
	require.Len(t, events, 2)

	root := events[0]
	assert.Equal(t, "abc123", root["trace_id"])
	assert.Equal(t, "s1", root["span_id"])
	assert.Equal(t, "def456", root["parent_span_id"])
	assert.Equal(t, "http.request", root["name"])
	assert.Equal(t, "2025-03-01T12:00:00.0000005Z", root["start_time"])
	assert.InDelta(t, 1.5, root["duration_ms"], 0.0001)
	assert.Equal(t, "error", root["status"])

	attrs, ok := root["attributes"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(500), attrs["http.status_code"])
	assert.Equal(t, "Internal Server Error", attrs["status_message"])

	assert.Equal(t, "ok", events[1]["status"])
}

func TestHoneycombSink_NonSuccessStatus(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	sink, err := NewHoneycombSink(HoneycombConfig{Endpoint: server.URL, WriteKey: "k"})
	require.NoError(t, err)

	err = sink.Export(context.Background(), "ds", sampleSpans())
	require.Error(t, err)

	var upstream *prerollerrors.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusServiceUnavailable, upstream.StatusCode)
	assert.Equal(t, 1, calls, "delivery must not be retried")
}

func TestHoneycombSink_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	sink, err := NewHoneycombSink(HoneycombConfig{Endpoint: url, WriteKey: "k"})
	require.NoError(t, err)

	err = sink.Export(context.Background(), "ds", sampleSpans())
	var upstream *prerollerrors.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Zero(t, upstream.StatusCode)
}

func TestHoneycombSink_EmptyBatch(t *testing.T) {
	sink, err := NewHoneycombSink(HoneycombConfig{Endpoint: "http://127.0.0.1:1", WriteKey: "k"})
	require.NoError(t, err)
	assert.NoError(t, sink.Export(context.Background(), "ds", nil))
}

func TestNewHoneycombSink_Config(t *testing.T) {
	tests := []struct {
		name string
		cfg  HoneycombConfig
		key  string
	}{
		{"missing key", HoneycombConfig{Endpoint: "https://api.honeycomb.io"}, "HONEYCOMBIO_WRITE_KEY"},
		{"bad endpoint", HoneycombConfig{Endpoint: "api.honeycomb.io", WriteKey: "k"}, "TRACE_ENDPOINT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHoneycombSink(tt.cfg)
			var cfgErr *prerollerrors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.key, cfgErr.Key)
		})
	}
}
