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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tombee/preroll/pkg/errors"
	"github.com/tombee/preroll/pkg/httpclient"
	"github.com/tombee/preroll/pkg/observability"
)

// HoneycombTeamHeader carries the write key on every batch call.
const HoneycombTeamHeader = "X-Honeycomb-Team"

// HoneycombConfig holds configuration for the honeycomb sink.
type HoneycombConfig struct {
	// Endpoint is the API base URL (e.g., "https://api.honeycomb.io").
	Endpoint string

	// WriteKey authenticates the batch calls.
	WriteKey string

	// Client overrides the HTTP client. Default: httpclient.New with a
	// 10s timeout.
	Client *http.Client
}

// HoneycombSink posts spans to the honeycomb batch API, one call per
// dataset per flush.
type HoneycombSink struct {
	endpoint *url.URL
	writeKey string
	client   *http.Client
}

// honeycombEvent is the wire shape of one span.
type honeycombEvent struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id"`
	Name         string         `json:"name"`
	StartTime    string         `json:"start_time"`
	DurationMs   float64        `json:"duration_ms"`
	Status       string         `json:"status"`
	Attributes   map[string]any `json:"attributes"`
}

// NewHoneycombSink creates a honeycomb sink.
func NewHoneycombSink(cfg HoneycombConfig) (*HoneycombSink, error) {
	if cfg.WriteKey == "" {
		return nil, &errors.ConfigError{Key: "HONEYCOMBIO_WRITE_KEY", Reason: "write key is required"}
	}
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, &errors.ConfigError{Key: "TRACE_ENDPOINT", Reason: fmt.Sprintf("invalid endpoint %q", cfg.Endpoint), Cause: err}
	}

	client := cfg.Client
	if client == nil {
		hc := httpclient.DefaultConfig()
		hc.Timeout = 10 * time.Second
		hc.UserAgent = "preroll-honeycomb/1.0"
		client, err = httpclient.New(hc)
		if err != nil {
			return nil, errors.Wrap(err, "creating honeycomb client")
		}
	}

	return &HoneycombSink{
		endpoint: endpoint,
		writeKey: cfg.WriteKey,
		client:   client,
	}, nil
}

// Export implements observability.Sink.
func (s *HoneycombSink) Export(ctx context.Context, dataset string, spans []observability.Span) error {
	if len(spans) == 0 {
		return nil
	}

	body, err := json.Marshal(encodeEvents(spans))
	if err != nil {
		return errors.Wrapf(err, "encoding honeycomb batch for %s", dataset)
	}

	target := s.endpoint.JoinPath("1", "batch", dataset)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building honeycomb request")
	}
	req.Header.Set(HoneycombTeamHeader, s.writeKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &errors.UpstreamError{Service: "honeycomb", Cause: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &errors.UpstreamError{Service: "honeycomb", StatusCode: resp.StatusCode}
	}
	return nil
}

// Shutdown implements observability.Sink.
func (s *HoneycombSink) Shutdown(context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

func encodeEvents(spans []observability.Span) []honeycombEvent {
	events := make([]honeycombEvent, 0, len(spans))
	for i := range spans {
		sp := &spans[i]
		attrs := make(map[string]any, len(sp.Attributes)+1)
		for _, a := range sp.Attributes {
			attrs[a.Key] = a.Value
		}
		if sp.Status.Message != "" {
			attrs["status_message"] = sp.Status.Message
		}
		events = append(events, honeycombEvent{
			TraceID:      sp.TraceID,
			SpanID:       sp.SpanID,
			ParentSpanID: sp.ParentID,
			Name:         sp.Name,
			StartTime:    sp.StartTime.UTC().Format(time.RFC3339Nano),
			DurationMs:   float64(sp.Duration()) / float64(time.Millisecond),
			Status:       sp.Status.Code.String(),
			Attributes:   attrs,
		})
	}
	return events
}

var _ observability.Sink = (*HoneycombSink)(nil)
