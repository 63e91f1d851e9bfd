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

package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/preroll/internal/log"
	"github.com/tombee/preroll/internal/tracing"
	prerollerrors "github.com/tombee/preroll/pkg/errors"
	"github.com/tombee/preroll/pkg/observability"
)

var hexTraceID = regexp.MustCompile(`^[0-9a-f]{32}$`)

type fakeSubmitter struct {
	mu      sync.Mutex
	batches []observability.Batch
}

func (f *fakeSubmitter) Submit(b observability.Batch) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)
	return true
}

func (f *fakeSubmitter) Batches() []observability.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]observability.Batch(nil), f.batches...)
}

type harness struct {
	mw     *Middleware
	sink   *fakeSubmitter
	logs   *bytes.Buffer
	states []State
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{sink: &fakeSubmitter{}, logs: &bytes.Buffer{}}
	logger := log.New(&log.Config{Level: "info", Format: log.FormatJSON, Output: h.logs})
	opts := Options{
		Codec:    tracing.NewCodec(tracing.WithCodecLogger(logger)),
		Exporter: h.sink,
		Logger:   logger,
		OnState:  func(_ *http.Request, s State) { h.states = append(h.states, s) },
	}
	if mutate != nil {
		mutate(&opts)
	}
	mw, err := New(opts)
	require.NoError(t, err)
	h.mw = mw
	return h
}

// requestLog returns the single request log line.
func (h *harness) requestLog(t *testing.T) map[string]any {
	t.Helper()
	var found map[string]any
	for _, line := range strings.Split(strings.TrimSpace(h.logs.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line %q", line)
		if _, ok := entry["status"]; ok {
			require.Nil(t, found, "expected one request log line")
			found = entry
		}
	}
	require.NotNil(t, found, "no request log line in %q", h.logs.String())
	return found
}

func (h *harness) do(handler Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.mw.Wrap(handler).ServeHTTP(w, req)
	return w
}

func okHandler(w http.ResponseWriter, r *http.Request) error {
	_, err := w.Write([]byte("ok"))
	return err
}

func TestMiddleware_NewRootTrace(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(HandlerFunc(okHandler), httptest.NewRequest(http.MethodGet, "/api/v1/widgets", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	entry := h.requestLog(t)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "OK", entry["message"])
	assert.Equal(t, float64(200), entry["status"])
	assert.Regexp(t, hexTraceID, entry["trace_id"])
	assert.NotContains(t, entry, "parent_span_id")
	assert.NotContains(t, entry, "error")
	assert.Equal(t, w.Header().Get(tracing.HeaderCorrelationID), entry["correlation_id"])
	assert.Empty(t, w.Header().Get(tracing.DefaultHeader), "a new root is not echoed")

	batches := h.sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Spans, 1)
	root := batches[0].Spans[0]
	assert.Equal(t, RootSpanName, root.Name)
	assert.Equal(t, entry["trace_id"], root.TraceID)
	assert.Equal(t, observability.StatusCodeOK, root.Status.Code)
	code, _ := root.Attr("http.status_code")
	assert.Equal(t, int64(200), code)
	size, _ := root.Attr("http.response_size")
	assert.Equal(t, int64(2), size)

	assert.Equal(t, []State{StateStarted, StateHandlerRunning, StateCompleted, StateFinalized}, h.states)
}

func TestMiddleware_ContinuesTrace(t *testing.T) {
	h := newHarness(t, nil)

	var seen tracing.CorrelationContext
	req := httptest.NewRequest(http.MethodGet, "/api/v1/widgets", nil)
	req.Header.Set(tracing.DefaultHeader, "abc123,def456,mysvc,1")
	w := h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		seen, _ = tracing.FromContext(r.Context())
		return nil
	}), req)

	assert.Equal(t, "abc123", seen.TraceID)
	assert.Equal(t, "def456", seen.ParentSpanID)
	assert.Equal(t, "mysvc", seen.Dataset)
	assert.True(t, seen.Sampled)

	assert.Equal(t, "abc123,"+seen.SpanID+",mysvc,1", w.Header().Get(tracing.DefaultHeader))

	entry := h.requestLog(t)
	assert.Equal(t, "abc123", entry["trace_id"])
	assert.Equal(t, "def456", entry["parent_span_id"])

	batches := h.sink.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, "mysvc", batches[0].Dataset)
	assert.Equal(t, "def456", batches[0].Spans[0].ParentID)
}

func TestMiddleware_DatasetAllowList(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		dataset string
	}{
		{name: "allowed hint", header: "abc123,def456,widgets-eu,1", dataset: "widgets-eu"},
		{name: "exact match", header: "abc123,def456,billing,1", dataset: "billing"},
		{name: "rejected hint", header: "abc123,def456,someone-elses,1", dataset: "widgets-test"},
		{name: "no hint", header: "abc123,def456,,1", dataset: "widgets-test"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(o *Options) {
				o.Dataset = "widgets-test"
				o.Datasets = []string{"widgets-*", "billing"}
			})
			req := httptest.NewRequest(http.MethodGet, "/api/v1/widgets", nil)
			req.Header.Set(tracing.DefaultHeader, tt.header)
			h.do(HandlerFunc(okHandler), req)

			batches := h.sink.Batches()
			require.Len(t, batches, 1)
			assert.Equal(t, tt.dataset, batches[0].Dataset)
		})
	}
}

func TestMiddleware_MalformedHeaderStillServes(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(tracing.DefaultHeader, "a,b,c,d,e,f")
	w := h.do(HandlerFunc(okHandler), req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, h.logs.String(), "trace header could not be parsed")
	assert.Regexp(t, hexTraceID, h.requestLog(t)["trace_id"])
}

func TestMiddleware_NotSampled(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(tracing.DefaultHeader, "abc123,def456,,0")
	h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		_, span := tracing.StartSpan(r.Context(), "db.query", observability.SpanKindClient)
		span.Close(observability.OK())
		return nil
	}), req)

	assert.Empty(t, h.sink.Batches(), "unsampled traces export nothing")
	h.requestLog(t)
}

func TestMiddleware_ChildSpans(t *testing.T) {
	h := newHarness(t, nil)

	h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		ctx, outer := tracing.StartSpan(r.Context(), "service.call", "")
		_, inner := tracing.StartSpan(ctx, "db.query", observability.SpanKindClient)
		inner.SetAttribute("db.statement", "SELECT 1")
		inner.Close(observability.OK())
		outer.Close(observability.OK())
		return nil
	}), httptest.NewRequest(http.MethodGet, "/", nil))

	batches := h.sink.Batches()
	require.Len(t, batches, 1)
	spans := batches[0].Spans
	require.Len(t, spans, 3)
	assert.Equal(t, []string{RootSpanName, "db.query", "service.call"}, []string{spans[0].Name, spans[1].Name, spans[2].Name})
	assert.Equal(t, spans[0].SpanID, spans[2].ParentID)
	assert.Equal(t, spans[2].SpanID, spans[1].ParentID)
}

func TestMiddleware_LeakedChildIsIncomplete(t *testing.T) {
	h := newHarness(t, nil)

	h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		tracing.StartSpan(r.Context(), "forgotten", "")
		return nil
	}), httptest.NewRequest(http.MethodGet, "/", nil))

	batches := h.sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Spans, 2)
	v, ok := batches[0].Spans[1].Attr(tracing.AttrIncomplete)
	assert.True(t, ok)
	assert.Equal(t, true, v)
	assert.Equal(t, observability.StatusCodeOK, batches[0].Spans[0].Status.Code)
}

func TestMiddleware_HandlerError(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		return prerollerrors.NotFound("widget missing")
	}), httptest.NewRequest(http.MethodGet, "/api/v1/widgets/42", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	corrID := w.Header().Get(tracing.HeaderCorrelationID)
	require.NotEmpty(t, corrID)
	assert.JSONEq(t, `{"error":"not_found","message":"widget missing","correlation_id":"`+corrID+`"}`, w.Body.String())

	entry := h.requestLog(t)
	assert.Equal(t, float64(404), entry["status"])
	assert.Equal(t, corrID, entry["correlation_id"])
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "Client Error: Not Found", entry["message"])
	assert.Equal(t, "widget missing", entry["error"])

	root := h.sink.Batches()[0].Spans[0]
	assert.Equal(t, observability.StatusCodeError, root.Status.Code)
	assert.Equal(t, "widget missing", root.Status.Message)
	assert.Equal(t, []State{StateStarted, StateHandlerRunning, StateFailed, StateFinalized}, h.states)
}

func TestMiddleware_HandlerErrorLoggedAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, func(o *Options) {
		o.Logger = log.New(&log.Config{Level: "error", Format: log.FormatJSON, Output: &buf})
	})
	h.logs = &buf

	w := h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		return prerollerrors.NotFound("widget missing")
	}), httptest.NewRequest(http.MethodGet, "/api/v1/widgets/42", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	entry := h.requestLog(t)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, float64(404), entry["status"])
	assert.Equal(t, "widget missing", entry["error"])

	// A plain 4xx without a handler error stays at warn and is filtered.
	buf.Reset()
	w = h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		w.WriteHeader(http.StatusNotFound)
		return nil
	}), httptest.NewRequest(http.MethodGet, "/api/v1/widgets/43", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, buf.String())
}

func TestMiddleware_InternalErrorIsSanitized(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		return errors.New("pq: password authentication failed for user admin")
	}), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")

	entry := h.requestLog(t)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "Internal Error", entry["message"])
	assert.Contains(t, entry["error"], "password authentication failed", "full detail stays server-side")
	assert.Equal(t, "internal", entry["error_type"])
}

func TestMiddleware_FailFromPlainHandler(t *testing.T) {
	h := newHarness(t, nil)

	w := httptest.NewRecorder()
	h.mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Fail(r, prerollerrors.Validation("name is required"))
		Fail(r, errors.New("second failure is ignored"))
	})).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var env map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "validation", env["error"])
	assert.Equal(t, "name is required", env["message"])
}

func TestMiddleware_ErrorAfterWriteKeepsResponse(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		w.WriteHeader(http.StatusAccepted)
		return errors.New("late failure")
	}), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, "late failure", h.requestLog(t)["error"])
}

func TestMiddleware_PanicIsContained(t *testing.T) {
	h := newHarness(t, nil)

	handler := HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		var m map[string]int
		m["boom"]++ // nil map write
		return nil
	})

	w := h.do(handler, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	corrID := w.Header().Get(tracing.HeaderCorrelationID)
	assert.JSONEq(t, `{"error":"internal","message":"Internal Server Error (correlation_id=`+corrID+`)","correlation_id":"`+corrID+`"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "nil map")

	entry := h.requestLog(t)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, true, entry["panicked"])
	assert.Contains(t, entry["error"], "nil map")

	root := h.sink.Batches()[0].Spans[0]
	assert.Equal(t, observability.StatusCodeError, root.Status.Code)
	_, ok := root.Attr(AttrPanic)
	assert.True(t, ok)
	assert.Equal(t, []State{StateStarted, StateHandlerRunning, StatePanicked, StateFinalized}, h.states)

	// The middleware keeps serving.
	h.logs.Reset()
	w = h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestMiddleware_Repanic(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Repanic = true })

	assert.PanicsWithValue(t, "kaboom", func() {
		h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			panic("kaboom")
		}), httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Len(t, h.sink.Batches(), 1, "the request is finalized before re-raising")
	assert.Equal(t, StateFinalized, h.states[len(h.states)-1])
}

func TestMiddleware_AbortHandlerIsReraised(t *testing.T) {
	h := newHarness(t, nil)

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			panic(http.ErrAbortHandler)
		}), httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Len(t, h.sink.Batches(), 1)
}

func TestMiddleware_Cancelled(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/slow", nil).WithContext(ctx)
	h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		tracing.StartSpan(r.Context(), "upstream.call", observability.SpanKindClient)
		cancel()
		<-r.Context().Done()
		return r.Context().Err()
	}), req)

	batches := h.sink.Batches()
	require.Len(t, batches, 1)
	root := batches[0].Spans[0]
	v, ok := root.Attr(AttrCancelled)
	assert.True(t, ok)
	assert.Equal(t, true, v)
	for _, s := range batches[0].Spans {
		assert.False(t, s.EndTime.IsZero(), "span %s left open", s.Name)
	}

	entry := h.requestLog(t)
	assert.Equal(t, true, entry["cancelled"])
}

func TestMiddleware_RequestID(t *testing.T) {
	h := newHarness(t, nil)

	t.Run("valid uuid is kept", func(t *testing.T) {
		h.logs.Reset()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, "7d1f3c2e-8f4a-4b5c-9d6e-1a2b3c4d5e6f")
		w := h.do(HandlerFunc(okHandler), req)

		assert.Equal(t, "7d1f3c2e-8f4a-4b5c-9d6e-1a2b3c4d5e6f", w.Header().Get(HeaderRequestID))
		assert.Equal(t, "7d1f3c2e-8f4a-4b5c-9d6e-1a2b3c4d5e6f", h.requestLog(t)["request_id"])
	})

	t.Run("invalid id is replaced", func(t *testing.T) {
		h.logs.Reset()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, "not-a-uuid")
		w := h.do(HandlerFunc(okHandler), req)

		got := w.Header().Get(HeaderRequestID)
		assert.NotEqual(t, "not-a-uuid", got)
		assert.Len(t, got, 36)
		assert.Contains(t, h.logs.String(), "request id is not a UUID")
	})
}

func TestMiddleware_SkipPaths(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SkipPaths = []string{"/healthz", "/static/**"} })

	w := h.do(HandlerFunc(okHandler), httptest.NewRequest(http.MethodGet, "/static/css/site.css", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, h.logs.String())
	assert.Empty(t, h.sink.Batches())
	assert.Empty(t, w.Header().Get(tracing.HeaderCorrelationID))
	assert.Empty(t, h.states)

	w = h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		return prerollerrors.NotFound("no such file")
	}), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "skipped paths still get the envelope")
}

func TestMiddleware_StrictSpanOutlivingRequest(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Strict = true })

	var late *tracing.SpanHandle
	w := h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		_, late = tracing.StartSpan(r.Context(), "background.job", "")
		return nil
	}), httptest.NewRequest(http.MethodGet, "/api/v1/widgets", nil))
	require.Equal(t, http.StatusOK, w.Code)

	done := make(chan bool)
	go func() {
		defer func() { done <- recover() == nil }()
		late.Close(observability.OK())
		late.SetAttribute("late", true)
	}()
	assert.True(t, <-done, "closing a span after the request must not panic")
}

func TestNew_InvalidSkipPattern(t *testing.T) {
	_, err := New(Options{SkipPaths: []string{"/static/[a-"}})
	var cfgErr *prerollerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNew_InvalidDatasetPattern(t *testing.T) {
	_, err := New(Options{Datasets: []string{"widgets-[a-"}})
	var cfgErr *prerollerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestStateFromContext(t *testing.T) {
	assert.Equal(t, StateUnknown, StateFromContext(context.Background()))

	h := newHarness(t, nil)
	var during State
	h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		during = StateFromContext(r.Context())
		return nil
	}), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, StateHandlerRunning, during)
	assert.Equal(t, "handler_running", during.String())
}

func TestMiddleware_StrictMisuseIsReported(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Strict = true })

	w := h.do(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		_, span := tracing.StartSpan(r.Context(), "db.query", "")
		span.Close(observability.OK())
		span.Close(observability.OK())
		return nil
	}), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, h.requestLog(t)["error"], "span already closed")
}

func TestMiddleware_ConcurrentRequests(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.OnState = nil })
	handler := h.mw.Wrap(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		_, span := tracing.StartSpan(r.Context(), "work", "")
		defer span.Close(observability.OK())
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		}()
	}
	wg.Wait()

	batches := h.sink.Batches()
	require.Len(t, batches, 50)
	traces := make(map[string]bool)
	for _, b := range batches {
		require.Len(t, b.Spans, 2)
		traces[b.Spans[0].TraceID] = true
	}
	assert.Len(t, traces, 50)
}
