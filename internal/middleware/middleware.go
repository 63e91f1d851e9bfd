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

// Package middleware wraps HTTP handlers with request tracing, structured
// request logging and the JSON error envelope.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/preroll/internal/httputil"
	"github.com/tombee/preroll/internal/log"
	"github.com/tombee/preroll/internal/tracing"
	prerollerrors "github.com/tombee/preroll/pkg/errors"
	"github.com/tombee/preroll/pkg/observability"
)

// RootSpanName names the span covering the whole request.
const RootSpanName = "http.request"

// Span attributes set by the middleware.
const (
	AttrCancelled = "request.cancelled"
	AttrPanic     = "request.panic"
)

// Handler serves a request and reports failure by returning an error.
type Handler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// ServeHTTP calls f.
func (f HandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Adapt turns a plain http.Handler into a Handler. The handler can still
// fail the request with Fail.
func Adapt(h http.Handler) Handler {
	return HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		h.ServeHTTP(w, r)
		return nil
	})
}

// Submitter accepts finished span batches. *tracing.Exporter implements it.
type Submitter interface {
	Submit(observability.Batch) bool
}

// Options configures the response middleware.
type Options struct {
	// Codec decodes and encodes the propagation header. Default: NewCodec().
	Codec *tracing.Codec

	// Exporter receives the span tree of every sampled request. Nil drops
	// spans.
	Exporter Submitter

	// Dataset overrides the dataset for requests without a usable hint.
	// Empty leaves the choice to the exporter.
	Dataset string

	// Datasets are doublestar patterns a propagated dataset hint must
	// match. Empty accepts any hint.
	Datasets []string

	// Logger receives request records. Default: slog.Default().
	Logger *slog.Logger

	// Strict makes span misuse panic, which the middleware then reports
	// as a 500.
	Strict bool

	// Repanic re-raises recovered panics after the request is finalized.
	// Tests use it to surface handler panics.
	Repanic bool

	// SkipPaths are doublestar patterns matched against the URL path.
	// Matching requests are served without tracing or logging.
	SkipPaths []string

	// OnState observes every state transition.
	OnState func(r *http.Request, s State)

	// Now overrides the clock used for request durations.
	Now func() time.Time
}

// Middleware is the response middleware. It decodes the trace context,
// records the root span, runs the handler, maps errors and panics to the
// error envelope, logs the request and submits the span tree.
type Middleware struct {
	codec    *tracing.Codec
	exporter Submitter
	dataset  string
	datasets []string
	logger   *slog.Logger
	strict   bool
	repanic  bool
	skip     []string
	onState  func(*http.Request, State)
	now      func() time.Time
}

// New creates the middleware. Invalid skip patterns are an error.
func New(opts Options) (*Middleware, error) {
	for _, p := range opts.SkipPaths {
		if !doublestar.ValidatePattern(p) {
			return nil, &prerollerrors.ConfigError{Key: "skip_paths", Reason: fmt.Sprintf("invalid pattern %q", p)}
		}
	}
	for _, p := range opts.Datasets {
		if !doublestar.ValidatePattern(p) {
			return nil, &prerollerrors.ConfigError{Key: "datasets", Reason: fmt.Sprintf("invalid pattern %q", p)}
		}
	}

	m := &Middleware{
		codec:    opts.Codec,
		exporter: opts.Exporter,
		dataset:  opts.Dataset,
		datasets: opts.Datasets,
		logger:   opts.Logger,
		strict:   opts.Strict,
		repanic:  opts.Repanic || buildRepanic,
		skip:     opts.SkipPaths,
		onState:  opts.OnState,
		now:      opts.Now,
	}
	if m.codec == nil {
		m.codec = tracing.NewCodec()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Handler wraps a plain http.Handler, for use with routers' Use methods.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return m.Wrap(Adapt(next))
}

// Wrap returns an http.Handler running h under the middleware.
func (m *Middleware) Wrap(h Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipped(r.URL.Path) {
			m.serveUntraced(w, r, h)
			return
		}
		m.serve(w, r, h)
	})
}

// datasetFor returns the dataset hint of cc when the allow list accepts
// it, and the configured dataset otherwise.
func (m *Middleware) datasetFor(cc tracing.CorrelationContext) string {
	if cc.Dataset == "" {
		return m.dataset
	}
	if len(m.datasets) == 0 {
		return cc.Dataset
	}
	for _, p := range m.datasets {
		if ok, _ := doublestar.Match(p, cc.Dataset); ok {
			return cc.Dataset
		}
	}
	m.logger.Debug("dataset hint not allowed, using default",
		"dataset", truncate(cc.Dataset, 64),
		"trace_id", cc.TraceID,
	)
	return m.dataset
}

func (m *Middleware) skipped(path string) bool {
	for _, p := range m.skip {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

// serveUntraced still turns a returned error into an envelope.
func (m *Middleware) serveUntraced(w http.ResponseWriter, r *http.Request, h Handler) {
	st := &requestState{}
	r = r.WithContext(context.WithValue(r.Context(), stateKey, st))
	ww := wrapWriter(w)
	err := h.ServeHTTP(ww, r)
	if err == nil {
		err = st.failure()
	}
	if err != nil && !ww.wroteHeader {
		status, env := httputil.EnvelopeFromError(err, string(tracing.NewCorrelationID()))
		httputil.WriteEnvelope(ww, status, env)
	}
}

// outcome is what the handler did.
type outcome struct {
	err       error
	panicked  bool
	panicVal  any
	cancelled bool
}

func (m *Middleware) serve(w http.ResponseWriter, r *http.Request, h Handler) {
	start := m.now()
	st := &requestState{}
	m.transition(r, st, StateStarted)

	cc := m.codec.DecodeRequest(r)
	requestID := resolveRequestID(r, m.logger)

	rec := tracing.NewRecorder(cc,
		tracing.WithStrict(m.strict),
		tracing.WithRecorderLogger(m.logger),
	)
	root := rec.Open(nil, RootSpanName, observability.SpanKindServer)
	root.SetAttribute("http.method", r.Method)
	root.SetAttribute("http.path", r.URL.Path)
	root.SetAttribute("http.host", r.Host)
	if r.URL.RawQuery != "" {
		root.SetAttribute("http.query", r.URL.RawQuery)
	}
	root.SetAttribute("http.user_agent", r.UserAgent())
	root.SetAttribute("client.addr", r.RemoteAddr)
	root.SetAttribute("request.id", requestID)

	ctx := r.Context()
	ctx = tracing.ToContext(ctx, cc)
	ctx = tracing.ContextWithSpan(ctx, root)
	ctx = contextWithRequestID(ctx, requestID)
	ctx = context.WithValue(ctx, stateKey, st)
	r = r.WithContext(ctx)

	record := &log.RequestRecord{
		Method:        r.Method,
		Path:          r.URL.Path,
		ClientAddr:    r.RemoteAddr,
		Referer:       r.Referer(),
		UserAgent:     r.UserAgent(),
		RequestID:     requestID,
		CorrelationID: cc.CorrelationID.String(),
		TraceID:       cc.TraceID,
		SpanID:        cc.SpanID,
		ParentSpanID:  cc.ParentSpanID,
	}
	log.LogIncoming(ctx, m.logger, record)

	hdr := w.Header()
	hdr.Set(tracing.HeaderCorrelationID, cc.CorrelationID.String())
	hdr.Set(HeaderRequestID, requestID)
	if cc.Upstream {
		hdr.Set(m.codec.HeaderName(), m.codec.Encode(cc))
	}

	ww := wrapWriter(w)
	m.transition(r, st, StateHandlerRunning)
	out := m.invoke(ww, r, h, st)

	switch {
	case out.panicked:
		m.transition(r, st, StatePanicked)
		record.Panicked = true
		record.Error = fmt.Sprint(out.panicVal)
		record.ErrorType = string(prerollerrors.KindInternal)
		if !ww.wroteHeader && out.panicVal != http.ErrAbortHandler {
			status, env := httputil.InternalEnvelope(record.CorrelationID)
			httputil.WriteEnvelope(ww, status, env)
		}
	case out.err != nil:
		m.transition(r, st, StateFailed)
		record.Error = out.err.Error()
		record.ErrorType = string(prerollerrors.KindOf(out.err))
		if !ww.wroteHeader {
			status, env := httputil.EnvelopeFromError(out.err, record.CorrelationID)
			httputil.WriteEnvelope(ww, status, env)
		}
	default:
		m.transition(r, st, StateCompleted)
	}

	status := ww.Status()
	if out.panicked && !ww.wroteHeader {
		status = http.StatusInternalServerError
	}
	record.Status = status
	record.BodySize = ww.size
	record.Cancelled = out.cancelled
	record.Duration = m.now().Sub(start)

	dataset := m.datasetFor(cc)
	batch := m.finish(rec, root, dataset, status, ww.size, out)

	log.LogRequest(ctx, m.logger, record)
	if cc.Sampled && m.exporter != nil {
		m.exporter.Submit(batch)
	}
	m.transition(r, st, StateFinalized)

	if out.panicked && (m.repanic || out.panicVal == http.ErrAbortHandler) {
		panic(out.panicVal)
	}
}

// finish closes the root span and returns the request's batch. A handler
// that closed the root itself trips strict mode here, after the response
// is written, so the violation is logged rather than raised.
func (m *Middleware) finish(rec *tracing.Recorder, root *tracing.SpanHandle, dataset string, status int, size int64, out outcome) (batch observability.Batch) {
	defer func() {
		if v := recover(); v != nil {
			m.logger.Warn("span misuse detected while finalizing request", "error", fmt.Sprint(v))
			batch = rec.Snapshot(dataset)
		}
	}()

	if out.panicked {
		root.SetAttribute(AttrPanic, fmt.Sprint(out.panicVal))
	}
	root.SetAttribute("http.status_code", status)
	root.SetAttribute("http.response_size", size)

	ss := spanStatus(status, out)
	if out.cancelled {
		root.SetAttribute(AttrCancelled, true)
		if ss.Code == observability.StatusCodeError {
			root.SetStatus(ss)
		}
		return rec.Snapshot(dataset)
	}

	root.Close(ss)
	b, ok := rec.Batch(dataset)
	if !ok {
		// Children left open by the handler are closed as incomplete.
		b = rec.Snapshot(dataset)
	}
	return b
}

// invoke runs h, recovering a panic.
func (m *Middleware) invoke(w http.ResponseWriter, r *http.Request, h Handler, st *requestState) (out outcome) {
	defer func() {
		if v := recover(); v != nil {
			out = outcome{panicked: true, panicVal: v}
		}
	}()

	err := h.ServeHTTP(w, r)
	if err == nil {
		err = st.failure()
	}
	out.err = err
	if ctxErr := r.Context().Err(); ctxErr != nil && (err == nil || errors.Is(err, ctxErr)) {
		out.cancelled = true
	}
	return out
}

func spanStatus(status int, out outcome) observability.SpanStatus {
	switch {
	case out.panicked:
		return observability.Error(fmt.Sprintf("panic: %v", out.panicVal))
	case out.err != nil:
		return observability.Error(out.err.Error())
	case status >= 500:
		return observability.Error(http.StatusText(status))
	default:
		return observability.OK()
	}
}

func (m *Middleware) transition(r *http.Request, st *requestState, s State) {
	st.set(s)
	if m.onState != nil {
		m.onState(r, s)
	}
}

// requestState is shared between the middleware and the handler through
// the request context.
type requestState struct {
	mu    sync.Mutex
	state State
	err   error
}

func (st *requestState) set(s State) {
	st.mu.Lock()
	st.state = s
	st.mu.Unlock()
}

func (st *requestState) get() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

func (st *requestState) fail(err error) {
	st.mu.Lock()
	if st.err == nil {
		st.err = err
	}
	st.mu.Unlock()
}

func (st *requestState) failure() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

type stateKeyType struct{}

var stateKey = stateKeyType{}

// Fail marks the request as failed with err. Plain http.Handlers mounted
// through Adapt use it instead of returning an error. The first error
// wins; calls outside the middleware are ignored.
func Fail(r *http.Request, err error) {
	if err == nil {
		return
	}
	if st, ok := r.Context().Value(stateKey).(*requestState); ok {
		st.fail(err)
	}
}

// StateFromContext returns the request's current state, or StateUnknown
// outside the middleware.
func StateFromContext(ctx context.Context) State {
	if st, ok := ctx.Value(stateKey).(*requestState); ok {
		return st.get()
	}
	return StateUnknown
}
