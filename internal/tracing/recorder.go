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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/preroll/pkg/observability"
)

// ErrSpanClosed is the invariant violation raised (in strict mode) when a
// closed span is mutated.
var ErrSpanClosed = errors.New("tracing: span already closed")

// AttrIncomplete marks spans that were still open when the recorder was
// snapshotted.
const AttrIncomplete = "span.incomplete"

// Recorder accumulates the span tree of one request.
//
// Spans live in an arena indexed by position. Each node stores its parent's
// index and an append-only list of child indices; the root is index 0.
// A Recorder belongs to one request. Its mutex only serialises concurrent
// sub-operations of that same request.
type Recorder struct {
	mu         sync.Mutex
	cc         CorrelationContext
	nodes      []spanNode
	closeOrder []int

	// finished is set once a batch has been taken. Violations after that
	// come from work outliving its request.
	finished bool

	strict bool
	logger *slog.Logger
	now    func() time.Time
}

type spanNode struct {
	span     observability.Span
	parent   int
	children []int
	closed   bool
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithStrict makes invariant violations panic instead of being ignored.
// Intended for development and tests. Violations after the tree has been
// batched or snapshot are only logged, since no request is left to fail.
func WithStrict(strict bool) RecorderOption {
	return func(r *Recorder) { r.strict = strict }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRecorderLogger sets the logger for ignored invariant violations.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRecorder creates an empty span tree for the request identified by cc.
func NewRecorder(cc CorrelationContext, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		cc:     cc,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Context returns the request's correlation context.
func (r *Recorder) Context() CorrelationContext {
	return r.cc
}

// Open starts a span named name under parent. The first span opened with a
// nil parent is the request root and takes the context's span and parent
// IDs; any later nil-parent span is attached to the root.
func (r *Recorder) Open(parent *SpanHandle, name string, kind observability.SpanKind) *SpanHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind == "" {
		kind = observability.SpanKindInternal
	}

	if len(r.nodes) == 0 {
		r.nodes = append(r.nodes, spanNode{
			parent: -1,
			span: observability.Span{
				TraceID:   r.cc.TraceID,
				SpanID:    r.cc.SpanID,
				ParentID:  r.cc.ParentSpanID,
				Name:      name,
				Kind:      kind,
				StartTime: r.now(),
			},
		})
		return &SpanHandle{rec: r, idx: 0}
	}

	parentIdx := 0
	if parent != nil && parent.rec == r {
		parentIdx = parent.idx
	}
	if r.nodes[parentIdx].closed {
		r.violation(fmt.Errorf("%w: opening %q under closed span %q", ErrSpanClosed, name, r.nodes[parentIdx].span.Name))
	}

	idx := len(r.nodes)
	r.nodes = append(r.nodes, spanNode{
		parent: parentIdx,
		span: observability.Span{
			TraceID:   r.cc.TraceID,
			SpanID:    NewSpanID(),
			ParentID:  r.nodes[parentIdx].span.SpanID,
			Name:      name,
			Kind:      kind,
			StartTime: r.now(),
		},
	})
	r.nodes[parentIdx].children = append(r.nodes[parentIdx].children, idx)
	return &SpanHandle{rec: r, idx: idx}
}

// Root returns the handle of the root span, or nil before it is opened.
func (r *Recorder) Root() *SpanHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.nodes) == 0 {
		return nil
	}
	return &SpanHandle{rec: r, idx: 0}
}

// Finalized reports whether the root and all its descendants are closed.
func (r *Recorder) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes) > 0 && r.eligible(0)
}

// Len returns the number of spans recorded so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Batch returns the finished tree, root first and descendants in close
// order. ok is false until the whole tree is finalized.
func (r *Recorder) Batch(dataset string) (observability.Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.nodes) == 0 || !r.eligible(0) {
		return observability.Batch{}, false
	}
	r.finished = true
	return r.batch(dataset), true
}

// Snapshot returns the tree regardless of state. Spans still open are
// closed now with status unset and AttrIncomplete set.
func (r *Recorder) Snapshot(dataset string) observability.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	// Close deepest-first so recorded close order keeps parents after children.
	for i := len(r.nodes) - 1; i >= 0; i-- {
		n := &r.nodes[i]
		if n.closed {
			continue
		}
		n.span.EndTime = clampEnd(n.span.StartTime, now)
		n.span.Attributes = append(n.span.Attributes, observability.Attribute{Key: AttrIncomplete, Value: true})
		n.closed = true
		r.closeOrder = append(r.closeOrder, i)
	}
	r.finished = true
	return r.batch(dataset)
}

func (r *Recorder) batch(dataset string) observability.Batch {
	b := observability.Batch{
		Dataset: dataset,
		Spans:   make([]observability.Span, 0, len(r.nodes)),
	}
	if len(r.nodes) == 0 {
		return b
	}
	b.Spans = append(b.Spans, copySpan(r.nodes[0].span))
	for _, idx := range r.closeOrder {
		if idx == 0 {
			continue
		}
		b.Spans = append(b.Spans, copySpan(r.nodes[idx].span))
	}
	return b
}

func (r *Recorder) eligible(idx int) bool {
	n := r.nodes[idx]
	if !n.closed {
		return false
	}
	for _, c := range n.children {
		if !r.eligible(c) {
			return false
		}
	}
	return true
}

// violation must be called with r.mu held. Callers unlock with defer, so
// the mutex is released while a strict-mode panic unwinds.
func (r *Recorder) violation(err error) {
	if r.strict && !r.finished {
		panic(err)
	}
	r.logger.Debug("ignoring span invariant violation", "error", err.Error(), "trace_id", r.cc.TraceID)
}

func copySpan(s observability.Span) observability.Span {
	if s.Attributes != nil {
		attrs := make([]observability.Attribute, len(s.Attributes))
		copy(attrs, s.Attributes)
		s.Attributes = attrs
	}
	return s
}

func clampEnd(start, end time.Time) time.Time {
	if end.Before(start) {
		return start
	}
	return end
}

// SpanHandle is a reference to one open span. A nil *SpanHandle is valid
// and every method on it is a no-op, so instrumented code works without a
// recorder in the context.
type SpanHandle struct {
	rec *Recorder
	idx int
}

// SpanID returns the span's ID.
func (h *SpanHandle) SpanID() string {
	if h == nil {
		return ""
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	return h.rec.nodes[h.idx].span.SpanID
}

// Name returns the span's operation label.
func (h *SpanHandle) Name() string {
	if h == nil {
		return ""
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	return h.rec.nodes[h.idx].span.Name
}

// Context returns the correlation context positioned at this span, for
// propagation to downstream calls made inside it.
func (h *SpanHandle) Context() CorrelationContext {
	if h == nil {
		return CorrelationContext{}
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	s := h.rec.nodes[h.idx].span
	return h.rec.cc.WithSpan(s.SpanID, s.ParentID)
}

// SetAttribute sets key to a scalar value. Repeated keys keep their first
// position and take the new value. Non-scalar values are ignored.
func (h *SpanHandle) SetAttribute(key string, value any) {
	if h == nil {
		return
	}
	v, ok := observability.Normalize(value)
	if !ok {
		return
	}

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	n := &h.rec.nodes[h.idx]
	if n.closed {
		h.rec.violation(fmt.Errorf("%w: setting %q on %q", ErrSpanClosed, key, n.span.Name))
		return
	}
	for i := range n.span.Attributes {
		if n.span.Attributes[i].Key == key {
			n.span.Attributes[i].Value = v
			return
		}
	}
	n.span.Attributes = append(n.span.Attributes, observability.Attribute{Key: key, Value: v})
}

// SetStatus records the span's status without closing it.
func (h *SpanHandle) SetStatus(status observability.SpanStatus) {
	if h == nil {
		return
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	n := &h.rec.nodes[h.idx]
	if n.closed {
		h.rec.violation(fmt.Errorf("%w: setting status on %q", ErrSpanClosed, n.span.Name))
		return
	}
	n.span.Status = status
}

// Close ends the span with status. An unset status keeps any status set
// earlier with SetStatus.
func (h *SpanHandle) Close(status observability.SpanStatus) {
	if h == nil {
		return
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	n := &h.rec.nodes[h.idx]
	if n.closed {
		h.rec.violation(fmt.Errorf("%w: closing %q twice", ErrSpanClosed, n.span.Name))
		return
	}
	if status.Code != observability.StatusCodeUnset {
		n.span.Status = status
	}
	n.span.EndTime = clampEnd(n.span.StartTime, h.rec.now())
	n.closed = true
	h.rec.closeOrder = append(h.rec.closeOrder, h.idx)
}

// Finalized reports whether this span and all its descendants are closed.
func (h *SpanHandle) Finalized() bool {
	if h == nil {
		return false
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	return h.rec.eligible(h.idx)
}

// Recorder returns the recorder the span belongs to.
func (h *SpanHandle) Recorder() *Recorder {
	if h == nil {
		return nil
	}
	return h.rec
}

type spanKeyType struct{}

var spanKey = spanKeyType{}

// ContextWithSpan stores h as the current span of ctx.
func ContextWithSpan(ctx context.Context, h *SpanHandle) context.Context {
	return context.WithValue(ctx, spanKey, h)
}

// SpanFromContext returns the current span of ctx, or nil.
func SpanFromContext(ctx context.Context) *SpanHandle {
	h, _ := ctx.Value(spanKey).(*SpanHandle)
	return h
}

// StartSpan opens a child of the current span in ctx and returns a context
// carrying the child. Without a current span it returns a nil handle.
func StartSpan(ctx context.Context, name string, kind observability.SpanKind) (context.Context, *SpanHandle) {
	parent := SpanFromContext(ctx)
	if parent == nil {
		return ctx, nil
	}
	child := parent.rec.Open(parent, name, kind)
	return ContextWithSpan(ctx, child), child
}
