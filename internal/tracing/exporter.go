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
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	prerollerrors "github.com/tombee/preroll/pkg/errors"
	"github.com/tombee/preroll/pkg/observability"
)

// submitAttempts bounds the drop-oldest loop in Submit when many producers
// race for the last slot.
const submitAttempts = 4

// Exporter ships finished span batches to a sink off the request path.
//
// Batches wait in a bounded queue. When the queue is full the oldest batch
// is dropped to admit the new one. A single background loop drains the
// queue on a ticker, or early once BatchSize batches are waiting. Delivery
// failures are logged and counted; nothing is retried.
type Exporter struct {
	sink    observability.Sink
	queue   chan observability.Batch
	kick    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	batchSize     int
	flushInterval time.Duration
	exportTimeout time.Duration
	dataset       string

	metrics *MetricsCollector
	logger  *slog.Logger
	warn    *rate.Limiter

	mu       sync.RWMutex
	closed   bool
	started  bool
	drainCtx context.Context
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithMetrics sets the collector that counts exporter activity.
func WithMetrics(mc *MetricsCollector) ExporterOption {
	return func(e *Exporter) { e.metrics = mc }
}

// WithExporterLogger sets the logger for drop and delivery warnings.
func WithExporterLogger(l *slog.Logger) ExporterOption {
	return func(e *Exporter) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithWarnLimit sets how often drop and failure warnings may be logged.
func WithWarnLimit(every time.Duration, burst int) ExporterOption {
	return func(e *Exporter) { e.warn = rate.NewLimiter(rate.Every(every), burst) }
}

// NewExporter creates an exporter delivering to sink. Zero values in cfg
// take the DefaultConfig values.
func NewExporter(sink observability.Sink, cfg Config, opts ...ExporterOption) *Exporter {
	def := DefaultConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = def.ExportTimeout
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.Environment == "" {
		cfg.Environment = def.Environment
	}
	if sink == nil {
		sink = observability.Discard
	}

	e := &Exporter{
		sink:          sink,
		queue:         make(chan observability.Batch, cfg.QueueCapacity),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		exportTimeout: cfg.ExportTimeout,
		dataset:       cfg.DefaultDataset(),
		logger:        slog.Default(),
		warn:          rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics.ObserveQueueDepth(e.Len)
	return e
}

// DefaultDataset returns the dataset used for batches without one.
func (e *Exporter) DefaultDataset() string {
	return e.dataset
}

// Len returns the number of batches waiting in the queue.
func (e *Exporter) Len() int {
	return len(e.queue)
}

// Submit queues b for delivery. It never blocks. It reports whether b was
// admitted; empty batches and batches submitted after Shutdown are not.
func (e *Exporter) Submit(b observability.Batch) bool {
	if b.Len() == 0 {
		return false
	}
	if b.Dataset == "" {
		b.Dataset = e.dataset
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	ctx := context.Background()
	if e.closed {
		e.metrics.RecordDropped(ctx, DropReasonShutdown)
		return false
	}

	for attempt := 0; attempt < submitAttempts; attempt++ {
		select {
		case e.queue <- b:
			e.metrics.RecordSubmitted(ctx)
			if len(e.queue) >= e.batchSize {
				select {
				case e.kick <- struct{}{}:
				default:
				}
			}
			return true
		default:
		}

		select {
		case old := <-e.queue:
			e.metrics.RecordDropped(ctx, DropReasonOverflow)
			e.warnf("export queue full, dropped oldest batch",
				"dataset", old.Dataset,
				"spans", old.Len(),
			)
		default:
		}
	}

	e.metrics.RecordDropped(ctx, DropReasonOverflow)
	e.warnf("export queue full, dropped batch",
		"dataset", b.Dataset,
		"spans", b.Len(),
	)
	return false
}

// Start launches the flush loop. It returns immediately; the loop runs
// until Shutdown. ctx bounds sink calls made by periodic flushes.
func (e *Exporter) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true
	go e.run(ctx)
}

func (e *Exporter) run(ctx context.Context) {
	defer close(e.stopped)

	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			e.drain(e.drainCtx)
			return
		case <-ticker.C:
			e.flush(ctx)
		case <-e.kick:
			e.flush(ctx)
		}
	}
}

// Shutdown stops accepting batches, drains what is queued, and shuts the
// sink down. The drain stops early if ctx ends.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.drainCtx = ctx
	e.mu.Unlock()

	if started {
		close(e.stop)
		select {
		case <-e.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		e.drain(ctx)
	}

	return e.sink.Shutdown(ctx)
}

func (e *Exporter) drain(ctx context.Context) {
	for len(e.queue) > 0 {
		if ctx.Err() != nil {
			return
		}
		e.flush(ctx)
	}
}

// flush delivers up to batchSize queued batches, grouped by dataset in
// first-seen order.
func (e *Exporter) flush(ctx context.Context) {
	var (
		order  []string
		groups = make(map[string][]observability.Span)
		counts = make(map[string]int)
	)

collect:
	for i := 0; i < e.batchSize; i++ {
		select {
		case b := <-e.queue:
			if _, ok := groups[b.Dataset]; !ok {
				order = append(order, b.Dataset)
			}
			groups[b.Dataset] = append(groups[b.Dataset], b.Spans...)
			counts[b.Dataset]++
		default:
			break collect
		}
	}

	for _, dataset := range order {
		e.export(ctx, dataset, groups[dataset], counts[dataset])
	}
}

func (e *Exporter) export(ctx context.Context, dataset string, spans []observability.Span, batches int) {
	ctx, cancel := context.WithTimeout(ctx, e.exportTimeout)
	defer cancel()

	if err := e.sink.Export(ctx, dataset, spans); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &prerollerrors.TimeoutError{Operation: "span export", Duration: e.exportTimeout, Cause: err}
		}
		e.metrics.RecordFailed(ctx, dataset, batches)
		e.warnf("span export failed",
			"dataset", dataset,
			"batches", batches,
			"spans", len(spans),
			"error", err.Error(),
		)
		return
	}
	e.metrics.RecordDelivered(ctx, dataset, batches)
}

func (e *Exporter) warnf(msg string, args ...any) {
	if e.warn.Allow() {
		e.logger.Warn(msg, args...)
	}
}
