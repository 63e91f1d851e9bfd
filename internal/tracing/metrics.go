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
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Drop reasons reported on preroll_export_batches_dropped_total.
const (
	DropReasonOverflow = "overflow"
	DropReasonShutdown = "shutdown"
)

// MetricsCollector records exporter health: batches accepted, dropped,
// delivered and failed, plus the current queue depth.
type MetricsCollector struct {
	meter metric.Meter

	submitted metric.Int64Counter
	dropped   metric.Int64Counter
	delivered metric.Int64Counter
	failed    metric.Int64Counter

	// Counts mirrored locally so the monitor endpoint can report them
	// without scraping the meter.
	submittedN atomic.Int64
	droppedN   atomic.Int64
	deliveredN atomic.Int64
	failedN    atomic.Int64

	depth func() int
}

// NewMetricsCollector creates a collector using the given meter provider.
// A nil provider records counts locally only.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	if meterProvider == nil {
		meterProvider = noop.NewMeterProvider()
	}
	meter := meterProvider.Meter("preroll")

	mc := &MetricsCollector{meter: meter}

	var err error
	mc.submitted, err = meter.Int64Counter(
		"preroll_export_batches_submitted_total",
		metric.WithDescription("Span batches accepted into the export queue"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	mc.dropped, err = meter.Int64Counter(
		"preroll_export_batches_dropped_total",
		metric.WithDescription("Span batches discarded before delivery"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	mc.delivered, err = meter.Int64Counter(
		"preroll_export_batches_delivered_total",
		metric.WithDescription("Span batches accepted by the sink"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	mc.failed, err = meter.Int64Counter(
		"preroll_export_batches_failed_total",
		metric.WithDescription("Span batches the sink rejected"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"preroll_export_queue_depth",
		metric.WithDescription("Span batches waiting in the export queue"),
		metric.WithUnit("{batch}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			if mc.depth != nil {
				observer.Observe(int64(mc.depth()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// ObserveQueueDepth registers the function sampled by the queue depth gauge.
func (mc *MetricsCollector) ObserveQueueDepth(depth func() int) {
	if mc == nil {
		return
	}
	mc.depth = depth
}

// RecordSubmitted counts a batch accepted into the queue.
func (mc *MetricsCollector) RecordSubmitted(ctx context.Context) {
	if mc == nil {
		return
	}
	mc.submittedN.Add(1)
	mc.submitted.Add(ctx, 1)
}

// RecordDropped counts a discarded batch.
func (mc *MetricsCollector) RecordDropped(ctx context.Context, reason string) {
	if mc == nil {
		return
	}
	mc.droppedN.Add(1)
	mc.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDelivered counts n batches accepted by the sink for dataset.
func (mc *MetricsCollector) RecordDelivered(ctx context.Context, dataset string, n int) {
	if mc == nil || n <= 0 {
		return
	}
	mc.deliveredN.Add(int64(n))
	mc.delivered.Add(ctx, int64(n), metric.WithAttributes(attribute.String("dataset", dataset)))
}

// RecordFailed counts n batches rejected by the sink for dataset.
func (mc *MetricsCollector) RecordFailed(ctx context.Context, dataset string, n int) {
	if mc == nil || n <= 0 {
		return
	}
	mc.failedN.Add(int64(n))
	mc.failed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("dataset", dataset)))
}

// ExportStats is a point-in-time view of the exporter counters.
type ExportStats struct {
	Submitted  int64 `json:"submitted"`
	Dropped    int64 `json:"dropped"`
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
	QueueDepth int   `json:"queue_depth"`
}

// Stats returns the locally mirrored counters.
func (mc *MetricsCollector) Stats() ExportStats {
	if mc == nil {
		return ExportStats{}
	}
	s := ExportStats{
		Submitted: mc.submittedN.Load(),
		Dropped:   mc.droppedN.Load(),
		Delivered: mc.deliveredN.Load(),
		Failed:    mc.failedN.Load(),
	}
	if mc.depth != nil {
		s.QueueDepth = mc.depth()
	}
	return s
}
