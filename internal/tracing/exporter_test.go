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
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/preroll/pkg/observability"
)

type exportCall struct {
	dataset string
	names   []string
}

type recordingSink struct {
	mu       sync.Mutex
	calls    []exportCall
	err      error
	shutdown bool
}

func (s *recordingSink) Export(_ context.Context, dataset string, spans []observability.Span) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := exportCall{dataset: dataset}
	for _, sp := range spans {
		call.names = append(call.names, sp.Name)
	}
	s.calls = append(s.calls, call)
	return s.err
}

func (s *recordingSink) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	return nil
}

func (s *recordingSink) Calls() []exportCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]exportCall(nil), s.calls...)
}

func testBatch(dataset, name string) observability.Batch {
	return observability.Batch{
		Dataset: dataset,
		Spans: []observability.Span{{
			TraceID: NewTraceID(),
			SpanID:  NewSpanID(),
			Name:    name,
		}},
	}
}

func testExporterConfig() Config {
	cfg := DefaultConfig()
	cfg.ServiceName = "svc"
	cfg.Environment = "test"
	cfg.QueueCapacity = 8
	cfg.BatchSize = 100
	cfg.FlushInterval = time.Hour
	return cfg
}

func newTestExporter(t *testing.T, sink observability.Sink, cfg Config) (*Exporter, *MetricsCollector) {
	t.Helper()
	mc, err := NewMetricsCollector(nil)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewExporter(sink, cfg, WithMetrics(mc), WithExporterLogger(logger)), mc
}

func TestExporter_Defaults(t *testing.T) {
	e := NewExporter(nil, Config{})

	assert.Equal(t, "preroll-development", e.DefaultDataset())
	assert.Equal(t, 0, e.Len())
	assert.NoError(t, e.Shutdown(context.Background()))
}

func TestExporter_SubmitRejectsEmpty(t *testing.T) {
	e, mc := newTestExporter(t, &recordingSink{}, testExporterConfig())

	assert.False(t, e.Submit(observability.Batch{Dataset: "ds"}))
	assert.Equal(t, ExportStats{}, mc.Stats())
}

func TestExporter_DropsOldestWhenFull(t *testing.T) {
	sink := &recordingSink{}
	cfg := testExporterConfig()
	cfg.QueueCapacity = 2
	e, mc := newTestExporter(t, sink, cfg)

	assert.True(t, e.Submit(testBatch("ds", "first")))
	assert.True(t, e.Submit(testBatch("ds", "second")))
	assert.True(t, e.Submit(testBatch("ds", "third")))
	assert.Equal(t, 2, e.Len())

	stats := mc.Stats()
	assert.Equal(t, int64(3), stats.Submitted)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 2, stats.QueueDepth)

	require.NoError(t, e.Shutdown(context.Background()))
	assert.Equal(t, []exportCall{{dataset: "ds", names: []string{"second", "third"}}}, sink.Calls())
	assert.Equal(t, int64(2), mc.Stats().Delivered)
}

func TestExporter_SubmitNeverBlocks(t *testing.T) {
	cfg := testExporterConfig()
	cfg.QueueCapacity = 1
	e, mc := newTestExporter(t, &recordingSink{}, cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			e.Submit(testBatch("ds", "burst"))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Submit blocked with a full queue")
	}
	assert.Equal(t, 1, e.Len())
	assert.Equal(t, int64(999), mc.Stats().Dropped)
}

func TestExporter_GroupsByDataset(t *testing.T) {
	sink := &recordingSink{}
	e, mc := newTestExporter(t, sink, testExporterConfig())

	e.Submit(testBatch("orders", "a"))
	e.Submit(testBatch("billing", "b"))
	e.Submit(testBatch("orders", "c"))
	e.Submit(testBatch("", "d"))

	require.NoError(t, e.Shutdown(context.Background()))
	assert.Equal(t, []exportCall{
		{dataset: "orders", names: []string{"a", "c"}},
		{dataset: "billing", names: []string{"b"}},
		{dataset: "svc-test", names: []string{"d"}},
	}, sink.Calls())
	assert.Equal(t, int64(4), mc.Stats().Delivered)
}

func TestExporter_FailureIsCountedNotRetried(t *testing.T) {
	sink := &recordingSink{err: errors.New("backend down")}
	e, mc := newTestExporter(t, sink, testExporterConfig())

	e.Submit(testBatch("ds", "a"))
	e.Submit(testBatch("ds", "b"))
	require.NoError(t, e.Shutdown(context.Background()))

	assert.Len(t, sink.Calls(), 1)
	stats := mc.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(0), stats.Delivered)
	assert.Equal(t, 0, stats.QueueDepth)
}

func TestExporter_ExportTimeout(t *testing.T) {
	sink := observability.SinkFunc(func(ctx context.Context, _ string, _ []observability.Span) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cfg := testExporterConfig()
	cfg.ExportTimeout = 10 * time.Millisecond

	mc, err := NewMetricsCollector(nil)
	require.NoError(t, err)
	var buf bytes.Buffer
	e := NewExporter(sink, cfg, WithMetrics(mc), WithExporterLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	e.Submit(testBatch("ds", "slow"))
	require.NoError(t, e.Shutdown(context.Background()))

	assert.Equal(t, int64(1), mc.Stats().Failed)
	assert.Contains(t, buf.String(), "span export operation timed out after 10ms")
}

func TestExporter_FlushLoop(t *testing.T) {
	sink := &recordingSink{}
	cfg := testExporterConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	e, _ := newTestExporter(t, sink, cfg)

	e.Start(context.Background())
	e.Submit(testBatch("ds", "ticked"))

	require.Eventually(t, func() bool {
		return len(sink.Calls()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Shutdown(context.Background()))
	assert.True(t, sink.shutdown)
}

func TestExporter_EarlyFlushAtBatchSize(t *testing.T) {
	sink := &recordingSink{}
	cfg := testExporterConfig()
	cfg.BatchSize = 2
	e, _ := newTestExporter(t, sink, cfg)
	e.Start(context.Background())
	defer e.Shutdown(context.Background())

	e.Submit(testBatch("ds", "a"))
	e.Submit(testBatch("ds", "b"))

	// FlushInterval is an hour, so only the kick can deliver these.
	require.Eventually(t, func() bool {
		n := 0
		for _, c := range sink.Calls() {
			n += len(c.names)
		}
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestExporter_ShutdownDrainsQueue(t *testing.T) {
	sink := &recordingSink{}
	cfg := testExporterConfig()
	cfg.BatchSize = 3
	cfg.QueueCapacity = 16
	e, _ := newTestExporter(t, sink, cfg)

	for i := 0; i < 10; i++ {
		e.Submit(testBatch("ds", "queued"))
	}
	e.Start(context.Background())
	require.NoError(t, e.Shutdown(context.Background()))

	n := 0
	for _, c := range sink.Calls() {
		n += len(c.names)
	}
	assert.Equal(t, 10, n)
	assert.Equal(t, 0, e.Len())
	assert.True(t, sink.shutdown)
}

func TestExporter_SubmitAfterShutdown(t *testing.T) {
	e, mc := newTestExporter(t, &recordingSink{}, testExporterConfig())
	require.NoError(t, e.Shutdown(context.Background()))

	assert.False(t, e.Submit(testBatch("ds", "late")))
	assert.Equal(t, int64(1), mc.Stats().Dropped)
	assert.NoError(t, e.Shutdown(context.Background()), "second shutdown is a no-op")

	e.Start(context.Background())
	assert.Equal(t, 0, e.Len())
}
