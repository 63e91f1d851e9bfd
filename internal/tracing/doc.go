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

/*
Package tracing records per-request span trees and ships them to a
telemetry backend off the request path.

# Overview

Every inbound request gets a CorrelationContext decoded from the
propagation header by a Codec. A Recorder holds the request's span tree;
instrumented code opens child spans through the context:

	ctx, span := tracing.StartSpan(ctx, "db.query", observability.SpanKindClient)
	defer span.Close(observability.OK())
	span.SetAttribute("db.statement", query)

A nil span handle is valid, so code runs unchanged outside a traced
request.

# Propagation

The header carries four comma-separated fields:

	X-Trace-Context: trace_id,parent_span_id,dataset_hint,sampled

Decoding never fails. A missing, repeated or malformed header starts a new
trace. Encoding always writes all four fields with the current span as the
downstream parent.

# Export

When a request finishes its tree is submitted to an Exporter as one
Batch. The exporter queue is bounded and drops the oldest batch when
full, so Submit never blocks. A background loop flushes batches to the
configured sink grouped by dataset.

	exp := tracing.NewExporter(sink, cfg, tracing.WithMetrics(tel.Metrics()))
	exp.Start(ctx)
	defer exp.Shutdown(shutdownCtx)

Metrics exposed through Telemetry.Handler:

  - preroll_export_batches_submitted_total
  - preroll_export_batches_dropped_total{reason}
  - preroll_export_batches_delivered_total{dataset}
  - preroll_export_batches_failed_total{dataset}
  - preroll_export_queue_depth

# Subpackages

  - export: honeycomb, OTLP and console sinks
  - storage: SQLite span storage
  - redact: attribute redaction applied before export
*/
package tracing
