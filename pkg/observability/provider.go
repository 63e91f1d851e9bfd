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

package observability

import (
	"context"
)

// Sink delivers finished spans to a telemetry backend.
// Implementations are called from a single goroutine.
type Sink interface {
	// Export delivers spans routed to dataset. A non-nil error means the
	// spans were lost; callers never retry.
	Export(ctx context.Context, dataset string, spans []Span) error

	// Shutdown releases resources. Calling Shutdown multiple times is safe.
	Shutdown(ctx context.Context) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, dataset string, spans []Span) error

// Export calls f.
func (f SinkFunc) Export(ctx context.Context, dataset string, spans []Span) error {
	return f(ctx, dataset, spans)
}

// Shutdown is a no-op.
func (f SinkFunc) Shutdown(context.Context) error {
	return nil
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Export(context.Context, string, []Span) error { return nil }

func (discard) Shutdown(context.Context) error { return nil }
