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
	"hash/fnv"
	"math"
	"strconv"
)

// Sampler makes the head sampling decision for a trace.
// The decision is made once, at the trace root, and inherited by every
// span of the trace.
type Sampler interface {
	ShouldSample(traceID string) bool
	Description() string
}

type constSampler bool

func (s constSampler) ShouldSample(string) bool { return bool(s) }

func (s constSampler) Description() string {
	if s {
		return "AlwaysSample"
	}
	return "NeverSample"
}

// AlwaysSample returns a sampler that samples every trace.
func AlwaysSample() Sampler { return constSampler(true) }

// NeverSample returns a sampler that samples no trace.
func NeverSample() Sampler { return constSampler(false) }

// ratioSampler makes consistent decisions based on the trace ID, so every
// service that sees the same trace agrees without coordinating.
type ratioSampler struct {
	rate  float64
	bound uint64
}

// NewRatioSampler returns a sampler keeping roughly rate of all traces.
// Rates at or above 1 sample everything; at or below 0 nothing.
func NewRatioSampler(rate float64) Sampler {
	if math.IsNaN(rate) || rate <= 0 {
		return NeverSample()
	}
	if rate >= 1 {
		return AlwaysSample()
	}
	return &ratioSampler{
		rate:  rate,
		bound: uint64(rate * float64(math.MaxUint64)),
	}
}

func (s *ratioSampler) ShouldSample(traceID string) bool {
	h := fnv.New64a()
	_, _ = h.Write([]byte(traceID))
	return h.Sum64() < s.bound
}

func (s *ratioSampler) Description() string {
	return "RatioSampler{rate=" + strconv.FormatFloat(s.rate, 'f', -1, 64) + "}"
}
