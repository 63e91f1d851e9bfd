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
	"math"
	"testing"
)

func TestConstSamplers(t *testing.T) {
	if !AlwaysSample().ShouldSample(NewTraceID()) {
		t.Error("AlwaysSample must sample")
	}
	if NeverSample().ShouldSample(NewTraceID()) {
		t.Error("NeverSample must not sample")
	}
}

func TestNewRatioSampler_Bounds(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysSample"},
		{2, "AlwaysSample"},
		{0, "NeverSample"},
		{-1, "NeverSample"},
		{math.NaN(), "NeverSample"},
		{0.25, "RatioSampler{rate=0.25}"},
	}

	for _, tt := range tests {
		if got := NewRatioSampler(tt.rate).Description(); got != tt.want {
			t.Errorf("NewRatioSampler(%v).Description() = %q, want %q", tt.rate, got, tt.want)
		}
	}
}

func TestRatioSampler_Consistent(t *testing.T) {
	s := NewRatioSampler(0.5)
	for i := 0; i < 100; i++ {
		id := NewTraceID()
		first := s.ShouldSample(id)
		for j := 0; j < 3; j++ {
			if s.ShouldSample(id) != first {
				t.Fatalf("inconsistent decision for %s", id)
			}
		}
	}
}

func TestRatioSampler_Distribution(t *testing.T) {
	s := NewRatioSampler(0.5)
	const n = 10000
	sampled := 0
	for i := 0; i < n; i++ {
		if s.ShouldSample(NewTraceID()) {
			sampled++
		}
	}
	if sampled < n*4/10 || sampled > n*6/10 {
		t.Errorf("sampled %d of %d at rate 0.5", sampled, n)
	}
}
