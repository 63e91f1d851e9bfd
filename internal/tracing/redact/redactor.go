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

// Package redact scrubs sensitive values from spans before they leave the
// process.
package redact

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tombee/preroll/pkg/observability"
)

// Mode determines how aggressively span data is redacted.
type Mode string

const (
	// ModeNone disables redaction.
	ModeNone Mode = "none"

	// ModeStandard applies pattern-based redaction for common secrets.
	ModeStandard Mode = "standard"

	// ModeStrict replaces every string attribute value.
	ModeStrict Mode = "strict"
)

// Placeholder replaces redacted values.
const Placeholder = "[REDACTED]"

// ParseMode validates a mode name. Empty means ModeStandard.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeStandard, nil
	case ModeNone, ModeStandard, ModeStrict:
		return m, nil
	default:
		return "", fmt.Errorf("unknown redaction mode %q", s)
	}
}

// Pattern defines a redaction pattern with a name and regular expression.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// StandardPatterns returns the default set of redaction patterns.
func StandardPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "api_key",
			Regex:       regexp.MustCompile(`(?i)(api[_-]?key|apikey)["\s:=]+([a-zA-Z0-9_\-]{16,})`),
			Replacement: "$1=" + Placeholder,
		},
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_\-\.]{20,})`),
			Replacement: "$1" + Placeholder,
		},
		{
			Name:        "password",
			Regex:       regexp.MustCompile(`(?i)(password|passwd|pwd)["\s:=]+([^\s"&]+)`),
			Replacement: "$1=" + Placeholder,
		},
		{
			Name:        "aws_key",
			Regex:       regexp.MustCompile(`(AKIA[0-9A-Z]{16})`),
			Replacement: "[REDACTED-AWS-KEY]",
		},
		{
			Name:        "jwt",
			Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: "[REDACTED-JWT]",
		},
		{
			Name:        "email",
			Regex:       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			Replacement: "[REDACTED-EMAIL]",
		},
		{
			Name:        "generic_secret",
			Regex:       regexp.MustCompile(`(?i)(secret|token)["\s:=]+([a-zA-Z0-9_\-]{16,})`),
			Replacement: "$1=" + Placeholder,
		},
	}
}

// sensitiveKeys mark attributes whose whole value is dropped.
var sensitiveKeys = []string{
	"password", "passwd", "pwd",
	"secret", "token",
	"api_key", "apikey",
	"private_key",
	"authorization",
	"cookie", "session",
}

// structuralKeys are never rewritten, even in strict mode; they carry
// identifiers and routing data, not payload.
var structuralKeys = map[string]bool{
	"http.method":        true,
	"http.status_code":   true,
	"http.response_size": true,
	"request.id":         true,
}

// Redactor applies redaction rules to span data.
type Redactor struct {
	mode     Mode
	patterns []Pattern
}

// NewRedactor creates a redactor with the standard patterns.
func NewRedactor(mode Mode) *Redactor {
	return &Redactor{mode: mode, patterns: StandardPatterns()}
}

// NewRedactorWithPatterns creates a redactor with custom patterns.
func NewRedactorWithPatterns(mode Mode, patterns []Pattern) *Redactor {
	return &Redactor{mode: mode, patterns: patterns}
}

// Mode returns the redaction mode.
func (r *Redactor) Mode() Mode {
	return r.mode
}

// RedactString applies the redaction patterns to s.
func (r *Redactor) RedactString(s string) string {
	switch r.mode {
	case ModeNone:
		return s
	case ModeStrict:
		return Placeholder
	}
	for _, p := range r.patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}

// RedactAttributes returns a redacted copy of attrs.
func (r *Redactor) RedactAttributes(attrs []observability.Attribute) []observability.Attribute {
	if r.mode == ModeNone || len(attrs) == 0 {
		return attrs
	}

	out := make([]observability.Attribute, len(attrs))
	for i, a := range attrs {
		switch {
		case structuralKeys[a.Key]:
			out[i] = a
		case isSensitiveKey(a.Key):
			out[i] = observability.Attribute{Key: a.Key, Value: Placeholder}
		default:
			if s, ok := a.Value.(string); ok {
				out[i] = observability.Attribute{Key: a.Key, Value: r.RedactString(s)}
			} else {
				out[i] = a
			}
		}
	}
	return out
}

// RedactSpans returns redacted copies of spans.
func (r *Redactor) RedactSpans(spans []observability.Span) []observability.Span {
	if r.mode == ModeNone {
		return spans
	}
	out := make([]observability.Span, len(spans))
	for i, sp := range spans {
		sp.Attributes = r.RedactAttributes(sp.Attributes)
		if sp.Status.Message != "" && r.mode == ModeStandard {
			sp.Status.Message = r.RedactString(sp.Status.Message)
		}
		out[i] = sp
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Sink redacts spans before handing them to the next sink.
type Sink struct {
	redactor *Redactor
	next     observability.Sink
}

// NewSink wraps next. With ModeNone, next is returned unchanged.
func NewSink(r *Redactor, next observability.Sink) observability.Sink {
	if r == nil || r.mode == ModeNone {
		return next
	}
	return &Sink{redactor: r, next: next}
}

// Export implements observability.Sink.
func (s *Sink) Export(ctx context.Context, dataset string, spans []observability.Span) error {
	return s.next.Export(ctx, dataset, s.redactor.RedactSpans(spans))
}

// Shutdown implements observability.Sink.
func (s *Sink) Shutdown(ctx context.Context) error {
	return s.next.Shutdown(ctx)
}

// Unwrap returns the wrapped sink.
func (s *Sink) Unwrap() observability.Sink {
	return s.next
}
