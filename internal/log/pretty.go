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

package log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// PrettyHandler writes records for humans:
//
//	INFO  | server listening
//	    addr 127.0.0.1:8080
//
// The level label is colorized only when the output is a terminal.
type PrettyHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	opts   slog.HandlerOptions
	styles map[string]lipgloss.Style
	key    lipgloss.Style
	color  bool

	prefix string
	attrs  []slog.Attr
}

// NewPrettyHandler creates a handler writing to out. A nil opts logs at
// info and above.
func NewPrettyHandler(out io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{
		mu:    &sync.Mutex{},
		out:   out,
		color: isTerminal(out),
	}
	if opts != nil {
		h.opts = *opts
	}

	r := lipgloss.NewRenderer(out)
	h.styles = map[string]lipgloss.Style{
		"trace": r.NewStyle().Foreground(lipgloss.Color("245")),
		"debug": r.NewStyle().Foreground(lipgloss.Color("39")),
		"info":  r.NewStyle().Foreground(lipgloss.Color("42")),
		"warn":  r.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		"error": r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
	h.key = r.NewStyle().Foreground(lipgloss.Color("245"))
	return h
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Enabled reports whether level passes the configured minimum.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle formats and writes r.
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	name := LevelName(r.Level)
	label := fmt.Sprintf("%-5s", strings.ToUpper(name))
	if h.color {
		label = h.styles[name].Render(label)
	}
	buf.WriteString(label)
	buf.WriteString(" | ")
	buf.WriteString(r.Message)
	buf.WriteByte('\n')

	if h.opts.AddSource && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		h.writeAttr(&buf, "", slog.String(slog.SourceKey, fmt.Sprintf("%s:%d", frame.File, frame.Line)))
	}
	for _, a := range h.attrs {
		h.writeAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&buf, h.prefix, a)
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) writeAttr(buf *bytes.Buffer, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			h.writeAttr(buf, prefix, ga)
		}
		return
	}

	key := prefix + a.Key
	if h.color {
		key = h.key.Render(key)
	}
	buf.WriteString("    ")
	buf.WriteString(key)
	buf.WriteByte(' ')
	buf.WriteString(a.Value.String())
	buf.WriteByte('\n')
}

// WithAttrs returns a handler that always writes attrs.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

// WithGroup returns a handler that qualifies later keys with name.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}
