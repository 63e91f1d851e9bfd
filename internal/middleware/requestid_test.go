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

package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	const valid = "0b9f6c1e-3a52-4c8e-a3d1-5f2e7b8c9d0a"

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{name: "absent", header: ""},
		{name: "valid uuid", header: valid, keep: true},
		{name: "not a uuid", header: "req-42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID(quiet)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(HeaderRequestID, tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, seen, w.Header().Get(HeaderRequestID))
			_, err := uuid.Parse(seen)
			require.NoError(t, err)
			if tt.keep {
				assert.Equal(t, tt.header, seen)
			} else {
				assert.NotEqual(t, tt.header, seen)
			}
		})
	}
}

func TestRequestID_SharedWithResponseMiddleware(t *testing.T) {
	mw, err := New(Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	var inner string
	h := RequestID(nil)(mw.Wrap(HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		inner = RequestIDFromContext(r.Context())
		return nil
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "not-a-uuid")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.NotEmpty(t, inner)
	assert.Equal(t, inner, w.Header().Get(HeaderRequestID), "one id per request")
}

func TestClacks(t *testing.T) {
	h := Clacks(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "GNU Terry Pratchett", w.Header().Get("X-Clacks-Overhead"))
}

func TestResponseWriter(t *testing.T) {
	t.Run("defaults to 200", func(t *testing.T) {
		ww := wrapWriter(httptest.NewRecorder())
		assert.Equal(t, http.StatusOK, ww.Status())
		assert.False(t, ww.wroteHeader)
	})

	t.Run("first status wins", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ww := wrapWriter(rec)
		ww.WriteHeader(http.StatusCreated)
		ww.WriteHeader(http.StatusInternalServerError)
		assert.Equal(t, http.StatusCreated, ww.Status())
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("counts body bytes", func(t *testing.T) {
		ww := wrapWriter(httptest.NewRecorder())
		_, _ = ww.Write([]byte("hello "))
		_, _ = ww.Write([]byte("world"))
		assert.Equal(t, int64(11), ww.size)
		assert.True(t, ww.wroteHeader)
	})

	t.Run("flush commits the header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ww := wrapWriter(rec)
		require.NoError(t, http.NewResponseController(ww).Flush())
		assert.True(t, rec.Flushed)
		assert.Equal(t, http.StatusOK, ww.Status())
	})
}
