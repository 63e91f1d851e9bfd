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
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// HeaderRequestID carries the request ID in both directions.
const HeaderRequestID = "X-Request-Id"

type requestIDKeyType struct{}

var requestIDKey = requestIDKeyType{}

// RequestIDFromContext returns the request ID stored by RequestID or the
// response middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// resolveRequestID returns the request ID already in ctx, the caller's
// X-Request-Id when it is a UUID, or a new UUID.
func resolveRequestID(r *http.Request, logger *slog.Logger) string {
	if id := RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	header := r.Header.Get(HeaderRequestID)
	if header == "" {
		return uuid.NewString()
	}
	if _, err := uuid.Parse(header); err != nil {
		logger.Warn("request id is not a UUID, generating a new one",
			"header", HeaderRequestID,
			"value", truncate(header, 64),
		)
		return uuid.NewString()
	}
	return header
}

// RequestID assigns every request an ID, honouring a UUID X-Request-Id
// from the caller, and echoes it on the response.
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := resolveRequestID(r, logger)
			w.Header().Set(HeaderRequestID, id)
			next.ServeHTTP(w, r.WithContext(contextWithRequestID(r.Context(), id)))
		})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
