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

package httputil

import (
	"fmt"
	"net/http"

	prerollerrors "github.com/tombee/preroll/pkg/errors"
)

// Envelope is the JSON body of every error response.
type Envelope struct {
	Error         prerollerrors.Kind `json:"error"`
	Message       string             `json:"message"`
	CorrelationID string             `json:"correlation_id"`
}

// StatusFor returns the HTTP status for kind. Unknown kinds are internal.
func StatusFor(kind prerollerrors.Kind) int {
	switch kind {
	case prerollerrors.KindValidation:
		return http.StatusBadRequest
	case prerollerrors.KindUnauthorized:
		return http.StatusUnauthorized
	case prerollerrors.KindNotFound:
		return http.StatusNotFound
	case prerollerrors.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// BuildEnvelope returns the status and body for an error of kind.
func BuildEnvelope(kind prerollerrors.Kind, message, correlationID string) (int, Envelope) {
	if !kind.Valid() {
		kind = prerollerrors.KindInternal
	}
	return StatusFor(kind), Envelope{
		Error:         kind,
		Message:       message,
		CorrelationID: correlationID,
	}
}

// GenericMessage is the client message for 5xx responses whose error did
// not declare itself safe to show.
func GenericMessage(kind prerollerrors.Kind, correlationID string) string {
	if kind == prerollerrors.KindUpstream {
		return fmt.Sprintf("Upstream Error (correlation_id=%s)", correlationID)
	}
	return fmt.Sprintf("Internal Server Error (correlation_id=%s)", correlationID)
}

// EnvelopeFromError classifies err and builds its envelope. Client errors
// carry the error's message; server errors carry a generic message unless
// the error is user-visible.
func EnvelopeFromError(err error, correlationID string) (int, Envelope) {
	kind := prerollerrors.KindOf(err)
	status := StatusFor(kind)

	var message string
	if err != nil {
		msg, visible := prerollerrors.UserMessageOf(err)
		if status < 500 || visible {
			message = msg
		}
	}
	if message == "" {
		if status >= 500 {
			message = GenericMessage(kind, correlationID)
		} else {
			message = "(no additional context)"
		}
	}
	return BuildEnvelope(kind, message, correlationID)
}

// InternalEnvelope is the body for panics and other faults with no error
// worth classifying.
func InternalEnvelope(correlationID string) (int, Envelope) {
	return BuildEnvelope(prerollerrors.KindInternal, GenericMessage(prerollerrors.KindInternal, correlationID), correlationID)
}

// WriteEnvelope writes env with status.
func WriteEnvelope(w http.ResponseWriter, status int, env Envelope) {
	WriteJSON(w, status, env)
}
