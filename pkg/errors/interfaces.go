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

package errors

// UserVisibleError defines errors whose message may be shown to API clients.
//
// The JSON error envelope uses UserMessage for 4xx responses. For 5xx
// responses the message is only shown when IsUserVisible returns true;
// otherwise a generic message is substituted.
type UserVisibleError interface {
	error

	// IsUserVisible returns true if this error's message is safe to show
	// to clients even for server-side failures.
	IsUserVisible() bool

	// UserMessage returns the client-facing error message.
	UserMessage() string
}

// ErrorClassifier defines errors that belong to one envelope kind.
type ErrorClassifier interface {
	error

	// ErrorType returns the envelope kind, one of the Kind constants.
	ErrorType() string
}
