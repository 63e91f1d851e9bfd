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

// State is a step in the life of a request inside the middleware.
//
//	Started -> HandlerRunning -> Completed | Failed | Panicked -> Finalized
type State int

const (
	StateUnknown State = iota
	StateStarted
	StateHandlerRunning
	StateCompleted
	StateFailed
	StatePanicked
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateHandlerRunning:
		return "handler_running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StatePanicked:
		return "panicked"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}
