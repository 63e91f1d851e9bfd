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

import "net/http"

// The X-Clacks-Overhead header and its value.
const (
	ClacksHeader = "X-Clacks-Overhead"
	ClacksValue  = "GNU Terry Pratchett"
)

// Clacks adds the X-Clacks-Overhead header to every response.
func Clacks(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ClacksHeader, ClacksValue)
		next.ServeHTTP(w, r)
	})
}
