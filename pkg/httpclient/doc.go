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

// Package httpclient builds outbound HTTP clients that take part in the
// caller's trace.
//
// Every request made through the client opens an "http.client" child span
// under the span carried by the request context and sends the propagation
// header positioned at that child, so the downstream service continues the
// same trace:
//
//	client, err := httpclient.New(httpclient.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	req, _ := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
//	resp, err := client.Do(req)
//
// Requests made outside a traced request still get the User-Agent and are
// logged, but carry no propagation header.
//
// Sensitive query parameters (api_key, token, password, ...) are redacted
// from logs and span attributes.
//
// Nothing is retried.
package httpclient
