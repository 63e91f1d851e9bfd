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

// Package monitor serves the /monitor endpoints. They are mounted outside
// the request middleware so probes neither log nor trace.
package monitor

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/tombee/preroll/internal/httputil"
)

// Paths.
const (
	PingPath    = "/monitor/ping"
	StatusPath  = "/monitor/status"
	MetricsPath = "/monitor/metrics"
)

// NoGitCommit is reported when GIT_COMMIT is unset.
const NoGitCommit = "No GIT_COMMIT environment variable."

// Status is the /monitor/status body.
type Status struct {
	Git      string  `json:"git"`
	Hostname string  `json:"hostname"`
	Service  string  `json:"service"`
	Uptime   float64 `json:"uptime"`
}

// Config configures the monitor.
type Config struct {
	// ServiceName is returned by ping and status.
	ServiceName string

	// GitCommit is reported by status. Empty reports NoGitCommit.
	GitCommit string

	// Metrics serves /monitor/metrics. Nil leaves the route unregistered.
	Metrics http.Handler
}

// Monitor holds the process facts reported by the endpoints.
type Monitor struct {
	cfg      Config
	hostname string
	started  time.Time
	now      func() time.Time
}

// New creates a monitor. Uptime is measured from this call.
func New(cfg Config) *Monitor {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	if cfg.GitCommit == "" {
		cfg.GitCommit = NoGitCommit
	}
	return &Monitor{
		cfg:      cfg,
		hostname: hostname,
		started:  time.Now(),
		now:      time.Now,
	}
}

// RegisterRoutes mounts the endpoints on r.
func (m *Monitor) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(PingPath, m.handlePing).Methods(http.MethodGet)
	r.HandleFunc(StatusPath, m.handleStatus).Methods(http.MethodGet)
	if m.cfg.Metrics != nil {
		r.Handle(MetricsPath, m.cfg.Metrics).Methods(http.MethodGet)
	}
}

// Status returns the current status.
func (m *Monitor) Status() Status {
	return Status{
		Git:      m.cfg.GitCommit,
		Hostname: m.hostname,
		Service:  m.cfg.ServiceName,
		Uptime:   m.now().Sub(m.started).Seconds(),
	}
}

func (m *Monitor) handlePing(w http.ResponseWriter, r *http.Request) {
	httputil.WriteText(w, http.StatusOK, m.cfg.ServiceName)
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, m.Status())
}
