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

package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pruner deletes stored spans that started before a cutoff.
type Pruner interface {
	DeleteTracesOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// RetentionManager periodically prunes a span store down to a maximum age.
type RetentionManager struct {
	store    Pruner
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRetentionManager creates a manager keeping maxAge worth of spans.
// A zero interval prunes hourly.
func NewRetentionManager(store Pruner, maxAge, interval time.Duration, logger *slog.Logger) *RetentionManager {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs a pruning pass now and then every interval, until Stop.
func (r *RetentionManager) Start() {
	go r.run()
}

// Stop ends the loop and waits for an in-progress pass.
func (r *RetentionManager) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *RetentionManager) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.cleanup()
	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCh:
			return
		}
	}
}

func (r *RetentionManager) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := r.CleanupNow(ctx); err != nil {
		r.logger.Error("failed to prune old spans", "error", err.Error())
	}
}

// CleanupNow prunes synchronously and returns the number of spans deleted.
func (r *RetentionManager) CleanupNow(ctx context.Context) (int64, error) {
	before := r.now().Add(-r.maxAge)

	deleted, err := r.store.DeleteTracesOlderThan(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune spans: %w", err)
	}
	if deleted > 0 {
		r.logger.Info("pruned old spans",
			"count", deleted,
			"before", before.Format(time.RFC3339),
		)
	}
	return deleted, nil
}
