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

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	_ "modernc.org/sqlite"

	"github.com/tombee/preroll/internal/config"
	"github.com/tombee/preroll/internal/database"
	"github.com/tombee/preroll/internal/httputil"
	"github.com/tombee/preroll/internal/log"
	"github.com/tombee/preroll/internal/middleware"
	"github.com/tombee/preroll/internal/server"
	"github.com/tombee/preroll/internal/tracing"
	prerollerrors "github.com/tombee/preroll/pkg/errors"
)

type widget struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type widgetStore struct {
	db     *database.DB
	logger *slog.Logger
}

// setupWidgets opens an in-memory widget table and returns the v1 routes.
func setupWidgets(ctx context.Context, _ *config.Config, logger *slog.Logger) ([]server.RoutesFunc, func() error, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, nil, fmt.Errorf("open widget database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.ExecContext(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("create widget table: %w", err)
	}
	logger.Debug("widget database ready")

	store := &widgetStore{db: database.New(sqlDB, database.WithSystem("sqlite")), logger: logger}
	return []server.RoutesFunc{store.routes}, sqlDB.Close, nil
}

func (s *widgetStore) routes(r *mux.Router) {
	r.Handle("/widgets", handle(s.list)).Methods(http.MethodGet)
	r.Handle("/widgets", handle(s.create)).Methods(http.MethodPost)
	r.Handle("/widgets/{id}", handle(s.get)).Methods(http.MethodGet)
}

// handle lets route handlers return errors. The request middleware turns
// them into the error envelope.
func handle(h middleware.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			middleware.Fail(r, err)
		}
	})
}

func (s *widgetStore) list(w http.ResponseWriter, r *http.Request) error {
	rows, err := s.db.QueryContext(r.Context(), `SELECT id, name FROM widgets ORDER BY id`)
	if err != nil {
		return prerollerrors.Internal("list widgets", err)
	}
	defer rows.Close()

	widgets := []widget{}
	for rows.Next() {
		var wd widget
		if err := rows.Scan(&wd.ID, &wd.Name); err != nil {
			return prerollerrors.Internal("scan widget", err)
		}
		widgets = append(widgets, wd)
	}
	if err := rows.Err(); err != nil {
		return prerollerrors.Internal("list widgets", err)
	}
	httputil.WriteJSON(w, http.StatusOK, widgets)
	return nil
}

func (s *widgetStore) create(w http.ResponseWriter, r *http.Request) error {
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		return prerollerrors.Validation("name is required")
	}
	res, err := s.db.ExecContext(r.Context(), `INSERT INTO widgets (name) VALUES (?)`, name)
	if err != nil {
		return prerollerrors.Internal("create widget", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return prerollerrors.Internal("create widget", err)
	}
	log.WithCorrelationID(s.logger, tracing.CorrelationIDFromContext(r.Context()).String()).
		Info("widget created", slog.Int64("widget_id", id))
	httputil.WriteJSON(w, http.StatusCreated, widget{ID: id, Name: name})
	return nil
}

func (s *widgetStore) get(w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return prerollerrors.Validation("widget id must be a number")
	}

	var wd widget
	err = s.db.QueryRowContext(r.Context(), `SELECT id, name FROM widgets WHERE id = ?`, id).Scan(&wd.ID, &wd.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return prerollerrors.NotFound("widget missing")
	}
	if err != nil {
		return prerollerrors.Internal("get widget", err)
	}
	httputil.WriteJSON(w, http.StatusOK, wd)
	return nil
}
