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

// Package storage provides a local SQLite span store. It implements
// observability.Sink so development setups can inspect traces without a
// telemetry backend.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/preroll/pkg/observability"
)

// SQLiteStore provides SQLite-backed storage for spans.
type SQLiteStore struct {
	db *sql.DB
}

// Config contains SQLite storage configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int
}

// New opens (creating if needed) the span store at cfg.Path.
func New(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	connStr := cfg.Path
	maxConns := cfg.MaxOpenConns
	if cfg.Path == ":memory:" {
		// Each connection to :memory: is its own database.
		maxConns = 1
	} else {
		connStr += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	if maxConns <= 0 {
		maxConns = 4
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS spans (
			trace_id TEXT NOT NULL,
			span_id TEXT NOT NULL,
			parent_id TEXT,
			dataset TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			status_code INTEGER NOT NULL,
			status_message TEXT,
			attributes TEXT,
			seq INTEGER NOT NULL,
			PRIMARY KEY (trace_id, span_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans(trace_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_start_time ON spans(start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_dataset ON spans(dataset)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Export implements observability.Sink. The spans are written in one
// transaction, preserving their order.
func (s *SQLiteStore) Export(ctx context.Context, dataset string, spans []observability.Span) error {
	if len(spans) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO spans (trace_id, span_id, parent_id, dataset, name, kind, start_time, end_time,
			status_code, status_message, attributes, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM spans))
		ON CONFLICT(trace_id, span_id) DO UPDATE SET
			end_time = excluded.end_time,
			status_code = excluded.status_code,
			status_message = excluded.status_message,
			attributes = excluded.attributes
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range spans {
		sp := &spans[i]
		if sp.TraceID == "" || sp.SpanID == "" {
			return fmt.Errorf("span %q is missing trace_id or span_id", sp.Name)
		}
		attrs, err := encodeAttributes(sp.Attributes)
		if err != nil {
			return fmt.Errorf("failed to marshal attributes: %w", err)
		}
		var parentID *string
		if sp.ParentID != "" {
			parentID = &sp.ParentID
		}
		if _, err := stmt.ExecContext(ctx,
			sp.TraceID, sp.SpanID, parentID, dataset, sp.Name, string(sp.Kind),
			sp.StartTime.UnixNano(), sp.EndTime.UnixNano(),
			int(sp.Status.Code), sp.Status.Message, attrs,
		); err != nil {
			return fmt.Errorf("failed to store span: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit spans: %w", err)
	}
	return nil
}

// Shutdown implements observability.Sink by closing the database.
func (s *SQLiteStore) Shutdown(context.Context) error {
	return s.Close()
}

// GetTraceSpans retrieves all spans of a trace in the order they were stored.
func (s *SQLiteStore) GetTraceSpans(ctx context.Context, traceID string) ([]observability.Span, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, span_id, parent_id, name, kind, start_time, end_time,
			status_code, status_message, attributes
		FROM spans WHERE trace_id = ? ORDER BY seq
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query spans: %w", err)
	}
	defer rows.Close()

	var spans []observability.Span
	for rows.Next() {
		var (
			sp            observability.Span
			parentID      sql.NullString
			kind          string
			start, end    int64
			code          int
			statusMessage sql.NullString
			attrs         sql.NullString
		)
		if err := rows.Scan(&sp.TraceID, &sp.SpanID, &parentID, &sp.Name, &kind,
			&start, &end, &code, &statusMessage, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan span: %w", err)
		}
		sp.ParentID = parentID.String
		sp.Kind = observability.SpanKind(kind)
		sp.StartTime = time.Unix(0, start)
		sp.EndTime = time.Unix(0, end)
		sp.Status = observability.SpanStatus{Code: observability.StatusCode(code), Message: statusMessage.String}
		if attrs.Valid {
			sp.Attributes, err = decodeAttributes(attrs.String)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
			}
		}
		spans = append(spans, sp)
	}
	return spans, rows.Err()
}

// TraceFilter contains filters for trace queries.
type TraceFilter struct {
	// Dataset restricts results to one dataset.
	Dataset string

	// Since restricts results to traces starting at or after this time.
	Since time.Time

	// Limit caps the number of results (default: 100).
	Limit int
}

// TraceSummary describes one stored trace.
type TraceSummary struct {
	TraceID    string
	Dataset    string
	StartTime  time.Time
	SpanCount  int
	ErrorCount int
}

// ListTraces lists traces matching the filter, newest first.
func (s *SQLiteStore) ListTraces(ctx context.Context, filter TraceFilter) ([]TraceSummary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT trace_id, MIN(dataset), MIN(start_time), COUNT(*),
			SUM(CASE WHEN status_code = 2 THEN 1 ELSE 0 END)
		FROM spans WHERE 1=1`
	var args []any
	if filter.Dataset != "" {
		query += " AND dataset = ?"
		args = append(args, filter.Dataset)
	}
	if !filter.Since.IsZero() {
		query += " AND start_time >= ?"
		args = append(args, filter.Since.UnixNano())
	}
	query += " GROUP BY trace_id ORDER BY MIN(start_time) DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list traces: %w", err)
	}
	defer rows.Close()

	var out []TraceSummary
	for rows.Next() {
		var (
			ts    TraceSummary
			start int64
		)
		if err := rows.Scan(&ts.TraceID, &ts.Dataset, &start, &ts.SpanCount, &ts.ErrorCount); err != nil {
			return nil, fmt.Errorf("failed to scan trace: %w", err)
		}
		ts.StartTime = time.Unix(0, start)
		out = append(out, ts)
	}
	return out, rows.Err()
}

// DeleteTracesOlderThan deletes spans that started before the given time.
// Returns the number of spans deleted.
func (s *SQLiteStore) DeleteTracesOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM spans WHERE start_time < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete spans: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// storedAttribute keeps the scalar type so values round-trip exactly.
type storedAttribute struct {
	Key   string          `json:"k"`
	Type  string          `json:"t"`
	Value json.RawMessage `json:"v"`
}

func encodeAttributes(attrs []observability.Attribute) (string, error) {
	out := make([]storedAttribute, 0, len(attrs))
	for _, a := range attrs {
		raw, err := json.Marshal(a.Value)
		if err != nil {
			return "", err
		}
		var typ string
		switch a.Value.(type) {
		case int64:
			typ = "int"
		case float64:
			typ = "float"
		case bool:
			typ = "bool"
		default:
			typ = "string"
		}
		out = append(out, storedAttribute{Key: a.Key, Type: typ, Value: raw})
	}
	b, err := json.Marshal(out)
	return string(b), err
}

func decodeAttributes(data string) ([]observability.Attribute, error) {
	var stored []storedAttribute
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, err
	}
	attrs := make([]observability.Attribute, 0, len(stored))
	for _, sa := range stored {
		var err error
		a := observability.Attribute{Key: sa.Key}
		switch sa.Type {
		case "int":
			var v int64
			err = json.Unmarshal(sa.Value, &v)
			a.Value = v
		case "float":
			var v float64
			err = json.Unmarshal(sa.Value, &v)
			a.Value = v
		case "bool":
			var v bool
			err = json.Unmarshal(sa.Value, &v)
			a.Value = v
		default:
			var v string
			err = json.Unmarshal(sa.Value, &v)
			a.Value = v
		}
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", sa.Key, err)
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}

var _ observability.Sink = (*SQLiteStore)(nil)
