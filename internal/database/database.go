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

// Package database records a "db.query" span for every statement run
// through a *sql.DB or *sql.Tx inside a traced request.
//
// Pools are built by the caller:
//
//	sqlDB, err := sql.Open("sqlite", path)
//	...
//	db := database.New(sqlDB, database.WithSystem("sqlite"))
//	rows, err := db.QueryContext(r.Context(), "SELECT id FROM widgets")
//
// Outside a traced request the wrapper adds nothing but the call.
package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/tombee/preroll/internal/tracing"
	"github.com/tombee/preroll/pkg/observability"
)

// SpanName is the name of the span opened per statement.
const SpanName = "db.query"

// Span attributes.
const (
	AttrSystem       = "db.system"
	AttrStatement    = "db.statement"
	AttrOperation    = "db.operation"
	AttrRowsAffected = "db.rows_affected"
)

// maxStatementLen bounds the statement attribute.
const maxStatementLen = 2048

// querier is the part of *sql.DB and *sql.Tx the wrapper traces.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type tracer struct {
	q      querier
	system string
}

// DB wraps a *sql.DB.
type DB struct {
	tracer
	db *sql.DB
}

// Option configures a DB.
type Option func(*DB)

// WithSystem sets the db.system attribute, e.g. "postgresql" or "sqlite".
func WithSystem(system string) Option {
	return func(d *DB) { d.system = system }
}

// New wraps db. The caller keeps ownership of the pool.
func New(db *sql.DB, opts ...Option) *DB {
	d := &DB{db: db, tracer: tracer{q: db}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Unwrap returns the underlying pool.
func (d *DB) Unwrap() *sql.DB {
	return d.db
}

// PingContext checks the connection. It is not traced.
func (d *DB) PingContext(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// BeginTx starts a transaction whose statements are traced the same way.
func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	ctx, span := d.start(ctx, "BEGIN")
	tx, err := d.db.BeginTx(ctx, opts)
	span.Close(statusOf(err))
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, tracer: tracer{q: tx, system: d.system}}, nil
}

// Tx wraps a *sql.Tx.
type Tx struct {
	tracer
	tx *sql.Tx
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// ExecContext runs a statement that returns no rows.
func (t *tracer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, span := t.start(ctx, query)
	res, err := t.q.ExecContext(ctx, query, args...)
	if err == nil {
		if n, rerr := res.RowsAffected(); rerr == nil {
			span.SetAttribute(AttrRowsAffected, n)
		}
	}
	span.Close(statusOf(err))
	return res, err
}

// QueryContext runs a query. The span covers the call, not the iteration
// of the returned rows.
func (t *tracer) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	ctx, span := t.start(ctx, query)
	rows, err := t.q.QueryContext(ctx, query, args...)
	span.Close(statusOf(err))
	return rows, err
}

// QueryRowContext runs a query expected to return at most one row.
// sql.ErrNoRows is not treated as a failure.
func (t *tracer) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	ctx, span := t.start(ctx, query)
	row := t.q.QueryRowContext(ctx, query, args...)
	err := row.Err()
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	span.Close(statusOf(err))
	return row
}

func (t *tracer) start(ctx context.Context, query string) (context.Context, *tracing.SpanHandle) {
	ctx, span := tracing.StartSpan(ctx, SpanName, observability.SpanKindClient)
	if span == nil {
		return ctx, nil
	}
	if t.system != "" {
		span.SetAttribute(AttrSystem, t.system)
	}
	span.SetAttribute(AttrStatement, truncate(query, maxStatementLen))
	if op := operation(query); op != "" {
		span.SetAttribute(AttrOperation, op)
	}
	return ctx, span
}

func statusOf(err error) observability.SpanStatus {
	if err != nil {
		return observability.Error(err.Error())
	}
	return observability.OK()
}

// operation returns the statement's leading keyword, upper-cased.
func operation(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(strings.TrimRight(fields[0], "(;"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
