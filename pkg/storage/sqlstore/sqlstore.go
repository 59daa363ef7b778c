package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/platinummonkey/hookd/pkg/webhooks"
)

// Store is a webhooks.Store backed by PostgreSQL or SQLite through database/sql.
// Claims and fan-out completion are conditional updates, so several service
// replicas can share one database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ webhooks.Store = (*Store)(nil)

// New wraps an open database handle
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB returns the underlying handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL flavour in use
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, webhooks.ErrNotFound)
}

func conflict(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, webhooks.ErrConflict)
}

// query accumulates WHERE clauses and positional arguments
type query struct {
	clauses []string
	args    []any
}

// arg appends v and returns its $N placeholder
func (q *query) arg(v any) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

// in returns a parenthesised placeholder list for values
func (q *query) in(values ...any) string {
	ph := make([]string, len(values))
	for i, v := range values {
		ph[i] = q.arg(v)
	}
	return "(" + strings.Join(ph, ", ") + ")"
}

func (q *query) where(clause string) {
	q.clauses = append(q.clauses, clause)
}

func (q *query) whereClause() string {
	if len(q.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.clauses, " AND ")
}

// page renders LIMIT and OFFSET; a non-positive limit means no limit
func (q *query) page(d Dialect, limit, offset int) string {
	var b strings.Builder
	switch {
	case limit > 0:
		b.WriteString(" LIMIT " + q.arg(limit))
	case offset > 0 && d == SQLite:
		b.WriteString(" LIMIT -1")
	}
	if offset > 0 {
		b.WriteString(" OFFSET " + q.arg(offset))
	}
	return b.String()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// exists reports whether a row with the id exists for the tenant
func (s *Store) exists(ctx context.Context, ex execer, table, tenantID, id string) (bool, error) {
	var one int
	err := ex.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT 1 FROM `+table+` WHERE tenant_id = $1 AND id = $2`), tenantID, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", table, err)
	}
	return true, nil
}

func statusArgs[T ~string](statuses ...T) []any {
	out := make([]any, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
