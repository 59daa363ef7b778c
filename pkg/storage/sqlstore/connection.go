package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	Dialect     Dialect
	URL         string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// Open connects to the database, configures the pool and verifies the
// connection. SQLite handles are limited to one connection so in-memory
// databases stay shared.
func Open(ctx context.Context, cfg ConnectionConfig) (*Store, error) {
	db, err := sql.Open(cfg.Dialect.DriverName(), cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", cfg.Dialect, err)
	}

	if cfg.Dialect == SQLite {
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		}
		if cfg.MinConns > 0 {
			db.SetMaxIdleConns(cfg.MinConns)
		}
		if cfg.MaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.MaxLifetime)
		}
		if cfg.MaxIdleTime > 0 {
			db.SetConnMaxIdleTime(cfg.MaxIdleTime)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", cfg.Dialect, err)
	}

	return New(db, cfg.Dialect), nil
}

// Stats returns connection pool statistics
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}
