// Package sqlmw wraps database/sql handles with slow-query logging so every
// repository gets query observability without carrying a logger itself.
package sqlmw

import (
	"context"
	"database/sql"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"
)

type DB struct {
	*sql.DB

	logger             logger.Logger
	since              func(time.Time) time.Duration
	slowQueryThreshold time.Duration
}

type Opt func(*DB)

func WithLogger(log logger.Logger) Opt {
	return func(db *DB) {
		db.logger = log
	}
}

func WithSlowQueryThreshold(threshold time.Duration) Opt {
	return func(db *DB) {
		db.slowQueryThreshold = threshold
	}
}

func New(db *sql.DB, opts ...Opt) *DB {
	wrapped := &DB{
		DB:                 db,
		logger:             logger.NOP,
		since:              time.Since,
		slowQueryThreshold: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(wrapped)
	}
	return wrapped
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	startedAt := time.Now()
	result, err := db.DB.ExecContext(ctx, query, args...)
	db.logQuery(query, db.since(startedAt))
	return result, err
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	startedAt := time.Now()
	rows, err := db.DB.QueryContext(ctx, query, args...)
	db.logQuery(query, db.since(startedAt))
	return rows, err
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	startedAt := time.Now()
	row := db.DB.QueryRowContext(ctx, query, args...)
	db.logQuery(query, db.since(startedAt))
	return row
}

// WithTx runs fn inside a transaction, rolling back unless fn succeeds.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (db *DB) logQuery(query string, elapsed time.Duration) {
	if elapsed < db.slowQueryThreshold {
		return
	}
	db.logger.Infow("executing query", "query", query, "queryExecutionTime", elapsed)
}
