// Package storage defines the database driver interface consumed by the
// entity store and the query engine.
//
// The concrete implementation lives in the postgres sub-package. Consumers
// depend on these interfaces so tests can substitute sqlmock-backed or fake
// drivers.
package storage

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// Querier is the read/write surface shared by the root handle and
// transactions.
type Querier interface {
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}

// Driver is the full database handle.
type Driver interface {
	Querier

	// RunInTransaction executes fn inside a single transaction. On a nil
	// return the transaction commits; on error or panic it rolls back.
	// Transient failures the backend marks retryable (serialization
	// conflicts, deadlocks) are retried with backoff before surfacing.
	RunInTransaction(ctx context.Context, fn func(tx Querier) error) error

	PingContext(ctx context.Context) error
	Close() error
}
