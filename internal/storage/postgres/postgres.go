// Package postgres implements the storage driver on PostgreSQL via the pgx
// stdlib adapter and sqlx. It also owns schema bootstrap and per-component
// partition management.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	"github.com/jmoiron/sqlx"

	"github.com/bunsane/bunsane/internal/debug"
	"github.com/bunsane/bunsane/internal/storage"
	"github.com/bunsane/bunsane/internal/types"
)

// Postgres error codes the transaction runner treats as retryable.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

const defaultTxAttempts = 4

// Store is the PostgreSQL storage driver.
type Store struct {
	db         *sqlx.DB
	txAttempts uint64
}

var _ storage.Driver = (*Store)(nil)

// Open connects to the database at url and configures the pool.
func Open(ctx context.Context, url string, poolSize int) (*Store, error) {
	if url == "" {
		return nil, &types.ConfigError{Key: "DATABASE_URL", Reason: "is required"}
	}
	db, err := sqlx.ConnectContext(ctx, "pgx", url)
	if err != nil {
		return nil, types.NewStorageError("connect", err, false)
	}
	if poolSize <= 0 {
		poolSize = 10
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db, txAttempts: defaultTxAttempts}, nil
}

// NewFromDB wraps an existing sqlx handle. Used by tests (sqlmock) and by
// callers that manage the pool themselves.
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{db: db, txAttempts: defaultTxAttempts}
}

func (s *Store) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	if err := s.db.SelectContext(ctx, dest, query, args...); err != nil {
		return wrap("select", err)
	}
	return nil
}

func (s *Store) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	err := s.db.GetContext(ctx, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrNotFound
	}
	if err != nil {
		return wrap("get", err)
	}
	return nil
}

func (s *Store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("exec", err)
	}
	return res, nil
}

func (s *Store) QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("query", err)
	}
	return rows, nil
}

func (s *Store) PingContext(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// RunInTransaction executes fn in a transaction, retrying serialization
// failures and deadlocks with exponential backoff. Non-retryable errors
// surface after a single attempt.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Querier) error) error {
	bo := backoff.WithContext(newTxBackoff(s.txAttempts), ctx)

	op := func() error {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if retryable(err) {
			debug.Logf("postgres: retrying transaction: %v", err)
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(op, bo)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func (s *Store) runOnce(ctx context.Context, fn func(tx storage.Querier) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrap("begin", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrap("commit", err)
	}
	committed = true
	return nil
}

func newTxBackoff(attempts uint64) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	if attempts == 0 {
		attempts = defaultTxAttempts
	}
	return backoff.WithMaxRetries(bo, attempts-1)
}

// retryable reports whether err is a transient Postgres failure worth
// retrying in a fresh transaction. Errors from inside the callback arrive
// either wrapped as StorageError or as raw pgconn errors.
func retryable(err error) bool {
	var serr *types.StorageError
	if errors.As(err, &serr) {
		return serr.Retryable
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

// wrap converts a driver error into a StorageError, marking the transient
// Postgres error codes retryable.
func wrap(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		r := pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
		return types.NewStorageError(fmt.Sprintf("%s (%s)", op, pgErr.Code), err, r)
	}
	return types.NewStorageError(op, err, false)
}
