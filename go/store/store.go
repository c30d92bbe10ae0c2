// Package store is the PostgreSQL persistence layer: sync settings,
// inventory items, the operation journal, and the catalog lookup behind
// blueprint resolution.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/takeyourtrade1-star/brx-sync/go/errs"
)

//go:embed schema.sql
var schemaSQL string

// txTimeout bounds every transaction. Long work belongs between
// transactions, not inside them.
const txTimeout = 30 * time.Second

// Store wraps a pgx connection pool. All methods are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	var cfg, err = pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building connection pool: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// EnsureSchema applies the embedded schema. All statements are idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction with a hard deadline. It is the only
// way callers obtain a transaction scope.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var txCtx, cancel = context.WithTimeout(ctx, txTimeout)
	defer cancel()

	var tx, err = s.pool.Begin(txCtx)
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "beginning transaction")
	}
	defer func() {
		if rerr := tx.Rollback(txCtx); rerr != nil && rerr != pgx.ErrTxClosed {
			log.WithField("err", rerr).Warn("rolling back transaction")
		}
	}()

	if err = fn(txCtx, tx); err != nil {
		return err
	}
	if err = tx.Commit(txCtx); err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "committing transaction")
	}
	return nil
}

// Fallback runs fn on a dedicated connection acquired directly from the
// pool. Status writes on failure paths go through here so they succeed even
// when the caller's transactional path is compromised.
func (s *Store) Fallback(ctx context.Context, fn func(ctx context.Context, conn *pgxpool.Conn) error) error {
	var conn, err = s.pool.Acquire(ctx)
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "acquiring fallback connection")
	}
	defer conn.Release()
	return fn(ctx, conn)
}
