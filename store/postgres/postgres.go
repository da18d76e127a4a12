/*
Package postgres implements the storage interfaces on a pgx connection pool.

CONCURRENCY:
  Unlike store/sqlite there is no process-wide mutex. Correctness comes
  from the database:
  - LockKey takes pg_advisory_xact_lock(hashtext(key)), released at commit
  - DecrementBalance is a conditional UPDATE ... WHERE balance >= $n
  - RequestForUpdate uses SELECT ... FOR UPDATE
  - the UNIQUE index on idempotency_key maps to ErrDuplicateIdempotencyKey

STARTUP:
  New pings with backoff on connection-class errors (SQLSTATE 08xxx), then
  applies schema.sql. Every statement is idempotent.
*/
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/logger"
	"github.com/warp/wallet-ledger/withdrawal"
)

//go:embed schema.sql
var schema string

var connectBackoff = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

type Store struct {
	pool *pgxpool.Pool

	now   func() time.Time
	newID func() string
}

func New(ctx context.Context, uri string) (*Store, error) {
	pool, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	s := &Store{
		pool:  pool,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	if err := s.connect(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Log.Info("postgres store ready")
	return s, nil
}

func (s *Store) connect(ctx context.Context) error {
	var err error
	for i := 0; ; i++ {
		if err = s.pool.Ping(ctx); err == nil {
			return nil
		}
		if !isConnectionError(err) || i == len(connectBackoff) {
			return fmt.Errorf("database unreachable: %w", err)
		}
		logger.Log.Warn("database not ready, retrying",
			zap.Duration("wait", connectBackoff[i]), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectBackoff[i]):
		}
	}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.withTx(ctx, func(ts *txStore) error { return fn(ts) })
}

func (s *Store) WithWithdrawalTx(ctx context.Context, fn func(tx withdrawal.Tx) error) error {
	return s.withTx(ctx, func(ts *txStore) error { return fn(ts) })
}

func (s *Store) withTx(ctx context.Context, fn func(ts *txStore) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&txStore{q: tx, parent: s}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txStore struct {
	q      querier
	parent *Store
}

func (ts *txStore) LockKey(ctx context.Context, key string) error {
	if _, err := ts.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("failed to lock %q: %w", key, err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func isConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.SQLState(), "08")
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
