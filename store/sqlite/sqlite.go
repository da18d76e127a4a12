/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface the services need using a single
  SQLite database. This is the default store for development and the one
  the HTTP tests run against.

INTERFACES IMPLEMENTED:
  ledger.Store:     Wallets and the transaction log
  withdrawal.Store: Withdrawal requests (shares transactions with the ledger)
  topup.Inbox:      Durable retry queue for failed webhooks
  audit.Log:        Admin action log

KEY TABLES:
  wallets:             Balance projection, one row per user
  transactions:        Monetary events; idempotency_key is UNIQUE
  withdrawal_requests: Merchant payout requests
  webhook_inbox:       Failed webhook deliveries awaiting replay
  audit_log:           Append-only admin action log

CONCURRENCY:
  The pool is capped at one connection and WithTx holds the store mutex
  for the whole transaction, so writers are fully serialized. Code inside
  fn must use the Tx it was handed: calling back into the Store would wait
  on the mutex it already holds.

TIME FORMAT:
  Timestamps are stored as fixed-width UTC text (timeLayout) so that string
  comparison in SQL orders them correctly.

USAGE:
  store, err := sqlite.New("./data/wallet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, "INR")

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/postgres: Production implementation
  - store/memory: In-memory implementation for unit tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/withdrawal"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	now   func() time.Time
	newID func() string
}

// New opens the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database exists per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used by the health check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		currency TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		direction TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		balance_before INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		status TEXT NOT NULL,
		source TEXT NOT NULL,
		reference_type TEXT NOT NULL DEFAULT '',
		reference_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL UNIQUE,
		meta_kind TEXT NOT NULL DEFAULT '',
		meta_json TEXT,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	-- History pages (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_user_created
		ON transactions(user_id, created_at DESC);
	-- Reconciliation sums
	CREATE INDEX IF NOT EXISTS idx_transactions_user_status
		ON transactions(user_id, status);
	-- Stale pending sweep
	CREATE INDEX IF NOT EXISTS idx_transactions_pending
		ON transactions(created_at) WHERE status = 'PENDING';

	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		destination_json TEXT NOT NULL,
		status TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		reviewed_at TEXT,
		reviewed_by TEXT NOT NULL DEFAULT '',
		paid_at TEXT,
		rejection_reason TEXT NOT NULL DEFAULT '',
		payout_reference TEXT NOT NULL DEFAULT '',
		balance_before_request INTEGER NOT NULL,
		linked_transaction_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_merchant
		ON withdrawal_requests(merchant_id, requested_at DESC);
	CREATE INDEX IF NOT EXISTS idx_withdrawals_status
		ON withdrawal_requests(status, requested_at);

	CREATE TABLE IF NOT EXISTS webhook_inbox (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		order_id TEXT NOT NULL DEFAULT '',
		payload BLOB NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- One open entry per delivery
	CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_inbox_open_event
		ON webhook_inbox(event_id) WHERE status <> 'DONE';
	CREATE INDEX IF NOT EXISTS idx_webhook_inbox_due
		ON webhook_inbox(status, next_attempt_at);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		reference TEXT NOT NULL DEFAULT '',
		details_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_log(subject, at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_id, at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.withTx(ctx, func(ts *txStore) error { return fn(ts) })
}

// WithWithdrawalTx is WithTx with request writes available.
func (s *Store) WithWithdrawalTx(ctx context.Context, fn func(tx withdrawal.Tx) error) error {
	return s.withTx(ctx, func(ts *txStore) error { return fn(ts) })
}

func (s *Store) withTx(ctx context.Context, fn func(ts *txStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx, parent: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txStore implements ledger.Tx and withdrawal.Tx on one *sql.Tx.
type txStore struct {
	q      queryer
	parent *Store
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
