/*
store.go - Persistence interfaces for wallets and the transaction log

PURPOSE:
  Defines the boundary between the Service and the database. Reads go
  through Store. Every write goes through a Tx handed out by Store.WithTx,
  so the wallet update and the log write always commit or roll back
  together.

KEY INTERFACES:
  Store: Read access plus WithTx
  Tx:    Conditional wallet updates and transaction log writes, scoped to
         one database transaction

CONDITIONAL UPDATES:
  DecrementBalance is a single statement:

    UPDATE wallets SET balance = balance - ?
    WHERE user_id = ? AND status = 'ACTIVE' AND balance >= ?

  Zero rows affected means the debit lost (ErrInsufficientBalance). No
  read-then-write, no application lock.

IDEMPOTENCY:
  LockKey serializes writers of the same idempotency key until commit
  (pg_advisory_xact_lock on Postgres, the store mutex on SQLite). The
  unique index on idempotency_key is the last line of defence and surfaces
  as ErrDuplicateIdempotencyKey.

IMPLEMENTATIONS:
  - store/sqlite: SQLite, default for development and tests
  - store/postgres: pgx pool for production
  - store/memory: in-memory, for unit tests

SEE ALSO:
  - service.go: The only caller of Tx
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// TX - Writes scoped to one database transaction
// =============================================================================

// Tx is the storage transaction every Service mutation requires.
type Tx interface {
	// EnsureWallet returns the user's wallet, creating an ACTIVE zero-balance
	// wallet on first access.
	EnsureWallet(ctx context.Context, userID UserID, currency string) (Wallet, error)

	// IncrementBalance adds amount to an ACTIVE wallet and returns the
	// updated row. Returns ErrWalletNotActive if no ACTIVE wallet matched.
	IncrementBalance(ctx context.Context, userID UserID, amount int64) (Wallet, error)

	// DecrementBalance subtracts amount only if the wallet is ACTIVE and
	// balance >= amount. Returns ErrInsufficientBalance if no row matched.
	DecrementBalance(ctx context.Context, userID UserID, amount int64) (Wallet, error)

	// SetBalance overwrites the projection. Only used by Repair.
	SetBalance(ctx context.Context, userID UserID, balance int64) (Wallet, error)

	SetStatus(ctx context.Context, userID UserID, status WalletStatus) (Wallet, error)

	// LockKey blocks other writers of key until this Tx ends.
	LockKey(ctx context.Context, key string) error

	// TransactionByKey returns nil, nil if no transaction holds key.
	TransactionByKey(ctx context.Context, key string) (*Transaction, error)

	// InsertTransaction appends t. Returns ErrDuplicateIdempotencyKey on a
	// key collision.
	InsertTransaction(ctx context.Context, t Transaction) error

	// CompleteTransaction moves a PENDING transaction to t.Status, recording
	// balances, meta, description and completion time. Returns
	// ErrTransactionClosed if the stored row is no longer PENDING.
	CompleteTransaction(ctx context.Context, t Transaction) error

	SettledTotals(ctx context.Context, userID UserID) (Totals, error)
}

// =============================================================================
// STORE - Reads and transaction boundary
// =============================================================================

// Query selects a page of a user's transactions, newest first.
type Query struct {
	Before *time.Time // exclusive, on (CreatedAt, ID)
	// BeforeID breaks ties at Before. Empty selects rows strictly older.
	BeforeID TransactionID
	Status   TxStatus // empty for all
	Limit    int
}

// Older reports whether t sorts after the (Before, BeforeID) position in
// newest-first order. Stores that filter in memory use it.
func (q Query) Older(t Transaction) bool {
	if q.Before == nil {
		return true
	}
	if t.CreatedAt.Equal(*q.Before) {
		return q.BeforeID != "" && t.ID < q.BeforeID
	}
	return t.CreatedAt.Before(*q.Before)
}

type Store interface {
	// WithTx runs fn in one database transaction. fn returning an error
	// rolls back everything it wrote.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Wallet returns nil, nil if the user has no wallet yet.
	Wallet(ctx context.Context, userID UserID) (*Wallet, error)

	TransactionByKey(ctx context.Context, key string) (*Transaction, error)

	Transactions(ctx context.Context, userID UserID, q Query) ([]Transaction, error)

	SettledTotals(ctx context.Context, userID UserID) (Totals, error)

	// WalletUsers lists every user that has a wallet.
	WalletUsers(ctx context.Context) ([]UserID, error)

	// StalePending lists PENDING transactions created before cutoff, oldest first.
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]Transaction, error)
}
