package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/wallet-ledger/ledger"
)

// =============================================================================
// WALLETS
// =============================================================================

const walletColumns = `id, user_id, currency, balance, status, created_at, updated_at`

func scanWallet(row interface{ Scan(...any) error }) (ledger.Wallet, error) {
	var (
		w                    ledger.Wallet
		createdAt, updatedAt string
	)
	if err := row.Scan(&w.ID, &w.UserID, &w.Currency, &w.Balance, &w.Status, &createdAt, &updatedAt); err != nil {
		return ledger.Wallet{}, err
	}
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return w, nil
}

func (s *Store) Wallet(ctx context.Context, userID ledger.UserID) (*ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, err := scanWallet(s.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return &w, nil
}

func (s *Store) WalletUsers(ctx context.Context) ([]ledger.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var users []ledger.UserID
	for rows.Next() {
		var u ledger.UserID
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (ts *txStore) EnsureWallet(ctx context.Context, userID ledger.UserID, currency string) (ledger.Wallet, error) {
	now := formatTime(ts.parent.now())
	_, err := ts.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO wallets (id, user_id, currency, balance, status, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)`,
		ts.parent.newID(), userID, currency, ledger.WalletActive, now, now)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to create wallet: %w", err)
	}
	w, err := scanWallet(ts.q.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID))
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to load wallet: %w", err)
	}
	return w, nil
}

func (ts *txStore) IncrementBalance(ctx context.Context, userID ledger.UserID, amount int64) (ledger.Wallet, error) {
	w, err := scanWallet(ts.q.QueryRowContext(ctx, `
		UPDATE wallets SET balance = balance + ?, updated_at = ?
		WHERE user_id = ? AND status = 'ACTIVE'
		RETURNING `+walletColumns,
		amount, formatTime(ts.parent.now()), userID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, ledger.ErrWalletNotActive
	}
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to credit wallet: %w", err)
	}
	return w, nil
}

func (ts *txStore) DecrementBalance(ctx context.Context, userID ledger.UserID, amount int64) (ledger.Wallet, error) {
	w, err := scanWallet(ts.q.QueryRowContext(ctx, `
		UPDATE wallets SET balance = balance - ?, updated_at = ?
		WHERE user_id = ? AND status = 'ACTIVE' AND balance >= ?
		RETURNING `+walletColumns,
		amount, formatTime(ts.parent.now()), userID, amount))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, ledger.ErrInsufficientBalance
	}
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to debit wallet: %w", err)
	}
	return w, nil
}

func (ts *txStore) SetBalance(ctx context.Context, userID ledger.UserID, balance int64) (ledger.Wallet, error) {
	return ts.updateWallet(ctx, userID, `balance = ?`, balance)
}

func (ts *txStore) SetStatus(ctx context.Context, userID ledger.UserID, status ledger.WalletStatus) (ledger.Wallet, error) {
	return ts.updateWallet(ctx, userID, `status = ?`, status)
}

func (ts *txStore) updateWallet(ctx context.Context, userID ledger.UserID, set string, value any) (ledger.Wallet, error) {
	w, err := scanWallet(ts.q.QueryRowContext(ctx,
		`UPDATE wallets SET `+set+`, updated_at = ? WHERE user_id = ? RETURNING `+walletColumns,
		value, formatTime(ts.parent.now()), userID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, &ledger.NotFoundError{Entity: "wallet", ID: string(userID)}
	}
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to update wallet: %w", err)
	}
	return w, nil
}

// LockKey is a no-op: withTx already holds the store mutex.
func (ts *txStore) LockKey(context.Context, string) error { return nil }

// =============================================================================
// TRANSACTION LOG
// =============================================================================

const txColumns = `id, wallet_id, user_id, tx_type, direction, amount, balance_before, balance_after,
	status, source, reference_type, reference_id, idempotency_key, meta_kind, meta_json,
	description, created_at, completed_at`

func scanTransaction(row interface{ Scan(...any) error }) (ledger.Transaction, error) {
	var (
		t           ledger.Transaction
		metaKind    string
		metaJSON    sql.NullString
		createdAt   string
		completedAt sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.WalletID, &t.UserID, &t.Type, &t.Direction, &t.Amount,
		&t.BalanceBefore, &t.BalanceAfter, &t.Status, &t.Source,
		&t.ReferenceType, &t.ReferenceID, &t.IdempotencyKey,
		&metaKind, &metaJSON, &t.Description, &createdAt, &completedAt,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.Meta, err = ledger.DecodeMeta(ledger.MetaKind(metaKind), []byte(metaJSON.String))
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.CreatedAt = parseTime(createdAt)
	t.CompletedAt = parseTimePtr(completedAt)
	return t, nil
}

func transactionByKey(ctx context.Context, q queryer, key string) (*ledger.Transaction, error) {
	t, err := scanTransaction(q.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return &t, nil
}

func settledTotals(ctx context.Context, q queryer, userID ledger.UserID) (ledger.Totals, error) {
	var t ledger.Totals
	err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN direction = 'CREDIT' THEN amount END), 0),
			COALESCE(SUM(CASE WHEN direction = 'DEBIT' THEN amount END), 0)
		FROM transactions
		WHERE user_id = ? AND status = 'SUCCESS'`, userID).Scan(&t.Credits, &t.Debits)
	if err != nil {
		return ledger.Totals{}, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return t, nil
}

func (s *Store) TransactionByKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionByKey(ctx, s.db, key)
}

func (s *Store) SettledTotals(ctx context.Context, userID ledger.UserID) (ledger.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return settledTotals(ctx, s.db, userID)
}

func (s *Store) Transactions(ctx context.Context, userID ledger.UserID, q ledger.Query) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where = []string{"user_id = ?"}
		args  = []any{userID}
	)
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	if q.Before != nil {
		before := formatTime(*q.Before)
		where = append(where, "(created_at < ? OR (created_at = ? AND ? <> '' AND id < ?))")
		args = append(args, before, before, q.BeforeID, q.BeforeID)
	}
	query := `SELECT ` + txColumns + ` FROM transactions WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return s.queryTransactions(ctx, query, args...)
}

func (s *Store) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = 'PENDING' AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?`, formatTime(cutoff), limit)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (ts *txStore) TransactionByKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	return transactionByKey(ctx, ts.q, key)
}

func (ts *txStore) SettledTotals(ctx context.Context, userID ledger.UserID) (ledger.Totals, error) {
	return settledTotals(ctx, ts.q, userID)
}

func (ts *txStore) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	kind, metaJSON, err := ledger.EncodeMeta(t.Meta)
	if err != nil {
		return err
	}
	_, err = ts.q.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WalletID, t.UserID, t.Type, t.Direction, t.Amount,
		t.BalanceBefore, t.BalanceAfter, t.Status, t.Source,
		t.ReferenceType, t.ReferenceID, t.IdempotencyKey,
		kind, nullString(string(metaJSON)), t.Description,
		formatTime(t.CreatedAt), formatTimePtr(t.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (ts *txStore) CompleteTransaction(ctx context.Context, t ledger.Transaction) error {
	kind, metaJSON, err := ledger.EncodeMeta(t.Meta)
	if err != nil {
		return err
	}
	res, err := ts.q.ExecContext(ctx, `
		UPDATE transactions
		SET status = ?, balance_before = ?, balance_after = ?, meta_kind = ?, meta_json = ?,
		    description = ?, completed_at = ?
		WHERE id = ? AND status = 'PENDING'`,
		t.Status, t.BalanceBefore, t.BalanceAfter, kind, nullString(string(metaJSON)),
		t.Description, formatTimePtr(t.CompletedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrTransactionClosed
	}
	return nil
}
