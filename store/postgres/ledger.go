package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/warp/wallet-ledger/ledger"
)

// =============================================================================
// WALLETS
// =============================================================================

const walletColumns = `id, user_id, currency, balance, status, created_at, updated_at`

func scanWallet(row pgx.Row) (ledger.Wallet, error) {
	var w ledger.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.Currency, &w.Balance, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return ledger.Wallet{}, err
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func (s *Store) Wallet(ctx context.Context, userID ledger.UserID) (*ledger.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return &w, nil
}

func (s *Store) WalletUsers(ctx context.Context) ([]ledger.UserID, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[ledger.UserID])
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	return users, nil
}

func (ts *txStore) EnsureWallet(ctx context.Context, userID ledger.UserID, currency string) (ledger.Wallet, error) {
	now := ts.parent.now()
	_, err := ts.q.Exec(ctx, `
		INSERT INTO wallets (id, user_id, currency, balance, status, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, $5)
		ON CONFLICT (user_id) DO NOTHING`,
		ts.parent.newID(), userID, currency, ledger.WalletActive, now)
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to create wallet: %w", err)
	}
	w, err := scanWallet(ts.q.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to load wallet: %w", err)
	}
	return w, nil
}

func (ts *txStore) IncrementBalance(ctx context.Context, userID ledger.UserID, amount int64) (ledger.Wallet, error) {
	w, err := scanWallet(ts.q.QueryRow(ctx, `
		UPDATE wallets SET balance = balance + $1, updated_at = $2
		WHERE user_id = $3 AND status = 'ACTIVE'
		RETURNING `+walletColumns,
		amount, ts.parent.now(), userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, ledger.ErrWalletNotActive
	}
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to credit wallet: %w", err)
	}
	return w, nil
}

func (ts *txStore) DecrementBalance(ctx context.Context, userID ledger.UserID, amount int64) (ledger.Wallet, error) {
	w, err := scanWallet(ts.q.QueryRow(ctx, `
		UPDATE wallets SET balance = balance - $1, updated_at = $2
		WHERE user_id = $3 AND status = 'ACTIVE' AND balance >= $1
		RETURNING `+walletColumns,
		amount, ts.parent.now(), userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, ledger.ErrInsufficientBalance
	}
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to debit wallet: %w", err)
	}
	return w, nil
}

func (ts *txStore) SetBalance(ctx context.Context, userID ledger.UserID, balance int64) (ledger.Wallet, error) {
	return ts.updateWallet(ctx, userID, `balance = $1`, balance)
}

func (ts *txStore) SetStatus(ctx context.Context, userID ledger.UserID, status ledger.WalletStatus) (ledger.Wallet, error) {
	return ts.updateWallet(ctx, userID, `status = $1`, status)
}

func (ts *txStore) updateWallet(ctx context.Context, userID ledger.UserID, set string, value any) (ledger.Wallet, error) {
	w, err := scanWallet(ts.q.QueryRow(ctx,
		`UPDATE wallets SET `+set+`, updated_at = $2 WHERE user_id = $3 RETURNING `+walletColumns,
		value, ts.parent.now(), userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{}, &ledger.NotFoundError{Entity: "wallet", ID: string(userID)}
	}
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to update wallet: %w", err)
	}
	return w, nil
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

const txColumns = `id, wallet_id, user_id, tx_type, direction, amount, balance_before, balance_after,
	status, source, reference_type, reference_id, idempotency_key, meta_kind, meta_json,
	description, created_at, completed_at`

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		t        ledger.Transaction
		metaKind string
		metaJSON []byte
	)
	err := row.Scan(
		&t.ID, &t.WalletID, &t.UserID, &t.Type, &t.Direction, &t.Amount,
		&t.BalanceBefore, &t.BalanceAfter, &t.Status, &t.Source,
		&t.ReferenceType, &t.ReferenceID, &t.IdempotencyKey,
		&metaKind, &metaJSON, &t.Description, &t.CreatedAt, &t.CompletedAt,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if t.Meta, err = ledger.DecodeMeta(ledger.MetaKind(metaKind), metaJSON); err != nil {
		return ledger.Transaction{}, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if t.CompletedAt != nil {
		c := t.CompletedAt.UTC()
		t.CompletedAt = &c
	}
	return t, nil
}

func transactionByKey(ctx context.Context, q querier, key string) (*ledger.Transaction, error) {
	t, err := scanTransaction(q.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return &t, nil
}

func settledTotals(ctx context.Context, q querier, userID ledger.UserID) (ledger.Totals, error) {
	var t ledger.Totals
	err := q.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE direction = 'CREDIT'), 0)::BIGINT,
			COALESCE(SUM(amount) FILTER (WHERE direction = 'DEBIT'), 0)::BIGINT
		FROM transactions
		WHERE user_id = $1 AND status = 'SUCCESS'`, userID).Scan(&t.Credits, &t.Debits)
	if err != nil {
		return ledger.Totals{}, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return t, nil
}

func (s *Store) TransactionByKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	return transactionByKey(ctx, s.pool, key)
}

func (s *Store) SettledTotals(ctx context.Context, userID ledger.UserID) (ledger.Totals, error) {
	return settledTotals(ctx, s.pool, userID)
}

func (s *Store) Transactions(ctx context.Context, userID ledger.UserID, q ledger.Query) ([]ledger.Transaction, error) {
	var (
		where = []string{"user_id = $1"}
		args  = []any{userID}
	)
	if q.Status != "" {
		args = append(args, q.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.Before != nil {
		args = append(args, *q.Before, q.BeforeID)
		where = append(where, fmt.Sprintf("(created_at < $%d OR (created_at = $%d AND $%d <> '' AND id < $%d))",
			len(args)-1, len(args)-1, len(args), len(args)))
	}
	query := `SELECT ` + txColumns + ` FROM transactions WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return s.queryTransactions(ctx, query, args...)
}

func (s *Store) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Transaction, error) {
	return s.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
	_, err = ts.q.Exec(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		t.ID, t.WalletID, t.UserID, t.Type, t.Direction, t.Amount,
		t.BalanceBefore, t.BalanceAfter, t.Status, t.Source,
		t.ReferenceType, t.ReferenceID, t.IdempotencyKey,
		kind, nullBytes(metaJSON), t.Description, t.CreatedAt, t.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
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
	tag, err := ts.q.Exec(ctx, `
		UPDATE transactions
		SET status = $1, balance_before = $2, balance_after = $3, meta_kind = $4, meta_json = $5,
		    description = $6, completed_at = $7
		WHERE id = $8 AND status = 'PENDING'`,
		t.Status, t.BalanceBefore, t.BalanceAfter, kind, nullBytes(metaJSON),
		t.Description, t.CompletedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrTransactionClosed
	}
	return nil
}
