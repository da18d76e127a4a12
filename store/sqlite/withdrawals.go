package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/withdrawal"
)

// =============================================================================
// WITHDRAWAL REQUESTS
// =============================================================================

const requestColumns = `id, merchant_id, amount, destination_json, status, requested_at,
	reviewed_at, reviewed_by, paid_at, rejection_reason, payout_reference,
	balance_before_request, linked_transaction_id`

func scanRequest(row interface{ Scan(...any) error }) (withdrawal.Request, error) {
	var (
		r                  withdrawal.Request
		dest, requestedAt  string
		reviewedAt, paidAt sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.MerchantID, &r.Amount, &dest, &r.Status, &requestedAt,
		&reviewedAt, &r.ReviewedBy, &paidAt, &r.RejectionReason, &r.PayoutReference,
		&r.BalanceBeforeRequest, &r.LinkedTransactionID,
	)
	if err != nil {
		return withdrawal.Request{}, err
	}
	if r.Destination, err = withdrawal.DecodeDestination(dest); err != nil {
		return withdrawal.Request{}, err
	}
	r.RequestedAt = parseTime(requestedAt)
	r.ReviewedAt = parseTimePtr(reviewedAt)
	r.PaidAt = parseTimePtr(paidAt)
	return r, nil
}

func (s *Store) Request(ctx context.Context, id withdrawal.RequestID) (*withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return requestByID(ctx, s.db, id)
}

func requestByID(ctx context.Context, q queryer, id withdrawal.RequestID) (*withdrawal.Request, error) {
	r, err := scanRequest(q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM withdrawal_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load withdrawal request: %w", err)
	}
	return &r, nil
}

func (s *Store) RequestsByMerchant(ctx context.Context, merchantID ledger.UserID) ([]withdrawal.Request, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM withdrawal_requests
		WHERE merchant_id = ?
		ORDER BY requested_at DESC`, merchantID)
}

func (s *Store) RequestsByStatus(ctx context.Context, status withdrawal.Status) ([]withdrawal.Request, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM withdrawal_requests
		WHERE status = ?
		ORDER BY requested_at ASC`, status)
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]withdrawal.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawal requests: %w", err)
	}
	defer rows.Close()

	var out []withdrawal.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (ts *txStore) InsertRequest(ctx context.Context, r withdrawal.Request) error {
	dest, err := r.Destination.Encode()
	if err != nil {
		return err
	}
	_, err = ts.q.ExecContext(ctx, `
		INSERT INTO withdrawal_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.MerchantID, r.Amount, dest, r.Status, formatTime(r.RequestedAt),
		formatTimePtr(r.ReviewedAt), r.ReviewedBy, formatTimePtr(r.PaidAt),
		r.RejectionReason, r.PayoutReference, r.BalanceBeforeRequest, r.LinkedTransactionID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert withdrawal request: %w", err)
	}
	return nil
}

// RequestForUpdate needs no row lock: the store mutex serializes writers.
func (ts *txStore) RequestForUpdate(ctx context.Context, id withdrawal.RequestID) (*withdrawal.Request, error) {
	return requestByID(ctx, ts.q, id)
}

func (ts *txStore) UpdateRequest(ctx context.Context, r withdrawal.Request, from withdrawal.Status) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE withdrawal_requests
		SET status = ?, reviewed_at = ?, reviewed_by = ?, paid_at = ?,
		    rejection_reason = ?, payout_reference = ?, linked_transaction_id = ?
		WHERE id = ? AND status = ?`,
		r.Status, formatTimePtr(r.ReviewedAt), r.ReviewedBy, formatTimePtr(r.PaidAt),
		r.RejectionReason, r.PayoutReference, r.LinkedTransactionID,
		r.ID, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.TransitionError{Entity: "withdrawal request", From: string(from), To: string(r.Status)}
	}
	return nil
}

func (ts *txStore) OutstandingTotal(ctx context.Context, merchantID ledger.UserID) (int64, error) {
	var sum int64
	err := ts.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM withdrawal_requests
		WHERE merchant_id = ? AND status IN ('PENDING', 'APPROVED')`, merchantID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum outstanding withdrawals: %w", err)
	}
	return sum, nil
}
