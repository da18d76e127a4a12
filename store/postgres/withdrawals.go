package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/withdrawal"
)

const requestColumns = `id, merchant_id, amount, destination_json, status, requested_at,
	reviewed_at, reviewed_by, paid_at, rejection_reason, payout_reference,
	balance_before_request, linked_transaction_id`

func scanRequest(row pgx.Row) (withdrawal.Request, error) {
	var (
		r    withdrawal.Request
		dest string
	)
	err := row.Scan(
		&r.ID, &r.MerchantID, &r.Amount, &dest, &r.Status, &r.RequestedAt,
		&r.ReviewedAt, &r.ReviewedBy, &r.PaidAt, &r.RejectionReason, &r.PayoutReference,
		&r.BalanceBeforeRequest, &r.LinkedTransactionID,
	)
	if err != nil {
		return withdrawal.Request{}, err
	}
	if r.Destination, err = withdrawal.DecodeDestination(dest); err != nil {
		return withdrawal.Request{}, err
	}
	r.RequestedAt = r.RequestedAt.UTC()
	return r, nil
}

func requestByID(ctx context.Context, q querier, id withdrawal.RequestID, forUpdate bool) (*withdrawal.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM withdrawal_requests WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	r, err := scanRequest(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load withdrawal request: %w", err)
	}
	return &r, nil
}

func (s *Store) Request(ctx context.Context, id withdrawal.RequestID) (*withdrawal.Request, error) {
	return requestByID(ctx, s.pool, id, false)
}

func (s *Store) RequestsByMerchant(ctx context.Context, merchantID ledger.UserID) ([]withdrawal.Request, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM withdrawal_requests
		WHERE merchant_id = $1
		ORDER BY requested_at DESC`, merchantID)
}

func (s *Store) RequestsByStatus(ctx context.Context, status withdrawal.Status) ([]withdrawal.Request, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestColumns+` FROM withdrawal_requests
		WHERE status = $1
		ORDER BY requested_at ASC`, status)
}

func (s *Store) queryRequests(ctx context.Context, query string, args ...any) ([]withdrawal.Request, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
	_, err = ts.q.Exec(ctx, `
		INSERT INTO withdrawal_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.MerchantID, r.Amount, dest, r.Status, r.RequestedAt,
		r.ReviewedAt, r.ReviewedBy, r.PaidAt, r.RejectionReason, r.PayoutReference,
		r.BalanceBeforeRequest, r.LinkedTransactionID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert withdrawal request: %w", err)
	}
	return nil
}

func (ts *txStore) RequestForUpdate(ctx context.Context, id withdrawal.RequestID) (*withdrawal.Request, error) {
	return requestByID(ctx, ts.q, id, true)
}

func (ts *txStore) UpdateRequest(ctx context.Context, r withdrawal.Request, from withdrawal.Status) error {
	tag, err := ts.q.Exec(ctx, `
		UPDATE withdrawal_requests
		SET status = $1, reviewed_at = $2, reviewed_by = $3, paid_at = $4,
		    rejection_reason = $5, payout_reference = $6, linked_transaction_id = $7
		WHERE id = $8 AND status = $9`,
		r.Status, r.ReviewedAt, r.ReviewedBy, r.PaidAt,
		r.RejectionReason, r.PayoutReference, r.LinkedTransactionID,
		r.ID, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ledger.TransitionError{Entity: "withdrawal request", From: string(from), To: string(r.Status)}
	}
	return nil
}

func (ts *txStore) OutstandingTotal(ctx context.Context, merchantID ledger.UserID) (int64, error) {
	var sum int64
	err := ts.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::BIGINT FROM withdrawal_requests
		WHERE merchant_id = $1 AND status IN ('PENDING', 'APPROVED')`, merchantID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum outstanding withdrawals: %w", err)
	}
	return sum, nil
}
