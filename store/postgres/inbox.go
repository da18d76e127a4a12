package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/warp/wallet-ledger/audit"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/topup"
)

// =============================================================================
// WEBHOOK INBOX (topup.Inbox)
// =============================================================================

const webhookColumns = `id, event_id, event_type, order_id, payload, status, attempts,
	last_error, next_attempt_at, created_at, updated_at`

func scanWebhook(row pgx.Row) (topup.FailedWebhook, error) {
	var w topup.FailedWebhook
	err := row.Scan(&w.ID, &w.EventID, &w.EventType, &w.OrderID, &w.Payload, &w.Status,
		&w.Attempts, &w.LastError, &w.NextAttemptAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return topup.FailedWebhook{}, err
	}
	w.NextAttemptAt = w.NextAttemptAt.UTC()
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func (s *Store) EnqueueWebhook(ctx context.Context, w topup.FailedWebhook) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_inbox (`+webhookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) WHERE status <> 'DONE' DO NOTHING`,
		w.ID, w.EventID, w.EventType, w.OrderID, w.Payload, w.Status, w.Attempts,
		w.LastError, w.NextAttemptAt, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue webhook: %w", err)
	}
	return nil
}

func (s *Store) DueWebhooks(ctx context.Context, now time.Time, limit int) ([]topup.FailedWebhook, error) {
	return s.queryWebhooks(ctx, `
		SELECT `+webhookColumns+` FROM webhook_inbox
		WHERE status = 'RETRYING' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2`, now, limit)
}

func (s *Store) Webhooks(ctx context.Context, status topup.InboxStatus, limit int) ([]topup.FailedWebhook, error) {
	return s.queryWebhooks(ctx, `
		SELECT `+webhookColumns+` FROM webhook_inbox
		WHERE ($1::TEXT = '' OR status = $1::TEXT)
		ORDER BY created_at DESC LIMIT $2`, string(status), limit)
}

func (s *Store) Webhook(ctx context.Context, id string) (*topup.FailedWebhook, error) {
	w, err := scanWebhook(s.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_inbox WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook: %w", err)
	}
	return &w, nil
}

func (s *Store) UpdateWebhook(ctx context.Context, w topup.FailedWebhook) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_inbox
		SET status = $1, attempts = $2, last_error = $3, next_attempt_at = $4, updated_at = $5
		WHERE id = $6`,
		w.Status, w.Attempts, w.LastError, w.NextAttemptAt, w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ledger.NotFoundError{Entity: "webhook", ID: w.ID}
	}
	return nil
}

func (s *Store) queryWebhooks(ctx context.Context, query string, args ...any) ([]topup.FailedWebhook, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhooks: %w", err)
	}
	defer rows.Close()

	var out []topup.FailedWebhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT LOG (audit.Log)
// =============================================================================

func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	e = audit.Stamp(e, s.now())
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, at, actor_id, action, subject, reference, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.At, e.ActorID, e.Action, e.Subject, e.Reference, details)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Subject != "" {
		args = append(args, f.Subject)
		where = append(where, fmt.Sprintf("subject = $%d", len(args)))
	}
	if f.ActorID != "" {
		args = append(args, f.ActorID)
		where = append(where, fmt.Sprintf("actor_id = $%d", len(args)))
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		args = append(args, actions)
		where = append(where, fmt.Sprintf("action = ANY($%d)", len(args)))
	}
	query := `SELECT id, at, actor_id, action, subject, reference, details FROM audit_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.PageSize())
	query += fmt.Sprintf(` ORDER BY at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.At, &e.ActorID, &e.Action, &e.Subject, &e.Reference, &details); err != nil {
			return nil, err
		}
		e.At = e.At.UTC()
		if len(details) > 0 && string(details) != "null" {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
