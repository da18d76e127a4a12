package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/wallet-ledger/audit"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/topup"
)

// =============================================================================
// WEBHOOK INBOX (topup.Inbox)
// =============================================================================

const webhookColumns = `id, event_id, event_type, order_id, payload, status, attempts,
	last_error, next_attempt_at, created_at, updated_at`

func scanWebhook(row interface{ Scan(...any) error }) (topup.FailedWebhook, error) {
	var (
		w                             topup.FailedWebhook
		nextAttempt, created, updated string
	)
	err := row.Scan(&w.ID, &w.EventID, &w.EventType, &w.OrderID, &w.Payload, &w.Status,
		&w.Attempts, &w.LastError, &nextAttempt, &created, &updated)
	if err != nil {
		return topup.FailedWebhook{}, err
	}
	w.NextAttemptAt = parseTime(nextAttempt)
	w.CreatedAt = parseTime(created)
	w.UpdatedAt = parseTime(updated)
	return w, nil
}

// EnqueueWebhook relies on the partial unique index to drop a second open
// entry for the same event.
func (s *Store) EnqueueWebhook(ctx context.Context, w topup.FailedWebhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO webhook_inbox (`+webhookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.EventID, w.EventType, w.OrderID, w.Payload, w.Status, w.Attempts,
		w.LastError, formatTime(w.NextAttemptAt), formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue webhook: %w", err)
	}
	return nil
}

func (s *Store) DueWebhooks(ctx context.Context, now time.Time, limit int) ([]topup.FailedWebhook, error) {
	return s.queryWebhooks(ctx, `
		SELECT `+webhookColumns+` FROM webhook_inbox
		WHERE status = 'RETRYING' AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT ?`, formatTime(now), limit)
}

func (s *Store) Webhooks(ctx context.Context, status topup.InboxStatus, limit int) ([]topup.FailedWebhook, error) {
	if status == "" {
		return s.queryWebhooks(ctx, `
			SELECT `+webhookColumns+` FROM webhook_inbox
			ORDER BY created_at DESC LIMIT ?`, limit)
	}
	return s.queryWebhooks(ctx, `
		SELECT `+webhookColumns+` FROM webhook_inbox
		WHERE status = ?
		ORDER BY created_at DESC LIMIT ?`, status, limit)
}

func (s *Store) Webhook(ctx context.Context, id string) (*topup.FailedWebhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, err := scanWebhook(s.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_inbox WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook: %w", err)
	}
	return &w, nil
}

func (s *Store) UpdateWebhook(ctx context.Context, w topup.FailedWebhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_inbox
		SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?`,
		w.Status, w.Attempts, w.LastError, formatTime(w.NextAttemptAt), formatTime(w.UpdatedAt), w.ID)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Entity: "webhook", ID: w.ID}
	}
	return nil
}

func (s *Store) queryWebhooks(ctx context.Context, query string, args ...any) ([]topup.FailedWebhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	s.mu.Lock()
	defer s.mu.Unlock()

	e = audit.Stamp(e, s.now())
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, actor_id, action, subject, reference, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.At), e.ActorID, e.Action, e.Subject, e.Reference, string(details))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, f.Subject)
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, a)
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT id, at, actor_id, action, subject, reference, details_json FROM audit_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY at DESC, id DESC LIMIT ?`
	args = append(args, f.PageSize())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			at      string
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.ActorID, &e.Action, &e.Subject, &e.Reference, &details); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		if details.Valid && details.String != "" && details.String != "null" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
