package ledger

import (
	"context"
	"strings"
	"time"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Balance returns the user's wallet, creating it on first access.
func (s *Service) Balance(ctx context.Context, userID UserID) (Wallet, error) {
	if strings.TrimSpace(string(userID)) == "" {
		return Wallet{}, Invalid("userId", "is required")
	}
	w, err := s.Store.Wallet(ctx, userID)
	if err != nil {
		return Wallet{}, err
	}
	if w != nil {
		return *w, nil
	}

	var created Wallet
	err = s.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		created, err = tx.EnsureWallet(ctx, userID, s.Currency)
		return err
	})
	return created, err
}

// Page requests one page of history. Cursor is the NextCursor of the
// previous page, or empty for the newest page.
type Page struct {
	Limit  int
	Cursor string
	Status TxStatus
}

type TransactionPage struct {
	Items      []Transaction
	HasMore    bool
	NextCursor string
}

// Transactions returns the user's history newest first. The cursor is the
// CreatedAt and ID of the last item returned, so rows sharing a timestamp
// across a page boundary are neither skipped nor repeated.
func (s *Service) Transactions(ctx context.Context, userID UserID, p Page) (TransactionPage, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if p.Status != "" && !p.Status.Valid() {
		return TransactionPage{}, Invalid("status", "unknown status %q", p.Status)
	}

	q := Query{Status: p.Status, Limit: limit + 1}
	if p.Cursor != "" {
		before, id, err := DecodeCursor(p.Cursor)
		if err != nil {
			return TransactionPage{}, err
		}
		q.Before = &before
		q.BeforeID = id
	}

	items, err := s.Store.Transactions(ctx, userID, q)
	if err != nil {
		return TransactionPage{}, err
	}

	page := TransactionPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		last := page.Items[limit-1]
		page.NextCursor = EncodeCursor(last.CreatedAt, last.ID)
	}
	if page.Items == nil {
		page.Items = []Transaction{}
	}
	return page, nil
}

// EncodeCursor renders a page position as "<RFC3339Nano>|<id>".
func EncodeCursor(t time.Time, id TransactionID) string {
	return t.UTC().Format(time.RFC3339Nano) + "|" + string(id)
}

// DecodeCursor parses EncodeCursor output. A bare timestamp is accepted
// and yields an empty ID.
func DecodeCursor(c string) (time.Time, TransactionID, error) {
	ts, id, _ := strings.Cut(c, "|")
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", Invalid("cursor", "malformed cursor")
	}
	return t, TransactionID(id), nil
}
