/*
Package audit records who did what to which wallet, separately from the ledger.

PURPOSE:
  The transaction log says how a balance moved. The audit log says which
  admin caused it and why: adjustments, withdrawal reviews, wallet
  lock/unlock, projection repairs and detected drift.

IMPLEMENTATIONS:
  - store/sqlite, store/postgres: audit_log table next to the ledger
  - mongo.go: MongoDB collection for deployments that ship audit elsewhere

Entries are append-only. There is no update or delete.
*/
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionWalletAdjusted     Action = "wallet.adjusted"
	ActionWalletLocked       Action = "wallet.locked"
	ActionWalletUnlocked     Action = "wallet.unlocked"
	ActionWalletRepaired     Action = "wallet.repaired"
	ActionDriftDetected      Action = "wallet.drift_detected"
	ActionWithdrawalApproved Action = "withdrawal.approved"
	ActionWithdrawalRejected Action = "withdrawal.rejected"
	ActionWithdrawalPaid     Action = "withdrawal.paid"
)

// Entry is one audited action.
type Entry struct {
	ID        string
	At        time.Time
	ActorID   string
	Action    Action
	Subject   string // user or merchant the action applies to
	Reference string // transaction or withdrawal request id
	Details   map[string]string
}

type Filter struct {
	Subject string
	ActorID string
	Actions []Action
	Limit   int
}

// Log stores audit entries.
type Log interface {
	Append(ctx context.Context, e Entry) error
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

// Stamp fills in ID and At when the caller left them empty.
func Stamp(e Entry, now time.Time) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = now.UTC()
	}
	return e
}

// Nop discards entries.
type Nop struct{}

func (Nop) Append(context.Context, Entry) error            { return nil }
func (Nop) Query(context.Context, Filter) ([]Entry, error) { return nil, nil }

const defaultQueryLimit = 100

// PageSize clamps f.Limit to [1, 1000], defaulting to 100.
func (f Filter) PageSize() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return defaultQueryLimit
	}
	return f.Limit
}
