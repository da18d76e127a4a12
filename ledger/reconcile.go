/*
reconcile.go - Rebuilding the wallet projection from the log

PURPOSE:
  The transaction log is ground truth; wallets.balance is a cache of
  sum(SUCCESS credits) - sum(SUCCESS debits). Reconcile compares the two,
  Repair overwrites the cache with the derived value. Both are safe to run
  at any time.

  ExpireStale closes PENDING reservations the gateway never confirmed so
  that abandoned checkouts do not hold keys open forever.

SEE ALSO:
  - api/scheduler.go: Runs ReconcileAll and ExpireStale periodically
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/wallet-ledger/audit"
)

// Drift compares the stored projection with the value derived from the log.
type Drift struct {
	UserID     UserID
	Stored     int64
	Derived    int64
	Difference int64 // Stored - Derived
}

func (d Drift) InSync() bool { return d.Difference == 0 }

func newDrift(userID UserID, stored int64, totals Totals) Drift {
	derived := totals.Net()
	return Drift{UserID: userID, Stored: stored, Derived: derived, Difference: stored - derived}
}

// Reconcile recomputes the user's balance from SUCCESS transactions.
func (s *Service) Reconcile(ctx context.Context, userID UserID) (Drift, error) {
	w, err := s.Store.Wallet(ctx, userID)
	if err != nil {
		return Drift{}, err
	}
	if w == nil {
		return Drift{}, &NotFoundError{Entity: "wallet", ID: string(userID)}
	}
	totals, err := s.Store.SettledTotals(ctx, userID)
	if err != nil {
		return Drift{}, err
	}
	return newDrift(userID, w.Balance, totals), nil
}

// ReconcileAll returns the wallets whose projection disagrees with the log.
func (s *Service) ReconcileAll(ctx context.Context) ([]Drift, error) {
	users, err := s.Store.WalletUsers(ctx)
	if err != nil {
		return nil, err
	}
	var drifted []Drift
	for _, u := range users {
		d, err := s.Reconcile(ctx, u)
		if err != nil {
			return drifted, fmt.Errorf("reconcile %s: %w", u, err)
		}
		if !d.InSync() {
			drifted = append(drifted, d)
		}
	}
	return drifted, nil
}

// Repair sets the projection to the derived balance inside tx and returns
// the drift observed before the repair.
func (s *Service) Repair(ctx context.Context, tx Tx, adminID string, userID UserID) (Drift, error) {
	if strings.TrimSpace(adminID) == "" {
		return Drift{}, Invalid("adminId", "is required")
	}
	w, err := tx.EnsureWallet(ctx, userID, s.Currency)
	if err != nil {
		return Drift{}, err
	}
	totals, err := tx.SettledTotals(ctx, userID)
	if err != nil {
		return Drift{}, err
	}
	d := newDrift(userID, w.Balance, totals)
	if d.Derived < 0 {
		return d, fmt.Errorf("log for %s sums to %d: refusing to write a negative balance", userID, d.Derived)
	}
	if d.InSync() {
		return d, nil
	}
	if _, err := tx.SetBalance(ctx, userID, d.Derived); err != nil {
		return d, err
	}
	return d, nil
}

// ExpireStale fails PENDING transactions created more than ttl ago and
// returns how many were closed.
func (s *Service) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	stale, err := s.Store.StalePending(ctx, s.Now().Add(-ttl), 100)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, t := range stale {
		res, err := s.Apply(ctx, func(tx Tx) (Result, error) {
			return s.FailPending(ctx, tx, t.IdempotencyKey, "expired")
		})
		if err != nil {
			return expired, err
		}
		if res.Created() {
			expired++
		}
	}
	return expired, nil
}

// ReportDrift logs and audits drifted wallets found by ReconcileAll.
func (s *Service) ReportDrift(ctx context.Context, drifted []Drift) {
	for _, d := range drifted {
		s.Log.Error("wallet balance drifted from ledger",
			zap.String("user_id", string(d.UserID)),
			zap.Int64("stored", d.Stored),
			zap.Int64("derived", d.Derived))
		s.RecordAudit(ctx, audit.Entry{
			ActorID: "system",
			Action:  audit.ActionDriftDetected,
			Subject: string(d.UserID),
			Details: map[string]string{
				"stored":  fmt.Sprint(d.Stored),
				"derived": fmt.Sprint(d.Derived),
			},
		})
	}
}

// TransactionEvent is the payload of wallet.transaction.completed.
type TransactionEvent struct {
	TransactionID  string `json:"transactionId"`
	UserID         string `json:"userId"`
	Type           string `json:"type"`
	Direction      string `json:"direction"`
	Amount         int64  `json:"amountMinorUnits"`
	BalanceAfter   int64  `json:"balanceAfter"`
	Source         string `json:"source"`
	ReferenceType  string `json:"referenceType,omitempty"`
	ReferenceID    string `json:"referenceId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func NewTransactionEvent(t Transaction) TransactionEvent {
	return TransactionEvent{
		TransactionID:  string(t.ID),
		UserID:         string(t.UserID),
		Type:           string(t.Type),
		Direction:      string(t.Direction),
		Amount:         t.Amount,
		BalanceAfter:   t.BalanceAfter,
		Source:         string(t.Source),
		ReferenceType:  string(t.ReferenceType),
		ReferenceID:    t.ReferenceID,
		IdempotencyKey: t.IdempotencyKey,
	}
}
