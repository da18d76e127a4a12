/*
Package withdrawal implements the merchant payout workflow.

PURPOSE:
  A merchant asks to move money out of their wallet to a bank account or
  UPI id. An admin reviews the request:

    PENDING ──approve──▶ APPROVED ──mark-paid──▶ PAID
       │
       └──reject──▶ REJECTED

  Creating a request only checks the "available" balance (balance minus
  every PENDING and APPROVED request). The money leaves the ledger at
  approval time, in the same database transaction that flips the status,
  and the conditional debit there is the real gate. PAID is bookkeeping
  for the bank transfer that already happened outside the system.

SEE ALSO:
  - workflow.go: State transitions
  - destination.go: Payout destination validation
  - ledger/service.go: Debit used on approval
*/
package withdrawal

import (
	"context"
	"time"

	"github.com/warp/wallet-ledger/ledger"
)

type RequestID string

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusPaid     Status = "PAID"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusPaid:
		return true
	}
	return false
}

// transitions lists every legal move. Anything else is InvalidStateTransition.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusPaid},
}

// CanMove reports whether from -> to is a legal transition.
func CanMove(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Request is a merchant payout request.
type Request struct {
	ID                   RequestID
	MerchantID           ledger.UserID
	Amount               int64
	Destination          Destination
	Status               Status
	RequestedAt          time.Time
	ReviewedAt           *time.Time
	ReviewedBy           string
	PaidAt               *time.Time
	RejectionReason      string
	PayoutReference      string
	BalanceBeforeRequest int64
	LinkedTransactionID  ledger.TransactionID
}

// =============================================================================
// STORE
// =============================================================================

// Tx extends the ledger Tx with request writes so that approval debits
// and the status change commit together.
type Tx interface {
	ledger.Tx

	InsertRequest(ctx context.Context, r Request) error

	// RequestForUpdate loads r and locks it for the rest of the transaction.
	// Returns nil, nil if missing.
	RequestForUpdate(ctx context.Context, id RequestID) (*Request, error)

	// UpdateRequest writes r only if the stored status is still from.
	// Returns ledger.ErrInvalidStateTransition otherwise.
	UpdateRequest(ctx context.Context, r Request, from Status) error

	// OutstandingTotal sums PENDING and APPROVED requests for the merchant.
	OutstandingTotal(ctx context.Context, merchantID ledger.UserID) (int64, error)
}

type Store interface {
	WithWithdrawalTx(ctx context.Context, fn func(tx Tx) error) error

	// Request returns nil, nil if missing.
	Request(ctx context.Context, id RequestID) (*Request, error)

	RequestsByMerchant(ctx context.Context, merchantID ledger.UserID) ([]Request, error)

	RequestsByStatus(ctx context.Context, status Status) ([]Request, error)
}
