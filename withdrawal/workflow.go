package withdrawal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/wallet-ledger/audit"
	"github.com/warp/wallet-ledger/events"
	"github.com/warp/wallet-ledger/ledger"
)

// DefaultMinAmount is 100.00 in a two-decimal currency.
const DefaultMinAmount int64 = 10000

// Recorder receives one observation per successful transition.
type Recorder interface {
	ObserveWithdrawal(status string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveWithdrawal(string) {}

// =============================================================================
// WORKFLOW
// =============================================================================

type Workflow struct {
	Store     Store
	Ledger    *ledger.Service
	MinAmount int64
	Events    events.Publisher
	Metrics   Recorder
	Log       *zap.Logger

	Now   func() time.Time
	NewID func() string
}

func NewWorkflow(store Store, l *ledger.Service, minAmount int64) *Workflow {
	if minAmount <= 0 {
		minAmount = DefaultMinAmount
	}
	return &Workflow{
		Store:     store,
		Ledger:    l,
		MinAmount: minAmount,
		Events:    events.Nop{},
		Metrics:   nopRecorder{},
		Log:       l.Log,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     uuid.NewString,
	}
}

// Create files a PENDING request if amount fits in the available balance
// (balance minus outstanding PENDING and APPROVED requests). The wallet is
// not touched.
func (wf *Workflow) Create(ctx context.Context, merchantID ledger.UserID, amount int64, dest Destination) (Request, error) {
	if strings.TrimSpace(string(merchantID)) == "" {
		return Request{}, ledger.Invalid("merchantId", "is required")
	}
	if amount <= 0 {
		return Request{}, ledger.Invalid("amountMinorUnits", "must be a positive integer")
	}
	if amount < wf.MinAmount {
		return Request{}, ledger.Invalid("amountMinorUnits", "minimum withdrawal is %s",
			ledger.FormatMinor(wf.MinAmount, wf.Ledger.Currency))
	}
	dest = dest.Normalize()
	if err := dest.Validate(); err != nil {
		return Request{}, err
	}

	var req Request
	err := wf.Store.WithWithdrawalTx(ctx, func(tx Tx) error {
		// Concurrent requests from one merchant must see each other's holds.
		if err := tx.LockKey(ctx, "withdrawal:merchant:"+string(merchantID)); err != nil {
			return err
		}
		w, err := tx.EnsureWallet(ctx, merchantID, wf.Ledger.Currency)
		if err != nil {
			return err
		}
		if !w.IsActive() {
			return ledger.ErrWalletNotActive
		}
		outstanding, err := tx.OutstandingTotal(ctx, merchantID)
		if err != nil {
			return err
		}
		available := w.Balance - outstanding
		if amount > available {
			return &ledger.InsufficientBalanceError{UserID: merchantID, Available: available, Requested: amount}
		}

		req = Request{
			ID:                   RequestID(wf.NewID()),
			MerchantID:           merchantID,
			Amount:               amount,
			Destination:          dest,
			Status:               StatusPending,
			RequestedAt:          wf.Now(),
			BalanceBeforeRequest: w.Balance,
		}
		return tx.InsertRequest(ctx, req)
	})
	if err != nil {
		return Request{}, err
	}

	wf.Log.Info("withdrawal requested",
		zap.String("request_id", string(req.ID)),
		zap.String("merchant_id", string(merchantID)),
		zap.Int64("amount", amount))
	wf.Metrics.ObserveWithdrawal(string(StatusPending))
	wf.publish(ctx, events.WithdrawalRequested, req)
	return req, nil
}

// Approve debits the merchant and marks the request APPROVED in one
// database transaction. If the debit is rejected the request stays PENDING.
func (wf *Workflow) Approve(ctx context.Context, id RequestID, adminID string) (Request, error) {
	var debit ledger.Result
	req, err := wf.transition(ctx, id, adminID, StatusApproved, func(tx Tx, r *Request) error {
		res, err := wf.Ledger.Debit(ctx, tx, r.MerchantID, r.Amount, ledger.Entry{
			Type:           ledger.TxWithdrawal,
			Source:         ledger.SourceSystem,
			ReferenceType:  ledger.RefWithdrawalRequest,
			ReferenceID:    string(r.ID),
			IdempotencyKey: "withdrawal:" + string(r.ID),
			Meta:           ledger.WithdrawalMeta{RequestID: string(r.ID), Destination: r.Destination.Masked()},
			Description:    "Withdrawal to " + r.Destination.Masked(),
		})
		if err != nil {
			return err
		}
		if res.Rejected() {
			return res.Reason
		}
		debit = res
		r.LinkedTransactionID = res.Transaction.ID
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	if debit.Created() {
		wf.Ledger.AfterCommit(ctx, debit.Transaction)
	}
	wf.Ledger.RecordAudit(ctx, audit.Entry{
		ActorID:   adminID,
		Action:    audit.ActionWithdrawalApproved,
		Subject:   string(req.MerchantID),
		Reference: string(req.ID),
		Details: map[string]string{
			"amount":      fmt.Sprint(req.Amount),
			"transaction": string(req.LinkedTransactionID),
		},
	})
	wf.publish(ctx, events.WithdrawalApproved, req)
	return req, nil
}

// Reject closes a PENDING request. Nothing was debited, so there is no
// ledger effect.
func (wf *Workflow) Reject(ctx context.Context, id RequestID, adminID, reason string) (Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Request{}, ledger.Invalid("reason", "is required to reject a withdrawal")
	}
	req, err := wf.transition(ctx, id, adminID, StatusRejected, func(_ Tx, r *Request) error {
		r.RejectionReason = reason
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	wf.Ledger.RecordAudit(ctx, audit.Entry{
		ActorID:   adminID,
		Action:    audit.ActionWithdrawalRejected,
		Subject:   string(req.MerchantID),
		Reference: string(req.ID),
		Details:   map[string]string{"reason": reason},
	})
	wf.publish(ctx, events.WithdrawalRejected, req)
	return req, nil
}

// MarkPaid records the bank or UPI reference of a completed payout.
func (wf *Workflow) MarkPaid(ctx context.Context, id RequestID, adminID, payoutReference string) (Request, error) {
	payoutReference = strings.TrimSpace(payoutReference)
	if payoutReference == "" {
		return Request{}, ledger.Invalid("payoutReference", "is required")
	}
	req, err := wf.transition(ctx, id, adminID, StatusPaid, func(_ Tx, r *Request) error {
		now := wf.Now()
		r.PayoutReference = payoutReference
		r.PaidAt = &now
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	wf.Ledger.RecordAudit(ctx, audit.Entry{
		ActorID:   adminID,
		Action:    audit.ActionWithdrawalPaid,
		Subject:   string(req.MerchantID),
		Reference: string(req.ID),
		Details:   map[string]string{"payoutReference": payoutReference},
	})
	wf.publish(ctx, events.WithdrawalPaid, req)
	return req, nil
}

// transition locks the request, checks from -> to, lets apply mutate it and
// writes it back conditioned on the status it was read with.
func (wf *Workflow) transition(ctx context.Context, id RequestID, adminID string, to Status, apply func(tx Tx, r *Request) error) (Request, error) {
	if strings.TrimSpace(adminID) == "" {
		return Request{}, ledger.Invalid("adminId", "is required")
	}

	var out Request
	err := wf.Store.WithWithdrawalTx(ctx, func(tx Tx) error {
		r, err := tx.RequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return &ledger.NotFoundError{Entity: "withdrawal request", ID: string(id)}
		}
		if !CanMove(r.Status, to) {
			return &ledger.TransitionError{Entity: "withdrawal request", From: string(r.Status), To: string(to)}
		}
		from := r.Status

		if err := apply(tx, r); err != nil {
			return err
		}
		r.Status = to
		if to == StatusApproved || to == StatusRejected {
			now := wf.Now()
			r.ReviewedAt = &now
			r.ReviewedBy = adminID
		}
		if err := tx.UpdateRequest(ctx, *r, from); err != nil {
			return err
		}
		out = *r
		return nil
	})
	if err != nil {
		return Request{}, err
	}

	wf.Log.Info("withdrawal transitioned",
		zap.String("request_id", string(id)),
		zap.String("status", string(to)),
		zap.String("admin_id", adminID))
	wf.Metrics.ObserveWithdrawal(string(to))
	return out, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (wf *Workflow) Get(ctx context.Context, id RequestID) (Request, error) {
	r, err := wf.Store.Request(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if r == nil {
		return Request{}, &ledger.NotFoundError{Entity: "withdrawal request", ID: string(id)}
	}
	return *r, nil
}

// List returns the merchant's requests, newest first.
func (wf *Workflow) List(ctx context.Context, merchantID ledger.UserID) ([]Request, error) {
	return wf.Store.RequestsByMerchant(ctx, merchantID)
}

// ListByStatus returns requests in status, oldest first (review queue order).
func (wf *Workflow) ListByStatus(ctx context.Context, status Status) ([]Request, error) {
	if !status.Valid() {
		return nil, ledger.Invalid("status", "unknown status %q", status)
	}
	return wf.Store.RequestsByStatus(ctx, status)
}

// Available returns balance minus outstanding requests.
func (wf *Workflow) Available(ctx context.Context, merchantID ledger.UserID) (int64, error) {
	var available int64
	err := wf.Store.WithWithdrawalTx(ctx, func(tx Tx) error {
		w, err := tx.EnsureWallet(ctx, merchantID, wf.Ledger.Currency)
		if err != nil {
			return err
		}
		outstanding, err := tx.OutstandingTotal(ctx, merchantID)
		if err != nil {
			return err
		}
		available = w.Balance - outstanding
		return nil
	})
	return available, err
}

// RequestEvent is the payload of withdrawal.* events.
type RequestEvent struct {
	RequestID     string `json:"requestId"`
	MerchantID    string `json:"merchantId"`
	Amount        int64  `json:"amountMinorUnits"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId,omitempty"`
}

func (wf *Workflow) publish(ctx context.Context, eventType string, r Request) {
	payload := RequestEvent{
		RequestID:     string(r.ID),
		MerchantID:    string(r.MerchantID),
		Amount:        r.Amount,
		Status:        string(r.Status),
		TransactionID: string(r.LinkedTransactionID),
	}
	if err := wf.Events.Publish(ctx, events.New(eventType, string(r.MerchantID), payload)); err != nil {
		wf.Log.Warn("failed to publish withdrawal event",
			zap.String("type", eventType),
			zap.String("request_id", string(r.ID)),
			zap.Error(err))
	}
}
