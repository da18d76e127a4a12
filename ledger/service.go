/*
service.go - LedgerService: the only writer of wallets and the transaction log

PURPOSE:
  Credit, Debit, CreatePending, FailPending and Adjust all follow one path:

    1. Validate amount, key, type/direction and metadata
    2. Lock the idempotency key for the rest of the database transaction
    3. Look the key up:
         SUCCESS  -> AlreadyProcessed, original balances, no mutation
         FAILED   -> Rejected(ErrTransactionClosed)
         PENDING  -> finalize that row (must match user, amount, direction)
         missing  -> new row
    4. Conditional balance update (increment, or decrement WHERE balance >= amount)
    5. Write the SUCCESS row with before/after balances

  Every mutation takes the storage Tx as a required argument. Apply opens
  one, runs the mutation, commits, then publishes events and audit entries.

RESULTS:
  Business-rule failures come back as Result{Outcome: Rejected, Reason: err}
  with nothing written. The error return is for infrastructure failures.
  A failed conditional debit is never retried here; the caller re-reads the
  balance and decides.

SEE ALSO:
  - store.go: Tx and Store
  - reconcile.go: Recomputing balances from the log
  - withdrawal/workflow.go: Debits on approval
  - topup/service.go: Gateway credits
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/wallet-ledger/audit"
	"github.com/warp/wallet-ledger/events"
	"github.com/warp/wallet-ledger/logger"
)

// Recorder receives one observation per mutation.
type Recorder interface {
	ObserveMutation(op, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveMutation(string, string) {}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store    Store
	Currency string
	Audit    audit.Log
	Events   events.Publisher
	Metrics  Recorder
	Log      *zap.Logger

	Now   func() time.Time
	NewID func() string
}

func NewService(store Store, currency string) *Service {
	return &Service{
		Store:    store,
		Currency: currency,
		Audit:    audit.Nop{},
		Events:   events.Nop{},
		Metrics:  nopRecorder{},
		Log:      logger.Log,
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    uuid.NewString,
	}
}

// Atomically runs fn in one storage transaction.
func (s *Service) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	return s.Store.WithTx(ctx, fn)
}

// Apply runs a single mutation in its own storage transaction. After
// commit it publishes a completion event for new SUCCESS rows and audits
// admin-sourced ones.
func (s *Service) Apply(ctx context.Context, fn func(tx Tx) (Result, error)) (Result, error) {
	var res Result
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		res, err = fn(tx)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if res.Created() {
		s.AfterCommit(ctx, res.Transaction)
	}
	return res, nil
}

// AfterCommit publishes and audits a committed transaction. Callers that
// run mutations inside their own Atomically call this once they commit.
func (s *Service) AfterCommit(ctx context.Context, t Transaction) {
	if t.Status != StatusSuccess {
		return
	}
	if err := s.Events.Publish(ctx, events.New(events.TransactionCompleted, string(t.UserID), NewTransactionEvent(t))); err != nil {
		s.Log.Warn("failed to publish transaction event",
			zap.String("transaction_id", string(t.ID)), zap.Error(err))
	}
	if meta, ok := t.Meta.(AdminMeta); ok && t.Source == SourceAdmin {
		s.RecordAudit(ctx, audit.Entry{
			ActorID:   meta.AdminID,
			Action:    audit.ActionWalletAdjusted,
			Subject:   string(t.UserID),
			Reference: string(t.ID),
			Details: map[string]string{
				"direction": string(t.Direction),
				"amount":    fmt.Sprint(t.Amount),
				"reason":    meta.Reason,
			},
		})
	}
}

// RecordAudit appends e and logs, but does not return, failures.
func (s *Service) RecordAudit(ctx context.Context, e audit.Entry) {
	if err := s.Audit.Append(ctx, audit.Stamp(e, s.Now())); err != nil {
		s.Log.Error("failed to append audit entry",
			zap.String("action", string(e.Action)),
			zap.String("subject", e.Subject),
			zap.Error(err))
	}
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Credit adds amount to the user's wallet.
func (s *Service) Credit(ctx context.Context, tx Tx, userID UserID, amount int64, e Entry) (Result, error) {
	res, err := s.apply(ctx, tx, Credit, userID, amount, e)
	s.observe("credit", res, err)
	return res, err
}

// Debit subtracts amount if, at apply time, the balance covers it.
func (s *Service) Debit(ctx context.Context, tx Tx, userID UserID, amount int64, e Entry) (Result, error) {
	res, err := s.apply(ctx, tx, Debit, userID, amount, e)
	s.observe("debit", res, err)
	return res, err
}

// CreatePending reserves e.IdempotencyKey with a PENDING transaction that a
// later Credit (or Debit) with the same key finalizes exactly once. The
// wallet balance is untouched.
func (s *Service) CreatePending(ctx context.Context, tx Tx, userID UserID, amount int64, e Entry) (Result, error) {
	res, err := s.createPending(ctx, tx, userID, amount, e)
	s.observe("create_pending", res, err)
	return res, err
}

func (s *Service) createPending(ctx context.Context, tx Tx, userID UserID, amount int64, e Entry) (Result, error) {
	dir, ok := pendingDirection(e.Type)
	if !ok {
		return rejected(Invalid("type", "%s cannot be created as pending", e.Type)), nil
	}
	if err := validate(userID, amount, dir, e); err != nil {
		return rejected(err), nil
	}
	if err := tx.LockKey(ctx, e.IdempotencyKey); err != nil {
		return Result{}, err
	}

	existing, err := tx.TransactionByKey(ctx, e.IdempotencyKey)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		if err := matches(*existing, userID, amount, dir); err != nil {
			return rejected(err), nil
		}
		w, err := tx.EnsureWallet(ctx, existing.UserID, s.Currency)
		if err != nil {
			return Result{}, err
		}
		return replayed(w, *existing), nil
	}

	w, err := tx.EnsureWallet(ctx, userID, s.Currency)
	if err != nil {
		return Result{}, err
	}
	if !w.IsActive() {
		return rejected(ErrWalletNotActive), nil
	}

	t := s.newTransaction(w, dir, amount, e)
	t.Status = StatusPending
	t.BalanceBefore = w.Balance
	t.BalanceAfter = w.Balance
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return Result{}, err
	}
	return created(w, t), nil
}

// FailPending closes a PENDING transaction as FAILED. A key that is already
// FAILED is a replay; a SUCCESS key cannot fail.
func (s *Service) FailPending(ctx context.Context, tx Tx, key, reason string) (Result, error) {
	res, err := s.failPending(ctx, tx, key, reason)
	s.observe("fail_pending", res, err)
	return res, err
}

func (s *Service) failPending(ctx context.Context, tx Tx, key, reason string) (Result, error) {
	if strings.TrimSpace(key) == "" {
		return rejected(Invalid("idempotencyKey", "is required")), nil
	}
	if err := tx.LockKey(ctx, key); err != nil {
		return Result{}, err
	}
	existing, err := tx.TransactionByKey(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if existing == nil {
		return rejected(&NotFoundError{Entity: "transaction", ID: key}), nil
	}
	w, err := tx.EnsureWallet(ctx, existing.UserID, s.Currency)
	if err != nil {
		return Result{}, err
	}

	switch existing.Status {
	case StatusFailed:
		return replayed(w, *existing), nil
	case StatusSuccess:
		return rejected(&TransitionError{Entity: "transaction", From: string(StatusSuccess), To: string(StatusFailed)}), nil
	}

	t := *existing
	now := s.Now()
	t.Status = StatusFailed
	t.CompletedAt = &now
	if reason != "" {
		t.Description = strings.TrimSpace(t.Description + " (" + reason + ")")
	}
	if err := tx.CompleteTransaction(ctx, t); err != nil {
		if errors.Is(err, ErrTransactionClosed) {
			return rejected(err), nil
		}
		return Result{}, err
	}
	return created(w, t), nil
}

// Adjustment is a manual correction by an admin.
type Adjustment struct {
	AdminID   string
	UserID    UserID
	Direction Direction
	Amount    int64
	Reason    string
}

// Adjust applies an admin correction. Each call derives a fresh
// idempotency key: adjustments are one-shot, not client-retried.
func (s *Service) Adjust(ctx context.Context, tx Tx, a Adjustment) (Result, error) {
	if strings.TrimSpace(a.AdminID) == "" {
		return rejected(Invalid("adminId", "is required")), nil
	}
	if strings.TrimSpace(a.Reason) == "" {
		return rejected(Invalid("reason", "is required for adjustments")), nil
	}
	if !a.Direction.Valid() {
		return rejected(Invalid("direction", "must be CREDIT or DEBIT")), nil
	}

	id := s.NewID()
	e := Entry{
		Type:           TxAdjustment,
		Source:         SourceAdmin,
		ReferenceType:  RefAdminAdjustment,
		ReferenceID:    id,
		IdempotencyKey: "adjust:" + id,
		Meta:           AdminMeta{AdminID: a.AdminID, Reason: a.Reason},
		Description:    a.Reason,
	}
	res, err := s.apply(ctx, tx, a.Direction, a.UserID, a.Amount, e)
	s.observe("adjust", res, err)
	return res, err
}

// SetStatus locks or unlocks a wallet on behalf of adminID. Locked wallets
// reject every mutation.
func (s *Service) SetStatus(ctx context.Context, tx Tx, adminID string, userID UserID, status WalletStatus) (Wallet, error) {
	if strings.TrimSpace(adminID) == "" {
		return Wallet{}, Invalid("adminId", "is required")
	}
	if status != WalletActive && status != WalletLocked {
		return Wallet{}, Invalid("status", "must be ACTIVE or LOCKED")
	}
	if _, err := tx.EnsureWallet(ctx, userID, s.Currency); err != nil {
		return Wallet{}, err
	}
	return tx.SetStatus(ctx, userID, status)
}

// =============================================================================
// CORE PATH
// =============================================================================

func (s *Service) apply(ctx context.Context, tx Tx, dir Direction, userID UserID, amount int64, e Entry) (Result, error) {
	if err := validate(userID, amount, dir, e); err != nil {
		return rejected(err), nil
	}
	if err := tx.LockKey(ctx, e.IdempotencyKey); err != nil {
		return Result{}, err
	}

	existing, err := tx.TransactionByKey(ctx, e.IdempotencyKey)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		if err := matches(*existing, userID, amount, dir); err != nil {
			return rejected(err), nil
		}
		switch existing.Status {
		case StatusSuccess:
			w, err := tx.EnsureWallet(ctx, userID, s.Currency)
			if err != nil {
				return Result{}, err
			}
			return replayed(w, *existing), nil
		case StatusFailed:
			return rejected(fmt.Errorf("%w: key %s", ErrTransactionClosed, e.IdempotencyKey)), nil
		}
	}

	w, err := tx.EnsureWallet(ctx, userID, s.Currency)
	if err != nil {
		return Result{}, err
	}
	if !w.IsActive() {
		return rejected(ErrWalletNotActive), nil
	}

	var after Wallet
	switch dir {
	case Credit:
		after, err = tx.IncrementBalance(ctx, userID, amount)
		if errors.Is(err, ErrWalletNotActive) {
			return rejected(err), nil
		}
	case Debit:
		if w.Balance < amount {
			return rejected(&InsufficientBalanceError{UserID: userID, Available: w.Balance, Requested: amount}), nil
		}
		after, err = tx.DecrementBalance(ctx, userID, amount)
		if errors.Is(err, ErrInsufficientBalance) {
			// Lost the race between the read above and the conditional update.
			return rejected(&InsufficientBalanceError{UserID: userID, Available: w.Balance, Requested: amount}), nil
		}
	}
	if err != nil {
		return Result{}, err
	}

	now := s.Now()
	var t Transaction
	if existing != nil {
		t = *existing
		t.Meta = mergeMeta(existing.Meta, e.Meta)
		if e.Description != "" {
			t.Description = e.Description
		}
	} else {
		t = s.newTransaction(w, dir, amount, e)
	}
	t.Status = StatusSuccess
	t.BalanceAfter = after.Balance
	t.BalanceBefore = after.Balance - t.Signed()
	t.CompletedAt = &now

	if existing != nil {
		err = tx.CompleteTransaction(ctx, t)
	} else {
		err = tx.InsertTransaction(ctx, t)
	}
	if err != nil {
		return Result{}, err
	}
	return created(after, t), nil
}

func (s *Service) newTransaction(w Wallet, dir Direction, amount int64, e Entry) Transaction {
	return Transaction{
		ID:             TransactionID(s.NewID()),
		WalletID:       w.ID,
		UserID:         w.UserID,
		Type:           e.Type,
		Direction:      dir,
		Amount:         amount,
		Source:         e.Source,
		ReferenceType:  e.ReferenceType,
		ReferenceID:    e.ReferenceID,
		IdempotencyKey: e.IdempotencyKey,
		Meta:           e.Meta,
		Description:    e.Description,
		CreatedAt:      s.Now(),
	}
}

func (s *Service) observe(op string, res Result, err error) {
	outcome := string(res.Outcome)
	if err != nil {
		outcome = "error"
	}
	s.Metrics.ObserveMutation(op, outcome)
}

func validate(userID UserID, amount int64, dir Direction, e Entry) error {
	if strings.TrimSpace(string(userID)) == "" {
		return Invalid("userId", "is required")
	}
	if amount <= 0 {
		return Invalid("amount", "must be a positive integer in minor units, got %d", amount)
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return Invalid("idempotencyKey", "is required")
	}
	if !e.Type.Allows(dir) {
		return Invalid("type", "%s does not allow %s", e.Type, dir)
	}
	return CheckMeta(e.Source, e.Meta)
}

// matches guards against reusing a key for a different mutation.
func matches(t Transaction, userID UserID, amount int64, dir Direction) error {
	if t.UserID != userID || t.Amount != amount || t.Direction != dir {
		return fmt.Errorf("%w: key %s belongs to %s %d for %s",
			ErrIdempotencyConflict, t.IdempotencyKey, t.Direction, t.Amount, t.UserID)
	}
	return nil
}

func pendingDirection(t TxType) (Direction, bool) {
	switch t {
	case TxTopUp, TxRefund:
		return Credit, true
	case TxDebit, TxWithdrawal:
		return Debit, true
	}
	return "", false
}

// mergeMeta keeps the reservation's payload but lets the confirming call
// fill in gateway details it did not know at reservation time.
func mergeMeta(reserved, confirmed Meta) Meta {
	r, ok1 := reserved.(GatewayPaymentMeta)
	c, ok2 := confirmed.(GatewayPaymentMeta)
	if !ok1 || !ok2 {
		if confirmed != nil {
			return confirmed
		}
		return reserved
	}
	if c.OrderID == "" {
		c.OrderID = r.OrderID
	}
	if c.PaymentID == "" {
		c.PaymentID = r.PaymentID
	}
	if c.Method == "" {
		c.Method = r.Method
	}
	return c
}
