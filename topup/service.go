/*
Package topup connects the payment gateway to the ledger.

PURPOSE:
  Money enters a wallet in three steps:

    1. CreateOrder: open a gateway order, reserve the ledger key with a
       PENDING TOPUP transaction (key = gateway.OrderKey(orderId))
    2a. Verify: the browser relays the checkout callback
    2b. HandleWebhook: the gateway posts payment.captured / order.paid
    3. Either path re-checks authenticity (signature, then a fresh
       FetchPayment) and calls ledger Credit with the same key

  Because both paths share the key, whichever arrives second is an
  AlreadyProcessed replay.

WEBHOOK FAILURES:
  The HTTP handler always answers 200 so the gateway does not retry
  forever. A signature-verified body that fails processing is written to
  the Inbox and replayed by RetryDue with exponential backoff. Business
  rejections go straight to DEAD and are logged at error level for manual
  review.

SEE ALSO:
  - inbox.go: Retry queue types and backoff
  - gateway/: Client, signatures, payload types
  - api/scheduler.go: Calls RetryDue periodically
*/
package topup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/wallet-ledger/gateway"
	"github.com/warp/wallet-ledger/ledger"
)

// Gateway is the subset of gateway.Client the top-up flow needs.
type Gateway interface {
	CreateOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Order, error)
	FetchPayment(ctx context.Context, paymentID string) (gateway.Payment, error)
	VerifyPaymentSignature(orderID, paymentID, signature string) bool
	VerifyWebhookSignature(body []byte, signature string) bool
}

type Recorder interface {
	ObserveWebhook(event, result string)
	ObserveWebhookRetry(result string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveWebhook(string, string) {}
func (nopRecorder) ObserveWebhookRetry(string)    {}

var (
	ErrInvalidSignature = &ledger.ValidationError{Field: "signature", Message: "does not match"}

	// ErrPaymentNotCaptured is retryable: the gateway may not have settled
	// the payment status yet.
	ErrPaymentNotCaptured = errors.New("payment not captured")

	// errOrderNotReserved means a capture arrived before (or without) the
	// PENDING reservation becoming visible. Retryable.
	errOrderNotReserved = errors.New("no pending top-up reserved for order")
)

// DefaultMaxAmount caps a single top-up at 100000.00 in a two-decimal currency.
const DefaultMaxAmount int64 = 10_000_000

type Service struct {
	Ledger    *ledger.Service
	Gateway   Gateway
	Inbox     Inbox
	Metrics   Recorder
	Log       *zap.Logger
	KeyID     string // public key id handed to the checkout widget
	MaxAmount int64
	Retry     RetryPolicy
	Now       func() time.Time
}

func NewService(l *ledger.Service, gw Gateway, inbox Inbox) *Service {
	return &Service{
		Ledger:    l,
		Gateway:   gw,
		Inbox:     inbox,
		Metrics:   nopRecorder{},
		Log:       l.Log,
		MaxAmount: DefaultMaxAmount,
		Retry:     DefaultRetryPolicy,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// CREATE ORDER
// =============================================================================

// Order is returned to the browser to open checkout.
type Order struct {
	OrderID       string
	KeyID         string
	Amount        int64
	Currency      string
	TransactionID ledger.TransactionID
}

func (s *Service) CreateOrder(ctx context.Context, userID ledger.UserID, amount int64) (Order, error) {
	if amount <= 0 {
		return Order{}, ledger.Invalid("amountMinorUnits", "must be a positive integer")
	}
	if amount > s.MaxAmount {
		return Order{}, ledger.Invalid("amountMinorUnits", "maximum top-up is %s",
			ledger.FormatMinor(s.MaxAmount, s.Ledger.Currency))
	}
	w, err := s.Ledger.Balance(ctx, userID)
	if err != nil {
		return Order{}, err
	}
	if !w.IsActive() {
		return Order{}, ledger.ErrWalletNotActive
	}

	gwOrder, err := s.Gateway.CreateOrder(ctx, gateway.OrderRequest{
		Amount:   amount,
		Currency: s.Ledger.Currency,
		Receipt:  "topup_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20],
		Notes: map[string]string{
			gateway.NotePurpose: gateway.PurposeTopUp,
			gateway.NoteUserID:  string(userID),
		},
	})
	if err != nil {
		return Order{}, err
	}

	res, err := s.Ledger.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return s.Ledger.CreatePending(ctx, tx, userID, amount, ledger.Entry{
			Type:           ledger.TxTopUp,
			Source:         ledger.SourceGateway,
			ReferenceType:  ledger.RefTopUpOrder,
			ReferenceID:    gwOrder.ID,
			IdempotencyKey: gateway.OrderKey(gwOrder.ID),
			Meta:           ledger.GatewayPaymentMeta{OrderID: gwOrder.ID},
			Description:    "Wallet top-up",
		})
	})
	if err != nil {
		return Order{}, err
	}
	if res.Rejected() {
		return Order{}, res.Reason
	}

	return Order{
		OrderID:       gwOrder.ID,
		KeyID:         s.KeyID,
		Amount:        amount,
		Currency:      s.Ledger.Currency,
		TransactionID: res.Transaction.ID,
	}, nil
}

// =============================================================================
// VERIFY (browser checkout callback)
// =============================================================================

type VerifyInput struct {
	OrderID   string
	PaymentID string
	Signature string
}

// Verify confirms a checkout callback and credits the wallet. Rejections
// are reported in the Result, not the error.
func (s *Service) Verify(ctx context.Context, userID ledger.UserID, in VerifyInput) (ledger.Result, error) {
	if in.OrderID == "" || in.PaymentID == "" || in.Signature == "" {
		return ledger.Result{}, ledger.Invalid("", "gatewayOrderId, gatewayPaymentId and signature are required")
	}
	if !s.Gateway.VerifyPaymentSignature(in.OrderID, in.PaymentID, in.Signature) {
		return ledger.Result{}, ErrInvalidSignature
	}

	pending, err := s.Ledger.Store.TransactionByKey(ctx, gateway.OrderKey(in.OrderID))
	if err != nil {
		return ledger.Result{}, err
	}
	if pending == nil || pending.UserID != userID {
		return ledger.Result{}, &ledger.NotFoundError{Entity: "top-up order", ID: in.OrderID}
	}

	if pending.Status != ledger.StatusSuccess {
		if _, err := s.confirmCaptured(ctx, in.PaymentID, in.OrderID, pending.Amount); err != nil {
			return ledger.Result{}, err
		}
	}
	return s.credit(ctx, *pending, in.PaymentID, "")
}

// =============================================================================
// WEBHOOK
// =============================================================================

// HandleWebhook authenticates and processes one delivery. The error is for
// logging only; the HTTP response is 200 regardless.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if !s.Gateway.VerifyWebhookSignature(body, signature) {
		s.Metrics.ObserveWebhook("unknown", "invalid_signature")
		return ErrInvalidSignature
	}
	ev, err := gateway.ParseWebhook(body)
	if err != nil {
		s.Metrics.ObserveWebhook("unknown", "malformed")
		return err
	}

	result, err := s.process(ctx, ev)
	if err == nil {
		s.Metrics.ObserveWebhook(ev.Event, result)
		return nil
	}

	s.Metrics.ObserveWebhook(ev.Event, "failed")
	if qerr := s.enqueue(ctx, ev, body, err); qerr != nil {
		s.Log.Error("failed to enqueue webhook for retry; credit may be lost",
			zap.String("event_id", ev.ID()),
			zap.String("order_id", ev.OrderID()),
			zap.NamedError("processing_error", err),
			zap.Error(qerr))
	}
	return err
}

// process routes one event. It returns a short result label for metrics.
func (s *Service) process(ctx context.Context, ev gateway.WebhookEvent) (string, error) {
	switch ev.Event {
	case gateway.EventPaymentCaptured, gateway.EventOrderPaid:
	case gateway.EventPaymentFailed:
		s.Log.Info("payment failed at gateway",
			zap.String("event_id", ev.ID()),
			zap.String("order_id", ev.OrderID()))
		return "recorded", nil
	default:
		return "ignored", nil
	}

	payment, ok := ev.Payment()
	if !ok {
		return "", permanent(fmt.Errorf("%s event carries no payment entity", ev.Event))
	}
	orderID := ev.OrderID()
	notes := ev.Notes()

	switch notes[gateway.NotePurpose] {
	case gateway.PurposeTopUp:
		return s.creditTopUp(ctx, orderID, payment.ID)
	case gateway.PurposeInvoice:
		return s.creditInvoice(ctx, orderID, payment.ID, notes)
	}
	return "ignored", nil
}

func (s *Service) creditTopUp(ctx context.Context, orderID, paymentID string) (string, error) {
	pending, err := s.Ledger.Store.TransactionByKey(ctx, gateway.OrderKey(orderID))
	if err != nil {
		return "", err
	}
	if pending == nil {
		return "", fmt.Errorf("%w %s", errOrderNotReserved, orderID)
	}
	if pending.Status == ledger.StatusSuccess {
		return "replayed", nil
	}

	p, err := s.confirmCaptured(ctx, paymentID, orderID, pending.Amount)
	if err != nil {
		return "", err
	}
	res, err := s.credit(ctx, *pending, paymentID, p.Method)
	if err != nil {
		return "", err
	}
	return label(res)
}

func (s *Service) creditInvoice(ctx context.Context, orderID, paymentID string, notes map[string]string) (string, error) {
	merchantID := notes[gateway.NoteMerchantID]
	invoiceID := notes[gateway.NoteInvoiceID]
	if merchantID == "" || invoiceID == "" {
		return "", permanent(ledger.Invalid("notes", "invoice payment without merchant_id or invoice_id"))
	}

	p, err := s.Gateway.FetchPayment(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if err := checkCaptured(p, orderID, p.Amount); err != nil {
		return "", err
	}

	res, err := s.Ledger.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return s.Ledger.Credit(ctx, tx, ledger.UserID(merchantID), p.Amount, ledger.Entry{
			Type:           ledger.TxTopUp,
			Source:         ledger.SourceGateway,
			ReferenceType:  ledger.RefInvoice,
			ReferenceID:    invoiceID,
			IdempotencyKey: gateway.OrderKey(orderID),
			Meta:           ledger.GatewayPaymentMeta{OrderID: orderID, PaymentID: paymentID, Method: p.Method},
			Description:    "Invoice payment " + invoiceID,
		})
	})
	if err != nil {
		return "", err
	}
	return label(res)
}

// credit finalizes the PENDING reservation with the same key.
func (s *Service) credit(ctx context.Context, pending ledger.Transaction, paymentID, method string) (ledger.Result, error) {
	return s.Ledger.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return s.Ledger.Credit(ctx, tx, pending.UserID, pending.Amount, ledger.Entry{
			Type:           pending.Type,
			Source:         ledger.SourceGateway,
			ReferenceType:  pending.ReferenceType,
			ReferenceID:    pending.ReferenceID,
			IdempotencyKey: pending.IdempotencyKey,
			Meta:           ledger.GatewayPaymentMeta{OrderID: pending.ReferenceID, PaymentID: paymentID, Method: method},
		})
	})
}

// confirmCaptured re-fetches the payment from the gateway.
func (s *Service) confirmCaptured(ctx context.Context, paymentID, orderID string, amount int64) (gateway.Payment, error) {
	p, err := s.Gateway.FetchPayment(ctx, paymentID)
	if err != nil {
		return gateway.Payment{}, err
	}
	return p, checkCaptured(p, orderID, amount)
}

func checkCaptured(p gateway.Payment, orderID string, amount int64) error {
	if p.OrderID != orderID {
		return permanent(ledger.Invalid("gatewayPaymentId", "payment %s belongs to order %s, not %s", p.ID, p.OrderID, orderID))
	}
	if p.Amount != amount {
		return permanent(ledger.Invalid("amount", "payment %s captured %d, order expects %d", p.ID, p.Amount, amount))
	}
	if p.Status != gateway.PaymentCaptured {
		return fmt.Errorf("%w: payment %s is %s", ErrPaymentNotCaptured, p.ID, p.Status)
	}
	return nil
}

func label(res ledger.Result) (string, error) {
	switch res.Outcome {
	case ledger.OutcomeCreated:
		return "credited", nil
	case ledger.OutcomeAlreadyProcessed:
		return "replayed", nil
	}
	return "", permanent(res.Reason)
}

// =============================================================================
// RETRY QUEUE
// =============================================================================

func (s *Service) enqueue(ctx context.Context, ev gateway.WebhookEvent, body []byte, cause error) error {
	now := s.Now()
	w := FailedWebhook{
		ID:        uuid.NewString(),
		EventID:   ev.ID(),
		EventType: ev.Event,
		OrderID:   ev.OrderID(),
		Payload:   body,
		Status:    InboxRetrying,
		Attempts:  1,
		LastError: cause.Error(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if IsPermanent(cause) {
		w.Status = InboxDead
		s.Log.Error("webhook rejected permanently; needs manual review",
			zap.String("event_id", w.EventID),
			zap.String("order_id", w.OrderID),
			zap.Error(cause))
	} else {
		w.NextAttemptAt = now.Add(s.Retry.Delay(1))
		s.Log.Error("webhook processing failed; queued for retry",
			zap.String("event_id", w.EventID),
			zap.String("order_id", w.OrderID),
			zap.Time("next_attempt_at", w.NextAttemptAt),
			zap.Error(cause))
	}
	return s.Inbox.EnqueueWebhook(ctx, w)
}

// RetryStats summarizes one RetryDue pass.
type RetryStats struct {
	Done     int
	Retrying int
	Dead     int
}

// RetryDue replays queued webhooks whose backoff has elapsed.
func (s *Service) RetryDue(ctx context.Context, limit int) (RetryStats, error) {
	var stats RetryStats
	due, err := s.Inbox.DueWebhooks(ctx, s.Now(), limit)
	if err != nil {
		return stats, err
	}

	for _, w := range due {
		var perr error
		ev, err := gateway.ParseWebhook(w.Payload)
		if err != nil {
			perr = permanent(err)
		} else {
			_, perr = s.process(ctx, ev)
		}

		now := s.Now()
		w.UpdatedAt = now
		switch {
		case perr == nil:
			w.Status = InboxDone
			w.LastError = ""
			stats.Done++
			s.Log.Info("webhook retry succeeded",
				zap.String("event_id", w.EventID), zap.Int("attempts", w.Attempts+1))
		case IsPermanent(perr) || w.Attempts+1 >= s.Retry.MaxAttempts:
			w.Status = InboxDead
			w.LastError = perr.Error()
			stats.Dead++
			s.Log.Error("webhook retries exhausted; needs manual review",
				zap.String("event_id", w.EventID),
				zap.String("order_id", w.OrderID),
				zap.Int("attempts", w.Attempts+1),
				zap.Error(perr))
		default:
			w.Status = InboxRetrying
			w.LastError = perr.Error()
			w.NextAttemptAt = now.Add(s.Retry.Delay(w.Attempts + 1))
			stats.Retrying++
		}
		w.Attempts++
		s.Metrics.ObserveWebhookRetry(strings.ToLower(string(w.Status)))

		if err := s.Inbox.UpdateWebhook(ctx, w); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// Requeue puts a DEAD entry back on the retry queue for immediate processing.
func (s *Service) Requeue(ctx context.Context, id string) (FailedWebhook, error) {
	w, err := s.Inbox.Webhook(ctx, id)
	if err != nil {
		return FailedWebhook{}, err
	}
	if w == nil {
		return FailedWebhook{}, &ledger.NotFoundError{Entity: "webhook", ID: id}
	}
	if w.Status != InboxDead {
		return FailedWebhook{}, &ledger.TransitionError{Entity: "webhook", From: string(w.Status), To: string(InboxRetrying)}
	}
	now := s.Now()
	w.Status = InboxRetrying
	w.Attempts = 0
	w.NextAttemptAt = now
	w.UpdatedAt = now
	if err := s.Inbox.UpdateWebhook(ctx, *w); err != nil {
		return FailedWebhook{}, err
	}
	return *w, nil
}

func (s *Service) Webhooks(ctx context.Context, status InboxStatus, limit int) ([]FailedWebhook, error) {
	if status != "" && !status.Valid() {
		return nil, ledger.Invalid("status", "unknown status %q", status)
	}
	return s.Inbox.Webhooks(ctx, status, limit)
}
