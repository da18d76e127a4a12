/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  ledger and withdrawal domain types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Every amount is an integer in minor units (amountMinorUnits). Responses
  add a display string in major units ("100.50") for rendering only.
  Clients must never send display values back.

SEE ALSO:
  - handlers.go, withdrawals.go, admin.go: Use these types
*/
package api

import (
	"time"

	"github.com/warp/wallet-ledger/audit"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/topup"
	"github.com/warp/wallet-ledger/withdrawal"
)

// =============================================================================
// WALLET
// =============================================================================

type WalletDTO struct {
	UserID            string `json:"userId"`
	Currency          string `json:"currency"`
	BalanceMinorUnits int64  `json:"balanceMinorUnits"`
	Display           string `json:"display"`
	Status            string `json:"status"`
	UpdatedAt         string `json:"updatedAt"`
}

func toWalletDTO(w ledger.Wallet) WalletDTO {
	return WalletDTO{
		UserID:            string(w.UserID),
		Currency:          w.Currency,
		BalanceMinorUnits: w.Balance,
		Display:           ledger.FormatMinor(w.Balance, w.Currency),
		Status:            string(w.Status),
		UpdatedAt:         w.UpdatedAt.Format(time.RFC3339),
	}
}

type MetaDTO struct {
	Kind string      `json:"kind"`
	Data ledger.Meta `json:"data"`
}

type TransactionDTO struct {
	ID               string   `json:"id"`
	Type             string   `json:"type"`
	Direction        string   `json:"direction"`
	AmountMinorUnits int64    `json:"amountMinorUnits"`
	Display          string   `json:"display"`
	BalanceBefore    int64    `json:"balanceBefore"`
	BalanceAfter     int64    `json:"balanceAfter"`
	Status           string   `json:"status"`
	Source           string   `json:"source"`
	ReferenceType    string   `json:"referenceType,omitempty"`
	ReferenceID      string   `json:"referenceId,omitempty"`
	Meta             *MetaDTO `json:"meta,omitempty"`
	Description      string   `json:"description,omitempty"`
	CreatedAt        string   `json:"createdAt"`
	CompletedAt      string   `json:"completedAt,omitempty"`
}

func toTransactionDTO(t ledger.Transaction, currency string) TransactionDTO {
	dto := TransactionDTO{
		ID:               string(t.ID),
		Type:             string(t.Type),
		Direction:        string(t.Direction),
		AmountMinorUnits: t.Amount,
		Display:          ledger.FormatMinor(t.Amount, currency),
		BalanceBefore:    t.BalanceBefore,
		BalanceAfter:     t.BalanceAfter,
		Status:           string(t.Status),
		Source:           string(t.Source),
		ReferenceType:    string(t.ReferenceType),
		ReferenceID:      t.ReferenceID,
		Description:      t.Description,
		CreatedAt:        t.CreatedAt.Format(time.RFC3339Nano),
	}
	if t.Meta != nil {
		dto.Meta = &MetaDTO{Kind: string(t.Meta.Kind()), Data: t.Meta}
	}
	if t.CompletedAt != nil {
		dto.CompletedAt = t.CompletedAt.Format(time.RFC3339Nano)
	}
	return dto
}

type TransactionPageDTO struct {
	Items      []TransactionDTO `json:"items"`
	HasMore    bool             `json:"hasMore"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// MutationDTO reports a ledger mutation result.
type MutationDTO struct {
	Outcome          string         `json:"outcome"`
	AlreadyProcessed bool           `json:"alreadyProcessed"`
	Wallet           WalletDTO      `json:"wallet"`
	Transaction      TransactionDTO `json:"transaction"`
}

func toMutationDTO(res ledger.Result) MutationDTO {
	return MutationDTO{
		Outcome:          string(res.Outcome),
		AlreadyProcessed: res.AlreadyProcessed(),
		Wallet:           toWalletDTO(res.Wallet),
		Transaction:      toTransactionDTO(res.Transaction, res.Wallet.Currency),
	}
}

// =============================================================================
// TOP-UP
// =============================================================================

type CreateOrderRequest struct {
	AmountMinorUnits int64 `json:"amountMinorUnits"`
}

type OrderDTO struct {
	GatewayOrderID   string `json:"gatewayOrderId"`
	KeyID            string `json:"keyId"`
	AmountMinorUnits int64  `json:"amountMinorUnits"`
	Display          string `json:"display"`
	Currency         string `json:"currency"`
	TransactionID    string `json:"transactionId"`
}

func toOrderDTO(o topup.Order) OrderDTO {
	return OrderDTO{
		GatewayOrderID:   o.OrderID,
		KeyID:            o.KeyID,
		AmountMinorUnits: o.Amount,
		Display:          ledger.FormatMinor(o.Amount, o.Currency),
		Currency:         o.Currency,
		TransactionID:    string(o.TransactionID),
	}
}

type VerifyRequest struct {
	GatewayOrderID   string `json:"gatewayOrderId"`
	GatewayPaymentID string `json:"gatewayPaymentId"`
	Signature        string `json:"signature"`
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

type CreateWithdrawalRequest struct {
	AmountMinorUnits  int64                  `json:"amountMinorUnits"`
	PayoutDestination withdrawal.Destination `json:"payoutDestination"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type MarkPaidRequest struct {
	PayoutReference string `json:"payoutReference"`
}

type WithdrawalDTO struct {
	ID                   string `json:"id"`
	MerchantID           string `json:"merchantId"`
	AmountMinorUnits     int64  `json:"amountMinorUnits"`
	Display              string `json:"display"`
	PayoutDestination    string `json:"payoutDestination"`
	Status               string `json:"status"`
	RequestedAt          string `json:"requestedAt"`
	ReviewedAt           string `json:"reviewedAt,omitempty"`
	ReviewedBy           string `json:"reviewedBy,omitempty"`
	PaidAt               string `json:"paidAt,omitempty"`
	RejectionReason      string `json:"rejectionReason,omitempty"`
	PayoutReference      string `json:"payoutReference,omitempty"`
	BalanceBeforeRequest int64  `json:"balanceBeforeRequest"`
	LinkedTransactionID  string `json:"linkedTransactionId,omitempty"`
}

func toWithdrawalDTO(r withdrawal.Request, currency string) WithdrawalDTO {
	dto := WithdrawalDTO{
		ID:                   string(r.ID),
		MerchantID:           string(r.MerchantID),
		AmountMinorUnits:     r.Amount,
		Display:              ledger.FormatMinor(r.Amount, currency),
		PayoutDestination:    r.Destination.Masked(),
		Status:               string(r.Status),
		RequestedAt:          r.RequestedAt.Format(time.RFC3339),
		ReviewedBy:           r.ReviewedBy,
		RejectionReason:      r.RejectionReason,
		PayoutReference:      r.PayoutReference,
		BalanceBeforeRequest: r.BalanceBeforeRequest,
		LinkedTransactionID:  string(r.LinkedTransactionID),
	}
	if r.ReviewedAt != nil {
		dto.ReviewedAt = r.ReviewedAt.Format(time.RFC3339)
	}
	if r.PaidAt != nil {
		dto.PaidAt = r.PaidAt.Format(time.RFC3339)
	}
	return dto
}

func toWithdrawalDTOs(rs []withdrawal.Request, currency string) []WithdrawalDTO {
	dtos := make([]WithdrawalDTO, len(rs))
	for i, r := range rs {
		dtos[i] = toWithdrawalDTO(r, currency)
	}
	return dtos
}

// =============================================================================
// ADMIN
// =============================================================================

type AdjustRequest struct {
	UserID           string `json:"userId"`
	Direction        string `json:"direction"`
	AmountMinorUnits int64  `json:"amountMinorUnits"`
	Reason           string `json:"reason"`
}

type DriftDTO struct {
	UserID     string `json:"userId"`
	Stored     int64  `json:"storedMinorUnits"`
	Derived    int64  `json:"derivedMinorUnits"`
	Difference int64  `json:"differenceMinorUnits"`
	InSync     bool   `json:"inSync"`
}

func toDriftDTO(d ledger.Drift) DriftDTO {
	return DriftDTO{
		UserID:     string(d.UserID),
		Stored:     d.Stored,
		Derived:    d.Derived,
		Difference: d.Difference,
		InSync:     d.InSync(),
	}
}

type AuditEntryDTO struct {
	ID        string            `json:"id"`
	At        string            `json:"at"`
	ActorID   string            `json:"actorId"`
	Action    string            `json:"action"`
	Subject   string            `json:"subject,omitempty"`
	Reference string            `json:"reference,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

func toAuditDTOs(es []audit.Entry) []AuditEntryDTO {
	dtos := make([]AuditEntryDTO, len(es))
	for i, e := range es {
		dtos[i] = AuditEntryDTO{
			ID:        e.ID,
			At:        e.At.Format(time.RFC3339Nano),
			ActorID:   e.ActorID,
			Action:    string(e.Action),
			Subject:   e.Subject,
			Reference: e.Reference,
			Details:   e.Details,
		}
	}
	return dtos
}

type WebhookDTO struct {
	ID            string `json:"id"`
	EventID       string `json:"eventId"`
	EventType     string `json:"eventType"`
	OrderID       string `json:"orderId,omitempty"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"lastError,omitempty"`
	NextAttemptAt string `json:"nextAttemptAt"`
	CreatedAt     string `json:"createdAt"`
}

func toWebhookDTO(w topup.FailedWebhook) WebhookDTO {
	return WebhookDTO{
		ID:            w.ID,
		EventID:       w.EventID,
		EventType:     w.EventType,
		OrderID:       w.OrderID,
		Status:        string(w.Status),
		Attempts:      w.Attempts,
		LastError:     w.LastError,
		NextAttemptAt: w.NextAttemptAt.Format(time.RFC3339),
		CreatedAt:     w.CreatedAt.Format(time.RFC3339),
	}
}
