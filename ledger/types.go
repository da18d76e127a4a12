/*
Package ledger provides the wallet ledger: balances, the transaction log and
the service that mutates them together.

PURPOSE:
  Every monetary event (top-up, order debit, refund, admin adjustment,
  withdrawal) is recorded as a Transaction. The Wallet row is a projection
  of the SUCCESS transactions for that user and can always be rebuilt from
  the log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: current balance projection, one per user
  - Transaction: a single monetary event with before/after balances
  - Entry: the caller-supplied description of a mutation
  - Amounts are int64 minor units (paise, cents). Never floats.

INVARIANTS:
  1. balance == sum(SUCCESS credits) - sum(SUCCESS debits)
  2. balance >= 0
  3. idempotency keys are unique across all transactions
  4. status moves PENDING -> SUCCESS or PENDING -> FAILED, never back

SEE ALSO:
  - meta.go: Tagged metadata carried by each transaction
  - service.go: The only code allowed to mutate wallets and the log
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string

type WalletID string

type TransactionID string

// =============================================================================
// WALLET
// =============================================================================

type WalletStatus string

const (
	WalletActive WalletStatus = "ACTIVE"
	WalletLocked WalletStatus = "LOCKED"
)

// Wallet is the mutable balance projection for a single user.
type Wallet struct {
	ID        WalletID
	UserID    UserID
	Currency  string
	Balance   int64
	Status    WalletStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (w Wallet) IsActive() bool { return w.Status == WalletActive }

// =============================================================================
// TRANSACTION
// =============================================================================

type TxType string

const (
	TxTopUp      TxType = "TOPUP"
	TxDebit      TxType = "DEBIT"
	TxRefund     TxType = "REFUND"
	TxAdjustment TxType = "ADJUSTMENT"
	TxWithdrawal TxType = "WITHDRAWAL"
)

// Allows reports whether a transaction of this type may move money in dir.
func (t TxType) Allows(dir Direction) bool {
	switch t {
	case TxTopUp, TxRefund:
		return dir == Credit
	case TxDebit, TxWithdrawal:
		return dir == Debit
	case TxAdjustment:
		return dir == Credit || dir == Debit
	}
	return false
}

type Direction string

const (
	Credit Direction = "CREDIT"
	Debit  Direction = "DEBIT"
)

func (d Direction) Valid() bool { return d == Credit || d == Debit }

type TxStatus string

const (
	StatusPending TxStatus = "PENDING"
	StatusSuccess TxStatus = "SUCCESS"
	StatusFailed  TxStatus = "FAILED"
)

func (s TxStatus) Valid() bool {
	return s == StatusPending || s == StatusSuccess || s == StatusFailed
}

type Source string

const (
	SourceGateway Source = "GATEWAY"
	SourceOrder   Source = "ORDER"
	SourceAdmin   Source = "ADMIN"
	SourceSystem  Source = "SYSTEM"
)

type ReferenceType string

const (
	RefTopUpOrder        ReferenceType = "TOPUP_ORDER"
	RefInvoice           ReferenceType = "INVOICE"
	RefStoreOrder        ReferenceType = "STORE_ORDER"
	RefWithdrawalRequest ReferenceType = "WITHDRAWAL_REQUEST"
	RefAdminAdjustment   ReferenceType = "ADMIN_ADJUSTMENT"
)

// Transaction is one monetary event. Immutable once it leaves PENDING.
type Transaction struct {
	ID             TransactionID
	WalletID       WalletID
	UserID         UserID
	Type           TxType
	Direction      Direction
	Amount         int64
	BalanceBefore  int64
	BalanceAfter   int64
	Status         TxStatus
	Source         Source
	ReferenceType  ReferenceType
	ReferenceID    string
	IdempotencyKey string
	Meta           Meta
	Description    string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// Signed returns the amount with the sign implied by Direction.
func (t Transaction) Signed() int64 {
	if t.Direction == Debit {
		return -t.Amount
	}
	return t.Amount
}

// Entry describes a mutation requested from the Service. Direction is
// implied by the operation (Credit, Debit) and never taken from the sign.
type Entry struct {
	Type           TxType
	Source         Source
	ReferenceType  ReferenceType
	ReferenceID    string
	IdempotencyKey string
	Meta           Meta
	Description    string
}

// Totals are the settled sums for one wallet, used by reconciliation.
type Totals struct {
	Credits int64
	Debits  int64
}

func (t Totals) Net() int64 { return t.Credits - t.Debits }

// =============================================================================
// DISPLAY
// =============================================================================

var currencyExponent = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"BHD": 3,
	"KWD": 3,
}

// FormatMinor renders a minor-unit amount in major units, e.g. 10050 INR -> "100.50".
func FormatMinor(amount int64, currency string) string {
	exp, ok := currencyExponent[currency]
	if !ok {
		exp = 2
	}
	return decimal.New(amount, -exp).StringFixed(exp)
}
