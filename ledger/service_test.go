/*
service_test.go - Tests for ledger mutations

Tests for:
- Credit/debit idempotency and replays
- Insufficient balance and concurrent debits
- Pending reservations: finalize, fail, conflicts
- Admin adjustments and locked wallets
- History paging
- Reconcile, repair and stale pending expiry
*/
package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/audit"
	"github.com/warp/wallet-ledger/events"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/store/memory"
)

// clock advances one millisecond per reading so CreatedAt values are distinct.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc    *ledger.Service
	store  *memory.Memory
	events *events.Memory
	clock  *clock
}

func newFixture() *fixture {
	store := memory.New()
	ev := &events.Memory{}
	c := newClock()
	svc := ledger.NewService(store, "INR")
	svc.Events = ev
	svc.Audit = store
	svc.Now = c.Now
	return &fixture{svc: svc, store: store, events: ev, clock: c}
}

func systemEntry(key string, t ledger.TxType) ledger.Entry {
	return ledger.Entry{
		Type:           t,
		Source:         ledger.SourceSystem,
		IdempotencyKey: key,
		Meta:           ledger.SystemMeta{Note: "test"},
	}
}

func (f *fixture) credit(t *testing.T, user ledger.UserID, amount int64, key string) ledger.Result {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return f.svc.Credit(ctx, tx, user, amount, systemEntry(key, ledger.TxTopUp))
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) debit(t *testing.T, user ledger.UserID, amount int64, key string) ledger.Result {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return f.svc.Debit(ctx, tx, user, amount, ledger.Entry{
			Type:           ledger.TxDebit,
			Source:         ledger.SourceOrder,
			ReferenceType:  ledger.RefStoreOrder,
			ReferenceID:    key,
			IdempotencyKey: key,
			Meta:           ledger.OrderMeta{OrderID: key},
		})
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) balance(t *testing.T, user ledger.UserID) int64 {
	t.Helper()
	w, err := f.svc.Balance(context.Background(), user)
	require.NoError(t, err)
	return w.Balance
}

// =============================================================================
// CREDIT / DEBIT
// =============================================================================

func TestCredit_IdempotentReplay(t *testing.T) {
	// GIVEN: An empty wallet
	f := newFixture()

	// WHEN: The same credit is sent twice
	first := f.credit(t, "u1", 10000, "k1")
	second := f.credit(t, "u1", 10000, "k1")

	// THEN: Only the first moves money
	assert.True(t, first.Created())
	assert.Equal(t, int64(10000), first.Wallet.Balance)
	assert.True(t, second.AlreadyProcessed())
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, int64(10000), f.balance(t, "u1"))
	assert.Equal(t, []string{events.TransactionCompleted}, f.events.Types(), "replays publish nothing")
}

func TestCredit_RecordsBalancesAndStatus(t *testing.T) {
	f := newFixture()
	f.credit(t, "u1", 2500, "k0")

	res := f.credit(t, "u1", 10000, "k1")

	tx := res.Transaction
	assert.Equal(t, ledger.StatusSuccess, tx.Status)
	assert.Equal(t, ledger.Credit, tx.Direction)
	assert.Equal(t, int64(2500), tx.BalanceBefore)
	assert.Equal(t, int64(12500), tx.BalanceAfter)
	require.NotNil(t, tx.CompletedAt)
}

func TestDebit_InsufficientBalance(t *testing.T) {
	// GIVEN: Balance 5000
	f := newFixture()
	f.credit(t, "u1", 5000, "seed")

	// WHEN: Debiting 6000
	res := f.debit(t, "u1", 6000, "k2")

	// THEN: Rejected, nothing written
	require.True(t, res.Rejected())
	assert.True(t, errors.Is(res.Err(), ledger.ErrInsufficientBalance))
	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, res.Err(), &ib)
	assert.Equal(t, int64(5000), ib.Available)
	assert.Equal(t, int64(5000), f.balance(t, "u1"))

	existing, err := f.store.TransactionByKey(context.Background(), "k2")
	require.NoError(t, err)
	assert.Nil(t, existing, "a rejected debit leaves no record")
}

func TestDebit_IdempotentReplay(t *testing.T) {
	f := newFixture()
	f.credit(t, "u1", 10000, "seed")

	first := f.debit(t, "u1", 3000, "order-1")
	second := f.debit(t, "u1", 3000, "order-1")

	assert.True(t, first.Created())
	assert.True(t, second.AlreadyProcessed())
	assert.Equal(t, int64(7000), f.balance(t, "u1"))
	assert.Equal(t, int64(10000), second.Transaction.BalanceBefore, "replay returns the original balances")
	assert.Equal(t, int64(7000), second.Transaction.BalanceAfter)
}

func TestCreditThenDebit_RestoresBalance(t *testing.T) {
	f := newFixture()
	f.credit(t, "u1", 1234, "seed")

	f.credit(t, "u1", 5000, "in")
	f.debit(t, "u1", 5000, "out")

	assert.Equal(t, int64(1234), f.balance(t, "u1"))
	page, err := f.svc.Transactions(context.Background(), "u1", ledger.Page{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)
}

func TestConcurrentDebits_ExactlyOneSucceeds(t *testing.T) {
	// GIVEN: Balance 10000
	f := newFixture()
	f.credit(t, "u1", 10000, "seed")

	// WHEN: Two debits of 6000 race with distinct keys
	var (
		wg      sync.WaitGroup
		results = make([]ledger.Result, 2)
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.debit(t, "u1", 6000, fmt.Sprintf("race-%d", i))
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one wins, balance never negative
	created, rejected := 0, 0
	for _, r := range results {
		switch {
		case r.Created():
			created++
		case r.Rejected():
			rejected++
			assert.True(t, errors.Is(r.Err(), ledger.ErrInsufficientBalance))
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, int64(4000), f.balance(t, "u1"))
}

func TestMutation_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tests := []struct {
		name   string
		user   ledger.UserID
		amount int64
		entry  ledger.Entry
		field  string
	}{
		{"zero amount", "u1", 0, systemEntry("k", ledger.TxTopUp), "amount"},
		{"negative amount", "u1", -5, systemEntry("k", ledger.TxTopUp), "amount"},
		{"missing user", "", 100, systemEntry("k", ledger.TxTopUp), "userId"},
		{"missing key", "u1", 100, systemEntry("", ledger.TxTopUp), "idempotencyKey"},
		{"debit type as credit", "u1", 100, systemEntry("k", ledger.TxDebit), "type"},
		{"wrong meta for source", "u1", 100, ledger.Entry{
			Type: ledger.TxTopUp, Source: ledger.SourceGateway, IdempotencyKey: "k", Meta: ledger.SystemMeta{},
		}, "meta"},
		{"missing meta", "u1", 100, ledger.Entry{
			Type: ledger.TxTopUp, Source: ledger.SourceSystem, IdempotencyKey: "k",
		}, "meta"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
				return f.svc.Credit(ctx, tx, tt.user, tt.amount, tt.entry)
			})
			require.NoError(t, err)
			require.True(t, res.Rejected())
			var ve *ledger.ValidationError
			require.ErrorAs(t, res.Err(), &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestKeyReuse_DifferentAmountConflicts(t *testing.T) {
	f := newFixture()
	f.credit(t, "u1", 1000, "k1")

	res := f.credit(t, "u1", 2000, "k1")

	require.True(t, res.Rejected())
	assert.Equal(t, "IdempotencyConflict", ledger.Kind(res.Err()))
	assert.Equal(t, int64(1000), f.balance(t, "u1"))
}

func TestKeyReuse_DifferentUserConflicts(t *testing.T) {
	f := newFixture()
	f.credit(t, "u1", 1000, "k1")

	res := f.credit(t, "u2", 1000, "k1")

	require.True(t, res.Rejected())
	assert.True(t, errors.Is(res.Err(), ledger.ErrIdempotencyConflict))
}

// =============================================================================
// PENDING
// =============================================================================

func (f *fixture) reserve(t *testing.T, user ledger.UserID, amount int64, key string) ledger.Result {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return f.svc.CreatePending(ctx, tx, user, amount, ledger.Entry{
			Type:           ledger.TxTopUp,
			Source:         ledger.SourceGateway,
			ReferenceType:  ledger.RefTopUpOrder,
			ReferenceID:    key,
			IdempotencyKey: key,
			Meta:           ledger.GatewayPaymentMeta{OrderID: key},
		})
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) confirm(t *testing.T, user ledger.UserID, amount int64, key, paymentID string) ledger.Result {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return f.svc.Credit(ctx, tx, user, amount, ledger.Entry{
			Type:           ledger.TxTopUp,
			Source:         ledger.SourceGateway,
			IdempotencyKey: key,
			Meta:           ledger.GatewayPaymentMeta{PaymentID: paymentID, Method: "upi"},
		})
	})
	require.NoError(t, err)
	return res
}

func TestPending_FinalizedOnce(t *testing.T) {
	// GIVEN: A reserved top-up
	f := newFixture()
	pending := f.reserve(t, "u1", 5000, "gateway:order:o1")
	require.True(t, pending.Created())
	assert.Equal(t, ledger.StatusPending, pending.Transaction.Status)
	assert.Equal(t, int64(0), f.balance(t, "u1"), "reservation does not move money")
	assert.Empty(t, f.events.Types(), "pending rows publish nothing")

	// WHEN: The credit arrives twice with the same key
	first := f.confirm(t, "u1", 5000, "gateway:order:o1", "pay_1")
	second := f.confirm(t, "u1", 5000, "gateway:order:o1", "pay_1")

	// THEN: The reservation row itself becomes SUCCESS, once
	require.True(t, first.Created())
	assert.Equal(t, pending.Transaction.ID, first.Transaction.ID)
	assert.Equal(t, ledger.StatusSuccess, first.Transaction.Status)
	meta, ok := first.Transaction.Meta.(ledger.GatewayPaymentMeta)
	require.True(t, ok)
	assert.Equal(t, "gateway:order:o1", meta.OrderID, "order id kept from the reservation")
	assert.Equal(t, "pay_1", meta.PaymentID)

	assert.True(t, second.AlreadyProcessed())
	assert.Equal(t, int64(5000), f.balance(t, "u1"))
}

func TestPending_ReplayReturnsReservation(t *testing.T) {
	f := newFixture()
	first := f.reserve(t, "u1", 5000, "o1")
	second := f.reserve(t, "u1", 5000, "o1")

	assert.True(t, second.AlreadyProcessed())
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
}

func TestPending_AmountMismatchConflicts(t *testing.T) {
	f := newFixture()
	f.reserve(t, "u1", 5000, "o1")

	res := f.confirm(t, "u1", 4000, "o1", "pay_1")

	require.True(t, res.Rejected())
	assert.True(t, errors.Is(res.Err(), ledger.ErrIdempotencyConflict))
	assert.Equal(t, int64(0), f.balance(t, "u1"))
}

func TestFailPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.reserve(t, "u1", 5000, "o1")

	fail := func() ledger.Result {
		res, err := f.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
			return f.svc.FailPending(ctx, tx, "o1", "payment failed")
		})
		require.NoError(t, err)
		return res
	}

	first := fail()
	require.True(t, first.Created())
	assert.Equal(t, ledger.StatusFailed, first.Transaction.Status)
	assert.Contains(t, first.Transaction.Description, "payment failed")

	assert.True(t, fail().AlreadyProcessed())

	// A late capture cannot resurrect a FAILED key.
	late := f.confirm(t, "u1", 5000, "o1", "pay_1")
	require.True(t, late.Rejected())
	assert.True(t, errors.Is(late.Err(), ledger.ErrTransactionClosed))
	assert.Equal(t, int64(0), f.balance(t, "u1"))
}

func TestFailPending_SuccessCannotFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.credit(t, "u1", 100, "k1")

	res, err := f.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return f.svc.FailPending(ctx, tx, "k1", "")
	})
	require.NoError(t, err)
	require.True(t, res.Rejected())
	assert.True(t, errors.Is(res.Err(), ledger.ErrInvalidStateTransition))
}

func TestFailPending_UnknownKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	res, err := f.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return f.svc.FailPending(ctx, tx, "nope", "")
	})
	require.NoError(t, err)
	assert.True(t, ledger.IsNotFound(res.Err()))
}

func TestCreatePending_AdjustmentNotAllowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	res, err := f.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return f.svc.CreatePending(ctx, tx, "u1", 100, ledger.Entry{
			Type: ledger.TxAdjustment, Source: ledger.SourceAdmin, IdempotencyKey: "k",
			Meta: ledger.AdminMeta{AdminID: "a", Reason: "r"},
		})
	})
	require.NoError(t, err)
	assert.Equal(t, "ValidationError", ledger.Kind(res.Err()))
}

// =============================================================================
// ADMIN
// =============================================================================

func (f *fixture) adjust(t *testing.T, a ledger.Adjustment) ledger.Result {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return f.svc.Adjust(ctx, tx, a)
	})
	require.NoError(t, err)
	return res
}

func TestAdjust_CreditRecordsAdminTransaction(t *testing.T) {
	// GIVEN: A wallet with 700
	f := newFixture()
	f.credit(t, "u1", 700, "seed")

	// WHEN: An admin credits 100000 as a bonus
	res := f.adjust(t, ledger.Adjustment{
		AdminID: "admin-1", UserID: "u1", Direction: ledger.Credit, Amount: 100000, Reason: "bonus",
	})

	// THEN: Exactly 100000 more, one ADMIN adjustment, audited
	require.True(t, res.Created())
	assert.Equal(t, int64(100700), f.balance(t, "u1"))
	tx := res.Transaction
	assert.Equal(t, ledger.TxAdjustment, tx.Type)
	assert.Equal(t, ledger.SourceAdmin, tx.Source)
	assert.Equal(t, ledger.StatusSuccess, tx.Status)
	assert.Equal(t, ledger.AdminMeta{AdminID: "admin-1", Reason: "bonus"}, tx.Meta)

	entries, err := f.store.Query(context.Background(), audit.Filter{Subject: "u1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionWalletAdjusted, entries[0].Action)
	assert.Equal(t, "admin-1", entries[0].ActorID)
	assert.Equal(t, "bonus", entries[0].Details["reason"])
}

func TestAdjust_EachCallIsDistinct(t *testing.T) {
	f := newFixture()
	a := ledger.Adjustment{AdminID: "a", UserID: "u1", Direction: ledger.Credit, Amount: 50, Reason: "r"}

	f.adjust(t, a)
	f.adjust(t, a)

	assert.Equal(t, int64(100), f.balance(t, "u1"))
}

func TestAdjust_DebitCannotOverdraw(t *testing.T) {
	f := newFixture()
	f.credit(t, "u1", 100, "seed")

	res := f.adjust(t, ledger.Adjustment{AdminID: "a", UserID: "u1", Direction: ledger.Debit, Amount: 101, Reason: "fix"})

	assert.True(t, errors.Is(res.Err(), ledger.ErrInsufficientBalance))
}

func TestAdjust_RequiresReasonAndDirection(t *testing.T) {
	f := newFixture()

	noReason := f.adjust(t, ledger.Adjustment{AdminID: "a", UserID: "u1", Direction: ledger.Credit, Amount: 1})
	noDirection := f.adjust(t, ledger.Adjustment{AdminID: "a", UserID: "u1", Amount: 1, Reason: "r"})
	noAdmin := f.adjust(t, ledger.Adjustment{UserID: "u1", Direction: ledger.Credit, Amount: 1, Reason: "r"})

	assert.Equal(t, "ValidationError", ledger.Kind(noReason.Err()))
	assert.Equal(t, "ValidationError", ledger.Kind(noDirection.Err()))
	assert.Equal(t, "ValidationError", ledger.Kind(noAdmin.Err()))
}

func TestLockedWallet_RejectsMutations(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.credit(t, "u1", 1000, "seed")

	err := f.svc.Atomically(ctx, func(tx ledger.Tx) error {
		_, err := f.svc.SetStatus(ctx, tx, "a1", "u1", ledger.WalletLocked)
		return err
	})
	require.NoError(t, err)

	credit := f.credit(t, "u1", 10, "after-lock-1")
	debit := f.debit(t, "u1", 10, "after-lock-2")
	assert.True(t, errors.Is(credit.Err(), ledger.ErrWalletNotActive))
	assert.True(t, errors.Is(debit.Err(), ledger.ErrWalletNotActive))

	// Replays of settled keys still answer.
	assert.True(t, f.credit(t, "u1", 1000, "seed").AlreadyProcessed())

	err = f.svc.Atomically(ctx, func(tx ledger.Tx) error {
		_, err := f.svc.SetStatus(ctx, tx, "a1", "u1", ledger.WalletActive)
		return err
	})
	require.NoError(t, err)
	assert.True(t, f.credit(t, "u1", 10, "after-unlock").Created())
}

func TestSetStatus_RejectsUnknownStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	err := f.svc.Atomically(ctx, func(tx ledger.Tx) error {
		_, err := f.svc.SetStatus(ctx, tx, "a1", "u1", "FROZEN")
		return err
	})
	assert.True(t, errors.Is(err, ledger.ErrValidation))
}

func TestSetStatus_RequiresAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	err := f.svc.Atomically(ctx, func(tx ledger.Tx) error {
		_, err := f.svc.SetStatus(ctx, tx, " ", "u1", ledger.WalletLocked)
		return err
	})
	assert.Equal(t, "ValidationError", ledger.Kind(err))
	assert.True(t, f.credit(t, "u1", 10, "still-active").Created())
}

// =============================================================================
// HISTORY
// =============================================================================

func TestTransactions_Paging(t *testing.T) {
	// GIVEN: Five credits
	f := newFixture()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		f.credit(t, "u1", int64(i*100), fmt.Sprintf("k%d", i))
	}

	// WHEN: Paging two at a time
	var amounts []int64
	cursor := ""
	pages := 0
	for {
		page, err := f.svc.Transactions(ctx, "u1", ledger.Page{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		pages++
		for _, tx := range page.Items {
			amounts = append(amounts, tx.Amount)
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		cursor = page.NextCursor
	}

	// THEN: Newest first, nothing skipped or repeated
	assert.Equal(t, 3, pages)
	assert.Equal(t, []int64{500, 400, 300, 200, 100}, amounts)
}

func TestTransactions_PagingAcrossTimestampTies(t *testing.T) {
	// GIVEN: Four credits written in the same instant
	f := newFixture()
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f.svc.Now = func() time.Time { return at }
	for i := 1; i <= 4; i++ {
		f.credit(t, "u1", int64(i*100), fmt.Sprintf("tie%d", i))
	}

	// WHEN: Paging through a boundary that splits the tie
	seen := map[ledger.TransactionID]bool{}
	cursor := ""
	for {
		page, err := f.svc.Transactions(ctx, "u1", ledger.Page{Limit: 3, Cursor: cursor})
		require.NoError(t, err)
		for _, tx := range page.Items {
			assert.False(t, seen[tx.ID], "transaction %s returned twice", tx.ID)
			seen[tx.ID] = true
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	// THEN: Every row is returned once
	assert.Len(t, seen, 4)
}

func TestCursor_RoundTripAndBareTimestamp(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 5, time.UTC)
	ts, id, err := ledger.DecodeCursor(ledger.EncodeCursor(at, "tx-1"))
	require.NoError(t, err)
	assert.True(t, at.Equal(ts))
	assert.Equal(t, ledger.TransactionID("tx-1"), id)

	ts, id, err = ledger.DecodeCursor("2025-03-01T12:00:00Z")
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.Empty(t, id)
}

func TestTransactions_StatusFilter(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.credit(t, "u1", 100, "k1")
	f.reserve(t, "u1", 200, "o1")

	pending, err := f.svc.Transactions(ctx, "u1", ledger.Page{Status: ledger.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending.Items, 1)
	assert.Equal(t, int64(200), pending.Items[0].Amount)

	_, err = f.svc.Transactions(ctx, "u1", ledger.Page{Status: "DONE"})
	assert.True(t, errors.Is(err, ledger.ErrValidation))

	_, err = f.svc.Transactions(ctx, "u1", ledger.Page{Cursor: "yesterday"})
	assert.True(t, errors.Is(err, ledger.ErrValidation))
}

func TestTransactions_EmptyIsNotNil(t *testing.T) {
	f := newFixture()
	page, err := f.svc.Transactions(context.Background(), "nobody", ledger.Page{})
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
}

func TestBalance_CreatesWalletOnFirstAccess(t *testing.T) {
	f := newFixture()
	w, err := f.svc.Balance(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, ledger.WalletActive, w.Status)
	assert.Equal(t, "INR", w.Currency)
	assert.Equal(t, int64(0), w.Balance)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconcileAndRepair(t *testing.T) {
	// GIVEN: A wallet whose stored balance drifted from its log
	ctx := context.Background()
	f := newFixture()
	f.credit(t, "u1", 1000, "k1")
	f.debit(t, "u1", 300, "k2")
	f.credit(t, "u2", 50, "k3")
	require.NoError(t, f.svc.Atomically(ctx, func(tx ledger.Tx) error {
		_, err := tx.SetBalance(ctx, "u1", 999)
		return err
	}))

	// WHEN: Reconciling
	d, err := f.svc.Reconcile(ctx, "u1")
	require.NoError(t, err)
	drifted, err := f.svc.ReconcileAll(ctx)
	require.NoError(t, err)

	// THEN: Drift is reported for u1 only
	assert.Equal(t, int64(999), d.Stored)
	assert.Equal(t, int64(700), d.Derived)
	assert.Equal(t, int64(299), d.Difference)
	require.Len(t, drifted, 1)
	assert.Equal(t, ledger.UserID("u1"), drifted[0].UserID)

	// WHEN: Repairing
	var repaired ledger.Drift
	require.NoError(t, f.svc.Atomically(ctx, func(tx ledger.Tx) error {
		var err error
		repaired, err = f.svc.Repair(ctx, tx, "admin-1", "u1")
		return err
	}))

	// THEN: The projection matches the log again
	assert.Equal(t, int64(299), repaired.Difference)
	assert.Equal(t, int64(700), f.balance(t, "u1"))
	after, err := f.svc.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, after.InSync())
}

func TestReconcile_UnknownWallet(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Reconcile(context.Background(), "ghost")
	assert.True(t, ledger.IsNotFound(err))
}

func TestReportDrift_Audits(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	f.svc.ReportDrift(ctx, []ledger.Drift{{UserID: "u9", Stored: 10, Derived: 5, Difference: 5}})

	entries, err := f.store.Query(ctx, audit.Filter{Actions: []audit.Action{audit.ActionDriftDetected}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u9", entries[0].Subject)
	assert.Equal(t, "system", entries[0].ActorID)
}

func TestExpireStale(t *testing.T) {
	// GIVEN: One old and one fresh reservation
	ctx := context.Background()
	f := newFixture()
	f.reserve(t, "u1", 100, "old")
	f.clock.Advance(25 * time.Hour)
	f.reserve(t, "u1", 200, "fresh")

	// WHEN: Expiring with a 24h TTL
	n, err := f.svc.ExpireStale(ctx, 24*time.Hour)
	require.NoError(t, err)

	// THEN: Only the old one is failed
	assert.Equal(t, 1, n)
	old, err := f.store.TransactionByKey(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, old.Status)
	fresh, err := f.store.TransactionByKey(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, fresh.Status)
}

// =============================================================================
// DISPLAY
// =============================================================================

func TestFormatMinor(t *testing.T) {
	assert.Equal(t, "100.50", ledger.FormatMinor(10050, "INR"))
	assert.Equal(t, "0.05", ledger.FormatMinor(5, "USD"))
	assert.Equal(t, "1500", ledger.FormatMinor(1500, "JPY"))
	assert.Equal(t, "1.234", ledger.FormatMinor(1234, "KWD"))
}
