package withdrawal_test

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
	"github.com/warp/wallet-ledger/withdrawal"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type fixture struct {
	wf     *withdrawal.Workflow
	ledger *ledger.Service
	store  *memory.Memory
	events *events.Memory
}

var upi = withdrawal.Destination{Method: withdrawal.MethodUPI, UPIID: "shop@okbank"}

func newFixture() *fixture {
	store := memory.New()
	ev := &events.Memory{}
	c := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}

	l := ledger.NewService(store, "INR")
	l.Events = ev
	l.Audit = store
	l.Now = c.Now

	wf := withdrawal.NewWorkflow(store, l, 0)
	wf.Events = ev
	wf.Now = c.Now
	return &fixture{wf: wf, ledger: l, store: store, events: ev}
}

func (f *fixture) fund(t *testing.T, merchant ledger.UserID, amount int64) {
	t.Helper()
	ctx := context.Background()
	res, err := f.ledger.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return f.ledger.Credit(ctx, tx, merchant, amount, ledger.Entry{
			Type:           ledger.TxTopUp,
			Source:         ledger.SourceSystem,
			IdempotencyKey: fmt.Sprintf("fund:%s:%d:%d", merchant, amount, time.Now().UnixNano()),
			Meta:           ledger.SystemMeta{Note: "seed"},
		})
	})
	require.NoError(t, err)
	require.True(t, res.Created())
}

func (f *fixture) spend(t *testing.T, merchant ledger.UserID, amount int64, key string) {
	t.Helper()
	ctx := context.Background()
	res, err := f.ledger.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return f.ledger.Debit(ctx, tx, merchant, amount, ledger.Entry{
			Type:           ledger.TxDebit,
			Source:         ledger.SourceOrder,
			IdempotencyKey: key,
			Meta:           ledger.OrderMeta{OrderID: key},
		})
	})
	require.NoError(t, err)
	require.True(t, res.Created())
}

func (f *fixture) balance(t *testing.T, merchant ledger.UserID) int64 {
	t.Helper()
	w, err := f.ledger.Balance(context.Background(), merchant)
	require.NoError(t, err)
	return w.Balance
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_HoldsButDoesNotDebit(t *testing.T) {
	// GIVEN: A merchant with 50000
	ctx := context.Background()
	f := newFixture()
	f.fund(t, "m1", 50000)

	// WHEN: Requesting 20000
	req, err := f.wf.Create(ctx, "m1", 20000, upi)
	require.NoError(t, err)

	// THEN: PENDING, balance untouched, available reduced
	assert.Equal(t, withdrawal.StatusPending, req.Status)
	assert.Equal(t, int64(50000), req.BalanceBeforeRequest)
	assert.Equal(t, int64(50000), f.balance(t, "m1"))
	available, err := f.wf.Available(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(30000), available)
	assert.Contains(t, f.events.Types(), events.WithdrawalRequested)
}

func TestCreate_ExceedsBalance(t *testing.T) {
	// GIVEN: A merchant with 15000
	ctx := context.Background()
	f := newFixture()
	f.fund(t, "m1", 15000)

	// WHEN: Requesting 20000
	_, err := f.wf.Create(ctx, "m1", 20000, upi)

	// THEN: Rejected, no request filed
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrInsufficientBalance))
	list, err := f.wf.List(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreate_OutstandingRequestsCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.fund(t, "m1", 30000)

	_, err := f.wf.Create(ctx, "m1", 20000, upi)
	require.NoError(t, err)
	_, err = f.wf.Create(ctx, "m1", 20000, upi)

	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.Equal(t, int64(10000), ib.Available)
}

func TestCreate_ConcurrentRequestsCannotOversubscribe(t *testing.T) {
	// GIVEN: 30000, two racing requests of 20000
	ctx := context.Background()
	f := newFixture()
	f.fund(t, "m1", 30000)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.wf.Create(ctx, "m1", 20000, upi)
		}(i)
	}
	wg.Wait()

	// THEN: One is filed
	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			assert.True(t, errors.Is(err, ledger.ErrInsufficientBalance))
		}
	}
	assert.Equal(t, 1, failures)
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.fund(t, "m1", 1_000_000)

	tests := []struct {
		name   string
		amount int64
		dest   withdrawal.Destination
		field  string
	}{
		{"zero", 0, upi, "amountMinorUnits"},
		{"below minimum", withdrawal.DefaultMinAmount - 1, upi, "amountMinorUnits"},
		{"bad upi", 20000, withdrawal.Destination{Method: withdrawal.MethodUPI, UPIID: "nope"}, "payoutDestination.upiId"},
		{"no method", 20000, withdrawal.Destination{}, "payoutDestination.method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.wf.Create(ctx, "m1", tt.amount, tt.dest)
			var ve *ledger.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCreate_LockedWallet(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.fund(t, "m1", 50000)
	require.NoError(t, f.ledger.Atomically(ctx, func(tx ledger.Tx) error {
		_, err := f.ledger.SetStatus(ctx, tx, "a1", "m1", ledger.WalletLocked)
		return err
	}))

	_, err := f.wf.Create(ctx, "m1", 20000, upi)
	assert.True(t, errors.Is(err, ledger.ErrWalletNotActive))
}

// =============================================================================
// REVIEW
// =============================================================================

func TestApprove_DebitsOnce(t *testing.T) {
	// GIVEN: A PENDING request for 20000 against 50000
	ctx := context.Background()
	f := newFixture()
	f.fund(t, "m1", 50000)
	req, err := f.wf.Create(ctx, "m1", 20000, upi)
	require.NoError(t, err)

	// WHEN: An admin approves
	approved, err := f.wf.Approve(ctx, req.ID, "admin-1")
	require.NoError(t, err)

	// THEN: APPROVED, debited by a WITHDRAWAL linked to the request
	assert.Equal(t, withdrawal.StatusApproved, approved.Status)
	assert.Equal(t, "admin-1", approved.ReviewedBy)
	require.NotNil(t, approved.ReviewedAt)
	assert.Equal(t, int64(30000), f.balance(t, "m1"))

	tx, err := f.store.TransactionByKey(ctx, "withdrawal:"+string(req.ID))
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, approved.LinkedTransactionID, tx.ID)
	assert.Equal(t, ledger.TxWithdrawal, tx.Type)
	assert.Equal(t, ledger.SourceSystem, tx.Source)
	assert.Equal(t, string(req.ID), tx.ReferenceID)

	// Available is unchanged by approval: the hold became a debit.
	available, err := f.wf.Available(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(30000), available)

	// WHEN: Approved again
	_, err = f.wf.Approve(ctx, req.ID, "admin-1")

	// THEN: Invalid transition, no second debit
	assert.True(t, errors.Is(err, ledger.ErrInvalidStateTransition))
	assert.Equal(t, int64(30000), f.balance(t, "m1"))

	entries, err := f.store.Query(ctx, audit.Filter{Actions: []audit.Action{audit.ActionWithdrawalApproved}})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestApprove_InsufficientBalanceLeavesPending(t *testing.T) {
	// GIVEN: A request filed, then the balance spent elsewhere
	ctx := context.Background()
	f := newFixture()
	f.fund(t, "m1", 25000)
	req, err := f.wf.Create(ctx, "m1", 20000, upi)
	require.NoError(t, err)
	f.spend(t, "m1", 10000, "order-1")

	// WHEN: Approving
	_, err = f.wf.Approve(ctx, req.ID, "admin-1")

	// THEN: Rejected by the ledger, request still PENDING, nothing debited
	assert.True(t, errors.Is(err, ledger.ErrInsufficientBalance))
	got, err := f.wf.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusPending, got.Status)
	assert.Empty(t, got.LinkedTransactionID)
	assert.Equal(t, int64(15000), f.balance(t, "m1"))

	// The admin can still reject it.
	rejected, err := f.wf.Reject(ctx, req.ID, "admin-1", "insufficient funds at review")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusRejected, rejected.Status)
}

func TestReject_ReleasesHold(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.fund(t, "m1", 50000)
	req, err := f.wf.Create(ctx, "m1", 20000, upi)
	require.NoError(t, err)

	_, err = f.wf.Reject(ctx, req.ID, "admin-1", "")
	assert.True(t, errors.Is(err, ledger.ErrValidation), "a reason is required")

	rejected, err := f.wf.Reject(ctx, req.ID, "admin-1", "suspicious")
	require.NoError(t, err)
	assert.Equal(t, "suspicious", rejected.RejectionReason)
	assert.Equal(t, int64(50000), f.balance(t, "m1"))

	available, err := f.wf.Available(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), available)

	_, err = f.wf.Approve(ctx, req.ID, "admin-1")
	assert.True(t, errors.Is(err, ledger.ErrInvalidStateTransition))
}

func TestMarkPaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.fund(t, "m1", 50000)
	req, err := f.wf.Create(ctx, "m1", 20000, upi)
	require.NoError(t, err)

	// Only APPROVED requests can be paid.
	_, err = f.wf.MarkPaid(ctx, req.ID, "admin-1", "UTR123")
	assert.True(t, errors.Is(err, ledger.ErrInvalidStateTransition))

	_, err = f.wf.Approve(ctx, req.ID, "admin-1")
	require.NoError(t, err)

	_, err = f.wf.MarkPaid(ctx, req.ID, "admin-1", "  ")
	assert.True(t, errors.Is(err, ledger.ErrValidation))

	paid, err := f.wf.MarkPaid(ctx, req.ID, "admin-2", "UTR123")
	require.NoError(t, err)
	assert.Equal(t, withdrawal.StatusPaid, paid.Status)
	assert.Equal(t, "UTR123", paid.PayoutReference)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, "admin-1", paid.ReviewedBy, "the approver stays the reviewer")
	assert.Equal(t, int64(30000), f.balance(t, "m1"), "paying moves no ledger money")

	_, err = f.wf.MarkPaid(ctx, req.ID, "admin-2", "UTR124")
	assert.True(t, errors.Is(err, ledger.ErrInvalidStateTransition))
}

func TestTransition_UnknownRequest(t *testing.T) {
	f := newFixture()
	_, err := f.wf.Approve(context.Background(), "missing", "admin-1")
	assert.True(t, ledger.IsNotFound(err))
}

func TestTransition_RequiresAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.fund(t, "m1", 50000)
	req, err := f.wf.Create(ctx, "m1", 20000, upi)
	require.NoError(t, err)

	_, err = f.wf.Approve(ctx, req.ID, "")
	assert.True(t, errors.Is(err, ledger.ErrValidation))
}

// =============================================================================
// QUERIES
// =============================================================================

func TestListings(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.fund(t, "m1", 100000)
	f.fund(t, "m2", 100000)

	first, err := f.wf.Create(ctx, "m1", 10000, upi)
	require.NoError(t, err)
	second, err := f.wf.Create(ctx, "m1", 11000, upi)
	require.NoError(t, err)
	other, err := f.wf.Create(ctx, "m2", 12000, upi)
	require.NoError(t, err)
	_, err = f.wf.Reject(ctx, second.ID, "admin-1", "duplicate")
	require.NoError(t, err)

	mine, err := f.wf.List(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID, "merchant view is newest first")

	queue, err := f.wf.ListByStatus(ctx, withdrawal.StatusPending)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, first.ID, queue[0].ID, "review queue is oldest first")
	assert.Equal(t, other.ID, queue[1].ID)

	_, err = f.wf.ListByStatus(ctx, "LOST")
	assert.True(t, errors.Is(err, ledger.ErrValidation))
}

func TestCanMove(t *testing.T) {
	assert.True(t, withdrawal.CanMove(withdrawal.StatusPending, withdrawal.StatusApproved))
	assert.True(t, withdrawal.CanMove(withdrawal.StatusPending, withdrawal.StatusRejected))
	assert.True(t, withdrawal.CanMove(withdrawal.StatusApproved, withdrawal.StatusPaid))
	assert.False(t, withdrawal.CanMove(withdrawal.StatusPending, withdrawal.StatusPaid))
	assert.False(t, withdrawal.CanMove(withdrawal.StatusApproved, withdrawal.StatusRejected))
	assert.False(t, withdrawal.CanMove(withdrawal.StatusRejected, withdrawal.StatusPending))
	assert.False(t, withdrawal.CanMove(withdrawal.StatusPaid, withdrawal.StatusApproved))
}
