// Package storetest is the behaviour every store backend must share.
//
// Backends call Run from their own tests. Identifiers are prefixed per run
// so the suite can execute against a long-lived database.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/audit"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/topup"
	"github.com/warp/wallet-ledger/withdrawal"
)

// Store is the union of the persistence interfaces a backend implements.
type Store interface {
	ledger.Store
	withdrawal.Store
	topup.Inbox
	audit.Log
}

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

type suite struct {
	store  Store
	svc    *ledger.Service
	clock  *clock
	prefix string
}

func (s *suite) id(name string) string { return s.prefix + name }

func (s *suite) user(name string) ledger.UserID { return ledger.UserID(s.id(name)) }

func (s *suite) entry(key string) ledger.Entry {
	return ledger.Entry{
		Type:           ledger.TxTopUp,
		Source:         ledger.SourceSystem,
		IdempotencyKey: s.id(key),
		Meta:           ledger.SystemMeta{Note: "storetest"},
	}
}

func (s *suite) credit(t *testing.T, user ledger.UserID, amount int64, key string) ledger.Result {
	t.Helper()
	ctx := context.Background()
	res, err := s.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return s.svc.Credit(ctx, tx, user, amount, s.entry(key))
	})
	require.NoError(t, err)
	return res
}

func (s *suite) debit(t *testing.T, user ledger.UserID, amount int64, key string) ledger.Result {
	t.Helper()
	ctx := context.Background()
	e := s.entry(key)
	e.Type = ledger.TxDebit
	res, err := s.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return s.svc.Debit(ctx, tx, user, amount, e)
	})
	require.NoError(t, err)
	return res
}

func (s *suite) balance(t *testing.T, user ledger.UserID) int64 {
	t.Helper()
	w, err := s.store.Wallet(context.Background(), user)
	require.NoError(t, err)
	require.NotNil(t, w)
	return w.Balance
}

// Run exercises newStore against the shared behaviour. newStore is called
// once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	setup := func(t *testing.T) *suite {
		st := newStore(t)
		c := &clock{t: time.Now().UTC().Truncate(time.Millisecond)}
		svc := ledger.NewService(st, "INR")
		svc.Audit = st
		svc.Now = c.Now
		return &suite{store: st, svc: svc, clock: c, prefix: uuid.NewString()[:8] + "-"}
	}

	t.Run("wallet is created on first access", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()

		w, err := s.store.Wallet(ctx, s.user("nobody"))
		require.NoError(t, err)
		assert.Nil(t, w)

		var created ledger.Wallet
		require.NoError(t, s.store.WithTx(ctx, func(tx ledger.Tx) error {
			var err error
			created, err = tx.EnsureWallet(ctx, s.user("u1"), "INR")
			if err != nil {
				return err
			}
			again, err := tx.EnsureWallet(ctx, s.user("u1"), "INR")
			if err != nil {
				return err
			}
			assert.Equal(t, created.ID, again.ID)
			return nil
		}))
		assert.Equal(t, ledger.WalletActive, created.Status)
		assert.Equal(t, int64(0), created.Balance)
		assert.Equal(t, "INR", created.Currency)

		users, err := s.store.WalletUsers(ctx)
		require.NoError(t, err)
		assert.Contains(t, users, s.user("u1"))
	})

	t.Run("conditional balance updates", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()
		u := s.user("u1")
		s.credit(t, u, 5000, "seed")

		err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
			_, err := tx.DecrementBalance(ctx, u, 5001)
			return err
		})
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		assert.Equal(t, int64(5000), s.balance(t, u))

		require.NoError(t, s.store.WithTx(ctx, func(tx ledger.Tx) error {
			_, err := tx.SetStatus(ctx, u, ledger.WalletLocked)
			return err
		}))
		err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
			_, err := tx.IncrementBalance(ctx, u, 1)
			return err
		})
		assert.ErrorIs(t, err, ledger.ErrWalletNotActive)
		err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
			_, err := tx.DecrementBalance(ctx, u, 1)
			return err
		})
		assert.Error(t, err)
		assert.Equal(t, int64(5000), s.balance(t, u))
	})

	t.Run("failed transaction rolls back", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()
		u := s.user("u1")
		s.credit(t, u, 1000, "seed")

		boom := errors.New("boom")
		err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
			if _, err := tx.IncrementBalance(ctx, u, 500); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int64(1000), s.balance(t, u))
	})

	t.Run("idempotency key is unique", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()
		u := s.user("u1")
		first := s.credit(t, u, 700, "k1")
		require.True(t, first.Created())

		dup := first.Transaction
		dup.ID = ledger.TransactionID(uuid.NewString())
		err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
			return tx.InsertTransaction(ctx, dup)
		})
		assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

		replay := s.credit(t, u, 700, "k1")
		assert.True(t, replay.AlreadyProcessed())
		assert.Equal(t, first.Transaction.ID, replay.Transaction.ID)
		assert.Equal(t, int64(700), s.balance(t, u))
	})

	t.Run("transaction round trip", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()
		u := s.user("u1")
		res := s.credit(t, u, 1234, "rt")

		got, err := s.store.TransactionByKey(ctx, s.id("rt"))
		require.NoError(t, err)
		require.NotNil(t, got)
		want := res.Transaction
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.WalletID, got.WalletID)
		assert.Equal(t, ledger.TxTopUp, got.Type)
		assert.Equal(t, ledger.Credit, got.Direction)
		assert.Equal(t, int64(1234), got.Amount)
		assert.Equal(t, int64(0), got.BalanceBefore)
		assert.Equal(t, int64(1234), got.BalanceAfter)
		assert.Equal(t, ledger.StatusSuccess, got.Status)
		assert.Equal(t, ledger.SystemMeta{Note: "storetest"}, got.Meta)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", want.CreatedAt, got.CreatedAt)
		require.NotNil(t, got.CompletedAt)

		missing, err := s.store.TransactionByKey(ctx, s.id("missing"))
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("pending completes once", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()
		u := s.user("u1")
		e := ledger.Entry{
			Type:           ledger.TxTopUp,
			Source:         ledger.SourceGateway,
			ReferenceType:  ledger.RefTopUpOrder,
			ReferenceID:    s.id("order"),
			IdempotencyKey: s.id("pending"),
			Meta:           ledger.GatewayPaymentMeta{OrderID: s.id("order")},
		}
		pending, err := s.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
			return s.svc.CreatePending(ctx, tx, u, 900, e)
		})
		require.NoError(t, err)
		require.True(t, pending.Created())
		assert.Equal(t, ledger.StatusPending, pending.Transaction.Status)

		stale, err := s.store.StalePending(ctx, s.clock.Now().Add(time.Hour), 1000)
		require.NoError(t, err)
		assert.True(t, containsTx(stale, pending.Transaction.ID))

		done, err := s.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
			return s.svc.Credit(ctx, tx, u, 900, e)
		})
		require.NoError(t, err)
		require.True(t, done.Created())
		assert.Equal(t, pending.Transaction.ID, done.Transaction.ID)
		assert.Equal(t, int64(900), s.balance(t, u))

		// A second completion of the same row is refused by the store.
		again := done.Transaction
		again.Status = ledger.StatusFailed
		err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
			return tx.CompleteTransaction(ctx, again)
		})
		assert.ErrorIs(t, err, ledger.ErrTransactionClosed)

		stale, err = s.store.StalePending(ctx, s.clock.Now().Add(time.Hour), 1000)
		require.NoError(t, err)
		assert.False(t, containsTx(stale, pending.Transaction.ID))
	})

	t.Run("concurrent debits never overdraw", func(t *testing.T) {
		s := setup(t)
		u := s.user("u1")
		s.credit(t, u, 5000, "seed")

		var wg sync.WaitGroup
		results := make([]ledger.Result, 10)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ctx := context.Background()
				e := s.entry(fmt.Sprintf("debit-%d", i))
				e.Type = ledger.TxDebit
				res, err := s.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
					return s.svc.Debit(ctx, tx, u, 1000, e)
				})
				assert.NoError(t, err)
				results[i] = res
			}(i)
		}
		wg.Wait()

		created := 0
		for _, r := range results {
			if r.Created() {
				created++
			} else {
				assert.ErrorIs(t, r.Err(), ledger.ErrInsufficientBalance)
			}
		}
		assert.Equal(t, 5, created)
		assert.Equal(t, int64(0), s.balance(t, u))

		d, err := s.svc.Reconcile(context.Background(), u)
		require.NoError(t, err)
		assert.True(t, d.InSync())
	})

	t.Run("concurrent same-key credits apply once", func(t *testing.T) {
		s := setup(t)
		u := s.user("u1")

		var wg sync.WaitGroup
		results := make([]ledger.Result, 20)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ctx := context.Background()
				res, err := s.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
					return s.svc.Credit(ctx, tx, u, 10000, s.entry("same"))
				})
				assert.NoError(t, err)
				results[i] = res
			}(i)
		}
		wg.Wait()

		created, replayed := countOutcomes(results)
		assert.Equal(t, 1, created)
		assert.Equal(t, len(results)-1, replayed)
		assert.Equal(t, int64(10000), s.balance(t, u))

		d, err := s.svc.Reconcile(context.Background(), u)
		require.NoError(t, err)
		assert.True(t, d.InSync())
	})

	t.Run("concurrent pending completions credit once", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()
		u := s.user("u1")
		e := ledger.Entry{
			Type:           ledger.TxTopUp,
			Source:         ledger.SourceGateway,
			ReferenceType:  ledger.RefTopUpOrder,
			ReferenceID:    s.id("order"),
			IdempotencyKey: s.id("pending"),
			Meta:           ledger.GatewayPaymentMeta{OrderID: s.id("order")},
		}
		pending, err := s.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
			return s.svc.CreatePending(ctx, tx, u, 700, e)
		})
		require.NoError(t, err)
		require.True(t, pending.Created())

		var wg sync.WaitGroup
		results := make([]ledger.Result, 10)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := s.svc.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
					return s.svc.Credit(ctx, tx, u, 700, e)
				})
				assert.NoError(t, err)
				results[i] = res
			}(i)
		}
		wg.Wait()

		created, replayed := countOutcomes(results)
		assert.Equal(t, 1, created)
		assert.Equal(t, len(results)-1, replayed)
		for _, r := range results {
			assert.Equal(t, pending.Transaction.ID, r.Transaction.ID)
		}
		assert.Equal(t, int64(700), s.balance(t, u))
	})

	t.Run("history pages and totals", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()
		u := s.user("u1")
		for i := 0; i < 4; i++ {
			s.credit(t, u, 100, fmt.Sprintf("c%d", i))
		}
		s.debit(t, u, 150, "d0")

		all, err := s.store.Transactions(ctx, u, ledger.Query{Limit: 10})
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i := 1; i < len(all); i++ {
			assert.True(t, all[i-1].CreatedAt.After(all[i].CreatedAt), "newest first")
		}
		assert.Equal(t, ledger.Debit, all[0].Direction)

		before := all[1].CreatedAt
		older, err := s.store.Transactions(ctx, u, ledger.Query{Before: &before, Limit: 10})
		require.NoError(t, err)
		assert.Len(t, older, 3)

		failed, err := s.store.Transactions(ctx, u, ledger.Query{Status: ledger.StatusFailed, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, failed)

		totals, err := s.store.SettledTotals(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, ledger.Totals{Credits: 400, Debits: 150}, totals)
		assert.Equal(t, int64(250), s.balance(t, u))
	})

	t.Run("history pages across timestamp ties", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()
		u := s.user("u1")
		at := s.clock.Now()
		s.svc.Now = func() time.Time { return at }
		for i := 0; i < 5; i++ {
			s.credit(t, u, 100, fmt.Sprintf("tie%d", i))
		}

		seen := map[ledger.TransactionID]bool{}
		cursor := ""
		for {
			page, err := s.svc.Transactions(ctx, u, ledger.Page{Limit: 2, Cursor: cursor})
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
		assert.Len(t, seen, 5)
	})

	t.Run("withdrawal requests", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()
		m := s.user("m1")
		dest := withdrawal.Destination{Method: withdrawal.MethodUPI, UPIID: "shop@okbank"}

		var ids []withdrawal.RequestID
		require.NoError(t, s.store.WithWithdrawalTx(ctx, func(tx withdrawal.Tx) error {
			for i := 0; i < 3; i++ {
				r := withdrawal.Request{
					ID:                   withdrawal.RequestID(uuid.NewString()),
					MerchantID:           m,
					Amount:               int64(1000 * (i + 1)),
					Destination:          dest,
					Status:               withdrawal.StatusPending,
					RequestedAt:          s.clock.Now(),
					BalanceBeforeRequest: 10000,
				}
				if err := tx.InsertRequest(ctx, r); err != nil {
					return err
				}
				ids = append(ids, r.ID)
			}
			return nil
		}))

		got, err := s.store.Request(ctx, ids[0])
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, dest, got.Destination)
		assert.Equal(t, int64(1000), got.Amount)
		assert.Equal(t, int64(10000), got.BalanceBeforeRequest)
		assert.Nil(t, got.ReviewedAt)

		missing, err := s.store.Request(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, missing)

		mine, err := s.store.RequestsByMerchant(ctx, m)
		require.NoError(t, err)
		require.Len(t, mine, 3)
		assert.Equal(t, ids[2], mine[0].ID, "merchant view is newest first")

		// Reject the first one; a stale writer expecting PENDING loses.
		require.NoError(t, s.store.WithWithdrawalTx(ctx, func(tx withdrawal.Tx) error {
			r, err := tx.RequestForUpdate(ctx, ids[0])
			if err != nil {
				return err
			}
			now := s.clock.Now()
			r.Status = withdrawal.StatusRejected
			r.ReviewedAt = &now
			r.ReviewedBy = "a1"
			r.RejectionReason = "kyc"
			return tx.UpdateRequest(ctx, *r, withdrawal.StatusPending)
		}))
		err = s.store.WithWithdrawalTx(ctx, func(tx withdrawal.Tx) error {
			r := *got
			r.Status = withdrawal.StatusApproved
			return tx.UpdateRequest(ctx, r, withdrawal.StatusPending)
		})
		assert.ErrorIs(t, err, ledger.ErrInvalidStateTransition)

		rejected, err := s.store.Request(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, withdrawal.StatusRejected, rejected.Status)
		assert.Equal(t, "kyc", rejected.RejectionReason)
		require.NotNil(t, rejected.ReviewedAt)

		var outstanding int64
		require.NoError(t, s.store.WithWithdrawalTx(ctx, func(tx withdrawal.Tx) error {
			var err error
			outstanding, err = tx.OutstandingTotal(ctx, m)
			return err
		}))
		assert.Equal(t, int64(5000), outstanding)

		queue, err := s.store.RequestsByStatus(ctx, withdrawal.StatusPending)
		require.NoError(t, err)
		var ours []withdrawal.RequestID
		for _, r := range queue {
			if r.MerchantID == m {
				ours = append(ours, r.ID)
			}
		}
		assert.Equal(t, []withdrawal.RequestID{ids[1], ids[2]}, ours, "review queue is oldest first")
	})

	t.Run("webhook inbox", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()
		now := s.clock.Now()
		w := topup.FailedWebhook{
			ID:            uuid.NewString(),
			EventID:       s.id("payment.captured:pay_1"),
			EventType:     "payment.captured",
			OrderID:       s.id("order_1"),
			Payload:       []byte(`{"event":"payment.captured"}`),
			Status:        topup.InboxRetrying,
			Attempts:      1,
			LastError:     "not captured",
			NextAttemptAt: now.Add(time.Minute),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		require.NoError(t, s.store.EnqueueWebhook(ctx, w))

		dup := w
		dup.ID = uuid.NewString()
		require.NoError(t, s.store.EnqueueWebhook(ctx, dup))
		missing, err := s.store.Webhook(ctx, dup.ID)
		require.NoError(t, err)
		assert.Nil(t, missing, "a queued event is not enqueued twice")

		due, err := s.store.DueWebhooks(ctx, now, 1000)
		require.NoError(t, err)
		assert.False(t, containsWebhook(due, w.ID), "not due before its backoff")
		due, err = s.store.DueWebhooks(ctx, now.Add(time.Minute), 1000)
		require.NoError(t, err)
		assert.True(t, containsWebhook(due, w.ID))

		w.Status = topup.InboxDone
		w.Attempts = 2
		w.LastError = ""
		require.NoError(t, s.store.UpdateWebhook(ctx, w))

		got, err := s.store.Webhook(ctx, w.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, topup.InboxDone, got.Status)
		assert.Equal(t, 2, got.Attempts)
		assert.JSONEq(t, string(w.Payload), string(got.Payload))

		done, err := s.store.Webhooks(ctx, topup.InboxDone, 1000)
		require.NoError(t, err)
		assert.True(t, containsWebhook(done, w.ID))
		retrying, err := s.store.Webhooks(ctx, topup.InboxRetrying, 1000)
		require.NoError(t, err)
		assert.False(t, containsWebhook(retrying, w.ID))
	})

	t.Run("audit log", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()
		subject := s.id("u1")
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i, a := range []audit.Action{audit.ActionWalletLocked, audit.ActionWalletUnlocked, audit.ActionWalletAdjusted} {
			require.NoError(t, s.store.Append(ctx, audit.Entry{
				At:      base.Add(time.Duration(i) * time.Second),
				ActorID: s.id("a1"),
				Action:  a,
				Subject: subject,
				Details: map[string]string{"n": fmt.Sprint(i)},
			}))
		}

		all, err := s.store.Query(ctx, audit.Filter{Subject: subject})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, audit.ActionWalletAdjusted, all[0].Action, "newest first")
		assert.NotEmpty(t, all[0].ID)
		assert.Equal(t, "2", all[0].Details["n"])

		locks, err := s.store.Query(ctx, audit.Filter{
			Subject: subject,
			Actions: []audit.Action{audit.ActionWalletLocked, audit.ActionWalletUnlocked},
		})
		require.NoError(t, err)
		assert.Len(t, locks, 2)

		limited, err := s.store.Query(ctx, audit.Filter{ActorID: s.id("a1"), Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		none, err := s.store.Query(ctx, audit.Filter{ActorID: s.id("nobody")})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func countOutcomes(rs []ledger.Result) (created, replayed int) {
	for _, r := range rs {
		switch {
		case r.Created():
			created++
		case r.AlreadyProcessed():
			replayed++
		}
	}
	return created, replayed
}

func containsTx(ts []ledger.Transaction, id ledger.TransactionID) bool {
	for _, t := range ts {
		if t.ID == id {
			return true
		}
	}
	return false
}

func containsWebhook(ws []topup.FailedWebhook, id string) bool {
	for _, w := range ws {
		if w.ID == id {
			return true
		}
	}
	return false
}
