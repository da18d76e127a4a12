// Package memory provides an in-memory Store for tests and local runs.
//
// WithTx works on a copy of the state and swaps it in on success, so a
// failing fn leaves nothing behind. Transactions are fully serialized.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/wallet-ledger/audit"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/topup"
	"github.com/warp/wallet-ledger/withdrawal"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type state struct {
	wallets  map[ledger.UserID]ledger.Wallet
	txs      map[ledger.TransactionID]ledger.Transaction
	byKey    map[string]ledger.TransactionID
	requests map[withdrawal.RequestID]withdrawal.Request
	seq      int
}

func newState() *state {
	return &state{
		wallets:  make(map[ledger.UserID]ledger.Wallet),
		txs:      make(map[ledger.TransactionID]ledger.Transaction),
		byKey:    make(map[string]ledger.TransactionID),
		requests: make(map[withdrawal.RequestID]withdrawal.Request),
	}
}

func (s *state) clone() *state {
	c := &state{
		wallets:  make(map[ledger.UserID]ledger.Wallet, len(s.wallets)),
		txs:      make(map[ledger.TransactionID]ledger.Transaction, len(s.txs)),
		byKey:    make(map[string]ledger.TransactionID, len(s.byKey)),
		requests: make(map[withdrawal.RequestID]withdrawal.Request, len(s.requests)),
		seq:      s.seq,
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.txs {
		c.txs[k] = v
	}
	for k, v := range s.byKey {
		c.byKey[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	return c
}

type Memory struct {
	mu sync.Mutex
	st *state

	auxMu   sync.Mutex
	inbox   map[string]topup.FailedWebhook
	entries []audit.Entry
}

func New() *Memory {
	return &Memory{
		st:    newState(),
		inbox: make(map[string]topup.FailedWebhook),
	}
}

// WithTx runs fn against a private copy and commits it if fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return m.WithWithdrawalTx(ctx, func(tx withdrawal.Tx) error { return fn(tx) })
}

func (m *Memory) WithWithdrawalTx(ctx context.Context, fn func(tx withdrawal.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.st.clone()
	if err := fn(&txView{st: work}); err != nil {
		return err
	}
	m.st = work
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) Wallet(_ context.Context, userID ledger.UserID) (*ledger.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.st.wallets[userID]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (m *Memory) TransactionByKey(_ context.Context, key string) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&txView{st: m.st}).byKey(key), nil
}

func (m *Memory) Transactions(_ context.Context, userID ledger.UserID, q ledger.Query) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ledger.Transaction
	for _, t := range m.st.txs {
		if t.UserID != userID {
			continue
		}
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		if !q.Older(t) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) SettledTotals(_ context.Context, userID ledger.UserID) (ledger.Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return totals(m.st, userID), nil
}

func (m *Memory) WalletUsers(_ context.Context) ([]ledger.UserID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]ledger.UserID, 0, len(m.st.wallets))
	for u := range m.st.wallets {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

func (m *Memory) StalePending(_ context.Context, cutoff time.Time, limit int) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Transaction
	for _, t := range m.st.txs {
		if t.Status == ledger.StatusPending && t.CreatedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Request(_ context.Context, id withdrawal.RequestID) (*withdrawal.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.st.requests[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) RequestsByMerchant(_ context.Context, merchantID ledger.UserID) ([]withdrawal.Request, error) {
	return m.requestsWhere(func(r withdrawal.Request) bool { return r.MerchantID == merchantID }, true), nil
}

func (m *Memory) RequestsByStatus(_ context.Context, status withdrawal.Status) ([]withdrawal.Request, error) {
	return m.requestsWhere(func(r withdrawal.Request) bool { return r.Status == status }, false), nil
}

func (m *Memory) requestsWhere(keep func(withdrawal.Request) bool, newestFirst bool) []withdrawal.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []withdrawal.Request
	for _, r := range m.st.requests {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].RequestedAt.After(out[j].RequestedAt)
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

func totals(st *state, userID ledger.UserID) ledger.Totals {
	var t ledger.Totals
	for _, tx := range st.txs {
		if tx.UserID != userID || tx.Status != ledger.StatusSuccess {
			continue
		}
		if tx.Direction == ledger.Credit {
			t.Credits += tx.Amount
		} else {
			t.Debits += tx.Amount
		}
	}
	return t
}

// =============================================================================
// TX VIEW
// =============================================================================

type txView struct {
	st *state
}

func (v *txView) EnsureWallet(_ context.Context, userID ledger.UserID, currency string) (ledger.Wallet, error) {
	if w, ok := v.st.wallets[userID]; ok {
		return w, nil
	}
	v.st.seq++
	now := time.Now().UTC()
	w := ledger.Wallet{
		ID:        ledger.WalletID("w-" + string(userID)),
		UserID:    userID,
		Currency:  currency,
		Status:    ledger.WalletActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	v.st.wallets[userID] = w
	return w, nil
}

func (v *txView) IncrementBalance(_ context.Context, userID ledger.UserID, amount int64) (ledger.Wallet, error) {
	w, ok := v.st.wallets[userID]
	if !ok || w.Status != ledger.WalletActive {
		return ledger.Wallet{}, ledger.ErrWalletNotActive
	}
	w.Balance += amount
	w.UpdatedAt = time.Now().UTC()
	v.st.wallets[userID] = w
	return w, nil
}

func (v *txView) DecrementBalance(_ context.Context, userID ledger.UserID, amount int64) (ledger.Wallet, error) {
	w, ok := v.st.wallets[userID]
	if !ok || w.Status != ledger.WalletActive || w.Balance < amount {
		return ledger.Wallet{}, ledger.ErrInsufficientBalance
	}
	w.Balance -= amount
	w.UpdatedAt = time.Now().UTC()
	v.st.wallets[userID] = w
	return w, nil
}

func (v *txView) SetBalance(_ context.Context, userID ledger.UserID, balance int64) (ledger.Wallet, error) {
	w, ok := v.st.wallets[userID]
	if !ok {
		return ledger.Wallet{}, &ledger.NotFoundError{Entity: "wallet", ID: string(userID)}
	}
	w.Balance = balance
	w.UpdatedAt = time.Now().UTC()
	v.st.wallets[userID] = w
	return w, nil
}

func (v *txView) SetStatus(_ context.Context, userID ledger.UserID, status ledger.WalletStatus) (ledger.Wallet, error) {
	w, ok := v.st.wallets[userID]
	if !ok {
		return ledger.Wallet{}, &ledger.NotFoundError{Entity: "wallet", ID: string(userID)}
	}
	w.Status = status
	w.UpdatedAt = time.Now().UTC()
	v.st.wallets[userID] = w
	return w, nil
}

// LockKey is a no-op: WithTx already holds the store lock.
func (v *txView) LockKey(context.Context, string) error { return nil }

func (v *txView) TransactionByKey(_ context.Context, key string) (*ledger.Transaction, error) {
	return v.byKey(key), nil
}

func (v *txView) byKey(key string) *ledger.Transaction {
	id, ok := v.st.byKey[key]
	if !ok {
		return nil
	}
	t := v.st.txs[id]
	return &t
}

func (v *txView) InsertTransaction(_ context.Context, t ledger.Transaction) error {
	if _, ok := v.st.byKey[t.IdempotencyKey]; ok {
		return ledger.ErrDuplicateIdempotencyKey
	}
	v.st.txs[t.ID] = t
	v.st.byKey[t.IdempotencyKey] = t.ID
	return nil
}

func (v *txView) CompleteTransaction(_ context.Context, t ledger.Transaction) error {
	cur, ok := v.st.txs[t.ID]
	if !ok || cur.Status != ledger.StatusPending {
		return ledger.ErrTransactionClosed
	}
	cur.Status = t.Status
	cur.BalanceBefore = t.BalanceBefore
	cur.BalanceAfter = t.BalanceAfter
	cur.Meta = t.Meta
	cur.Description = t.Description
	cur.CompletedAt = t.CompletedAt
	v.st.txs[t.ID] = cur
	return nil
}

func (v *txView) SettledTotals(_ context.Context, userID ledger.UserID) (ledger.Totals, error) {
	return totals(v.st, userID), nil
}

func (v *txView) InsertRequest(_ context.Context, r withdrawal.Request) error {
	v.st.requests[r.ID] = r
	return nil
}

func (v *txView) RequestForUpdate(_ context.Context, id withdrawal.RequestID) (*withdrawal.Request, error) {
	r, ok := v.st.requests[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (v *txView) UpdateRequest(_ context.Context, r withdrawal.Request, from withdrawal.Status) error {
	cur, ok := v.st.requests[r.ID]
	if !ok || cur.Status != from {
		return &ledger.TransitionError{Entity: "withdrawal request", From: string(cur.Status), To: string(r.Status)}
	}
	v.st.requests[r.ID] = r
	return nil
}

func (v *txView) OutstandingTotal(_ context.Context, merchantID ledger.UserID) (int64, error) {
	var sum int64
	for _, r := range v.st.requests {
		if r.MerchantID == merchantID && (r.Status == withdrawal.StatusPending || r.Status == withdrawal.StatusApproved) {
			sum += r.Amount
		}
	}
	return sum, nil
}

// =============================================================================
// WEBHOOK INBOX
// =============================================================================

func (m *Memory) EnqueueWebhook(_ context.Context, w topup.FailedWebhook) error {
	m.auxMu.Lock()
	defer m.auxMu.Unlock()
	for _, existing := range m.inbox {
		if existing.EventID == w.EventID && existing.Status != topup.InboxDone {
			return nil
		}
	}
	m.inbox[w.ID] = w
	return nil
}

func (m *Memory) DueWebhooks(_ context.Context, now time.Time, limit int) ([]topup.FailedWebhook, error) {
	m.auxMu.Lock()
	defer m.auxMu.Unlock()
	var out []topup.FailedWebhook
	for _, w := range m.inbox {
		if w.Status == topup.InboxRetrying && !w.NextAttemptAt.After(now) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateWebhook(_ context.Context, w topup.FailedWebhook) error {
	m.auxMu.Lock()
	defer m.auxMu.Unlock()
	if _, ok := m.inbox[w.ID]; !ok {
		return &ledger.NotFoundError{Entity: "webhook", ID: w.ID}
	}
	m.inbox[w.ID] = w
	return nil
}

func (m *Memory) Webhook(_ context.Context, id string) (*topup.FailedWebhook, error) {
	m.auxMu.Lock()
	defer m.auxMu.Unlock()
	w, ok := m.inbox[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (m *Memory) Webhooks(_ context.Context, status topup.InboxStatus, limit int) ([]topup.FailedWebhook, error) {
	m.auxMu.Lock()
	defer m.auxMu.Unlock()
	var out []topup.FailedWebhook
	for _, w := range m.inbox {
		if status == "" || w.Status == status {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) Append(_ context.Context, e audit.Entry) error {
	m.auxMu.Lock()
	defer m.auxMu.Unlock()
	m.entries = append(m.entries, audit.Stamp(e, time.Now()))
	return nil
}

func (m *Memory) Query(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	m.auxMu.Lock()
	defer m.auxMu.Unlock()
	var out []audit.Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if f.Subject != "" && e.Subject != f.Subject {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if len(f.Actions) > 0 && !hasAction(f.Actions, e.Action) {
			continue
		}
		out = append(out, e)
		if len(out) == f.PageSize() {
			break
		}
	}
	return out, nil
}

func hasAction(actions []audit.Action, a audit.Action) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}
