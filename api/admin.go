package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/wallet-ledger/audit"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/topup"
)

// =============================================================================
// WALLET ADMINISTRATION
// =============================================================================

// AdjustWallet applies a manual correction. The ledger audits it after commit.
func (h *Handler) AdjustWallet(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	res, err := h.Ledger.Apply(ctx, func(tx ledger.Tx) (ledger.Result, error) {
		return h.Ledger.Adjust(ctx, tx, ledger.Adjustment{
			AdminID:   actor(r).ID,
			UserID:    ledger.UserID(req.UserID),
			Direction: ledger.Direction(req.Direction),
			Amount:    req.AmountMinorUnits,
			Reason:    req.Reason,
		})
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMutationDTO(res))
}

// ReconcileWallet compares the stored balance with the log. Read-only.
func (h *Handler) ReconcileWallet(w http.ResponseWriter, r *http.Request) {
	d, err := h.Ledger.Reconcile(r.Context(), pathUser(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDriftDTO(d))
}

// RepairWallet overwrites the stored balance with the derived one and
// returns the drift found before the repair.
func (h *Handler) RepairWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	adminID := actor(r).ID
	userID := pathUser(r)

	var d ledger.Drift
	err := h.Ledger.Atomically(ctx, func(tx ledger.Tx) error {
		var err error
		d, err = h.Ledger.Repair(ctx, tx, adminID, userID)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !d.InSync() {
		h.Ledger.RecordAudit(ctx, audit.Entry{
			ActorID: adminID,
			Action:  audit.ActionWalletRepaired,
			Subject: string(userID),
			Details: map[string]string{
				"stored":  fmt.Sprint(d.Stored),
				"derived": fmt.Sprint(d.Derived),
			},
		})
	}
	writeJSON(w, http.StatusOK, toDriftDTO(d))
}

func (h *Handler) LockWallet(w http.ResponseWriter, r *http.Request) {
	h.setWalletStatus(w, r, ledger.WalletLocked, audit.ActionWalletLocked)
}

func (h *Handler) UnlockWallet(w http.ResponseWriter, r *http.Request) {
	h.setWalletStatus(w, r, ledger.WalletActive, audit.ActionWalletUnlocked)
}

func (h *Handler) setWalletStatus(w http.ResponseWriter, r *http.Request, status ledger.WalletStatus, action audit.Action) {
	ctx := r.Context()
	adminID := actor(r).ID
	userID := pathUser(r)

	var wallet ledger.Wallet
	err := h.Ledger.Atomically(ctx, func(tx ledger.Tx) error {
		var err error
		wallet, err = h.Ledger.SetStatus(ctx, tx, adminID, userID, status)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.Ledger.RecordAudit(ctx, audit.Entry{
		ActorID: adminID,
		Action:  action,
		Subject: string(userID),
	})
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

func pathUser(r *http.Request) ledger.UserID {
	return ledger.UserID(chi.URLParam(r, "userId"))
}

// =============================================================================
// AUDIT
// =============================================================================

func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Subject: q.Get("subject"),
		ActorID: q.Get("actor"),
	}
	for _, a := range q["action"] {
		f.Actions = append(f.Actions, audit.Action(a))
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, r, ledger.Invalid("limit", "must be a positive integer"))
			return
		}
		f.Limit = n
	}
	entries, err := h.Audit.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTOs(entries))
}

// =============================================================================
// WEBHOOK INBOX
// =============================================================================

func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	status := topup.InboxStatus(r.URL.Query().Get("status"))
	hooks, err := h.TopUp.Webhooks(r.Context(), status, 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dtos := make([]WebhookDTO, len(hooks))
	for i, wh := range hooks {
		dtos[i] = toWebhookDTO(wh)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RetryWebhook moves a DEAD entry back to the retry queue.
func (h *Handler) RetryWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := h.TopUp.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWebhookDTO(wh))
}
