package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/withdrawal"
)

// WithdrawalListDTO is a merchant's requests plus what they can still withdraw.
type WithdrawalListDTO struct {
	Items               []WithdrawalDTO `json:"items"`
	AvailableMinorUnits int64           `json:"availableMinorUnits"`
	AvailableDisplay    string          `json:"availableDisplay"`
}

// =============================================================================
// MERCHANT
// =============================================================================

func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req CreateWithdrawalRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	wr, err := h.Withdrawals.Create(r.Context(), actor(r).UserID(), req.AmountMinorUnits, req.PayoutDestination)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(wr, h.Ledger.Currency))
}

func (h *Handler) ListMerchantWithdrawals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	merchantID := actor(r).UserID()

	reqs, err := h.Withdrawals.List(ctx, merchantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	available, err := h.Withdrawals.Available(ctx, merchantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawalListDTO{
		Items:               toWithdrawalDTOs(reqs, h.Ledger.Currency),
		AvailableMinorUnits: available,
		AvailableDisplay:    ledger.FormatMinor(available, h.Ledger.Currency),
	})
}

// =============================================================================
// ADMIN REVIEW
// =============================================================================

// ListWithdrawals is the admin review queue. Status defaults to PENDING.
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	status := withdrawal.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = withdrawal.StatusPending
	}
	reqs, err := h.Withdrawals.ListByStatus(r.Context(), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(reqs, h.Ledger.Currency))
}

func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wr, err := h.Withdrawals.Get(r.Context(), withdrawalID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(wr, h.Ledger.Currency))
}

// ApproveWithdrawal debits the merchant. An insufficient balance at this
// point leaves the request PENDING and answers 422.
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	wr, err := h.Withdrawals.Approve(r.Context(), withdrawalID(r), actor(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(wr, h.Ledger.Currency))
}

func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	wr, err := h.Withdrawals.Reject(r.Context(), withdrawalID(r), actor(r).ID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(wr, h.Ledger.Currency))
}

func (h *Handler) MarkWithdrawalPaid(w http.ResponseWriter, r *http.Request) {
	var req MarkPaidRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	wr, err := h.Withdrawals.MarkPaid(r.Context(), withdrawalID(r), actor(r).ID, req.PayoutReference)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(wr, h.Ledger.Currency))
}

func withdrawalID(r *http.Request) withdrawal.RequestID {
	return withdrawal.RequestID(chi.URLParam(r, "id"))
}
