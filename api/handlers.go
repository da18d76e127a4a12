/*
handlers.go - HTTP API handlers for wallets and top-ups

PURPOSE:
  Exposes the ledger, top-up flow and withdrawal workflow over REST. Handles
  HTTP request/response and JSON, and delegates everything else to the
  domain services.

ENDPOINTS:
  Wallet (any authenticated actor, always their own wallet):
    GET    /wallet                     Balance
    GET    /wallet/transactions        History, newest first (limit, cursor, status)
    POST   /wallet/topup/create-order  Open a gateway order, reserve the key
    POST   /wallet/topup/verify        Confirm the checkout callback

  Gateway (no JWT, HMAC signature instead):
    POST   /gateway/webhook            Always 200

  Merchant and admin routes live in withdrawals.go and admin.go.

REQUEST FLOW:
  1. Auth middleware puts the Actor in the context
  2. Parse and validate input
  3. Call the domain service
  4. Rejected results and errors go through writeError (errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/warp/wallet-ledger/audit"
	"github.com/warp/wallet-ledger/auth"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/topup"
	"github.com/warp/wallet-ledger/withdrawal"
)

// maxWebhookBody bounds the raw body read for signature verification.
const maxWebhookBody = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger      *ledger.Service
	Withdrawals *withdrawal.Workflow
	TopUp       *topup.Service
	Audit       audit.Log
	Log         *zap.Logger

	// Health reports whether the store is reachable.
	Health func(ctx context.Context) error
}

func NewHandler(l *ledger.Service, wf *withdrawal.Workflow, tu *topup.Service, auditLog audit.Log) *Handler {
	return &Handler{
		Ledger:      l,
		Withdrawals: wf,
		TopUp:       tu,
		Audit:       auditLog,
		Log:         l.Log,
	}
}

// actor returns the caller set by the auth middleware.
func actor(r *http.Request) auth.Actor {
	a, _ := auth.ActorFromContext(r.Context())
	return a
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			h.Log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// WALLET
// =============================================================================

// GetWallet returns the caller's wallet, creating it on first access.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Ledger.Balance(r.Context(), actor(r).UserID())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet))
}

// ListTransactions pages through the caller's history.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := ledger.Page{
		Cursor: q.Get("cursor"),
		Status: ledger.TxStatus(q.Get("status")),
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, r, ledger.Invalid("limit", "must be a positive integer"))
			return
		}
		page.Limit = n
	}

	res, err := h.Ledger.Transactions(r.Context(), actor(r).UserID(), page)
	if err != nil {
		writeError(w, r, err)
		return
	}

	dto := TransactionPageDTO{
		Items:      make([]TransactionDTO, len(res.Items)),
		HasMore:    res.HasMore,
		NextCursor: res.NextCursor,
	}
	for i, t := range res.Items {
		dto.Items[i] = toTransactionDTO(t, h.Ledger.Currency)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// TOP-UP
// =============================================================================

func (h *Handler) CreateTopUpOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	order, err := h.TopUp.CreateOrder(r.Context(), actor(r).UserID(), req.AmountMinorUnits)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderDTO(order))
}

// VerifyTopUp answers 200 for both a fresh credit and a replay.
func (h *Handler) VerifyTopUp(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.TopUp.Verify(r.Context(), actor(r).UserID(), topup.VerifyInput{
		OrderID:   req.GatewayOrderID,
		PaymentID: req.GatewayPaymentID,
		Signature: req.Signature,
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMutationDTO(res))
}

// GatewayWebhook always answers 200. Failures are logged and, when
// retryable, queued by the top-up service.
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.Log.Warn("failed to read webhook body", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err := h.TopUp.HandleWebhook(r.Context(), body, r.Header.Get("X-Signature")); err != nil {
		h.Log.Warn("webhook not processed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}
