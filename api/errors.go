package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/logger"
	"github.com/warp/wallet-ledger/topup"
)

var errInvalidIdempotencyKey = ledger.Invalid(IdempotencyHeader, "must be at most 255 characters")

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps err to its HTTP status and kind. Internal errors are
// logged and their text is not sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: kind, Message: msg})
}

func classify(err error) (int, string) {
	if errors.Is(err, topup.ErrPaymentNotCaptured) {
		return http.StatusConflict, "PaymentNotCaptured"
	}
	kind := ledger.Kind(err)
	switch kind {
	case "ValidationError":
		return http.StatusBadRequest, kind
	case "InsufficientBalance":
		return http.StatusUnprocessableEntity, kind
	case "WalletNotActive", "InvalidStateTransition", "IdempotencyConflict", "TransactionClosed":
		return http.StatusConflict, kind
	case "NotFound":
		return http.StatusNotFound, kind
	case "ExternalServiceError":
		return http.StatusBadGateway, kind
	case "Unauthorized":
		return http.StatusUnauthorized, kind
	case "Forbidden":
		return http.StatusForbidden, kind
	}
	return http.StatusInternalServerError, kind
}

// decode reads a JSON body, rejecting unknown fields.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return ledger.Invalid("body", "invalid JSON: %v", err)
	}
	return nil
}
