/*
errors.go - Error taxonomy for the wallet ledger

PURPOSE:
  All error kinds in one place. Withdrawal, top-up and HTTP layers wrap or
  return these so that every failure maps to one stable kind.

ERROR CATEGORIES:
  1. Client errors - validation, insufficient balance, wallet not active,
     invalid state transition, idempotency conflict
  2. Not found - wallet, transaction, withdrawal request
  3. External - payment gateway unreachable or misconfigured
  4. Store errors - database failures (wrapped, never exposed verbatim)

IDEMPOTENT REPLAY:
  A replay is NOT an error. Mutations return Result{Outcome: AlreadyProcessed}.
  ErrDuplicateIdempotencyKey only escapes a store when two writers race on
  the same key past the service's lock.

SEE ALSO:
  - result.go: Outcome type returned by every mutation
  - api/errors.go: Maps Kind(err) to HTTP status
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrWalletNotActive = errors.New("wallet not active")

	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrIdempotencyConflict is returned when a key is reused for a
	// different user or amount.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")

	// ErrTransactionClosed is returned when a key refers to a FAILED transaction.
	ErrTransactionClosed = errors.New("transaction already closed")

	ErrNotFound = errors.New("not found")

	ErrExternalService = errors.New("external service error")

	ErrUnauthorized = errors.New("unauthorized")

	ErrForbidden = errors.New("forbidden")

	// ErrDuplicateIdempotencyKey is returned by stores on a unique index
	// violation for idempotency_key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes malformed or out-of-range input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d",
		e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// TransitionError reports a state machine violation.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ExternalServiceError wraps a failed call to a collaborator (payment gateway).
type ExternalServiceError struct {
	Service string
	Op      string
	Status  int
	Err     error
}

func (e *ExternalServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s failed with status %d: %v", e.Service, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Is(target error) bool {
	return target == ErrExternalService
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Kind returns the stable kind string for err, used in API error bodies.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrInsufficientBalance):
		return "InsufficientBalance"
	case errors.Is(err, ErrWalletNotActive):
		return "WalletNotActive"
	case errors.Is(err, ErrInvalidStateTransition):
		return "InvalidStateTransition"
	case errors.Is(err, ErrIdempotencyConflict):
		return "IdempotencyConflict"
	case errors.Is(err, ErrTransactionClosed):
		return "TransactionClosed"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrExternalService):
		return "ExternalServiceError"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	}
	return "InternalError"
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrWalletNotActive) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrIdempotencyConflict) ||
		errors.Is(err, ErrTransactionClosed)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
