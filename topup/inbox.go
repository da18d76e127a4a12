package topup

import (
	"context"
	"errors"
	"time"

	"github.com/warp/wallet-ledger/ledger"
)

// =============================================================================
// WEBHOOK INBOX - durable retry queue for webhooks that failed processing
// =============================================================================

type InboxStatus string

const (
	InboxRetrying InboxStatus = "RETRYING"
	InboxDone     InboxStatus = "DONE"
	InboxDead     InboxStatus = "DEAD"
)

func (s InboxStatus) Valid() bool {
	return s == InboxRetrying || s == InboxDone || s == InboxDead
}

// FailedWebhook is a signature-verified webhook body whose processing failed.
type FailedWebhook struct {
	ID            string
	EventID       string
	EventType     string
	OrderID       string
	Payload       []byte
	Status        InboxStatus
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Inbox interface {
	// EnqueueWebhook stores w. A second failure of the same EventID while
	// the first is still queued is ignored.
	EnqueueWebhook(ctx context.Context, w FailedWebhook) error

	// DueWebhooks returns RETRYING entries with NextAttemptAt <= now.
	DueWebhooks(ctx context.Context, now time.Time, limit int) ([]FailedWebhook, error)

	UpdateWebhook(ctx context.Context, w FailedWebhook) error

	// Webhook returns nil, nil if missing.
	Webhook(ctx context.Context, id string) (*FailedWebhook, error)

	Webhooks(ctx context.Context, status InboxStatus, limit int) ([]FailedWebhook, error)
}

// RetryPolicy is exponential backoff with a cap.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:   30 * time.Second,
	MaxDelay:    time.Hour,
	MaxAttempts: 8,
}

// Delay returns the wait before attempt number attempts+1.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// permanentError marks failures that will not succeed on retry.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether a processing failure should skip the retry
// queue and go straight to DEAD.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return ledger.IsClientError(err) || ledger.IsNotFound(err)
}
