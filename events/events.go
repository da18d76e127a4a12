// Package events publishes domain events after a storage transaction commits.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TransactionCompleted = "wallet.transaction.completed"
	WithdrawalRequested  = "withdrawal.requested"
	WithdrawalApproved   = "withdrawal.approved"
	WithdrawalRejected   = "withdrawal.rejected"
	WithdrawalPaid       = "withdrawal.paid"
)

// Event is one domain event. Type doubles as the routing key.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload"`
}

func New(eventType, key string, payload any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Memory keeps published events in order. Used by tests and local runs.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the event types published so far.
func (m *Memory) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}
