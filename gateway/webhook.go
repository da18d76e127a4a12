package gateway

import (
	"encoding/json"
	"fmt"
)

const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventOrderPaid       = "order.paid"
)

// WebhookEvent is the envelope the gateway posts to /gateway/webhook.
type WebhookEvent struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment *struct {
			Entity Payment `json:"entity"`
		} `json:"payment,omitempty"`
		Order *struct {
			Entity Order `json:"entity"`
		} `json:"order,omitempty"`
	} `json:"payload"`
}

// ParseWebhook decodes a raw webhook body. Signature checks happen before this.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookEvent{}, fmt.Errorf("malformed webhook body: %w", err)
	}
	if ev.Event == "" {
		return WebhookEvent{}, fmt.Errorf("webhook body has no event type")
	}
	return ev, nil
}

// Payment returns the payment entity, if the event carries one.
func (e WebhookEvent) Payment() (Payment, bool) {
	if e.Payload.Payment == nil {
		return Payment{}, false
	}
	return e.Payload.Payment.Entity, true
}

// OrderID returns the order id from the payment or order entity.
func (e WebhookEvent) OrderID() string {
	if p, ok := e.Payment(); ok && p.OrderID != "" {
		return p.OrderID
	}
	if e.Payload.Order != nil {
		return e.Payload.Order.Entity.ID
	}
	return ""
}

// Notes merges order and payment notes, payment notes winning.
func (e WebhookEvent) Notes() map[string]string {
	notes := map[string]string{}
	if e.Payload.Order != nil {
		for k, v := range e.Payload.Order.Entity.Notes {
			notes[k] = v
		}
	}
	if p, ok := e.Payment(); ok {
		for k, v := range p.Notes {
			notes[k] = v
		}
	}
	return notes
}

// ID identifies a delivery for logging and the retry inbox.
func (e WebhookEvent) ID() string {
	if p, ok := e.Payment(); ok && p.ID != "" {
		return e.Event + ":" + p.ID
	}
	return e.Event + ":" + e.OrderID()
}
