/*
Package gateway talks to the external payment gateway: order creation,
payment lookup and signature verification for checkout callbacks and
webhooks.

AUTHENTICITY:
  Nothing the gateway (or a browser relaying it) sends is trusted as-is.

    checkout callback: HMAC-SHA256(keySecret, orderId + "|" + paymentId)
    webhook body:      HMAC-SHA256(webhookSecret, rawBody), header X-Signature

  Both are hex encoded and compared in constant time. After a signature
  passes, topup still re-fetches the payment before crediting.

IDEMPOTENCY:
  OrderKey derives the ledger idempotency key from the gateway order id so
  that webhook redelivery and the browser's verify call converge on the
  same transaction.

SEE ALSO:
  - client.go: HTTP client for the gateway API
  - webhook.go: Webhook payload parsing
  - topup/service.go: Uses all of the above
*/
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// OrderKey is the ledger idempotency key for money arriving through orderID.
func OrderKey(orderID string) string {
	return "gateway:order:" + orderID
}

// Verifier checks gateway signatures.
type Verifier struct {
	keySecret     []byte
	webhookSecret []byte
}

func NewVerifier(keySecret, webhookSecret string) *Verifier {
	return &Verifier{keySecret: []byte(keySecret), webhookSecret: []byte(webhookSecret)}
}

// Sign returns hex(HMAC-SHA256(secret, payload)).
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *Verifier) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	if orderID == "" || paymentID == "" || len(v.keySecret) == 0 {
		return false
	}
	return equal(Sign(v.keySecret, []byte(orderID+"|"+paymentID)), signature)
}

func (v *Verifier) VerifyWebhookSignature(body []byte, signature string) bool {
	if len(v.webhookSecret) == 0 {
		return false
	}
	return equal(Sign(v.webhookSecret, body), signature)
}

func equal(expected, got string) bool {
	if got == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(got))
}
