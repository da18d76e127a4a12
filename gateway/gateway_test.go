package gateway_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/gateway"
	"github.com/warp/wallet-ledger/gateway/gatewaytest"
	"github.com/warp/wallet-ledger/ledger"
)

// =============================================================================
// SIGNATURES
// =============================================================================

func TestVerifyPaymentSignature(t *testing.T) {
	v := gateway.NewVerifier(gatewaytest.KeySecret, gatewaytest.WebhookSecret)
	sig := gatewaytest.CheckoutSignature("order_1", "pay_1")

	assert.True(t, v.VerifyPaymentSignature("order_1", "pay_1", sig))
	assert.False(t, v.VerifyPaymentSignature("order_1", "pay_2", sig), "signature is bound to the payment id")
	assert.False(t, v.VerifyPaymentSignature("order_2", "pay_1", sig), "signature is bound to the order id")
	assert.False(t, v.VerifyPaymentSignature("order_1", "pay_1", ""))
	assert.False(t, v.VerifyPaymentSignature("order_1", "pay_1", "deadbeef"))
}

func TestVerifyWebhookSignature(t *testing.T) {
	v := gateway.NewVerifier(gatewaytest.KeySecret, gatewaytest.WebhookSecret)
	body, sig := gatewaytest.Webhook(gateway.EventPaymentCaptured, gateway.Payment{ID: "pay_1", OrderID: "order_1"})

	assert.True(t, v.VerifyWebhookSignature(body, sig))
	assert.False(t, v.VerifyWebhookSignature(append(body, ' '), sig), "any byte change invalidates the signature")
	assert.False(t, v.VerifyWebhookSignature(body, gateway.Sign([]byte(gatewaytest.KeySecret), body)),
		"the key secret does not sign webhooks")
}

func TestVerifier_EmptySecretRejectsEverything(t *testing.T) {
	v := gateway.NewVerifier("", "")
	assert.False(t, v.VerifyPaymentSignature("o", "p", gateway.Sign(nil, []byte("o|p"))))
	assert.False(t, v.VerifyWebhookSignature([]byte("{}"), gateway.Sign(nil, []byte("{}"))))
}

func TestOrderKey(t *testing.T) {
	assert.Equal(t, "gateway:order:order_42", gateway.OrderKey("order_42"))
}

// =============================================================================
// WEBHOOK PARSING
// =============================================================================

func TestParseWebhook(t *testing.T) {
	p := gateway.Payment{
		ID:      "pay_9",
		OrderID: "order_9",
		Amount:  5000,
		Status:  gateway.PaymentCaptured,
		Notes:   map[string]string{gateway.NotePurpose: gateway.PurposeTopUp},
	}
	body, _ := gatewaytest.Webhook(gateway.EventPaymentCaptured, p)

	ev, err := gateway.ParseWebhook(body)
	require.NoError(t, err)

	got, ok := ev.Payment()
	require.True(t, ok)
	assert.Equal(t, int64(5000), got.Amount)
	assert.Equal(t, "order_9", ev.OrderID())
	assert.Equal(t, gateway.PurposeTopUp, ev.Notes()[gateway.NotePurpose])
	assert.Equal(t, "payment.captured:pay_9", ev.ID())
}

func TestParseWebhook_Malformed(t *testing.T) {
	_, err := gateway.ParseWebhook([]byte("not json"))
	assert.Error(t, err)

	_, err = gateway.ParseWebhook([]byte(`{"payload":{}}`))
	assert.Error(t, err, "an event type is required")
}

// =============================================================================
// CLIENT
// =============================================================================

func TestClient_CreateOrderAndFetchPayment(t *testing.T) {
	// GIVEN: A running gateway
	srv := gatewaytest.New()
	defer srv.Close()
	c := srv.Client()
	ctx := context.Background()

	// WHEN: An order is created and paid
	order, err := c.CreateOrder(ctx, gateway.OrderRequest{
		Amount:   10000,
		Currency: "INR",
		Receipt:  "r1",
		Notes:    map[string]string{gateway.NoteUserID: "u1"},
	})
	require.NoError(t, err)
	paid := srv.Pay(order.ID, "upi")

	// THEN: The payment can be fetched back
	p, err := c.FetchPayment(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, p.OrderID)
	assert.Equal(t, int64(10000), p.Amount)
	assert.Equal(t, gateway.PaymentCaptured, p.Status)
	assert.Equal(t, "upi", p.Method)
}

func TestClient_FetchUnknownPaymentIsNotFound(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()

	_, err := srv.Client().FetchPayment(context.Background(), "pay_missing")
	assert.True(t, ledger.IsNotFound(err))
}

func TestClient_CreateOrderFailureIsExternal(t *testing.T) {
	// GIVEN: The gateway fails the next order creation
	srv := gatewaytest.New()
	defer srv.Close()
	srv.FailOrders(1)

	// WHEN: An order is created
	_, err := srv.Client().CreateOrder(context.Background(), gateway.OrderRequest{Amount: 100, Currency: "INR"})

	// THEN: The POST is not retried and the error is external
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrExternalService))
	var ext *ledger.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, 500, ext.Status)
	assert.Equal(t, "ExternalServiceError", ledger.Kind(err))
}

func TestClient_WrongCredentials(t *testing.T) {
	srv := gatewaytest.New()
	defer srv.Close()
	cfg := srv.Config()
	cfg.KeySecret = "wrong"

	_, err := gateway.NewClient(cfg).CreateOrder(context.Background(), gateway.OrderRequest{Amount: 100, Currency: "INR"})
	var ext *ledger.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, 401, ext.Status)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestClient_UnreachableGateway(t *testing.T) {
	srv := gatewaytest.New()
	cfg := srv.Config()
	srv.Close()

	_, err := gateway.NewClient(cfg).CreateOrder(context.Background(), gateway.OrderRequest{Amount: 100, Currency: "INR"})
	assert.True(t, errors.Is(err, ledger.ErrExternalService))
}
