package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/warp/wallet-ledger/ledger"
)

const serviceName = "payment-gateway"

type Config struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Timeout       time.Duration
}

// Client calls the gateway REST API and verifies its signatures.
type Client struct {
	*Verifier
	http *resty.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetBasicAuth(cfg.KeyID, cfg.KeySecret).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only reads are retried; a retried POST could open a second order.
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= 500
		})

	return &Client{
		Verifier: NewVerifier(cfg.KeySecret, cfg.WebhookSecret),
		http:     rc,
	}
}

// =============================================================================
// API TYPES
// =============================================================================

// Note keys attached to orders so webhooks can be routed.
const (
	NotePurpose    = "purpose"
	NoteUserID     = "user_id"
	NoteMerchantID = "merchant_id"
	NoteInvoiceID  = "invoice_id"

	PurposeTopUp   = "wallet_topup"
	PurposeInvoice = "invoice_payment"
)

type OrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type Order struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Status   string            `json:"status"`
	Notes    map[string]string `json:"notes,omitempty"`
}

const PaymentCaptured = "captured"

type Payment struct {
	ID       string            `json:"id"`
	OrderID  string            `json:"order_id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Status   string            `json:"status"`
	Method   string            `json:"method"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type apiError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// =============================================================================
// CALLS
// =============================================================================

func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	var (
		order  Order
		apiErr apiError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&order).
		SetError(&apiErr).
		Post("/v1/orders")
	if err != nil {
		return Order{}, &ledger.ExternalServiceError{Service: serviceName, Op: "create order", Err: err}
	}
	if resp.IsError() {
		return Order{}, &ledger.ExternalServiceError{
			Service: serviceName, Op: "create order", Status: resp.StatusCode(),
			Err: errors.New(apiErr.describe()),
		}
	}
	if order.ID == "" {
		return Order{}, &ledger.ExternalServiceError{Service: serviceName, Op: "create order", Err: errors.New("response carried no order id")}
	}
	return order, nil
}

func (c *Client) FetchPayment(ctx context.Context, paymentID string) (Payment, error) {
	var (
		payment Payment
		apiErr  apiError
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", paymentID).
		SetResult(&payment).
		SetError(&apiErr).
		Get("/v1/payments/{id}")
	if err != nil {
		return Payment{}, &ledger.ExternalServiceError{Service: serviceName, Op: "fetch payment", Err: err}
	}
	if resp.StatusCode() == http.StatusNotFound {
		return Payment{}, &ledger.NotFoundError{Entity: "payment", ID: paymentID}
	}
	if resp.IsError() {
		return Payment{}, &ledger.ExternalServiceError{
			Service: serviceName, Op: "fetch payment", Status: resp.StatusCode(),
			Err: errors.New(apiErr.describe()),
		}
	}
	return payment, nil
}

func (e apiError) describe() string {
	if e.Error.Code == "" && e.Error.Description == "" {
		return "no error body"
	}
	return fmt.Sprintf("%s: %s", e.Error.Code, e.Error.Description)
}
