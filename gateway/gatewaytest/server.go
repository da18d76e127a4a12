// Package gatewaytest runs an in-process payment gateway for tests.
//
// It serves the two endpoints the client calls, signs checkout callbacks
// and webhook bodies with its secrets, and lets a test decide what each
// payment looks like when it is fetched.
package gatewaytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/wallet-ledger/gateway"
)

const (
	KeyID         = "key_test"
	KeySecret     = "key-secret"
	WebhookSecret = "webhook-secret"
)

type Server struct {
	*httptest.Server

	mu         sync.Mutex
	orders     map[string]gateway.Order
	payments   map[string]gateway.Payment
	seq        int
	failOrders int
	fetches    int
}

func New() *Server {
	s := &Server{
		orders:   make(map[string]gateway.Order),
		payments: make(map[string]gateway.Payment),
	}
	r := chi.NewRouter()
	r.Post("/v1/orders", s.createOrder)
	r.Get("/v1/payments/{id}", s.fetchPayment)
	s.Server = httptest.NewServer(r)
	return s
}

func (s *Server) Config() gateway.Config {
	return gateway.Config{
		BaseURL:       s.URL,
		KeyID:         KeyID,
		KeySecret:     KeySecret,
		WebhookSecret: WebhookSecret,
	}
}

func (s *Server) Client() *gateway.Client {
	return gateway.NewClient(s.Config())
}

// FailOrders makes the next n order creations answer 500.
func (s *Server) FailOrders(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOrders = n
}

// Order returns a created order.
func (s *Server) Order(id string) (gateway.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	return o, ok
}

// Pay records a captured payment for the full amount of orderID.
func (s *Server) Pay(orderID, method string) gateway.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	s.seq++
	p := gateway.Payment{
		ID:       fmt.Sprintf("pay_%d", s.seq),
		OrderID:  orderID,
		Amount:   o.Amount,
		Currency: o.Currency,
		Status:   gateway.PaymentCaptured,
		Method:   method,
		Notes:    o.Notes,
	}
	s.payments[p.ID] = p
	return p
}

// SetPayment stores p as returned by the fetch endpoint.
func (s *Server) SetPayment(p gateway.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p
}

// Fetches counts calls to the payment endpoint.
func (s *Server) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// CheckoutSignature signs a checkout callback as the gateway would.
func CheckoutSignature(orderID, paymentID string) string {
	return gateway.Sign([]byte(KeySecret), []byte(orderID+"|"+paymentID))
}

// Webhook builds a signed webhook body carrying p.
func Webhook(event string, p gateway.Payment) (body []byte, signature string) {
	body, err := json.Marshal(map[string]any{
		"event":      event,
		"created_at": 1700000000,
		"payload": map[string]any{
			"payment": map[string]any{"entity": p},
		},
	})
	if err != nil {
		panic(err)
	}
	return body, gateway.Sign([]byte(WebhookSecret), body)
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	if id, secret, ok := r.BasicAuth(); !ok || id != KeyID || secret != KeySecret {
		writeError(w, http.StatusUnauthorized, "BAD_REQUEST_ERROR", "authentication failed")
		return
	}
	var req gateway.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST_ERROR", err.Error())
		return
	}

	s.mu.Lock()
	if s.failOrders > 0 {
		s.failOrders--
		s.mu.Unlock()
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "try again")
		return
	}
	s.seq++
	o := gateway.Order{
		ID:       fmt.Sprintf("order_%d", s.seq),
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Status:   "created",
		Notes:    req.Notes,
	}
	s.orders[o.ID] = o
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, o)
}

func (s *Server) fetchPayment(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.fetches++
	p, ok := s.payments[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "BAD_REQUEST_ERROR", "payment does not exist")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "description": desc},
	})
}
