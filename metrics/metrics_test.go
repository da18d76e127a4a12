package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	// GIVEN: metrics on a private registry
	m := New(prometheus.NewRegistry())

	// WHEN: observations are recorded
	m.ObserveMutation("credit", "created")
	m.ObserveMutation("credit", "created")
	m.ObserveMutation("debit", "rejected")
	m.ObserveWebhook("payment.captured", "credited")
	m.ObserveWebhookRetry("dead")
	m.ObserveWithdrawal("APPROVED")
	m.SetDriftedWallets(3)

	// THEN: each series carries its count
	assert.Equal(t, 2.0, testutil.ToFloat64(m.mutations.WithLabelValues("credit", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("debit", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("payment.captured", "credited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookRetries.WithLabelValues("dead")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.withdrawals.WithLabelValues("APPROVED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.drifted))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveMutation("credit", "created")
		m.ObserveWebhook("x", "y")
		m.SetDriftedWallets(1)
	})
}

func TestMetrics_InstrumentUsesRoutePattern(t *testing.T) {
	// GIVEN: a chi router with a parameterized route behind Instrument
	m := New(prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(m.Instrument)
	r.Get("/admin/wallets/{userId}/reconcile", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	// WHEN: two different users are requested
	for _, id := range []string{"u1", "u2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/wallets/"+id+"/reconcile", nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}

	// THEN: both land on the same route label
	got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/admin/wallets/{userId}/reconcile", "418"))
	assert.Equal(t, 2.0, got)
}
