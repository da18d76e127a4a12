package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Save(ctx, "k", CachedResponse{Status: 201, Body: []byte("{}")}, time.Minute))

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 201, got.Status)

	now = now.Add(time.Minute)
	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// countingHandler answers with the given status and counts calls.
func countingHandler(status int, calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(`{"n":1}`))
	})
}

func serve(h http.Handler, method, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/wallet/topup/create-order", strings.NewReader("{}"))
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIdempotency_ReplaysSuccess(t *testing.T) {
	calls := 0
	h := Idempotency(NewMemoryCache(), time.Hour)(countingHandler(http.StatusCreated, &calls))

	first := serve(h, http.MethodPost, "k1")
	second := serve(h, http.MethodPost, "k1")

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, "true", second.Header().Get(idempotencyHitHeader))
}

func TestIdempotency_OnlyDeterministicResponsesAreStored(t *testing.T) {
	cases := []struct {
		status int
		stored bool
	}{
		{http.StatusOK, true},
		{http.StatusCreated, true},
		{http.StatusBadRequest, true},
		{http.StatusForbidden, true},
		{http.StatusNotFound, true},
		{http.StatusConflict, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			calls := 0
			h := Idempotency(NewMemoryCache(), time.Hour)(countingHandler(tc.status, &calls))

			serve(h, http.MethodPost, "k1")
			rec := serve(h, http.MethodPost, "k1")

			assert.Equal(t, tc.status, rec.Code)
			if tc.stored {
				assert.Equal(t, 1, calls)
				assert.Equal(t, "true", rec.Header().Get(idempotencyHitHeader))
			} else {
				assert.Equal(t, 2, calls)
				assert.Empty(t, rec.Header().Get(idempotencyHitHeader))
			}
		})
	}
}

func TestIdempotency_PassThrough(t *testing.T) {
	calls := 0
	h := Idempotency(NewMemoryCache(), time.Hour)(countingHandler(http.StatusOK, &calls))

	serve(h, http.MethodGet, "k1")
	serve(h, http.MethodGet, "k1")
	serve(h, http.MethodPost, "")
	serve(h, http.MethodPost, "")

	assert.Equal(t, 4, calls)
}

func TestIdempotency_KeyTooLong(t *testing.T) {
	calls := 0
	h := Idempotency(NewMemoryCache(), time.Hour)(countingHandler(http.StatusOK, &calls))

	rec := serve(h, http.MethodPost, strings.Repeat("x", 256))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, calls)
}
