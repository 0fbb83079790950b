package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	ierr "club_billing/internal/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChargeSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/charges", r.URL.Path)
		assert.Equal(t, "renewal-abc", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tok_1", body["payment_method_token"])
		assert.Equal(t, "990", body["amount"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"ch_1","status":"succeeded"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	res, err := c.Charge(context.Background(), ChargeRequest{
		PaymentMethodToken: "tok_1",
		Amount:             decimal.NewFromInt(990),
		Currency:           "RUB",
		IdempotencyKey:     "renewal-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "ch_1", res.ID)
}

func TestChargeDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"code":"card_declined","message":"insufficient funds"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", time.Second).Charge(context.Background(), ChargeRequest{IdempotencyKey: "k"})
	require.Error(t, err)
	assert.True(t, ierr.Is(err, ierr.ErrProviderRejected))
	assert.Contains(t, ierr.Hint(err), "insufficient funds")
}

func TestChargeFailedStatusIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"ch_2","status":"failed","failure_code":"expired_card"}`))
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, "", time.Second).Charge(context.Background(), ChargeRequest{IdempotencyKey: "k"})
	assert.True(t, ierr.Is(err, ierr.ErrProviderRejected))
	assert.Equal(t, "ch_2", res.ID)
}

func TestChargeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewClient(srv.URL, "", 50*time.Millisecond).Charge(context.Background(), ChargeRequest{IdempotencyKey: "k"})
	require.Error(t, err)
	assert.True(t, ierr.Is(err, ierr.ErrProviderTimeout))
	assert.Equal(t, ierr.ErrCodeProviderTimeout, ierr.Code(err))
}

func TestListSubscriptionsFollowsCursor(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			w.Write([]byte(`{"data":[{"id":"S-1","tracking_key":"link:order:A"}],"has_more":true,"next_cursor":"c2"}`))
			return
		}
		assert.Equal(t, "c2", r.URL.Query().Get("cursor"))
		w.Write([]byte(`{"data":[{"id":"S-2","tracking_key":"link:pl_9"}],"has_more":false}`))
	}))
	defer srv.Close()

	subs, err := NewClient(srv.URL, "", time.Second).ListSubscriptions(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "S-2", subs[1].ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCancelSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/subscriptions/S-99/cancel":
			w.WriteHeader(http.StatusOK)
		case "/v1/subscriptions/S-done/cancel":
			w.WriteHeader(http.StatusConflict)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	assert.NoError(t, c.CancelSubscription(context.Background(), "S-99"))
	assert.NoError(t, c.CancelSubscription(context.Background(), "S-done"))
	assert.True(t, ierr.IsNotFound(c.CancelSubscription(context.Background(), "S-404")))
}
