package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/newmeclass/internal/domain"
)

func TestHTTPGatewayCharge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/charge", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "server-key", user)

		var body chargeBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "qris", body.PaymentType)
		assert.Equal(t, "order-1", body.TransactionDetails.OrderID)
		assert.Equal(t, int64(50000), body.TransactionDetails.GrossAmount)

		json.NewEncoder(w).Encode(map[string]any{
			"status_code":        "201",
			"transaction_status": "pending",
			"order_id":           "order-1",
			"actions": []map[string]string{
				{"name": "generate-qr-code", "url": "https://qr.example/order-1"},
			},
		})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "server-key", "NEWMECLASS", time.Hour)
	intent, err := g.CreateIntent(context.Background(), ChargeRequest{
		OrderID: "order-1", UserID: "u1", Amount: 50000, Purpose: domain.PurposeTopup,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, intent.Status)
	assert.Equal(t, "https://qr.example/order-1", intent.QRISURL)
	assert.Equal(t, "NEWMECLASS", intent.Merchant)
	assert.Equal(t, time.Hour, intent.ExpiresAt.Sub(intent.CreatedAt))
}

func TestHTTPGatewayChargeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status_code": "406", "status_message": "duplicate order id"})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "k", "m", time.Hour)
	_, err := g.CreateIntent(context.Background(), ChargeRequest{OrderID: "o", Amount: 10000})
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestHTTPGatewayStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/paid/status":
			json.NewEncoder(w).Encode(map[string]string{"status_code": "200", "transaction_status": "settlement"})
		case "/v2/missing/status":
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"status_code": "404"})
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "k", "m", time.Hour)
	ctx := context.Background()

	st, err := g.Status(ctx, "paid")
	require.NoError(t, err)
	assert.True(t, st.Settled())

	_, err = g.Status(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrIntentNotFound)

	_, err = g.Status(ctx, "broken")
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestHTTPGatewayUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g := NewHTTPGateway(url, "k", "m", time.Hour)
	_, err := g.Status(context.Background(), "x")
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestDemoGateway(t *testing.T) {
	d := NewDemoGateway("NEWMECLASS", time.Hour)
	ctx := context.Background()

	intent, err := d.CreateIntent(ctx, ChargeRequest{OrderID: "o1", UserID: "u", Amount: 20000})
	require.NoError(t, err)
	assert.True(t, intent.Demo)

	st, err := d.Status(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, st)

	d.SetStatus("o1", domain.PaymentSettlement)
	d.FailNext(1)
	_, err = d.Status(ctx, "o1")
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	st, err = d.Status(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSettlement, st)
	assert.Equal(t, 3, d.StatusCalls("o1"))

	_, err = d.Status(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrIntentNotFound)
}
