// Package gateway talks to the external QRIS payment gateway. The gateway
// owns payment status; this package only creates charges and reads status.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/punchamoorthee/newmeclass/internal/domain"
)

// Gateway is the bridge used by the wallet and settlement services.
type Gateway interface {
	CreateIntent(ctx context.Context, req ChargeRequest) (domain.PaymentIntent, error)
	Status(ctx context.Context, orderID string) (domain.PaymentStatus, error)
}

type ChargeRequest struct {
	OrderID string
	UserID  string
	Amount  int64
	Purpose domain.PaymentPurpose
}

// HTTPGateway speaks the Midtrans-style core API (charge + status).
type HTTPGateway struct {
	baseURL   string
	serverKey string
	merchant  string
	expiry    time.Duration
	client    *http.Client
	now       func() time.Time
}

func NewHTTPGateway(baseURL, serverKey, merchant string, expiry time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL:   baseURL,
		serverKey: serverKey,
		merchant:  merchant,
		expiry:    expiry,
		client:    &http.Client{Timeout: 10 * time.Second},
		now:       time.Now,
	}
}

type chargeBody struct {
	PaymentType        string             `json:"payment_type"`
	TransactionDetails transactionDetails `json:"transaction_details"`
	CustomerDetails    map[string]string  `json:"customer_details,omitempty"`
	CustomExpiry       *customExpiry      `json:"custom_expiry,omitempty"`
}

type transactionDetails struct {
	OrderID     string `json:"order_id"`
	GrossAmount int64  `json:"gross_amount"`
}

type customExpiry struct {
	ExpiryDuration int    `json:"expiry_duration"`
	Unit           string `json:"unit"`
}

type gatewayAction struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type gatewayResponse struct {
	StatusCode        string          `json:"status_code"`
	StatusMessage     string          `json:"status_message"`
	OrderID           string          `json:"order_id"`
	GrossAmount       string          `json:"gross_amount"`
	TransactionStatus string          `json:"transaction_status"`
	Actions           []gatewayAction `json:"actions"`
}

func (g *HTTPGateway) CreateIntent(ctx context.Context, req ChargeRequest) (domain.PaymentIntent, error) {
	if req.Amount <= 0 {
		return domain.PaymentIntent{}, domain.ErrInvalidAmount
	}
	body := chargeBody{
		PaymentType:        "qris",
		TransactionDetails: transactionDetails{OrderID: req.OrderID, GrossAmount: req.Amount},
		CustomerDetails:    map[string]string{"first_name": req.UserID},
		CustomExpiry:       &customExpiry{ExpiryDuration: int(g.expiry.Minutes()), Unit: "minute"},
	}

	var resp gatewayResponse
	if err := g.do(ctx, http.MethodPost, "/v2/charge", body, &resp); err != nil {
		return domain.PaymentIntent{}, err
	}
	if !acceptedStatusCode(resp.StatusCode) {
		return domain.PaymentIntent{}, fmt.Errorf("%w: charge rejected (%s): %s", domain.ErrUpstreamUnavailable, resp.StatusCode, resp.StatusMessage)
	}

	now := g.now().UTC()
	intent := domain.PaymentIntent{
		OrderID:     req.OrderID,
		UserID:      req.UserID,
		GrossAmount: req.Amount,
		Merchant:    g.merchant,
		Purpose:     req.Purpose,
		Status:      domain.PaymentPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.expiry),
	}
	for _, a := range resp.Actions {
		if a.Name == "generate-qr-code" {
			intent.QRISURL = a.URL
		}
	}
	if resp.TransactionStatus != "" {
		intent.Status = domain.PaymentStatus(resp.TransactionStatus)
	}
	return intent, nil
}

// Status reads the current transaction status. It has no side effects.
func (g *HTTPGateway) Status(ctx context.Context, orderID string) (domain.PaymentStatus, error) {
	var resp gatewayResponse
	if err := g.do(ctx, http.MethodGet, "/v2/"+orderID+"/status", nil, &resp); err != nil {
		return "", err
	}
	if resp.StatusCode == "404" {
		return "", fmt.Errorf("%w: %s", domain.ErrIntentNotFound, orderID)
	}
	if resp.TransactionStatus == "" {
		return "", fmt.Errorf("%w: empty status for %s", domain.ErrUpstreamUnavailable, orderID)
	}
	return domain.PaymentStatus(resp.TransactionStatus), nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(g.serverKey, "")

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: gateway returned %d", domain.ErrUpstreamUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode gateway response: %v", domain.ErrUpstreamUnavailable, err)
	}
	return nil
}

// The gateway reports its own status code in the body; 2xx means accepted.
func acceptedStatusCode(code string) bool {
	n, err := strconv.Atoi(code)
	return err == nil && n >= 200 && n < 300
}
