package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/punchamoorthee/newmeclass/internal/domain"
)

// DemoGateway is an in-process stand-in for the QRIS gateway used in
// development and tests. Charges stay pending until SetStatus is called.
// It must never be wired in production.
type DemoGateway struct {
	mu       sync.Mutex
	merchant string
	expiry   time.Duration
	statuses map[string]domain.PaymentStatus
	calls    map[string]int
	failNext int
}

func NewDemoGateway(merchant string, expiry time.Duration) *DemoGateway {
	return &DemoGateway{
		merchant: merchant,
		expiry:   expiry,
		statuses: map[string]domain.PaymentStatus{},
		calls:    map[string]int{},
	}
}

func (d *DemoGateway) CreateIntent(_ context.Context, req ChargeRequest) (domain.PaymentIntent, error) {
	if req.Amount <= 0 {
		return domain.PaymentIntent{}, domain.ErrInvalidAmount
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses[req.OrderID] = domain.PaymentPending

	now := time.Now().UTC()
	return domain.PaymentIntent{
		OrderID:     req.OrderID,
		UserID:      req.UserID,
		GrossAmount: req.Amount,
		QRISURL:     fmt.Sprintf("https://demo.qris.local/qr/%s.png", req.OrderID),
		Merchant:    d.merchant,
		Purpose:     req.Purpose,
		Status:      domain.PaymentPending,
		Demo:        true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(d.expiry),
	}, nil
}

func (d *DemoGateway) Status(_ context.Context, orderID string) (domain.PaymentStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[orderID]++
	if d.failNext > 0 {
		d.failNext--
		return "", fmt.Errorf("%w: simulated outage", domain.ErrUpstreamUnavailable)
	}
	st, ok := d.statuses[orderID]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrIntentNotFound, orderID)
	}
	return st, nil
}

// SetStatus simulates the payer completing or abandoning the charge.
func (d *DemoGateway) SetStatus(orderID string, status domain.PaymentStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses[orderID] = status
}

// FailNext makes the next n status reads fail as unreachable.
func (d *DemoGateway) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// StatusCalls reports how many times Status was called for orderID.
func (d *DemoGateway) StatusCalls(orderID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[orderID]
}
