package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/punchamoorthee/newmeclass/internal/domain"
	"github.com/punchamoorthee/newmeclass/internal/gateway"
	"github.com/punchamoorthee/newmeclass/internal/poller"
)

// Settlement mirrors gateway status into local state. Every path that
// observes a terminal status (client polling, the background watcher,
// expiry) goes through ResolveIntent, which applies each order at most once.
type Settlement struct {
	payments PaymentStore
	gw       gateway.Gateway
	poller   *poller.Poller
	logger   *log.Logger
	now      func() time.Time
}

func NewSettlement(payments PaymentStore, gw gateway.Gateway, p *poller.Poller, logger *log.Logger) *Settlement {
	return &Settlement{payments: payments, gw: gw, poller: p, logger: logger, now: time.Now}
}

// Apply records a gateway-reported status. Pending is a no-op.
func (s *Settlement) Apply(ctx context.Context, orderID string, status domain.PaymentStatus) (bool, error) {
	if !status.Terminal() {
		return false, nil
	}
	intent, applied, err := s.payments.ResolveIntent(ctx, orderID, status)
	if err != nil {
		if errors.Is(err, domain.ErrIntentNotFound) {
			return false, err
		}
		return false, fmt.Errorf("%w: resolve intent: %v", domain.ErrUpstreamUnavailable, err)
	}
	settlementsTotal.WithLabelValues(string(status), strconv.FormatBool(applied)).Inc()
	if applied {
		if status.Settled() && intent.Purpose == domain.PurposeTopup {
			walletCreditsTotal.WithLabelValues("gateway").Inc()
		}
		s.logger.Printf("settlement: order %s -> %s (user %s, %d)", orderID, status, intent.UserID, intent.GrossAmount)
	}
	return applied, nil
}

// Check polls the gateway once and applies the result. It is safe to call
// any number of times for the same order.
func (s *Settlement) Check(ctx context.Context, orderID string) (domain.PaymentStatus, error) {
	intent, err := s.payments.GetIntent(ctx, orderID)
	if err != nil {
		return "", err
	}
	if intent.Status.Terminal() {
		return intent.Status, nil
	}
	if !intent.ExpiresAt.IsZero() && s.now().After(intent.ExpiresAt) {
		if _, err := s.Apply(ctx, orderID, domain.PaymentExpire); err != nil {
			return "", err
		}
		return domain.PaymentExpire, nil
	}

	status, err := s.gw.Status(ctx, orderID)
	if err != nil {
		return "", err
	}
	if _, err := s.Apply(ctx, orderID, status); err != nil {
		return "", err
	}
	return status, nil
}

// Watch schedules background polling for intent until it settles, fails,
// expires or is cancelled.
func (s *Settlement) Watch(intent domain.PaymentIntent) bool {
	if s.poller == nil {
		return false
	}
	ttl := intent.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	orderID := intent.OrderID
	return s.poller.Watch(orderID, ttl,
		func(ctx context.Context) (bool, error) {
			status, err := s.Check(ctx, orderID)
			if err != nil {
				return false, err
			}
			return status.Terminal(), nil
		},
		func(ctx context.Context) {
			if _, err := s.Apply(ctx, orderID, domain.PaymentExpire); err != nil {
				s.logger.Printf("settlement: expire %s: %v", orderID, err)
			}
		},
	)
}

// Cancel stops background polling for orderID. The intent stays pending and
// can still be checked explicitly.
func (s *Settlement) Cancel(orderID string) bool {
	if s.poller == nil {
		return false
	}
	return s.poller.Cancel(orderID)
}

// Resume restarts watchers for every pending intent, e.g. after a restart.
func (s *Settlement) Resume(ctx context.Context) (int, error) {
	pending, err := s.payments.PendingIntents(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, intent := range pending {
		if s.Watch(intent) {
			n++
		}
	}
	return n, nil
}
