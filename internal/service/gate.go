package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/newmeclass/internal/domain"
)

type AccessVia string

const (
	ViaPriorApproval AccessVia = "prior_approval"
	ViaDebit         AccessVia = "debit"
)

// Decision is the outcome of a paid-entry evaluation.
type Decision struct {
	Allowed    bool      `json:"allowed"`
	Via        AccessVia `json:"via,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Price      int64     `json:"price"`
	Balance    int64     `json:"balance"`
	Shortfall  int64     `json:"shortfall,omitempty"`
	NewBalance *int64    `json:"newBalance,omitempty"`
}

const reasonInsufficientFunds = "insufficient_funds"

func denied(balance, price int64) Decision {
	return Decision{
		Reason:    reasonInsufficientFunds,
		Price:     price,
		Balance:   balance,
		Shortfall: price - balance,
	}
}

// Err returns the shortfall error for a denied decision, nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.ShortfallError{Balance: d.Balance, Price: d.Price, Shortfall: d.Shortfall}
}

// Gate decides entitlement to the free and paid tracks. Nothing is cached:
// every call reads current state.
type Gate struct {
	wallets  *Wallets
	payments PaymentStore
	results  ResultStore
	price    int64
}

func NewGate(wallets *Wallets, payments PaymentStore, results ResultStore, price int64) *Gate {
	return &Gate{wallets: wallets, payments: payments, results: results, price: price}
}

func (g *Gate) Price() int64 { return g.price }

// CanEnterFree is true until the user completes the free test.
func (g *Gate) CanEnterFree(ctx context.Context, userID string) (bool, error) {
	done, err := g.results.HasCompleted(ctx, userID, domain.TestFree)
	if err != nil {
		return false, fmt.Errorf("%w: free status: %v", domain.ErrUpstreamUnavailable, err)
	}
	return !done, nil
}

func (g *Gate) priorApproval(ctx context.Context, userID string) (bool, error) {
	done, err := g.results.HasCompleted(ctx, userID, domain.TestPaid)
	if err != nil {
		return false, fmt.Errorf("%w: paid status: %v", domain.ErrUpstreamUnavailable, err)
	}
	if done {
		return true, nil
	}
	st, err := g.payments.UserPaymentStatus(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("%w: payment status: %v", domain.ErrUpstreamUnavailable, err)
	}
	return st == domain.UserPaymentApproved, nil
}

// HasPaidAccess reports whether the user may take the paid test without a
// further debit.
func (g *Gate) HasPaidAccess(ctx context.Context, userID string) (bool, error) {
	return g.priorApproval(ctx, userID)
}

// PaidEntry is a request for paid-test entry. IdempotencyKey is optional and
// makes a debit replayable.
type PaidEntry struct {
	UserID         string
	IdempotencyKey string
	RequestHash    string
}

// EnterPaid evaluates paid entry and debits the wallet when that is the
// route in. A completed paid test or an approved payment admits without a
// debit. A successful debit also records approved access, so the next entry
// goes through prior approval.
func (g *Gate) EnterPaid(ctx context.Context, req PaidEntry) (Decision, error) {
	if req.IdempotencyKey != "" {
		prev, ok, err := g.wallets.Replay(ctx, req.IdempotencyKey, req.RequestHash)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			nb := prev.NewBalance
			return Decision{Allowed: true, Via: ViaDebit, Price: g.price, Balance: nb - prev.Transaction.Amount, NewBalance: &nb}, nil
		}
	}

	approved, err := g.priorApproval(ctx, req.UserID)
	if err != nil {
		return Decision{}, err
	}
	balance, err := g.wallets.BalanceOrZero(ctx, req.UserID)
	if err != nil {
		return Decision{}, err
	}
	if approved {
		return Decision{Allowed: true, Via: ViaPriorApproval, Price: g.price, Balance: balance}, nil
	}
	if balance < g.price {
		return denied(balance, g.price), nil
	}

	res, err := g.wallets.Debit(ctx, DebitParams{
		UserID:          req.UserID,
		Amount:          g.price,
		Description:     "Paid personality test access",
		IdempotencyKey:  req.IdempotencyKey,
		RequestHash:     req.RequestHash,
		GrantTestAccess: true,
	})
	if err != nil {
		var sf *domain.ShortfallError
		if errors.As(err, &sf) {
			return denied(sf.Balance, g.price), nil
		}
		if errors.Is(err, domain.ErrInsufficientBalance) {
			return denied(balance, g.price), nil
		}
		return Decision{}, err
	}
	nb := res.NewBalance
	return Decision{Allowed: true, Via: ViaDebit, Price: g.price, Balance: balance, NewBalance: &nb}, nil
}

// AccessPreview summarises entitlement without moving money.
type AccessPreview struct {
	CanEnterFree  bool                     `json:"canEnterFree"`
	FreeCompleted bool                     `json:"freeCompleted"`
	PaidCompleted bool                     `json:"paidCompleted"`
	PaymentStatus domain.UserPaymentStatus `json:"paymentStatus"`
	Paid          Decision                 `json:"paid"`
}

// Preview loads the inputs of both decisions concurrently and reports what
// EnterPaid would do, short of debiting.
func (g *Gate) Preview(ctx context.Context, userID string) (AccessPreview, error) {
	var (
		p       AccessPreview
		balance int64
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		p.FreeCompleted, err = g.results.HasCompleted(ctx, userID, domain.TestFree)
		return err
	})
	eg.Go(func() error {
		var err error
		p.PaidCompleted, err = g.results.HasCompleted(ctx, userID, domain.TestPaid)
		return err
	})
	eg.Go(func() error {
		var err error
		p.PaymentStatus, err = g.payments.UserPaymentStatus(ctx, userID)
		return err
	})
	eg.Go(func() error {
		var err error
		balance, err = g.wallets.BalanceOrZero(ctx, userID)
		return err
	})
	if err := eg.Wait(); err != nil {
		if errors.Is(err, domain.ErrUpstreamUnavailable) {
			return AccessPreview{}, err
		}
		return AccessPreview{}, fmt.Errorf("%w: access preview: %v", domain.ErrUpstreamUnavailable, err)
	}

	p.CanEnterFree = !p.FreeCompleted
	switch {
	case p.PaidCompleted || p.PaymentStatus == domain.UserPaymentApproved:
		p.Paid = Decision{Allowed: true, Via: ViaPriorApproval, Price: g.price, Balance: balance}
	case balance >= g.price:
		p.Paid = Decision{Allowed: true, Via: ViaDebit, Price: g.price, Balance: balance}
	default:
		p.Paid = denied(balance, g.price)
	}
	return p, nil
}
