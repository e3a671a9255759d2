package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/newmeclass/internal/domain"
	"github.com/punchamoorthee/newmeclass/internal/gateway"
)

type WalletConfig struct {
	MinTopup    int64
	DemoAllowed bool
}

// Wallets is the wallet accessor: balance, history, top-ups and debits.
type Wallets struct {
	store      WalletStore
	payments   PaymentStore
	gw         gateway.Gateway
	settlement *Settlement
	cfg        WalletConfig
	logger     *log.Logger
	now        func() time.Time
}

func NewWallets(store WalletStore, payments PaymentStore, gw gateway.Gateway, settlement *Settlement, cfg WalletConfig, logger *log.Logger) *Wallets {
	return &Wallets{
		store:      store,
		payments:   payments,
		gw:         gw,
		settlement: settlement,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Balance returns domain.ErrWalletNotFound when the user was never credited.
func (w *Wallets) Balance(ctx context.Context, userID string) (int64, error) {
	wl, err := w.store.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrWalletNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: get wallet: %v", domain.ErrUpstreamUnavailable, err)
	}
	return wl.Balance, nil
}

// BalanceOrZero treats a missing wallet as empty.
func (w *Wallets) BalanceOrZero(ctx context.Context, userID string) (int64, error) {
	b, err := w.Balance(ctx, userID)
	if errors.Is(err, domain.ErrWalletNotFound) {
		return 0, nil
	}
	return b, err
}

// Transactions lists the full history, newest first.
func (w *Wallets) Transactions(ctx context.Context, userID string) ([]domain.WalletTransaction, error) {
	txs, err := w.store.ListTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list transactions: %v", domain.ErrUpstreamUnavailable, err)
	}
	return txs, nil
}

func (w *Wallets) validateTopup(amount int64) error {
	if amount < w.cfg.MinTopup {
		return fmt.Errorf("%w: minimum top-up is %d", domain.ErrInvalidAmount, w.cfg.MinTopup)
	}
	return nil
}

// RequestTopup creates a QRIS intent for amount and starts watching it.
func (w *Wallets) RequestTopup(ctx context.Context, userID string, amount int64) (domain.PaymentIntent, error) {
	if err := w.validateTopup(amount); err != nil {
		return domain.PaymentIntent{}, err
	}
	return w.createIntent(ctx, userID, amount, domain.PurposeTopup, "TOPUP")
}

// RequestTestAccess creates a QRIS intent that buys paid-test access
// directly instead of funding the wallet.
func (w *Wallets) RequestTestAccess(ctx context.Context, userID string, price int64) (domain.PaymentIntent, error) {
	return w.createIntent(ctx, userID, price, domain.PurposeTestAccess, "TEST")
}

func (w *Wallets) createIntent(ctx context.Context, userID string, amount int64, purpose domain.PaymentPurpose, prefix string) (domain.PaymentIntent, error) {
	intent, err := w.gw.CreateIntent(ctx, gateway.ChargeRequest{
		OrderID: fmt.Sprintf("%s-%s", prefix, uuid.NewString()),
		UserID:  userID,
		Amount:  amount,
		Purpose: purpose,
	})
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if err := w.payments.SaveIntent(ctx, intent); err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("%w: save intent: %v", domain.ErrUpstreamUnavailable, err)
	}
	if w.settlement != nil {
		w.settlement.Watch(intent)
	}
	w.logger.Printf("wallet: created %s intent %s for user %s amount %d", purpose, intent.OrderID, userID, amount)
	return intent, nil
}

// DemoTopup credits immediately without the gateway. Non-production only.
func (w *Wallets) DemoTopup(ctx context.Context, userID string, amount int64) (int64, error) {
	if !w.cfg.DemoAllowed {
		return 0, domain.ErrDemoDisabled
	}
	if err := w.validateTopup(amount); err != nil {
		return 0, err
	}
	bal, err := w.store.Credit(ctx, domain.WalletTransaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        domain.TxTopup,
		Amount:      amount,
		Status:      domain.TxSuccess,
		Description: "Demo top-up (non-production)",
		CreatedAt:   w.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: demo credit: %v", domain.ErrUpstreamUnavailable, err)
	}
	walletCreditsTotal.WithLabelValues("demo").Inc()
	return bal, nil
}

// Debit atomically takes amount from the wallet. The whole debit is
// rejected if the balance would go negative.
func (w *Wallets) Debit(ctx context.Context, p DebitParams) (DebitResult, error) {
	if p.Amount <= 0 {
		return DebitResult{}, fmt.Errorf("%w: debit must be positive", domain.ErrInvalidAmount)
	}
	res, err := w.store.Debit(ctx, p)
	switch {
	case err == nil && res.Replayed:
		walletDebitsTotal.WithLabelValues("replayed").Inc()
	case err == nil:
		walletDebitsTotal.WithLabelValues("success").Inc()
	case errors.Is(err, domain.ErrInsufficientBalance):
		walletDebitsTotal.WithLabelValues("insufficient").Inc()
		return DebitResult{}, err
	case errors.Is(err, domain.ErrIdempotencyConflict), errors.Is(err, domain.ErrIdempotencyMismatch):
		walletDebitsTotal.WithLabelValues("idempotency").Inc()
		return DebitResult{}, err
	default:
		walletDebitsTotal.WithLabelValues("error").Inc()
		return DebitResult{}, fmt.Errorf("%w: debit: %v", domain.ErrUpstreamUnavailable, err)
	}
	return res, nil
}

// Replay returns the stored result of a completed debit made under key.
// Reusing key for a different payload fails with domain.ErrIdempotencyMismatch.
func (w *Wallets) Replay(ctx context.Context, key, requestHash string) (DebitResult, bool, error) {
	rec, ok, err := w.store.Idempotency(ctx, key)
	if err != nil {
		return DebitResult{}, false, fmt.Errorf("%w: idempotency lookup: %v", domain.ErrUpstreamUnavailable, err)
	}
	if !ok {
		return DebitResult{}, false, nil
	}
	if rec.RequestHash != requestHash {
		return DebitResult{}, false, domain.ErrIdempotencyMismatch
	}
	var res DebitResult
	if err := json.Unmarshal(rec.ResponseBody, &res); err != nil {
		return DebitResult{}, false, fmt.Errorf("%w: decode stored debit: %v", domain.ErrUpstreamUnavailable, err)
	}
	res.Replayed = true
	walletDebitsTotal.WithLabelValues("replayed").Inc()
	return res, true, nil
}
