package service_test

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/newmeclass/internal/domain"
	"github.com/punchamoorthee/newmeclass/internal/gateway"
	"github.com/punchamoorthee/newmeclass/internal/poller"
	"github.com/punchamoorthee/newmeclass/internal/service"
	"github.com/punchamoorthee/newmeclass/internal/store"
)

const testPrice = 50000

type env struct {
	mem        *store.Memory
	gw         *gateway.DemoGateway
	bank       *service.QuestionBank
	settlement *service.Settlement
	wallets    *service.Wallets
	gate       *service.Gate
	sessions   *service.Sessions
	results    *service.Results
}

type envOpts struct {
	demoAllowed bool
	expiry      time.Duration
	poller      *poller.Poller
}

func newEnv(t *testing.T, o envOpts) *env {
	t.Helper()
	if o.expiry == 0 {
		o.expiry = time.Hour
	}
	logger := log.New(io.Discard, "", 0)
	mem := store.NewMemory()
	gw := gateway.NewDemoGateway("NEWMECLASS", o.expiry)
	bank := service.NewQuestionBank(mem, logger)
	settlement := service.NewSettlement(mem, gw, o.poller, logger)
	wallets := service.NewWallets(mem, mem, gw, settlement, service.WalletConfig{
		MinTopup:    10000,
		DemoAllowed: o.demoAllowed,
	}, logger)
	gate := service.NewGate(wallets, mem, mem, testPrice)
	return &env{
		mem:        mem,
		gw:         gw,
		bank:       bank,
		settlement: settlement,
		wallets:    wallets,
		gate:       gate,
		sessions:   service.NewSessions(mem, bank, gate, logger),
		results:    service.NewResults(mem, bank, gate),
	}
}

func (e *env) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := e.wallets.DemoTopup(context.Background(), userID, amount)
	require.NoError(t, err)
}

func (e *env) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := e.wallets.BalanceOrZero(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func TestFetchOrSeedPartitionsEveryQuestionOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOpts{})

	p, err := e.bank.FetchOrSeed(ctx)
	require.NoError(t, err)
	assert.Len(t, p.Free, 5)
	assert.Len(t, p.Paid, 10)

	seen := map[string]int{}
	for _, q := range p.Free {
		assert.True(t, q.IsFree)
		seen[q.ID]++
	}
	for _, q := range p.Paid {
		assert.False(t, q.IsFree)
		seen[q.ID]++
	}
	assert.Len(t, seen, 15)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}

	again, err := e.bank.FetchOrSeed(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.Free[0].ID, again.Free[0].ID, "a populated bank is not reseeded")
}

func TestSeedIfEmptyLeavesPopulatedBank(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOpts{})

	first, seeded, err := e.bank.SeedIfEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, seeded)
	assert.Equal(t, 15, first.Total)
	before, err := e.bank.Fetch(ctx)
	require.NoError(t, err)

	again, seeded, err := e.bank.SeedIfEmpty(ctx)
	require.NoError(t, err)
	assert.False(t, seeded)
	assert.Equal(t, 5, again.FreeCount)
	assert.Equal(t, 10, again.PaidCount)

	after, err := e.bank.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Free[0].ID, after.Free[0].ID)
}

func TestQuestionFilters(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOpts{})
	_, err := e.bank.Seed(ctx)
	require.NoError(t, err)

	free, err := e.bank.List(ctx, service.QuestionFilter{TestType: domain.TestFree})
	require.NoError(t, err)
	require.Len(t, free, 5)
	for i := 1; i < len(free); i++ {
		assert.Less(t, free[i-1].Order, free[i].Order)
	}

	talent, err := e.bank.List(ctx, service.QuestionFilter{Category: domain.CategoryTalent})
	require.NoError(t, err)
	require.NotEmpty(t, talent)
	for _, q := range talent {
		assert.Equal(t, domain.CategoryTalent, q.Category)
	}

	cats, err := e.bank.Categories(ctx)
	require.NoError(t, err)
	assert.Contains(t, cats, domain.CategoryPersonality)
}

func TestPaidEntryDeniedWithShortfall(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOpts{})

	d, err := e.gate.EnterPaid(ctx, service.PaidEntry{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Balance)
	assert.Equal(t, int64(testPrice), d.Shortfall)
	assert.ErrorIs(t, d.Err(), domain.ErrInsufficientBalance)

	txs, err := e.wallets.Transactions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestPaidEntryDebitsOnceThenUsesApproval(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOpts{demoAllowed: true})
	e.fund(t, "u1", 60000)

	d, err := e.gate.EnterPaid(ctx, service.PaidEntry{UserID: "u1"})
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, service.ViaDebit, d.Via)
	require.NotNil(t, d.NewBalance)
	assert.Equal(t, int64(10000), *d.NewBalance)

	st, err := e.mem.UserPaymentStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.UserPaymentApproved, st)

	again, err := e.gate.EnterPaid(ctx, service.PaidEntry{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, again.Allowed)
	assert.Equal(t, service.ViaPriorApproval, again.Via)
	assert.Equal(t, int64(10000), e.balance(t, "u1"))
}

func TestPaidEntryIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOpts{demoAllowed: true})
	e.fund(t, "u1", 60000)

	req := service.PaidEntry{UserID: "u1", IdempotencyKey: "key-1", RequestHash: "h1"}
	first, err := e.gate.EnterPaid(ctx, req)
	require.NoError(t, err)
	second, err := e.gate.EnterPaid(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, service.ViaDebit, second.Via)
	assert.Equal(t, *first.NewBalance, *second.NewBalance)
	assert.Equal(t, int64(60000), second.Balance)
	assert.Equal(t, int64(10000), e.balance(t, "u1"))

	req.RequestHash = "h2"
	_, err = e.gate.EnterPaid(ctx, req)
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
}

func TestConcurrentDebitsAndCreditsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOpts{demoAllowed: true})
	e.fund(t, "u1", 100000)

	const (
		debits  = 50
		credits = 10
		amount  = 3000
	)
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < debits; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.wallets.Debit(ctx, service.DebitParams{UserID: "u1", Amount: amount, Description: "load"})
			if err == nil {
				succeeded.Add(1)
				return
			}
			assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
		}()
	}
	for i := 0; i < credits; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.wallets.DemoTopup(ctx, "u1", 10000)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	want := int64(100000+credits*10000) - succeeded.Load()*amount
	bal := e.balance(t, "u1")
	assert.Equal(t, want, bal)
	assert.GreaterOrEqual(t, bal, int64(0))

	txs, err := e.wallets.Transactions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, txs, 1+credits+int(succeeded.Load()))
	var sum int64
	for _, tx := range txs {
		sum += tx.Amount
	}
	assert.Equal(t, bal, sum)
}

func TestDebitValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOpts{})

	_, err := e.wallets.Debit(ctx, service.DebitParams{UserID: "u1", Amount: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = e.wallets.Debit(ctx, service.DebitParams{UserID: "u1", Amount: 100})
	var sf *domain.ShortfallError
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, int64(100), sf.Shortfall)

	_, err = e.wallets.Balance(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
}

func TestTopupValidationAndDemoGuard(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOpts{})

	_, err := e.wallets.RequestTopup(ctx, "u1", 5000)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = e.wallets.DemoTopup(ctx, "u1", 20000)
	assert.ErrorIs(t, err, domain.ErrDemoDisabled)
	assert.Equal(t, int64(0), e.balance(t, "u1"))
}

func TestSettlementCreditsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOpts{})

	intent, err := e.wallets.RequestTopup(ctx, "u1", 20000)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, intent.Status)
	assert.NotEmpty(t, intent.QRISURL)

	st, err := e.settlement.Check(ctx, intent.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, st)
	assert.Equal(t, int64(0), e.balance(t, "u1"))

	e.gw.SetStatus(intent.OrderID, domain.PaymentSettlement)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := e.settlement.Check(ctx, intent.OrderID)
			assert.NoError(t, err)
			assert.Equal(t, domain.PaymentSettlement, st)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20000), e.balance(t, "u1"))

	applied, err := e.settlement.Apply(ctx, intent.OrderID, domain.PaymentSettlement)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(20000), e.balance(t, "u1"))

	txs, err := e.wallets.Transactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxSuccess, txs[0].Status)
	assert.Equal(t, intent.OrderID, txs[0].OrderID)
}

func TestSettlementGatewayOutageLeavesIntentPending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOpts{})

	intent, err := e.wallets.RequestTopup(ctx, "u1", 20000)
	require.NoError(t, err)
	e.gw.SetStatus(intent.OrderID, domain.PaymentSettlement)
	e.gw.FailNext(1)

	_, err = e.settlement.Check(ctx, intent.OrderID)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	stored, err := e.mem.GetIntent(ctx, intent.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, stored.Status)

	st, err := e.settlement.Check(ctx, intent.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSettlement, st)
	assert.Equal(t, int64(20000), e.balance(t, "u1"))
}

func TestExpiredIntentFailsTransaction(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOpts{expiry: -time.Minute})

	intent, err := e.wallets.RequestTopup(ctx, "u1", 20000)
	require.NoError(t, err)

	st, err := e.settlement.Check(ctx, intent.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentExpire, st)
	assert.Zero(t, e.gw.StatusCalls(intent.OrderID), "expired intents are not polled")

	// a late settlement from the gateway is ignored
	applied, err := e.settlement.Apply(ctx, intent.OrderID, domain.PaymentSettlement)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(0), e.balance(t, "u1"))

	txs, err := e.wallets.Transactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxFailed, txs[0].Status)
}

func TestCheckUnknownOrder(t *testing.T) {
	e := newEnv(t, envOpts{})
	_, err := e.settlement.Check(context.Background(), "TOPUP-missing")
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
}

func TestTestAccessPaymentApprovesPaidEntry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOpts{})

	intent, err := e.wallets.RequestTestAccess(ctx, "u1", testPrice)
	require.NoError(t, err)
	assert.Equal(t, domain.PurposeTestAccess, intent.Purpose)

	st, err := e.mem.UserPaymentStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.UserPaymentPending, st)

	e.gw.SetStatus(intent.OrderID, domain.PaymentSettlement)
	_, err = e.settlement.Check(ctx, intent.OrderID)
	require.NoError(t, err)

	d, err := e.gate.EnterPaid(ctx, service.PaidEntry{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, service.ViaPriorApproval, d.Via)
	assert.Equal(t, int64(0), e.balance(t, "u1"), "test access never funds the wallet")
}

func TestBackgroundWatcherSettles(t *testing.T) {
	ctx := context.Background()
	p := poller.New(10*time.Millisecond, log.New(io.Discard, "", 0))
	defer p.Shutdown()
	e := newEnv(t, envOpts{poller: p})

	intent, err := e.wallets.RequestTopup(ctx, "u1", 20000)
	require.NoError(t, err)
	require.True(t, p.Watching(intent.OrderID))

	e.gw.SetStatus(intent.OrderID, domain.PaymentSettlement)
	require.Eventually(t, func() bool {
		b, err := e.wallets.BalanceOrZero(ctx, "u1")
		return err == nil && b == 20000
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !p.Watching(intent.OrderID) }, time.Second, 5*time.Millisecond)
}

func TestCancelAndResumeWatcher(t *testing.T) {
	ctx := context.Background()
	p := poller.New(time.Hour, log.New(io.Discard, "", 0))
	defer p.Shutdown()
	e := newEnv(t, envOpts{poller: p})

	intent, err := e.wallets.RequestTopup(ctx, "u1", 20000)
	require.NoError(t, err)
	assert.True(t, e.settlement.Cancel(intent.OrderID))
	require.Eventually(t, func() bool { return !p.Watching(intent.OrderID) }, time.Second, 5*time.Millisecond)

	n, err := e.settlement.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, p.Watching(intent.OrderID))
}

func TestPreview(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOpts{demoAllowed: true})

	p, err := e.gate.Preview(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.CanEnterFree)
	assert.False(t, p.Paid.Allowed)
	assert.Equal(t, int64(testPrice), p.Paid.Shortfall)
	assert.Equal(t, domain.UserPaymentNone, p.PaymentStatus)

	e.fund(t, "u1", 60000)
	p, err = e.gate.Preview(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.Paid.Allowed)
	assert.Equal(t, service.ViaDebit, p.Paid.Via)
	assert.Equal(t, int64(60000), e.balance(t, "u1"), "preview never debits")
}
