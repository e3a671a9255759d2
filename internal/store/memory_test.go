package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/newmeclass/internal/domain"
	"github.com/punchamoorthee/newmeclass/internal/service"
)

func session(userID string, state domain.SessionState) domain.SessionRecord {
	return domain.SessionRecord{
		ID:          "s-" + userID,
		UserID:      userID,
		TestType:    domain.TestFree,
		QuestionIDs: []string{"q1", "q2"},
		State:       state,
		Version:     1,
		StartedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func TestSessionVersioning(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rec := session("u1", domain.SessionInProgress)
	require.NoError(t, m.CreateSession(ctx, rec))
	assert.ErrorIs(t, m.CreateSession(ctx, rec), domain.ErrSessionAlreadyActive)

	rec.CurrentIndex = 1
	v, err := m.UpdateSession(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// rec still carries version 1
	_, err = m.UpdateSession(ctx, rec)
	assert.ErrorIs(t, err, domain.ErrSessionConflict)

	rec.Version = v
	rec.State = domain.SessionCompleted
	res := domain.TestResult{ID: "r1", SessionID: rec.ID, UserID: "u1", TestType: domain.TestFree, CompletedAt: time.Now()}
	require.NoError(t, m.CompleteSession(ctx, rec, res))

	done, err := m.HasCompleted(ctx, "u1", domain.TestFree)
	require.NoError(t, err)
	assert.True(t, done)

	// a finished session is replaced by a new one
	next := session("u1", domain.SessionInProgress)
	next.ID = "s-u1-2"
	require.NoError(t, m.CreateSession(ctx, next))
	got, err := m.GetSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "s-u1-2", got.ID)

	require.NoError(t, m.DeleteSession(ctx, "u1"))
	assert.ErrorIs(t, m.DeleteSession(ctx, "u1"), domain.ErrSessionNotFound)
	_, err = m.UpdateSession(ctx, next)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestConcurrentSessionUpdatesSerialise(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rec := session("u1", domain.SessionInProgress)
	require.NoError(t, m.CreateSession(ctx, rec))

	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.UpdateSession(ctx, rec); err == nil {
				won.Add(1)
			} else {
				assert.ErrorIs(t, err, domain.ErrSessionConflict)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}

func TestResolveIntentOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	intent := domain.PaymentIntent{
		OrderID:     "TOPUP-1",
		UserID:      "u1",
		GrossAmount: 25000,
		Purpose:     domain.PurposeTopup,
		Status:      domain.PaymentPending,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, m.SaveIntent(ctx, intent))
	assert.Error(t, m.SaveIntent(ctx, intent))

	pending, err := m.PendingIntents(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, applied, err := m.ResolveIntent(ctx, "TOPUP-1", domain.PaymentCapture)
	require.NoError(t, err)
	assert.True(t, applied)
	_, applied, err = m.ResolveIntent(ctx, "TOPUP-1", domain.PaymentSettlement)
	require.NoError(t, err)
	assert.False(t, applied)

	w, err := m.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(25000), w.Balance)

	_, _, err = m.ResolveIntent(ctx, "TOPUP-2", domain.PaymentSettlement)
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
}

func TestDebitIdempotencyAndGrant(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Credit(ctx, domain.WalletTransaction{UserID: "u1", Type: domain.TxTopup, Amount: 70000, Status: domain.TxSuccess})
	require.NoError(t, err)

	p := service.DebitParams{UserID: "u1", Amount: 50000, IdempotencyKey: "k", RequestHash: "h", GrantTestAccess: true}
	first, err := m.Debit(ctx, p)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, int64(20000), first.NewBalance)
	assert.Equal(t, int64(-50000), first.Transaction.Amount)

	again, err := m.Debit(ctx, p)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Transaction.ID, again.Transaction.ID)

	p.RequestHash = "other"
	_, err = m.Debit(ctx, p)
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)

	rec, ok, err := m.Idempotency(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "h", rec.RequestHash)

	st, err := m.UserPaymentStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.UserPaymentApproved, st)

	_, err = m.Debit(ctx, service.DebitParams{UserID: "u1", Amount: 50000})
	var sf *domain.ShortfallError
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, int64(20000), sf.Balance)
	assert.Equal(t, int64(30000), sf.Shortfall)
}

func TestListOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.ReplaceQuestions(ctx, []domain.Question{
		{ID: "b", Order: 2, Category: domain.CategoryTalent},
		{ID: "a", Order: 1, IsFree: true, Category: "mystery"},
	}))
	qs, err := m.ListQuestions(ctx, service.QuestionFilter{})
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, "a", qs[0].ID)

	general, err := m.ListQuestions(ctx, service.QuestionFilter{Category: domain.CategoryGeneral})
	require.NoError(t, err)
	require.Len(t, general, 1)
	assert.Equal(t, "a", general[0].ID)

	byID, err := m.QuestionsByID(ctx, []string{"b", "missing", "a"})
	require.NoError(t, err)
	require.Len(t, byID, 2)
	assert.Equal(t, "b", byID[0].ID)

	now := time.Now()
	require.NoError(t, m.SaveResult(ctx, domain.TestResult{ID: "old", UserID: "u1", CompletedAt: now.Add(-time.Hour)}))
	require.NoError(t, m.SaveResult(ctx, domain.TestResult{ID: "new", UserID: "u1", CompletedAt: now}))
	rs, err := m.ListResults(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, "new", rs[0].ID)

	_, err = m.Credit(ctx, domain.WalletTransaction{UserID: "u1", Amount: 10000, CreatedAt: now.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = m.Credit(ctx, domain.WalletTransaction{UserID: "u1", Amount: 20000, CreatedAt: now})
	require.NoError(t, err)
	txs, err := m.ListTransactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(20000), txs[0].Amount)

	_, err = m.Credit(ctx, domain.WalletTransaction{UserID: "u1", Amount: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestHasCompletedCountsSessionResultsOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SaveResult(ctx, domain.TestResult{ID: "posted", UserID: "u1", TestType: domain.TestPaid, CompletedAt: time.Now()}))
	done, err := m.HasCompleted(ctx, "u1", domain.TestPaid)
	require.NoError(t, err)
	assert.False(t, done)

	rec := session("u1", domain.SessionInProgress)
	rec.TestType = domain.TestPaid
	require.NoError(t, m.CreateSession(ctx, rec))
	rec.State = domain.SessionCompleted
	require.NoError(t, m.CompleteSession(ctx, rec, domain.TestResult{
		ID: "finished", SessionID: rec.ID, UserID: "u1", TestType: domain.TestPaid, CompletedAt: time.Now(),
	}))
	done, err = m.HasCompleted(ctx, "u1", domain.TestPaid)
	require.NoError(t, err)
	assert.True(t, done)
}
