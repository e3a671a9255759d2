package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/newmeclass/internal/domain"
	"github.com/punchamoorthee/newmeclass/internal/service"
)

var _ service.Store = (*Memory)(nil)

// Memory is a process-local Store. A single mutex serialises every
// operation, which gives the same atomicity the Postgres store gets from
// row locks. Values are copied in and out so callers never share slices.
type Memory struct {
	mu sync.Mutex

	questions []domain.Question
	wallets   map[string]domain.Wallet
	txs       map[string][]domain.WalletTransaction
	intents   map[string]domain.PaymentIntent
	sessions  map[string]domain.SessionRecord
	results   map[string]domain.TestResult
	idem      map[string]domain.IdempotencyRecord

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		wallets:  make(map[string]domain.Wallet),
		txs:      make(map[string][]domain.WalletTransaction),
		intents:  make(map[string]domain.PaymentIntent),
		sessions: make(map[string]domain.SessionRecord),
		results:  make(map[string]domain.TestResult),
		idem:     make(map[string]domain.IdempotencyRecord),
		now:      time.Now,
	}
}

func copyQuestion(q domain.Question) domain.Question {
	q.Options = append([]domain.Option(nil), q.Options...)
	return q
}

func copySession(rec domain.SessionRecord) domain.SessionRecord {
	rec.QuestionIDs = append([]string(nil), rec.QuestionIDs...)
	rec.Answers = append([]domain.AnswerEntry(nil), rec.Answers...)
	return rec
}

func copyResult(res domain.TestResult) domain.TestResult {
	cats := make(map[domain.Category]int, len(res.CategoryScores))
	for k, v := range res.CategoryScores {
		cats[k] = v
	}
	res.CategoryScores = cats
	res.Answers = append([]domain.AnswerEntry(nil), res.Answers...)
	return res
}

// Questions

func (m *Memory) ListQuestions(_ context.Context, f service.QuestionFilter) ([]domain.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Question, 0, len(m.questions))
	for _, q := range m.questions {
		if f.TestType != "" && q.TestType() != f.TestType {
			continue
		}
		if f.Category != "" && q.Category.Normalize() != f.Category.Normalize() {
			continue
		}
		out = append(out, copyQuestion(q))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *Memory) QuestionsByID(_ context.Context, ids []string) ([]domain.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := make(map[string]domain.Question, len(m.questions))
	for _, q := range m.questions {
		byID[q.ID] = q
	}
	out := make([]domain.Question, 0, len(ids))
	for _, id := range ids {
		if q, ok := byID[id]; ok {
			out = append(out, copyQuestion(q))
		}
	}
	return out, nil
}

func (m *Memory) ReplaceQuestions(_ context.Context, qs []domain.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.questions = make([]domain.Question, len(qs))
	for i, q := range qs {
		m.questions[i] = copyQuestion(q)
	}
	return nil
}

func (m *Memory) Categories(_ context.Context) ([]domain.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[domain.Category]bool)
	var out []domain.Category
	for _, q := range m.questions {
		c := q.Category.Normalize()
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Wallets

func (m *Memory) GetWallet(_ context.Context, userID string) (domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return domain.Wallet{}, domain.ErrWalletNotFound
	}
	return w, nil
}

func (m *Memory) ListTransactions(_ context.Context, userID string) ([]domain.WalletTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txs := m.txs[userID]
	out := make([]domain.WalletTransaction, len(txs))
	for i, tx := range txs {
		out[len(txs)-1-i] = tx
	}
	return out, nil
}

func (m *Memory) Debit(_ context.Context, p service.DebitParams) (service.DebitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.IdempotencyKey != "" {
		if rec, ok := m.idem[p.IdempotencyKey]; ok {
			if rec.RequestHash != p.RequestHash {
				return service.DebitResult{}, domain.ErrIdempotencyMismatch
			}
			var res service.DebitResult
			if err := json.Unmarshal(rec.ResponseBody, &res); err != nil {
				return service.DebitResult{}, fmt.Errorf("decode stored debit: %w", err)
			}
			res.Replayed = true
			return res, nil
		}
	}

	w, ok := m.wallets[p.UserID]
	if !ok {
		w = domain.Wallet{UserID: p.UserID}
	}
	if w.Balance < p.Amount {
		return service.DebitResult{}, &domain.ShortfallError{Balance: w.Balance, Price: p.Amount, Shortfall: p.Amount - w.Balance}
	}

	now := m.now().UTC()
	w.Balance -= p.Amount
	w.UpdatedAt = now
	m.wallets[p.UserID] = w

	tx := domain.WalletTransaction{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		Type:        domain.TxDebit,
		Amount:      -p.Amount,
		Status:      domain.TxSuccess,
		Description: p.Description,
		CreatedAt:   now,
	}
	m.txs[p.UserID] = append(m.txs[p.UserID], tx)

	if p.GrantTestAccess {
		orderID := "WALLET-" + tx.ID
		m.intents[orderID] = domain.PaymentIntent{
			OrderID:     orderID,
			UserID:      p.UserID,
			GrossAmount: p.Amount,
			Purpose:     domain.PurposeTestAccess,
			Status:      domain.PaymentSettlement,
			CreatedAt:   now,
		}
	}

	res := service.DebitResult{Transaction: tx, NewBalance: w.Balance}
	if p.IdempotencyKey != "" {
		body, err := json.Marshal(res)
		if err != nil {
			return service.DebitResult{}, err
		}
		m.idem[p.IdempotencyKey] = domain.IdempotencyRecord{
			Key:            p.IdempotencyKey,
			RequestHash:    p.RequestHash,
			ResponseBody:   body,
			ResponseStatus: http.StatusOK,
		}
	}
	return res, nil
}

func (m *Memory) Credit(_ context.Context, tx domain.WalletTransaction) (int64, error) {
	if tx.Amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditLocked(tx), nil
}

func (m *Memory) creditLocked(tx domain.WalletTransaction) int64 {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = m.now().UTC()
	}
	w, ok := m.wallets[tx.UserID]
	if !ok {
		w = domain.Wallet{UserID: tx.UserID}
	}
	w.Balance += tx.Amount
	w.UpdatedAt = tx.CreatedAt
	m.wallets[tx.UserID] = w
	m.txs[tx.UserID] = append(m.txs[tx.UserID], tx)
	return w.Balance
}

func (m *Memory) Idempotency(_ context.Context, key string) (domain.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.idem[key]
	return rec, ok, nil
}

// Payments

func (m *Memory) SaveIntent(_ context.Context, intent domain.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.intents[intent.OrderID]; ok {
		return fmt.Errorf("order %s already exists", intent.OrderID)
	}
	if intent.Status == "" {
		intent.Status = domain.PaymentPending
	}
	m.intents[intent.OrderID] = intent

	if intent.Purpose == domain.PurposeTopup {
		m.txs[intent.UserID] = append(m.txs[intent.UserID], domain.WalletTransaction{
			ID:          uuid.NewString(),
			UserID:      intent.UserID,
			Type:        domain.TxTopup,
			Amount:      intent.GrossAmount,
			Status:      domain.TxPending,
			Description: "QRIS top-up",
			OrderID:     intent.OrderID,
			CreatedAt:   intent.CreatedAt,
		})
	}
	return nil
}

func (m *Memory) GetIntent(_ context.Context, orderID string) (domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[orderID]
	if !ok {
		return domain.PaymentIntent{}, domain.ErrIntentNotFound
	}
	return intent, nil
}

func (m *Memory) ResolveIntent(_ context.Context, orderID string, status domain.PaymentStatus) (domain.PaymentIntent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[orderID]
	if !ok {
		return domain.PaymentIntent{}, false, domain.ErrIntentNotFound
	}
	if intent.Status != domain.PaymentPending {
		return intent, false, nil
	}
	intent.Status = status
	m.intents[orderID] = intent

	if intent.Purpose != domain.PurposeTopup {
		return intent, true, nil
	}
	txs := m.txs[intent.UserID]
	for i := range txs {
		if txs[i].OrderID != orderID || txs[i].Status != domain.TxPending {
			continue
		}
		if status.Settled() {
			txs[i].Status = domain.TxSuccess
			w := m.wallets[intent.UserID]
			w.UserID = intent.UserID
			w.Balance += txs[i].Amount
			w.UpdatedAt = m.now().UTC()
			m.wallets[intent.UserID] = w
		} else {
			txs[i].Status = domain.TxFailed
		}
		break
	}
	return intent, true, nil
}

func (m *Memory) PendingIntents(_ context.Context) ([]domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.PaymentIntent
	for _, intent := range m.intents {
		if intent.Status == domain.PaymentPending {
			out = append(out, intent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UserPaymentStatus(_ context.Context, userID string) (domain.UserPaymentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := domain.UserPaymentNone
	for _, intent := range m.intents {
		if intent.UserID != userID || intent.Purpose != domain.PurposeTestAccess {
			continue
		}
		if intent.Status.Settled() {
			return domain.UserPaymentApproved, nil
		}
		if intent.Status == domain.PaymentPending {
			st = domain.UserPaymentPending
		}
	}
	return st, nil
}

// Sessions

func (m *Memory) GetSession(_ context.Context, userID string) (domain.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[userID]
	if !ok {
		return domain.SessionRecord{}, domain.ErrSessionNotFound
	}
	return copySession(rec), nil
}

func (m *Memory) CreateSession(_ context.Context, rec domain.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.sessions[rec.UserID]; ok && cur.State == domain.SessionInProgress {
		return domain.ErrSessionAlreadyActive
	}
	m.sessions[rec.UserID] = copySession(rec)
	return nil
}

func (m *Memory) checkVersionLocked(rec domain.SessionRecord) error {
	cur, ok := m.sessions[rec.UserID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if cur.ID != rec.ID || cur.Version != rec.Version {
		return domain.ErrSessionConflict
	}
	return nil
}

func (m *Memory) UpdateSession(_ context.Context, rec domain.SessionRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkVersionLocked(rec); err != nil {
		return 0, err
	}
	rec.Version++
	m.sessions[rec.UserID] = copySession(rec)
	return rec.Version, nil
}

func (m *Memory) CompleteSession(_ context.Context, rec domain.SessionRecord, res domain.TestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkVersionLocked(rec); err != nil {
		return err
	}
	if _, ok := m.results[res.ID]; ok {
		return fmt.Errorf("result %s already exists", res.ID)
	}
	rec.Version++
	m.sessions[rec.UserID] = copySession(rec)
	m.results[res.ID] = copyResult(res)
	return nil
}

func (m *Memory) DeleteSession(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[userID]; !ok {
		return domain.ErrSessionNotFound
	}
	delete(m.sessions, userID)
	return nil
}

// Results

func (m *Memory) SaveResult(_ context.Context, res domain.TestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.results[res.ID]; ok {
		return fmt.Errorf("result %s already exists", res.ID)
	}
	m.results[res.ID] = copyResult(res)
	return nil
}

func (m *Memory) GetResult(_ context.Context, id string) (domain.TestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.results[id]
	if !ok {
		return domain.TestResult{}, domain.ErrResultNotFound
	}
	return copyResult(res), nil
}

func (m *Memory) ListResults(_ context.Context, userID string) ([]domain.TestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.TestResult
	for _, res := range m.results {
		if res.UserID == userID {
			out = append(out, copyResult(res))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	return out, nil
}

func (m *Memory) HasCompleted(_ context.Context, userID string, t domain.TestType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, res := range m.results {
		if res.UserID == userID && res.TestType == t && res.SessionID != "" {
			return true, nil
		}
	}
	return false, nil
}
