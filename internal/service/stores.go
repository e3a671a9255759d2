package service

import (
	"context"

	"github.com/punchamoorthee/newmeclass/internal/domain"
)

// QuestionFilter narrows a question listing. Zero values match everything.
type QuestionFilter struct {
	TestType domain.TestType
	Category domain.Category
}

type QuestionStore interface {
	ListQuestions(ctx context.Context, f QuestionFilter) ([]domain.Question, error)
	QuestionsByID(ctx context.Context, ids []string) ([]domain.Question, error)
	ReplaceQuestions(ctx context.Context, qs []domain.Question) error
	Categories(ctx context.Context) ([]domain.Category, error)
}

// DebitParams describes one atomic wallet debit. IdempotencyKey is optional;
// when set, RequestHash identifies the payload it was first used with.
// GrantTestAccess records an approved test-access payment in the same
// transaction as the debit.
type DebitParams struct {
	UserID          string
	Amount          int64
	Description     string
	IdempotencyKey  string
	RequestHash     string
	GrantTestAccess bool
}

type DebitResult struct {
	Transaction domain.WalletTransaction `json:"transaction"`
	NewBalance  int64                    `json:"newBalance"`
	Replayed    bool                     `json:"-"`
}

type WalletStore interface {
	GetWallet(ctx context.Context, userID string) (domain.Wallet, error)
	ListTransactions(ctx context.Context, userID string) ([]domain.WalletTransaction, error)
	// Debit fails with *domain.ShortfallError when the balance is too low.
	Debit(ctx context.Context, p DebitParams) (DebitResult, error)
	// Credit applies an immediate successful credit and returns the new balance.
	Credit(ctx context.Context, tx domain.WalletTransaction) (int64, error)
	// Idempotency returns the stored outcome of a completed keyed debit.
	Idempotency(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error)
}

type PaymentStore interface {
	// SaveIntent stores a new intent. Top-up intents also record a pending
	// wallet transaction carrying the order id.
	SaveIntent(ctx context.Context, intent domain.PaymentIntent) error
	GetIntent(ctx context.Context, orderID string) (domain.PaymentIntent, error)
	// ResolveIntent moves a pending intent to a terminal status. It reports
	// applied=false, without side effects, when the intent was not pending.
	// Settling a top-up credits the wallet in the same transaction.
	ResolveIntent(ctx context.Context, orderID string, status domain.PaymentStatus) (domain.PaymentIntent, bool, error)
	PendingIntents(ctx context.Context) ([]domain.PaymentIntent, error)
	UserPaymentStatus(ctx context.Context, userID string) (domain.UserPaymentStatus, error)
}

type SessionStore interface {
	GetSession(ctx context.Context, userID string) (domain.SessionRecord, error)
	// CreateSession fails with domain.ErrSessionAlreadyActive when the user
	// has an in-progress session. A finished one is replaced.
	CreateSession(ctx context.Context, rec domain.SessionRecord) error
	// UpdateSession writes rec if the stored version equals rec.Version and
	// returns the new version, otherwise domain.ErrSessionConflict.
	UpdateSession(ctx context.Context, rec domain.SessionRecord) (int64, error)
	// CompleteSession is UpdateSession plus persisting the result atomically.
	CompleteSession(ctx context.Context, rec domain.SessionRecord, res domain.TestResult) error
	DeleteSession(ctx context.Context, userID string) error
}

type ResultStore interface {
	SaveResult(ctx context.Context, res domain.TestResult) error
	GetResult(ctx context.Context, id string) (domain.TestResult, error)
	ListResults(ctx context.Context, userID string) ([]domain.TestResult, error)
	HasCompleted(ctx context.Context, userID string, t domain.TestType) (bool, error)
}

// Store is everything the services need from persistence.
type Store interface {
	QuestionStore
	WalletStore
	PaymentStore
	SessionStore
	ResultStore
}
