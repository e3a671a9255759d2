package domain

import (
	"encoding/json"
	"time"
)

type Category string

const (
	CategoryPersonality Category = "personality"
	CategoryTalent      Category = "talent"
	CategorySkills      Category = "skills"
	CategoryInterest    Category = "interest"
	CategoryGeneral     Category = "general"
)

// Normalize maps unknown or empty categories to general.
func (c Category) Normalize() Category {
	switch c {
	case CategoryPersonality, CategoryTalent, CategorySkills, CategoryInterest:
		return c
	default:
		return CategoryGeneral
	}
}

type TestType string

const (
	TestFree TestType = "free"
	TestPaid TestType = "paid"
)

func (t TestType) Valid() bool { return t == TestFree || t == TestPaid }

// Option is one selectable answer. Value is unique within its question.
type Option struct {
	Value string `json:"value"`
	Text  string `json:"text"`
	Score int    `json:"score"`
}

// Question is immutable once fetched for a session.
type Question struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Category Category `json:"category"`
	IsFree   bool     `json:"isFree"`
	Order    int      `json:"order"`
	Options  []Option `json:"options"`
}

// TestType derives the track a question belongs to.
func (q Question) TestType() TestType {
	if q.IsFree {
		return TestFree
	}
	return TestPaid
}

// Option looks up an option by its value.
func (q Question) Option(value string) (Option, bool) {
	for _, o := range q.Options {
		if o.Value == value {
			return o, true
		}
	}
	return Option{}, false
}

// Wallet balance is in the smallest currency unit and never negative.
type Wallet struct {
	UserID    string    `json:"userId"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type TxType string

const (
	TxTopup TxType = "topup"
	TxDebit TxType = "debit"
)

type TxStatus string

const (
	TxPending TxStatus = "pending"
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)

// WalletTransaction is an append-only ledger entry. Amount is signed:
// positive credits, negative debits.
type WalletTransaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        TxType    `json:"type"`
	Amount      int64     `json:"amount"`
	Status      TxStatus  `json:"status"`
	Description string    `json:"description"`
	OrderID     string    `json:"orderId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentSettlement PaymentStatus = "settlement"
	PaymentCapture    PaymentStatus = "capture"
	PaymentExpire     PaymentStatus = "expire"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancel     PaymentStatus = "cancel"
	PaymentDeny       PaymentStatus = "deny"
)

// Settled reports the gateway's terminal success states.
func (s PaymentStatus) Settled() bool {
	return s == PaymentSettlement || s == PaymentCapture
}

// Terminal reports whether no further transition is expected.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentSettlement, PaymentCapture, PaymentExpire, PaymentFailed, PaymentCancel, PaymentDeny:
		return true
	}
	return false
}

type PaymentPurpose string

const (
	PurposeTopup      PaymentPurpose = "topup"
	PurposeTestAccess PaymentPurpose = "test_access"
)

// PaymentIntent is a QRIS charge. Its status is driven by the gateway only.
type PaymentIntent struct {
	OrderID     string         `json:"orderId"`
	UserID      string         `json:"userId"`
	GrossAmount int64          `json:"grossAmount"`
	QRISURL     string         `json:"qrisUrl"`
	Merchant    string         `json:"merchant"`
	Purpose     PaymentPurpose `json:"purpose"`
	Status      PaymentStatus  `json:"status"`
	Demo        bool           `json:"demo,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

// UserPaymentStatus summarises test-access purchases for a user.
type UserPaymentStatus string

const (
	UserPaymentNone     UserPaymentStatus = "none"
	UserPaymentPending  UserPaymentStatus = "pending"
	UserPaymentApproved UserPaymentStatus = "approved"
)

// AnswerEntry keeps answers in insertion order.
type AnswerEntry struct {
	QuestionID  string `json:"questionId"`
	OptionValue string `json:"optionValue"`
}

// TestResult is never mutated once stored. SessionID is set only for
// results produced by completing a session; only those count as a
// completed test.
type TestResult struct {
	ID             string           `json:"id"`
	SessionID      string           `json:"sessionId,omitempty"`
	UserID         string           `json:"userId"`
	TestType       TestType         `json:"testType"`
	TotalScore     int              `json:"totalScore"`
	CategoryScores map[Category]int `json:"categoryScores"`
	AnsweredCount  int              `json:"answeredCount"`
	TotalQuestions int              `json:"totalQuestions"`
	Answers        []AnswerEntry    `json:"answers,omitempty"`
	CompletedAt    time.Time        `json:"completedAt"`
}

// SessionState is the persisted form of a test session.
type SessionState string

const (
	SessionNotStarted SessionState = "not_started"
	SessionInProgress SessionState = "in_progress"
	SessionCompleted  SessionState = "completed"
)

// SessionRecord is what the session store keeps per user. Version guards
// read-modify-write cycles.
type SessionRecord struct {
	ID           string        `json:"id"`
	UserID       string        `json:"userId"`
	TestType     TestType      `json:"testType"`
	QuestionIDs  []string      `json:"questionIds"`
	CurrentIndex int           `json:"currentIndex"`
	Answers      []AnswerEntry `json:"answers"`
	State        SessionState  `json:"state"`
	Version      int64         `json:"version"`
	StartedAt    time.Time     `json:"startedAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// IdempotencyRecord holds the stored response for a replayable request.
type IdempotencyRecord struct {
	Key            string
	RequestHash    string
	ResponseBody   json.RawMessage
	ResponseStatus int
}
