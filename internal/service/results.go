package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/newmeclass/internal/domain"
	"github.com/punchamoorthee/newmeclass/internal/session"
)

// ResultWithAnalysis is the read model of a stored result.
type ResultWithAnalysis struct {
	domain.TestResult
	Analysis session.Analysis `json:"analysis"`
}

type Results struct {
	store ResultStore
	bank  *QuestionBank
	gate  *Gate
	now   func() time.Time
}

func NewResults(store ResultStore, bank *QuestionBank, gate *Gate) *Results {
	return &Results{store: store, bank: bank, gate: gate, now: time.Now}
}

// Record scores a client-submitted answer set against the current bank for
// testType and stores it. Client-side totals are never trusted. Answers to
// questions outside the track are dropped; a later answer to the same
// question wins. Every question of the track must be answered, and a paid
// result needs paid access already granted.
//
// Recorded results carry no session id, so they never count as a completed
// test for entitlement.
func (r *Results) Record(ctx context.Context, userID string, testType domain.TestType, answers []domain.AnswerEntry) (domain.TestResult, error) {
	if !testType.Valid() {
		return domain.TestResult{}, domain.ErrInvalidTestType
	}
	if testType == domain.TestPaid {
		ok, err := r.gate.HasPaidAccess(ctx, userID)
		if err != nil {
			return domain.TestResult{}, err
		}
		if !ok {
			return domain.TestResult{}, domain.ErrPaidAccessRequired
		}
	}
	qs, err := r.bank.List(ctx, QuestionFilter{TestType: testType})
	if err != nil {
		return domain.TestResult{}, err
	}
	if len(qs) == 0 {
		return domain.TestResult{}, domain.ErrNoQuestionsAvailable
	}

	inSet := make(map[string]bool, len(qs))
	for _, q := range qs {
		inSet[q.ID] = true
	}
	byID := make(map[string]string, len(answers))
	for _, a := range answers {
		if inSet[a.QuestionID] {
			byID[a.QuestionID] = a.OptionValue
		}
	}
	kept := make([]domain.AnswerEntry, 0, len(byID))
	for _, q := range qs {
		v, ok := byID[q.ID]
		if !ok {
			return domain.TestResult{}, fmt.Errorf("%w: question %s", domain.ErrAnswerRequired, q.ID)
		}
		if _, ok := q.Option(v); !ok {
			return domain.TestResult{}, fmt.Errorf("%w: %q for question %s", domain.ErrUnknownOption, v, q.ID)
		}
		kept = append(kept, domain.AnswerEntry{QuestionID: q.ID, OptionValue: v})
	}

	total, cats := session.Score(qs, byID)
	res := domain.TestResult{
		ID:             uuid.NewString(),
		UserID:         userID,
		TestType:       testType,
		TotalScore:     total,
		CategoryScores: cats,
		AnsweredCount:  len(byID),
		TotalQuestions: len(qs),
		Answers:        kept,
		CompletedAt:    r.now().UTC(),
	}
	if err := r.store.SaveResult(ctx, res); err != nil {
		return domain.TestResult{}, fmt.Errorf("%w: save result: %v", domain.ErrUpstreamUnavailable, err)
	}
	return res, nil
}

func (r *Results) Get(ctx context.Context, id string) (ResultWithAnalysis, error) {
	res, err := r.store.GetResult(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrResultNotFound) {
			return ResultWithAnalysis{}, err
		}
		return ResultWithAnalysis{}, fmt.Errorf("%w: get result: %v", domain.ErrUpstreamUnavailable, err)
	}
	return ResultWithAnalysis{TestResult: res, Analysis: session.Analyze(res)}, nil
}

func (r *Results) List(ctx context.Context, userID string) ([]domain.TestResult, error) {
	rs, err := r.store.ListResults(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list results: %v", domain.ErrUpstreamUnavailable, err)
	}
	return rs, nil
}
