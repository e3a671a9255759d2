package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/newmeclass/internal/domain"
	"github.com/punchamoorthee/newmeclass/internal/session"
)

// SessionView is what a client needs to render the current step.
type SessionView struct {
	SessionID      string               `json:"sessionId"`
	TestType       domain.TestType      `json:"testType"`
	State          domain.SessionState  `json:"state"`
	CurrentIndex   int                  `json:"currentIndex"`
	TotalQuestions int                  `json:"totalQuestions"`
	AnsweredCount  int                  `json:"answeredCount"`
	Question       *domain.Question     `json:"question,omitempty"`
	SelectedOption string               `json:"selectedOption,omitempty"`
	Answers        []domain.AnswerEntry `json:"answers"`
	CanSubmit      bool                 `json:"canSubmit"`
}

func viewOf(rec domain.SessionRecord, m *session.Machine) SessionView {
	v := SessionView{
		SessionID:      rec.ID,
		TestType:       m.TestType(),
		State:          m.State(),
		CurrentIndex:   m.CurrentIndex(),
		TotalQuestions: m.Len(),
		AnsweredCount:  m.AnsweredCount(),
		Answers:        m.Answers(),
	}
	if q, ok := m.Current(); ok {
		v.Question = &q
		v.SelectedOption, _ = m.Answer(q.ID)
	}
	v.CanSubmit = m.State() == domain.SessionInProgress &&
		m.AnsweredCount() == m.Len() && m.CurrentIndex() == m.Len()-1
	return v
}

// StartResult carries the new session and, for paid tests, the access
// decision that admitted it.
type StartResult struct {
	Session  SessionView `json:"session"`
	Decision *Decision   `json:"decision,omitempty"`
}

// Sessions persists the state machine per user. Each operation loads the
// record, applies exactly one transition and writes it back under the
// record's version, so concurrent writers cannot reorder steps.
type Sessions struct {
	store  SessionStore
	bank   *QuestionBank
	gate   *Gate
	logger *log.Logger
	now    func() time.Time
}

func NewSessions(store SessionStore, bank *QuestionBank, gate *Gate, logger *log.Logger) *Sessions {
	return &Sessions{store: store, bank: bank, gate: gate, logger: logger, now: time.Now}
}

func (s *Sessions) activeRecord(ctx context.Context, userID string) (domain.SessionRecord, bool, error) {
	rec, err := s.store.GetSession(ctx, userID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return domain.SessionRecord{}, false, nil
	}
	if err != nil {
		return domain.SessionRecord{}, false, fmt.Errorf("%w: get session: %v", domain.ErrUpstreamUnavailable, err)
	}
	return rec, rec.State == domain.SessionInProgress, nil
}

// Start opens a session for testType. Entitlement is checked, and a paid
// entry debited, only after every local precondition holds.
func (s *Sessions) Start(ctx context.Context, userID string, testType domain.TestType) (StartResult, error) {
	if !testType.Valid() {
		return StartResult{}, domain.ErrInvalidTestType
	}
	if _, active, err := s.activeRecord(ctx, userID); err != nil {
		return StartResult{}, err
	} else if active {
		return StartResult{}, domain.ErrSessionAlreadyActive
	}

	if testType == domain.TestFree {
		ok, err := s.gate.CanEnterFree(ctx, userID)
		if err != nil {
			return StartResult{}, err
		}
		if !ok {
			return StartResult{}, domain.ErrFreeTestCompleted
		}
	}

	part, err := s.bank.FetchOrSeed(ctx)
	if err != nil {
		return StartResult{}, err
	}
	questions := part.For(testType)
	if len(questions) == 0 {
		return StartResult{}, domain.ErrNoQuestionsAvailable
	}

	var decision *Decision
	if testType == domain.TestPaid {
		d, err := s.gate.EnterPaid(ctx, PaidEntry{UserID: userID})
		if err != nil {
			return StartResult{}, err
		}
		if !d.Allowed {
			return StartResult{Decision: &d}, d.Err()
		}
		decision = &d
	}

	m := session.New()
	if err := m.Start(testType, questions); err != nil {
		return StartResult{}, err
	}
	now := s.now().UTC()
	rec := domain.SessionRecord{ID: uuid.NewString(), UserID: userID, StartedAt: now, UpdatedAt: now, Version: 1}
	m.Snapshot(&rec)
	if err := s.store.CreateSession(ctx, rec); err != nil {
		if decision != nil && decision.Via == ViaDebit {
			s.logger.Printf("sessions: user %s was debited but session create failed: %v", userID, err)
		}
		if errors.Is(err, domain.ErrSessionAlreadyActive) {
			return StartResult{}, err
		}
		return StartResult{}, fmt.Errorf("%w: create session: %v", domain.ErrUpstreamUnavailable, err)
	}
	return StartResult{Session: viewOf(rec, m), Decision: decision}, nil
}

func (s *Sessions) load(ctx context.Context, userID string) (domain.SessionRecord, *session.Machine, error) {
	rec, err := s.store.GetSession(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return rec, nil, err
		}
		return rec, nil, fmt.Errorf("%w: get session: %v", domain.ErrUpstreamUnavailable, err)
	}
	byID, err := s.bank.Lookup(ctx, rec.QuestionIDs)
	if err != nil {
		return rec, nil, err
	}
	m, err := session.Restore(rec, func(id string) (domain.Question, bool) {
		q, ok := byID[id]
		return q, ok
	})
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			// the question bank was reseeded under this session
			s.logger.Printf("sessions: dropping stale session %s for user %s: %v", rec.ID, userID, err)
			_ = s.store.DeleteSession(ctx, userID)
		}
		return rec, nil, err
	}
	return rec, m, nil
}

// Current returns the persisted session, resuming where the user left off.
func (s *Sessions) Current(ctx context.Context, userID string) (SessionView, error) {
	rec, m, err := s.load(ctx, userID)
	if err != nil {
		return SessionView{}, err
	}
	return viewOf(rec, m), nil
}

func (s *Sessions) mutate(ctx context.Context, userID string, fn func(m *session.Machine) error) (SessionView, error) {
	rec, m, err := s.load(ctx, userID)
	if err != nil {
		return SessionView{}, err
	}
	if err := fn(m); err != nil {
		return SessionView{}, err
	}
	m.Snapshot(&rec)
	rec.UpdatedAt = s.now().UTC()
	v, err := s.store.UpdateSession(ctx, rec)
	if err != nil {
		if errors.Is(err, domain.ErrSessionConflict) {
			return SessionView{}, err
		}
		return SessionView{}, fmt.Errorf("%w: update session: %v", domain.ErrUpstreamUnavailable, err)
	}
	rec.Version = v
	return viewOf(rec, m), nil
}

func (s *Sessions) Answer(ctx context.Context, userID, questionID, optionValue string) (SessionView, error) {
	return s.mutate(ctx, userID, func(m *session.Machine) error {
		return m.Record(questionID, optionValue)
	})
}

func (s *Sessions) Next(ctx context.Context, userID string) (SessionView, error) {
	return s.mutate(ctx, userID, (*session.Machine).Next)
}

func (s *Sessions) Previous(ctx context.Context, userID string) (SessionView, error) {
	return s.mutate(ctx, userID, (*session.Machine).Previous)
}

// Submit scores the session and persists the result together with the
// completed session.
func (s *Sessions) Submit(ctx context.Context, userID string) (domain.TestResult, error) {
	rec, m, err := s.load(ctx, userID)
	if err != nil {
		return domain.TestResult{}, err
	}
	res, err := m.Submit(userID, s.now())
	if err != nil {
		return domain.TestResult{}, err
	}
	res.ID = uuid.NewString()
	res.SessionID = rec.ID
	m.Snapshot(&rec)
	rec.UpdatedAt = res.CompletedAt
	if err := s.store.CompleteSession(ctx, rec, res); err != nil {
		if errors.Is(err, domain.ErrSessionConflict) {
			return domain.TestResult{}, err
		}
		return domain.TestResult{}, fmt.Errorf("%w: complete session: %v", domain.ErrUpstreamUnavailable, err)
	}
	sessionsCompletedTotal.WithLabelValues(string(res.TestType)).Inc()
	s.logger.Printf("sessions: user %s completed %s test, score %d", userID, res.TestType, res.TotalScore)
	return res, nil
}

// Reset drops the user's session whatever its state.
func (s *Sessions) Reset(ctx context.Context, userID string) error {
	if err := s.store.DeleteSession(ctx, userID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return fmt.Errorf("%w: delete session: %v", domain.ErrUpstreamUnavailable, err)
	}
	return nil
}
