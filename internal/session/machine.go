// Package session implements the test-taking state machine. It performs no
// I/O; callers load a Machine from a persisted record, apply one operation
// and save the resulting record.
package session

import (
	"fmt"
	"time"

	"github.com/punchamoorthee/newmeclass/internal/domain"
)

// Machine walks NotStarted -> InProgress -> Completed.
type Machine struct {
	state     domain.SessionState
	testType  domain.TestType
	questions []domain.Question
	index     int

	answers map[string]string
	order   []string
}

func New() *Machine {
	return &Machine{state: domain.SessionNotStarted}
}

func (m *Machine) State() domain.SessionState { return m.state }
func (m *Machine) TestType() domain.TestType  { return m.testType }
func (m *Machine) CurrentIndex() int          { return m.index }
func (m *Machine) Len() int                   { return len(m.questions) }
func (m *Machine) AnsweredCount() int         { return len(m.order) }

// Current returns the question under the cursor.
func (m *Machine) Current() (domain.Question, bool) {
	if m.state != domain.SessionInProgress || len(m.questions) == 0 {
		return domain.Question{}, false
	}
	return m.questions[m.index], true
}

// Questions returns the ordered question list of the active session.
func (m *Machine) Questions() []domain.Question { return m.questions }

// Answer returns the recorded option value for a question.
func (m *Machine) Answer(questionID string) (string, bool) {
	v, ok := m.answers[questionID]
	return v, ok
}

// Answers returns the answers in the order they were first given.
func (m *Machine) Answers() []domain.AnswerEntry {
	out := make([]domain.AnswerEntry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, domain.AnswerEntry{QuestionID: id, OptionValue: m.answers[id]})
	}
	return out
}

// Start enters InProgress at the first question with no answers.
func (m *Machine) Start(testType domain.TestType, questions []domain.Question) error {
	if m.state == domain.SessionInProgress {
		return domain.ErrSessionAlreadyActive
	}
	if !testType.Valid() {
		return domain.ErrInvalidTestType
	}
	if len(questions) == 0 {
		return domain.ErrNoQuestionsAvailable
	}
	m.state = domain.SessionInProgress
	m.testType = testType
	m.questions = questions
	m.index = 0
	m.answers = make(map[string]string, len(questions))
	m.order = m.order[:0]
	return nil
}

// Record stores or overwrites the answer for any question of the session.
// An overwrite keeps the question's original position in the answer order.
func (m *Machine) Record(questionID, optionValue string) error {
	if m.state != domain.SessionInProgress {
		return domain.ErrSessionNotActive
	}
	q, ok := m.question(questionID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownQuestion, questionID)
	}
	if _, ok := q.Option(optionValue); !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownOption, optionValue)
	}
	if _, seen := m.answers[questionID]; !seen {
		m.order = append(m.order, questionID)
	}
	m.answers[questionID] = optionValue
	return nil
}

// Next advances the cursor once the current question is answered. The
// cursor stays on the last question.
func (m *Machine) Next() error {
	if m.state != domain.SessionInProgress {
		return domain.ErrSessionNotActive
	}
	if _, ok := m.answers[m.questions[m.index].ID]; !ok {
		return domain.ErrAnswerRequired
	}
	if m.index < len(m.questions)-1 {
		m.index++
	}
	return nil
}

// Previous moves the cursor back, stopping at 0.
func (m *Machine) Previous() error {
	if m.state != domain.SessionInProgress {
		return domain.ErrSessionNotActive
	}
	if m.index > 0 {
		m.index--
	}
	return nil
}

// Submit scores the session and moves it to Completed. Every question must
// be answered and the cursor must be on the last question.
func (m *Machine) Submit(userID string, now time.Time) (domain.TestResult, error) {
	if m.state != domain.SessionInProgress {
		return domain.TestResult{}, domain.ErrSessionNotActive
	}
	if len(m.answers) != len(m.questions) {
		return domain.TestResult{}, fmt.Errorf("%w: %d of %d answered", domain.ErrAnswerRequired, len(m.answers), len(m.questions))
	}
	if m.index != len(m.questions)-1 {
		return domain.TestResult{}, domain.ErrNotLastQuestion
	}

	total, categories := Score(m.questions, m.answers)
	m.state = domain.SessionCompleted
	return domain.TestResult{
		UserID:         userID,
		TestType:       m.testType,
		TotalScore:     total,
		CategoryScores: categories,
		AnsweredCount:  len(m.answers),
		TotalQuestions: len(m.questions),
		Answers:        m.Answers(),
		CompletedAt:    now.UTC(),
	}, nil
}

// Reset discards everything, including the question list.
func (m *Machine) Reset() {
	*m = Machine{state: domain.SessionNotStarted}
}

func (m *Machine) question(id string) (domain.Question, bool) {
	for _, q := range m.questions {
		if q.ID == id {
			return q, true
		}
	}
	return domain.Question{}, false
}
