package session

import (
	"fmt"

	"github.com/punchamoorthee/newmeclass/internal/domain"
)

// Snapshot copies the machine state into rec, keeping rec's identity and
// version fields.
func (m *Machine) Snapshot(rec *domain.SessionRecord) {
	rec.State = m.state
	rec.TestType = m.testType
	rec.CurrentIndex = m.index
	rec.Answers = m.Answers()
	rec.QuestionIDs = make([]string, 0, len(m.questions))
	for _, q := range m.questions {
		rec.QuestionIDs = append(rec.QuestionIDs, q.ID)
	}
}

// Restore rebuilds a machine from a persisted record. lookup resolves the
// record's question ids; a missing question invalidates the record.
// Recorded answers are restored as-is, even when their option has since
// disappeared, so scoring can skip them.
func Restore(rec domain.SessionRecord, lookup func(id string) (domain.Question, bool)) (*Machine, error) {
	m := New()
	if rec.State == domain.SessionNotStarted || rec.State == "" {
		return m, nil
	}

	questions := make([]domain.Question, 0, len(rec.QuestionIDs))
	for _, id := range rec.QuestionIDs {
		q, ok := lookup(id)
		if !ok {
			return nil, fmt.Errorf("%w: question %s no longer exists", domain.ErrSessionNotFound, id)
		}
		questions = append(questions, q)
	}
	if len(questions) == 0 {
		return nil, domain.ErrNoQuestionsAvailable
	}
	if rec.CurrentIndex < 0 || rec.CurrentIndex >= len(questions) {
		return nil, fmt.Errorf("%w: cursor %d out of range", domain.ErrSessionNotFound, rec.CurrentIndex)
	}

	m.state = rec.State
	m.testType = rec.TestType
	m.questions = questions
	m.index = rec.CurrentIndex
	m.answers = make(map[string]string, len(rec.Answers))
	for _, a := range rec.Answers {
		if _, seen := m.answers[a.QuestionID]; !seen {
			m.order = append(m.order, a.QuestionID)
		}
		m.answers[a.QuestionID] = a.OptionValue
	}
	return m, nil
}
