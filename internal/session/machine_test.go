package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/newmeclass/internal/domain"
)

func question(id string, cat domain.Category, scores ...int) domain.Question {
	q := domain.Question{ID: id, Text: "Q " + id, Category: cat}
	for i, s := range scores {
		q.Options = append(q.Options, domain.Option{Value: string(rune('A' + i)), Text: "opt", Score: s})
	}
	return q
}

// Q1 and Q3 are talent, Q2 is personality. Option A scores 5/3/2.
func threeQuestions() []domain.Question {
	return []domain.Question{
		question("q1", domain.CategoryTalent, 5, 1),
		question("q2", domain.CategoryPersonality, 3, 1),
		question("q3", domain.CategoryTalent, 2, 1),
	}
}

func TestStartRequiresQuestions(t *testing.T) {
	m := New()
	require.ErrorIs(t, m.Start(domain.TestFree, nil), domain.ErrNoQuestionsAvailable)
	assert.Equal(t, domain.SessionNotStarted, m.State())

	require.ErrorIs(t, m.Start("bogus", threeQuestions()), domain.ErrInvalidTestType)
}

func TestStartWhileActiveIsRejected(t *testing.T) {
	m := New()
	require.NoError(t, m.Start(domain.TestFree, threeQuestions()))
	require.NoError(t, m.Record("q1", "A"))

	err := m.Start(domain.TestPaid, threeQuestions()[:1])
	require.ErrorIs(t, err, domain.ErrSessionAlreadyActive)

	assert.Equal(t, domain.TestFree, m.TestType())
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, 1, m.AnsweredCount())
}

func TestFullSessionScoresByCategory(t *testing.T) {
	m := New()
	require.NoError(t, m.Start(domain.TestFree, threeQuestions()))

	for _, id := range []string{"q1", "q2", "q3"} {
		require.NoError(t, m.Record(id, "A"))
		require.NoError(t, m.Next())
	}
	assert.Equal(t, 2, m.CurrentIndex(), "next clamps at the last question")

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	res, err := m.Submit("user-1", now)
	require.NoError(t, err)

	assert.Equal(t, 10, res.TotalScore)
	assert.Equal(t, map[domain.Category]int{domain.CategoryTalent: 7, domain.CategoryPersonality: 3}, res.CategoryScores)
	assert.Equal(t, 3, res.AnsweredCount)
	assert.Equal(t, 3, res.TotalQuestions)
	assert.Equal(t, now, res.CompletedAt)
	assert.Equal(t, domain.SessionCompleted, m.State())

	sum := 0
	for _, v := range res.CategoryScores {
		sum += v
	}
	assert.Equal(t, res.TotalScore, sum)
}

func TestNavigation(t *testing.T) {
	m := New()
	require.NoError(t, m.Start(domain.TestFree, threeQuestions()))

	require.NoError(t, m.Previous())
	assert.Equal(t, 0, m.CurrentIndex())

	require.ErrorIs(t, m.Next(), domain.ErrAnswerRequired)
	assert.Equal(t, 0, m.CurrentIndex())

	require.NoError(t, m.Record("q1", "B"))
	require.NoError(t, m.Next())
	assert.Equal(t, 1, m.CurrentIndex())

	require.NoError(t, m.Previous())
	assert.Equal(t, 0, m.CurrentIndex())
}

func TestAnswersAreKeyedByQuestion(t *testing.T) {
	m := New()
	require.NoError(t, m.Start(domain.TestFree, threeQuestions()))

	// answering ahead of the cursor is allowed
	require.NoError(t, m.Record("q3", "B"))
	require.NoError(t, m.Record("q1", "A"))
	require.NoError(t, m.Record("q3", "A"))

	assert.Equal(t, []domain.AnswerEntry{
		{QuestionID: "q3", OptionValue: "A"},
		{QuestionID: "q1", OptionValue: "A"},
	}, m.Answers())

	require.ErrorIs(t, m.Record("missing", "A"), domain.ErrUnknownQuestion)
	require.ErrorIs(t, m.Record("q2", "Z"), domain.ErrUnknownOption)
}

func TestSubmitRequiresEveryAnswer(t *testing.T) {
	m := New()
	require.NoError(t, m.Start(domain.TestFree, threeQuestions()))
	require.NoError(t, m.Record("q1", "A"))
	require.NoError(t, m.Next())
	require.NoError(t, m.Record("q2", "A"))
	require.NoError(t, m.Next())

	_, err := m.Submit("u", time.Now())
	require.ErrorIs(t, err, domain.ErrAnswerRequired)
	assert.Equal(t, domain.SessionInProgress, m.State())

	require.NoError(t, m.Record("q3", "A"))
	require.NoError(t, m.Previous())
	_, err = m.Submit("u", time.Now())
	require.ErrorIs(t, err, domain.ErrNotLastQuestion)

	require.NoError(t, m.Next())
	_, err = m.Submit("u", time.Now())
	require.NoError(t, err)

	_, err = m.Submit("u", time.Now())
	require.ErrorIs(t, err, domain.ErrSessionNotActive)
}

func TestResetDiscardsState(t *testing.T) {
	m := New()
	require.NoError(t, m.Start(domain.TestPaid, threeQuestions()))
	require.NoError(t, m.Record("q1", "A"))
	m.Reset()

	assert.Equal(t, domain.SessionNotStarted, m.State())
	assert.Zero(t, m.Len())
	assert.Zero(t, m.AnsweredCount())
	assert.Nil(t, m.Questions())
	require.ErrorIs(t, m.Record("q1", "A"), domain.ErrSessionNotActive)

	require.NoError(t, m.Start(domain.TestFree, threeQuestions()))
	assert.Zero(t, m.AnsweredCount())
}

func TestOperationsOutsideSession(t *testing.T) {
	m := New()
	require.ErrorIs(t, m.Next(), domain.ErrSessionNotActive)
	require.ErrorIs(t, m.Previous(), domain.ErrSessionNotActive)
	_, ok := m.Current()
	assert.False(t, ok)
}
