package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/newmeclass/internal/domain"
)

var timeZero = time.Time{}

func lookupFrom(qs []domain.Question) func(string) (domain.Question, bool) {
	return func(id string) (domain.Question, bool) {
		for _, q := range qs {
			if q.ID == id {
				return q, true
			}
		}
		return domain.Question{}, false
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	qs := threeQuestions()
	m := New()
	require.NoError(t, m.Start(domain.TestPaid, qs))
	require.NoError(t, m.Record("q1", "B"))
	require.NoError(t, m.Next())

	rec := domain.SessionRecord{ID: "s1", UserID: "u1", Version: 4}
	m.Snapshot(&rec)
	assert.Equal(t, "s1", rec.ID)
	assert.Equal(t, int64(4), rec.Version)
	assert.Equal(t, []string{"q1", "q2", "q3"}, rec.QuestionIDs)
	assert.Equal(t, 1, rec.CurrentIndex)

	back, err := Restore(rec, lookupFrom(qs))
	require.NoError(t, err)
	assert.Equal(t, domain.SessionInProgress, back.State())
	assert.Equal(t, domain.TestPaid, back.TestType())
	assert.Equal(t, 1, back.CurrentIndex())
	v, ok := back.Answer("q1")
	require.True(t, ok)
	assert.Equal(t, "B", v)
}

func TestRestoreRejectsVanishedQuestions(t *testing.T) {
	rec := domain.SessionRecord{
		State:       domain.SessionInProgress,
		TestType:    domain.TestFree,
		QuestionIDs: []string{"q1", "gone"},
	}
	_, err := Restore(rec, lookupFrom(threeQuestions()))
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRestoreNotStarted(t *testing.T) {
	m, err := Restore(domain.SessionRecord{}, lookupFrom(nil))
	require.NoError(t, err)
	assert.Equal(t, domain.SessionNotStarted, m.State())
}
