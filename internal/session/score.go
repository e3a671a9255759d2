package session

import "github.com/punchamoorthee/newmeclass/internal/domain"

// Score sums the selected option scores overall and per category. Answers
// whose option no longer exists on the question contribute nothing.
func Score(questions []domain.Question, answers map[string]string) (int, map[domain.Category]int) {
	total := 0
	categories := map[domain.Category]int{}
	for _, q := range questions {
		value, ok := answers[q.ID]
		if !ok {
			continue
		}
		opt, ok := q.Option(value)
		if !ok {
			continue
		}
		total += opt.Score
		categories[q.Category.Normalize()] += opt.Score
	}
	return total, categories
}

// Analysis is the derived view returned with a stored result.
type Analysis struct {
	DominantCategory domain.Category             `json:"dominantCategory,omitempty"`
	Shares           map[domain.Category]float64 `json:"shares"`
}

// Analyze reports each category's share of the total score in percent and
// the highest-scoring category. Ties go to the alphabetically first one.
func Analyze(r domain.TestResult) Analysis {
	a := Analysis{Shares: map[domain.Category]float64{}}
	best := -1
	for cat, score := range r.CategoryScores {
		if r.TotalScore > 0 {
			a.Shares[cat] = float64(score) * 100 / float64(r.TotalScore)
		}
		if score > best || (score == best && cat < a.DominantCategory) {
			best = score
			a.DominantCategory = cat
		}
	}
	return a
}
