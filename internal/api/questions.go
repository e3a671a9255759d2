package api

import (
	"net/http"

	"github.com/punchamoorthee/newmeclass/internal/domain"
	"github.com/punchamoorthee/newmeclass/internal/service"
)

// ListQuestions supports ?testType=free|paid and ?category=.
func (h *Handler) ListQuestions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := service.QuestionFilter{
		TestType: domain.TestType(q.Get("testType")),
		Category: domain.Category(q.Get("category")),
	}
	if f.TestType != "" && !f.TestType.Valid() {
		h.handleError(w, r, domain.ErrInvalidTestType)
		return
	}

	qs, err := h.svc.Questions.List(r.Context(), f)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if qs == nil {
		qs = []domain.Question{}
	}
	h.respondJSON(w, r, http.StatusOK, qs)
}

func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.svc.Questions.Categories(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, cats)
}

// SeedQuestions populates an empty bank. A populated bank is never replaced
// over HTTP; cmd/seeder -force does that.
func (h *Handler) SeedQuestions(w http.ResponseWriter, r *http.Request) {
	summary, seeded, err := h.svc.Questions.SeedIfEmpty(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if seeded {
		h.logger.Printf("question bank seeded by %s: %d free, %d paid", subject(r), summary.FreeCount, summary.PaidCount)
	}
	h.respondJSON(w, r, http.StatusOK, summary)
}
