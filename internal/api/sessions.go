package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/newmeclass/internal/domain"
	"github.com/punchamoorthee/newmeclass/internal/service"
)

type startRequest struct {
	TestType domain.TestType `json:"testType"`
}

type answerRequest struct {
	QuestionID  string `json:"questionId"`
	OptionValue string `json:"optionValue"`
}

// saveResultRequest mirrors what the web client posts. Results carries the
// client's own totals, which are ignored in favour of server-side scoring.
type saveResultRequest struct {
	UserID   string            `json:"userId"`
	TestType domain.TestType   `json:"testType"`
	Results  interface{}       `json:"results,omitempty"`
	Answers  map[string]string `json:"answers"`
}

// deniedEntry is the 402 body for a refused paid start.
type deniedEntry struct {
	insufficientFunds
	Decision *service.Decision `json:"decision"`
}

func (h *Handler) AccessPreview(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Gate.Preview(r.Context(), subject(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, p)
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Sessions.Start(r.Context(), subject(r), req.TestType)
	if err != nil {
		var sf *domain.ShortfallError
		if errors.As(err, &sf) && res.Decision != nil {
			h.respondJSON(w, r, http.StatusPaymentRequired, deniedEntry{
				insufficientFunds: insufficientFunds{
					Detail:    "Insufficient balance",
					Balance:   sf.Balance,
					Price:     sf.Price,
					Shortfall: sf.Shortfall,
				},
				Decision: res.Decision,
			})
			return
		}
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusCreated, res)
}

func (h *Handler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Sessions.Current(r.Context(), subject(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, v)
}

func (h *Handler) AnswerQuestion(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !h.decode(w, r, &req) {
		return
	}
	v, err := h.svc.Sessions.Answer(r.Context(), subject(r), req.QuestionID, req.OptionValue)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, v)
}

func (h *Handler) NextQuestion(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Sessions.Next(r.Context(), subject(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, v)
}

func (h *Handler) PreviousQuestion(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Sessions.Previous(r.Context(), subject(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, v)
}

func (h *Handler) SubmitSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Sessions.Submit(r.Context(), subject(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusCreated, map[string]interface{}{
		"success":  true,
		"resultId": res.ID,
		"result":   res,
	})
}

func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Sessions.Reset(r.Context(), subject(r)); err != nil {
		h.handleError(w, r, err)
		return
	}
	httpRequestsTotal.WithLabelValues(r.Method, endpoint(r), "204").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SaveResult(w http.ResponseWriter, r *http.Request) {
	var req saveResultRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, ok := h.owner(w, r, req.UserID)
	if !ok {
		return
	}
	answers := make([]domain.AnswerEntry, 0, len(req.Answers))
	for qid, v := range req.Answers {
		answers = append(answers, domain.AnswerEntry{QuestionID: qid, OptionValue: v})
	}

	res, err := h.svc.Results.Record(r.Context(), userID, req.TestType, answers)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	stored, err := h.svc.Results.Get(r.Context(), res.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusCreated, map[string]interface{}{
		"success":  true,
		"resultId": res.ID,
		"result":   stored.TestResult,
		"analysis": stored.Analysis,
	})
}

func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Results.Get(r.Context(), mux.Vars(r)["resultId"])
	if err == nil && res.UserID != subject(r) {
		err = domain.ErrResultNotFound
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, res)
}

func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.owner(w, r, mux.Vars(r)["userId"])
	if !ok {
		return
	}
	rs, err := h.svc.Results.List(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if rs == nil {
		rs = []domain.TestResult{}
	}
	h.respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"success": true,
		"results": rs,
	})
}
