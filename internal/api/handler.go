package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/newmeclass/internal/auth"
	"github.com/punchamoorthee/newmeclass/internal/domain"
	"github.com/punchamoorthee/newmeclass/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "newmeclass_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "newmeclass_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const maxBodyBytes = 1 << 20

// Services bundles what the handlers call into.
type Services struct {
	Questions  *service.QuestionBank
	Wallets    *service.Wallets
	Settlement *service.Settlement
	Gate       *service.Gate
	Sessions   *service.Sessions
	Results    *service.Results
	Payments   service.PaymentStore
}

type Handler struct {
	svc    Services
	logger *log.Logger
}

func NewHandler(svc Services, logger *log.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// endpoint is the route template, so metrics do not fan out per user id.
func endpoint(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, code int, payload interface{}) {
	httpRequestsTotal.WithLabelValues(r.Method, endpoint(r), strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.logger.Printf("encode response: %v", err)
		}
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	h.respondJSON(w, r, code, map[string]string{"detail": msg})
}

// insufficientFunds is the body of a 402. Detail stays a plain message so
// clients can show it verbatim.
type insufficientFunds struct {
	Detail    string `json:"detail"`
	Balance   int64  `json:"balance"`
	Price     int64  `json:"price"`
	Shortfall int64  `json:"shortfall"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidTestType),
		errors.Is(err, domain.ErrAnswerRequired),
		errors.Is(err, domain.ErrNotLastQuestion),
		errors.Is(err, domain.ErrUnknownQuestion),
		errors.Is(err, domain.ErrUnknownOption),
		errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrWalletNotFound),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrIntentNotFound),
		errors.Is(err, domain.ErrResultNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionAlreadyActive),
		errors.Is(err, domain.ErrSessionConflict),
		errors.Is(err, domain.ErrSessionNotActive),
		errors.Is(err, domain.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrFreeTestCompleted),
		errors.Is(err, domain.ErrPaidAccessRequired),
		errors.Is(err, domain.ErrDemoDisabled):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUpstreamUnavailable),
		errors.Is(err, domain.ErrNoQuestionsAvailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleError maps a service error onto the response. Upstream and
// unexpected failures are logged and answered with a generic detail.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var sf *domain.ShortfallError
	if errors.As(err, &sf) {
		h.respondJSON(w, r, http.StatusPaymentRequired, insufficientFunds{
			Detail:    "Insufficient balance",
			Balance:   sf.Balance,
			Price:     sf.Price,
			Shortfall: sf.Shortfall,
		})
		return
	}

	code := statusFor(err)
	switch code {
	case http.StatusInternalServerError:
		h.logger.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		h.respondError(w, r, code, "Internal Server Error")
	case http.StatusServiceUnavailable:
		h.logger.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		if errors.Is(err, domain.ErrNoQuestionsAvailable) {
			h.respondError(w, r, code, domain.ErrNoQuestionsAvailable.Error())
			return
		}
		h.respondError(w, r, code, "Service temporarily unavailable, please retry")
	default:
		h.respondError(w, r, code, err.Error())
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Stream read error")
		return false
	}
	return h.decodeBytes(w, r, body, dst)
}

func (h *Handler) decodeBytes(w http.ResponseWriter, r *http.Request, body []byte, dst interface{}) bool {
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}

// subject returns the authenticated user. Routes that call it sit behind
// requireAuth.
func subject(r *http.Request) string {
	id, _ := auth.UserID(r.Context())
	return id
}

// owner resolves the user a request acts on. An empty requested id means
// the caller; any other id must be the caller's own.
func (h *Handler) owner(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	me := subject(r)
	if requested == "" || requested == me {
		return me, true
	}
	h.respondError(w, r, http.StatusForbidden, "Cannot act on another user's data")
	return "", false
}
