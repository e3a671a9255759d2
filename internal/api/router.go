package api

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/newmeclass/internal/auth"
)

type RouterConfig struct {
	Verifier     *auth.Verifier
	CORSOrigins  []string
	DemoTopup    bool
	ServeMetrics bool
}

// NewRouter wires every route. The demo top-up route exists only when
// cfg.DemoTopup is set.
func NewRouter(h *Handler, cfg RouterConfig, logger *log.Logger) http.Handler {
	r := mux.NewRouter()
	r.Use(requestLogger(logger), instrument)

	if cfg.ServeMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	public := r.PathPrefix("/api").Subrouter()
	public.HandleFunc("/questions", h.ListQuestions).Methods("GET")
	public.HandleFunc("/questions/categories", h.ListCategories).Methods("GET")

	private := r.PathPrefix("/api").Subrouter()
	private.Use(h.requireAuth(cfg.Verifier))

	private.HandleFunc("/questions/seed-questions", h.SeedQuestions).Methods("POST")

	private.HandleFunc("/wallet/balance/{userId}", h.GetBalance).Methods("GET")
	private.HandleFunc("/wallet/transactions/{userId}", h.ListTransactions).Methods("GET")
	private.HandleFunc("/wallet/topup", h.RequestTopup).Methods("POST")
	private.HandleFunc("/wallet/topup/{orderId}", h.CancelTopupWatch).Methods("DELETE")
	private.HandleFunc("/wallet/check-status/{orderId}", h.CheckStatus).Methods("GET")
	private.HandleFunc("/wallet/pay-test", h.PayTest).Methods("POST")
	if cfg.DemoTopup {
		private.HandleFunc("/wallet/demo-topup", h.DemoTopup).Methods("POST")
	}

	private.HandleFunc("/user-payments/qris", h.RequestTestAccessQRIS).Methods("POST")
	private.HandleFunc("/user-payments/status/{userId}", h.UserPaymentStatus).Methods("GET")

	private.HandleFunc("/test-access", h.AccessPreview).Methods("GET")

	private.HandleFunc("/test-sessions", h.StartSession).Methods("POST")
	private.HandleFunc("/test-sessions/current", h.CurrentSession).Methods("GET")
	private.HandleFunc("/test-sessions/current", h.ResetSession).Methods("DELETE")
	private.HandleFunc("/test-sessions/current/answers", h.AnswerQuestion).Methods("POST")
	private.HandleFunc("/test-sessions/current/next", h.NextQuestion).Methods("POST")
	private.HandleFunc("/test-sessions/current/previous", h.PreviousQuestion).Methods("POST")
	private.HandleFunc("/test-sessions/current/submit", h.SubmitSession).Methods("POST")

	private.HandleFunc("/test-results", h.SaveResult).Methods("POST")
	private.HandleFunc("/test-results/user/{userId}", h.ListResults).Methods("GET")
	private.HandleFunc("/test-results/{resultId}", h.GetResult).Methods("GET")

	return corsHandler(cfg.CORSOrigins)(r)
}
