package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/newmeclass/internal/domain"
	"github.com/punchamoorthee/newmeclass/internal/service"
)

type amountRequest struct {
	UserID string `json:"userId"`
	Amount int64  `json:"amount"`
}

type payTestRequest struct {
	UserID      string `json:"userId"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	PaymentType string `json:"paymentType"`
}

type payTestResponse struct {
	NewBalance int64             `json:"newBalance"`
	Allowed    bool              `json:"allowed"`
	Via        service.AccessVia `json:"via"`
	Price      int64             `json:"price"`
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.owner(w, r, mux.Vars(r)["userId"])
	if !ok {
		return
	}
	bal, err := h.svc.Wallets.BalanceOrZero(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]int64{"balance": bal})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.owner(w, r, mux.Vars(r)["userId"])
	if !ok {
		return
	}
	txs, err := h.svc.Wallets.Transactions(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if txs == nil {
		txs = []domain.WalletTransaction{}
	}
	h.respondJSON(w, r, http.StatusOK, txs)
}

func (h *Handler) RequestTopup(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, ok := h.owner(w, r, req.UserID)
	if !ok {
		return
	}
	intent, err := h.svc.Wallets.RequestTopup(r.Context(), userID, req.Amount)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/wallet/check-status/%s", intent.OrderID))
	h.respondJSON(w, r, http.StatusCreated, intent)
}

// ownIntent loads orderID and checks it belongs to the caller. Other users'
// orders are reported as missing.
func (h *Handler) ownIntent(w http.ResponseWriter, r *http.Request, orderID string) (domain.PaymentIntent, bool) {
	intent, err := h.svc.Payments.GetIntent(r.Context(), orderID)
	if err == nil && intent.UserID != subject(r) {
		err = domain.ErrIntentNotFound
	}
	if err != nil {
		if !errors.Is(err, domain.ErrIntentNotFound) {
			err = fmt.Errorf("%w: get intent: %v", domain.ErrUpstreamUnavailable, err)
		}
		h.handleError(w, r, err)
		return domain.PaymentIntent{}, false
	}
	return intent, true
}

func (h *Handler) CancelTopupWatch(w http.ResponseWriter, r *http.Request) {
	intent, ok := h.ownIntent(w, r, mux.Vars(r)["orderId"])
	if !ok {
		return
	}
	cancelled := h.svc.Settlement.Cancel(intent.OrderID)
	h.respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"orderId":   intent.OrderID,
		"status":    intent.Status,
		"cancelled": cancelled,
	})
}

func (h *Handler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	intent, ok := h.ownIntent(w, r, mux.Vars(r)["orderId"])
	if !ok {
		return
	}
	status, err := h.svc.Settlement.Check(r.Context(), intent.OrderID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]interface{}{
		"orderId": intent.OrderID,
		"status":  status,
	})
}

func (h *Handler) DemoTopup(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, ok := h.owner(w, r, req.UserID)
	if !ok {
		return
	}
	bal, err := h.svc.Wallets.DemoTopup(r.Context(), userID, req.Amount)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]int64{"newBalance": bal})
}

// PayTest buys paid-test access from the wallet. An Idempotency-Key header
// makes retries safe: the same key and body replay the first outcome.
func (h *Handler) PayTest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Stream read error")
		return
	}
	var req payTestRequest
	if !h.decodeBytes(w, r, body, &req) {
		return
	}
	userID, ok := h.owner(w, r, req.UserID)
	if !ok {
		return
	}
	price := h.svc.Gate.Price()
	if req.Amount != 0 && req.Amount != price {
		h.handleError(w, r, fmt.Errorf("%w: test price is %d", domain.ErrInvalidAmount, price))
		return
	}

	entry := service.PaidEntry{UserID: userID}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		hash := sha256.Sum256(append([]byte(userID+"\n"), body...))
		entry.IdempotencyKey = key
		entry.RequestHash = hex.EncodeToString(hash[:])
	}

	d, err := h.svc.Gate.EnterPaid(r.Context(), entry)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !d.Allowed {
		h.handleError(w, r, d.Err())
		return
	}
	nb := d.Balance
	if d.NewBalance != nil {
		nb = *d.NewBalance
	}
	h.respondJSON(w, r, http.StatusOK, payTestResponse{NewBalance: nb, Allowed: true, Via: d.Via, Price: d.Price})
}

func (h *Handler) RequestTestAccessQRIS(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, ok := h.owner(w, r, req.UserID)
	if !ok {
		return
	}
	intent, err := h.svc.Wallets.RequestTestAccess(r.Context(), userID, h.svc.Gate.Price())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/wallet/check-status/%s", intent.OrderID))
	h.respondJSON(w, r, http.StatusCreated, intent)
}

func (h *Handler) UserPaymentStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.owner(w, r, mux.Vars(r)["userId"])
	if !ok {
		return
	}
	st, err := h.svc.Payments.UserPaymentStatus(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("%w: payment status: %v", domain.ErrUpstreamUnavailable, err))
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]domain.UserPaymentStatus{"status": st})
}
