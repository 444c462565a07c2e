package controller

import (
	"net/http"
	"strconv"

	"github.com/dukaledger/backoffice/internal/service"
	"github.com/go-chi/chi/v5"
)

// PaymentController answers status queries for the caller's payment requests.
type PaymentController struct {
	paymentService *service.PaymentService
}

func NewPaymentController(paymentService *service.PaymentService) *PaymentController {
	return &PaymentController{paymentService: paymentService}
}

// GetPayment handles GET /api/v1/payments/{correlationID}
func (h *PaymentController) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	p, err := h.paymentService.CheckStatusForAccount(r.Context(), id, chi.URLParam(r, "correlationID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromPayment(p))
}

// ListPayments handles GET /api/v1/payments?limit=&offset=
func (h *PaymentController) ListPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	payments, err := h.paymentService.ListForAccount(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": FromPayments(payments)})
}

// GetEvents handles GET /api/v1/payments/{correlationID}/events
func (h *PaymentController) GetEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	events, err := h.paymentService.History(r.Context(), id, chi.URLParam(r, "correlationID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": FromEvents(events)})
}
