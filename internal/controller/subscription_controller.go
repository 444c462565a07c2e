package controller

import (
	"net/http"

	"github.com/dukaledger/backoffice/internal/service"
)

// SubscriptionController starts plan upgrades and lists the price table.
type SubscriptionController struct {
	paymentService *service.PaymentService
}

func NewSubscriptionController(paymentService *service.PaymentService) *SubscriptionController {
	return &SubscriptionController{paymentService: paymentService}
}

// Upgrade handles POST /api/v1/subscriptions/upgrade
func (h *SubscriptionController) Upgrade(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	var req UpgradeRequest
	if err := decodeAndValidate(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.paymentService.Initiate(r.Context(), service.InitiateRequest{
		AccountID:   id,
		PhoneNumber: req.PhoneNumber,
		Plan:        req.Plan,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if !res.Accepted {
		writeJSON(w, http.StatusBadGateway, UpgradeRejectedResponse{Success: false, Message: res.FailureMessage})
		return
	}

	writeJSON(w, http.StatusAccepted, UpgradeResponse{
		Success:         true,
		CorrelationID:   res.Payment.CorrelationID,
		CustomerMessage: res.CustomerMessage,
		Status:          string(res.Payment.Status),
		Mode:            string(h.paymentService.Mode()),
	})
}

// Plans handles GET /api/v1/plans
func (h *SubscriptionController) Plans(w http.ResponseWriter, r *http.Request) {
	plans := h.paymentService.Plans()
	resp := PlansResponse{Mode: string(h.paymentService.Mode()), Plans: make([]PlanResponse, 0, len(plans))}
	for _, p := range plans {
		resp.Plans = append(resp.Plans, PlanResponse{Name: p.Name, Price: p.Price, Currency: currency})
	}
	writeJSON(w, http.StatusOK, resp)
}
