package controller

import (
	"time"

	"github.com/dukaledger/backoffice/internal/domain/account"
	"github.com/dukaledger/backoffice/internal/domain/payment"
	"github.com/dukaledger/backoffice/internal/service"
)

// currency is fixed; amounts are whole shillings.
const currency = "KES"

// --- Request DTOs ---

type RegisterRequest struct {
	PhoneNumber  string `json:"phone_number" validate:"required"`
	PIN          string `json:"pin" validate:"required,numeric,min=4,max=6"`
	BusinessName string `json:"business_name" validate:"required,max=120"`
}

type LoginRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
	PIN         string `json:"pin" validate:"required"`
}

// UpgradeRequest starts an STK push for a plan. PhoneNumber defaults to the
// account's own number.
type UpgradeRequest struct {
	Plan        string `json:"plan" validate:"required,max=32"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// --- Response DTOs ---

type AccountResponse struct {
	ID               string    `json:"id"`
	PhoneNumber      string    `json:"phone_number"`
	BusinessName     string    `json:"business_name"`
	SubscriptionTier string    `json:"subscription_tier"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

type AuthResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
	Account   AccountResponse `json:"account"`
}

type UpgradeResponse struct {
	Success         bool   `json:"success"`
	CorrelationID   string `json:"correlation_id"`
	CustomerMessage string `json:"customer_message"`
	Status          string `json:"status"`
	Mode            string `json:"mode"`
}

// UpgradeRejectedResponse carries the provider's explanation verbatim.
type UpgradeRejectedResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type PaymentResponse struct {
	ID                string     `json:"id"`
	CorrelationID     string     `json:"correlation_id"`
	Status            string     `json:"status"`
	Plan              string     `json:"plan"`
	Amount            int64      `json:"amount"`
	Currency          string     `json:"currency"`
	PhoneNumber       string     `json:"phone_number"`
	ReceiptNumber     *string    `json:"receipt_number,omitempty"`
	TransactionTime   *time.Time `json:"transaction_time,omitempty"`
	ResultCode        *int       `json:"result_code,omitempty"`
	ResultDescription *string    `json:"result_description,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type PaymentEventResponse struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type PlanResponse struct {
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Currency string `json:"currency"`
}

type PlansResponse struct {
	Mode  string         `json:"mode"`
	Plans []PlanResponse `json:"plans"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- Conversion helpers ---

func FromAccount(a *account.Account) AccountResponse {
	return AccountResponse{
		ID:               a.ID.String(),
		PhoneNumber:      a.PhoneNumber,
		BusinessName:     a.BusinessName,
		SubscriptionTier: a.SubscriptionTier,
		Status:           string(a.Status),
		CreatedAt:        a.CreatedAt,
	}
}

func FromSession(s *service.Session) AuthResponse {
	return AuthResponse{Token: s.Token, ExpiresAt: s.ExpiresAt, Account: FromAccount(s.Account)}
}

// FromPayment omits terminal fields while the request is Pending.
func FromPayment(p *payment.PaymentRequest) PaymentResponse {
	return PaymentResponse{
		ID:                p.ID.String(),
		CorrelationID:     p.CorrelationID,
		Status:            string(p.Status),
		Plan:              p.PurposeReference,
		Amount:            p.Amount,
		Currency:          currency,
		PhoneNumber:       p.PhoneNumber,
		ReceiptNumber:     p.ProviderReceiptNumber,
		TransactionTime:   p.ProviderTransactionTimestamp,
		ResultCode:        p.ResultCode,
		ResultDescription: p.ResultDescription,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func FromPayments(ps []*payment.PaymentRequest) []PaymentResponse {
	out := make([]PaymentResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, FromPayment(p))
	}
	return out
}

func FromEvents(events []*payment.PaymentEvent) []PaymentEventResponse {
	out := make([]PaymentEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, PaymentEventResponse{EventType: e.EventType, Data: e.EventData, CreatedAt: e.CreatedAt})
	}
	return out
}
