package testutil

import (
	"time"

	"github.com/dukaledger/backoffice/internal/domain/account"
	"github.com/dukaledger/backoffice/internal/domain/payment"
	"github.com/google/uuid"
)

const TestPhone = "254712345678"

func NewTestAccount(phone string) *account.Account {
	now := time.Now().UTC()
	return &account.Account{
		ID:               uuid.New(),
		PhoneNumber:      phone,
		PINHash:          "$2a$10$not-a-real-hash",
		BusinessName:     "Test Duka",
		SubscriptionTier: account.TierFree,
		Status:           account.StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// NewPendingPayment returns a fresh Pending request for the given plan.
func NewPendingPayment(accountID uuid.UUID, plan string, amount int64) *payment.PaymentRequest {
	now := time.Now().UTC()
	return &payment.PaymentRequest{
		ID:                uuid.New(),
		AccountID:         accountID,
		ProviderRequestID: "29115-" + uuid.NewString()[:8],
		CorrelationID:     "ws_CO_" + uuid.NewString()[:12],
		PhoneNumber:       TestPhone,
		Amount:            amount,
		PurposeReference:  plan,
		Description:       plan + " plan",
		Status:            payment.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// NewCompletedPayment returns a request already resolved as paid.
func NewCompletedPayment(accountID uuid.UUID, plan string, amount int64, receipt string) *payment.PaymentRequest {
	p := NewPendingPayment(accountID, plan, amount)
	_ = p.Resolve(payment.Succeeded{Amount: amount, ReceiptNumber: receipt}, time.Now().UTC())
	return p
}

// NewFailedPayment returns a request already resolved as failed.
func NewFailedPayment(accountID uuid.UUID, plan string, amount int64, code int, desc string) *payment.PaymentRequest {
	p := NewPendingPayment(accountID, plan, amount)
	_ = p.Resolve(payment.Failed{ResultCode: code, Description: desc}, time.Now().UTC())
	return p
}
