package payment

import (
	"fmt"
	"time"

	"github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a PaymentRequest.
// Pending is the only non-terminal state.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Outcome is the provider's verdict on a push request. It is either
// Succeeded or Failed; no other implementations exist.
type Outcome interface {
	outcome()
	Status() Status
	// RequestID is the provider's MerchantRequestID echoed in the callback.
	RequestID() string
}

// Succeeded carries the itemized metadata of a successful payment.
type Succeeded struct {
	ProviderRequestID string
	Amount            int64
	ReceiptNumber     string
	TransactionTime   time.Time
	PhoneNumber       string
	Description       string
}

func (Succeeded) outcome()            {}
func (Succeeded) Status() Status      { return StatusCompleted }
func (s Succeeded) RequestID() string { return s.ProviderRequestID }

// Failed carries the provider's result code and description, kept verbatim.
type Failed struct {
	ProviderRequestID string
	ResultCode        int
	Description       string
}

func (Failed) outcome()            {}
func (Failed) Status() Status      { return StatusFailed }
func (f Failed) RequestID() string { return f.ProviderRequestID }

// PaymentRequest is one STK push attempt, keyed by the provider's CheckoutRequestID.
type PaymentRequest struct {
	ID                           uuid.UUID
	AccountID                    uuid.UUID
	ProviderRequestID            string
	CorrelationID                string
	PhoneNumber                  string
	Amount                       int64 // whole KES
	PurposeReference             string
	Description                  string
	Status                       Status
	ProviderReceiptNumber        *string
	ProviderTransactionTimestamp *time.Time
	ResultCode                   *int
	ResultDescription            *string
	CreatedAt                    time.Time
	UpdatedAt                    time.Time
}

// NewPaymentRequest builds a Pending request for a push the provider accepted.
func NewPaymentRequest(
	accountID uuid.UUID,
	providerRequestID string,
	correlationID string,
	phoneNumber string,
	amount int64,
	purposeReference string,
	description string,
) (*PaymentRequest, error) {
	if amount <= 0 {
		return nil, errors.NewValidationError("amount", "must be greater than 0")
	}
	if correlationID == "" {
		return nil, errors.NewValidationError("correlation_id", "cannot be empty")
	}
	if purposeReference == "" {
		return nil, errors.NewValidationError("purpose_reference", "cannot be empty")
	}

	now := time.Now().UTC()
	return &PaymentRequest{
		ID:                uuid.New(),
		AccountID:         accountID,
		ProviderRequestID: providerRequestID,
		CorrelationID:     correlationID,
		PhoneNumber:       phoneNumber,
		Amount:            amount,
		PurposeReference:  purposeReference,
		Description:       description,
		Status:            StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func (p *PaymentRequest) IsTerminal() bool {
	return p.Status.IsTerminal()
}

// Resolve moves a Pending request to the terminal state implied by o.
// It is the only place a status changes.
func (p *PaymentRequest) Resolve(o Outcome, now time.Time) error {
	if p.IsTerminal() {
		return errors.NewDomainError(
			"invalid_transition",
			"cannot transition from "+string(p.Status)+" to "+string(o.Status()),
			errors.ErrInvalidStateTransition,
		)
	}

	switch out := o.(type) {
	case Succeeded:
		if out.ReceiptNumber == "" {
			return errors.NewValidationError("receipt_number", "required for a completed payment")
		}
		receipt := out.ReceiptNumber
		txTime := out.TransactionTime
		if txTime.IsZero() {
			txTime = now
		}
		code := 0
		p.Status = StatusCompleted
		p.ProviderReceiptNumber = &receipt
		p.ProviderTransactionTimestamp = &txTime
		p.ResultCode = &code
		if out.Description != "" {
			desc := out.Description
			p.ResultDescription = &desc
		}
	case Failed:
		code := out.ResultCode
		desc := out.Description
		p.Status = StatusFailed
		p.ResultCode = &code
		p.ResultDescription = &desc
	default:
		return errors.ErrInvalidInput
	}

	p.UpdatedAt = now
	return nil
}

// Corroborates checks that o was issued for this request: the provider
// request id must be the one returned at initiation and a success must cover
// the requested amount.
func (p *PaymentRequest) Corroborates(o Outcome) error {
	if o.RequestID() != p.ProviderRequestID {
		return fmt.Errorf("%w: provider request id %q, expected %q",
			errors.ErrCallbackMismatch, o.RequestID(), p.ProviderRequestID)
	}
	if s, ok := o.(Succeeded); ok && s.Amount < p.Amount {
		return fmt.Errorf("%w: paid %d, requested %d", errors.ErrCallbackMismatch, s.Amount, p.Amount)
	}
	return nil
}

// CompletedBefore orders completed requests by provider transaction time,
// then by last update, then by id. The latest one decides the account's tier.
func (p *PaymentRequest) CompletedBefore(other *PaymentRequest) bool {
	pt, ot := transactionTime(p), transactionTime(other)
	if !pt.Equal(ot) {
		return pt.Before(ot)
	}
	if !p.UpdatedAt.Equal(other.UpdatedAt) {
		return p.UpdatedAt.Before(other.UpdatedAt)
	}
	return p.ID.String() < other.ID.String()
}

func transactionTime(p *PaymentRequest) time.Time {
	if p.ProviderTransactionTimestamp == nil {
		return time.Time{}
	}
	return *p.ProviderTransactionTimestamp
}

// Matches reports whether a terminal request already reflects o, which makes
// a repeated callback a harmless duplicate rather than a conflict.
func (p *PaymentRequest) Matches(o Outcome) bool {
	if p.Status != o.Status() {
		return false
	}
	if s, ok := o.(Succeeded); ok {
		return p.ProviderReceiptNumber != nil && *p.ProviderReceiptNumber == s.ReceiptNumber
	}
	return true
}
