package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for payment request persistence
type Repository interface {
	// Create inserts a new request; a reused correlation id yields ErrDuplicateCorrelationID.
	Create(ctx context.Context, p *PaymentRequest) error

	// GetByID retrieves a request by ID
	GetByID(ctx context.Context, id uuid.UUID) (*PaymentRequest, error)

	// GetByCorrelationID retrieves a request by the provider's CheckoutRequestID
	GetByCorrelationID(ctx context.Context, correlationID string) (*PaymentRequest, error)

	// MarkResolved writes the terminal fields only if the stored row is still
	// Pending. It reports false when another writer resolved it first.
	MarkResolved(ctx context.Context, p *PaymentRequest) (bool, error)

	// LatestCompleted returns the account's most recent Completed request by
	// CompletedBefore order, or ErrPaymentNotFound when there is none.
	LatestCompleted(ctx context.Context, accountID uuid.UUID) (*PaymentRequest, error)

	// ListByAccount lists an account's requests, newest first
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*PaymentRequest, error)

	// AddEvent adds a payment event for audit trail
	AddEvent(ctx context.Context, event *PaymentEvent) error

	// GetEvents retrieves events for a payment
	GetEvents(ctx context.Context, paymentID uuid.UUID) ([]*PaymentEvent, error)
}

const (
	EventCreated   = "payment.created"
	EventCompleted = "payment.completed"
	EventFailed    = "payment.failed"
)

// PaymentEvent represents an event in the payment lifecycle
type PaymentEvent struct {
	ID        uuid.UUID
	PaymentID uuid.UUID
	EventType string
	EventData map[string]any
	CreatedAt time.Time
}

func NewEvent(paymentID uuid.UUID, eventType string, data map[string]any) *PaymentEvent {
	return &PaymentEvent{
		ID:        uuid.New(),
		PaymentID: paymentID,
		EventType: eventType,
		EventData: data,
		CreatedAt: time.Now().UTC(),
	}
}
