package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Event types written by the payment core.
const (
	AggregatePayment       = "payment"
	EventSubscriptionApply = "subscription.apply"
)

type Entry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       map[string]any
	Status        Status
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
	AvailableAt   time.Time
	PublishedAt   *time.Time
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

func NewEntry(aggregateType string, aggregateID uuid.UUID, eventType string, payload map[string]any) *Entry {
	now := time.Now().UTC()
	return &Entry{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		Status:        StatusPending,
		RetryCount:    0,
		MaxRetries:    5,
		CreatedAt:     now,
		AvailableAt:   now,
	}
}

// Delay hides the entry from GetPending until d has passed.
func (e *Entry) Delay(d time.Duration) *Entry {
	e.AvailableAt = e.CreatedAt.Add(d)
	return e
}
