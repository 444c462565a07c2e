package service

import (
	"context"

	"github.com/google/uuid"
)

// TransactionManager wraps several repository calls in one database
// transaction. fn receives a context carrying the transaction.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// AccountLocker serializes work on one account across processes.
type AccountLocker interface {
	WithAccountLock(ctx context.Context, accountID uuid.UUID, fn func(ctx context.Context) error) error
}

// DebtPublisher moves owed subscription updates onto the work queue.
type DebtPublisher interface {
	Publish(ctx context.Context, aggregateID, eventType string, data map[string]any) error
	PublishToDLQ(ctx context.Context, aggregateID, reason string, data map[string]any) error
}
