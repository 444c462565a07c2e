package account

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the interface for account persistence
type Repository interface {
	// Create inserts a new account; a taken phone number yields ErrAccountExists.
	Create(ctx context.Context, account *Account) error

	// GetByID retrieves an account by ID
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)

	// GetByPhone retrieves an account by canonical phone number
	GetByPhone(ctx context.Context, phoneNumber string) (*Account, error)

	// SetSubscriptionTier is the single field update the payment core performs.
	// Setting the tier an account already has is a no-op success.
	SetSubscriptionTier(ctx context.Context, id uuid.UUID, tier string) error
}
