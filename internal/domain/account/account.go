package account

import (
	"time"

	"github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/google/uuid"
)

type AccountStatus string

const (
	StatusActive    AccountStatus = "active"
	StatusSuspended AccountStatus = "suspended"
)

// TierFree is the tier every account starts on.
const TierFree = "free"

// Account is a shop owner. The payment core only ever changes SubscriptionTier.
type Account struct {
	ID               uuid.UUID
	PhoneNumber      string
	PINHash          string
	BusinessName     string
	SubscriptionTier string
	Status           AccountStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewAccount expects a phone number that is already in canonical form.
func NewAccount(phoneNumber, pinHash, businessName string) (*Account, error) {
	if phoneNumber == "" {
		return nil, errors.NewValidationError("phone_number", "cannot be empty")
	}
	if pinHash == "" {
		return nil, errors.NewValidationError("pin", "cannot be empty")
	}
	if businessName == "" {
		return nil, errors.NewValidationError("business_name", "cannot be empty")
	}

	now := time.Now().UTC()
	return &Account{
		ID:               uuid.New(),
		PhoneNumber:      phoneNumber,
		PINHash:          pinHash,
		BusinessName:     businessName,
		SubscriptionTier: TierFree,
		Status:           StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (a *Account) IsActive() bool {
	return a.Status == StatusActive
}

func (a *Account) Suspend() error {
	if a.Status == StatusSuspended {
		return errors.ErrAccountInactive
	}
	a.Status = StatusSuspended
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (a *Account) Activate() {
	a.Status = StatusActive
	a.UpdatedAt = time.Now().UTC()
}
