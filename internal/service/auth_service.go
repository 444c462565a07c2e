package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukaledger/backoffice/internal/domain/account"
	domainErrors "github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/dukaledger/backoffice/internal/providers"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// TokenIssuer signs an access token for an account.
type TokenIssuer func(accountID uuid.UUID) (token string, expiresAt time.Time, err error)

// Session is what a successful register or login hands back.
type Session struct {
	Account   *account.Account
	Token     string
	ExpiresAt time.Time
}

// AuthService registers shop owners and logs them in with phone number and PIN.
type AuthService struct {
	accountRepo account.Repository
	issue       TokenIssuer
	cost        int
	validate    *validator.Validate
	logger      zerolog.Logger

	// compared against when the phone is unknown so both paths cost a bcrypt run
	dummyHash []byte
}

func NewAuthService(accountRepo account.Repository, issue TokenIssuer, bcryptCost int, logger zerolog.Logger) *AuthService {
	if bcryptCost < bcrypt.MinCost {
		bcryptCost = bcrypt.DefaultCost
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("000000"), bcryptCost)
	return &AuthService{
		accountRepo: accountRepo,
		issue:       issue,
		cost:        bcryptCost,
		validate:    validator.New(),
		logger:      logger,
		dummyHash:   dummy,
	}
}

func (s *AuthService) Register(ctx context.Context, phoneNumber, pin, businessName string) (*Session, error) {
	phone, err := providers.NormalizePhone(phoneNumber)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Var(pin, "required,number,min=4,max=6"); err != nil {
		return nil, domainErrors.NewValidationError("pin", "must be 4 to 6 digits")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pin), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash pin: %w", err)
	}

	acct, err := account.NewAccount(phone, string(hash), strings.TrimSpace(businessName))
	if err != nil {
		return nil, err
	}
	if err := s.accountRepo.Create(ctx, acct); err != nil {
		return nil, err
	}

	s.logger.Info().Str("account_id", acct.ID.String()).Msg("account registered")
	return s.session(acct)
}

func (s *AuthService) Login(ctx context.Context, phoneNumber, pin string) (*Session, error) {
	phone, err := providers.NormalizePhone(phoneNumber)
	if err != nil {
		return nil, domainErrors.ErrInvalidCredentials
	}

	acct, err := s.accountRepo.GetByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, domainErrors.ErrAccountNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(pin))
			return nil, domainErrors.ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PINHash), []byte(pin)); err != nil {
		return nil, domainErrors.ErrInvalidCredentials
	}
	if !acct.IsActive() {
		return nil, domainErrors.ErrAccountInactive
	}
	return s.session(acct)
}

// Profile returns the account behind an authenticated request.
func (s *AuthService) Profile(ctx context.Context, accountID uuid.UUID) (*account.Account, error) {
	return s.accountRepo.GetByID(ctx, accountID)
}

func (s *AuthService) session(acct *account.Account) (*Session, error) {
	token, expiresAt, err := s.issue(acct.ID)
	if err != nil {
		return nil, err
	}
	return &Session{Account: acct, Token: token, ExpiresAt: expiresAt}, nil
}
