package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukaledger/backoffice/internal/domain/account"
	domainErrors "github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const accountColumns = `id, phone_number, pin_hash, business_name, subscription_tier, status, created_at, updated_at`

// AccountRepository implements account.Repository using PostgreSQL.
type AccountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

func (r *AccountRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *AccountRepository) scanAccount(s scanner) (*account.Account, error) {
	a := &account.Account{}
	var status string
	err := s.Scan(&a.ID, &a.PhoneNumber, &a.PINHash, &a.BusinessName, &a.SubscriptionTier, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.Status = account.AccountStatus(status)
	return a, nil
}

func (r *AccountRepository) Create(ctx context.Context, a *account.Account) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.PhoneNumber, a.PINHash, a.BusinessName, a.SubscriptionTier, string(a.Status), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domainErrors.ErrAccountExists
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	return r.scanAccount(r.db(ctx).QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (r *AccountRepository) GetByPhone(ctx context.Context, phoneNumber string) (*account.Account, error) {
	return r.scanAccount(r.db(ctx).QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE phone_number = $1`, phoneNumber))
}

func (r *AccountRepository) SetSubscriptionTier(ctx context.Context, id uuid.UUID, tier string) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE accounts SET subscription_tier = $1, updated_at = NOW() WHERE id = $2`, tier, id)
	if err != nil {
		return fmt.Errorf("set subscription tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrAccountNotFound
	}
	return nil
}
