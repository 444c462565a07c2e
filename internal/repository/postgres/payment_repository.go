package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	domainErrors "github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/dukaledger/backoffice/internal/domain/payment"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const paymentColumns = `id, account_id, provider_request_id, correlation_id, phone_number, amount,
	purpose_reference, description, status, provider_receipt_number, provider_transaction_timestamp,
	result_code, result_description, created_at, updated_at`

// PaymentRepository implements payment.Repository using PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (r *PaymentRepository) Create(ctx context.Context, p *payment.PaymentRequest) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO payment_requests (`+paymentColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		p.ID, p.AccountID, p.ProviderRequestID, p.CorrelationID, p.PhoneNumber, p.Amount,
		p.PurposeReference, p.Description, string(p.Status), p.ProviderReceiptNumber, p.ProviderTransactionTimestamp,
		p.ResultCode, p.ResultDescription, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domainErrors.ErrDuplicateCorrelationID
		}
		return fmt.Errorf("insert payment request: %w", err)
	}
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*payment.PaymentRequest, error) {
	return r.scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1`, id))
}

func (r *PaymentRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*payment.PaymentRequest, error) {
	return r.scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests WHERE correlation_id = $1`, correlationID))
}

// MarkResolved is a compare-and-set on status: only a row that is still
// Pending gets the terminal fields.
func (r *PaymentRepository) MarkResolved(ctx context.Context, p *payment.PaymentRequest) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE payment_requests SET
		   status = $1, provider_receipt_number = $2, provider_transaction_timestamp = $3,
		   result_code = $4, result_description = $5, updated_at = $6
		 WHERE id = $7 AND status = 'Pending'`,
		string(p.Status), p.ProviderReceiptNumber, p.ProviderTransactionTimestamp,
		p.ResultCode, p.ResultDescription, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return false, fmt.Errorf("resolve payment request: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PaymentRepository) LatestCompleted(ctx context.Context, accountID uuid.UUID) (*payment.PaymentRequest, error) {
	return r.scanPayment(r.db(ctx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests
		 WHERE account_id = $1 AND status = 'Completed'
		 ORDER BY provider_transaction_timestamp DESC, updated_at DESC, id DESC
		 LIMIT 1`, accountID))
}

func (r *PaymentRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*payment.PaymentRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+paymentColumns+` FROM payment_requests
		 WHERE account_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list payment requests: %w", err)
	}
	defer rows.Close()

	var out []*payment.PaymentRequest
	for rows.Next() {
		p, err := r.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PaymentRepository) AddEvent(ctx context.Context, event *payment.PaymentEvent) error {
	data, err := json.Marshal(event.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO payment_events (id, payment_id, event_type, event_data, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.PaymentID, event.EventType, data, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment event: %w", err)
	}
	return nil
}

func (r *PaymentRepository) GetEvents(ctx context.Context, paymentID uuid.UUID) ([]*payment.PaymentEvent, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, payment_id, event_type, event_data, created_at
		 FROM payment_events WHERE payment_id = $1 ORDER BY created_at ASC`, paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list payment events: %w", err)
	}
	defer rows.Close()

	var events []*payment.PaymentEvent
	for rows.Next() {
		e := &payment.PaymentEvent{}
		var data []byte
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.EventType, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(data, &e.EventData); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *PaymentRepository) scanPayment(s scanner) (*payment.PaymentRequest, error) {
	p := &payment.PaymentRequest{}
	var status string
	err := s.Scan(
		&p.ID, &p.AccountID, &p.ProviderRequestID, &p.CorrelationID, &p.PhoneNumber, &p.Amount,
		&p.PurposeReference, &p.Description, &status, &p.ProviderReceiptNumber, &p.ProviderTransactionTimestamp,
		&p.ResultCode, &p.ResultDescription, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment request: %w", err)
	}
	p.Status = payment.Status(status)
	return p, nil
}
