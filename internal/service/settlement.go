package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/dukaledger/backoffice/internal/domain/outbox"
	"github.com/dukaledger/backoffice/internal/infrastructure/observability"
	"github.com/dukaledger/backoffice/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Debt is a subscription change owed by a completed payment.
type Debt struct {
	PaymentID uuid.UUID
	AccountID uuid.UUID
	Tier      string
}

// ParseDebt reads the payload written with a subscription.apply outbox entry.
func ParseDebt(payload map[string]any) (Debt, error) {
	var d Debt
	paymentID, _ := payload["payment_id"].(string)
	accountID, _ := payload["account_id"].(string)
	d.Tier, _ = payload["tier"].(string)

	var err error
	if d.PaymentID, err = uuid.Parse(paymentID); err != nil {
		return Debt{}, fmt.Errorf("%w: payment_id %q", domainErrors.ErrInvalidInput, paymentID)
	}
	if d.AccountID, err = uuid.Parse(accountID); err != nil {
		return Debt{}, fmt.Errorf("%w: account_id %q", domainErrors.ErrInvalidInput, accountID)
	}
	return d, nil
}

func (d Debt) payload() map[string]any {
	return map[string]any{
		"payment_id": d.PaymentID.String(),
		"account_id": d.AccountID.String(),
		"tier":       d.Tier,
	}
}

// Settler pays off subscription debts in the background: it relays the
// outbox onto the work stream and applies what the stream delivers.
type Settler struct {
	outboxRepo outbox.Repository
	txManager  TransactionManager
	publisher  DebtPublisher
	locker     AccountLocker
	reconciler *Reconciler
	retryCfg   retry.Config
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewSettler(
	outboxRepo outbox.Repository,
	txManager TransactionManager,
	publisher DebtPublisher,
	locker AccountLocker,
	reconciler *Reconciler,
	retryCfg retry.Config,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Settler {
	return &Settler{
		outboxRepo: outboxRepo,
		txManager:  txManager,
		publisher:  publisher,
		locker:     locker,
		reconciler: reconciler,
		retryCfg:   retryCfg,
		metrics:    metrics,
		logger:     logger,
	}
}

// RelayOutbox publishes up to batch due outbox entries and reports how many
// made it onto the stream. Entries that fail to publish are backed off.
func (s *Settler) RelayOutbox(ctx context.Context, batch int) (int, error) {
	published := 0
	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		entries, err := s.outboxRepo.GetPending(txCtx, batch)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := s.publisher.Publish(txCtx, entry.AggregateID.String(), entry.EventType, entry.Payload); err != nil {
				s.logger.Error().Err(err).Str("outbox_id", entry.ID.String()).Msg("failed to publish outbox entry")
				if err := s.outboxRepo.MarkFailed(txCtx, entry.ID); err != nil {
					return err
				}
				continue
			}
			if err := s.outboxRepo.MarkPublished(txCtx, entry.ID); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return published, fmt.Errorf("relay outbox: %w", err)
	}
	return published, nil
}

// Settle applies d under the account lock, retrying with backoff. A debt that
// cannot be settled is moved to the dead-letter stream and Settle returns nil.
// A non-nil error means the debt was neither settled nor dead-lettered and the
// message must stay unacknowledged.
func (s *Settler) Settle(ctx context.Context, d Debt) (err error) {
	ctx, span := tracer.Start(ctx, "Settler.Settle", trace.WithAttributes(
		attribute.String("payment.id", d.PaymentID.String()),
		attribute.String("account.id", d.AccountID.String()),
	))
	defer func() {
		recordSpanError(span, err)
		span.End()
	}()

	log := s.logger.With().
		Str("payment_id", d.PaymentID.String()).
		Str("account_id", d.AccountID.String()).
		Logger()

	cfg := s.retryCfg
	cfg.OnRetry = func(attempt uint, err error) {
		log.Warn().Err(err).Uint("attempt", attempt).Msg("subscription settlement failed, retrying")
	}

	start := time.Now()
	settleErr := retry.Do(ctx, cfg, func() error {
		return s.locker.WithAccountLock(ctx, d.AccountID, func(lockCtx context.Context) error {
			err := s.reconciler.SettleDebt(lockCtx, d.PaymentID)
			if errors.Is(err, domainErrors.ErrPaymentNotFound) {
				return retry.Permanent(err)
			}
			return err
		})
	})
	s.observe(start)

	if settleErr == nil {
		s.metrics.RecordSettlement("settled")
		log.Info().Str("tier", d.Tier).Msg("subscription debt settled")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	log.Error().Err(settleErr).Msg("subscription debt could not be settled, dead-lettering")
	if err := s.publisher.PublishToDLQ(ctx, d.PaymentID.String(), settleErr.Error(), d.payload()); err != nil {
		return fmt.Errorf("dead-letter debt for payment %s: %w", d.PaymentID, err)
	}
	s.metrics.RecordSettlement("dead_lettered")
	return nil
}

func (s *Settler) observe(start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.WorkerProcessingDuration.WithLabelValues("settlement").Observe(time.Since(start).Seconds())
}
