package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukaledger/backoffice/internal/domain/account"
	domainErrors "github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/dukaledger/backoffice/internal/domain/outbox"
	"github.com/dukaledger/backoffice/internal/domain/payment"
	"github.com/dukaledger/backoffice/internal/infrastructure/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Reconciliation results, used as metric labels.
const (
	ResultApplied      = "applied"
	ResultDuplicate    = "duplicate"
	ResultConflict     = "conflict"
	ResultUnknown      = "unknown"
	ResultRejected     = "rejected"
	ResultSuperseded   = "superseded"
	ResultEffectFailed = "effect_failed"
)

// Reconciler applies provider outcomes to payment requests. Each request
// moves out of Pending at most once; the subscription change rides along
// with a successful transition.
type Reconciler struct {
	paymentRepo payment.Repository
	accountRepo account.Repository
	outboxRepo  outbox.Repository
	txManager   TransactionManager
	effectGrace time.Duration
	metrics     *observability.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

func NewReconciler(
	paymentRepo payment.Repository,
	accountRepo account.Repository,
	outboxRepo outbox.Repository,
	txManager TransactionManager,
	effectGrace time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		paymentRepo: paymentRepo,
		accountRepo: accountRepo,
		outboxRepo:  outboxRepo,
		txManager:   txManager,
		effectGrace: effectGrace,
		metrics:     metrics,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Resolve records the provider's verdict for correlationID.
//
// Repeating an outcome that is already stored returns nil. An unknown id, an
// outcome that does not match the request it names, or a contradicting
// outcome returns a *ReconciliationError and changes nothing.
// If the payment completes but the subscription update fails, the payment
// stays Completed and an *AccountEffectError is returned; the update is owed
// through the outbox.
func (r *Reconciler) Resolve(ctx context.Context, correlationID string, outcome payment.Outcome) (err error) {
	ctx, span := tracer.Start(ctx, "Reconciler.Resolve", trace.WithAttributes(
		attribute.String("payment.correlation_id", correlationID),
		attribute.String("payment.outcome", string(outcome.Status())),
	))
	defer func() {
		recordSpanError(span, err)
		span.End()
	}()

	log := r.logger.With().Str("correlation_id", correlationID).Logger()

	p, err := r.paymentRepo.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		if errors.Is(err, domainErrors.ErrPaymentNotFound) {
			r.metrics.RecordReconciliation(ResultUnknown)
			log.Warn().Msg("callback for unknown correlation id ignored")
			return domainErrors.NewReconciliationError(correlationID, "unknown correlation id", domainErrors.ErrUnknownCorrelationID)
		}
		return fmt.Errorf("load payment request: %w", err)
	}

	if err := p.Corroborates(outcome); err != nil {
		r.metrics.RecordReconciliation(ResultRejected)
		log.Warn().Err(err).Msg("callback does not match payment request, ignored")
		return domainErrors.NewReconciliationError(correlationID, err.Error(), err)
	}

	if p.IsTerminal() {
		return r.settled(p, outcome, log)
	}

	resolved := *p
	if err := resolved.Resolve(outcome, r.now()); err != nil {
		return err
	}

	var (
		won   bool
		entry *outbox.Entry
	)
	err = r.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		ok, err := r.paymentRepo.MarkResolved(txCtx, &resolved)
		if err != nil || !ok {
			return err
		}
		won = true

		if err := r.paymentRepo.AddEvent(txCtx, resolutionEvent(&resolved)); err != nil {
			return err
		}
		if resolved.Status != payment.StatusCompleted {
			return nil
		}
		entry = outbox.NewEntry(outbox.AggregatePayment, resolved.ID, outbox.EventSubscriptionApply, map[string]any{
			"payment_id": resolved.ID.String(),
			"account_id": resolved.AccountID.String(),
			"tier":       resolved.PurposeReference,
		}).Delay(r.effectGrace)
		return r.outboxRepo.Insert(txCtx, entry)
	})
	if err != nil {
		return fmt.Errorf("persist resolution: %w", err)
	}

	if !won {
		// Another callback resolved the row between our read and our update.
		current, err := r.paymentRepo.GetByID(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("reload payment request: %w", err)
		}
		return r.settled(current, outcome, log)
	}

	if resolved.Status == payment.StatusFailed {
		r.metrics.RecordReconciliation(ResultApplied)
		log.Info().
			Int("result_code", *resolved.ResultCode).
			Str("result_desc", *resolved.ResultDescription).
			Msg("payment failed")
		return nil
	}

	later, err := r.laterCompleted(ctx, &resolved)
	superseded := later != nil
	clearDebt := true
	if err == nil && !superseded {
		err = r.accountRepo.SetSubscriptionTier(ctx, resolved.AccountID, resolved.PurposeReference)
		if err == nil {
			// A later payment that completed during our write may have been
			// overwritten. Leave the debt queued so the worker restores its tier.
			if after, lerr := r.laterCompleted(ctx, &resolved); lerr != nil || after != nil {
				clearDebt = false
			}
		}
	}
	if err != nil {
		r.metrics.RecordReconciliation(ResultEffectFailed)
		log.Error().Err(err).
			Str("account_id", resolved.AccountID.String()).
			Str("tier", resolved.PurposeReference).
			Msg("payment completed but subscription update failed, queued for retry")
		return &domainErrors.AccountEffectError{
			AccountID: resolved.AccountID,
			PaymentID: resolved.ID,
			Tier:      resolved.PurposeReference,
			Err:       err,
		}
	}

	if clearDebt {
		if err := r.outboxRepo.MarkPublished(ctx, entry.ID); err != nil {
			// The worker re-checks ordering before applying, so a leftover entry
			// cannot undo a later upgrade.
			log.Warn().Err(err).Msg("could not clear settled subscription debt")
		}
	}

	if superseded {
		r.metrics.RecordReconciliation(ResultSuperseded)
		log.Info().
			Str("receipt", *resolved.ProviderReceiptNumber).
			Str("account_id", resolved.AccountID.String()).
			Msg("payment completed, subscription already set by a later payment")
		return nil
	}

	r.metrics.RecordReconciliation(ResultApplied)
	log.Info().
		Str("receipt", *resolved.ProviderReceiptNumber).
		Str("account_id", resolved.AccountID.String()).
		Str("tier", resolved.PurposeReference).
		Msg("payment completed and subscription applied")
	return nil
}

// settled handles an outcome for a request that is already terminal.
func (r *Reconciler) settled(p *payment.PaymentRequest, outcome payment.Outcome, log zerolog.Logger) error {
	if p.Matches(outcome) {
		r.metrics.RecordReconciliation(ResultDuplicate)
		log.Debug().Str("status", string(p.Status)).Msg("duplicate callback ignored")
		return nil
	}

	r.metrics.RecordReconciliation(ResultConflict)
	log.Error().
		Str("stored_status", string(p.Status)).
		Str("received_status", string(outcome.Status())).
		Msg("conflicting callback for settled payment")
	return domainErrors.NewReconciliationError(
		p.CorrelationID,
		fmt.Sprintf("stored %s, received %s", p.Status, outcome.Status()),
		domainErrors.ErrReconciliationConflict,
	)
}

// SettleDebt re-applies the subscription change owed by a completed payment.
// When a later completed payment decides the tier, the debt only restores
// that payment's tier if the account drifted from it, so a stale debt never
// downgrades an account.
func (r *Reconciler) SettleDebt(ctx context.Context, paymentID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "Reconciler.SettleDebt", trace.WithAttributes(
		attribute.String("payment.id", paymentID.String()),
	))
	defer span.End()

	p, err := r.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("load payment request: %w", err)
	}
	if p.Status != payment.StatusCompleted {
		return nil
	}
	later, err := r.laterCompleted(ctx, p)
	if err != nil {
		recordSpanError(span, err)
		return err
	}
	owner := p
	if later != nil {
		acct, err := r.accountRepo.GetByID(ctx, p.AccountID)
		if err != nil {
			recordSpanError(span, err)
			return fmt.Errorf("load account: %w", err)
		}
		if acct.SubscriptionTier == later.PurposeReference {
			r.logger.Info().
				Str("payment_id", p.ID.String()).
				Str("account_id", p.AccountID.String()).
				Msg("subscription debt superseded by a later payment, dropped")
			return nil
		}
		owner = later
	}
	if err := r.accountRepo.SetSubscriptionTier(ctx, owner.AccountID, owner.PurposeReference); err != nil {
		recordSpanError(span, err)
		return &domainErrors.AccountEffectError{
			AccountID: owner.AccountID,
			PaymentID: owner.ID,
			Tier:      owner.PurposeReference,
			Err:       err,
		}
	}
	if owner != p {
		r.logger.Warn().
			Str("payment_id", p.ID.String()).
			Str("account_id", p.AccountID.String()).
			Str("tier", owner.PurposeReference).
			Msg("subscription restored to the latest completed payment")
	}
	return nil
}

// laterCompleted returns the account's latest completed payment when it
// orders after p, or nil when p is the latest.
func (r *Reconciler) laterCompleted(ctx context.Context, p *payment.PaymentRequest) (*payment.PaymentRequest, error) {
	latest, err := r.paymentRepo.LatestCompleted(ctx, p.AccountID)
	if errors.Is(err, domainErrors.ErrPaymentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest completed payment: %w", err)
	}
	if latest.ID == p.ID || !p.CompletedBefore(latest) {
		return nil, nil
	}
	return latest, nil
}

func resolutionEvent(p *payment.PaymentRequest) *payment.PaymentEvent {
	if p.Status == payment.StatusCompleted {
		return payment.NewEvent(p.ID, payment.EventCompleted, map[string]any{
			"receipt_number":   *p.ProviderReceiptNumber,
			"transaction_time": p.ProviderTransactionTimestamp.Format(time.RFC3339),
			"amount":           p.Amount,
		})
	}
	data := map[string]any{"result_code": *p.ResultCode}
	if p.ResultDescription != nil {
		data["result_desc"] = *p.ResultDescription
	}
	return payment.NewEvent(p.ID, payment.EventFailed, data)
}
