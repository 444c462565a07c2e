package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukaledger/backoffice/internal/domain/account"
	domainErrors "github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/dukaledger/backoffice/internal/domain/payment"
	"github.com/dukaledger/backoffice/internal/infrastructure/observability"
	"github.com/dukaledger/backoffice/internal/providers"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Plan is a purchasable subscription tier.
type Plan struct {
	Name  string
	Price int64 // whole KES
}

// InitiateRequest asks for an STK push that upgrades AccountID to Plan.
// An empty PhoneNumber charges the account's own number.
type InitiateRequest struct {
	AccountID   uuid.UUID
	PhoneNumber string
	Plan        string
}

// InitiateResult is the outcome of asking the provider for a push. A
// rejection is a normal result, not an error.
type InitiateResult struct {
	Accepted        bool
	Payment         *payment.PaymentRequest
	CustomerMessage string
	FailureMessage  string
}

// PaymentService starts subscription payments and answers status queries.
type PaymentService struct {
	paymentRepo payment.Repository
	accountRepo account.Repository
	txManager   TransactionManager
	gateway     providers.Gateway
	reconciler  *Reconciler
	plans       map[string]int64
	autoResolve time.Duration
	metrics     *observability.Metrics
	logger      zerolog.Logger

	pending sync.WaitGroup
}

type PaymentServiceOption func(*PaymentService)

// WithSandboxAutoResolve makes sandbox pushes settle themselves after d.
func WithSandboxAutoResolve(d time.Duration) PaymentServiceOption {
	return func(s *PaymentService) { s.autoResolve = d }
}

func WithPaymentMetrics(m *observability.Metrics) PaymentServiceOption {
	return func(s *PaymentService) { s.metrics = m }
}

func WithPaymentLogger(l zerolog.Logger) PaymentServiceOption {
	return func(s *PaymentService) { s.logger = l }
}

func NewPaymentService(
	paymentRepo payment.Repository,
	accountRepo account.Repository,
	txManager TransactionManager,
	gateway providers.Gateway,
	reconciler *Reconciler,
	plans map[string]int64,
	opts ...PaymentServiceOption,
) *PaymentService {
	normalized := make(map[string]int64, len(plans))
	for name, price := range plans {
		normalized[strings.ToLower(name)] = price
	}
	s := &PaymentService{
		paymentRepo: paymentRepo,
		accountRepo: accountRepo,
		txManager:   txManager,
		gateway:     gateway,
		reconciler:  reconciler,
		plans:       normalized,
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Plans lists the price table, cheapest first.
func (s *PaymentService) Plans() []Plan {
	out := make([]Plan, 0, len(s.plans))
	for name, price := range s.plans {
		out = append(out, Plan{Name: name, Price: price})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price == out[j].Price {
			return out[i].Name < out[j].Name
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// Mode reports whether pushes are real or simulated.
func (s *PaymentService) Mode() providers.Mode {
	return s.gateway.Mode()
}

func (s *PaymentService) Initiate(ctx context.Context, req InitiateRequest) (result *InitiateResult, err error) {
	plan := strings.ToLower(strings.TrimSpace(req.Plan))
	ctx, span := tracer.Start(ctx, "PaymentService.Initiate", trace.WithAttributes(
		attribute.String("account.id", req.AccountID.String()),
		attribute.String("subscription.plan", plan),
	))
	defer func() {
		recordSpanError(span, err)
		span.End()
	}()

	price, ok := s.plans[plan]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domainErrors.ErrUnknownPlan, req.Plan)
	}

	acct, err := s.accountRepo.GetByID(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if !acct.IsActive() {
		return nil, domainErrors.ErrAccountInactive
	}

	phone := req.PhoneNumber
	if strings.TrimSpace(phone) == "" {
		phone = acct.PhoneNumber
	}
	phone, err = providers.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	description := plan + " plan"
	res, err := s.gateway.InitiatePush(ctx, providers.PushRequest{
		PhoneNumber: phone,
		Amount:      price,
		Reference:   "SUB-" + strings.ToUpper(plan),
		Description: description,
	})
	if err != nil {
		s.metrics.RecordInitiation(plan, "error")
		return nil, err
	}
	if !res.Accepted {
		s.metrics.RecordInitiation(plan, "rejected")
		s.logger.Warn().
			Str("account_id", acct.ID.String()).
			Str("response_code", res.ResponseCode).
			Str("provider_message", res.ErrorMessage).
			Msg("stk push rejected by provider")
		return &InitiateResult{Accepted: false, FailureMessage: res.ErrorMessage}, nil
	}

	p, err := payment.NewPaymentRequest(acct.ID, res.ProviderRequestID, res.CorrelationID, res.PhoneNumber, price, plan, description)
	if err != nil {
		return nil, err
	}

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.paymentRepo.Create(txCtx, p); err != nil {
			return err
		}
		return s.paymentRepo.AddEvent(txCtx, payment.NewEvent(p.ID, payment.EventCreated, map[string]any{
			"plan":         plan,
			"amount":       price,
			"phone_number": p.PhoneNumber,
		}))
	})
	if err != nil {
		// The payer may still complete the prompt; its callback will be
		// reported as an unknown correlation id.
		s.logger.Error().Err(err).
			Str("correlation_id", res.CorrelationID).
			Msg("push accepted but payment request not persisted")
		s.metrics.RecordInitiation(plan, "error")
		return nil, fmt.Errorf("persist payment request: %w", err)
	}

	s.metrics.RecordInitiation(plan, "accepted")
	span.SetAttributes(attribute.String("payment.correlation_id", p.CorrelationID))
	s.logger.Info().
		Str("account_id", acct.ID.String()).
		Str("correlation_id", p.CorrelationID).
		Int64("amount", price).
		Msg("stk push sent")

	if s.gateway.Mode() == providers.ModeSandbox && s.autoResolve > 0 {
		s.scheduleSandboxCallback(res, price)
	}

	return &InitiateResult{Accepted: true, Payment: p, CustomerMessage: res.CustomerMessage}, nil
}

// scheduleSandboxCallback plays the provider's part in sandbox mode by
// posting a successful result through the normal callback path.
func (s *PaymentService) scheduleSandboxCallback(res *providers.PushResult, amount int64) {
	s.pending.Add(1)
	time.AfterFunc(s.autoResolve, func() {
		defer s.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		body, err := providers.EncodeCallback(providers.SimulatedCallback(res, amount, true, time.Now()))
		if err != nil {
			s.logger.Error().Err(err).Msg("encode sandbox callback")
			return
		}
		cb, err := providers.ParseCallback(body)
		if err != nil {
			s.logger.Error().Err(err).Msg("parse sandbox callback")
			return
		}
		if err := s.reconciler.Resolve(ctx, cb.CheckoutRequestID, cb.Outcome()); err != nil {
			s.logger.Error().Err(err).Str("correlation_id", cb.CheckoutRequestID).Msg("sandbox self-resolution failed")
		}
	})
}

// Wait blocks until scheduled sandbox callbacks have run.
func (s *PaymentService) Wait() {
	s.pending.Wait()
}

// CheckStatus is a pure read of the stored request.
func (s *PaymentService) CheckStatus(ctx context.Context, correlationID string) (*payment.PaymentRequest, error) {
	return s.paymentRepo.GetByCorrelationID(ctx, correlationID)
}

// CheckStatusForAccount hides requests owned by other accounts behind
// ErrPaymentNotFound.
func (s *PaymentService) CheckStatusForAccount(ctx context.Context, accountID uuid.UUID, correlationID string) (*payment.PaymentRequest, error) {
	p, err := s.CheckStatus(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if p.AccountID != accountID {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return p, nil
}

func (s *PaymentService) ListForAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*payment.PaymentRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.paymentRepo.ListByAccount(ctx, accountID, limit, offset)
}

// History returns the audit trail of one request.
func (s *PaymentService) History(ctx context.Context, accountID uuid.UUID, correlationID string) ([]*payment.PaymentEvent, error) {
	p, err := s.CheckStatusForAccount(ctx, accountID, correlationID)
	if err != nil {
		return nil, err
	}
	return s.paymentRepo.GetEvents(ctx, p.ID)
}
