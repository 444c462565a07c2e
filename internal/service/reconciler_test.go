package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukaledger/backoffice/internal/domain/account"
	domainErrors "github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/dukaledger/backoffice/internal/domain/outbox"
	"github.com/dukaledger/backoffice/internal/domain/payment"
	"github.com/dukaledger/backoffice/internal/testutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

type reconcilerFixture struct {
	reconciler  *Reconciler
	paymentRepo *testutil.MockPaymentRepository
	accountRepo *testutil.MockAccountRepository
	outboxRepo  *testutil.MockOutboxRepository
	txManager   *testutil.MockTransactionManager
	account     *account.Account
}

func setupReconciler(t *testing.T) *reconcilerFixture {
	t.Helper()
	f := &reconcilerFixture{
		paymentRepo: testutil.NewMockPaymentRepository(),
		accountRepo: testutil.NewMockAccountRepository(),
		outboxRepo:  testutil.NewMockOutboxRepository(),
		txManager:   testutil.NewMockTransactionManager(),
		account:     testutil.NewTestAccount(testutil.TestPhone),
	}
	f.accountRepo.AddAccount(f.account)
	f.reconciler = NewReconciler(f.paymentRepo, f.accountRepo, f.outboxRepo, f.txManager, 30*time.Second, nil, zerolog.Nop())
	return f
}

func (f *reconcilerFixture) pending(plan string, amount int64) *payment.PaymentRequest {
	p := testutil.NewPendingPayment(f.account.ID, plan, amount)
	f.paymentRepo.AddPayment(p)
	return p
}

func success(p *payment.PaymentRequest, receipt string) payment.Succeeded {
	return successAt(p, receipt, time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC))
}

func successAt(p *payment.PaymentRequest, receipt string, at time.Time) payment.Succeeded {
	return payment.Succeeded{
		ProviderRequestID: p.ProviderRequestID,
		Amount:            p.Amount,
		ReceiptNumber:     receipt,
		TransactionTime:   at,
		PhoneNumber:       testutil.TestPhone,
	}
}

func failure(p *payment.PaymentRequest, code int, desc string) payment.Failed {
	return payment.Failed{ProviderRequestID: p.ProviderRequestID, ResultCode: code, Description: desc}
}

// --- Resolve Tests ---

func TestResolve_Success_AppliesTier(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	p := f.pending("premium", 1500)

	err := f.reconciler.Resolve(ctx, p.CorrelationID, success(p, "NLJ7RT61SV"))
	require.NoError(t, err)

	stored := f.paymentRepo.Stored(p.ID)
	assert.Equal(t, payment.StatusCompleted, stored.Status)
	require.NotNil(t, stored.ProviderReceiptNumber)
	assert.Equal(t, "NLJ7RT61SV", *stored.ProviderReceiptNumber)
	assert.Equal(t, "premium", f.accountRepo.GetAccountByID(f.account.ID).SubscriptionTier)

	events, _ := f.paymentRepo.GetEvents(ctx, p.ID)
	require.Len(t, events, 1)
	assert.Equal(t, payment.EventCompleted, events[0].EventType)

	entries := f.outboxRepo.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, outbox.EventSubscriptionApply, entries[0].EventType)
	assert.True(t, f.outboxRepo.IsPublished(entries[0].ID), "settled debt must be cleared")
}

func TestResolve_Failure_KeepsDescriptionAndLeavesAccount(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	p := f.pending("basic", 500)

	err := f.reconciler.Resolve(ctx, p.CorrelationID, failure(p, 1032, "Request cancelled by user"))
	require.NoError(t, err)

	stored := f.paymentRepo.Stored(p.ID)
	assert.Equal(t, payment.StatusFailed, stored.Status)
	require.NotNil(t, stored.ResultCode)
	assert.Equal(t, 1032, *stored.ResultCode)
	assert.Equal(t, "Request cancelled by user", *stored.ResultDescription)
	assert.Nil(t, stored.ProviderReceiptNumber)

	assert.Equal(t, account.TierFree, f.accountRepo.GetAccountByID(f.account.ID).SubscriptionTier)
	assert.Zero(t, f.accountRepo.TierSets())
	assert.Empty(t, f.outboxRepo.Entries())
}

func TestResolve_UnknownCorrelationID(t *testing.T) {
	f := setupReconciler(t)
	p := f.pending("basic", 500)

	err := f.reconciler.Resolve(context.Background(), "ws_CO_nobody", success(p, "R1"))

	var recErr *domainErrors.ReconciliationError
	require.ErrorAs(t, err, &recErr)
	assert.ErrorIs(t, err, domainErrors.ErrUnknownCorrelationID)
	assert.Equal(t, "ws_CO_nobody", recErr.CorrelationID)

	assert.Equal(t, payment.StatusPending, f.paymentRepo.Stored(p.ID).Status)
	assert.Zero(t, f.accountRepo.TierSets())
}

func TestResolve_DuplicateSuccessIsIdempotent(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	p := f.pending("basic", 500)

	require.NoError(t, f.reconciler.Resolve(ctx, p.CorrelationID, success(p, "R1")))
	first := f.paymentRepo.Stored(p.ID)

	require.NoError(t, f.reconciler.Resolve(ctx, p.CorrelationID, success(p, "R1")))
	second := f.paymentRepo.Stored(p.ID)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.accountRepo.TierSets())
	events, _ := f.paymentRepo.GetEvents(ctx, p.ID)
	assert.Len(t, events, 1)
}

func TestResolve_DuplicateFailureIsIdempotent(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	p := f.pending("basic", 500)
	failed := failure(p, 1037, "DS timeout user cannot be reached")

	require.NoError(t, f.reconciler.Resolve(ctx, p.CorrelationID, failed))
	require.NoError(t, f.reconciler.Resolve(ctx, p.CorrelationID, failed))

	assert.Equal(t, payment.StatusFailed, f.paymentRepo.Stored(p.ID).Status)
}

func TestResolve_ConflictDoesNotOverwrite(t *testing.T) {
	tests := []struct {
		name   string
		stored func(accountID uuid.UUID) *payment.PaymentRequest
		next   func(p *payment.PaymentRequest) payment.Outcome
	}{
		{
			name: "failure after success",
			stored: func(id uuid.UUID) *payment.PaymentRequest {
				return testutil.NewCompletedPayment(id, "basic", 500, "R1")
			},
			next: func(p *payment.PaymentRequest) payment.Outcome {
				return failure(p, 1032, "Request cancelled by user")
			},
		},
		{
			name: "success after failure",
			stored: func(id uuid.UUID) *payment.PaymentRequest {
				return testutil.NewFailedPayment(id, "basic", 500, 1032, "Request cancelled by user")
			},
			next: func(p *payment.PaymentRequest) payment.Outcome { return success(p, "R2") },
		},
		{
			name: "success with a different receipt",
			stored: func(id uuid.UUID) *payment.PaymentRequest {
				return testutil.NewCompletedPayment(id, "basic", 500, "R1")
			},
			next: func(p *payment.PaymentRequest) payment.Outcome { return success(p, "R2") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupReconciler(t)
			p := tt.stored(f.account.ID)
			f.paymentRepo.AddPayment(p)
			before := f.paymentRepo.Stored(p.ID)

			err := f.reconciler.Resolve(context.Background(), p.CorrelationID, tt.next(p))

			var recErr *domainErrors.ReconciliationError
			require.ErrorAs(t, err, &recErr)
			assert.ErrorIs(t, err, domainErrors.ErrReconciliationConflict)
			assert.Equal(t, before, f.paymentRepo.Stored(p.ID))
			assert.Zero(t, f.accountRepo.TierSets())
		})
	}
}

func TestResolve_RejectsCallbackForAnotherRequest(t *testing.T) {
	tests := []struct {
		name    string
		outcome func(p *payment.PaymentRequest) payment.Outcome
	}{
		{
			name: "foreign provider request id",
			outcome: func(p *payment.PaymentRequest) payment.Outcome {
				out := success(p, "FAKE123")
				out.ProviderRequestID = "forged"
				return out
			},
		},
		{
			name: "missing provider request id",
			outcome: func(p *payment.PaymentRequest) payment.Outcome {
				out := success(p, "FAKE123")
				out.ProviderRequestID = ""
				return out
			},
		},
		{
			name: "amount below the price",
			outcome: func(p *payment.PaymentRequest) payment.Outcome {
				out := success(p, "FAKE123")
				out.Amount = 1
				return out
			},
		},
		{
			name: "failure for a foreign provider request id",
			outcome: func(p *payment.PaymentRequest) payment.Outcome {
				out := failure(p, 1032, "Request cancelled by user")
				out.ProviderRequestID = "forged"
				return out
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupReconciler(t)
			p := f.pending("premium", 1500)

			err := f.reconciler.Resolve(context.Background(), p.CorrelationID, tt.outcome(p))

			var recErr *domainErrors.ReconciliationError
			require.ErrorAs(t, err, &recErr)
			assert.ErrorIs(t, err, domainErrors.ErrCallbackMismatch)
			assert.Equal(t, payment.StatusPending, f.paymentRepo.Stored(p.ID).Status)
			assert.Equal(t, account.TierFree, f.accountRepo.GetAccountByID(f.account.ID).SubscriptionTier)
			assert.Empty(t, f.outboxRepo.Entries())
		})
	}
}

func TestResolve_OverpaymentIsAccepted(t *testing.T) {
	f := setupReconciler(t)
	p := f.pending("basic", 500)
	out := success(p, "R1")
	out.Amount = 600

	require.NoError(t, f.reconciler.Resolve(context.Background(), p.CorrelationID, out))
	assert.Equal(t, "basic", f.accountRepo.GetAccountByID(f.account.ID).SubscriptionTier)
}

func TestResolve_EarlierPaymentDoesNotOverrideLaterOne(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	basic := f.pending("basic", 500)
	premium := f.pending("premium", 1500)
	t0 := time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC)

	// The premium callback arrives first although basic was paid earlier.
	require.NoError(t, f.reconciler.Resolve(ctx, premium.CorrelationID, successAt(premium, "R2", t0.Add(time.Minute))))
	require.NoError(t, f.reconciler.Resolve(ctx, basic.CorrelationID, successAt(basic, "R1", t0)))

	assert.Equal(t, payment.StatusCompleted, f.paymentRepo.Stored(basic.ID).Status)
	assert.Equal(t, "premium", f.accountRepo.GetAccountByID(f.account.ID).SubscriptionTier)
	for _, e := range f.outboxRepo.Entries() {
		assert.True(t, f.outboxRepo.IsPublished(e.ID), "no debt may remain for %s", e.Payload["tier"])
	}
}

func TestResolve_ConcurrentSuccessesApplyOnce(t *testing.T) {
	f := setupReconciler(t)
	p := f.pending("premium", 1500)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = f.reconciler.Resolve(context.Background(), p.CorrelationID, success(p, "R1"))
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, payment.StatusCompleted, f.paymentRepo.Stored(p.ID).Status)
	assert.Equal(t, 1, f.accountRepo.TierSets())
	assert.Len(t, f.outboxRepo.Entries(), 1)
}

func TestResolve_LostRaceAgainstConflictingOutcome(t *testing.T) {
	f := setupReconciler(t)
	p := f.pending("basic", 500)

	// Another writer fails the request between our read and our update.
	f.paymentRepo.MarkResolvedFunc = func(ctx context.Context, _ *payment.PaymentRequest) (bool, error) {
		failed := testutil.NewFailedPayment(f.account.ID, "basic", 500, 1032, "Request cancelled by user")
		failed.ID = p.ID
		failed.CorrelationID = p.CorrelationID
		f.paymentRepo.AddPayment(failed)
		return false, nil
	}

	err := f.reconciler.Resolve(context.Background(), p.CorrelationID, success(p, "R1"))

	assert.ErrorIs(t, err, domainErrors.ErrReconciliationConflict)
	assert.Equal(t, payment.StatusFailed, f.paymentRepo.Stored(p.ID).Status)
	assert.Zero(t, f.accountRepo.TierSets())
}

func TestResolve_AccountEffectFailureKeepsPaymentCompleted(t *testing.T) {
	f := setupReconciler(t)
	p := f.pending("premium", 1500)
	f.accountRepo.SetSubscriptionTierFunc = func(ctx context.Context, id uuid.UUID, tier string) error {
		return errors.New("connection reset")
	}

	err := f.reconciler.Resolve(context.Background(), p.CorrelationID, success(p, "R1"))

	var effectErr *domainErrors.AccountEffectError
	require.ErrorAs(t, err, &effectErr)
	assert.Equal(t, f.account.ID, effectErr.AccountID)
	assert.Equal(t, p.ID, effectErr.PaymentID)
	assert.Equal(t, "premium", effectErr.Tier)

	assert.Equal(t, payment.StatusCompleted, f.paymentRepo.Stored(p.ID).Status)

	entries := f.outboxRepo.Entries()
	require.Len(t, entries, 1)
	assert.False(t, f.outboxRepo.IsPublished(entries[0].ID), "debt must stay owed")
	assert.Equal(t, p.ID.String(), entries[0].Payload["payment_id"])
	assert.True(t, entries[0].AvailableAt.After(entries[0].CreatedAt))
}

func TestResolve_PersistFailureChangesNothing(t *testing.T) {
	f := setupReconciler(t)
	p := f.pending("basic", 500)
	f.paymentRepo.AddEventFunc = func(ctx context.Context, event *payment.PaymentEvent) error {
		return errors.New("disk full")
	}
	// The mock transaction cannot roll back; emulate it by restoring the row.
	f.txManager.WithTransactionFunc = func(ctx context.Context, fn func(ctx context.Context) error) error {
		snapshot := f.paymentRepo.Stored(p.ID)
		if err := fn(ctx); err != nil {
			f.paymentRepo.AddPayment(snapshot)
			return err
		}
		return nil
	}

	err := f.reconciler.Resolve(context.Background(), p.CorrelationID, success(p, "R1"))

	require.Error(t, err)
	assert.Equal(t, payment.StatusPending, f.paymentRepo.Stored(p.ID).Status)
	assert.Zero(t, f.accountRepo.TierSets())
}

// --- SettleDebt Tests ---

func TestSettleDebt(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()

	completed := testutil.NewCompletedPayment(f.account.ID, "premium", 1500, "R1")
	failed := testutil.NewFailedPayment(f.account.ID, "basic", 500, 1, "insufficient funds")
	f.paymentRepo.AddPayment(completed)
	f.paymentRepo.AddPayment(failed)

	require.NoError(t, f.reconciler.SettleDebt(ctx, failed.ID))
	assert.Equal(t, account.TierFree, f.accountRepo.GetAccountByID(f.account.ID).SubscriptionTier)

	require.NoError(t, f.reconciler.SettleDebt(ctx, completed.ID))
	require.NoError(t, f.reconciler.SettleDebt(ctx, completed.ID))
	assert.Equal(t, "premium", f.accountRepo.GetAccountByID(f.account.ID).SubscriptionTier)

	err := f.reconciler.SettleDebt(ctx, uuid.New())
	assert.ErrorIs(t, err, domainErrors.ErrPaymentNotFound)
}

func TestSettleDebt_StaleDebtDoesNotDowngrade(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	basic := f.pending("basic", 500)
	premium := f.pending("premium", 1500)
	t0 := time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC)

	f.accountRepo.SetSubscriptionTierFunc = func(ctx context.Context, id uuid.UUID, tier string) error {
		return errors.New("connection reset")
	}
	err := f.reconciler.Resolve(ctx, basic.CorrelationID, successAt(basic, "R1", t0))
	var effectErr *domainErrors.AccountEffectError
	require.ErrorAs(t, err, &effectErr)
	f.accountRepo.SetSubscriptionTierFunc = nil

	require.NoError(t, f.reconciler.Resolve(ctx, premium.CorrelationID, successAt(premium, "R2", t0.Add(time.Minute))))
	require.Equal(t, "premium", f.accountRepo.GetAccountByID(f.account.ID).SubscriptionTier)

	require.NoError(t, f.reconciler.SettleDebt(ctx, basic.ID))

	assert.Equal(t, "premium", f.accountRepo.GetAccountByID(f.account.ID).SubscriptionTier)
	assert.Equal(t, 1, f.accountRepo.TierSets())
}

func TestResolve_LaterPaymentDuringWriteKeepsDebtQueued(t *testing.T) {
	f := setupReconciler(t)
	ctx := context.Background()
	basic := f.pending("basic", 500)
	premium := f.pending("premium", 1500)
	t0 := time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC)

	// premium completes and applies while basic's tier write is in flight
	f.accountRepo.SetSubscriptionTierFunc = func(ctx context.Context, id uuid.UUID, tier string) error {
		f.accountRepo.SetSubscriptionTierFunc = nil
		require.NoError(t, f.reconciler.Resolve(ctx, premium.CorrelationID, successAt(premium, "R2", t0.Add(time.Minute))))
		return f.accountRepo.SetSubscriptionTier(ctx, id, tier)
	}

	require.NoError(t, f.reconciler.Resolve(ctx, basic.CorrelationID, successAt(basic, "R1", t0)))
	require.Equal(t, "basic", f.accountRepo.GetAccountByID(f.account.ID).SubscriptionTier)

	for _, e := range f.outboxRepo.Entries() {
		if e.AggregateID == basic.ID {
			assert.False(t, f.outboxRepo.IsPublished(e.ID), "overwritten tier must stay owed")
		}
	}

	require.NoError(t, f.reconciler.SettleDebt(ctx, basic.ID))
	assert.Equal(t, "premium", f.accountRepo.GetAccountByID(f.account.ID).SubscriptionTier)
}

func TestSettleDebt_LatestLookupFailureIsRetryable(t *testing.T) {
	f := setupReconciler(t)
	completed := testutil.NewCompletedPayment(f.account.ID, "premium", 1500, "R1")
	f.paymentRepo.AddPayment(completed)
	f.paymentRepo.LatestCompletedFunc = func(ctx context.Context, accountID uuid.UUID) (*payment.PaymentRequest, error) {
		return nil, errors.New("connection reset")
	}

	err := f.reconciler.SettleDebt(context.Background(), completed.ID)

	require.Error(t, err)
	assert.NotErrorIs(t, err, domainErrors.ErrPaymentNotFound)
	assert.Zero(t, f.accountRepo.TierSets())
}
