//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukaledger/backoffice/internal/domain/account"
	domainErrors "github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/dukaledger/backoffice/internal/domain/outbox"
	"github.com/dukaledger/backoffice/internal/domain/payment"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("backoffice"),
		tcpostgres.WithUsername("backoffice"),
		tcpostgres.WithPassword("backoffice"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		return 1
	}
	defer func() { _ = testcontainers.TerminateContainer(ctr) }()

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "connection string: %v\n", err)
		return 1
	}

	mig, err := migrate.New("file://../../../migrations", dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		fmt.Fprintf(os.Stderr, "migrate up: %v\n", err)
		return 1
	}

	testPool, err = NewPoolFromDSN(ctx, dsn, 10, 1, time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pool: %v\n", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

func seedAccount(t *testing.T, phone string) *account.Account {
	t.Helper()
	a, err := account.NewAccount(phone, "$2a$10$hash", "Mama Mboga Stores")
	require.NoError(t, err)
	require.NoError(t, NewAccountRepository(testPool).Create(context.Background(), a))
	return a
}

func seedPending(t *testing.T, accountID uuid.UUID) *payment.PaymentRequest {
	t.Helper()
	p, err := payment.NewPaymentRequest(accountID, "m-"+uuid.NewString()[:8], "ws_CO_"+uuid.NewString(), "254712345678", 1500, "premium", "upgrade")
	require.NoError(t, err)
	require.NoError(t, NewPaymentRepository(testPool).Create(context.Background(), p))
	return p
}

func TestAccountRepository_Integration(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository(testPool)
	a := seedAccount(t, "254700000001")

	got, err := repo.GetByPhone(ctx, "254700000001")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, account.TierFree, got.SubscriptionTier)

	dup, _ := account.NewAccount("254700000001", "h", "Other")
	assert.ErrorIs(t, repo.Create(ctx, dup), domainErrors.ErrAccountExists)

	require.NoError(t, repo.SetSubscriptionTier(ctx, a.ID, "premium"))
	require.NoError(t, repo.SetSubscriptionTier(ctx, a.ID, "premium"))
	got, err = repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "premium", got.SubscriptionTier)

	assert.ErrorIs(t, repo.SetSubscriptionTier(ctx, uuid.New(), "premium"), domainErrors.ErrAccountNotFound)
}

func TestPaymentRepository_Integration(t *testing.T) {
	ctx := context.Background()
	repo := NewPaymentRepository(testPool)
	a := seedAccount(t, "254700000002")
	p := seedPending(t, a.ID)

	got, err := repo.GetByCorrelationID(ctx, p.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, got.Status)

	dup := *p
	dup.ID = uuid.New()
	assert.ErrorIs(t, repo.Create(ctx, &dup), domainErrors.ErrDuplicateCorrelationID)

	_, err = repo.GetByCorrelationID(ctx, "ws_CO_missing")
	assert.ErrorIs(t, err, domainErrors.ErrPaymentNotFound)

	require.NoError(t, got.Resolve(payment.Succeeded{ReceiptNumber: "NLJ7RT61SV", Amount: 1500}, time.Now().UTC()))
	ok, err := repo.MarkResolved(ctx, got)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkResolved(ctx, got)
	require.NoError(t, err)
	assert.False(t, ok, "a terminal row must not be overwritten")

	stored, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, stored.Status)
	require.NotNil(t, stored.ProviderReceiptNumber)
	assert.Equal(t, "NLJ7RT61SV", *stored.ProviderReceiptNumber)

	require.NoError(t, repo.AddEvent(ctx, payment.NewEvent(p.ID, payment.EventCompleted, map[string]any{"receipt": "NLJ7RT61SV"})))
	events, err := repo.GetEvents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, payment.EventCompleted, events[0].EventType)

	list, err := repo.ListByAccount(ctx, a.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPaymentRepository_LatestCompleted(t *testing.T) {
	ctx := context.Background()
	repo := NewPaymentRepository(testPool)
	a := seedAccount(t, "254700000005")

	_, err := repo.LatestCompleted(ctx, a.ID)
	assert.ErrorIs(t, err, domainErrors.ErrPaymentNotFound)

	base := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	resolve := func(receipt string, txTime time.Time) *payment.PaymentRequest {
		p := seedPending(t, a.ID)
		require.NoError(t, p.Resolve(payment.Succeeded{ReceiptNumber: receipt, Amount: 1500, TransactionTime: txTime}, time.Now().UTC()))
		ok, err := repo.MarkResolved(ctx, p)
		require.NoError(t, err)
		require.True(t, ok)
		return p
	}

	later := resolve("R2", base.Add(time.Hour))
	resolve("R1", base)
	seedPending(t, a.ID)

	got, err := repo.LatestCompleted(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, later.ID, got.ID)
}

func TestPaymentRepository_ConcurrentResolveHasOneWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewPaymentRepository(testPool)
	a := seedAccount(t, "254700000003")
	p := seedPending(t, a.ID)

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := *p
			_ = local.Resolve(payment.Succeeded{ReceiptNumber: "R1"}, time.Now().UTC())
			ok, err := repo.MarkResolved(ctx, &local)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestOutboxRepository_Integration(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository(testPool)
	tx := NewTxManager(testPool)

	ready := outbox.NewEntry(outbox.AggregatePayment, uuid.New(), outbox.EventSubscriptionApply, map[string]any{"tier": "premium"})
	later := outbox.NewEntry(outbox.AggregatePayment, uuid.New(), outbox.EventSubscriptionApply, nil).Delay(time.Hour)
	require.NoError(t, repo.Insert(ctx, ready))
	require.NoError(t, repo.Insert(ctx, later))

	var pending []*outbox.Entry
	require.NoError(t, tx.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		pending, err = repo.GetPending(ctx, 10)
		return err
	}))

	ids := make([]uuid.UUID, 0, len(pending))
	for _, e := range pending {
		ids = append(ids, e.ID)
	}
	assert.Contains(t, ids, ready.ID)
	assert.NotContains(t, ids, later.ID)

	require.NoError(t, repo.MarkPublished(ctx, ready.ID))
	require.NoError(t, repo.MarkFailed(ctx, later.ID))
}

func TestIdempotencyRepository_Integration(t *testing.T) {
	ctx := context.Background()
	repo := NewIdempotencyRepository(testPool)

	miss, err := repo.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, miss)

	now := time.Now().UTC()
	require.NoError(t, repo.Set(ctx, &IdempotencyEntry{Key: "k1", ResponseBody: `{"ok":true}`, ResponseStatus: 202, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))

	hit, err := repo.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, 202, hit.ResponseStatus)
}

func TestTxManager_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewAccountRepository(testPool)
	tx := NewTxManager(testPool)
	boom := errors.New("boom")

	a, _ := account.NewAccount("254700000004", "h", "Rolled Back")
	err := tx.WithTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, repo.Create(ctx, a))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = repo.GetByID(ctx, a.ID)
	assert.ErrorIs(t, err, domainErrors.ErrAccountNotFound)
}
