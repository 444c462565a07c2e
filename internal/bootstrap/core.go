package bootstrap

import (
	"github.com/dukaledger/backoffice/internal/infrastructure/observability"
	"github.com/dukaledger/backoffice/internal/repository/postgres"
	"github.com/dukaledger/backoffice/internal/service"
)

// Core is the persistence and reconciliation wiring shared by the API and
// the worker.
type Core struct {
	Payments    *postgres.PaymentRepository
	Accounts    *postgres.AccountRepository
	Outbox      *postgres.OutboxRepository
	Idempotency *postgres.IdempotencyRepository
	Tx          *postgres.TxManager
	Reconciler  *service.Reconciler
}

func (a *App) Core() *Core {
	c := &Core{
		Payments:    postgres.NewPaymentRepository(a.Pool),
		Accounts:    postgres.NewAccountRepository(a.Pool),
		Outbox:      postgres.NewOutboxRepository(a.Pool),
		Idempotency: postgres.NewIdempotencyRepository(a.Pool),
		Tx:          postgres.NewTxManager(a.Pool),
	}
	c.Reconciler = service.NewReconciler(
		c.Payments,
		c.Accounts,
		c.Outbox,
		c.Tx,
		a.Config.Payment.EffectGrace,
		a.Metrics,
		observability.WithComponent(a.Logger, "reconciler"),
	)
	return c
}
