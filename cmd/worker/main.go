package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukaledger/backoffice/internal/bootstrap"
	"github.com/dukaledger/backoffice/internal/domain/outbox"
	"github.com/dukaledger/backoffice/internal/infrastructure/observability"
	infraRedis "github.com/dukaledger/backoffice/internal/infrastructure/redis"
	"github.com/dukaledger/backoffice/internal/repository/postgres"
	"github.com/dukaledger/backoffice/internal/service"
	"github.com/dukaledger/backoffice/pkg/retry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const idempotencyCleanupInterval = time.Hour

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "backoffice-worker", "backoffice_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	cfg := app.Config
	core := app.Core()
	producer := infraRedis.NewStreamProducer(app.Redis)

	settler := service.NewSettler(
		core.Outbox,
		core.Tx,
		producer,
		infraRedis.NewAccountLocker(app.Redis, cfg.Payment.LockTTL),
		core.Reconciler,
		retry.Config{
			MaxAttempts:  uint(cfg.Payment.MaxRetries),
			InitialDelay: cfg.Payment.RetryDelay,
			MaxDelay:     30 * time.Second,
		},
		app.Metrics,
		observability.WithComponent(app.Logger, "settler"),
	)

	// --- Reconcile stream consumer ---
	workerCfg := cfg.Worker
	consumer := infraRedis.NewStreamConsumer(
		app.Redis,
		infraRedis.ReconcileStream,
		workerCfg.ConsumerGroup,
		cfg.InstanceID,
		workerCfg.BatchSize,
		workerCfg.BlockDuration,
	)
	if err := consumer.CreateGroup(ctx); err != nil {
		app.Logger.Error().Err(err).Msg("Failed to create consumer group")
		return
	}

	app.Logger.Info().
		Str("stream", infraRedis.ReconcileStream).
		Str("group", workerCfg.ConsumerGroup).
		Str("consumer", cfg.InstanceID).
		Msg("Worker started, listening for messages...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Settlement consumer (reads subscription debts from Redis Streams).
	g.Go(func() error {
		staleAfter := max(time.Minute, 2*cfg.Payment.LockTTL)
		return runSettlementConsumer(gCtx, app.Logger, consumer, producer, settler, staleAfter)
	})

	// 2. Outbox relay (moves due debts from the outbox table onto the stream).
	g.Go(func() error {
		return runOutboxRelay(gCtx, app.Logger, settler, int(workerCfg.BatchSize), workerCfg.OutboxPollInterval)
	})

	// 3. Idempotency key expiry.
	g.Go(func() error {
		return runIdempotencyCleanup(gCtx, app.Logger, core.Idempotency, idempotencyCleanupInterval)
	})

	// 4. Wait for shutdown signal.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down worker...")
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}

func runSettlementConsumer(
	ctx context.Context,
	logger zerolog.Logger,
	consumer *infraRedis.StreamConsumer,
	producer *infraRedis.StreamProducer,
	settler *service.Settler,
	staleAfter time.Duration,
) error {
	lastClaim := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var batch []redis.XMessage
		if time.Since(lastClaim) >= staleAfter {
			claimed, err := consumer.ClaimStale(ctx, staleAfter)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to claim stale messages")
			}
			batch = append(batch, claimed...)
			lastClaim = time.Now()
		}

		msgs, err := consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Msg("Failed to read from stream")
			sleep(ctx, time.Second)
			continue
		}
		batch = append(batch, msgs...)

		for _, raw := range batch {
			if err := handleMessage(ctx, logger, producer, settler, raw); err != nil {
				// Left pending; another pass will claim it.
				logger.Error().Err(err).Str("message_id", raw.ID).Msg("Failed to handle message")
				continue
			}
			if err := consumer.Ack(ctx, raw.ID); err != nil {
				logger.Error().Err(err).Str("message_id", raw.ID).Msg("Failed to ack message")
			}
		}
	}
}

// handleMessage returns nil once the message no longer needs delivery.
func handleMessage(
	ctx context.Context,
	logger zerolog.Logger,
	producer *infraRedis.StreamProducer,
	settler *service.Settler,
	raw redis.XMessage,
) error {
	msg, err := infraRedis.DecodeMessage(raw)
	if err == nil && msg.EventType != outbox.EventSubscriptionApply {
		logger.Warn().Str("event_type", msg.EventType).Str("message_id", raw.ID).Msg("Ignoring unknown event type")
		return nil
	}

	var debt service.Debt
	if err == nil {
		debt, err = service.ParseDebt(msg.Payload)
	}
	if err != nil {
		logger.Error().Err(err).Str("message_id", raw.ID).Msg("Undecodable message, dead-lettering")
		return producer.PublishToDLQ(ctx, msg.AggregateID, err.Error(), raw.Values)
	}

	return settler.Settle(ctx, debt)
}

func runOutboxRelay(ctx context.Context, logger zerolog.Logger, settler *service.Settler, batch int, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n, err := settler.RelayOutbox(ctx, batch)
		if err != nil {
			logger.Error().Err(err).Msg("Outbox relay error")
			continue
		}
		if n > 0 {
			logger.Debug().Int("published", n).Msg("Relayed outbox entries")
		}
	}
}

func runIdempotencyCleanup(ctx context.Context, logger zerolog.Logger, repo *postgres.IdempotencyRepository, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		removed, err := repo.Cleanup(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Idempotency cleanup failed")
			continue
		}
		if removed > 0 {
			logger.Info().Int64("removed", removed).Msg("Expired idempotency keys removed")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
