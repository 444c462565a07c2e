package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukaledger/backoffice/internal/bootstrap"
	"github.com/dukaledger/backoffice/internal/controller"
	"github.com/dukaledger/backoffice/internal/infrastructure/observability"
	infraRedis "github.com/dukaledger/backoffice/internal/infrastructure/redis"
	"github.com/dukaledger/backoffice/internal/middleware"
	"github.com/dukaledger/backoffice/internal/providers"
	"github.com/dukaledger/backoffice/internal/service"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const serviceName = "backoffice-api"

func main() {
	ctx := context.Background()

	app, err := bootstrap.New(ctx, serviceName, "backoffice")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	cfg := app.Config
	core := app.Core()

	// --- Payment gateway ---
	gateway := providers.NewGateway(
		&cfg.Mpesa,
		infraRedis.NewTokenCache(app.Redis),
		app.Metrics,
		observability.WithComponent(app.Logger, "mpesa"),
	)

	// --- Services ---
	paymentService := service.NewPaymentService(
		core.Payments,
		core.Accounts,
		core.Tx,
		gateway,
		core.Reconciler,
		cfg.Payment.Plans,
		service.WithSandboxAutoResolve(cfg.Mpesa.SandboxAutoResolve),
		service.WithPaymentMetrics(app.Metrics),
		service.WithPaymentLogger(observability.WithComponent(app.Logger, "payments")),
	)
	issueToken := func(accountID uuid.UUID) (string, time.Time, error) {
		return middleware.NewToken(cfg.Auth.JWTSecret, accountID, cfg.Auth.JWTExpiry, time.Now())
	}
	authService := service.NewAuthService(
		core.Accounts,
		issueToken,
		bcrypt.DefaultCost,
		observability.WithComponent(app.Logger, "auth"),
	)

	// --- Build router ---
	router := controller.NewRouter(controller.RouterDeps{
		ServiceName:      serviceName,
		AuthService:      authService,
		PaymentService:   paymentService,
		Reconciler:       core.Reconciler,
		IdempotencyStore: core.Idempotency,
		HealthChecks: map[string]controller.HealthCheck{
			"database": core.Tx.Ping,
			"redis": func(ctx context.Context) error {
				return app.Redis.Ping(ctx).Err()
			},
		},
		Metrics:         app.Metrics,
		MetricsGatherer: app.Registry,
		Server:          cfg.Server,
		Auth:            cfg.Auth,
		IdempotencyTTL:  cfg.Worker.IdempotencyTTL,
		Logger:          app.Logger,
	})

	// --- HTTP server ---
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		app.Logger.Info().Str("addr", addr).Str("mode", string(gateway.Mode())).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		app.Logger.Error().Err(err).Msg("HTTP server failed")
	}

	app.Logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	paymentService.Wait()
	app.Logger.Info().Msg("Server exited")
}
