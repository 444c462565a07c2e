package controller

import (
	"time"

	"github.com/dukaledger/backoffice/internal/infrastructure/config"
	"github.com/dukaledger/backoffice/internal/infrastructure/observability"
	customMW "github.com/dukaledger/backoffice/internal/middleware"
	"github.com/dukaledger/backoffice/internal/service"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	ServiceName      string
	AuthService      *service.AuthService
	PaymentService   *service.PaymentService
	Reconciler       OutcomeResolver
	IdempotencyStore customMW.IdempotencyStore
	HealthChecks     map[string]HealthCheck
	Metrics          *observability.Metrics
	MetricsGatherer  prometheus.Gatherer
	Server           config.ServerConfig
	Auth             config.AuthConfig
	IdempotencyTTL   time.Duration
	Logger           zerolog.Logger
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing(deps.ServiceName))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Server.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Idempotency-Replayed"},
		AllowCredentials: deps.Server.CORS.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(customMW.Metrics(deps.Metrics))

	healthH := NewHealthController(deps.HealthChecks)
	authH := NewAuthController(deps.AuthService)
	subscriptionH := NewSubscriptionController(deps.PaymentService)
	paymentH := NewPaymentController(deps.PaymentService)
	callbackH := NewCallbackController(deps.Reconciler, deps.Metrics, observability.WithComponent(deps.Logger, "callback"))

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.MetricsGatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Provider callbacks carry no credentials and are never rate limited.
		r.Post("/mpesa/callback", callbackH.Handle)

		r.Get("/plans", subscriptionH.Plans)

		r.Group(func(r chi.Router) {
			r.Use(customMW.RateLimit(deps.Server.RateLimit))
			r.Post("/auth/register", authH.Register)
			r.Post("/auth/login", authH.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(customMW.RequireAuth(deps.Auth.JWTSecret))

			r.Get("/auth/me", authH.Me)

			r.With(
				customMW.RateLimitByAccount(deps.Server.RateLimit),
				customMW.Idempotency(deps.IdempotencyStore, deps.IdempotencyTTL, deps.Logger),
			).Post("/subscriptions/upgrade", subscriptionH.Upgrade)

			r.Get("/payments", paymentH.ListPayments)
			r.Get("/payments/{correlationID}", paymentH.GetPayment)
			r.Get("/payments/{correlationID}/events", paymentH.GetEvents)
		})
	})

	return r
}
