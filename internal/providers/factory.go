package providers

import (
	"time"

	"github.com/dukaledger/backoffice/internal/infrastructure/config"
	"github.com/dukaledger/backoffice/internal/infrastructure/observability"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// NewGateway picks the sandbox or live implementation once, at startup.
func NewGateway(cfg *config.MpesaConfig, cache TokenCache, metrics *observability.Metrics, logger zerolog.Logger) Gateway {
	if cfg.IsSandbox() {
		logger.Warn().Str("reason", cfg.SandboxReason()).Msg("mpesa running in sandbox mode, no real prompts will be sent")
		return NewSandboxGateway(WithSandboxMetrics(metrics))
	}
	logger.Info().Str("base_url", cfg.BaseURL).Str("shortcode", cfg.Shortcode).Msg("mpesa running in live mode")
	return NewDarajaGateway(cfg, cache, logger, WithMetrics(metrics))
}

// NewCircuitBreaker trips after threshold consecutive failures and stays open
// for timeout before letting a probe request through.
func NewCircuitBreaker[T any](name string, threshold int, timeout time.Duration, metrics *observability.Metrics) *gobreaker.CircuitBreaker[T] {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	metrics.SetBreakerState(name, 0)
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			metrics.SetBreakerState(name, breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
