package controller

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	domainErrors "github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/dukaledger/backoffice/internal/domain/payment"
	"github.com/dukaledger/backoffice/internal/infrastructure/observability"
	"github.com/dukaledger/backoffice/internal/providers"
	"github.com/rs/zerolog"
)

const (
	maxCallbackBodySize = 64 << 10
	resolveTimeout      = 15 * time.Second
)

// callbackAck is returned for every callback, whatever happened to it.
var callbackAck = map[string]any{"ResultCode": 0, "ResultDesc": "Accepted"}

// OutcomeResolver applies a provider verdict to a payment request.
type OutcomeResolver interface {
	Resolve(ctx context.Context, correlationID string, outcome payment.Outcome) error
}

// CallbackController receives unauthenticated STK push results.
type CallbackController struct {
	resolver OutcomeResolver
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewCallbackController(resolver OutcomeResolver, metrics *observability.Metrics, logger zerolog.Logger) *CallbackController {
	return &CallbackController{resolver: resolver, metrics: metrics, logger: logger}
}

// Handle handles POST /api/v1/mpesa/callback
func (h *CallbackController) Handle(w http.ResponseWriter, r *http.Request) {
	defer writeJSON(w, http.StatusOK, callbackAck)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBodySize))
	if err != nil {
		h.metrics.RecordCallback("malformed")
		h.logger.Warn().Err(err).Msg("unreadable callback body")
		return
	}

	cb, err := providers.ParseCallback(body)
	if err != nil {
		h.metrics.RecordCallback("malformed")
		h.logger.Warn().Err(err).Int("bytes", len(body)).Msg("malformed callback ignored")
		return
	}

	outcome := cb.Outcome()
	h.metrics.RecordCallback(callbackLabel(outcome))

	// The provider may hang up before we finish; the resolution must not.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), resolveTimeout)
	defer cancel()

	err = h.resolver.Resolve(ctx, cb.CheckoutRequestID, outcome)
	if err == nil {
		return
	}

	log := h.logger.With().
		Str("correlation_id", cb.CheckoutRequestID).
		Int("result_code", cb.ResultCode).
		Logger()

	var recErr *domainErrors.ReconciliationError
	var effectErr *domainErrors.AccountEffectError
	switch {
	case errors.As(err, &recErr):
		log.Warn().Err(err).Msg("callback not applied")
	case errors.As(err, &effectErr):
		log.Error().Err(err).Msg("payment recorded, subscription update deferred")
	default:
		log.Error().Err(err).Msg("callback processing failed")
	}
}

func callbackLabel(o payment.Outcome) string {
	if o.Status() == payment.StatusCompleted {
		return "success"
	}
	return "failed"
}
