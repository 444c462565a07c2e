package providers

import (
	"context"
	"strings"
	"time"

	domainErrors "github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/dukaledger/backoffice/internal/infrastructure/observability"
	"github.com/google/uuid"
)

// SandboxToken is the fixed credential handed out in sandbox mode.
const SandboxToken = "sandbox-access-token"

const sandboxAccepted = "Success. Request accepted for processing"

// SandboxGateway accepts every well-formed push without contacting the
// provider. Results arrive later through SimulatedCallback.
type SandboxGateway struct {
	latency time.Duration
	metrics *observability.Metrics
	now     func() time.Time
}

type SandboxOption func(*SandboxGateway)

func WithSandboxLatency(d time.Duration) SandboxOption {
	return func(g *SandboxGateway) { g.latency = d }
}

func WithSandboxMetrics(m *observability.Metrics) SandboxOption {
	return func(g *SandboxGateway) { g.metrics = m }
}

func WithSandboxClock(now func() time.Time) SandboxOption {
	return func(g *SandboxGateway) { g.now = now }
}

func NewSandboxGateway(opts ...SandboxOption) *SandboxGateway {
	g := &SandboxGateway{now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *SandboxGateway) Mode() Mode { return ModeSandbox }

func (g *SandboxGateway) AccessToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return SandboxToken, nil
}

func (g *SandboxGateway) InitiatePush(ctx context.Context, in PushRequest) (*PushResult, error) {
	phone, err := NormalizePhone(in.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, domainErrors.NewValidationError("amount", "must be greater than 0")
	}

	start := time.Now()
	if g.latency > 0 {
		select {
		case <-time.After(g.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ts := Timestamp(g.now())
	result := &PushResult{
		Accepted:          true,
		ProviderRequestID: "sbx-" + shortID(8),
		CorrelationID:     "ws_CO_" + ts + shortID(12),
		ResponseCode:      "0",
		CustomerMessage:   sandboxAccepted,
		PhoneNumber:       phone,
	}
	g.metrics.ObserveProvider("stk_push", "sandbox", time.Since(start).Seconds())
	return result, nil
}

// SimulatedCallback builds the callback the provider would send for a push
// the sandbox accepted.
func SimulatedCallback(result *PushResult, amount int64, success bool, now time.Time) *Callback {
	cb := &Callback{
		MerchantRequestID: result.ProviderRequestID,
		CheckoutRequestID: result.CorrelationID,
	}
	if !success {
		cb.ResultCode = ResultCodeCancelledByUser
		cb.ResultDesc = "Request cancelled by user"
		return cb
	}
	cb.ResultCode = ResultCodeSuccess
	cb.ResultDesc = "The service request is processed successfully."
	cb.Amount = amount
	cb.ReceiptNumber = "SBX" + strings.ToUpper(shortID(7))
	cb.TransactionDate = now.Truncate(time.Second).UTC()
	cb.PhoneNumber = result.PhoneNumber
	return cb
}

func shortID(n int) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return id[:n]
}
