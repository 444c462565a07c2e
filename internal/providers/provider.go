package providers

import (
	"context"
	"time"
)

// Mode says which Gateway implementation is serving requests.
type Mode string

const (
	ModeSandbox Mode = "sandbox"
	ModeLive    Mode = "live"
)

// Gateway talks to the mobile-money provider. Provider-level rejections are
// returned as a PushResult with Accepted false; only transport faults and
// credential failures come back as errors.
type Gateway interface {
	// Mode reports whether the gateway is simulated.
	Mode() Mode
	// AccessToken returns a bearer credential for the provider API.
	AccessToken(ctx context.Context) (string, error)
	// InitiatePush sends an STK push prompt to the payer's handset.
	InitiatePush(ctx context.Context, req PushRequest) (*PushResult, error)
}

type PushRequest struct {
	PhoneNumber string
	Amount      int64 // whole KES
	Reference   string
	Description string
}

type PushResult struct {
	Accepted          bool
	ProviderRequestID string // MerchantRequestID
	CorrelationID     string // CheckoutRequestID
	ResponseCode      string
	CustomerMessage   string
	ErrorMessage      string // provider text, verbatim, when not accepted
	PhoneNumber       string // canonical form actually charged
}

// TokenCache stores access tokens between requests and across instances.
type TokenCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, token string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
