package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	domainErrors "github.com/dukaledger/backoffice/internal/domain/errors"
	"github.com/dukaledger/backoffice/internal/infrastructure/config"
	"github.com/dukaledger/backoffice/internal/infrastructure/observability"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	oauthPath   = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath = "/mpesa/stkpush/v1/processrequest"

	transactionType    = "CustomerPayBillOnline"
	timestampLayout    = "20060102150405"
	maxReferenceLength = 12
	maxDescLength      = 13
	maxResponseBody    = 1 << 16
)

// eat is East Africa Time; Daraja timestamps are local Nairobi time.
var eat = time.FixedZone("EAT", 3*60*60)

// Timestamp formats t the way Daraja expects, truncated to whole seconds.
func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

// Password is the STK push password: base64(shortcode + passkey + timestamp).
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

type rawResponse struct {
	StatusCode int
	Body       []byte
}

var errGatewayStatus = errors.New("gateway error status")

// DarajaGateway is the live Safaricom Daraja implementation of Gateway.
type DarajaGateway struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	shortcode      string
	passkey        string
	callbackURL    string
	tokenSkew      time.Duration

	client  *http.Client
	cache   TokenCache
	breaker *gobreaker.CircuitBreaker[*rawResponse]
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

type DarajaOption func(*DarajaGateway)

func WithHTTPClient(c *http.Client) DarajaOption {
	return func(g *DarajaGateway) { g.client = c }
}

func WithClock(now func() time.Time) DarajaOption {
	return func(g *DarajaGateway) { g.now = now }
}

func WithMetrics(m *observability.Metrics) DarajaOption {
	return func(g *DarajaGateway) { g.metrics = m }
}

func NewDarajaGateway(cfg *config.MpesaConfig, cache TokenCache, logger zerolog.Logger, opts ...DarajaOption) *DarajaGateway {
	if cache == nil {
		cache = NewMemoryTokenCache()
	}
	g := &DarajaGateway{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		shortcode:      cfg.Shortcode,
		passkey:        cfg.Passkey,
		callbackURL:    cfg.CallbackURL,
		tokenSkew:      cfg.TokenSkew,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	g.breaker = NewCircuitBreaker[*rawResponse]("daraja", cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout, g.metrics)
	return g
}

func (g *DarajaGateway) Mode() Mode { return ModeLive }

func (g *DarajaGateway) cacheKey() string {
	return "mpesa:oauth:" + g.shortcode
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   flexSeconds `json:"expires_in"`
}

// flexSeconds accepts expires_in as either a JSON string or number.
type flexSeconds int64

func (s *flexSeconds) UnmarshalJSON(b []byte) error {
	str := strings.Trim(string(b), `"`)
	if str == "" || str == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return fmt.Errorf("expires_in: %w", err)
	}
	*s = flexSeconds(n)
	return nil
}

func (g *DarajaGateway) AccessToken(ctx context.Context) (string, error) {
	token, ok, err := g.cache.Get(ctx, g.cacheKey())
	if err != nil {
		g.logger.Warn().Err(err).Msg("token cache read failed, fetching a new token")
	} else if ok {
		return token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+oauthPath, nil)
	if err != nil {
		return "", fmt.Errorf("build oauth request: %w", err)
	}
	req.SetBasicAuth(g.consumerKey, g.consumerSecret)

	raw, err := g.do("oauth", req)
	if err != nil {
		return "", err
	}
	if raw.StatusCode < 200 || raw.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d: %s", domainErrors.ErrUpstreamAuth, raw.StatusCode, strings.TrimSpace(string(raw.Body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw.Body, &tr); err != nil {
		return "", fmt.Errorf("%w: decode token: %v", domainErrors.ErrUpstreamAuth, err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", domainErrors.ErrUpstreamAuth)
	}

	ttl := time.Duration(tr.ExpiresIn)*time.Second - g.tokenSkew
	if err := g.cache.Set(ctx, g.cacheKey(), tr.AccessToken, ttl); err != nil {
		g.logger.Warn().Err(err).Msg("token cache write failed")
	}
	return tr.AccessToken, nil
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	RequestID           string `json:"requestId"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

func (g *DarajaGateway) InitiatePush(ctx context.Context, in PushRequest) (*PushResult, error) {
	phone, err := NormalizePhone(in.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, domainErrors.NewValidationError("amount", "must be greater than 0")
	}

	token, err := g.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	ts := Timestamp(g.now())
	body, err := json.Marshal(stkPushRequest{
		BusinessShortCode: g.shortcode,
		Password:          Password(g.shortcode, g.passkey, ts),
		Timestamp:         ts,
		TransactionType:   transactionType,
		Amount:            in.Amount,
		PartyA:            phone,
		PartyB:            g.shortcode,
		PhoneNumber:       phone,
		CallBackURL:       g.callbackURL,
		AccountReference:  truncate(in.Reference, maxReferenceLength),
		TransactionDesc:   truncate(in.Description, maxDescLength),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal stk push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+stkPushPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build stk push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	raw, err := g.do("stk_push", req)
	if err != nil {
		return nil, err
	}

	if raw.StatusCode == http.StatusUnauthorized {
		// The cached token was revoked early; the next attempt fetches a fresh one.
		_ = g.cache.Delete(ctx, g.cacheKey())
	}

	var resp stkPushResponse
	decodeErr := json.Unmarshal(raw.Body, &resp)

	if decodeErr == nil && raw.StatusCode >= 200 && raw.StatusCode < 300 && resp.ResponseCode == "0" && resp.CheckoutRequestID != "" {
		g.logger.Info().
			Str("correlation_id", resp.CheckoutRequestID).
			Str("merchant_request_id", resp.MerchantRequestID).
			Msg("stk push accepted")
		return &PushResult{
			Accepted:          true,
			ProviderRequestID: resp.MerchantRequestID,
			CorrelationID:     resp.CheckoutRequestID,
			ResponseCode:      resp.ResponseCode,
			CustomerMessage:   resp.CustomerMessage,
			PhoneNumber:       phone,
		}, nil
	}

	result := &PushResult{
		Accepted:          false,
		ProviderRequestID: resp.MerchantRequestID,
		CorrelationID:     resp.CheckoutRequestID,
		ResponseCode:      firstNonEmpty(resp.ResponseCode, resp.ErrorCode, strconv.Itoa(raw.StatusCode)),
		ErrorMessage:      firstNonEmpty(resp.ErrorMessage, resp.ResponseDescription, strings.TrimSpace(string(raw.Body))),
		PhoneNumber:       phone,
	}
	g.logger.Warn().
		Int("status", raw.StatusCode).
		Str("response_code", result.ResponseCode).
		Str("error", result.ErrorMessage).
		Msg("stk push rejected")
	return result, nil
}

// do sends req through the circuit breaker. Transport faults, gateway 5xx
// statuses and an open breaker all surface as ErrUpstreamUnavailable.
func (g *DarajaGateway) do(op string, req *http.Request) (*rawResponse, error) {
	start := time.Now()
	raw, err := g.breaker.Execute(func() (*rawResponse, error) {
		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, err
		}
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return nil, fmt.Errorf("%w %d", errGatewayStatus, resp.StatusCode)
		}
		return &rawResponse{StatusCode: resp.StatusCode, Body: body}, nil
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		g.metrics.ObserveProvider(op, "error", elapsed)
		g.logger.Error().Err(err).Str("operation", op).Msg("payment provider unreachable")
		return nil, fmt.Errorf("%w: %s: %w", domainErrors.ErrUpstreamUnavailable, op, err)
	}

	status := "ok"
	if raw.StatusCode >= 300 {
		status = "rejected"
	}
	g.metrics.ObserveProvider(op, status, elapsed)
	return raw, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
