package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

const defaultCallTimeout = 30 * time.Second

// IntentClientConfig wires the IntentClient.
type IntentClientConfig struct {
	Gateway Gateway
	Timeout time.Duration
	Clock   func() time.Time
	Logger  Logger
}

// IntentClient creates one payment intent per checkout attempt. It never retries.
type IntentClient struct {
	gateway Gateway
	timeout time.Duration
	now     func() time.Time
	logger  Logger
}

// NewIntentClient validates the configuration and returns a client.
func NewIntentClient(cfg IntentClientConfig) (*IntentClient, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("payments: gateway is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &IntentClient{
		gateway: cfg.Gateway,
		timeout: timeout,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateIntent requests a payment intent for amount in currency. Every failure, including a
// response without a client secret, is reported as *domain.GatewayError.
func (c *IntentClient) CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (domain.PaymentIntentHandle, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return domain.PaymentIntentHandle{}, &domain.GatewayError{Reason: "invalid currency"}
	}
	amount = amount.Round(domain.CurrencyPlaces(currency))
	minor := domain.MinorUnits(amount, currency)
	if minor <= 0 {
		return domain.PaymentIntentHandle{}, &domain.GatewayError{Reason: "amount must be positive"}
	}

	req := IntentRequest{Amount: minor, Currency: currency}
	if len(metadata) > 0 {
		req.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			req.Metadata[k] = v
		}
	}
	if key := strings.TrimSpace(metadata[domain.MetadataAttemptKey]); key != "" {
		req.IdempotencyKey = "intent-" + key
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	intent, err := c.gateway.CreateIntent(callCtx, req)
	if err != nil {
		gerr := gatewayError(callCtx, err)
		c.logger(ctx, "payments.intent.failed", map[string]any{
			"reason":     gerr.Reason,
			"timedOut":   gerr.TimedOut,
			"statusCode": gerr.StatusCode,
			"error":      err,
		})
		return domain.PaymentIntentHandle{}, gerr
	}
	if strings.TrimSpace(intent.ClientSecret) == "" || strings.TrimSpace(intent.ID) == "" {
		c.logger(ctx, "payments.intent.malformed", map[string]any{"paymentIntent": intent.ID})
		return domain.PaymentIntentHandle{}, &domain.GatewayError{Reason: "malformed response: missing client secret"}
	}

	return domain.PaymentIntentHandle{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       amount,
		AmountMinor:  minor,
		Currency:     currency,
		CreatedAt:    c.now(),
	}, nil
}

func gatewayError(ctx context.Context, err error) *domain.GatewayError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &domain.GatewayError{Reason: "timeout", TimedOut: true, Err: err}
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &domain.GatewayError{Reason: "rejected", StatusCode: apiErr.StatusCode, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &domain.GatewayError{Reason: "canceled", Err: err}
	}
	return &domain.GatewayError{Reason: "network", Err: err}
}
