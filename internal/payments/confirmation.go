package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

const (
	defaultLookupTimeout   = 10 * time.Second
	msgPaymentUnsuccessful = "Your payment was not successful. Please try another payment method."
	msgPaymentCanceled     = "This payment was canceled. Please start checkout again."
	msgPaymentUnconfirmed  = "We could not confirm your payment. Please try again."
)

// ConfirmationConfig wires the Confirmation.
type ConfirmationConfig struct {
	Gateway       Gateway
	Timeout       time.Duration
	LookupTimeout time.Duration
	// ReturnURL is where the gateway sends the shopper after an off-site authentication step.
	ReturnURL string
	Clock     func() time.Time
	Logger    Logger
}

// Confirmation drives gateway confirmation of a payment intent.
type Confirmation struct {
	gateway       Gateway
	timeout       time.Duration
	lookupTimeout time.Duration
	returnURL     string
	now           func() time.Time
	logger        Logger
}

// NewConfirmation validates the configuration and returns a Confirmation.
func NewConfirmation(cfg ConfirmationConfig) (*Confirmation, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("payments: gateway is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	lookupTimeout := cfg.LookupTimeout
	if lookupTimeout <= 0 {
		lookupTimeout = defaultLookupTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Confirmation{
		gateway:       cfg.Gateway,
		timeout:       timeout,
		lookupTimeout: lookupTimeout,
		returnURL:     strings.TrimSpace(cfg.ReturnURL),
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Confirm confirms handle with the payment method token in details. It returns
// *domain.RequiresAction when the shopper must complete a challenge and *domain.PaymentError
// when the payment did not go through. The same handle may be confirmed again after either.
func (c *Confirmation) Confirm(ctx context.Context, handle domain.PaymentIntentHandle, details domain.PaymentDetails) (domain.ConfirmedPayment, error) {
	if err := details.Validate(); err != nil {
		return domain.ConfirmedPayment{}, err
	}
	if strings.TrimSpace(handle.IntentID) == "" {
		return domain.ConfirmedPayment{}, &domain.PaymentError{Message: msgPaymentCanceled, Terminal: true}
	}
	returnURL := strings.TrimSpace(details.ReturnURL)
	if returnURL == "" {
		returnURL = c.returnURL
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	intent, err := c.gateway.ConfirmIntent(callCtx, ConfirmRequest{
		IntentID:        handle.IntentID,
		PaymentMethodID: strings.TrimSpace(details.PaymentMethodID),
		ReturnURL:       returnURL,
	})
	cancel()
	if err != nil {
		return c.recoverOutcome(ctx, handle, err)
	}
	return c.resolve(ctx, handle, intent)
}

func (c *Confirmation) recoverOutcome(ctx context.Context, handle domain.PaymentIntentHandle, err error) (domain.ConfirmedPayment, error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Card {
		c.logger(ctx, "payments.confirm.declined", map[string]any{
			"paymentIntent": handle.IntentID,
			"code":          apiErr.Code,
			"declineCode":   apiErr.DeclineCode,
		})
		perr := &domain.PaymentError{
			Message:     apiErr.Message,
			Code:        apiErr.Code,
			DeclineCode: apiErr.DeclineCode,
			Err:         err,
		}
		if perr.Message == "" {
			perr.Message = msgPaymentUnsuccessful
		}
		if apiErr.Intent != nil && apiErr.Intent.Status == StatusCanceled {
			perr.Terminal = true
		}
		return domain.ConfirmedPayment{}, perr
	}

	// The confirm outcome is unknown; ask the gateway before telling the shopper it failed.
	c.logger(ctx, "payments.confirm.error", map[string]any{
		"paymentIntent": handle.IntentID,
		"error":         err,
	})
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lookupTimeout)
	defer cancel()
	intent, lookupErr := c.gateway.LookupIntent(lookupCtx, LookupRequest{IntentID: handle.IntentID})
	if lookupErr != nil {
		c.logger(ctx, "payments.confirm.lookup_failed", map[string]any{
			"paymentIntent": handle.IntentID,
			"error":         lookupErr,
		})
		return domain.ConfirmedPayment{}, &domain.PaymentError{Message: msgPaymentUnconfirmed, Err: err}
	}
	if intent.Status == StatusRequiresConfirmation || (intent.Status == StatusRequiresPaymentMethod && intent.LastDecline == nil) {
		return domain.ConfirmedPayment{}, &domain.PaymentError{Message: msgPaymentUnconfirmed, Err: err}
	}
	return c.resolve(ctx, handle, intent)
}

func (c *Confirmation) resolve(ctx context.Context, handle domain.PaymentIntentHandle, intent Intent) (domain.ConfirmedPayment, error) {
	switch {
	case intent.Status.Paid():
		confirmed := domain.ConfirmedPayment{
			IntentID:    handle.IntentID,
			Status:      string(intent.Status),
			Method:      intent.Method,
			Amount:      handle.Amount,
			Currency:    handle.Currency,
			ConfirmedAt: c.now(),
		}
		if intent.Amount > 0 {
			currency := intent.Currency
			if currency == "" {
				currency = handle.Currency
			}
			confirmed.Amount = decimal.New(intent.Amount, -domain.CurrencyPlaces(currency))
			confirmed.Currency = currency
		}
		c.logger(ctx, "payments.confirm.succeeded", map[string]any{
			"paymentIntent": handle.IntentID,
			"status":        string(intent.Status),
		})
		return confirmed, nil
	case intent.Status == StatusRequiresAction:
		return domain.ConfirmedPayment{}, &domain.RequiresAction{
			IntentID:     handle.IntentID,
			ClientSecret: handle.ClientSecret,
			RedirectURL:  intent.RedirectURL,
		}
	case intent.Status == StatusCanceled:
		return domain.ConfirmedPayment{}, &domain.PaymentError{Message: msgPaymentCanceled, Terminal: true}
	default:
		perr := &domain.PaymentError{Message: msgPaymentUnsuccessful}
		if d := intent.LastDecline; d != nil {
			if d.Message != "" {
				perr.Message = d.Message
			}
			perr.Code = d.Code
			perr.DeclineCode = d.DeclineCode
		}
		return domain.ConfirmedPayment{}, perr
	}
}
