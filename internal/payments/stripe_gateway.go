package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// Logger defines the logging contract for payment operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    Logger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeGateway implements Gateway using Stripe Payment Intents.
type StripeGateway struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  Logger
}

// NewStripeGateway constructs a Stripe gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{intents: sc.PaymentIntents}
	}
	if clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateIntent creates a Stripe Payment Intent for the hosted Payment Element.
func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if g == nil {
		return Intent{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	intent, err := g.api.intents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe: create payment intent: %w", translateStripeError(err))
	}
	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})
	return stripeIntent(intent), nil
}

// ConfirmIntent confirms a Stripe Payment Intent with a payment method collected by Stripe Elements.
func (g *StripeGateway) ConfirmIntent(ctx context.Context, req ConfirmRequest) (Intent, error) {
	if g == nil {
		return Intent{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(req.PaymentMethodID),
	}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if url := strings.TrimSpace(req.ReturnURL); url != "" {
		params.ReturnURL = stripe.String(url)
	}

	intent, err := g.api.intents.Confirm(req.IntentID, params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe: confirm payment intent: %w", translateStripeError(err))
	}
	g.logger(ctx, "payments.stripe.intent.confirmed", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})
	return stripeIntent(intent), nil
}

// LookupIntent retrieves a Stripe Payment Intent.
func (g *StripeGateway) LookupIntent(ctx context.Context, req LookupRequest) (Intent, error) {
	if g == nil {
		return Intent{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.api.intents.Get(req.IntentID, params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe: lookup payment intent: %w", translateStripeError(err))
	}
	return stripeIntent(intent), nil
}

func translateStripeError(err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return err
	}
	apiErr := &APIError{
		StatusCode:  serr.HTTPStatusCode,
		Type:        string(serr.Type),
		Code:        string(serr.Code),
		DeclineCode: string(serr.DeclineCode),
		Message:     serr.Msg,
		Card:        serr.Type == stripe.ErrorTypeCard,
		Err:         err,
	}
	if serr.PaymentIntent != nil {
		intent := stripeIntent(serr.PaymentIntent)
		apiErr.Intent = &intent
	}
	return apiErr
}

func stripeIntent(intent *stripe.PaymentIntent) Intent {
	if intent == nil {
		return Intent{}
	}
	out := Intent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       Status(intent.Status),
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
	}
	if pm := intent.PaymentMethod; pm != nil && pm.Type != "" {
		out.Method = string(pm.Type)
	} else if len(intent.PaymentMethodTypes) == 1 {
		out.Method = intent.PaymentMethodTypes[0]
	}
	if next := intent.NextAction; next != nil && next.RedirectToURL != nil {
		out.RedirectURL = next.RedirectToURL.URL
	}
	if last := intent.LastPaymentError; last != nil {
		out.LastDecline = &Decline{
			Message:     last.Msg,
			Code:        string(last.Code),
			DeclineCode: string(last.DeclineCode),
		}
	}
	return out
}
