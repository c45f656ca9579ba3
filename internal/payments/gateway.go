package payments

import (
	"context"
	"fmt"
)

// Status enumerates the normalised payment intent states shared across gateways.
type Status string

const (
	// StatusRequiresPaymentMethod indicates the last attempt failed or no method was attached yet.
	StatusRequiresPaymentMethod Status = "requires_payment_method"
	// StatusRequiresConfirmation indicates a method is attached but not yet confirmed.
	StatusRequiresConfirmation Status = "requires_confirmation"
	// StatusRequiresAction indicates the shopper must complete an extra step such as 3-D Secure.
	StatusRequiresAction Status = "requires_action"
	// StatusProcessing indicates the gateway accepted the payment and is settling it.
	StatusProcessing Status = "processing"
	// StatusRequiresCapture indicates the funds are authorised and held.
	StatusRequiresCapture Status = "requires_capture"
	// StatusSucceeded indicates the payment completed.
	StatusSucceeded Status = "succeeded"
	// StatusCanceled indicates the intent can no longer be used.
	StatusCanceled Status = "canceled"
)

// Paid reports whether the shopper's funds are committed to the intent.
func (s Status) Paid() bool {
	switch s {
	case StatusSucceeded, StatusProcessing, StatusRequiresCapture:
		return true
	default:
		return false
	}
}

// IntentRequest describes a payment intent to create.
type IntentRequest struct {
	Amount         int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// ConfirmRequest confirms an intent with a payment method token from the hosted widget.
type ConfirmRequest struct {
	IntentID        string
	PaymentMethodID string
	ReturnURL       string
}

// LookupRequest fetches the current state of an intent.
type LookupRequest struct {
	IntentID string
}

// Decline describes the gateway's reason for the last failed attempt.
type Decline struct {
	Message     string
	Code        string
	DeclineCode string
}

// Intent normalises gateway payment intent fields.
type Intent struct {
	ID           string
	ClientSecret string
	Status       Status
	Amount       int64
	Currency     string
	Method       string
	RedirectURL  string
	LastDecline  *Decline
}

// Gateway is the payment gateway capability consumed by the checkout flow.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	ConfirmIntent(ctx context.Context, req ConfirmRequest) (Intent, error)
	LookupIntent(ctx context.Context, req LookupRequest) (Intent, error)
}

// APIError is a structured rejection returned by the gateway API, as opposed to a transport failure.
type APIError struct {
	StatusCode  int
	Type        string
	Code        string
	DeclineCode string
	Message     string
	// Card is set when the error is a decline of the payment method.
	Card bool
	// Intent is the gateway's view of the intent after the failed call, when provided.
	Intent *Intent
	Err    error
}

func (e *APIError) Error() string {
	if e == nil {
		return "payments: gateway api error"
	}
	return fmt.Sprintf("payments: gateway api error (status %d, code %q): %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }
