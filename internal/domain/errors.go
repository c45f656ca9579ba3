package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrEmptyCart is returned when checkout is entered without any cart lines.
	ErrEmptyCart = errors.New("checkout: cart is empty")
	// ErrInvalidQuantity is returned when a cart line has a quantity below one.
	ErrInvalidQuantity = errors.New("checkout: cart line quantity must be at least 1")
	// ErrRawCardData is returned when payment details look like a card number rather than a gateway token.
	ErrRawCardData = errors.New("checkout: raw card data is not accepted")
	// ErrPaymentMethodRequired is returned when payment is submitted without a gateway payment method token.
	ErrPaymentMethodRequired = errors.New("checkout: payment method is required")
)

// FieldErrors maps dotted field names (e.g. "contact.firstName") to human-readable messages.
type FieldErrors map[string]string

// Fields returns the sorted list of field names carrying errors.
func (f FieldErrors) Fields() []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ValidationError reports field-level problems with the checkout form.
type ValidationError struct {
	Fields FieldErrors
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "checkout: validation failed"
	}
	return fmt.Sprintf("checkout: validation failed for [%s]", strings.Join(e.Fields.Fields(), ", "))
}

// GatewayError reports a failed payment intent creation. The form can be resubmitted.
type GatewayError struct {
	Reason     string
	StatusCode int
	TimedOut   bool
	Err        error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return "payments: gateway error"
	}
	msg := "payments: gateway error"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

// PaymentError reports a declined or failed confirmation. Message is the gateway's text, shown verbatim.
type PaymentError struct {
	Message     string
	Code        string
	DeclineCode string
	// Terminal is set when the intent can no longer be confirmed and a new checkout is required.
	Terminal bool
	Err      error
}

func (e *PaymentError) Error() string {
	if e == nil || e.Message == "" {
		return "payments: payment failed"
	}
	return "payments: " + e.Message
}

func (e *PaymentError) Unwrap() error { return e.Err }

// RequiresAction signals an extra shopper step (e.g. 3-D Secure) before the charge completes.
type RequiresAction struct {
	IntentID     string
	ClientSecret string
	RedirectURL  string
}

func (e *RequiresAction) Error() string {
	return "payments: additional authentication required"
}

// OrderError reports that order creation failed after a confirmed payment.
type OrderError struct {
	PaymentReference string
	StatusCode       int
	Message          string
	TimedOut         bool
	Err              error
}

func (e *OrderError) Error() string {
	if e == nil {
		return "orders: submission failed"
	}
	msg := "orders: submission failed"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s with status %d", msg, e.StatusCode)
	}
	if e.TimedOut {
		msg += " (timed out)"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OrderError) Unwrap() error { return e.Err }
