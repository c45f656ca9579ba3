package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

// Error represents the canonical JSON error envelope returned by the storefront BFF.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError constructs a new Error with the provided parameters.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    sanitize(code, 80),
		Message: sanitize(message, 512),
		Status:  status,
	}
}

// WithDetails attaches additional JSON-serialisable metadata.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	copied := make(map[string]any, len(details)+len(e.Details))
	for k, v := range e.Details {
		copied[k] = v
	}
	for k, v := range details {
		copied[k] = v
	}
	e.Details = copied
	return e
}

// FromCheckoutError maps the checkout error taxonomy onto the JSON envelope.
// Unknown errors become a generic 500 without leaking the underlying message.
func FromCheckoutError(err error) Error {
	var (
		validation *domain.ValidationError
		gateway    *domain.GatewayError
		payment    *domain.PaymentError
		action     *domain.RequiresAction
		order      *domain.OrderError
	)
	switch {
	case err == nil:
		return NewError("internal_server_error", "internal server error", http.StatusInternalServerError)
	case errors.As(err, &validation):
		fields := make(map[string]string, len(validation.Fields))
		for k, v := range validation.Fields {
			fields[k] = v
		}
		return NewError("validation_failed", "some checkout fields need attention", http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"fields": fields})
	case errors.As(err, &action):
		return NewError("requires_action", "additional authentication is required", http.StatusAccepted).
			WithDetails(map[string]any{"redirectUrl": action.RedirectURL})
	case errors.As(err, &payment):
		msg := payment.Message
		if msg == "" {
			msg = "payment could not be completed"
		}
		return NewError("payment_failed", msg, http.StatusPaymentRequired)
	case errors.As(err, &gateway):
		return NewError("payment_gateway_unavailable", "we could not start the payment, please try again", http.StatusBadGateway)
	case errors.As(err, &order):
		return NewError("order_failed", "your payment was taken but the order could not be recorded", http.StatusBadGateway).
			WithDetails(map[string]any{"paymentReference": order.PaymentReference})
	case errors.Is(err, domain.ErrEmptyCart):
		return NewError("cart_empty", "your cart is empty", http.StatusConflict)
	case errors.Is(err, domain.ErrPaymentMethodRequired):
		return NewError("payment_method_required", "a payment method is required", http.StatusBadRequest)
	case errors.Is(err, domain.ErrRawCardData):
		return NewError("invalid_payment_details", "card details must be collected by the payment form", http.StatusBadRequest)
	default:
		return NewError("internal_server_error", "internal server error", http.StatusInternalServerError)
	}
}

// WriteError writes the structured error as JSON to the provided response writer.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	requestID := err.RequestID
	if requestID == "" {
		requestID = sanitize(middleware.GetReqID(ctx), 80)
	}

	traceID := err.TraceID
	if traceID == "" {
		traceID = sanitize(requestctx.TraceID(ctx), 64)
	}

	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}
	if requestID != "" {
		payload["request_id"] = requestID
	}
	if traceID != "" {
		payload["trace_id"] = traceID
	}
	for k, v := range err.Details {
		payload[k] = v
	}

	WriteJSON(w, status, payload)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func sanitize(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
