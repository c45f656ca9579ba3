package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/checkout"
	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/platform/requestctx"
	"github.com/hanko-field/storefront/internal/session"
)

const maxCheckoutRequestBody = 8 * 1024

// SessionStore owns the live checkout orchestrators.
type SessionStore interface {
	Create(ctx context.Context, user domain.UserSession) (*checkout.Orchestrator, error)
	Get(id, accessToken string) (*checkout.Orchestrator, error)
	Remove(ctx context.Context, id, accessToken string) error
}

// CheckoutHandlers exposes the checkout session endpoints consumed by the storefront UI.
type CheckoutHandlers struct {
	sessions       SessionStore
	publishableKey string
}

// NewCheckoutHandlers constructs checkout handlers. publishableKey is handed to the hosted
// payment widget alongside the intent client secret.
func NewCheckoutHandlers(sessions SessionStore, publishableKey string) *CheckoutHandlers {
	return &CheckoutHandlers{
		sessions:       sessions,
		publishableKey: strings.TrimSpace(publishableKey),
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkout/sessions", h.createSession)
	r.Route("/checkout/sessions/{sessionID}", func(rt chi.Router) {
		rt.Get("/", h.getSession)
		rt.Delete("/", h.abandonSession)
		rt.Get("/quote", h.quote)
		rt.Post("/form", h.submitForm)
		rt.Post("/payment", h.submitPayment)
	})
}

type createSessionRequest struct {
	CartID string `json:"cartId"`
}

type paymentRequest struct {
	PaymentMethodID string `json:"paymentMethodId"`
	ReturnURL       string `json:"returnUrl"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	user := shopperFrom(r)
	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	switch {
	case err == nil:
		var req createSessionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
		if id := strings.TrimSpace(req.CartID); id != "" {
			user.CartID = id
		}
	case errors.Is(err, errEmptyBody):
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", err.Error(), http.StatusRequestEntityTooLarge))
		return
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if user.CartID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "cartId is required", http.StatusBadRequest))
		return
	}

	orch, err := h.sessions.Create(ctx, user)
	if err != nil {
		h.writeCheckoutError(ctx, w, err, nil)
		return
	}
	writeJSONResponse(w, http.StatusCreated, renderSnapshot(orch.Snapshot(), h.publishableKey))
}

func (h *CheckoutHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, renderSnapshot(orch.Snapshot(), h.publishableKey))
}

func (h *CheckoutHandlers) abandonSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	if err := h.sessions.Remove(ctx, chi.URLParam(r, "sessionID"), shopperFrom(r).AccessToken); err != nil {
		h.writeCheckoutError(ctx, w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandlers) quote(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.lookup(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	price, err := orch.Quote(ctx)
	if err != nil {
		h.writeCheckoutError(ctx, w, err, nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, renderPrice(price))
}

func (h *CheckoutHandlers) submitForm(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.lookup(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	var req formPayload
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	if err := orch.SubmitForm(ctx, req.toDomain()); err != nil {
		h.writeCheckoutError(ctx, w, err, orch)
		return
	}
	writeJSONResponse(w, http.StatusOK, renderSnapshot(orch.Snapshot(), h.publishableKey))
}

func (h *CheckoutHandlers) submitPayment(w http.ResponseWriter, r *http.Request) {
	orch, ok := h.lookup(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	var req paymentRequest
	if !decodeBody(ctx, w, r, &req) {
		return
	}
	details := domain.PaymentDetails{
		PaymentMethodID: strings.TrimSpace(req.PaymentMethodID),
		ReturnURL:       strings.TrimSpace(req.ReturnURL),
	}
	if err := orch.SubmitPayment(ctx, details); err != nil {
		h.writeCheckoutError(ctx, w, err, orch)
		return
	}
	writeJSONResponse(w, http.StatusOK, renderSnapshot(orch.Snapshot(), h.publishableKey))
}

func (h *CheckoutHandlers) lookup(w http.ResponseWriter, r *http.Request) (*checkout.Orchestrator, bool) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	orch, err := h.sessions.Get(chi.URLParam(r, "sessionID"), shopperFrom(r).AccessToken)
	if err != nil {
		h.writeCheckoutError(ctx, w, err, nil)
		return nil, false
	}
	return orch, true
}

func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dest any) bool {
	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", err.Error(), http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dest); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

// writeCheckoutError maps err onto the JSON envelope. When orch is set the current snapshot is
// attached so the UI can render the notice and field errors the orchestrator recorded.
func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error, orch *checkout.Orchestrator) {
	var apiErr httpx.Error
	switch {
	case errors.Is(err, session.ErrNotFound):
		apiErr = httpx.NewError("checkout_session_not_found", "checkout session not found", http.StatusNotFound)
	case errors.Is(err, checkout.ErrTriggerIgnored):
		apiErr = httpx.NewError("checkout_busy", "checkout is not ready for this action", http.StatusConflict)
	case errors.Is(err, checkout.ErrAbandoned):
		apiErr = httpx.NewError("checkout_abandoned", "checkout was abandoned", http.StatusGone)
	default:
		apiErr = httpx.FromCheckoutError(err)
		if apiErr.Status >= http.StatusInternalServerError {
			requestctx.Logger(ctx).Error("checkout request failed", zap.Error(err))
		}
	}
	if orch != nil {
		apiErr = apiErr.WithDetails(map[string]any{"checkout": renderSnapshot(orch.Snapshot(), h.publishableKey)})
	}
	httpx.WriteError(ctx, w, apiErr)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}
