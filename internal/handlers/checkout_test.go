package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/cart"
	"github.com/hanko-field/storefront/internal/checkout"
	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/session"
)

type stubIntents struct{}

func (stubIntents) CreateIntent(_ context.Context, amount decimal.Decimal, currency string, _ map[string]string) (domain.PaymentIntentHandle, error) {
	return domain.PaymentIntentHandle{IntentID: "pi_1", ClientSecret: "pi_1_secret", Amount: amount, Currency: currency}, nil
}

type stubConfirmer struct {
	fn func(domain.PaymentIntentHandle) (domain.ConfirmedPayment, error)
}

func (s stubConfirmer) Confirm(_ context.Context, handle domain.PaymentIntentHandle, _ domain.PaymentDetails) (domain.ConfirmedPayment, error) {
	if s.fn != nil {
		return s.fn(handle)
	}
	return domain.ConfirmedPayment{IntentID: handle.IntentID, Status: "succeeded", Method: "card", Amount: handle.Amount, Currency: handle.Currency}, nil
}

type stubOrders struct {
	calls atomic.Int32
}

func (s *stubOrders) Submit(context.Context, domain.UserSession, domain.OrderRequest, string) (domain.OrderRecord, error) {
	s.calls.Add(1)
	return domain.OrderRecord{OrderNumber: "SF-1001"}, nil
}

type testEnv struct {
	router chi.Router
	orders *stubOrders
}

func newTestEnv(t *testing.T, confirmer stubConfirmer) testEnv {
	t.Helper()
	carts := cart.NewMemoryStore()
	if err := carts.Put(context.Background(), domain.CartSnapshot{
		CartID:   "cart-1",
		Currency: "GBP",
		Lines: []domain.CartLine{
			{ProductID: "sofa", Name: "Sofa", UnitPrice: decimal.NewFromInt(599), Quantity: 1},
			{ProductID: "cushion", Name: "Cushion", UnitPrice: decimal.NewFromInt(100), Quantity: 2},
		},
	}); err != nil {
		t.Fatalf("seed cart: %v", err)
	}
	validator, err := checkout.NewFormValidator("en-GB")
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	pricer, err := checkout.NewPricer("GBP", decimal.RequireFromString("0.20"), nil)
	if err != nil {
		t.Fatalf("pricer: %v", err)
	}
	orders := &stubOrders{}
	var seq atomic.Int32
	registry, err := session.NewRegistry(session.Config{
		Factory: func(id string, user domain.UserSession) (*checkout.Orchestrator, error) {
			return checkout.NewOrchestrator(checkout.Deps{
				SessionID: id,
				Cart:      carts,
				Session:   checkout.StaticSession(user),
				Intents:   stubIntents{},
				Confirmer: confirmer,
				Orders:    orders,
				Validator: validator,
				Pricer:    pricer,
			})
		},
		NewID: func(time.Time) string { return fmt.Sprintf("sess-%d", seq.Add(1)) },
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	handlers := NewCheckoutHandlers(registry, "pk_test_123")
	router := NewRouter(
		WithMiddlewares(ShopperMiddleware()),
		WithCheckoutRoutes(handlers.Routes),
	)
	return testEnv{router: router, orders: orders}
}

func (e testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer token-abc")
	req.Header.Set(headerUserID, "user-1")
	req.Header.Set(headerCartID, "cart-1")
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

const validFormJSON = `{
	"contact": {"firstName": "Ada", "lastName": "Lovelace", "email": "ada@example.com", "phone": "+44 20 7946 0958"},
	"shippingAddress": {"address": "10 Downing Street", "city": "London", "postcode": "SW1A 2AA", "country": "GB"},
	"billingSameAsShipping": true
}`

func TestCheckoutFlowCompletes(t *testing.T) {
	env := newTestEnv(t, stubConfirmer{})

	rr, body := env.do(t, http.MethodPost, "/checkout/sessions", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if body["sessionId"] != "sess-1" || body["state"] != "idle" {
		t.Fatalf("unexpected session payload: %v", body)
	}

	rr, body = env.do(t, http.MethodGet, "/checkout/sessions/sess-1/quote", "")
	if rr.Code != http.StatusOK || body["total"] != 958.8 {
		t.Fatalf("unexpected quote %d: %v", rr.Code, body)
	}

	rr, body = env.do(t, http.MethodPost, "/checkout/sessions/sess-1/form", validFormJSON)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if body["state"] != "collecting_payment" {
		t.Fatalf("expected collecting_payment, got %v", body["state"])
	}
	payment, _ := body["payment"].(map[string]any)
	if payment["clientSecret"] != "pi_1_secret" || payment["publishableKey"] != "pk_test_123" {
		t.Fatalf("unexpected payment step: %v", payment)
	}

	rr, body = env.do(t, http.MethodPost, "/checkout/sessions/sess-1/payment", `{"paymentMethodId":"pm_card_visa"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if body["state"] != "completed" || body["orderNumber"] != "SF-1001" {
		t.Fatalf("unexpected completion payload: %v", body)
	}
	if body["nextUrl"] != "/order-confirmation/SF-1001" {
		t.Fatalf("unexpected next url: %v", body["nextUrl"])
	}

	rr, _ = env.do(t, http.MethodPost, "/checkout/sessions/sess-1/payment", `{"paymentMethodId":"pm_card_visa"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a repeated payment, got %d", rr.Code)
	}
	if env.orders.calls.Load() != 1 {
		t.Fatalf("expected one order submission, got %d", env.orders.calls.Load())
	}
}

func TestSubmitFormValidationErrors(t *testing.T) {
	env := newTestEnv(t, stubConfirmer{})
	env.do(t, http.MethodPost, "/checkout/sessions", `{"cartId":"cart-1"}`)

	rr, body := env.do(t, http.MethodPost, "/checkout/sessions/sess-1/form", `{"contact":{"firstName":"Ada"}}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rr.Code, rr.Body.String())
	}
	fields, _ := body["fields"].(map[string]any)
	if _, ok := fields["contact.lastName"]; !ok {
		t.Fatalf("expected lastName field error, got %v", fields)
	}
	snapshot, _ := body["checkout"].(map[string]any)
	if snapshot["state"] != "idle" {
		t.Fatalf("expected snapshot in idle, got %v", snapshot)
	}
	notice, _ := snapshot["notice"].(map[string]any)
	if notice["kind"] != "validation" {
		t.Fatalf("expected validation notice, got %v", notice)
	}
}

func TestSubmitPaymentDeclineKeepsIntent(t *testing.T) {
	env := newTestEnv(t, stubConfirmer{fn: func(domain.PaymentIntentHandle) (domain.ConfirmedPayment, error) {
		return domain.ConfirmedPayment{}, &domain.PaymentError{Message: "Your card was declined."}
	}})
	env.do(t, http.MethodPost, "/checkout/sessions", "")
	env.do(t, http.MethodPost, "/checkout/sessions/sess-1/form", validFormJSON)

	rr, body := env.do(t, http.MethodPost, "/checkout/sessions/sess-1/payment", `{"paymentMethodId":"pm_card_declined"}`)
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rr.Code, rr.Body.String())
	}
	if body["message"] != "Your card was declined." {
		t.Fatalf("expected gateway message verbatim, got %v", body["message"])
	}
	snapshot, _ := body["checkout"].(map[string]any)
	if snapshot["state"] != "collecting_payment" {
		t.Fatalf("expected collecting_payment, got %v", snapshot["state"])
	}
}

func TestSubmitPaymentRejectsCardNumbers(t *testing.T) {
	env := newTestEnv(t, stubConfirmer{})
	env.do(t, http.MethodPost, "/checkout/sessions", "")
	env.do(t, http.MethodPost, "/checkout/sessions/sess-1/form", validFormJSON)

	rr, body := env.do(t, http.MethodPost, "/checkout/sessions/sess-1/payment", `{"paymentMethodId":"4242 4242 4242 4242"}`)
	if rr.Code != http.StatusBadRequest || body["error"] != "invalid_payment_details" {
		t.Fatalf("expected invalid_payment_details, got %d: %v", rr.Code, body)
	}
}

func TestSessionLookupFailures(t *testing.T) {
	env := newTestEnv(t, stubConfirmer{})

	rr, body := env.do(t, http.MethodGet, "/checkout/sessions/unknown", "")
	if rr.Code != http.StatusNotFound || body["error"] != "checkout_session_not_found" {
		t.Fatalf("expected not found, got %d: %v", rr.Code, body)
	}

	env.do(t, http.MethodPost, "/checkout/sessions", "")
	req := httptest.NewRequest(http.MethodGet, "/checkout/sessions/sess-1", nil)
	req.Header.Set("Authorization", "Bearer someone-else")
	other := httptest.NewRecorder()
	env.router.ServeHTTP(other, req)
	if other.Code != http.StatusNotFound {
		t.Fatalf("expected foreign token to be rejected, got %d", other.Code)
	}
}

func TestAbandonSession(t *testing.T) {
	env := newTestEnv(t, stubConfirmer{})
	env.do(t, http.MethodPost, "/checkout/sessions", "")

	rr, _ := env.do(t, http.MethodDelete, "/checkout/sessions/sess-1", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	rr, _ = env.do(t, http.MethodGet, "/checkout/sessions/sess-1", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after abandon, got %d", rr.Code)
	}
}

func TestCreateSessionRequiresCart(t *testing.T) {
	env := newTestEnv(t, stubConfirmer{})
	req := httptest.NewRequest(http.MethodPost, "/checkout/sessions", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a cart, got %d", rr.Code)
	}

	rr, body := env.do(t, http.MethodPost, "/checkout/sessions", `{"cartId":"cart-empty"}`)
	if rr.Code != http.StatusConflict || body["error"] != "cart_empty" {
		t.Fatalf("expected cart_empty, got %d: %v", rr.Code, body)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	env := newTestEnv(t, stubConfirmer{})
	env.do(t, http.MethodPost, "/checkout/sessions", "")
	rr, body := env.do(t, http.MethodPost, "/checkout/sessions/sess-1/form", `{"contact":`)
	if rr.Code != http.StatusBadRequest || body["error"] != "invalid_request" {
		t.Fatalf("expected invalid_request, got %d: %v", rr.Code, body)
	}
}
