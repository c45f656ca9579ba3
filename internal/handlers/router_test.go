package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestRouterNotFoundReturnsJSON(t *testing.T) {
	router := NewRouter()
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != errorNotFoundCode {
		t.Fatalf("unexpected error code %v", body["error"])
	}
	if body["request_id"] == nil {
		t.Fatalf("expected request id from middleware")
	}
}

func TestRouterMethodNotAllowed(t *testing.T) {
	router := NewRouter()
	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestRouterAppliesRequestTimeout(t *testing.T) {
	var remaining time.Duration
	router := NewRouter(
		WithRequestTimeout(90*time.Second),
		WithCheckoutRoutes(func(r chi.Router) {
			r.Get("/deadline", func(w http.ResponseWriter, r *http.Request) {
				if deadline, ok := r.Context().Deadline(); ok {
					remaining = time.Until(deadline)
				}
				w.WriteHeader(http.StatusNoContent)
			})
		}),
	)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/deadline", nil))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if remaining <= defaultTimeout || remaining > 90*time.Second {
		t.Fatalf("expected deadline from configured timeout, got %s", remaining)
	}
}

func TestHealthz(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	health := NewHealthHandlers(WithHealthClock(func() time.Time { return now }))
	router := NewRouter(WithHealthHandlers(health))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["timestamp"] != "2025-06-01T12:00:00Z" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestReadyzReportsFailingCheck(t *testing.T) {
	health := NewHealthHandlers(
		WithReadinessCheck("redis", func(context.Context) error { return nil }),
		WithReadinessCheck("firestore", func(context.Context) error { return errors.New("unreachable") }),
	)
	router := NewRouter(WithHealthHandlers(health))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Checks["redis"] != "ok" || body.Checks["firestore"] != "unreachable" {
		t.Fatalf("unexpected checks %v", body.Checks)
	}
}

func TestShopperFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer  token-xyz ")
	req.Header.Set(headerUserID, "user-9")
	req.Header.Set(headerCartID, "cart-9")
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9,en;q=0.8")

	got := shopperFromRequest(req)
	if got.AccessToken != "token-xyz" || got.UserID != "user-9" || got.CartID != "cart-9" {
		t.Fatalf("unexpected shopper %+v", got)
	}
	if got.Locale != "de-DE" {
		t.Fatalf("expected de-DE locale, got %q", got.Locale)
	}
}
