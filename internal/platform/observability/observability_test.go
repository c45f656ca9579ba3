package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

func TestParseCloudTraceContextDecimalSpan(t *testing.T) {
	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatal("expected header to parse")
	}
	if got := sc.TraceID().String(); got != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace id %s", got)
	}
	if got := sc.SpanID().String(); got != "0000000000000001" {
		t.Fatalf("unexpected span id %s", got)
	}
	if !sc.IsSampled() {
		t.Fatal("expected sampled flag")
	}
}

func TestParseCloudTraceContextRejectsMalformed(t *testing.T) {
	for _, header := range []string{"", "abc/1", "105445aa7843bc8bf206b12000100000", "105445aa7843bc8bf206b12000100000/0"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestEventLoggerLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewEventLogger(zap.New(core))

	log(context.Background(), "checkout.intent.created", map[string]any{"intentId": "pi_1"})
	log(context.Background(), "checkout.order.failed", map[string]any{"error": errors.New("boom")})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level, got %s", entries[0].Level)
	}
	if got := entries[0].ContextMap()["intentId"]; got != "pi_1" {
		t.Fatalf("expected intentId field, got %v", got)
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for failure event, got %s", entries[1].Level)
	}
	if got := entries[1].ContextMap()["error"]; got != "boom" {
		t.Fatalf("expected error field, got %v", got)
	}
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zapcore.InfoLevel)
	reqCore, reqLogs := observer.New(zapcore.InfoLevel)
	log := NewEventLogger(zap.New(baseCore))

	ctx := requestctx.WithLogger(context.Background(), zap.New(reqCore))
	log(ctx, "checkout.begin", nil)

	if baseLogs.Len() != 0 {
		t.Fatalf("expected base logger unused, got %d entries", baseLogs.Len())
	}
	if reqLogs.Len() != 1 {
		t.Fatalf("expected request logger entry, got %d", reqLogs.Len())
	}
}

func TestRecoveryMiddlewareWritesJSONError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/checkout/sessions", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "internal_server_error") {
		t.Fatalf("expected error envelope, got %s", rr.Body.String())
	}
	if logs.Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}
