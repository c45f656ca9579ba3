package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

type fakeGateway struct {
	createReq  IntentRequest
	confirmReq ConfirmRequest
	lookups    int

	createFn  func(ctx context.Context) (Intent, error)
	confirmFn func(ctx context.Context) (Intent, error)
	lookupFn  func(ctx context.Context) (Intent, error)
}

func (f *fakeGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	f.createReq = req
	if f.createFn != nil {
		return f.createFn(ctx)
	}
	return Intent{ID: "pi_1", ClientSecret: "pi_1_secret", Status: StatusRequiresPaymentMethod}, nil
}

func (f *fakeGateway) ConfirmIntent(ctx context.Context, req ConfirmRequest) (Intent, error) {
	f.confirmReq = req
	if f.confirmFn != nil {
		return f.confirmFn(ctx)
	}
	return Intent{ID: req.IntentID, Status: StatusSucceeded}, nil
}

func (f *fakeGateway) LookupIntent(ctx context.Context, req LookupRequest) (Intent, error) {
	f.lookups++
	if f.lookupFn != nil {
		return f.lookupFn(ctx)
	}
	return Intent{ID: req.IntentID, Status: StatusRequiresPaymentMethod}, nil
}

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestIntentClient(t *testing.T, gw Gateway, timeout time.Duration) *IntentClient {
	t.Helper()
	client, err := NewIntentClient(IntentClientConfig{
		Gateway: gw,
		Timeout: timeout,
		Clock:   func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new intent client: %v", err)
	}
	return client
}

func TestIntentClientCreatesHandle(t *testing.T) {
	gw := &fakeGateway{}
	client := newTestIntentClient(t, gw, 0)

	handle, err := client.CreateIntent(context.Background(), decimal.RequireFromString("958.80"), "gbp", map[string]string{
		domain.MetadataAttemptKey: "01hzattempt",
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if handle.IntentID != "pi_1" || handle.ClientSecret != "pi_1_secret" {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	if handle.AmountMinor != 95880 || handle.Currency != "GBP" || !handle.CreatedAt.Equal(fixedNow) {
		t.Fatalf("unexpected handle amounts: %+v", handle)
	}
	if gw.createReq.Amount != 95880 || gw.createReq.IdempotencyKey != "intent-01hzattempt" {
		t.Fatalf("unexpected request: %+v", gw.createReq)
	}
}

func TestIntentClientRejectsMissingClientSecret(t *testing.T) {
	gw := &fakeGateway{createFn: func(context.Context) (Intent, error) {
		return Intent{ID: "pi_1"}, nil
	}}
	client := newTestIntentClient(t, gw, 0)

	_, err := client.CreateIntent(context.Background(), decimal.NewFromInt(10), "GBP", nil)
	var gerr *domain.GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if gerr.TimedOut {
		t.Fatal("malformed response is not a timeout")
	}
}

func TestIntentClientClassifiesFailures(t *testing.T) {
	cases := map[string]struct {
		err      error
		reason   string
		status   int
		timedOut bool
	}{
		"rejected": {err: &APIError{StatusCode: 400, Code: "amount_too_small"}, reason: "rejected", status: 400},
		"network":  {err: errors.New("connection reset by peer"), reason: "network"},
		"deadline": {err: context.DeadlineExceeded, reason: "timeout", timedOut: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			gw := &fakeGateway{createFn: func(context.Context) (Intent, error) { return Intent{}, tc.err }}
			client := newTestIntentClient(t, gw, 0)

			_, err := client.CreateIntent(context.Background(), decimal.NewFromInt(10), "GBP", nil)
			var gerr *domain.GatewayError
			if !errors.As(err, &gerr) {
				t.Fatalf("expected gateway error, got %v", err)
			}
			if gerr.Reason != tc.reason || gerr.StatusCode != tc.status || gerr.TimedOut != tc.timedOut {
				t.Fatalf("unexpected classification: %+v", gerr)
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected cause to be wrapped, got %v", err)
			}
		})
	}
}

func TestIntentClientTimesOut(t *testing.T) {
	gw := &fakeGateway{createFn: func(ctx context.Context) (Intent, error) {
		<-ctx.Done()
		return Intent{}, ctx.Err()
	}}
	client := newTestIntentClient(t, gw, 10*time.Millisecond)

	_, err := client.CreateIntent(context.Background(), decimal.NewFromInt(10), "GBP", nil)
	var gerr *domain.GatewayError
	if !errors.As(err, &gerr) || !gerr.TimedOut {
		t.Fatalf("expected timed out gateway error, got %v", err)
	}
}

func TestIntentClientValidatesAmount(t *testing.T) {
	gw := &fakeGateway{}
	client := newTestIntentClient(t, gw, 0)

	if _, err := client.CreateIntent(context.Background(), decimal.Zero, "GBP", nil); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if _, err := client.CreateIntent(context.Background(), decimal.NewFromInt(1), "pounds", nil); err == nil {
		t.Fatal("expected error for invalid currency")
	}
	if gw.createReq.Amount != 0 {
		t.Fatal("gateway must not be called for invalid input")
	}
}
