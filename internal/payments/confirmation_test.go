package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

func testHandle() domain.PaymentIntentHandle {
	return domain.PaymentIntentHandle{
		IntentID:     "pi_1",
		ClientSecret: "pi_1_secret",
		Amount:       decimal.RequireFromString("958.80"),
		AmountMinor:  95880,
		Currency:     "GBP",
	}
}

func newTestConfirmation(t *testing.T, gw Gateway) *Confirmation {
	t.Helper()
	c, err := NewConfirmation(ConfirmationConfig{
		Gateway:   gw,
		ReturnURL: "https://shop.example/checkout/return",
		Clock:     func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new confirmation: %v", err)
	}
	return c
}

var cardToken = domain.PaymentDetails{PaymentMethodID: "pm_card_visa"}

func TestConfirmationSucceeded(t *testing.T) {
	gw := &fakeGateway{confirmFn: func(context.Context) (Intent, error) {
		return Intent{ID: "pi_1", Status: StatusSucceeded, Amount: 95880, Currency: "GBP", Method: "card"}, nil
	}}
	c := newTestConfirmation(t, gw)

	got, err := c.Confirm(context.Background(), testHandle(), cardToken)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.IntentID != "pi_1" || got.Method != "card" || got.Amount.StringFixed(2) != "958.80" {
		t.Fatalf("unexpected confirmation: %+v", got)
	}
	if gw.confirmReq.ReturnURL != "https://shop.example/checkout/return" || gw.confirmReq.PaymentMethodID != "pm_card_visa" {
		t.Fatalf("unexpected confirm request: %+v", gw.confirmReq)
	}
}

func TestConfirmationProcessingCountsAsConfirmed(t *testing.T) {
	gw := &fakeGateway{confirmFn: func(context.Context) (Intent, error) {
		return Intent{ID: "pi_1", Status: StatusProcessing}, nil
	}}
	c := newTestConfirmation(t, gw)

	got, err := c.Confirm(context.Background(), testHandle(), cardToken)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != "processing" || got.Currency != "GBP" {
		t.Fatalf("unexpected confirmation: %+v", got)
	}
}

func TestConfirmationRequiresAction(t *testing.T) {
	gw := &fakeGateway{confirmFn: func(context.Context) (Intent, error) {
		return Intent{ID: "pi_1", Status: StatusRequiresAction, RedirectURL: "https://bank.example/3ds"}, nil
	}}
	c := newTestConfirmation(t, gw)

	_, err := c.Confirm(context.Background(), testHandle(), cardToken)
	var action *domain.RequiresAction
	if !errors.As(err, &action) {
		t.Fatalf("expected requires action, got %v", err)
	}
	if action.RedirectURL != "https://bank.example/3ds" || action.ClientSecret != "pi_1_secret" {
		t.Fatalf("unexpected action: %+v", action)
	}
}

func TestConfirmationDeclineIsVerbatim(t *testing.T) {
	gw := &fakeGateway{confirmFn: func(context.Context) (Intent, error) {
		return Intent{}, &APIError{
			StatusCode:  402,
			Card:        true,
			Code:        "card_declined",
			DeclineCode: "insufficient_funds",
			Message:     "Your card has insufficient funds.",
			Intent:      &Intent{ID: "pi_1", Status: StatusRequiresPaymentMethod},
		}
	}}
	c := newTestConfirmation(t, gw)

	_, err := c.Confirm(context.Background(), testHandle(), cardToken)
	var perr *domain.PaymentError
	if !errors.As(err, &perr) {
		t.Fatalf("expected payment error, got %v", err)
	}
	if perr.Message != "Your card has insufficient funds." || perr.Terminal {
		t.Fatalf("unexpected payment error: %+v", perr)
	}
	if gw.lookups != 0 {
		t.Fatal("declines must not trigger a lookup")
	}
}

func TestConfirmationCanceledIntentIsTerminal(t *testing.T) {
	gw := &fakeGateway{confirmFn: func(context.Context) (Intent, error) {
		return Intent{ID: "pi_1", Status: StatusCanceled}, nil
	}}
	c := newTestConfirmation(t, gw)

	_, err := c.Confirm(context.Background(), testHandle(), cardToken)
	var perr *domain.PaymentError
	if !errors.As(err, &perr) || !perr.Terminal {
		t.Fatalf("expected terminal payment error, got %v", err)
	}
}

func TestConfirmationRequiresPaymentMethodUsesLastDecline(t *testing.T) {
	gw := &fakeGateway{confirmFn: func(context.Context) (Intent, error) {
		return Intent{ID: "pi_1", Status: StatusRequiresPaymentMethod, LastDecline: &Decline{Message: "Your card was declined.", DeclineCode: "generic_decline"}}, nil
	}}
	c := newTestConfirmation(t, gw)

	_, err := c.Confirm(context.Background(), testHandle(), cardToken)
	var perr *domain.PaymentError
	if !errors.As(err, &perr) {
		t.Fatalf("expected payment error, got %v", err)
	}
	if perr.Message != "Your card was declined." || perr.DeclineCode != "generic_decline" {
		t.Fatalf("unexpected payment error: %+v", perr)
	}
}

func TestConfirmationLooksUpAfterTransportFailure(t *testing.T) {
	gw := &fakeGateway{
		confirmFn: func(context.Context) (Intent, error) {
			return Intent{}, errors.New("read: connection reset by peer")
		},
		lookupFn: func(context.Context) (Intent, error) {
			return Intent{ID: "pi_1", Status: StatusSucceeded, Amount: 95880, Currency: "GBP"}, nil
		},
	}
	c := newTestConfirmation(t, gw)

	got, err := c.Confirm(context.Background(), testHandle(), cardToken)
	if err != nil {
		t.Fatalf("expected charged intent to be treated as confirmed, got %v", err)
	}
	if got.IntentID != "pi_1" || gw.lookups != 1 {
		t.Fatalf("unexpected confirmation: %+v lookups=%d", got, gw.lookups)
	}
}

func TestConfirmationUnknownOutcomeIsRetryable(t *testing.T) {
	gw := &fakeGateway{
		confirmFn: func(context.Context) (Intent, error) {
			return Intent{}, errors.New("timeout awaiting response headers")
		},
		lookupFn: func(context.Context) (Intent, error) {
			return Intent{}, errors.New("still unreachable")
		},
	}
	c := newTestConfirmation(t, gw)

	_, err := c.Confirm(context.Background(), testHandle(), cardToken)
	var perr *domain.PaymentError
	if !errors.As(err, &perr) || perr.Terminal {
		t.Fatalf("expected retryable payment error, got %v", err)
	}
	if perr.Message != msgPaymentUnconfirmed {
		t.Fatalf("unexpected message: %q", perr.Message)
	}
}

func TestConfirmationRejectsCardNumbers(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestConfirmation(t, gw)

	_, err := c.Confirm(context.Background(), testHandle(), domain.PaymentDetails{PaymentMethodID: "4111-1111-1111-1111"})
	if !errors.Is(err, domain.ErrRawCardData) {
		t.Fatalf("expected ErrRawCardData, got %v", err)
	}
	if gw.confirmReq.IntentID != "" {
		t.Fatal("gateway must not see raw card data")
	}
}
