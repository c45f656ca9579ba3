package profile

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanko-field/storefront/internal/domain"
)

var shopper = domain.UserSession{UserID: "user-1", AccessToken: "token-abc"}

func newTestClient(t *testing.T, srv *httptest.Server, maxFailures int) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:     srv.URL,
		HTTPClient:  srv.Client(),
		Timeout:     time.Second,
		MaxFailures: maxFailures,
		OpenTimeout: time.Minute,
	})
	require.NoError(t, err)
	return client
}

func TestPrefillFromProfileAndAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token-abc" {
			t.Errorf("expected bearer token, got %q", got)
		}
		switch r.URL.Path {
		case "/profile":
			_, _ = w.Write([]byte(`{"success":true,"data":{"firstName":" Ada ","lastName":"Lovelace","email":"ada@example.com","phone":"+44 20 7946 0958"}}`))
		case "/addresses":
			_, _ = w.Write([]byte(`{"success":true,"data":[
				{"address":"1 Old Road","city":"Leeds","postcode":"LS1 1AA","country":"gb","type":"shipping"},
				{"address":"10 Downing Street","city":"London","postcode":"SW1A 2AA","country":"gb","type":"shipping","isDefault":true},
				{"address":"221B Baker Street","city":"London","postcode":"NW1 6XE","country":"GB","type":"billing","isDefault":true}
			]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	form, err := newTestClient(t, srv, 0).Prefill(context.Background(), shopper)
	require.NoError(t, err)
	require.Equal(t, "Ada", form.Contact.FirstName)
	require.Equal(t, "ada@example.com", form.Contact.Email)
	require.Equal(t, domain.Address{Address: "10 Downing Street", City: "London", Postcode: "SW1A 2AA", Country: "GB"}, form.ShippingAddress)
	require.False(t, form.BillingSameAsShipping)
	require.NotNil(t, form.BillingAddress)
	require.Equal(t, "221B Baker Street", form.BillingAddress.Address)
}

func TestPrefillBillingMatchesShipping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/profile":
			_, _ = w.Write([]byte(`{"data":{"firstName":"Ada"}}`))
		case "/addresses":
			_, _ = w.Write([]byte(`{"data":[{"address":"10 Downing Street","city":"London","postcode":"SW1A 2AA","country":"GB"}]}`))
		}
	}))
	defer srv.Close()

	form, err := newTestClient(t, srv, 0).Prefill(context.Background(), shopper)
	require.NoError(t, err)
	require.True(t, form.BillingSameAsShipping)
	require.Nil(t, form.BillingAddress)
	require.Equal(t, "London", form.ShippingAddress.City)
}

func TestPrefillDegradesWhenAddressesFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/addresses" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"firstName":"Ada","lastName":"Lovelace"}}`))
	}))
	defer srv.Close()

	form, err := newTestClient(t, srv, 0).Prefill(context.Background(), shopper)
	require.NoError(t, err)
	require.Equal(t, "Lovelace", form.Contact.LastName)
	require.Equal(t, domain.Address{}, form.ShippingAddress)
	require.True(t, form.BillingSameAsShipping)
}

func TestPrefillFailsWhenNothingLoads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	form, err := newTestClient(t, srv, 0).Prefill(context.Background(), shopper)
	require.Error(t, err)
	require.Equal(t, domain.NewCheckoutForm(), form)
}

func TestPrefillRequiresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, 0).Prefill(context.Background(), domain.UserSession{UserID: "guest"})
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, 2)
	for i := 0; i < 2; i++ {
		_, err := client.Profile(context.Background(), shopper)
		require.Error(t, err)
	}
	_, err := client.Profile(context.Background(), shopper)
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, int32(2), hits.Load())
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, 1)
	for i := 0; i < 3; i++ {
		_, err := client.Profile(context.Background(), shopper)
		var status *statusError
		require.True(t, errors.As(err, &status))
		require.Equal(t, http.StatusUnauthorized, status.code)
	}
	require.Equal(t, int32(3), hits.Load())
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}
