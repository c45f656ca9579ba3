package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/hanko-field/storefront/internal/domain"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultMaxFailures    = 5
	defaultOpenTimeout    = 30 * time.Second
	maxResponseBody       = 256 << 10
	addressTypeShipping   = "shipping"
	addressTypeBilling    = "billing"
	breakerName           = "profile-api"
	breakerHalfOpenProbes = 1
)

var (
	// ErrUnauthenticated is returned when the session carries no access token.
	ErrUnauthenticated = errors.New("profile: session is not authenticated")
	// ErrUnavailable is returned when the profile API cannot be reached or the breaker is open.
	ErrUnavailable = errors.New("profile: api unavailable")
)

// Logger receives structured profile client events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Config wires the profile API client.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	Timeout     time.Duration
	MaxFailures int
	OpenTimeout time.Duration
	Logger      Logger
}

// Profile is the saved contact data of a signed-in shopper.
type Profile struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// SavedAddress is an address book entry.
type SavedAddress struct {
	Address   string `json:"address"`
	City      string `json:"city"`
	Postcode  string `json:"postcode"`
	Country   string `json:"country"`
	Type      string `json:"type"`
	IsDefault bool   `json:"isDefault"`
}

// Client reads the shopper's profile and address book to prefill checkout.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  Logger
}

// NewClient constructs a profile client guarded by a circuit breaker.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("profile: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("profile: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: breakerHalfOpenProbes,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures)
		},
		// A 401 or 404 is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			var status *statusError
			return err == nil || (errors.As(err, &status) && status.code < http.StatusInternalServerError)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger(context.Background(), "profile.breaker.state", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return &Client{
		base:    base,
		http:    httpClient,
		timeout: timeout,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Profile fetches GET /profile.
func (c *Client) Profile(ctx context.Context, session domain.UserSession) (Profile, error) {
	var out Profile
	if err := c.get(ctx, session, "profile", &out); err != nil {
		return Profile{}, err
	}
	return out, nil
}

// Addresses fetches GET /addresses.
func (c *Client) Addresses(ctx context.Context, session domain.UserSession) ([]SavedAddress, error) {
	var out []SavedAddress
	if err := c.get(ctx, session, "addresses", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Prefill builds a checkout form from saved data. A failing lookup leaves its part of the form
// empty; an error is returned only when nothing could be loaded.
func (c *Client) Prefill(ctx context.Context, session domain.UserSession) (domain.CheckoutForm, error) {
	form := domain.NewCheckoutForm()
	if !session.Authenticated() {
		return form, ErrUnauthenticated
	}

	profile, profileErr := c.Profile(ctx, session)
	if profileErr == nil {
		form.Contact = domain.Contact{
			FirstName: strings.TrimSpace(profile.FirstName),
			LastName:  strings.TrimSpace(profile.LastName),
			Email:     strings.TrimSpace(profile.Email),
			Phone:     strings.TrimSpace(profile.Phone),
		}
	} else {
		c.logger(ctx, "profile.prefill.profile_failed", map[string]any{"userId": session.UserID, "error": profileErr})
	}

	addresses, addrErr := c.Addresses(ctx, session)
	if addrErr == nil {
		applyAddresses(&form, addresses)
	} else {
		c.logger(ctx, "profile.prefill.addresses_failed", map[string]any{"userId": session.UserID, "error": addrErr})
	}

	if profileErr != nil && addrErr != nil {
		return domain.NewCheckoutForm(), errors.Join(profileErr, addrErr)
	}
	return form, nil
}

func applyAddresses(form *domain.CheckoutForm, addresses []SavedAddress) {
	shipping, ok := pickAddress(addresses, addressTypeShipping)
	if !ok {
		return
	}
	form.ShippingAddress = shipping
	billing, ok := pickAddress(addresses, addressTypeBilling)
	if ok && billing != shipping {
		form.BillingSameAsShipping = false
		form.BillingAddress = &billing
	}
}

// pickAddress prefers the default entry of kind, then any entry of kind, then for shipping any
// entry at all.
func pickAddress(addresses []SavedAddress, kind string) (domain.Address, bool) {
	var first *SavedAddress
	for i := range addresses {
		entry := &addresses[i]
		if !strings.EqualFold(entry.Type, kind) {
			continue
		}
		if entry.IsDefault {
			return toAddress(*entry), true
		}
		if first == nil {
			first = entry
		}
	}
	if first != nil {
		return toAddress(*first), true
	}
	if kind == addressTypeShipping && len(addresses) > 0 {
		return toAddress(addresses[0]), true
	}
	return domain.Address{}, false
}

func toAddress(a SavedAddress) domain.Address {
	return domain.Address{
		Address:  strings.TrimSpace(a.Address),
		City:     strings.TrimSpace(a.City),
		Postcode: strings.TrimSpace(a.Postcode),
		Country:  strings.ToUpper(strings.TrimSpace(a.Country)),
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("profile: unexpected status %d", e.code)
}

func (c *Client) get(ctx context.Context, session domain.UserSession, path string, dest any) error {
	token := strings.TrimSpace(session.AccessToken)
	if token == "" {
		return ErrUnauthenticated
	}
	endpoint, err := url.JoinPath(c.base, path)
	if err != nil {
		return fmt.Errorf("profile: build url: %w", err)
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
			return nil, &statusError{code: resp.StatusCode}
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		var status *statusError
		if errors.As(err, &status) {
			return err
		}
		return fmt.Errorf("%w: GET %s: %v", ErrUnavailable, path, err)
	}

	var envelope struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("profile: decode %s: %w", path, err)
	}
	if envelope.Success != nil && !*envelope.Success {
		return fmt.Errorf("profile: %s reported failure", path)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("profile: %s response has no data", path)
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("profile: decode %s data: %w", path, err)
	}
	return nil
}
