package orders

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/idempotency"
)

const (
	defaultTimeout    = 30 * time.Second
	idempotencyHeader = "Idempotency-Key"
	maxMessageBytes   = 256
	maxErrorBody      = 4 << 10
	maxResponseBody   = 1 << 20
)

var (
	// ErrSubmissionInFlight is returned when the ledger shows the key is already being submitted.
	ErrSubmissionInFlight = errors.New("orders: submission already in progress for this key")
	// ErrSubmissionFailed is returned when the ledger shows an earlier submission with this key failed.
	ErrSubmissionFailed = errors.New("orders: earlier submission with this key failed")
)

// Logger receives structured order client events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Config wires the order API client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// Header names the idempotency header; defaults to Idempotency-Key.
	Header string
	// Ledger, when set, refuses to POST the same idempotency key twice.
	Ledger    idempotency.Store
	LedgerTTL time.Duration
	Clock     func() time.Time
	Logger    Logger
}

// Client submits orders to the storefront order API.
type Client struct {
	endpoint  string
	header    string
	http      *http.Client
	timeout   time.Duration
	ledger    idempotency.Store
	ledgerTTL time.Duration
	now       func() time.Time
	logger    Logger
	sanitizer *bluemonday.Policy
}

// NewClient constructs an order API client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("orders: base url is required")
	}
	endpoint, err := url.JoinPath(base, "orders")
	if err != nil {
		return nil, fmt.Errorf("orders: build endpoint: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	header := strings.TrimSpace(cfg.Header)
	if header == "" {
		header = idempotencyHeader
	}
	ttl := cfg.LedgerTTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Client{
		endpoint:  endpoint,
		header:    header,
		http:      httpClient,
		timeout:   timeout,
		ledger:    cfg.Ledger,
		ledgerTTL: ttl,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:    logger,
		sanitizer: bluemonday.StrictPolicy(),
	}, nil
}

// Submit POSTs the order once. Every failure is reported as *domain.OrderError carrying the
// payment reference. The call is never retried.
func (c *Client) Submit(ctx context.Context, session domain.UserSession, req domain.OrderRequest, idempotencyKey string) (domain.OrderRecord, error) {
	reference := req.Payment.PaymentIntentID
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return domain.OrderRecord{}, &domain.OrderError{PaymentReference: reference, Message: "idempotency key is required"}
	}

	body, err := json.Marshal(newOrderPayload(req))
	if err != nil {
		return domain.OrderRecord{}, &domain.OrderError{PaymentReference: reference, Message: "encode order", Err: err}
	}

	if replay, done, err := c.reserve(ctx, key, body, reference); done {
		return replay, err
	}

	record, err := c.post(ctx, session, body, key, reference)
	c.settle(ctx, key, record, err)
	if err != nil {
		c.logger(ctx, "orders.submit.failed", map[string]any{
			"paymentRef": reference,
			"error":      err,
		})
		return domain.OrderRecord{}, err
	}
	c.logger(ctx, "orders.submit.succeeded", map[string]any{
		"paymentRef":  reference,
		"orderNumber": record.OrderNumber,
	})
	return record, nil
}

// reserve consults the ledger. done is true when the ledger decided the outcome and no request must be sent.
func (c *Client) reserve(ctx context.Context, key string, body []byte, reference string) (domain.OrderRecord, bool, error) {
	if c.ledger == nil {
		return domain.OrderRecord{}, false, nil
	}
	sum := sha256.Sum256(body)
	res, err := c.ledger.Reserve(ctx, key, hex.EncodeToString(sum[:]), c.now(), c.ledgerTTL)
	if err != nil {
		if errors.Is(err, idempotency.ErrFingerprintMismatch) {
			return domain.OrderRecord{}, true, &domain.OrderError{PaymentReference: reference, Message: "idempotency key reused for a different order", Err: err}
		}
		// The in-session guard still holds; an unavailable ledger must not strand a paid order.
		c.logger(ctx, "orders.ledger.unavailable", map[string]any{"paymentRef": reference, "error": err})
		return domain.OrderRecord{}, false, nil
	}
	switch res.State {
	case idempotency.ReservationStateCompleted:
		c.logger(ctx, "orders.submit.replayed", map[string]any{"paymentRef": reference, "orderNumber": res.Record.Result})
		return domain.OrderRecord{OrderNumber: res.Record.Result, CreatedAt: res.Record.UpdatedAt}, true, nil
	case idempotency.ReservationStatePending:
		return domain.OrderRecord{}, true, &domain.OrderError{PaymentReference: reference, Err: ErrSubmissionInFlight}
	case idempotency.ReservationStateFailed:
		return domain.OrderRecord{}, true, &domain.OrderError{PaymentReference: reference, Message: res.Record.Failure, Err: ErrSubmissionFailed}
	default:
		return domain.OrderRecord{}, false, nil
	}
}

func (c *Client) settle(ctx context.Context, key string, record domain.OrderRecord, submitErr error) {
	if c.ledger == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	if submitErr != nil {
		err = c.ledger.Fail(ctx, key, submitErr.Error(), c.now(), c.ledgerTTL)
	} else {
		err = c.ledger.Complete(ctx, key, record.OrderNumber, c.now(), c.ledgerTTL)
	}
	if err != nil {
		c.logger(ctx, "orders.ledger.update_failed", map[string]any{"error": err})
	}
}

func (c *Client) post(ctx context.Context, session domain.UserSession, body []byte, key, reference string) (domain.OrderRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.OrderRecord{}, &domain.OrderError{PaymentReference: reference, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(c.header, key)
	if token := strings.TrimSpace(session.AccessToken); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.OrderRecord{}, &domain.OrderError{
			PaymentReference: reference,
			TimedOut:         errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded),
			Err:              err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.OrderRecord{}, &domain.OrderError{
			PaymentReference: reference,
			StatusCode:       resp.StatusCode,
			Message:          c.errorMessage(resp.Body),
		}
	}

	var payload orderResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&payload); err != nil {
		return domain.OrderRecord{}, &domain.OrderError{PaymentReference: reference, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	if !payload.Success {
		msg := c.clean(payload.Message)
		if msg == "" {
			msg = "order api reported failure"
		}
		return domain.OrderRecord{}, &domain.OrderError{PaymentReference: reference, StatusCode: resp.StatusCode, Message: msg}
	}
	number := strings.TrimSpace(payload.Data.OrderNumber)
	if number == "" {
		return domain.OrderRecord{}, &domain.OrderError{PaymentReference: reference, StatusCode: resp.StatusCode, Message: "malformed response: missing order number"}
	}

	record := domain.OrderRecord{OrderNumber: number, CreatedAt: c.now()}
	if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(payload.Data.CreatedAt)); err == nil {
		record.CreatedAt = ts.UTC()
	}
	return record, nil
}

func (c *Client) errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if msg := c.clean(envelope.Message); msg != "" {
			return msg
		}
		if msg := c.clean(envelope.Error); msg != "" {
			return msg
		}
	}
	return c.clean(string(raw))
}

func (c *Client) clean(s string) string {
	s = strings.Join(strings.Fields(c.sanitizer.Sanitize(s)), " ")
	if len(s) > maxMessageBytes {
		cut := maxMessageBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}

type orderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		OrderNumber string `json:"orderNumber"`
		CreatedAt   string `json:"createdAt"`
	} `json:"data"`
}

type orderPayload struct {
	Items           []orderItemPayload `json:"items"`
	Contact         contactPayload     `json:"contact"`
	ShippingAddress addressPayload     `json:"shippingAddress"`
	BillingAddress  *addressPayload    `json:"billingAddress"`
	PaymentMethod   paymentPayload     `json:"paymentMethod"`
	Currency        string             `json:"currency"`
	Subtotal        json.Number        `json:"subtotal"`
	Tax             json.Number        `json:"tax"`
	Shipping        json.Number        `json:"shipping"`
	Total           json.Number        `json:"total"`
}

type orderItemPayload struct {
	ProductID       string            `json:"productId"`
	Name            string            `json:"name"`
	Price           json.Number       `json:"price"`
	Quantity        int               `json:"quantity"`
	SelectedOptions map[string]string `json:"selectedOptions,omitempty"`
}

type contactPayload struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

type addressPayload struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Address   string `json:"address"`
	City      string `json:"city"`
	Postcode  string `json:"postcode"`
	Country   string `json:"country"`
}

type paymentPayload struct {
	Method          string      `json:"method"`
	Amount          json.Number `json:"amount"`
	PaymentIntentID string      `json:"paymentIntentId"`
}

func newOrderPayload(req domain.OrderRequest) orderPayload {
	places := domain.CurrencyPlaces(req.Currency)
	money := func(d decimal.Decimal) json.Number {
		return json.Number(d.StringFixed(places))
	}

	items := make([]orderItemPayload, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, orderItemPayload{
			ProductID:       item.ProductID,
			Name:            item.Name,
			Price:           money(item.UnitPrice),
			Quantity:        item.Quantity,
			SelectedOptions: item.SelectedOptions,
		})
	}
	shipping := addressPayload{
		FirstName: req.Contact.FirstName,
		LastName:  req.Contact.LastName,
		Address:   req.ShippingAddress.Address,
		City:      req.ShippingAddress.City,
		Postcode:  req.ShippingAddress.Postcode,
		Country:   req.ShippingAddress.Country,
	}
	var billing *addressPayload
	if req.BillingAddress != nil {
		billing = &addressPayload{
			Address:  req.BillingAddress.Address,
			City:     req.BillingAddress.City,
			Postcode: req.BillingAddress.Postcode,
			Country:  req.BillingAddress.Country,
		}
	}
	return orderPayload{
		Items: items,
		Contact: contactPayload{
			FirstName: req.Contact.FirstName,
			LastName:  req.Contact.LastName,
			Email:     req.Contact.Email,
			Phone:     req.Contact.Phone,
		},
		ShippingAddress: shipping,
		BillingAddress:  billing,
		PaymentMethod: paymentPayload{
			Method:          req.Payment.Method,
			Amount:          money(req.Payment.Amount),
			PaymentIntentID: req.Payment.PaymentIntentID,
		},
		Currency: req.Currency,
		Subtotal: money(req.Subtotal),
		Tax:      money(req.Tax),
		Shipping: money(req.Shipping),
		Total:    money(req.Total),
	}
}
