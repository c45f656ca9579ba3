package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Contact captures the shopper's contact details entered at checkout.
type Contact struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

// Address stores a postal address used for shipping or billing.
type Address struct {
	Address  string
	City     string
	Postcode string
	Country  string
}

// CheckoutForm holds the user-entered checkout input for the lifetime of a checkout session.
type CheckoutForm struct {
	Contact               Contact
	ShippingAddress       Address
	BillingSameAsShipping bool
	BillingAddress        *Address
}

// NewCheckoutForm returns an empty form with billing defaulting to the shipping address.
func NewCheckoutForm() CheckoutForm {
	return CheckoutForm{BillingSameAsShipping: true}
}

// Clone returns a deep copy of the form.
func (f CheckoutForm) Clone() CheckoutForm {
	out := f
	if f.BillingAddress != nil {
		billing := *f.BillingAddress
		out.BillingAddress = &billing
	}
	return out
}

// ValidatedForm is a trimmed form that passed required-field validation.
type ValidatedForm struct {
	Contact         Contact
	ShippingAddress Address
	// BillingAddress is nil when billing equals shipping.
	BillingAddress *Address
	Warnings       map[string]string
}

// CartLine represents a single product line in the shopper's cart.
type CartLine struct {
	ProductID       string
	Name            string
	UnitPrice       decimal.Decimal
	Quantity        int
	SelectedOptions map[string]string
}

// LineTotal returns unit price multiplied by quantity.
func (l CartLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// CartSnapshot is a read-only view of the cart owned by the cart collaborator.
type CartSnapshot struct {
	CartID    string
	Currency  string
	Lines     []CartLine
	UpdatedAt time.Time
}

// IsEmpty reports whether the cart has no lines.
func (c CartSnapshot) IsEmpty() bool {
	return len(c.Lines) == 0
}

// Freeze returns a deep copy that no longer shares maps or slices with the source.
func (c CartSnapshot) Freeze() CartSnapshot {
	out := c
	out.Lines = make([]CartLine, len(c.Lines))
	for i, line := range c.Lines {
		copied := line
		if line.SelectedOptions != nil {
			copied.SelectedOptions = make(map[string]string, len(line.SelectedOptions))
			for k, v := range line.SelectedOptions {
				copied.SelectedOptions[k] = v
			}
		}
		out.Lines[i] = copied
	}
	return out
}

// PriceBreakdown captures the derived monetary totals of a cart.
type PriceBreakdown struct {
	Currency string
	Subtotal decimal.Decimal
	TaxRate  decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// PaymentIntentHandle references a gateway payment intent created for one checkout attempt.
type PaymentIntentHandle struct {
	IntentID     string
	ClientSecret string
	Amount       decimal.Decimal
	AmountMinor  int64
	Currency     string
	CreatedAt    time.Time
}

// PaymentDetails carries the gateway-issued token for the payment method collected by the hosted widget.
type PaymentDetails struct {
	PaymentMethodID string
	ReturnURL       string
}

// ConfirmedPayment is the outcome of a successful payment confirmation.
type ConfirmedPayment struct {
	IntentID    string
	Status      string
	Method      string
	Amount      decimal.Decimal
	Currency    string
	ConfirmedAt time.Time
}

// OrderLine is a single item in an order submission.
type OrderLine struct {
	ProductID       string
	Name            string
	UnitPrice       decimal.Decimal
	Quantity        int
	SelectedOptions map[string]string
}

// OrderPayment references the confirmed payment backing an order.
type OrderPayment struct {
	Method          string
	Amount          decimal.Decimal
	PaymentIntentID string
}

// OrderRequest is assembled once per confirmed payment and submitted to the order API.
type OrderRequest struct {
	Items           []OrderLine
	Contact         Contact
	ShippingAddress Address
	BillingAddress  *Address
	Payment         OrderPayment
	Currency        string
	Subtotal        decimal.Decimal
	Tax             decimal.Decimal
	Shipping        decimal.Decimal
	Total           decimal.Decimal
}

// OrderRecord is the server's durable representation of a placed order.
type OrderRecord struct {
	OrderNumber string
	CreatedAt   time.Time
}

// UserSession identifies the signed-in shopper for collaborator calls.
type UserSession struct {
	UserID      string
	CartID      string
	AccessToken string
	Locale      string
}

// Authenticated reports whether the session carries a bearer token.
func (s UserSession) Authenticated() bool {
	return s.AccessToken != ""
}

// Validate rejects missing tokens and values that look like a card number rather than a gateway token.
func (d PaymentDetails) Validate() error {
	token := strings.TrimSpace(d.PaymentMethodID)
	if token == "" {
		return ErrPaymentMethodRequired
	}
	digits := 0
	for _, r := range token {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == ' ' || r == '-':
		default:
			return nil
		}
	}
	if digits >= 12 {
		return ErrRawCardData
	}
	return nil
}
