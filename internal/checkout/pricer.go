package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

// ShippingQuoter returns the shipping charge for a cart.
type ShippingQuoter interface {
	QuoteShipping(ctx context.Context, cart domain.CartSnapshot, destination domain.Address) (decimal.Decimal, error)
}

// FlatShipping charges the same amount for every cart.
type FlatShipping decimal.Decimal

// QuoteShipping implements ShippingQuoter.
func (f FlatShipping) QuoteShipping(context.Context, domain.CartSnapshot, domain.Address) (decimal.Decimal, error) {
	return decimal.Decimal(f), nil
}

// Pricer derives totals from a cart snapshot. Tax is rounded to two decimal places.
type Pricer struct {
	taxRate  decimal.Decimal
	currency string
	shipping ShippingQuoter
}

// NewPricer constructs a pricer. A nil quoter means free shipping.
func NewPricer(currency string, taxRate decimal.Decimal, shipping ShippingQuoter) (*Pricer, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return nil, fmt.Errorf("checkout: currency %q must be an ISO 4217 code", currency)
	}
	if taxRate.IsNegative() || taxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, errors.New("checkout: tax rate must be within [0, 1)")
	}
	if shipping == nil {
		shipping = FlatShipping(decimal.Zero)
	}
	return &Pricer{taxRate: taxRate, currency: currency, shipping: shipping}, nil
}

// Currency returns the store currency used when a cart does not carry one.
func (p *Pricer) Currency() string {
	return p.currency
}

// Price computes subtotal, tax, shipping and total for the cart.
func (p *Pricer) Price(ctx context.Context, cart domain.CartSnapshot, destination domain.Address) (domain.PriceBreakdown, error) {
	if cart.IsEmpty() {
		return domain.PriceBreakdown{}, domain.ErrEmptyCart
	}
	subtotal := decimal.Zero
	for _, line := range cart.Lines {
		if line.Quantity < 1 {
			return domain.PriceBreakdown{}, fmt.Errorf("%w: %s", domain.ErrInvalidQuantity, line.ProductID)
		}
		subtotal = subtotal.Add(line.LineTotal())
	}
	shipping, err := p.shipping.QuoteShipping(ctx, cart, destination)
	if err != nil {
		return domain.PriceBreakdown{}, fmt.Errorf("checkout: quote shipping: %w", err)
	}

	currency := p.currency
	if c := strings.TrimSpace(cart.Currency); c != "" {
		currency = strings.ToUpper(c)
	}
	places := domain.CurrencyPlaces(currency)

	subtotal = subtotal.Round(places)
	tax := subtotal.Mul(p.taxRate).Round(places)
	shipping = shipping.Round(places)
	return domain.PriceBreakdown{
		Currency: currency,
		Subtotal: subtotal,
		TaxRate:  p.taxRate,
		Tax:      tax,
		Shipping: shipping,
		Total:    subtotal.Add(tax).Add(shipping),
	}, nil
}
