package handlers

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/checkout"
	"github.com/hanko-field/storefront/internal/domain"
)

type contactPayload struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

type addressPayload struct {
	Address  string `json:"address"`
	City     string `json:"city"`
	Postcode string `json:"postcode"`
	Country  string `json:"country"`
}

type formPayload struct {
	Contact               contactPayload  `json:"contact"`
	ShippingAddress       addressPayload  `json:"shippingAddress"`
	BillingSameAsShipping *bool           `json:"billingSameAsShipping"`
	BillingAddress        *addressPayload `json:"billingAddress"`
}

type noticePayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Reference string `json:"reference,omitempty"`
}

type pricePayload struct {
	Currency string      `json:"currency"`
	Subtotal json.Number `json:"subtotal"`
	TaxRate  json.Number `json:"taxRate"`
	Tax      json.Number `json:"tax"`
	Shipping json.Number `json:"shipping"`
	Total    json.Number `json:"total"`
}

type paymentPayload struct {
	IntentID       string      `json:"intentId"`
	ClientSecret   string      `json:"clientSecret"`
	PublishableKey string      `json:"publishableKey,omitempty"`
	Amount         json.Number `json:"amount"`
	Currency       string      `json:"currency"`
	ChallengeURL   string      `json:"challengeUrl,omitempty"`
}

type snapshotPayload struct {
	SessionID        string            `json:"sessionId"`
	State            string            `json:"state"`
	InFlight         bool              `json:"inFlight"`
	Terminal         bool              `json:"terminal"`
	Form             formPayload       `json:"form"`
	FieldErrors      map[string]string `json:"fieldErrors,omitempty"`
	Warnings         map[string]string `json:"warnings,omitempty"`
	Notice           *noticePayload    `json:"notice,omitempty"`
	Price            *pricePayload     `json:"price,omitempty"`
	Payment          *paymentPayload   `json:"payment,omitempty"`
	PaymentReference string            `json:"paymentReference,omitempty"`
	OrderNumber      string            `json:"orderNumber,omitempty"`
	NextURL          string            `json:"nextUrl,omitempty"`
}

func renderSnapshot(s checkout.Snapshot, publishableKey string) snapshotPayload {
	out := snapshotPayload{
		SessionID:        s.SessionID,
		State:            string(s.State),
		InFlight:         s.InFlight,
		Terminal:         s.State.IsTerminal() || s.Abandoned,
		Form:             renderForm(s.Form),
		FieldErrors:      s.FieldErrors,
		Warnings:         s.Warnings,
		PaymentReference: s.PaymentReference,
		OrderNumber:      s.OrderNumber,
		NextURL:          s.NextURL,
	}
	if s.Notice != nil {
		out.Notice = &noticePayload{
			Kind:      string(s.Notice.Kind),
			Message:   s.Notice.Message,
			Reference: s.Notice.Reference,
		}
	}
	if s.Price != nil {
		price := renderPrice(*s.Price)
		out.Price = &price
	}
	if s.Payment != nil {
		out.Payment = &paymentPayload{
			IntentID:       s.Payment.IntentID,
			ClientSecret:   s.Payment.ClientSecret,
			PublishableKey: publishableKey,
			Amount:         money(s.Payment.Amount, s.Payment.Currency),
			Currency:       s.Payment.Currency,
			ChallengeURL:   s.Payment.ChallengeURL,
		}
	}
	return out
}

func renderPrice(p domain.PriceBreakdown) pricePayload {
	return pricePayload{
		Currency: p.Currency,
		Subtotal: money(p.Subtotal, p.Currency),
		TaxRate:  json.Number(p.TaxRate.String()),
		Tax:      money(p.Tax, p.Currency),
		Shipping: money(p.Shipping, p.Currency),
		Total:    money(p.Total, p.Currency),
	}
}

func renderForm(f domain.CheckoutForm) formPayload {
	same := f.BillingSameAsShipping
	out := formPayload{
		Contact: contactPayload{
			FirstName: f.Contact.FirstName,
			LastName:  f.Contact.LastName,
			Email:     f.Contact.Email,
			Phone:     f.Contact.Phone,
		},
		ShippingAddress:       renderAddress(f.ShippingAddress),
		BillingSameAsShipping: &same,
	}
	if f.BillingAddress != nil {
		billing := renderAddress(*f.BillingAddress)
		out.BillingAddress = &billing
	}
	return out
}

func renderAddress(a domain.Address) addressPayload {
	return addressPayload{
		Address:  a.Address,
		City:     a.City,
		Postcode: a.Postcode,
		Country:  a.Country,
	}
}

func (p formPayload) toDomain() domain.CheckoutForm {
	form := domain.NewCheckoutForm()
	form.Contact = domain.Contact{
		FirstName: p.Contact.FirstName,
		LastName:  p.Contact.LastName,
		Email:     p.Contact.Email,
		Phone:     p.Contact.Phone,
	}
	form.ShippingAddress = p.ShippingAddress.toDomain()
	if p.BillingSameAsShipping != nil {
		form.BillingSameAsShipping = *p.BillingSameAsShipping
	}
	if p.BillingAddress != nil {
		billing := p.BillingAddress.toDomain()
		form.BillingAddress = &billing
	}
	return form
}

func (p addressPayload) toDomain() domain.Address {
	return domain.Address{
		Address:  p.Address,
		City:     p.City,
		Postcode: p.Postcode,
		Country:  p.Country,
	}
}

func money(d decimal.Decimal, currency string) json.Number {
	return json.Number(d.StringFixed(domain.CurrencyPlaces(currency)))
}
