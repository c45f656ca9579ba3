package checkout

import (
	"errors"
	"reflect"
	"testing"

	"github.com/hanko-field/storefront/internal/domain"
)

func validForm() domain.CheckoutForm {
	form := domain.NewCheckoutForm()
	form.Contact = domain.Contact{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
		Phone:     "+44 20 7946 0958",
	}
	form.ShippingAddress = domain.Address{
		Address:  "10 Downing Street",
		City:     "London",
		Postcode: "SW1A 2AA",
		Country:  "GB",
	}
	return form
}

func newTestValidator(t *testing.T) *FormValidator {
	t.Helper()
	v, err := NewFormValidator("en-GB")
	if err != nil {
		t.Fatalf("NewFormValidator: %v", err)
	}
	return v
}

func TestFormValidatorAcceptsCompleteForm(t *testing.T) {
	v := newTestValidator(t)

	got, err := v.Validate(validForm())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got.BillingAddress != nil {
		t.Fatalf("expected billing to follow shipping, got %+v", got.BillingAddress)
	}
	if len(got.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", got.Warnings)
	}
}

func TestFormValidatorReportsExactlyTheMissingField(t *testing.T) {
	v := newTestValidator(t)

	cases := map[string]func(*domain.CheckoutForm){
		"contact.firstName":        func(f *domain.CheckoutForm) { f.Contact.FirstName = "" },
		"contact.lastName":         func(f *domain.CheckoutForm) { f.Contact.LastName = "   " },
		"contact.email":            func(f *domain.CheckoutForm) { f.Contact.Email = "" },
		"contact.phone":            func(f *domain.CheckoutForm) { f.Contact.Phone = "\t" },
		"shippingAddress.address":  func(f *domain.CheckoutForm) { f.ShippingAddress.Address = "" },
		"shippingAddress.city":     func(f *domain.CheckoutForm) { f.ShippingAddress.City = "" },
		"shippingAddress.postcode": func(f *domain.CheckoutForm) { f.ShippingAddress.Postcode = " " },
		"shippingAddress.country":  func(f *domain.CheckoutForm) { f.ShippingAddress.Country = "" },
	}

	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			form := validForm()
			mutate(&form)

			_, err := v.Validate(form)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if got := verr.Fields.Fields(); len(got) != 1 || got[0] != field {
				t.Fatalf("expected only %s, got %v", field, got)
			}
		})
	}
}

func TestFormValidatorRequiresSeparateBillingAddress(t *testing.T) {
	v := newTestValidator(t)

	form := validForm()
	form.BillingSameAsShipping = false
	_, err := v.Validate(form)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Fields["billingAddress"] == "" {
		t.Fatalf("expected billingAddress error, got %v", err)
	}

	form.BillingAddress = &domain.Address{Address: "1 Main St", Postcode: "10001", Country: "US"}
	_, err = v.Validate(form)
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := verr.Fields.Fields(); len(got) != 1 || got[0] != "billingAddress.city" {
		t.Fatalf("expected billingAddress.city, got %v", got)
	}

	form.BillingAddress.City = "New York"
	got, err := v.Validate(form)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got.BillingAddress == nil || got.BillingAddress.City != "New York" {
		t.Fatalf("expected billing address to be kept, got %+v", got.BillingAddress)
	}
}

func TestFormValidatorIgnoresBillingWhenSameAsShipping(t *testing.T) {
	v := newTestValidator(t)

	form := validForm()
	form.BillingAddress = &domain.Address{}
	got, err := v.Validate(form)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got.BillingAddress != nil {
		t.Fatalf("expected nil billing, got %+v", got.BillingAddress)
	}
}

func TestFormValidatorFormatChecksAreAdvisory(t *testing.T) {
	v := newTestValidator(t)

	form := validForm()
	form.Contact.Email = "not-an-email"
	form.ShippingAddress.Postcode = "ABC"
	form.ShippingAddress.Country = "us"

	got, err := v.Validate(form)
	if err != nil {
		t.Fatalf("advisory checks must not block submission: %v", err)
	}
	if got.Warnings["shippingAddress.postcode"] == "" {
		t.Fatalf("expected postcode warning, got %v", got.Warnings)
	}
	if got.Warnings["contact.email"] == "" {
		t.Fatalf("expected email warning, got %v", got.Warnings)
	}
	if got.ShippingAddress.Country != "US" {
		t.Fatalf("expected normalised country, got %q", got.ShippingAddress.Country)
	}
}

func TestFormValidatorEnforcedLocaleRuleBlocks(t *testing.T) {
	v := newTestValidator(t)

	form := validForm()
	form.ShippingAddress.Country = "CA"
	form.ShippingAddress.Postcode = "12345"

	_, err := v.Validate(form)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Fields["shippingAddress.postcode"] == "" {
		t.Fatalf("expected postcode error, got %v", verr.Fields)
	}

	form.ShippingAddress.Postcode = "k1a 0b1"
	if _, err := v.Validate(form); err != nil {
		t.Fatalf("expected valid Canadian postcode, got %v", err)
	}
}

func TestFormValidatorFallsBackToLocaleRegion(t *testing.T) {
	v := newTestValidator(t)

	form := validForm()
	form.ShippingAddress.Country = "United Kingdom"
	form.ShippingAddress.Postcode = "123"

	got, err := v.Validate(form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Warnings["shippingAddress.postcode"] != "postcode does not look like a UK postcode" {
		t.Fatalf("expected UK postcode warning, got %v", got.Warnings)
	}
}

func TestFormValidatorIsDeterministic(t *testing.T) {
	v := newTestValidator(t)

	forms := []domain.CheckoutForm{validForm(), {}, func() domain.CheckoutForm {
		f := validForm()
		f.BillingSameAsShipping = false
		f.ShippingAddress.Postcode = "nope"
		return f
	}()}

	for i, form := range forms {
		first, firstErr := v.Validate(form)
		second, secondErr := v.Validate(form)
		if !reflect.DeepEqual(first, second) || !reflect.DeepEqual(firstErr, secondErr) {
			t.Fatalf("form %d: results differ: %+v/%v vs %+v/%v", i, first, firstErr, second, secondErr)
		}
	}
}

func TestFormValidatorDoesNotMutateInput(t *testing.T) {
	v := newTestValidator(t)

	form := validForm()
	form.Contact.FirstName = "  Ada  "
	form.BillingSameAsShipping = false
	form.BillingAddress = &domain.Address{Address: " 1 Main St ", City: "Leeds", Postcode: "LS1 1AA", Country: "gb"}

	got, err := v.Validate(form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Contact.FirstName != "Ada" {
		t.Fatalf("expected trimmed name, got %q", got.Contact.FirstName)
	}
	if form.Contact.FirstName != "  Ada  " || form.BillingAddress.Address != " 1 Main St " {
		t.Fatalf("input form was mutated: %+v", form)
	}
}
