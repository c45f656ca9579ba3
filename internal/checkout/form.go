package checkout

import (
	_ "embed"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/hanko-field/storefront/internal/domain"
)

//go:embed locale_rules.yaml
var localeRulesYAML []byte

var fieldLabels = map[string]string{
	"firstName": "first name",
	"lastName":  "last name",
	"email":     "email address",
	"phone":     "phone number",
	"address":   "street address",
	"city":      "town or city",
	"postcode":  "postcode",
	"country":   "country",
}

type contactInput struct {
	FirstName string `json:"firstName" validate:"notblank"`
	LastName  string `json:"lastName" validate:"notblank"`
	Email     string `json:"email" validate:"notblank"`
	Phone     string `json:"phone" validate:"notblank"`
}

type addressInput struct {
	Address  string `json:"address" validate:"notblank"`
	City     string `json:"city" validate:"notblank"`
	Postcode string `json:"postcode" validate:"notblank"`
	Country  string `json:"country" validate:"notblank"`
}

type shippingInput struct {
	Contact         contactInput `json:"contact"`
	ShippingAddress addressInput `json:"shippingAddress"`
}

type billingInput struct {
	BillingAddress addressInput `json:"billingAddress"`
}

type formatRule struct {
	Pattern string `yaml:"pattern"`
	Message string `yaml:"message"`
	Enforce bool   `yaml:"enforce"`
	re      *regexp.Regexp
}

type regionRules struct {
	Postcode *formatRule `yaml:"postcode"`
	Phone    *formatRule `yaml:"phone"`
}

type localeRules struct {
	Default regionRules            `yaml:"default"`
	Regions map[string]regionRules `yaml:"regions"`
}

// FormValidator validates checkout forms. It is safe for concurrent use and holds no form state.
type FormValidator struct {
	validate      *validator.Validate
	rules         localeRules
	defaultRegion string
}

// NewFormValidator builds a validator whose advisory format rules fall back to the region of locale
// (e.g. "en-GB") when the shipping country is not an ISO region code.
func NewFormValidator(locale string) (*FormValidator, error) {
	v := validator.New()
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		return nil, fmt.Errorf("checkout: register notblank: %w", err)
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	var rules localeRules
	if err := yaml.Unmarshal(localeRulesYAML, &rules); err != nil {
		return nil, fmt.Errorf("checkout: parse locale rules: %w", err)
	}
	if err := compileRules(&rules.Default); err != nil {
		return nil, err
	}
	for code, r := range rules.Regions {
		if err := compileRules(&r); err != nil {
			return nil, fmt.Errorf("checkout: region %s: %w", code, err)
		}
		rules.Regions[code] = r
	}

	region := ""
	if tag, err := language.Parse(strings.TrimSpace(locale)); err == nil {
		if r, conf := tag.Region(); conf != language.No {
			region = r.String()
		}
	}

	return &FormValidator{validate: v, rules: rules, defaultRegion: region}, nil
}

func compileRules(r *regionRules) error {
	for _, rule := range []*formatRule{r.Postcode, r.Phone} {
		if rule == nil {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("checkout: compile %q: %w", rule.Pattern, err)
		}
		rule.re = re
	}
	return nil
}

// Validate checks that every required field is non-blank after trimming. Billing fields are
// required only when billing differs from shipping. Format checks produce warnings unless the
// region's rule is enforced. The result depends only on the input form.
func (v *FormValidator) Validate(form domain.CheckoutForm) (domain.ValidatedForm, error) {
	form = trimForm(form)
	fieldErrors := domain.FieldErrors{}

	v.collect(shippingInput{
		Contact:         contactInput(form.Contact),
		ShippingAddress: addressInput(form.ShippingAddress),
	}, fieldErrors)

	var billing *domain.Address
	if !form.BillingSameAsShipping {
		if form.BillingAddress == nil {
			fieldErrors["billingAddress"] = "billing address is required"
		} else {
			v.collect(billingInput{BillingAddress: addressInput(*form.BillingAddress)}, fieldErrors)
			copied := *form.BillingAddress
			billing = &copied
		}
	}

	warnings := map[string]string{}
	v.checkFormats(form, fieldErrors, warnings)

	if len(fieldErrors) > 0 {
		return domain.ValidatedForm{}, &domain.ValidationError{Fields: fieldErrors}
	}
	if len(warnings) == 0 {
		warnings = nil
	}
	return domain.ValidatedForm{
		Contact:         form.Contact,
		ShippingAddress: form.ShippingAddress,
		BillingAddress:  billing,
		Warnings:        warnings,
	}, nil
}

func (v *FormValidator) collect(input any, out domain.FieldErrors) {
	err := v.validate.Struct(input)
	if err == nil {
		return
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out["form"] = "form could not be validated"
		return
	}
	for _, fe := range verrs {
		// Namespace is "<rootType>.<section>.<field>"; drop the root type.
		_, key, _ := strings.Cut(fe.Namespace(), ".")
		label := fieldLabels[fe.Field()]
		if label == "" {
			label = fe.Field()
		}
		out[key] = label + " is required"
	}
}

func (v *FormValidator) checkFormats(form domain.CheckoutForm, errs domain.FieldErrors, warnings map[string]string) {
	if email := form.Contact.Email; email != "" {
		if err := v.validate.Var(email, "email"); err != nil {
			warnings["contact.email"] = "email address looks invalid"
		}
	}

	rules := v.rulesFor(form.ShippingAddress.Country)
	apply := func(key, value string, rule *formatRule) {
		if rule == nil || rule.re == nil || value == "" {
			return
		}
		if _, blocked := errs[key]; blocked || rule.re.MatchString(value) {
			return
		}
		if rule.Enforce {
			errs[key] = rule.Message
			return
		}
		warnings[key] = rule.Message
	}
	apply("shippingAddress.postcode", form.ShippingAddress.Postcode, rules.Postcode)
	apply("contact.phone", form.Contact.Phone, rules.Phone)
}

func (v *FormValidator) rulesFor(country string) regionRules {
	region := v.defaultRegion
	if r, err := language.ParseRegion(strings.TrimSpace(country)); err == nil && r.IsCountry() {
		region = r.String()
	}
	merged := v.rules.Default
	if specific, ok := v.rules.Regions[region]; ok {
		if specific.Postcode != nil {
			merged.Postcode = specific.Postcode
		}
		if specific.Phone != nil {
			merged.Phone = specific.Phone
		}
	}
	return merged
}

func trimForm(form domain.CheckoutForm) domain.CheckoutForm {
	out := form.Clone()
	out.Contact = domain.Contact{
		FirstName: strings.TrimSpace(form.Contact.FirstName),
		LastName:  strings.TrimSpace(form.Contact.LastName),
		Email:     strings.TrimSpace(form.Contact.Email),
		Phone:     strings.TrimSpace(form.Contact.Phone),
	}
	out.ShippingAddress = trimAddress(form.ShippingAddress)
	if out.BillingAddress != nil {
		trimmed := trimAddress(*out.BillingAddress)
		out.BillingAddress = &trimmed
	}
	return out
}

func trimAddress(a domain.Address) domain.Address {
	return domain.Address{
		Address:  strings.TrimSpace(a.Address),
		City:     strings.TrimSpace(a.City),
		Postcode: strings.TrimSpace(a.Postcode),
		Country:  strings.ToUpper(strings.TrimSpace(a.Country)),
	}
}
