package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile            = ".env"
	defaultPort               = "8080"
	defaultReadTimeout        = 15 * time.Second
	defaultWriteTimeout       = 90 * time.Second
	defaultRequestTimeout     = 80 * time.Second
	defaultIdleTimeout        = 120 * time.Second
	defaultAPITimeout         = 30 * time.Second
	defaultProfileTimeout     = 5 * time.Second
	defaultCurrency           = "GBP"
	defaultTaxRate            = "0.20"
	defaultFlatShipping       = "0"
	defaultLocale             = "en-GB"
	defaultConfirmationPath   = "/order-confirmation"
	defaultSupportEmail       = "support@example.com"
	defaultStepTimeout        = 30 * time.Second
	defaultLookupTimeout      = 10 * time.Second
	paymentResponseHeadroom   = 5 * time.Second
	defaultSessionTTL         = 30 * time.Minute
	defaultSessionCleanup     = time.Minute
	defaultCartKeyPrefix      = "cart:"
	defaultReconCollection    = "checkoutReconciliations"
	defaultReconTopic         = "checkout-reconciliation"
	defaultIdempotencyHeader  = "Idempotency-Key"
	defaultIdempotencyTTL     = 24 * time.Hour
	defaultBreakerFailures    = 5
	defaultBreakerOpenTimeout = 30 * time.Second
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server         ServerConfig
	API            APIConfig
	Stripe         StripeConfig
	Checkout       CheckoutConfig
	Redis          RedisConfig
	GCP            GCPConfig
	Reconciliation ReconciliationConfig
	Idempotency    IdempotencyConfig
}

// PaymentBudget is the longest a payment submission can block: the confirm call, the status
// lookup after an ambiguous confirm, and the order POST.
func (c Config) PaymentBudget() time.Duration {
	return c.Checkout.StepTimeout + c.Checkout.LookupTimeout + c.API.Timeout
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// RequestTimeout bounds a single handler. It must cover a full payment submission and stay
	// below WriteTimeout so the outcome reaches the browser.
	RequestTimeout time.Duration
}

// APIConfig points at the storefront REST API that owns orders and profiles.
type APIConfig struct {
	BaseURL               string
	Timeout               time.Duration
	ProfileTimeout        time.Duration
	BreakerMaxFailures    int
	BreakerOpenTimeout    time.Duration
	AllowInsecureUpstream bool
}

// StripeConfig stores payment gateway credentials.
type StripeConfig struct {
	SecretKey      string
	PublishableKey string
	AccountID      string
	ReturnURL      string
}

// CheckoutConfig controls pricing and checkout flow behaviour.
type CheckoutConfig struct {
	Currency         string
	TaxRate          decimal.Decimal
	FlatShipping     decimal.Decimal
	Locale           string
	SupportEmail     string
	ConfirmationPath string
	StepTimeout      time.Duration
	LookupTimeout    time.Duration
	SessionTTL       time.Duration
	CleanupInterval  time.Duration
}

// RedisConfig locates the cart store. An empty Addr selects the in-memory cart.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// GCPConfig stores Google Cloud project settings.
type GCPConfig struct {
	ProjectID             string
	FirestoreEmulatorHost string
	PubSubEmulatorHost    string
	SecretProjectIDs      map[string]string
	SecretFallbackFile    string
	Environment           string
}

// ReconciliationConfig selects where OrderFailed cases are recorded.
type ReconciliationConfig struct {
	Enabled    bool
	Collection string
	Topic      string
}

// IdempotencyConfig controls order submission key handling.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to empty values.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the config field names of the missing secrets.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns hashed identifiers safe to print in logs.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values. They take precedence over the system environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secret-bearing fields (e.g. "Stripe.SecretKey") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// EnvironmentValues returns the merged environment (dotenv < OS env < explicit map) so callers
// can build dependencies such as the secret fetcher before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	dotenv, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(dotenv))
	for k, v := range dotenv {
		values[k] = v
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	for k, v := range options.envMap {
		values[k] = v
	}
	return values, nil
}

// Load assembles the storefront configuration from defaults, .env overrides,
// environment variables, and Secret Manager references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	env := source(values)
	var invalid []string

	cfg := Config{
		Server: ServerConfig{
			Port:           env.str("STOREFRONT_SERVER_PORT", defaultPort),
			ReadTimeout:    env.duration("STOREFRONT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   env.duration("STOREFRONT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    env.duration("STOREFRONT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: env.duration("STOREFRONT_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
		},
		API: APIConfig{
			BaseURL:               strings.TrimRight(env.str("STOREFRONT_API_BASE_URL", ""), "/"),
			Timeout:               env.duration("STOREFRONT_API_TIMEOUT", defaultAPITimeout),
			ProfileTimeout:        env.duration("STOREFRONT_API_PROFILE_TIMEOUT", defaultProfileTimeout),
			BreakerMaxFailures:    env.integer("STOREFRONT_API_BREAKER_MAX_FAILURES", defaultBreakerFailures),
			BreakerOpenTimeout:    env.duration("STOREFRONT_API_BREAKER_OPEN_TIMEOUT", defaultBreakerOpenTimeout),
			AllowInsecureUpstream: env.boolean("STOREFRONT_API_ALLOW_INSECURE", false),
		},
		Stripe: StripeConfig{
			SecretKey:      env.str("STOREFRONT_STRIPE_SECRET_KEY", ""),
			PublishableKey: env.str("STOREFRONT_STRIPE_PUBLISHABLE_KEY", ""),
			AccountID:      env.str("STOREFRONT_STRIPE_ACCOUNT_ID", ""),
			ReturnURL:      env.str("STOREFRONT_STRIPE_RETURN_URL", ""),
		},
		Checkout: CheckoutConfig{
			Currency:         strings.ToUpper(env.str("STOREFRONT_CHECKOUT_CURRENCY", defaultCurrency)),
			TaxRate:          env.decimal("STOREFRONT_CHECKOUT_TAX_RATE", defaultTaxRate, "Checkout.TaxRate", &invalid),
			FlatShipping:     env.decimal("STOREFRONT_CHECKOUT_FLAT_SHIPPING", defaultFlatShipping, "Checkout.FlatShipping", &invalid),
			Locale:           env.str("STOREFRONT_CHECKOUT_LOCALE", defaultLocale),
			SupportEmail:     env.str("STOREFRONT_CHECKOUT_SUPPORT_EMAIL", defaultSupportEmail),
			ConfirmationPath: env.str("STOREFRONT_CHECKOUT_CONFIRMATION_PATH", defaultConfirmationPath),
			StepTimeout:      env.duration("STOREFRONT_CHECKOUT_STEP_TIMEOUT", defaultStepTimeout),
			LookupTimeout:    env.duration("STOREFRONT_CHECKOUT_LOOKUP_TIMEOUT", defaultLookupTimeout),
			SessionTTL:       env.duration("STOREFRONT_CHECKOUT_SESSION_TTL", defaultSessionTTL),
			CleanupInterval:  env.duration("STOREFRONT_CHECKOUT_CLEANUP_INTERVAL", defaultSessionCleanup),
		},
		Redis: RedisConfig{
			Addr:      env.str("STOREFRONT_REDIS_ADDR", ""),
			Password:  env.str("STOREFRONT_REDIS_PASSWORD", ""),
			DB:        env.integer("STOREFRONT_REDIS_DB", 0),
			KeyPrefix: env.str("STOREFRONT_REDIS_CART_PREFIX", defaultCartKeyPrefix),
		},
		GCP: GCPConfig{
			ProjectID:             env.str("STOREFRONT_GCP_PROJECT_ID", ""),
			FirestoreEmulatorHost: env.str("FIRESTORE_EMULATOR_HOST", ""),
			PubSubEmulatorHost:    env.str("PUBSUB_EMULATOR_HOST", ""),
			SecretProjectIDs:      env.mapping("STOREFRONT_SECRET_PROJECT_IDS"),
			SecretFallbackFile:    env.str("STOREFRONT_SECRET_FALLBACK_FILE", ""),
			Environment:           strings.ToLower(env.str("STOREFRONT_ENVIRONMENT", "local")),
		},
		Reconciliation: ReconciliationConfig{
			Enabled:    env.boolean("STOREFRONT_RECONCILIATION_ENABLED", true),
			Collection: env.str("STOREFRONT_RECONCILIATION_COLLECTION", defaultReconCollection),
			Topic:      env.str("STOREFRONT_RECONCILIATION_TOPIC", defaultReconTopic),
		},
		Idempotency: IdempotencyConfig{
			Header: env.str("STOREFRONT_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    env.duration("STOREFRONT_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
	}

	if options.secret == nil {
		options.secret = SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", errSecretResolverNotConfigured
		})
	}
	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Stripe.SecretKey", &cfg.Stripe.SecretKey},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := "secret://" + strings.TrimPrefix(strings.TrimPrefix(trimmed, "secret://"), "sm://")
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if u, err := url.Parse(cfg.API.BaseURL); cfg.API.BaseURL == "" || err != nil || u.Host == "" {
		missing = append(missing, "API.BaseURL")
	} else if u.Scheme != "https" && !cfg.API.AllowInsecureUpstream {
		missing = append(missing, "API.BaseURL")
	}
	if cfg.API.Timeout <= 0 {
		missing = append(missing, "API.Timeout")
	}
	if len(cfg.Checkout.Currency) != 3 {
		missing = append(missing, "Checkout.Currency")
	}
	if cfg.Checkout.TaxRate.IsNegative() || cfg.Checkout.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		missing = append(missing, "Checkout.TaxRate")
	}
	if cfg.Checkout.FlatShipping.IsNegative() {
		missing = append(missing, "Checkout.FlatShipping")
	}
	if cfg.Checkout.StepTimeout <= 0 {
		missing = append(missing, "Checkout.StepTimeout")
	}
	if cfg.Checkout.LookupTimeout <= 0 {
		missing = append(missing, "Checkout.LookupTimeout")
	}
	if cfg.Server.RequestTimeout < cfg.PaymentBudget()+paymentResponseHeadroom {
		missing = append(missing, "Server.RequestTimeout")
	}
	if cfg.Server.WriteTimeout <= cfg.Server.RequestTimeout {
		missing = append(missing, "Server.WriteTimeout")
	}
	if cfg.Checkout.SessionTTL <= 0 {
		missing = append(missing, "Checkout.SessionTTL")
	}
	if !strings.HasPrefix(cfg.Checkout.ConfirmationPath, "/") {
		missing = append(missing, "Checkout.ConfirmationPath")
	}
	if cfg.Reconciliation.Enabled && cfg.GCP.ProjectID == "" {
		missing = append(missing, "GCP.ProjectID")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{})
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

// source reads typed values with defaults from the merged environment.
type source map[string]string

func (s source) str(key, fallback string) string {
	if value := strings.TrimSpace(s[key]); value != "" {
		return value
	}
	return fallback
}

func (s source) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(s[key])); err == nil {
		return d
	}
	return fallback
}

func (s source) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(s[key])); err == nil {
		return n
	}
	return fallback
}

func (s source) boolean(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(s[key])) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

// decimal records field in invalid when a value is present but unparsable.
func (s source) decimal(key, fallback, field string, invalid *[]string) decimal.Decimal {
	raw := s.str(key, fallback)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		*invalid = append(*invalid, field)
		return decimal.RequireFromString(fallback)
	}
	return d
}

func (s source) mapping(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(s[key], ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}
