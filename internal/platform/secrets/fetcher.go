package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment = "local"
	meterName          = "github.com/hanko-field/storefront/internal/platform/secrets"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references against Google Secret Manager. Values are cached for
// the life of the process. When Secret Manager is unreachable or denies access, values are read
// from a local KEY=VALUE fallback file instead (development only).
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger

	env         string
	defaultProj string
	projectMap  map[string]string

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.RWMutex
	cache map[string]string

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	defaultProj  string
	projectMap   map[string]string
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithEnvironment selects the key used to look up per-environment project IDs.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) { cfg.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject sets the project used when no environment mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.defaultProj = strings.TrimSpace(projectID) }
}

// WithProjectMap supplies environment-specific project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) {
		cfg.projectMap = make(map[string]string, len(m))
		for k, v := range m {
			cfg.projectMap[strings.ToLower(k)] = v
		}
	}
}

// WithFallbackFile sets the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = m }
}

// WithSecretManagerClient injects a preconfigured client.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// WithClientOptions forwards options when constructing the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// NewFetcher builds a Fetcher. A Secret Manager client that cannot be created
// (e.g. no credentials on a laptop) leaves the fetcher in fallback-only mode.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger: zap.NewNop(),
		env:    defaultEnvironment,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		logger:       cfg.logger,
		env:          cfg.env,
		defaultProj:  cfg.defaultProj,
		projectMap:   cfg.projectMap,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]string),
	}

	var err error
	f.latency, err = meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: register latency metric: %w", err)
	}
	f.cacheHits, err = meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: register cache hit metric: %w", err)
	}

	if cfg.client != nil {
		f.client = cfg.client
		return f, nil
	}
	client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
	if err != nil {
		cfg.logger.Warn("secrets: secret manager client unavailable; using fallback file only", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret implements config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the value behind a secret://name[?version=N&project=P] reference.
// Path separators in name map to underscores in the Secret Manager secret ID.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	key := parsed.canonical + "#" + parsed.version

	f.mu.RLock()
	cached, ok := f.cache[key]
	f.mu.RUnlock()
	if ok {
		f.cacheHits.Add(ctx, 1)
		f.record(ctx, start, "cache")
		return cached, nil
	}

	if project := f.projectID(parsed); project != "" && f.client != nil {
		name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, parsed.secret, parsed.version)
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		switch {
		case err == nil && resp.GetPayload() != nil:
			value := string(resp.GetPayload().GetData())
			f.store(key, value)
			f.record(ctx, start, "remote")
			return value, nil
		case err == nil:
			f.record(ctx, start, "error")
			return "", fmt.Errorf("secrets: empty payload for %s", name)
		case !fallbackAllowed(err):
			f.record(ctx, start, "error")
			return "", fmt.Errorf("secrets: fetch %s: %w", parsed.canonical, err)
		}
		f.logger.Debug("secrets: falling back to local file", zap.String("ref", parsed.canonical), zap.Error(err))
	}

	value, ok := f.lookupFallback(parsed)
	if !ok {
		f.record(ctx, start, "error")
		return "", fmt.Errorf("secrets: no value for %s", parsed.canonical)
	}
	f.store(key, value)
	f.record(ctx, start, "fallback")
	return value, nil
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) record(ctx context.Context, start time.Time, source string) {
	f.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

func (f *Fetcher) projectID(ref parsedReference) string {
	if ref.project != "" {
		return ref.project
	}
	if id := strings.TrimSpace(f.projectMap[f.env]); id != "" {
		return id
	}
	return f.defaultProj
}

func (f *Fetcher) lookupFallback(ref parsedReference) (string, bool) {
	f.fallbackOnce.Do(func() {
		f.fallback = map[string]string{}
		if f.fallbackPath == "" {
			return
		}
		file, err := os.Open(f.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				f.logger.Warn("secrets: unable to open fallback file", zap.String("path", f.fallbackPath), zap.Error(err))
			}
			return
		}
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			k = strings.TrimSpace(k)
			if strings.HasPrefix(k, "sm://") {
				k = "secret://" + strings.TrimPrefix(k, "sm://")
			}
			f.fallback[k] = strings.TrimSpace(v)
		}
	})
	value, ok := f.fallback[ref.canonical]
	return value, ok
}

type parsedReference struct {
	canonical string
	secret    string
	version   string
	project   string
}

func parseReference(ref string) (parsedReference, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return parsedReference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return parsedReference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return parsedReference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return parsedReference{
		canonical: "secret://" + name,
		secret:    strings.ReplaceAll(name, "/", "_"),
		version:   version,
		project:   strings.TrimSpace(u.Query().Get("project")),
	}, nil
}

func fallbackAllowed(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
