package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/storefront/internal/cart"
	"github.com/hanko-field/storefront/internal/checkout"
	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/handlers"
	"github.com/hanko-field/storefront/internal/orders"
	"github.com/hanko-field/storefront/internal/payments"
	"github.com/hanko-field/storefront/internal/platform/config"
	"github.com/hanko-field/storefront/internal/platform/idempotency"
	"github.com/hanko-field/storefront/internal/platform/observability"
	"github.com/hanko-field/storefront/internal/platform/secrets"
	"github.com/hanko-field/storefront/internal/profile"
	"github.com/hanko-field/storefront/internal/reconciliation"
	"github.com/hanko-field/storefront/internal/session"
)

const (
	meterName           = "github.com/hanko-field/storefront"
	ledgerCleanupPeriod = 10 * time.Minute
	ledgerCleanupBatch  = 500
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("storefront")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets("Stripe.SecretKey"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup

	var healthOpts []handlers.HealthOption
	var carts checkout.CartStore
	var ledger idempotency.Store

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		redisCarts, err := cart.NewRedisStore(redisClient, cfg.Redis.KeyPrefix, 0)
		if err != nil {
			logger.Fatal("failed to initialise cart store", zap.Error(err))
		}
		redisLedger, err := idempotency.NewRedisStore(redisClient, "")
		if err != nil {
			logger.Fatal("failed to initialise idempotency ledger", zap.Error(err))
		}
		carts, ledger = redisCarts, redisLedger
		healthOpts = append(healthOpts, handlers.WithReadinessCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	} else {
		logger.Warn("redis not configured; carts and the order ledger are held in memory")
		memoryLedger := idempotency.NewMemoryStore()
		carts, ledger = cart.NewMemoryStore(), memoryLedger
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			ticker := time.NewTicker(ledgerCleanupPeriod)
			defer ticker.Stop()
			ledgerLogger := logger.Named("idempotency")
			for {
				select {
				case <-ticker.C:
					if removed := memoryLedger.CleanupExpired(cleanupCtx, time.Now().UTC(), ledgerCleanupBatch); removed > 0 {
						ledgerLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	var sinks []reconciliation.Sink
	if cfg.Reconciliation.Enabled {
		firestoreClient, err := firestore.NewClient(ctx, cfg.GCP.ProjectID, emulatorOptions(cfg.GCP.FirestoreEmulatorHost)...)
		if err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
		defer func() {
			if err := firestoreClient.Close(); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
		recorder, err := reconciliation.NewFirestoreRecorder(firestoreClient, cfg.Reconciliation.Collection, time.Now)
		if err != nil {
			logger.Fatal("failed to initialise reconciliation recorder", zap.Error(err))
		}
		sinks = append(sinks, recorder)

		if topicID := strings.TrimSpace(cfg.Reconciliation.Topic); topicID != "" {
			pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP.ProjectID, emulatorOptions(cfg.GCP.PubSubEmulatorHost)...)
			if err != nil {
				logger.Fatal("failed to initialise pubsub client", zap.Error(err))
			}
			defer func() {
				if err := pubsubClient.Close(); err != nil {
					logger.Warn("pubsub close error", zap.Error(err))
				}
			}()
			topic := pubsubClient.Topic(topicID)
			defer topic.Stop()
			publisher, err := reconciliation.NewPubSubPublisher(topic)
			if err != nil {
				logger.Fatal("failed to initialise reconciliation publisher", zap.Error(err))
			}
			sinks = append(sinks, publisher)
		}
	} else {
		logger.Warn("reconciliation sinks disabled; unmatched payments are only logged")
	}
	reconciler := reconciliation.NewFanout(observability.NewEventLogger(logger.Named("reconciliation")), sinks...)

	gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey:    cfg.Stripe.SecretKey,
		AccountID: cfg.Stripe.AccountID,
		Logger:    observability.NewEventLogger(logger.Named("stripe")),
		Clock:     time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe gateway", zap.Error(err))
	}
	paymentsLogger := observability.NewEventLogger(logger.Named("payments"))
	intentClient, err := payments.NewIntentClient(payments.IntentClientConfig{
		Gateway: gateway,
		Timeout: cfg.Checkout.StepTimeout,
		Clock:   time.Now,
		Logger:  paymentsLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise intent client", zap.Error(err))
	}
	confirmation, err := payments.NewConfirmation(payments.ConfirmationConfig{
		Gateway:       gateway,
		Timeout:       cfg.Checkout.StepTimeout,
		LookupTimeout: cfg.Checkout.LookupTimeout,
		ReturnURL:     cfg.Stripe.ReturnURL,
		Clock:         time.Now,
		Logger:        paymentsLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment confirmation", zap.Error(err))
	}

	orderClient, err := orders.NewClient(orders.Config{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.API.Timeout,
		Header:    cfg.Idempotency.Header,
		Ledger:    ledger,
		LedgerTTL: cfg.Idempotency.TTL,
		Clock:     time.Now,
		Logger:    observability.NewEventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order client", zap.Error(err))
	}
	profileClient, err := profile.NewClient(profile.Config{
		BaseURL:     cfg.API.BaseURL,
		Timeout:     cfg.API.ProfileTimeout,
		MaxFailures: cfg.API.BreakerMaxFailures,
		OpenTimeout: cfg.API.BreakerOpenTimeout,
		Logger:      observability.NewEventLogger(logger.Named("profile")),
	})
	if err != nil {
		logger.Fatal("failed to initialise profile client", zap.Error(err))
	}

	validator, err := checkout.NewFormValidator(cfg.Checkout.Locale)
	if err != nil {
		logger.Fatal("failed to initialise form validator", zap.Error(err))
	}
	pricer, err := checkout.NewPricer(cfg.Checkout.Currency, cfg.Checkout.TaxRate, checkout.FlatShipping(cfg.Checkout.FlatShipping))
	if err != nil {
		logger.Fatal("failed to initialise pricer", zap.Error(err))
	}

	checkoutLogger := observability.NewEventLogger(logger.Named("checkout"))
	meter := otel.GetMeterProvider().Meter(meterName)
	registry, err := session.NewRegistry(session.Config{
		Factory: func(id string, user domain.UserSession) (*checkout.Orchestrator, error) {
			return checkout.NewOrchestrator(checkout.Deps{
				SessionID:        id,
				Cart:             carts,
				Session:          checkout.StaticSession(user),
				Prefiller:        profileClient,
				Intents:          intentClient,
				Confirmer:        confirmation,
				Orders:           orderClient,
				Reconciler:       reconciler,
				Validator:        validator,
				Pricer:           pricer,
				Clock:            time.Now,
				Logger:           checkoutLogger,
				StepTimeout:      cfg.Checkout.StepTimeout,
				OrderTimeout:     cfg.API.Timeout,
				SupportEmail:     cfg.Checkout.SupportEmail,
				ConfirmationPath: cfg.Checkout.ConfirmationPath,
				Meter:            meter,
			})
		},
		TTL:    cfg.Checkout.SessionTTL,
		Clock:  time.Now,
		Logger: observability.NewEventLogger(logger.Named("session")),
	})
	if err != nil {
		logger.Fatal("failed to initialise session registry", zap.Error(err))
	}
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		registry.Run(cleanupCtx, cfg.Checkout.CleanupInterval)
	}()

	checkoutHandlers := handlers.NewCheckoutHandlers(registry, cfg.Stripe.PublishableKey)
	healthHandlers := handlers.NewHealthHandlers(healthOpts...)

	httpLogger := logger.Named("http")
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(cfg.GCP.ProjectID),
			observability.RecoveryMiddleware(httpLogger),
			handlers.ShopperMiddleware(),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("storefront listening",
			zap.String("addr", server.Addr),
			zap.String("environment", cfg.GCP.Environment),
			zap.Bool("redis", cfg.Redis.Addr != ""),
			zap.Int("reconciliationSinks", len(sinks)),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("storefront stopped")
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("STOREFRONT_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	fallbackPath := lookup("STOREFRONT_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := secretProjectMapFromEnv(lookup("STOREFRONT_SECRET_PROJECT_IDS")); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if projectID := lookup("STOREFRONT_GCP_PROJECT_ID"); projectID != "" {
		opts = append(opts, secrets.WithDefaultProject(projectID))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// secretProjectMapFromEnv parses "env=project" pairs separated by commas.
func secretProjectMapFromEnv(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		env, project, ok := strings.Cut(pair, "=")
		env = strings.ToLower(strings.TrimSpace(env))
		project = strings.TrimSpace(project)
		if !ok || env == "" || project == "" {
			continue
		}
		out[env] = project
	}
	return out
}

func emulatorOptions(host string) []option.ClientOption {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil
	}
	return []option.ClientOption{
		option.WithEndpoint(host),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
}
