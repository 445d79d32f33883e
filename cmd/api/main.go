package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/edu-center/api/internal/handlers"
	"github.com/edu-center/api/internal/payments"
	"github.com/edu-center/api/internal/platform/auth"
	"github.com/edu-center/api/internal/platform/config"
	pfirestore "github.com/edu-center/api/internal/platform/firestore"
	"github.com/edu-center/api/internal/platform/idempotency"
	"github.com/edu-center/api/internal/platform/jobs"
	"github.com/edu-center/api/internal/platform/observability"
	"github.com/edu-center/api/internal/platform/secrets"
	platformstorage "github.com/edu-center/api/internal/platform/storage"
	"github.com/edu-center/api/internal/repositories"
	firestoreRepo "github.com/edu-center/api/internal/repositories/firestore"
	"github.com/edu-center/api/internal/services"
)

const outboxBacklogThreshold = 100

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
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
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	storageClient, err := cloudstorage.NewClient(ctx)
	if err != nil {
		logger.Fatal("failed to initialise storage client", zap.Error(err))
	}
	defer func() {
		if err := storageClient.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}()

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	orderEventsTopic := pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
	mailTopic := pubsubClient.Topic(cfg.PubSub.MailTopic)
	defer orderEventsTopic.Stop()
	defer mailTopic.Stop()

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, 5*time.Second)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	outboxRepo, err := firestoreRepo.NewOutboxRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise outbox repository", zap.Error(err))
	}
	receiptRepo, err := firestoreRepo.NewNotificationReceiptRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise notification receipt repository", zap.Error(err))
	}
	cartRepo, err := firestoreRepo.NewCartRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise cart repository", zap.Error(err))
	}
	catalogRepo, err := firestoreRepo.NewCatalogRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise catalog repository", zap.Error(err))
	}
	counterRepo, err := firestoreRepo.NewCounterRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise counter repository", zap.Error(err))
	}
	unitOfWork := pfirestore.NewUnitOfWork(firestoreProvider)

	orderEventPublisher, err := jobs.NewPubSubOrderEventPublisher(orderEventsTopic)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}
	mailPublisher, err := jobs.NewPubSubMailPublisher(mailTopic)
	if err != nil {
		logger.Fatal("failed to initialise mail publisher", zap.Error(err))
	}
	documentWriter, err := platformstorage.NewDocumentWriter(platformstorage.NewGCSWriter(storageClient), cfg.Storage.DocumentsBucket, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise document writer", zap.Error(err))
	}

	counterService, err := services.NewCounterService(services.CounterServiceDeps{Repository: counterRepo})
	if err != nil {
		logger.Fatal("failed to initialise counter service", zap.Error(err))
	}
	cartSnapshots, err := services.NewCartSnapshotProvider(services.CartSnapshotDeps{
		Carts:   cartRepo,
		Catalog: catalogRepo,
		Clock:   time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise cart snapshot provider", zap.Error(err))
	}
	cartReconciler, err := services.NewCartReconciler(cartSnapshots)
	if err != nil {
		logger.Fatal("failed to initialise cart reconciler", zap.Error(err))
	}

	dispatcher, err := services.NewOutboxDispatcher(services.OutboxDispatcherDeps{
		Outbox:    outboxRepo,
		Publisher: orderEventPublisher,
		MinAge:    cfg.Outbox.MinAge,
		Clock:     time.Now,
		Logger:    serviceLogger(logger.Named("outbox")),
	})
	if err != nil {
		logger.Fatal("failed to initialise outbox dispatcher", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     orderRepo,
		Outbox:     outboxRepo,
		Carts:      cartRepo,
		Reconciler: cartReconciler,
		Counters:   counterService,
		UnitOfWork: unitOfWork,
		Dispatcher: dispatcher,
		Clock:      time.Now,
		Logger:     serviceLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	httpClient := payments.NewHTTPClient(cfg.Payments.HTTPTimeout)
	acquiringClient, err := payments.NewAcquiringClient(payments.AcquiringConfig{
		BaseURL:     cfg.Payments.Acquiring.BaseURL,
		TerminalKey: cfg.Payments.Acquiring.TerminalKey,
		Password:    cfg.Payments.Acquiring.Password,
		HTTPClient:  httpClient,
		Timeout:     cfg.Payments.HTTPTimeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise acquiring client", zap.Error(err))
	}
	var businessClient *payments.BusinessClient
	if strings.TrimSpace(cfg.Payments.Business.BaseURL) != "" {
		businessClient, err = payments.NewBusinessClient(payments.BusinessConfig{
			BaseURL:    cfg.Payments.Business.BaseURL,
			Token:      cfg.Payments.Business.Token,
			HTTPClient: httpClient,
			Timeout:    cfg.Payments.HTTPTimeout,
		})
		if err != nil {
			logger.Fatal("failed to initialise business payments client", zap.Error(err))
		}
	} else {
		logger.Warn("payments: business API not configured; QR links and invoices are disabled")
	}

	paymentsLogger := serviceLogger(logger.Named("payments"))
	paymentDeps := services.PaymentServiceDeps{
		Orders:     orderRepo,
		UnitOfWork: unitOfWork,
		Acquiring:  acquiringClient,
		Settings: services.PaymentSettings{
			SuccessURL:       cfg.Payments.Acquiring.SuccessURL,
			FailURL:          cfg.Payments.Acquiring.FailURL,
			NotificationURL:  cfg.Payments.Acquiring.NotificationURL,
			ReceiptTax:       cfg.Payments.ReceiptTax,
			Taxation:         cfg.Payments.Taxation,
			VAT:              cfg.Payments.VAT,
			AccountNumber:    cfg.Payments.Business.AccountNumber,
			QRTTLMinutes:     cfg.Payments.QRTTLMinutes,
			QRRedirectURL:    cfg.Payments.Business.QRRedirectURL,
			InvoiceDueDays:   cfg.Payments.InvoiceDueDays,
			MaxOrderIDLength: cfg.Payments.MaxOrderIDLength,
		},
		Clock:  time.Now,
		Logger: paymentsLogger,
	}
	reconcilerDeps := services.PaymentReconcilerDeps{
		Orders:             orderRepo,
		Outbox:             outboxRepo,
		UnitOfWork:         unitOfWork,
		Dispatcher:         dispatcher,
		Acquiring:          acquiringClient,
		NotificationSecret: cfg.Payments.Acquiring.Password,
		Meter:              otel.Meter("github.com/edu-center/api/internal/services"),
		Clock:              time.Now,
		Logger:             paymentsLogger,
	}
	// Interface fields stay nil unless the business API is configured.
	if businessClient != nil {
		paymentDeps.QR = businessClient
		paymentDeps.Invoices = businessClient
		reconcilerDeps.QR = businessClient
		reconcilerDeps.Invoices = businessClient
	}
	paymentService, err := services.NewPaymentService(paymentDeps)
	if err != nil {
		logger.Fatal("failed to initialise payment service", zap.Error(err))
	}
	paymentReconciler, err := services.NewPaymentReconciler(reconcilerDeps)
	if err != nil {
		logger.Fatal("failed to initialise payment reconciler", zap.Error(err))
	}

	notificationService, err := services.NewNotificationService(services.NotificationServiceDeps{
		Orders:    orderRepo,
		Receipts:  receiptRepo,
		Documents: documentWriter,
		Mail:      mailPublisher,
		Clock:     time.Now,
		Logger:    serviceLogger(logger.Named("notifications")),
	})
	if err != nil {
		logger.Fatal("failed to initialise notification service", zap.Error(err))
	}

	systemService, err := newSystemService(firestoreProvider, fetcher, redisClient, orderEventsTopic, outboxRepo, buildInfo)
	if err != nil {
		logger.Fatal("failed to initialise system service", zap.Error(err))
	}

	var idempotencyStore idempotency.Store
	if redisClient != nil {
		idempotencyStore = idempotency.NewRedisStore(redisClient, idempotency.WithKeyPrefix("edu-center:idem:"))
	} else {
		logger.Warn("idempotency: redis not configured; keys are kept in process memory")
		idempotencyStore = idempotency.NewMemoryStore()
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)

	backgroundCtx, backgroundCancel := context.WithCancel(observability.WithLogger(context.Background(), logger))
	var backgroundWG sync.WaitGroup

	runEvery(backgroundCtx, &backgroundWG, cfg.Idempotency.CleanupInterval, func(runCtx context.Context) {
		removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
		cleanupLogger := logger.Named("idempotency")
		if err != nil {
			cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
			return
		}
		if removed > 0 {
			cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
		}
	})
	runEvery(backgroundCtx, &backgroundWG, cfg.Outbox.SweepInterval, func(runCtx context.Context) {
		sent, err := dispatcher.DispatchPending(runCtx, cfg.Outbox.BatchSize)
		sweepLogger := logger.Named("outbox")
		if err != nil {
			sweepLogger.Error("outbox sweep error", zap.Error(err), zap.Int("dispatched", sent))
			return
		}
		if sent > 0 {
			sweepLogger.Info("outbox sweep dispatched pending events", zap.Int("count", sent))
		}
	})

	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService,
		handlers.WithOrderPayments(paymentService),
		handlers.WithOrderReconciler(paymentReconciler),
		handlers.WithOrderIdempotency(idempotencyMiddleware),
		handlers.WithOrderMiddlewares(handlers.RateLimitPerMinute(cfg.RateLimits.AuthenticatedPerMinute, handlers.IdentityKey)),
	)
	webhookHandlers := handlers.NewWebhookHandlers(paymentReconciler)
	eventHandlers := handlers.NewEventHandlers(notificationService)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(systemService),
		handlers.WithHealthBuildInfo(buildInfo),
	)

	projectID := traceProjectID(cfg)
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger),
			observability.RequestLoggerMiddleware(projectID),
			handlers.RateLimitPerMinute(cfg.RateLimits.DefaultPerMinute, handlers.ClientIPKey),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(handlers.RateLimitPerMinute(cfg.RateLimits.WebhookBurst, handlers.ClientIPKey)),
		handlers.WithInternalRoutes(eventHandlers.Routes),
	}
	if pushMiddleware := buildPushMiddleware(logger, cfg); pushMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(pushMiddleware))
	} else {
		logger.Warn("auth: push token verification disabled; internal routes are unauthenticated")
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("edu-center api listening", zap.String("version", buildInfo.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	backgroundCancel()
	backgroundWG.Wait()
}

// runEvery calls fn on every tick until ctx is cancelled. Each run gets at most one minute.
func runEvery(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, time.Minute)
				fn(runCtx)
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// serviceLogger adapts zap to the event logger signature the services accept.
func serviceLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(ctx context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			zFields = append(zFields, zap.Any(k, fields[k]))
		}
		if _, failed := fields["error"]; failed {
			logger.Warn(event, zFields...)
			return
		}
		logger.Info(event, zFields...)
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	return services.BuildInfo{
		Version:     cmp.Or(strings.TrimSpace(env["API_BUILD_VERSION"]), "dev"),
		CommitSHA:   cmp.Or(strings.TrimSpace(env["API_BUILD_COMMIT_SHA"]), "unknown"),
		Environment: cmp.Or(cfg.Security.Environment, "local"),
		StartedAt:   started,
	}
}

func newSystemService(
	store *pfirestore.Provider,
	fetcher *secrets.Fetcher,
	redisClient *redis.Client,
	topic *pubsub.Topic,
	outbox repositories.OutboxRepository,
	build services.BuildInfo,
) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 4)
	if store != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   store.Ping,
		})
	}
	if topic != nil {
		t := topic
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				ok, err := t.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", t.ID())
				}
				return nil
			},
		})
	}
	if redisClient != nil {
		rc := redisClient
		checks = append(checks, repositories.DependencyCheck{
			Name:     "redis",
			Optional: true,
			Timeout:  500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				return rc.Ping(ctx).Err()
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:     "secretManager",
			Optional: true,
			Timeout:  time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Outbox:           outbox,
		BacklogThreshold: outboxBacklogThreshold,
		Clock:            time.Now,
		Build:            build,
	})
}

// buildPushMiddleware verifies the Google-signed tokens Pub/Sub attaches to push deliveries.
func buildPushMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := observability.NewPrintfAdapter(logger.Named("push-auth"))
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequirePushToken(auth.PushConfig{
		Audience:        audience,
		Issuers:         cfg.Security.OIDC.Issuers,
		ServiceAccounts: cfg.Security.OIDC.ServiceAccounts,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projects := secretProjectMapFromEnv(env); len(projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(projects))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPinsFromEnv(env); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the config fields that must resolve before the server starts. The
// business token is only required when the business API is enabled.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"Payments.Acquiring.Password"}
	if strings.TrimSpace(env["API_PAYMENTS_BUSINESS_BASE_URL"]) != "" {
		required = append(required, "Payments.Business.Token")
	}
	if strings.TrimSpace(env["API_REDIS_PASSWORD"]) != "" {
		required = append(required, "Redis.Password")
	}
	return required
}

// secretProjectMapFromEnv parses API_SECRET_PROJECT_IDS ("prod=project-a,stg=project-b").
func secretProjectMapFromEnv(env map[string]string) map[string]string {
	projects := make(map[string]string)
	for _, pair := range splitPairs(env["API_SECRET_PROJECT_IDS"]) {
		projects[strings.ToLower(pair[0])] = pair[1]
	}
	return projects
}

// secretVersionPinsFromEnv parses API_SECRET_VERSION_PINS. Keys may carry an environment prefix
// ("prod:payments/acquiring-password=3") and either the sm:// or secret:// scheme.
func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	pins := make(map[string]string)
	for _, pair := range splitPairs(env["API_SECRET_VERSION_PINS"]) {
		ref, version := pair[0], pair[1]
		prefix := ""
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		switch {
		case strings.HasPrefix(ref, "sm://"):
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		case !strings.HasPrefix(ref, "secret://"):
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

// splitPairs parses "k=v,k2=v2" and drops entries with an empty side.
func splitPairs(raw string) [][2]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out [][2]string
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		out = append(out, [2]string{key, value})
	}
	return out
}
