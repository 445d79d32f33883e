package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile               = ".env"
	defaultPort                  = "8080"
	defaultReadTimeout           = 15 * time.Second
	defaultWriteTimeout          = 30 * time.Second
	defaultIdleTimeout           = 120 * time.Second
	defaultOrderEventsTopic      = "order-events"
	defaultMailTopic             = "mail-requests"
	defaultPaymentsTimeout       = 15 * time.Second
	defaultMaxOrderIDLength      = 36
	defaultQRTTLMinutes          = 60
	maxQRTTLMinutes              = 129600
	defaultInvoiceDueDays        = 5
	defaultVAT                   = "None"
	defaultTaxation              = "usn_income"
	defaultReceiptTax            = "none"
	defaultRateLimitDefault      = 120
	defaultRateLimitAuth         = 240
	defaultRateLimitWebhookBurst = 60
	defaultSecurityEnvironment   = "local"
	defaultOIDCJWKSURL           = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer        = "https://accounts.google.com"
	defaultSecurityIAPIssuer     = "https://cloud.google.com/iap"
	defaultIdempotencyHeader     = "Idempotency-Key"
	defaultIdempotencyTTL        = 24 * time.Hour
	defaultIdempotencyInterval   = time.Hour
	defaultIdempotencyBatchSize  = 200
	defaultOutboxSweepInterval   = 30 * time.Second
	defaultOutboxBatchSize       = 50
	defaultOutboxMinAge          = 30 * time.Second
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	PubSub      PubSubConfig
	Payments    PaymentsConfig
	Redis       RedisConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
	Outbox      OutboxConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig lists bucket names used by the application.
type StorageConfig struct {
	DocumentsBucket string
}

// PubSubConfig names the topics order events and mail requests are published to.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
	MailTopic        string
}

// PaymentsConfig groups both payment provider integrations.
type PaymentsConfig struct {
	Acquiring        AcquiringConfig
	Business         BusinessConfig
	VAT              string
	Taxation         string
	ReceiptTax       string
	QRTTLMinutes     int
	InvoiceDueDays   int
	HTTPTimeout      time.Duration
	MaxOrderIDLength int
}

// AcquiringConfig configures the token-signed card acquirer.
type AcquiringConfig struct {
	BaseURL         string
	TerminalKey     string
	Password        string
	SuccessURL      string
	FailURL         string
	NotificationURL string
}

// BusinessConfig configures the bearer-token business API used for QR links and invoices.
// An empty BaseURL disables both.
type BusinessConfig struct {
	BaseURL       string
	Token         string
	AccountNumber string
	QRRedirectURL string
}

// RedisConfig points at the idempotency key store. An empty Addr keeps keys in memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute       int
	AuthenticatedPerMinute int
	WebhookBurst           int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string

	// ServiceAccounts limits Pub/Sub push tokens to these emails when set.
	ServiceAccounts []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// OutboxConfig controls the pending order event sweeper.
type OutboxConfig struct {
	SweepInterval time.Duration
	BatchSize     int
	// MinAge is how old a pending event must be before the sweeper republishes it.
	MinAge time.Duration
}

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithEnvFile sets the dotenv file read for local overrides. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that win over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets lists secret fields, by config path such as "Payments.Acquiring.Password",
// that must resolve to a non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic with *MissingSecretsError instead of returning it.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// EnvironmentValues returns the merged environment Load would see, so main can build the secret
// fetcher before loading.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	src, err := newSource(newLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	return src.values(), nil
}

// Load builds the configuration from defaults, the dotenv file, the process environment and
// explicit values, in increasing precedence, then resolves secret references and validates.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := newLoaderOptions(opts)
	env, err := newSource(o)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Storage: StorageConfig{DocumentsBucket: env.str("API_STORAGE_DOCUMENTS_BUCKET", "")},
		Redis: RedisConfig{
			Addr:     env.str("API_REDIS_ADDR", ""),
			Password: env.str("API_REDIS_PASSWORD", ""),
			DB:       env.integer("API_REDIS_DB", 0),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute:       env.integer("API_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			AuthenticatedPerMinute: env.integer("API_RATELIMIT_AUTH_PER_MIN", defaultRateLimitAuth),
			WebhookBurst:           env.integer("API_RATELIMIT_WEBHOOK_BURST", defaultRateLimitWebhookBurst),
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Outbox: OutboxConfig{
			SweepInterval: env.duration("API_OUTBOX_SWEEP_INTERVAL", defaultOutboxSweepInterval),
			BatchSize:     env.integer("API_OUTBOX_BATCH_SIZE", defaultOutboxBatchSize),
			MinAge:        env.duration("API_OUTBOX_MIN_AGE", defaultOutboxMinAge),
		},
	}

	// Firestore and Pub/Sub live in the Firebase project unless told otherwise.
	cfg.Firestore = FirestoreConfig{
		ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", cfg.Firebase.ProjectID),
		EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
	}
	cfg.PubSub = PubSubConfig{
		ProjectID:        env.str("API_PUBSUB_PROJECT_ID", cfg.Firebase.ProjectID),
		OrderEventsTopic: env.str("API_PUBSUB_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
		MailTopic:        env.str("API_PUBSUB_MAIL_TOPIC", defaultMailTopic),
	}
	cfg.Payments = loadPayments(env)
	cfg.Security = loadSecurity(env)

	resolved, err := resolveSecrets(ctx, o.secret, map[string]*string{
		"Payments.Acquiring.Password": &cfg.Payments.Acquiring.Password,
		"Payments.Business.Token":     &cfg.Payments.Business.Token,
		"Redis.Password":              &cfg.Redis.Password,
	})
	if err != nil {
		return Config{}, err
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(o.requiredSecrets, resolved); missing != nil {
		if o.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func loadPayments(env source) PaymentsConfig {
	return PaymentsConfig{
		Acquiring: AcquiringConfig{
			BaseURL:         env.str("API_PAYMENTS_ACQUIRING_BASE_URL", ""),
			TerminalKey:     env.str("API_PAYMENTS_ACQUIRING_TERMINAL_KEY", ""),
			Password:        env.str("API_PAYMENTS_ACQUIRING_PASSWORD", ""),
			SuccessURL:      env.str("API_PAYMENTS_SUCCESS_URL", ""),
			FailURL:         env.str("API_PAYMENTS_FAIL_URL", ""),
			NotificationURL: env.str("API_PAYMENTS_NOTIFICATION_URL", ""),
		},
		Business: BusinessConfig{
			BaseURL:       env.str("API_PAYMENTS_BUSINESS_BASE_URL", ""),
			Token:         env.str("API_PAYMENTS_BUSINESS_TOKEN", ""),
			AccountNumber: env.str("API_PAYMENTS_ACCOUNT_NUMBER", ""),
			QRRedirectURL: env.str("API_PAYMENTS_QR_REDIRECT_URL", ""),
		},
		VAT:              env.str("API_PAYMENTS_VAT", defaultVAT),
		Taxation:         env.str("API_PAYMENTS_TAXATION", defaultTaxation),
		ReceiptTax:       env.str("API_PAYMENTS_RECEIPT_TAX", defaultReceiptTax),
		QRTTLMinutes:     env.integer("API_PAYMENTS_QR_TTL_MINUTES", defaultQRTTLMinutes),
		InvoiceDueDays:   env.integer("API_PAYMENTS_INVOICE_DUE_DAYS", defaultInvoiceDueDays),
		HTTPTimeout:      env.duration("API_PAYMENTS_HTTP_TIMEOUT", defaultPaymentsTimeout),
		MaxOrderIDLength: env.integer("API_PAYMENTS_MAX_ORDER_ID_LENGTH", defaultMaxOrderIDLength),
	}
}

func loadSecurity(env source) SecurityConfig {
	sec := SecurityConfig{
		Environment: strings.ToLower(env.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
		OIDC: OIDCConfig{
			JWKSURL:         env.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
			Audience:        env.str("API_SECURITY_OIDC_AUDIENCE", ""),
			Audiences:       env.pairs("API_SECURITY_OIDC_AUDIENCES"),
			Issuers:         env.list("API_SECURITY_OIDC_ISSUERS"),
			ServiceAccounts: env.list("API_SECURITY_OIDC_SERVICE_ACCOUNTS"),
		},
	}
	if len(sec.OIDC.Issuers) == 0 {
		sec.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if sec.OIDC.Audience == "" {
		sec.OIDC.Audience = sec.OIDC.Audiences[sec.Environment]
	}
	return sec
}
