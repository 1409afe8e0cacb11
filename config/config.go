package config

import (
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/freelancesl/escrow-pay/models"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Provider kinds understood by the gateway registry.
const (
	ProviderKindMock        = "mock"
	ProviderKindMobileMoney = "mobile_money"
	ProviderKindStellar     = "stellar"
)

// ProviderCredentials holds everything a gateway needs to talk to one provider.
type ProviderCredentials struct {
	ID         string
	Kind       string
	APIURL     string
	APIKey     string
	MerchantID string
}

// StellarConfig configures the Horizon-backed provider.
type StellarConfig struct {
	HorizonURL        string
	NetworkPassphrase string
	EscrowAccount     string
	EscrowSecret      string
	AssetCode         string
	AssetIssuer       string
}

type Config struct {
	Port        string
	DBDriver    string
	DatabaseURL string

	JWTSecret      string
	CallbackSecret string
	PublicURL      string

	PlatformFeePercentage decimal.Decimal
	Currency              string
	InitiateTimeout       time.Duration
	ReleaseTimeout        time.Duration
	IdempotencyWindow     time.Duration

	DefaultProvider string
	Providers       map[string]ProviderCredentials
	Stellar         StellarConfig
	MockDelay       time.Duration

	NSQDAddress       string
	NotificationTopic string

	LogLevel  string
	LogFormat string

	OutboxInterval    time.Duration
	ReconcileInterval time.Duration
	ReconcileAge      time.Duration
}

func LoadConfig() (*Config, error) {
	godotenv.Load()

	fee, err := decimal.NewFromString(getEnvOrDefault("PLATFORM_FEE_PERCENTAGE", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid PLATFORM_FEE_PERCENTAGE: %w", err)
	}

	cfg := &Config{
		Port:                  getEnvOrDefault("PORT", "8080"),
		DBDriver:              getEnvOrDefault("DB_DRIVER", "postgres"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		CallbackSecret:        os.Getenv("CALLBACK_SECRET"),
		PublicURL:             getEnvOrDefault("PUBLIC_URL", "http://localhost:8080"),
		PlatformFeePercentage: fee,
		Currency:              getEnvOrDefault("CURRENCY", "SLL"),
		InitiateTimeout:       getDurationOrDefault("INITIATE_TIMEOUT", 10*time.Second),
		ReleaseTimeout:        getDurationOrDefault("RELEASE_TIMEOUT", 15*time.Second),
		IdempotencyWindow:     getDurationOrDefault("IDEMPOTENCY_WINDOW", 10*time.Minute),
		DefaultProvider:       getEnvOrDefault("DEFAULT_PROVIDER", "mock"),
		Providers:             loadProviders(getEnvOrDefault("PAYMENT_PROVIDERS", "mock")),
		Stellar: StellarConfig{
			HorizonURL:        getEnvOrDefault("HORIZON_URL", "https://horizon-testnet.stellar.org"),
			NetworkPassphrase: getEnvOrDefault("NETWORK_PASSPHRASE", "Test SDF Network ; September 2015"),
			EscrowAccount:     os.Getenv("STELLAR_ESCROW_ACCOUNT"),
			EscrowSecret:      os.Getenv("STELLAR_ESCROW_SECRET"),
			AssetCode:         getEnvOrDefault("STELLAR_ASSET_CODE", "XLM"),
			AssetIssuer:       os.Getenv("STELLAR_ASSET_ISSUER"),
		},
		MockDelay:         getDurationOrDefault("MOCK_GATEWAY_DELAY", 200*time.Millisecond),
		NSQDAddress:       os.Getenv("NSQD_ADDRESS"),
		NotificationTopic: getEnvOrDefault("NOTIFICATION_TOPIC", "payments.notifications"),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:         getEnvOrDefault("LOG_FORMAT", "json"),
		OutboxInterval:    getDurationOrDefault("OUTBOX_INTERVAL", 2*time.Second),
		ReconcileInterval: getDurationOrDefault("RECONCILE_INTERVAL", time.Minute),
		ReconcileAge:      getDurationOrDefault("RECONCILE_AGE", 15*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on configuration that would otherwise only break at
// payment time, such as a default provider without credentials.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.CallbackSecret == "" {
		errs = append(errs, errors.New("CALLBACK_SECRET is required"))
	}
	if c.PlatformFeePercentage.IsNegative() || c.PlatformFeePercentage.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("PLATFORM_FEE_PERCENTAGE must be between 0 and 100, got %s", c.PlatformFeePercentage))
	}
	if c.InitiateTimeout <= 0 {
		errs = append(errs, errors.New("INITIATE_TIMEOUT must be positive"))
	}
	if c.ReleaseTimeout <= 0 {
		errs = append(errs, errors.New("RELEASE_TIMEOUT must be positive"))
	}
	if c.OutboxInterval <= 0 {
		errs = append(errs, errors.New("OUTBOX_INTERVAL must be positive"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must be positive"))
	}
	if _, ok := c.Providers[c.DefaultProvider]; !ok {
		errs = append(errs, fmt.Errorf("default provider %q is not listed in PAYMENT_PROVIDERS", c.DefaultProvider))
	}

	for id, p := range c.Providers {
		switch p.Kind {
		case ProviderKindMock:
		case ProviderKindMobileMoney:
			if p.APIURL == "" || p.APIKey == "" {
				errs = append(errs, fmt.Errorf("provider %q: %s_API_URL and %s_API_KEY are required", id, envPrefix(id), envPrefix(id)))
			}
		case ProviderKindStellar:
			if c.Stellar.EscrowAccount == "" || c.Stellar.EscrowSecret == "" {
				errs = append(errs, fmt.Errorf("provider %q: STELLAR_ESCROW_ACCOUNT and STELLAR_ESCROW_SECRET are required", id))
			}
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown kind %q", id, p.Kind))
		}
	}

	return errors.Join(errs...)
}

// loadProviders resolves the credentials of every listed provider once, at
// startup, from <ID>_KIND, <ID>_API_URL, <ID>_API_KEY and <ID>_MERCHANT_ID.
func loadProviders(list string) map[string]ProviderCredentials {
	providers := make(map[string]ProviderCredentials)
	for _, raw := range strings.Split(list, ",") {
		id := strings.ToLower(strings.TrimSpace(raw))
		if id == "" {
			continue
		}
		prefix := envPrefix(id)
		defaultKind := ProviderKindMobileMoney
		switch id {
		case ProviderKindMock:
			defaultKind = ProviderKindMock
		case ProviderKindStellar:
			defaultKind = ProviderKindStellar
		}
		providers[id] = ProviderCredentials{
			ID:         id,
			Kind:       getEnvOrDefault(prefix+"_KIND", defaultKind),
			APIURL:     os.Getenv(prefix + "_API_URL"),
			APIKey:     os.Getenv(prefix + "_API_KEY"),
			MerchantID: os.Getenv(prefix + "_MERCHANT_ID"),
		}
	}
	return providers
}

func envPrefix(id string) string {
	return strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
}

// newGormLogger logs slow queries and errors. Lookups that find nothing are
// expected on every idempotent create and stay quiet.
func newGormLogger(w logger.Writer) logger.Interface {
	return logger.New(w, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

func InitDB(cfg *Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags)),
	}

	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DatabaseURL)
	case "postgres", "":
		dialector = postgres.Open(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.DBDriver == "sqlite" {
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Job{},
		&models.Transaction{},
		&models.OutboxMessage{},
		&models.CallbackAnomaly{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
