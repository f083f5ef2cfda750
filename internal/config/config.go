// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type RateLimitConfig struct {
	Attempts int           `yaml:"attempts"`
	Window   time.Duration `yaml:"window"`
}

type BillingConfig struct {
	Currency         string          `yaml:"currency"`
	ProcessorTimeout time.Duration   `yaml:"processor_timeout"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	ReceiptSubject   string          `yaml:"receipt_subject"`
	ReceiptTemplate  string          `yaml:"receipt_template"`
	CatalogPath      string          `yaml:"catalog_path"`
}

type StripeConfig struct {
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"` // override for tests and mocks
}

type SquareConfig struct {
	AccessToken string `yaml:"access_token"`
	LocationID  string `yaml:"location_id"`
	BaseURL     string `yaml:"base_url"`
	Sandbox     bool   `yaml:"sandbox"`
}

type PayPalConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	WebhookID    string `yaml:"webhook_id"`
	BaseURL      string `yaml:"base_url"`
	Sandbox      bool   `yaml:"sandbox"`
	BrandName    string `yaml:"brand_name"`
	ReturnURL    string `yaml:"return_url"`
	CancelURL    string `yaml:"cancel_url"`
}

type CoinbaseConfig struct {
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	BaseURL       string `yaml:"base_url"`
	RedirectURL   string `yaml:"redirect_url"`
	CancelURL     string `yaml:"cancel_url"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

type JobsConfig struct {
	RebillCron        string        `yaml:"rebill_cron"`
	ExpireCron        string        `yaml:"expire_cron"`
	CleanupCron       string        `yaml:"cleanup_cron"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	AbandonAfter      time.Duration `yaml:"abandon_after"`
	RebillConcurrency int           `yaml:"rebill_concurrency"`
	LockTTL           time.Duration `yaml:"lock_ttl"`
}

type MailerConfig struct {
	Driver     string `yaml:"driver"` // amqp|log
	AMQPURL    string `yaml:"amqp_url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	Workers    int    `yaml:"workers"`
	QueueSize  int    `yaml:"queue_size"`
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Billing  BillingConfig  `yaml:"billing"`
	Stripe   StripeConfig   `yaml:"stripe"`
	Square   SquareConfig   `yaml:"square"`
	PayPal   PayPalConfig   `yaml:"paypal"`
	Coinbase CoinbaseConfig `yaml:"coinbase"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Mailer   MailerConfig   `yaml:"mailer"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, overlays secrets from the
// environment (and an optional .env file), applies defaults and validates.
func LoadConfig(path string, dev bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.Runtime.Dev = dev

	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	env := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	env(&cfg.Database.URL, "DATABASE_URL")
	env(&cfg.Redis.URL, "REDIS_URL")
	env(&cfg.Redis.Password, "REDIS_PASSWORD")
	env(&cfg.Auth.JWTSecret, "AUTH_JWT_SECRET")
	env(&cfg.Billing.Currency, "CURRENCY_CODE")
	env(&cfg.Stripe.SecretKey, "STRIPE_SECRET_KEY")
	env(&cfg.Square.AccessToken, "SQUARE_ACCESS_TOKEN")
	env(&cfg.Square.LocationID, "SQUARE_LOCATION_ID")
	env(&cfg.PayPal.ClientID, "PAYPAL_CLIENT_ID")
	env(&cfg.PayPal.ClientSecret, "PAYPAL_CLIENT_SECRET")
	env(&cfg.PayPal.WebhookID, "PAYPAL_WEBHOOK_ID")
	env(&cfg.Coinbase.APIKey, "COINBASE_API_KEY")
	env(&cfg.Coinbase.WebhookSecret, "COINBASE_WEBHOOK_SECRET")
	env(&cfg.Mailer.AMQPURL, "AMQP_URL")
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 45 * time.Second
	}
	if cfg.HTTP.ReadTimeout <= 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout <= 0 {
		cfg.HTTP.WriteTimeout = 60 * time.Second
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)

	cfg.Billing.Currency = strings.ToUpper(cfg.Billing.Currency)
	if cfg.Billing.Currency == "" {
		cfg.Billing.Currency = "USD"
	}
	if cfg.Billing.ProcessorTimeout <= 0 {
		cfg.Billing.ProcessorTimeout = 20 * time.Second
	}
	if cfg.Billing.RateLimit.Attempts <= 0 {
		cfg.Billing.RateLimit.Attempts = 3
	}
	if cfg.Billing.RateLimit.Window <= 0 {
		cfg.Billing.RateLimit.Window = time.Hour
	}
	if cfg.Billing.ReceiptSubject == "" {
		cfg.Billing.ReceiptSubject = "Payment receipt"
	}
	if cfg.Billing.ReceiptTemplate == "" {
		cfg.Billing.ReceiptTemplate = "payment-invoice"
	}
	if cfg.Billing.CatalogPath == "" {
		cfg.Billing.CatalogPath = "plans.yaml"
	}

	if cfg.Breaker.ConsecutiveFailures == 0 {
		cfg.Breaker.ConsecutiveFailures = 5
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		cfg.Breaker.OpenTimeout = 30 * time.Second
	}

	if cfg.Jobs.RebillCron == "" {
		cfg.Jobs.RebillCron = "0 6 * * *"
	}
	if cfg.Jobs.ExpireCron == "" {
		cfg.Jobs.ExpireCron = "30 * * * *"
	}
	if cfg.Jobs.CleanupCron == "" {
		cfg.Jobs.CleanupCron = "0 3 * * *"
	}
	if cfg.Jobs.ReconcileInterval <= 0 {
		cfg.Jobs.ReconcileInterval = 5 * time.Minute
	}
	if cfg.Jobs.StaleAfter <= 0 {
		cfg.Jobs.StaleAfter = 30 * time.Minute
	}
	if cfg.Jobs.AbandonAfter <= 0 {
		cfg.Jobs.AbandonAfter = 72 * time.Hour
	}
	if cfg.Jobs.RebillConcurrency <= 0 {
		cfg.Jobs.RebillConcurrency = 4
	}
	if cfg.Jobs.LockTTL <= 0 {
		cfg.Jobs.LockTTL = 30 * time.Minute
	}

	if cfg.Mailer.Driver == "" {
		if cfg.Mailer.AMQPURL != "" {
			cfg.Mailer.Driver = "amqp"
		} else {
			cfg.Mailer.Driver = "log"
		}
	}
	if cfg.Mailer.Exchange == "" {
		cfg.Mailer.Exchange = "mail"
	}
	if cfg.Mailer.RoutingKey == "" {
		cfg.Mailer.RoutingKey = "send_email"
	}
	if cfg.Mailer.Workers <= 0 {
		cfg.Mailer.Workers = 2
	}
	if cfg.Mailer.QueueSize <= 0 {
		cfg.Mailer.QueueSize = 256
	}
}

// Validate performs minimal checks; processor credentials are optional and
// processors without them are simply not registered.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	if c.Auth.JWTSecret == "" && !c.Runtime.Dev {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Mailer.Driver == "amqp" && c.Mailer.AMQPURL == "" {
		return errors.New("mailer.amqp_url is required for the amqp driver")
	}
	if c.PayPal.ClientID != "" && c.PayPal.WebhookID == "" {
		return errors.New("paypal.webhook_id is required to verify notifications")
	}
	if c.Coinbase.APIKey != "" && c.Coinbase.WebhookSecret == "" {
		return errors.New("coinbase.webhook_secret is required to verify notifications")
	}
	return nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
