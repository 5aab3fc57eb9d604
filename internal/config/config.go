package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Webhook is one push subscription the proxy sets up with the broker and
// one resource/type filter the event loader pulls.
type Webhook struct {
	Path           string `yaml:"path"`
	ResourceFilter string `yaml:"resourceFilter"`
	SubjectFilter  string `yaml:"subjectFilter,omitempty"`
	TypeFilter     string `yaml:"typeFilter,omitempty"`
}

type webhooksFile struct {
	Webhooks []Webhook `yaml:"webhooks"`
}

// Retry holds the exponential backoff settings for outbound calls
type Retry struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// Maskinporten holds the JWT grant settings used to authenticate with Altinn
type Maskinporten struct {
	TokenURL            string
	ClientID            string
	KeyID               string
	Audience            string
	Scopes              string
	PrivateKeyPEM       string
	PrivateKeySecretARN string
	ExchangeURL         string
}

// Config holds application configuration
type Config struct {
	// Altinn Configuration
	BrokerBaseURL      string
	EventsBaseURL      string
	AltinnToken        string
	Maskinporten       Maskinporten
	RecipientID        string
	ResourceID         string
	StartEvent         string
	WebhookExternalURL string
	WebhooksFile       string
	Webhooks           []Webhook
	WebhookEnabled     bool

	// Timing Configuration
	PollAltinnInterval       time.Duration
	PollTransitInterval      time.Duration
	PollTransitEnabled       bool
	WebhookSubscriptionDelay time.Duration
	HealthInterval           time.Duration
	HealthInitialDelay       time.Duration
	HealthThreshold          int
	RecoveryMaxAttempts      int
	RecoveryRetryDelay       time.Duration
	ShutdownTimeout          time.Duration
	PurgeAfter               time.Duration
	Retry                    Retry

	// Persistence flags
	PersistCloudEvent bool
	PersistAltinnFile bool

	// Database Configuration
	DBHost              string
	DBPort              string
	DBName              string
	DBUser              string
	DBPassword          string
	DBPasswordSecretARN string
	DBSSLMode           string
	DBMaxConnections    int

	// Object storage Configuration
	ObjectStoreEndpoint  string
	ObjectStoreBucket    string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string
	ObjectStoreUseSSL    bool
	InlinePayloadLimit   int

	// AMQP Configuration
	AMQPURL      string
	AMQPExchange string

	// Application Configuration
	HTTPAddr    string
	Environment string
	LogLevel    string
}

// LoadFromEnv loads configuration from environment variables.
// A .env file in the working directory is read first if present; real
// environment variables win over it.
func LoadFromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	cfg := &Config{
		BrokerBaseURL:      getEnv("ALTINN_BROKER_URL", "https://platform.tt02.altinn.no/broker/api/v1"),
		EventsBaseURL:      getEnv("ALTINN_EVENTS_URL", "https://platform.tt02.altinn.no/events/api/v1"),
		AltinnToken:        getEnv("ALTINN_TOKEN", ""),
		RecipientID:        getEnv("ALTINN_RECIPIENT_ID", ""),
		ResourceID:         getEnv("ALTINN_RESOURCE_ID", ""),
		StartEvent:         getEnv("ALTINN_START_EVENT", ""),
		WebhookExternalURL: getEnv("WEBHOOK_EXTERNAL_URL", ""),
		WebhooksFile:       getEnv("WEBHOOKS_FILE", ""),
		WebhookEnabled:     getBool("WEBHOOK_ENABLED", true),
		Maskinporten: Maskinporten{
			TokenURL:            getEnv("MASKINPORTEN_TOKEN_URL", ""),
			ClientID:            getEnv("MASKINPORTEN_CLIENT_ID", ""),
			KeyID:               getEnv("MASKINPORTEN_KEY_ID", ""),
			Audience:            getEnv("MASKINPORTEN_AUDIENCE", ""),
			Scopes:              getEnv("MASKINPORTEN_SCOPES", "altinn:broker.read altinn:broker.write altinn:events.subscribe"),
			PrivateKeyPEM:       getEnv("MASKINPORTEN_PRIVATE_KEY", ""),
			PrivateKeySecretARN: getEnv("MASKINPORTEN_PRIVATE_KEY_SECRET_ARN", ""),
			ExchangeURL:         getEnv("ALTINN_TOKEN_EXCHANGE_URL", "https://platform.tt02.altinn.no/authentication/api/v1/exchange/maskinporten"),
		},

		PollAltinnInterval:       getDuration("POLL_ALTINN_INTERVAL", 15*time.Second),
		PollTransitInterval:      getDuration("POLL_TRANSIT_INTERVAL", 15*time.Second),
		PollTransitEnabled:       getBool("POLL_TRANSIT_ENABLED", false),
		WebhookSubscriptionDelay: getDuration("WEBHOOK_SUBSCRIPTION_DELAY", 20*time.Second),
		HealthInterval:           getDuration("HEALTH_INTERVAL", 5*time.Second),
		HealthInitialDelay:       getDuration("HEALTH_INITIAL_DELAY", 60*time.Second),
		HealthThreshold:          getInt("HEALTH_THRESHOLD", 3),
		RecoveryMaxAttempts:      getInt("RECOVERY_MAX_ATTEMPTS", 3),
		RecoveryRetryDelay:       getDuration("RECOVERY_RETRY_DELAY", time.Second),
		ShutdownTimeout:          getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		PurgeAfter:               getDuration("PURGE_AFTER", 30*24*time.Hour),
		Retry: Retry{
			InitialInterval: getDuration("RETRY_INITIAL_INTERVAL", 500*time.Millisecond),
			MaxInterval:     getDuration("RETRY_MAX_INTERVAL", 10*time.Minute),
			MaxAttempts:     getInt("RETRY_MAX_ATTEMPTS", 10),
		},

		PersistCloudEvent: getBool("PERSIST_CLOUD_EVENT", true),
		PersistAltinnFile: getBool("PERSIST_ALTINN_FILE", true),

		DBHost:              getEnv("DB_HOST", ""),
		DBPort:              getEnv("DB_PORT", "5432"),
		DBName:              getEnv("DB_NAME", "transit"),
		DBUser:              getEnv("DB_USER", ""),
		DBPassword:          getEnv("DB_PASSWORD", ""),
		DBPasswordSecretARN: getEnv("DB_PASSWORD_SECRET_ARN", ""),
		DBSSLMode:           getEnv("DB_SSL_MODE", "require"),
		DBMaxConnections:    getInt("DB_MAX_CONNECTIONS", 10),

		ObjectStoreEndpoint:  getEnv("OBJECT_STORE_ENDPOINT", ""),
		ObjectStoreBucket:    getEnv("OBJECT_STORE_BUCKET", ""),
		ObjectStoreAccessKey: getEnv("OBJECT_STORE_ACCESS_KEY", ""),
		ObjectStoreSecretKey: getEnv("OBJECT_STORE_SECRET_KEY", ""),
		ObjectStoreUseSSL:    getBool("OBJECT_STORE_USE_SSL", true),
		InlinePayloadLimit:   getInt("INLINE_PAYLOAD_LIMIT", 256*1024),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "transit"),

		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		Environment: getEnv("ENVIRONMENT", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	webhooks, err := loadWebhooks(cfg.WebhooksFile, cfg.ResourceID)
	if err != nil {
		return nil, err
	}
	cfg.Webhooks = webhooks

	if err := resolveSecrets(context.Background(), cfg, NewSecretReader); err != nil {
		return nil, err
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	required := map[string]string{
		"ALTINN_BROKER_URL":   c.BrokerBaseURL,
		"ALTINN_EVENTS_URL":   c.EventsBaseURL,
		"ALTINN_RECIPIENT_ID": c.RecipientID,
		"ALTINN_RESOURCE_ID":  c.ResourceID,
		"DB_HOST":             c.DBHost,
		"DB_USER":             c.DBUser,
	}
	if c.WebhookEnabled {
		required["WEBHOOK_EXTERNAL_URL"] = c.WebhookExternalURL
	}

	// Password must be set either directly or via secret ARN
	if c.DBPassword == "" && c.DBPasswordSecretARN == "" {
		return fmt.Errorf("DB_PASSWORD or DB_PASSWORD_SECRET_ARN is required")
	}

	// Either a static token or a Maskinporten client must be configured
	if c.AltinnToken == "" && (c.Maskinporten.TokenURL == "" || c.Maskinporten.ClientID == "") {
		return fmt.Errorf("ALTINN_TOKEN or MASKINPORTEN_TOKEN_URL and MASKINPORTEN_CLIENT_ID are required")
	}

	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if len(c.Webhooks) == 0 {
		return fmt.Errorf("at least one webhook is required")
	}
	for i, w := range c.Webhooks {
		if w.ResourceFilter == "" {
			return fmt.Errorf("webhook %d: resourceFilter is required", i)
		}
		if c.WebhookEnabled && w.Path == "" {
			return fmt.Errorf("webhook %d: path is required", i)
		}
	}

	if c.HealthThreshold < 1 {
		return fmt.Errorf("HEALTH_THRESHOLD must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// DSN returns the PostgreSQL connection string
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// ObjectStoreEnabled reports whether large payloads are offloaded to object storage
func (c *Config) ObjectStoreEnabled() bool {
	return c.ObjectStoreEndpoint != "" && c.ObjectStoreBucket != ""
}

// WebhookEndpoint returns the public URL the broker should push to for w
func (c *Config) WebhookEndpoint(w Webhook) string {
	return strings.TrimRight(c.WebhookExternalURL, "/") + "/" + strings.TrimLeft(w.Path, "/")
}

// loadWebhooks reads the webhook list from path. Without a file a single
// catch-all webhook for the configured resource is used.
func loadWebhooks(path, resourceID string) ([]Webhook, error) {
	if path == "" {
		if resourceID == "" {
			return nil, nil
		}
		return []Webhook{{
			Path:           "/webhook",
			ResourceFilter: "urn:altinn:resource:" + resourceID,
		}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhooks file: %w", err)
	}
	return ParseWebhooks(data)
}

// ParseWebhooks decodes a YAML webhook list
func ParseWebhooks(data []byte) ([]Webhook, error) {
	var file webhooksFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse webhooks: %w", err)
	}
	for i := range file.Webhooks {
		if p := file.Webhooks[i].Path; p != "" && !strings.HasPrefix(p, "/") {
			file.Webhooks[i].Path = "/" + p
		}
	}
	return file.Webhooks, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
