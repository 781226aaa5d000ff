// Package billing wires the billing service: configuration, HTTP routes,
// background workers, and the server lifecycle.
package billing

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the billing service.
type Config struct {
	DataDir             string
	BindAddress         string
	Port                int
	StripeAPIKey        string
	StripeWebhookSecret string
	JWTSecret           string
	AdminKey            string
	AllowedOrigins      []string
	RetentionDays       int
	WebhookWorkers      int
	WebhookQueueDepth   int
	WebhookTimeout      time.Duration
	RateLimitPerMinute  int
	LogLevel            string
	LogFormat           string
}

// ListenAddr returns the address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// RetentionWindow returns the data-retention duration applied after a
// subscription deletion.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// LoadConfig loads service configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("BILLING_PORT", 8087)
	if err != nil {
		return nil, err
	}
	retentionDays, err := envOrDefaultInt("BILLING_RETENTION_DAYS", 30)
	if err != nil {
		return nil, err
	}
	workers, err := envOrDefaultInt("BILLING_WEBHOOK_WORKERS", 4)
	if err != nil {
		return nil, err
	}
	queueDepth, err := envOrDefaultInt("BILLING_WEBHOOK_QUEUE", 64)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultInt("BILLING_RATE_LIMIT_PER_MINUTE", 60)
	if err != nil {
		return nil, err
	}
	webhookTimeout, err := envOrDefaultDuration("BILLING_WEBHOOK_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("BILLING_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("BILLING_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		JWTSecret:           strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET")),
		AdminKey:            strings.TrimSpace(os.Getenv("BILLING_ADMIN_KEY")),
		AllowedOrigins:      splitList(envOrDefault("BILLING_ALLOWED_ORIGINS", "*")),
		RetentionDays:       retentionDays,
		WebhookWorkers:      workers,
		WebhookQueueDepth:   queueDepth,
		WebhookTimeout:      webhookTimeout,
		RateLimitPerMinute:  rateLimit,
		LogLevel:            envOrDefault("BILLING_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("BILLING_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}
	if c.AdminKey == "" {
		missing = append(missing, "BILLING_ADMIN_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BILLING_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("BILLING_RETENTION_DAYS must be at least 1, got %d", c.RetentionDays)
	}
	if c.WebhookWorkers < 1 {
		return fmt.Errorf("BILLING_WEBHOOK_WORKERS must be at least 1, got %d", c.WebhookWorkers)
	}
	if c.WebhookQueueDepth < 1 {
		return fmt.Errorf("BILLING_WEBHOOK_QUEUE must be at least 1, got %d", c.WebhookQueueDepth)
	}
	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("BILLING_RATE_LIMIT_PER_MINUTE must be at least 1, got %d", c.RateLimitPerMinute)
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
