package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig aggregates runtime configuration. Everything comes from the
// environment; a .env file in the working directory is loaded first if present.
type AppConfig struct {
	HTTPAddr string
	LogLevel string

	DBDriver string
	DBDSN    string

	RedisAddr string
	RedisDB   int

	// Kafka: polled provider events in, access-grant requests out.
	KafkaBrokers       []string
	PaymentEventsTopic string
	PaymentEventsGroup string
	AccessGrantsTopic  string

	// Redis Stream outbox for access-grant side effects.
	AccessGrantStream   string
	AccessGrantGroup    string
	AccessGrantConsumer string

	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	ProcessInterval    time.Duration
	ProcessBatchSize   int
	MaxProcessAttempts int
	LockTTL            time.Duration

	RenewalInterval    time.Duration
	RenewalMaxAttempts int
	RenewalBackoff     time.Duration
	RenewalClaimTTL    time.Duration
	RenewalBatchSize   int

	WebhookRateLimit  int
	WebhookRateWindow time.Duration

	GrantTelegramOnPayment bool
	AdminToken             string
}

// Load reads and validates configuration, falling back to defaults.
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	cfg := AppConfig{
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DBDriver:            getEnv("DB_DRIVER", "sqlite"),
		DBDSN:               getEnv("DB_DSN", "club_billing.db"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:        splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		PaymentEventsTopic:  getEnv("PAYMENT_EVENTS_TOPIC", "club-payment-events"),
		PaymentEventsGroup:  getEnv("PAYMENT_EVENTS_GROUP", "club-reconcile"),
		AccessGrantsTopic:   getEnv("ACCESS_GRANTS_TOPIC", "club-access-grants"),
		AccessGrantStream:   getEnv("ACCESS_GRANT_STREAM", "club:access_grants"),
		AccessGrantGroup:    getEnv("ACCESS_GRANT_GROUP", "club-access-relay-group"),
		AccessGrantConsumer: getEnv("ACCESS_GRANT_CONSUMER", "club-access-relay-1"),
		ProviderBaseURL:     getEnv("PROVIDER_BASE_URL", "http://localhost:9090"),
		ProviderAPIKey:      getEnv("PROVIDER_API_KEY", ""),
		AdminToken:          getEnv("ADMIN_TOKEN", "dev-admin-token"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	ints := []struct {
		key      string
		dst      *int
		fallback int
	}{
		{"PROCESS_BATCH_SIZE", &cfg.ProcessBatchSize, 100},
		{"MAX_PROCESS_ATTEMPTS", &cfg.MaxProcessAttempts, 5},
		{"RENEWAL_MAX_ATTEMPTS", &cfg.RenewalMaxAttempts, 3},
		{"RENEWAL_BATCH_SIZE", &cfg.RenewalBatchSize, 50},
		{"WEBHOOK_RATE_LIMIT", &cfg.WebhookRateLimit, 200},
	}
	for _, v := range ints {
		n, err := getEnvInt(v.key, v.fallback)
		if err != nil {
			return AppConfig{}, fmt.Errorf("invalid %s: %w", v.key, err)
		}
		if n <= 0 {
			return AppConfig{}, fmt.Errorf("%s must be > 0", v.key)
		}
		*v.dst = n
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		fallback int
		unit     time.Duration
	}{
		{"PROVIDER_TIMEOUT_SEC", &cfg.ProviderTimeout, 15, time.Second},
		{"PROCESS_INTERVAL_SEC", &cfg.ProcessInterval, 30, time.Second},
		{"LOCK_TTL_SEC", &cfg.LockTTL, 30, time.Second},
		{"RENEWAL_INTERVAL_SEC", &cfg.RenewalInterval, 300, time.Second},
		{"RENEWAL_BACKOFF_HOURS", &cfg.RenewalBackoff, 24, time.Hour},
		{"RENEWAL_CLAIM_TTL_SEC", &cfg.RenewalClaimTTL, 120, time.Second},
		{"WEBHOOK_RATE_WINDOW_SEC", &cfg.WebhookRateWindow, 1, time.Second},
	}
	for _, v := range durations {
		d, err := getEnvDuration(v.key, v.fallback, v.unit)
		if err != nil {
			return AppConfig{}, fmt.Errorf("invalid %s: %w", v.key, err)
		}
		*v.dst = d
	}

	if cfg.GrantTelegramOnPayment, err = getEnvBool("GRANT_TELEGRAM_ON_PAYMENT", true); err != nil {
		return AppConfig{}, fmt.Errorf("invalid GRANT_TELEGRAM_ON_PAYMENT: %w", err)
	}

	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres" {
		return AppConfig{}, fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", cfg.DBDriver)
	}
	if cfg.RenewalClaimTTL <= cfg.ProviderTimeout {
		return AppConfig{}, fmt.Errorf("RENEWAL_CLAIM_TTL_SEC must exceed PROVIDER_TIMEOUT_SEC")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	for key, v := range map[string]string{
		"PAYMENT_EVENTS_TOPIC":  cfg.PaymentEventsTopic,
		"PAYMENT_EVENTS_GROUP":  cfg.PaymentEventsGroup,
		"ACCESS_GRANTS_TOPIC":   cfg.AccessGrantsTopic,
		"ACCESS_GRANT_STREAM":   cfg.AccessGrantStream,
		"ACCESS_GRANT_GROUP":    cfg.AccessGrantGroup,
		"ACCESS_GRANT_CONSUMER": cfg.AccessGrantConsumer,
		"ADMIN_TOKEN":           cfg.AdminToken,
	} {
		if v == "" {
			return AppConfig{}, fmt.Errorf("%s must not be empty", key)
		}
	}

	return cfg, nil
}

// getEnv returns the trimmed variable or fallback when empty.
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}

// getEnvDuration reads an integer count of unit. Non-positive values are rejected.
func getEnvDuration(key string, fallback int, unit time.Duration) (time.Duration, error) {
	n, err := getEnvInt(key, fallback)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be > 0")
	}
	return time.Duration(n) * unit, nil
}

// splitCSV splits a comma separated list, dropping blanks.
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
