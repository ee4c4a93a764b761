package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type DBConfig struct {
	Host string
	Port string
	User string
	Pass string
	Name string
}

// DSN keeps DATETIME columns as time.Time.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC", c.User, c.Pass, c.Host, c.Port, c.Name)
}

type Config struct {
	HTTPAddr string
	DBShards []DBConfig

	RedisAddr       string
	KafkaOrderTopic string

	CatalogServiceURL string
	PaymentServiceURL string
	TaxServiceURL     string

	JWTSecret string

	GatewayTimeout time.Duration
	LockTTL        time.Duration
	LockWait       time.Duration

	PendingExpiration   time.Duration
	SubmittedExpiration time.Duration
	ApprovedExpiration  time.Duration
	OfferExpiration     time.Duration
	ReminderLead        time.Duration

	DefaultCommissionRate decimal.Decimal
	SchedulerPollInterval time.Duration
}

// Load reads the environment once at startup. Unset keys fall back to
// development defaults; malformed values are an error.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8082"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaOrderTopic:   getEnv("KAFKA_ORDER_TOPIC", "order-topic"),
		CatalogServiceURL: getEnv("CATALOG_SERVICE_URL", "http://localhost:8081"),
		PaymentServiceURL: getEnv("PAYMENT_SERVICE_URL", "http://localhost:8084"),
		TaxServiceURL:     getEnv("TAX_SERVICE_URL", "http://localhost:8085"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
	}

	shards, err := getInt("DB_SHARDS", 3)
	if err != nil {
		return nil, err
	}
	if shards < 1 {
		return nil, fmt.Errorf("DB_SHARDS must be at least 1, got %d", shards)
	}
	for i := 1; i <= shards; i++ {
		prefix := fmt.Sprintf("DB%d_", i)
		cfg.DBShards = append(cfg.DBShards, DBConfig{
			Host: getEnv(prefix+"HOST", "localhost"),
			Port: getEnv(prefix+"PORT", "3306"),
			User: getEnv(prefix+"USER", "root"),
			Pass: os.Getenv(prefix + "PASS"),
			Name: getEnv(prefix+"NAME", fmt.Sprintf("orders_%d", i)),
		})
	}

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"GATEWAY_TIMEOUT", &cfg.GatewayTimeout, 10 * time.Second},
		{"LOCK_TTL", &cfg.LockTTL, time.Minute},
		{"LOCK_WAIT", &cfg.LockWait, 30 * time.Second},
		{"PENDING_EXPIRATION", &cfg.PendingExpiration, 48 * time.Hour},
		{"SUBMITTED_EXPIRATION", &cfg.SubmittedExpiration, 48 * time.Hour},
		{"APPROVED_EXPIRATION", &cfg.ApprovedExpiration, 7 * 24 * time.Hour},
		{"OFFER_EXPIRATION", &cfg.OfferExpiration, 72 * time.Hour},
		{"REMINDER_LEAD", &cfg.ReminderLead, 6 * time.Hour},
		{"SCHEDULER_POLL_INTERVAL", &cfg.SchedulerPollInterval, time.Second},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	rate := getEnv("DEFAULT_COMMISSION_RATE", "0.2")
	if cfg.DefaultCommissionRate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("DEFAULT_COMMISSION_RATE: %w", err)
	}
	if cfg.DefaultCommissionRate.IsNegative() || cfg.DefaultCommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("DEFAULT_COMMISSION_RATE must be within [0, 1], got %s", rate)
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
