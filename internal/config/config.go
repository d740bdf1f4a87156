package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/service-matching/internal/expansion"
)

// ServerConfig captures all tunable parameters for the API process.
// Every value has a default so the binary runs locally with no backing
// services: memory store, in-process queue and a logging push gateway.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	MirrorTTL     time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN string

	RadiusTiers         expansion.Tiers
	ExpansionDelay      time.Duration
	ExpansionLane       string
	StopOnMatch         bool
	PushTimeout         time.Duration
	MirrorTimeout       time.Duration
	DeliveryConcurrency int

	QueuePollInterval time.Duration
	QueueMaxRetries   int
	QueueBackoff      time.Duration

	FCMEndpoint string
	FCMKey      string

	StripeAPIKey    string
	PaymentCurrency string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		MirrorTTL:           24 * time.Hour,
		KafkaTopic:          "provider-updates",
		KafkaGroup:          "service-matching-consumer",
		RadiusTiers:         append(expansion.Tiers(nil), expansion.DefaultTiers...),
		ExpansionDelay:      expansion.DefaultDelay,
		ExpansionLane:       expansion.DefaultLane,
		PushTimeout:         5 * time.Second,
		MirrorTimeout:       5 * time.Second,
		DeliveryConcurrency: 8,
		QueuePollInterval:   500 * time.Millisecond,
		QueueMaxRetries:     3,
		QueueBackoff:        time.Second,
		PaymentCurrency:     "egp",
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.MirrorTTL, "MIRROR_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("MATCH_RADIUS_TIERS_KM"); v != "" {
		tiers, err := parseTiers(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid MATCH_RADIUS_TIERS_KM: %w", err))
		} else {
			cfg.RadiusTiers = tiers
		}
	}
	setDurationFromEnv(&cfg.ExpansionDelay, "EXPANSION_DELAY", &errs)
	setStringFromEnv(&cfg.ExpansionLane, "EXPANSION_LANE")
	cfg.StopOnMatch = strings.EqualFold(os.Getenv("EXPANSION_STOP_ON_MATCH"), "true")
	setDurationFromEnv(&cfg.PushTimeout, "PUSH_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.MirrorTimeout, "MIRROR_TIMEOUT", &errs)
	setIntFromEnv(&cfg.DeliveryConcurrency, "DELIVERY_CONCURRENCY", &errs)

	setDurationFromEnv(&cfg.QueuePollInterval, "QUEUE_POLL_INTERVAL", &errs)
	setIntFromEnv(&cfg.QueueMaxRetries, "QUEUE_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.QueueBackoff, "QUEUE_BACKOFF", &errs)

	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	if v := os.Getenv("PAYMENT_CURRENCY"); v != "" {
		cfg.PaymentCurrency = strings.ToLower(strings.TrimSpace(v))
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.DeliveryConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("DELIVERY_CONCURRENCY must be > 0"))
	}
	if cfg.ExpansionDelay <= 0 {
		errs = append(errs, fmt.Errorf("EXPANSION_DELAY must be > 0"))
	}
	if cfg.QueueMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_RETRIES must be >= 0"))
	}
	if cfg.FCMEndpoint != "" && cfg.FCMKey == "" {
		errs = append(errs, fmt.Errorf("FCM_KEY is required when FCM_ENDPOINT is set"))
	}

	return cfg, errors.Join(errs...)
}

func parseTiers(v string) (expansion.Tiers, error) {
	parts := splitAndTrim(v)
	tiers := make(expansion.Tiers, 0, len(parts))
	for _, p := range parts {
		km, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, km)
	}
	if err := tiers.Validate(); err != nil {
		return nil, err
	}
	return tiers, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
