package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the booking API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	StripeAPIKey     string
	Currency         string
	GuideAPIURL      string
	PaymentRecordURL string
	PushEndpoint     string

	// Guide confirmation polling.
	GuidePollInterval time.Duration

	// Completion-record retry policy.
	RecorderMaxAttempts int
	RecorderBaseDelay   time.Duration

	// Product rate configuration. The guide default applies when a guide has
	// not published a per-km rate.
	GuideDefaultRatePerKm float64
	VehicleRates          map[string]float64

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		KafkaTopic:            "payment-reconciliation",
		Currency:              "usd",
		GuidePollInterval:     5 * time.Second,
		RecorderMaxAttempts:   3,
		RecorderBaseDelay:     2 * time.Second,
		GuideDefaultRatePerKm: 0.5,
		VehicleRates:          DefaultVehicleRates(),
		LogLevel:              "info",
	}
}

// DefaultVehicleRates is the reference rate table in $/km. Markets with
// different fleets override it via VEHICLE_RATES.
func DefaultVehicleRates() map[string]float64 {
	return map[string]float64{
		"Bike":        0.12,
		"Three Wheel": 0.24,
		"Car":         0.36,
		"Van":         0.48,
		"Jeep":        0.60,
		"Bus":         0.72,
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

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.Currency, "PAYMENT_CURRENCY")
	setStringFromEnv(&cfg.GuideAPIURL, "GUIDE_API_URL")
	setStringFromEnv(&cfg.PaymentRecordURL, "PAYMENT_RECORD_URL")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")

	setDurationFromEnv(&cfg.GuidePollInterval, "GUIDE_POLL_INTERVAL", &errs)
	setIntFromEnv(&cfg.RecorderMaxAttempts, "RECORDER_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RecorderBaseDelay, "RECORDER_BASE_DELAY", &errs)
	setFloatFromEnv(&cfg.GuideDefaultRatePerKm, "GUIDE_DEFAULT_RATE_PER_KM", &errs)

	if rates := os.Getenv("VEHICLE_RATES"); rates != "" {
		parsed, err := parseRates(rates)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.VehicleRates = parsed
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.GuidePollInterval <= 0 {
		errs = append(errs, fmt.Errorf("GUIDE_POLL_INTERVAL must be > 0"))
	}
	if cfg.RecorderMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RECORDER_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.GuideDefaultRatePerKm < 0 {
		errs = append(errs, fmt.Errorf("GUIDE_DEFAULT_RATE_PER_KM must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// ReconcilerConfig configures the out-of-band payment-record reconciler.
type ReconcilerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	PGDSN        string
	RedisAddr    string
	LogLevel     string
}

func LoadReconcilerConfig() (ReconcilerConfig, error) {
	cfg := ReconcilerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "payment-reconciliation",
		KafkaGroup:   "trip-booking-reconciler",
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required for the reconciler"))
	}

	return cfg, errors.Join(errs...)
}

// parseRates reads "Car=0.36,Van=0.48" style rate tables.
func parseRates(v string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range splitAndTrim(v) {
		name, rate, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid VEHICLE_RATES entry %q", pair)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(rate), 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("invalid VEHICLE_RATES rate %q", pair)
		}
		out[strings.TrimSpace(name)] = f
	}
	return out, nil
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

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
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
