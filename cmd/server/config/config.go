package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// HTTPConfig holds the public API server settings.
type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// PostgresConfig holds the database connection settings. An empty DSN means
// the server runs on in-memory stores.
type PostgresConfig struct {
	DSN string
}

// RedisConfig holds the outcome cache and event stream settings. An empty
// address disables both.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	OutcomeTTL   time.Duration
	Stream       string
	StreamMaxLen int64
}

// RemoteConfig holds base URLs for the downstream capabilities. Empty URLs
// mean the corresponding capability runs in-process.
type RemoteConfig struct {
	ReservationURL string
	PaymentURL     string
	BillingURL     string
	Timeout        time.Duration
}

// ReliabilityConfig holds retry, circuit breaker, and rate limit settings
// for the payment capability.
type ReliabilityConfig struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// SagaConfig holds the orchestrator's execution settings.
type SagaConfig struct {
	StepTimeout   time.Duration
	HoldTTL       time.Duration
	MaxConcurrent int
	SweepInterval time.Duration
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string
}

// LoadHTTP reads API server settings from env.
func LoadHTTP() (HTTPConfig, error) {
	cfg := HTTPConfig{
		Addr: optionalString("HTTP_ADDR", ":8080"),
	}
	var err error
	if cfg.ShutdownTimeout, err = optionalDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadPostgres reads the database DSN from env.
func LoadPostgres() PostgresConfig {
	return PostgresConfig{DSN: strings.TrimSpace(os.Getenv("DATABASE_URL"))}
}

// LoadRedis reads outcome cache and event stream settings from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		Addr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password: os.Getenv("REDIS_PASSWORD"),
		Stream:   optionalString("REDIS_STREAM", "booking_events"),
	}
	var err error
	if cfg.DB, err = optionalInt("REDIS_DB", 0); err != nil {
		return cfg, err
	}
	if cfg.OutcomeTTL, err = optionalDuration("REDIS_OUTCOME_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = optionalInt64("REDIS_STREAM_MAXLEN", 10000); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRemote reads downstream capability URLs from env.
func LoadRemote() (RemoteConfig, error) {
	cfg := RemoteConfig{
		ReservationURL: strings.TrimSpace(os.Getenv("RESERVATION_URL")),
		PaymentURL:     strings.TrimSpace(os.Getenv("PAYMENT_URL")),
		BillingURL:     strings.TrimSpace(os.Getenv("BILLING_URL")),
	}
	var err error
	if cfg.Timeout, err = optionalDuration("REMOTE_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadReliability reads payment reliability settings from env.
func LoadReliability() (ReliabilityConfig, error) {
	cfg := ReliabilityConfig{}
	var err error

	if cfg.RetryMaxAttempts, err = optionalInt("BOOKING_RETRY_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = optionalDuration("BOOKING_RETRY_BASE_DELAY", 100*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = optionalDuration("BOOKING_RETRY_MAX_DELAY", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = optionalInt("BOOKING_BREAKER_MAX_FAILURES", 5); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = optionalDuration("BOOKING_BREAKER_RESET_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = optionalDuration("BOOKING_RATE_LIMIT_INTERVAL", 10*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = optionalInt("BOOKING_RATE_LIMIT_BURST", 20); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadSaga reads orchestrator execution settings from env.
func LoadSaga() (SagaConfig, error) {
	cfg := SagaConfig{}
	var err error

	if cfg.StepTimeout, err = optionalDuration("SAGA_STEP_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.HoldTTL, err = optionalDuration("SAGA_HOLD_TTL", 15*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.MaxConcurrent, err = optionalInt("SAGA_MAX_CONCURRENT", 64); err != nil {
		return cfg, err
	}
	if cfg.SweepInterval, err = optionalDuration("SAGA_SWEEP_INTERVAL", time.Minute); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadObservability reads the metrics HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	return ObservabilityConfig{
		Addr: optionalString("OBS_ADDR", ":9090"),
	}, nil
}

func optionalString(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func optionalInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalInt64(name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
