// Package config loads gateway configuration from the environment with an
// optional YAML overlay for non-secret tuning knobs.
//
// Secrets and connection strings come exclusively from env vars. The
// process refuses to start when any required variable is missing: a billing
// gateway that guesses its peppers or database is worse than one that
// doesn't start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Required env vars. Startup is fatal without every one of them.
var requiredEnv = []string{
	"API_KEY_PEPPER",
	"RATE_LIMIT_SALT",
	"BILLING_ADMIN_JWT_SECRET",
	"BILLING_INTERNAL_JWT_SECRET",
	"DATABASE_URL",
	"REDIS_URL",
	"PEER_BASE_URL",
	"PEER_JWKS_URL",
}

// Config is the full runtime configuration.
type Config struct {
	Port string

	DatabaseURL string
	RedisURL    string

	PeerBaseURL  string
	PeerJWKSURL  string
	PeerJWKSFile string // optional file bootstrap for isolated deployments

	ClientJWKSURL  string // issuer JWKS for inbound client JWTs
	ClientIssuer   string
	ClientAudience string

	APIKeyPepper      string
	RateLimitSalt     string
	AdminJWTSecret    string
	InternalJWTSecret string
	SigningKeyPEM     string // optional; a fresh key is generated when empty

	WebhookNowPaymentsSecret string
	WebhookStripeSecret      string
	WebhookX402Secret        string

	HighValueThresholdMicro string // decimal string, parsed by the ledger
	ReservationTTL          time.Duration
	BillingMode             string // live | shadow
	DriftThresholdMicro     string

	Tuning Tuning
}

// Tuning holds non-secret knobs that may also be set from a YAML file
// (CONFIG_FILE). Env values win over file values.
type Tuning struct {
	MaxInFlight         int           `yaml:"max_in_flight"`
	PeerTimeout         time.Duration `yaml:"peer_timeout"`
	ReconcileInterval   time.Duration `yaml:"reconcile_interval"`
	JWKSRefreshInterval time.Duration `yaml:"jwks_refresh_interval"`
	JWKSHardTTL         time.Duration `yaml:"jwks_hard_ttl"`
	WebhookRatePerMin   int           `yaml:"webhook_rate_per_min"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
}

func defaultTuning() Tuning {
	return Tuning{
		MaxInFlight:         512,
		PeerTimeout:         60 * time.Second,
		ReconcileInterval:   5 * time.Minute,
		JWKSRefreshInterval: 15 * time.Minute,
		JWKSHardTTL:         24 * time.Hour,
		WebhookRatePerMin:   1000,
		ShutdownGrace:       30 * time.Second,
	}
}

// Load reads the environment (plus .env for local development) and returns
// the validated configuration.
func Load() (*Config, error) {
	// Ignore error: .env is a local-dev convenience only.
	_ = godotenv.Load()

	var missing []string
	for _, key := range requiredEnv {
		if strings.TrimSpace(os.Getenv(key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	cfg := &Config{
		Port:         envOr("PORT", "8080"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		PeerBaseURL:  strings.TrimRight(os.Getenv("PEER_BASE_URL"), "/"),
		PeerJWKSURL:  os.Getenv("PEER_JWKS_URL"),
		PeerJWKSFile: os.Getenv("PEER_JWKS_FILE"),

		ClientJWKSURL:  envOr("CLIENT_JWKS_URL", ""),
		ClientIssuer:   envOr("CLIENT_JWT_ISSUER", "arrakis-clients"),
		ClientAudience: envOr("CLIENT_JWT_AUDIENCE", "arrakis"),

		APIKeyPepper:      os.Getenv("API_KEY_PEPPER"),
		RateLimitSalt:     os.Getenv("RATE_LIMIT_SALT"),
		AdminJWTSecret:    os.Getenv("BILLING_ADMIN_JWT_SECRET"),
		InternalJWTSecret: os.Getenv("BILLING_INTERNAL_JWT_SECRET"),
		SigningKeyPEM:     os.Getenv("SIGNING_KEY_PEM"),

		WebhookNowPaymentsSecret: os.Getenv("WEBHOOK_NOWPAYMENTS_SECRET"),
		WebhookStripeSecret:      os.Getenv("WEBHOOK_STRIPE_SECRET"),
		WebhookX402Secret:        os.Getenv("WEBHOOK_X402_SECRET"),

		HighValueThresholdMicro: envOr("HIGH_VALUE_THRESHOLD_MICRO", "100000000"), // $100
		ReservationTTL:          envDurationOr("RESERVATION_TTL", 10*time.Minute),
		BillingMode:             envOr("BILLING_MODE", "live"),
		DriftThresholdMicro:     envOr("DRIFT_THRESHOLD_MICRO", "1000000"), // $1

		Tuning: defaultTuning(),
	}

	if cfg.BillingMode != "live" && cfg.BillingMode != "shadow" {
		return nil, fmt.Errorf("BILLING_MODE must be live or shadow, got %q", cfg.BillingMode)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadTuningFile(path, &cfg.Tuning); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	applyTuningEnv(&cfg.Tuning)

	return cfg, nil
}

func loadTuningFile(path string, t *Tuning) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	return decoder.Decode(t)
}

func applyTuningEnv(t *Tuning) {
	if v := os.Getenv("MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			t.MaxInFlight = n
		}
	}
	if v := os.Getenv("PEER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			t.PeerTimeout = d
		}
	}
	if v := os.Getenv("RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			t.ReconcileInterval = d
		}
	}
	if v := os.Getenv("WEBHOOK_RATE_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			t.WebhookRatePerMin = n
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
