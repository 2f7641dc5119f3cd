// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN; empty runs the engine on in-memory stores only.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisAddr is the Redis address for the token blacklist (e.g. localhost:6379); empty uses the in-memory blacklist.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is the optional Redis password.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	// TokenPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; signs access tokens.
	TokenPrivateKey string `mapstructure:"TOKEN_PRIVATE_KEY"`
	// TokenPublicKey is the PEM-encoded public key or path to file; verifies access tokens.
	TokenPublicKey string `mapstructure:"TOKEN_PUBLIC_KEY"`
	// TokenIssuer is the iss claim on issued access tokens.
	TokenIssuer string `mapstructure:"TOKEN_ISSUER"`
	// TokenAudience is the aud claim on issued access tokens.
	TokenAudience string `mapstructure:"TOKEN_AUDIENCE"`
	// MasterKey is the hex-encoded 32-byte key-wrapping key for stored key material. Required when a database is configured.
	MasterKey string `mapstructure:"MASTER_KEY"`
	// MaxTTLStandard is the token TTL ceiling for standard-tier policies (e.g. "24h").
	MaxTTLStandard string `mapstructure:"MAX_TTL_STANDARD"`
	// MaxTTLPremium is the token TTL ceiling for premium-tier policies.
	MaxTTLPremium string `mapstructure:"MAX_TTL_PREMIUM"`
	// MaxTTLEnterprise is the token TTL ceiling for enterprise-tier policies.
	MaxTTLEnterprise string `mapstructure:"MAX_TTL_ENTERPRISE"`
	// SessionIdleTimeout is how long a session may go without a heartbeat before the sweep expires it.
	SessionIdleTimeout string `mapstructure:"SESSION_IDLE_TIMEOUT"`
	// SweepInterval is how often the background session sweep runs.
	SweepInterval string `mapstructure:"SWEEP_INTERVAL"`
	// RevokeNotice is the default notice period before a policy revocation tears down live sessions. Emergency revoke ignores it.
	RevokeNotice string `mapstructure:"REVOKE_NOTICE"`
	// DenialRateThreshold is the denial-rate violation threshold (0..1) for threat analysis.
	DenialRateThreshold float64 `mapstructure:"DENIAL_RATE_THRESHOLD"`
	// DeviceChurnThreshold is the distinct-device churn threshold (devices per principal per window).
	DeviceChurnThreshold float64 `mapstructure:"DEVICE_CHURN_THRESHOLD"`
	// AutoRespond enables automated policy suspension on critical violations.
	AutoRespond bool `mapstructure:"AUTO_RESPOND"`

	// Notifications (optional). When Kafka brokers are set, emergency revocations and
	// critical violations are published to the notification topic.
	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// KafkaNotifyTopic is the Kafka topic for notification events.
	KafkaNotifyTopic string `mapstructure:"KAFKA_NOTIFY_TOPIC"`
	// KafkaUsageTopic is the Kafka topic for usage events.
	KafkaUsageTopic string `mapstructure:"KAFKA_USAGE_TOPIC"`

	// OTLPEndpoint is the OpenTelemetry collector endpoint (e.g. http://localhost:4317); empty disables export.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP export even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("TOKEN_ISSUER", "rce-issuer")
	v.SetDefault("TOKEN_AUDIENCE", "rce-content")
	v.SetDefault("MASTER_KEY", "")
	v.SetDefault("MAX_TTL_STANDARD", "24h")
	v.SetDefault("MAX_TTL_PREMIUM", "72h")
	v.SetDefault("MAX_TTL_ENTERPRISE", "168h")
	v.SetDefault("SESSION_IDLE_TIMEOUT", "30m")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("REVOKE_NOTICE", "0s")
	v.SetDefault("DENIAL_RATE_THRESHOLD", 0.5)
	v.SetDefault("DEVICE_CHURN_THRESHOLD", 5.0)
	v.SetDefault("AUTO_RESPOND", true)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_NOTIFY_TOPIC", "rce-notifications")
	v.SetDefault("KAFKA_USAGE_TOPIC", "rce-usage")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.DenialRateThreshold <= 0 || cfg.DenialRateThreshold > 1 {
		return nil, errors.New("config: DENIAL_RATE_THRESHOLD must be in (0, 1]")
	}
	if cfg.DeviceChurnThreshold <= 0 {
		return nil, errors.New("config: DEVICE_CHURN_THRESHOLD must be positive")
	}
	if cfg.DatabaseURL != "" && cfg.MasterKey == "" {
		return nil, errors.New("config: MASTER_KEY must be set when DATABASE_URL is set")
	}

	return &cfg, nil
}

// MaxTTL returns the token TTL ceiling for the given protection tier.
// Unknown tiers get the standard ceiling.
func (c *Config) MaxTTL(tier string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case "enterprise":
		return durationOr(c.MaxTTLEnterprise, 168*time.Hour)
	case "premium":
		return durationOr(c.MaxTTLPremium, 72*time.Hour)
	default:
		return durationOr(c.MaxTTLStandard, 24*time.Hour)
	}
}

// IdleTimeout parses SessionIdleTimeout. Returns 30m if unset or invalid.
func (c *Config) IdleTimeout() time.Duration {
	return durationOr(c.SessionIdleTimeout, 30*time.Minute)
}

// SweepEvery parses SweepInterval. Returns 1m if unset or invalid.
func (c *Config) SweepEvery() time.Duration {
	return durationOr(c.SweepInterval, time.Minute)
}

// NoticePeriod parses RevokeNotice. Returns 0 if unset or invalid.
func (c *Config) NoticePeriod() time.Duration {
	d, err := time.ParseDuration(c.RevokeNotice)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the notifier is enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
