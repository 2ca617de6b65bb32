package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

const (
	BridgeBackendRedis    = "redis"
	BridgeBackendPostgres = "postgres"
)

type Config struct {
	Port                   int           `env:"PORT" envDefault:"8080"`
	DatabaseURL            string        `env:"DATABASE_URL,required"`
	RedisURL               string        `env:"REDIS_URL,required"`
	JWTSecret              string        `env:"JWT_SECRET,required"`
	JWTIssuer              string        `env:"JWT_ISSUER" envDefault:""`
	JWTAudience            string        `env:"JWT_AUDIENCE" envDefault:""`
	LogLevel               string        `env:"LOG_LEVEL" envDefault:"info"`
	RescanInterval         time.Duration `env:"RESCAN_INTERVAL" envDefault:"5m"`
	RetentionSweepInterval time.Duration `env:"RETENTION_SWEEP_INTERVAL" envDefault:"1h"`
	RetentionDays          int           `env:"RETENTION_DAYS" envDefault:"30"`
	RescanSuppressWindow   time.Duration `env:"RESCAN_SUPPRESS_WINDOW" envDefault:"0s"`
	BridgeBackend          string        `env:"BRIDGE_BACKEND" envDefault:"redis"`
	BridgeTopic            string        `env:"BRIDGE_TOPIC" envDefault:"notifications"`
	BridgeConsumerGroup    string        `env:"BRIDGE_CONSUMER_GROUP" envDefault:"dispatch"`
	BridgeMaxBackoff       time.Duration `env:"BRIDGE_MAX_BACKOFF" envDefault:"30s"`
	BridgeClaimMinIdle     time.Duration `env:"BRIDGE_CLAIM_MIN_IDLE" envDefault:"1m"`
	BridgeClaimInterval    time.Duration `env:"BRIDGE_CLAIM_INTERVAL" envDefault:"30s"`
	DispatchConcurrency    int           `env:"DISPATCH_CONCURRENCY" envDefault:"8"`
	SignRadiusKm           float64       `env:"SIGN_RADIUS_KM" envDefault:"5"`
	ReportRadiusKm         float64       `env:"REPORT_RADIUS_KM" envDefault:"0"`
	AllowedOrigins         []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
}

func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.BridgeBackend != BridgeBackendRedis && c.BridgeBackend != BridgeBackendPostgres {
		return fmt.Errorf("BRIDGE_BACKEND must be %q or %q", BridgeBackendRedis, BridgeBackendPostgres)
	}
	if c.RescanInterval <= 0 || c.RetentionSweepInterval <= 0 {
		return fmt.Errorf("RESCAN_INTERVAL and RETENTION_SWEEP_INTERVAL must be positive")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive")
	}
	if c.SignRadiusKm <= 0 {
		return fmt.Errorf("SIGN_RADIUS_KM must be positive")
	}
	if c.ReportRadiusKm < 0 {
		return fmt.Errorf("REPORT_RADIUS_KM must not be negative")
	}

	if isProduction {
		if err := validateSecret("JWT_SECRET", c.JWTSecret); err != nil {
			return err
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if len(c.AllowedOrigins) == 0 {
			log.Warn().Msg("ALLOWED_ORIGINS is empty in production: websocket origin check accepts any origin")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
