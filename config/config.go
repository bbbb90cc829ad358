package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds application configuration
type Config struct {
	Env       string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	Database  DatabaseConfig  `envPrefix:"DB_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	HTTP      HTTPConfig      `envPrefix:"HTTP_"`
	Ledger    LedgerConfig    `envPrefix:"LEDGER_"`
	Keys      KeysConfig      `envPrefix:"KEYS_"`
	Ladder    LadderConfig    `envPrefix:"LADDER_"`
	Health    HealthConfig    `envPrefix:"HEALTH_"`
	Proof     ProofConfig     `envPrefix:"PROOF_"`
	Terminals TerminalsConfig `envPrefix:"TERMINAL_"`
}

// DatabaseConfig selects and configures the relational store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver       string `env:"DRIVER" envDefault:"postgres"`
	Host         string `env:"HOST" envDefault:"localhost"`
	Port         int    `env:"PORT" envDefault:"5432"`
	Name         string `env:"NAME" envDefault:"track_record"`
	User         string `env:"USER" envDefault:"ledger"`
	Password     string `env:"PASSWORD"`
	SSLMode      string `env:"SSLMODE" envDefault:"disable"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"track_record.db"`
	MaxOpenConns int    `env:"MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int    `env:"MAX_IDLE_CONNS" envDefault:"5"`
}

// RedisConfig holds Redis connection settings. Redis is optional; without it
// the verify cache, health queue and stream fan-out are disabled.
type RedisConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"true"`
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"6379"`
	Password string `env:"PASSWORD"`
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	Port         int           `env:"PORT" envDefault:"8080"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
}

// LedgerConfig holds ingestion and verification limits.
type LedgerConfig struct {
	ClockSkew          time.Duration `env:"CLOCK_SKEW" envDefault:"60s"`
	CreationTolerance  time.Duration `env:"CREATION_TOLERANCE" envDefault:"24h"`
	CheckpointInterval int64         `env:"CHECKPOINT_INTERVAL" envDefault:"100"`
	MaxVerifyLength    int64         `env:"MAX_VERIFY_LENGTH" envDefault:"50000"`
	IngestAttempts     int           `env:"INGEST_ATTEMPTS" envDefault:"3"`
	VerifyCacheTTL     time.Duration `env:"VERIFY_CACHE_TTL" envDefault:"10m"`
}

// KeysConfig holds server secrets.
type KeysConfig struct {
	// HMAC is "id=secret,id=secret".
	HMAC       string `env:"HMAC"`
	HMACActive string `env:"HMAC_ACTIVE"`
	// Signing is "version=base64seed,...".
	Signing       string `env:"SIGNING"`
	SigningActive string `env:"SIGNING_ACTIVE"`
}

// LadderConfig points at the versioned thresholds file.
type LadderConfig struct {
	ThresholdsFile string `env:"THRESHOLDS_FILE"`
}

// HealthConfig configures delivery of health evaluation tasks.
type HealthConfig struct {
	URL         string        `env:"URL"`
	AuthToken   string        `env:"AUTH_TOKEN"`
	QueueKey    string        `env:"QUEUE_KEY" envDefault:"ledger:health:tasks"`
	Concurrency int           `env:"CONCURRENCY" envDefault:"2"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	PollTimeout time.Duration `env:"POLL_TIMEOUT" envDefault:"5s"`
	Currency    string        `env:"CURRENCY" envDefault:"USD"`
}

// ProofConfig configures public bundle sharing.
type ProofConfig struct {
	ShareTTL time.Duration `env:"SHARE_TTL" envDefault:"720h"`
}

// TerminalsConfig maps terminal tokens to instances.
type TerminalsConfig struct {
	Tokens map[string]string `env:"TOKENS" envSeparator:"," envKeyValSeparator:"="`
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	// Load .env file if exists
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, using environment variables")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings the server cannot start without.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Keys.HMAC) == "" || c.Keys.HMACActive == "" {
		return fmt.Errorf("KEYS_HMAC and KEYS_HMAC_ACTIVE are required")
	}
	if strings.TrimSpace(c.Keys.Signing) == "" || c.Keys.SigningActive == "" {
		return fmt.Errorf("KEYS_SIGNING and KEYS_SIGNING_ACTIVE are required")
	}
	if c.Ledger.CheckpointInterval <= 0 {
		return fmt.Errorf("LEDGER_CHECKPOINT_INTERVAL must be positive")
	}
	if c.Ledger.IngestAttempts <= 0 {
		return fmt.Errorf("LEDGER_INGEST_ATTEMPTS must be positive")
	}
	return nil
}

// IsDevelopment reports whether the app runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

const redacted = "***"

// Redacted returns a copy that is safe to log.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	c.Database.Password = mask(c.Database.Password)
	c.Redis.Password = mask(c.Redis.Password)
	c.Keys.HMAC = mask(c.Keys.HMAC)
	c.Keys.Signing = mask(c.Keys.Signing)
	c.Health.AuthToken = mask(c.Health.AuthToken)
	if len(c.Terminals.Tokens) > 0 {
		tokens := make(map[string]string, len(c.Terminals.Tokens))
		i := 0
		for _, instance := range c.Terminals.Tokens {
			i++
			tokens[fmt.Sprintf("%s%d", redacted, i)] = instance
		}
		c.Terminals.Tokens = tokens
	}
	return c
}
