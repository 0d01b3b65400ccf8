package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"careunits.org/internal/ledger"
)

// Config carries all runtime settings, populated from CAREUNITS_* environment
// variables.
type Config struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	DatabaseDSN     string        `envconfig:"PG_DSN"`
	MigrationsDir   string        `envconfig:"MIGRATIONS_DIR" default:"ops/migrations/sql"`
	SeedsDir        string        `envconfig:"SEEDS_DIR" default:"ops/migrations/seed"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	RateBurst     int `envconfig:"RATE_BURST" default:"50"`
	RatePerSecond int `envconfig:"RATE_PER_SECOND" default:"25"`

	RetryMaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`
	RetryBaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"10ms"`
	RetryMaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"1s"`
	RetryJitter      float64       `envconfig:"RETRY_JITTER" default:"0.1"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("careunits", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RateBurst <= 0 || c.RatePerSecond <= 0 {
		return fmt.Errorf("rate limit settings must be positive")
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays are inconsistent")
	}
	if c.RetryJitter < 0 || c.RetryJitter >= 1 {
		return fmt.Errorf("retry jitter must be in [0, 1)")
	}
	return nil
}

// RetryConfig maps the tuning knobs onto the executor configuration.
func (c Config) RetryConfig() ledger.RetryConfig {
	return ledger.RetryConfig{
		MaxAttempts:  c.RetryMaxAttempts,
		BaseDelay:    c.RetryBaseDelay,
		MaxDelay:     c.RetryMaxDelay,
		JitterFactor: c.RetryJitter,
	}
}
