// Package config loads migration settings from the environment and an
// optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/idmigrate/internal/identity/workos"
)

// DefaultEnvFile is read from the working directory when present.
const DefaultEnvFile = ".env"

// ErrMissingSecretKey is returned when a command needs the API key and none
// is configured.
var ErrMissingSecretKey = errors.New("config: WORKOS_SECRET_KEY must be set")

// Config holds settings that come from the environment rather than flags.
type Config struct {
	// SecretKey authenticates against the WorkOS API.
	SecretKey string `mapstructure:"WORKOS_SECRET_KEY"`
	// APIBaseURL overrides the API endpoint. Empty selects one from Env.
	APIBaseURL string `mapstructure:"WORKOS_API_BASE_URL"`
	// Env is the application environment. Values starting with "dev" point
	// the client at a local API.
	Env string `mapstructure:"APP_ENV"`

	// DefaultCooldown is the admission pause after a throttle that carries
	// no retry-after hint.
	DefaultCooldown time.Duration `mapstructure:"MIGRATE_DEFAULT_COOLDOWN"`
	// CooldownMargin is added to every pause.
	CooldownMargin time.Duration `mapstructure:"MIGRATE_COOLDOWN_MARGIN"`
	// HTTPTimeout bounds each API request.
	HTTPTimeout time.Duration `mapstructure:"MIGRATE_HTTP_TIMEOUT"`
}

// Load reads .env from the working directory (if present), then the process
// environment. Env vars override .env.
func Load() (*Config, error) {
	return LoadFile(DefaultEnvFile)
}

// LoadFile is Load with an explicit env file. A missing file is ignored.
func LoadFile(envFile string) (*Config, error) {
	v := viper.New()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("config: read %s: %w", envFile, err)
		}
	}

	v.AutomaticEnv()

	v.SetDefault("WORKOS_SECRET_KEY", "")
	v.SetDefault("WORKOS_API_BASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("MIGRATE_DEFAULT_COOLDOWN", "10s")
	v.SetDefault("MIGRATE_COOLDOWN_MARGIN", "1s")
	v.SetDefault("MIGRATE_HTTP_TIMEOUT", "30s")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.DefaultCooldown <= 0 {
		return nil, errors.New("config: MIGRATE_DEFAULT_COOLDOWN must be positive")
	}
	if cfg.CooldownMargin < 0 {
		return nil, errors.New("config: MIGRATE_COOLDOWN_MARGIN must not be negative")
	}
	if cfg.HTTPTimeout <= 0 {
		return nil, errors.New("config: MIGRATE_HTTP_TIMEOUT must be positive")
	}

	return &cfg, nil
}

// RequireSecretKey returns ErrMissingSecretKey when no API key is set.
func (c *Config) RequireSecretKey() error {
	if strings.TrimSpace(c.SecretKey) == "" {
		return ErrMissingSecretKey
	}
	return nil
}

// BaseURL returns the API endpoint: the explicit override, else the local API
// in dev environments, else production.
func (c *Config) BaseURL() string {
	switch {
	case c.APIBaseURL != "":
		return c.APIBaseURL
	case strings.HasPrefix(strings.ToLower(c.Env), "dev"):
		return workos.LocalBaseURL
	default:
		return workos.DefaultBaseURL
	}
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	// SetConfigFile bypasses the search path, so a missing file surfaces as
	// a plain *fs.PathError.
	return errors.Is(err, fs.ErrNotExist)
}
