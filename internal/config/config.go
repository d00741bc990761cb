// Package config provides configuration management with hot-reload
// support. It uses fsnotify to watch for file changes and atomic pointer
// swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/credmux/internal/store"
)

// Config represents the complete broker configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	OAuth      OAuthConfig      `yaml:"oauth"`
	Pool       PoolConfig       `yaml:"pool"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig contains HTTP admin server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// StoreConfig selects and configures the durable record store.
type StoreConfig struct {
	// Backend is one of memory, redis, postgres.
	Backend  string               `yaml:"backend"`
	Redis    store.RedisConfig    `yaml:"redis"`
	Postgres store.PostgresConfig `yaml:"postgres"`
}

// OAuthConfig contains the upstream token endpoint used for access token
// refresh. ClientSecret accepts secret references ("env://NAME",
// "vault://path#key") resolved at startup.
type OAuthConfig struct {
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	TokenURL     string        `yaml:"token_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

// PoolConfig tunes the credential pool's reload behavior.
type PoolConfig struct {
	ReloadInterval       time.Duration `yaml:"reload_interval"`
	ForceReloadPerSecond float64       `yaml:"force_reload_per_second"`
	ForceReloadBurst     int           `yaml:"force_reload_burst"`
}

// SupervisorConfig tunes the quarantine sweep.
type SupervisorConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SecretsConfig configures optional Vault-backed secret resolution.
type SecretsConfig struct {
	Vault VaultConfig `yaml:"vault"`
}

// VaultConfig contains HashiCorp Vault connection settings.
type VaultConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // approle, cert, token
	RoleID     string `yaml:"role_id"`
	SecretID   string `yaml:"secret_id"`
	Token      string `yaml:"token"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Store: StoreConfig{
			Backend:  "memory",
			Redis:    store.DefaultRedisConfig(),
			Postgres: *store.DefaultPostgresConfig(),
		},
		OAuth: OAuthConfig{
			Timeout: 30 * time.Second,
		},
		Pool: PoolConfig{
			ReloadInterval:       60 * time.Second,
			ForceReloadPerSecond: 1,
			ForceReloadBurst:     3,
		},
		Supervisor: SupervisorConfig{
			SweepInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	case "postgres":
		if c.Store.Postgres.Host == "" || c.Store.Postgres.Database == "" {
			return fmt.Errorf("store.postgres.host and store.postgres.database are required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}

	if c.OAuth.TokenURL != "" {
		if c.OAuth.ClientID == "" {
			return fmt.Errorf("oauth.client_id is required when oauth.token_url is set")
		}
	}
	if c.OAuth.Timeout < 0 {
		return fmt.Errorf("oauth.timeout cannot be negative")
	}

	if c.Pool.ReloadInterval < 0 {
		return fmt.Errorf("pool.reload_interval cannot be negative")
	}
	if c.Pool.ForceReloadPerSecond < 0 {
		return fmt.Errorf("pool.force_reload_per_second cannot be negative")
	}
	if c.Supervisor.SweepInterval < 0 {
		return fmt.Errorf("supervisor.sweep_interval cannot be negative")
	}

	return nil
}
