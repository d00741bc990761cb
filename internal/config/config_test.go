package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
store:
  backend: redis
  redis:
    addr: localhost:6380
    namespace: test
oauth:
  client_id: cid
  client_secret: env://CLIENT_SECRET
  token_url: https://auth.example.com/token
pool:
  reload_interval: 30s
logging:
  level: debug
  format: text
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "localhost:6380", cfg.Store.Redis.Addr)
	assert.Equal(t, "env://CLIENT_SECRET", cfg.OAuth.ClientSecret)
	assert.Equal(t, 30*time.Second, cfg.Pool.ReloadInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset sections keep their defaults.
	assert.Equal(t, time.Minute, cfg.Supervisor.SweepInterval)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadFromFile_ExpandsEnv(t *testing.T) {
	t.Setenv("CREDMUX_TEST_PG_PASSWORD", "hunter2")
	path := writeConfig(t, `
store:
  backend: postgres
  postgres:
    host: db.internal
    user: broker
    password: ${CREDMUX_TEST_PG_PASSWORD}
    database: credmux
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Store.Postgres.Password)
	assert.Equal(t, "db.internal", cfg.Store.Postgres.Host)
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults valid", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "unknown store backend"},
		{"redis without addr", func(c *Config) {
			c.Store.Backend = "redis"
			c.Store.Redis.Addr = ""
		}, "store.redis.addr"},
		{"postgres without host", func(c *Config) {
			c.Store.Backend = "postgres"
			c.Store.Postgres.Host = ""
		}, "store.postgres.host"},
		{"token url without client id", func(c *Config) {
			c.OAuth.TokenURL = "https://auth.example.com/token"
		}, "oauth.client_id"},
		{"negative reload interval", func(c *Config) { c.Pool.ReloadInterval = -time.Second }, "pool.reload_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
