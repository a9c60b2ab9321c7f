package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[ledger]
backend = "memory"

[server]
port = 9000
api_key = "s3cret"

[[broker.accounts]]
user_id = "alice"
broker = "paper"
environment = "paper"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.APIKey)

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 30, cfg.Engine.HeartbeatSeconds)
	assert.Equal(t, "wss://www.deribit.com/ws/api/v2", cfg.Broker.DeribitURL)

	require.Len(t, cfg.Broker.Accounts, 1)
	assert.Equal(t, "alice", cfg.Broker.Accounts[0].UserID)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[redis]
addr = "redis-from-file:6379"
`)

	t.Setenv("PERPENGINE_REDIS_ADDR", "redis-from-env:6379")
	t.Setenv("PERPENGINE_STATE_DB_PASSWORD", "hunter2")
	t.Setenv("PERPENGINE_SERVER_API_KEY", "env-key")
	t.Setenv("PERPENGINE_SERVER_RATE_LIMIT_PER_MINUTE", "60")
	t.Setenv("PERPENGINE_ARCHIVE_ENABLED", "true")
	t.Setenv("PERPENGINE_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis-from-env:6379", cfg.Redis.Addr)
	assert.Equal(t, "hunter2", cfg.StateDB.Password)
	assert.Equal(t, "env-key", cfg.Server.APIKey)
	assert.Equal(t, 60, cfg.Server.RateLimitPerMinute)
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "verbose"
	cfg.Ledger.Backend = "csv"
	cfg.Redis.Addr = ""
	cfg.Engine.HeartbeatSeconds = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "ledger")
	assert.Contains(t, err.Error(), "redis")
	assert.Contains(t, err.Error(), "heartbeat_seconds")
}

func TestValidateBrokerAccounts(t *testing.T) {
	t.Run("deribit requires credentials", func(t *testing.T) {
		cfg := Defaults()
		cfg.Broker.Accounts = []BrokerAccount{{
			UserID:      "alice",
			Broker:      "deribit",
			Environment: "testnet",
		}}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "client_id")
	})

	t.Run("paper requires paper environment", func(t *testing.T) {
		cfg := Defaults()
		cfg.Broker.Accounts = []BrokerAccount{{
			UserID:      "alice",
			Broker:      "paper",
			Environment: "live",
		}}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "environment paper")
	})

	t.Run("unknown broker", func(t *testing.T) {
		cfg := Defaults()
		cfg.Broker.Accounts = []BrokerAccount{{
			UserID:      "alice",
			Broker:      "binance",
			Environment: "live",
		}}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown broker")
	})

	t.Run("valid accounts pass", func(t *testing.T) {
		cfg := Defaults()
		cfg.Broker.Accounts = []BrokerAccount{
			{UserID: "alice", Broker: "paper", Environment: "paper"},
			{UserID: "bob", Broker: "deribit", Environment: "live", ClientID: "id", ClientSecret: "sec"},
		}
		assert.NoError(t, cfg.Validate())
	})
}

func TestValidateArchiveRequiresS3(t *testing.T) {
	cfg := Defaults()
	cfg.Archive.Enabled = true
	cfg.S3.Bucket = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.StateDB.Password = "dbpass"
	cfg.Redis.Password = "redispass"
	cfg.Server.APIKey = "apikey"
	cfg.Notify.TelegramToken = "tok"
	cfg.Broker.Accounts = []BrokerAccount{
		{UserID: "alice", Broker: "deribit", Environment: "live", ClientID: "id", ClientSecret: "sec"},
	}

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.StateDB.Password)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	assert.Equal(t, "***", red.Broker.Accounts[0].ClientSecret)
	// Non-secret fields survive, and the original is untouched.
	assert.Equal(t, "id", red.Broker.Accounts[0].ClientID)
	assert.Equal(t, "apikey", cfg.Server.APIKey)
	assert.Equal(t, "sec", cfg.Broker.Accounts[0].ClientSecret)

	// Empty secrets stay empty rather than becoming placeholders.
	blank := Defaults()
	assert.Empty(t, RedactedConfig(&blank).Server.APIKey)
}
