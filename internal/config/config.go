// Package config defines the top-level configuration for the strategy
// execution engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPENGINE_* environment variables.
type Config struct {
	StateDB  StateDBConfig `toml:"state_db"`
	Ledger   LedgerConfig  `toml:"ledger"`
	Redis    RedisConfig   `toml:"redis"`
	S3       S3Config      `toml:"s3"`
	Archive  ArchiveConfig `toml:"archive"`
	Broker   BrokerConfig  `toml:"broker"`
	Engine   EngineConfig  `toml:"engine"`
	Server   ServerConfig  `toml:"server"`
	Notify   NotifyConfig  `toml:"notify"`
	LogLevel string        `toml:"log_level"`
}

// StateDBConfig holds PostgreSQL connection parameters for the strategy-state
// store and, when ledger.backend = "sql", the trade ledger.
type StateDBConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// LedgerConfig selects the trade-ledger backing store.
type LedgerConfig struct {
	// Backend is "memory" (ephemeral, for development) or "sql".
	Backend string `toml:"backend"`
}

// RedisConfig holds Redis connection parameters for the price cache and the
// broker request-rate limiter.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for trade archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the closed-trade cold-storage job.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
}

// BrokerConfig holds per-environment broker endpoints and request budgets.
type BrokerConfig struct {
	DeribitURL        string `toml:"deribit_url"`
	DeribitTestnetURL string `toml:"deribit_testnet_url"`
	// RequestsPerSecond is the per-user broker request budget enforced by the
	// rate limiter. Deribit rejects bursts above its credit allowance.
	RequestsPerSecond int `toml:"requests_per_second"`
	PlaceTimeoutMs    int `toml:"place_timeout_ms"`
	QueryTimeoutMs    int `toml:"query_timeout_ms"`

	// Accounts are the broker sessions established at boot. The registry
	// never constructs clients itself; this list is the headless stand-in for
	// a credential service.
	Accounts []BrokerAccount `toml:"accounts"`
}

// BrokerAccount declares one user's broker session.
type BrokerAccount struct {
	UserID       string `toml:"user_id"`
	Broker       string `toml:"broker"`      // "deribit" or "paper"
	Environment  string `toml:"environment"` // "live", "testnet", or "paper"
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

// EngineConfig holds strategy-execution cadence and safety parameters.
type EngineConfig struct {
	HeartbeatSeconds   int `toml:"heartbeat_seconds"`
	ReconcileSeconds   int `toml:"reconcile_seconds"`
	OrphanSweepSeconds int `toml:"orphan_sweep_seconds"`
	BracketTimeoutMs   int `toml:"bracket_timeout_ms"`

	DefaultCooldownMinutes int `toml:"default_cooldown_minutes"`
	DefaultMaxDailyTrades  int `toml:"default_max_daily_trades"`

	// ReclaimOrphanPositions makes reconciliation adopt unmatched broker
	// positions into the ledger; when false it only alerts.
	ReclaimOrphanPositions bool `toml:"reclaim_orphan_positions"`

	// ResumeRecordTimeoutSeconds bounds each boot-time auto-resume attempt so
	// one stuck broker handshake cannot stall the whole resume pass.
	ResumeRecordTimeoutSeconds int `toml:"resume_record_timeout_seconds"`

	// StopGraceSeconds bounds the orderly shutdown wait per executor.
	StopGraceSeconds int `toml:"stop_grace_seconds"`
}

// ServerConfig holds HTTP control-plane parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey protects every non-health endpoint. Empty disables auth; only
	// acceptable behind a trusted reverse proxy.
	APIKey string `toml:"api_key"`
	// RateLimitPerMinute caps control-plane requests per client IP. Zero
	// disables the limiter.
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		StateDB: StateDBConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "perpengine",
			User:          "perpengine",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Ledger: LedgerConfig{
			Backend: "sql",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "perpengine-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Cron:          "0 3 1 * *",
			RetentionDays: 90,
		},
		Broker: BrokerConfig{
			DeribitURL:        "wss://www.deribit.com/ws/api/v2",
			DeribitTestnetURL: "wss://test.deribit.com/ws/api/v2",
			RequestsPerSecond: 10,
			PlaceTimeoutMs:    5000,
			QueryTimeoutMs:    3000,
		},
		Engine: EngineConfig{
			HeartbeatSeconds:           30,
			ReconcileSeconds:           300,
			OrphanSweepSeconds:         60,
			BracketTimeoutMs:           5000,
			DefaultCooldownMinutes:     5,
			DefaultMaxDailyTrades:      150,
			ReclaimOrphanPositions:     true,
			ResumeRecordTimeoutSeconds: 15,
			StopGraceSeconds:           10,
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMinute: 240,
		},
		Notify: NotifyConfig{
			Events: []string{"trade_opened", "trade_closed", "bracket_rolled_back", "strategy_error"},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validLedgerBackends enumerates the accepted values for Ledger.Backend.
var validLedgerBackends = map[string]bool{
	"memory": true,
	"sql":    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if !validLedgerBackends[strings.ToLower(c.Ledger.Backend)] {
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: memory, sql)", c.Ledger.Backend))
	}

	// State DB is always required; strategy records must survive restarts.
	if strings.TrimSpace(c.StateDB.DSN) == "" {
		if c.StateDB.Host == "" {
			errs = append(errs, "state_db: host must not be empty (or set state_db.dsn)")
		}
		if c.StateDB.Port <= 0 || c.StateDB.Port > 65535 {
			errs = append(errs, fmt.Sprintf("state_db: port must be 1-65535, got %d", c.StateDB.Port))
		}
		if c.StateDB.Database == "" {
			errs = append(errs, "state_db: database must not be empty")
		}
	}
	if c.StateDB.PoolMaxConns < 1 {
		errs = append(errs, "state_db: pool_max_conns must be >= 1")
	}
	if c.StateDB.PoolMinConns < 0 {
		errs = append(errs, "state_db: pool_min_conns must be >= 0")
	}
	if c.StateDB.PoolMinConns > c.StateDB.PoolMaxConns {
		errs = append(errs, "state_db: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 / archive settings only matter when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Cron == "" {
			errs = append(errs, "archive: cron must not be empty when enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Broker
	if c.Broker.DeribitURL == "" {
		errs = append(errs, "broker: deribit_url must not be empty")
	}
	if c.Broker.DeribitTestnetURL == "" {
		errs = append(errs, "broker: deribit_testnet_url must not be empty")
	}
	if c.Broker.RequestsPerSecond < 1 {
		errs = append(errs, "broker: requests_per_second must be >= 1")
	}
	if c.Broker.PlaceTimeoutMs < 100 {
		errs = append(errs, "broker: place_timeout_ms must be >= 100")
	}
	if c.Broker.QueryTimeoutMs < 100 {
		errs = append(errs, "broker: query_timeout_ms must be >= 100")
	}
	for i, acct := range c.Broker.Accounts {
		if acct.UserID == "" {
			errs = append(errs, fmt.Sprintf("broker: accounts[%d]: user_id must not be empty", i))
		}
		switch acct.Broker {
		case "deribit":
			if acct.ClientID == "" || acct.ClientSecret == "" {
				errs = append(errs, fmt.Sprintf("broker: accounts[%d]: deribit requires client_id and client_secret", i))
			}
			if acct.Environment != "live" && acct.Environment != "testnet" {
				errs = append(errs, fmt.Sprintf("broker: accounts[%d]: deribit environment must be live or testnet, got %q", i, acct.Environment))
			}
		case "paper":
			if acct.Environment != "paper" {
				errs = append(errs, fmt.Sprintf("broker: accounts[%d]: paper broker requires environment paper, got %q", i, acct.Environment))
			}
		default:
			errs = append(errs, fmt.Sprintf("broker: accounts[%d]: unknown broker %q (valid: deribit, paper)", i, acct.Broker))
		}
	}

	// Engine
	if c.Engine.HeartbeatSeconds < 1 {
		errs = append(errs, "engine: heartbeat_seconds must be >= 1")
	}
	if c.Engine.ReconcileSeconds < 1 {
		errs = append(errs, "engine: reconcile_seconds must be >= 1")
	}
	if c.Engine.OrphanSweepSeconds < 1 {
		errs = append(errs, "engine: orphan_sweep_seconds must be >= 1")
	}
	if c.Engine.BracketTimeoutMs < 100 {
		errs = append(errs, "engine: bracket_timeout_ms must be >= 100")
	}
	if c.Engine.DefaultCooldownMinutes < 0 {
		errs = append(errs, "engine: default_cooldown_minutes must be >= 0")
	}
	if c.Engine.DefaultMaxDailyTrades < 1 {
		errs = append(errs, "engine: default_max_daily_trades must be >= 1")
	}
	if c.Engine.ResumeRecordTimeoutSeconds < 1 {
		errs = append(errs, "engine: resume_record_timeout_seconds must be >= 1")
	}
	if c.Engine.StopGraceSeconds < 1 {
		errs = append(errs, "engine: stop_grace_seconds must be >= 1")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMinute < 0 {
			errs = append(errs, "server: rate_limit_per_minute must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
