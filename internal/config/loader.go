package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERPENGINE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PERPENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── State DB ──
	setStr(&cfg.StateDB.DSN, "PERPENGINE_STATE_DB_DSN")
	setStr(&cfg.StateDB.DSN, "PERPENGINE_STATE_DB_URL") // compatibility alias
	setStr(&cfg.StateDB.Host, "PERPENGINE_STATE_DB_HOST")
	setInt(&cfg.StateDB.Port, "PERPENGINE_STATE_DB_PORT")
	setStr(&cfg.StateDB.Database, "PERPENGINE_STATE_DB_DATABASE")
	setStr(&cfg.StateDB.User, "PERPENGINE_STATE_DB_USER")
	setStr(&cfg.StateDB.Password, "PERPENGINE_STATE_DB_PASSWORD")
	setStr(&cfg.StateDB.SSLMode, "PERPENGINE_STATE_DB_SSLMODE")
	setInt(&cfg.StateDB.PoolMaxConns, "PERPENGINE_STATE_DB_POOL_MAX_CONNS")
	setInt(&cfg.StateDB.PoolMinConns, "PERPENGINE_STATE_DB_POOL_MIN_CONNS")
	setBool(&cfg.StateDB.RunMigrations, "PERPENGINE_STATE_DB_RUN_MIGRATIONS")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "PERPENGINE_LEDGER_BACKEND")
	setStr(&cfg.Ledger.Backend, "PERPENGINE_STORE_BACKEND") // compatibility alias

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PERPENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPENGINE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPENGINE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPENGINE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PERPENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERPENGINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERPENGINE_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PERPENGINE_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "PERPENGINE_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "PERPENGINE_ARCHIVE_RETENTION_DAYS")

	// ── Broker ──
	setStr(&cfg.Broker.DeribitURL, "PERPENGINE_BROKER_DERIBIT_URL")
	setStr(&cfg.Broker.DeribitTestnetURL, "PERPENGINE_BROKER_DERIBIT_TESTNET_URL")
	setInt(&cfg.Broker.RequestsPerSecond, "PERPENGINE_BROKER_REQUESTS_PER_SECOND")
	setInt(&cfg.Broker.PlaceTimeoutMs, "PERPENGINE_BROKER_PLACE_TIMEOUT_MS")
	setInt(&cfg.Broker.QueryTimeoutMs, "PERPENGINE_BROKER_QUERY_TIMEOUT_MS")

	// ── Engine ──
	setInt(&cfg.Engine.HeartbeatSeconds, "PERPENGINE_HEARTBEAT_SECONDS")
	setInt(&cfg.Engine.ReconcileSeconds, "PERPENGINE_RECONCILE_SECONDS")
	setInt(&cfg.Engine.OrphanSweepSeconds, "PERPENGINE_ORPHAN_SWEEP_SECONDS")
	setInt(&cfg.Engine.BracketTimeoutMs, "PERPENGINE_BRACKET_TIMEOUT_MS")
	setInt(&cfg.Engine.DefaultCooldownMinutes, "PERPENGINE_DEFAULT_COOLDOWN_MINUTES")
	setInt(&cfg.Engine.DefaultMaxDailyTrades, "PERPENGINE_DEFAULT_MAX_DAILY_TRADES")
	setBool(&cfg.Engine.ReclaimOrphanPositions, "PERPENGINE_RECLAIM_ORPHAN_POSITIONS")
	setInt(&cfg.Engine.ResumeRecordTimeoutSeconds, "PERPENGINE_RESUME_RECORD_TIMEOUT_SECONDS")
	setInt(&cfg.Engine.StopGraceSeconds, "PERPENGINE_STOP_GRACE_SECONDS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PERPENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PERPENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PERPENGINE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PERPENGINE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "PERPENGINE_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PERPENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPENGINE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "PERPENGINE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
