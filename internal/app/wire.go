package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	s3blob "github.com/derivlab/perpengine/internal/blob/s3"
	"github.com/derivlab/perpengine/internal/broker"
	"github.com/derivlab/perpengine/internal/broker/deribit"
	"github.com/derivlab/perpengine/internal/broker/paper"
	"github.com/derivlab/perpengine/internal/cache/redis"
	"github.com/derivlab/perpengine/internal/config"
	"github.com/derivlab/perpengine/internal/domain"
	"github.com/derivlab/perpengine/internal/manager"
	"github.com/derivlab/perpengine/internal/notify"
	"github.com/derivlab/perpengine/internal/reconcile"
	"github.com/derivlab/perpengine/internal/server"
	"github.com/derivlab/perpengine/internal/server/handler"
	"github.com/derivlab/perpengine/internal/service"
	"github.com/derivlab/perpengine/internal/store/memory"
	"github.com/derivlab/perpengine/internal/store/postgres"
	"github.com/derivlab/perpengine/internal/strategy"
)

// Dependencies bundles every component the run loop needs. Constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Store  domain.StrategyStore
	Ledger domain.TradeLedger

	Prices  domain.PriceCache
	Limiter domain.RateLimiter

	Brokers    *broker.Registry
	Strategies *strategy.Registry
	Notifier   *notify.Notifier

	Manager    *manager.Manager
	Reconciler *reconcile.Reconciler
	Archiver   *s3blob.Archiver // nil when archival is disabled
	Server     *server.Server   // nil when the control plane is disabled
}

// paperInstruments seeds the simulated venue for paper accounts.
var paperInstruments = []domain.Instrument{
	{Name: "BTC_USDC-PERPETUAL", Currency: "USDC", TickSize: 0.5, MinTradeAmount: 0.001, ContractSize: 0.001},
	{Name: "ETH_USDC-PERPETUAL", Currency: "USDC", TickSize: 0.05, MinTradeAmount: 0.01, ContractSize: 0.01},
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL: strategy records always live here; the ledger joins it
	// when the sql backend is selected. ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.StateDB.DSN,
		Host:     cfg.StateDB.Host,
		Port:     cfg.StateDB.Port,
		Database: cfg.StateDB.Database,
		User:     cfg.StateDB.User,
		Password: cfg.StateDB.Password,
		SSLMode:  cfg.StateDB.SSLMode,
		MaxConns: cfg.StateDB.PoolMaxConns,
		MinConns: cfg.StateDB.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.StateDB.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Store = postgres.NewStrategyStore(pool)

	switch cfg.Ledger.Backend {
	case "memory":
		deps.Ledger = memory.NewTradeStore()
	default:
		deps.Ledger = postgres.NewTradeStore(pool)
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Prices = redis.NewPriceCache(redisClient)
	deps.Limiter = redis.NewRateLimiter(redisClient, cfg.Broker.RequestsPerSecond)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.New(senders, cfg.Notify.Events, logger)

	// --- Broker sessions ---
	deps.Brokers = broker.NewRegistry()
	connectAccounts(ctx, cfg, deps, logger, &closers)

	// --- Strategies, manager, reconciler ---
	deps.Strategies = strategy.NewRegistry()

	deps.Manager = manager.New(manager.Config{
		HeartbeatInterval:      time.Duration(cfg.Engine.HeartbeatSeconds) * time.Second,
		StopGrace:              time.Duration(cfg.Engine.StopGraceSeconds) * time.Second,
		BracketStepTimeout:     time.Duration(cfg.Engine.BracketTimeoutMs) * time.Millisecond,
		QueryTimeout:           time.Duration(cfg.Broker.QueryTimeoutMs) * time.Millisecond,
		ResumeRecordTimeout:    time.Duration(cfg.Engine.ResumeRecordTimeoutSeconds) * time.Second,
		DefaultCooldownMinutes: cfg.Engine.DefaultCooldownMinutes,
		DefaultMaxDailyTrades:  cfg.Engine.DefaultMaxDailyTrades,
	}, manager.Deps{
		Store:      deps.Store,
		Ledger:     deps.Ledger,
		Prices:     deps.Prices,
		Brokers:    deps.Brokers,
		Strategies: deps.Strategies,
		Notifier:   deps.Notifier,
		Logger:     logger,
	})

	deps.Reconciler = reconcile.New(reconcile.Config{
		Interval:               time.Duration(cfg.Engine.ReconcileSeconds) * time.Second,
		HeartbeatInterval:      time.Duration(cfg.Engine.HeartbeatSeconds) * time.Second,
		QueryTimeout:           time.Duration(cfg.Broker.QueryTimeoutMs) * time.Millisecond,
		ReclaimOrphanPositions: cfg.Engine.ReclaimOrphanPositions,
	}, reconcile.Deps{
		Store:    deps.Store,
		Ledger:   deps.Ledger,
		Prices:   deps.Prices,
		Brokers:  deps.Brokers,
		Notifier: deps.Notifier,
		Logger:   logger,
	})

	// --- Trade archival ---
	var s3Client *s3blob.Client
	if cfg.Archive.Enabled {
		var err error
		s3Client, err = s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		archive, ok := deps.Ledger.(s3blob.LedgerArchive)
		if !ok {
			cleanup()
			return nil, nil, fmt.Errorf("wire: ledger backend %q does not support archival", cfg.Ledger.Backend)
		}
		deps.Archiver = s3blob.NewArchiver(s3Client, archive, cfg.Archive.RetentionDays, logger)
	}

	// --- HTTP control plane ---
	if cfg.Server.Enabled {
		strategySvc := service.NewStrategyService(deps.Manager, deps.Strategies, logger)
		tradeSvc := service.NewTradeService(deps.Ledger, logger)

		probes := map[string]handler.Pinger{
			"postgres": pgPinger{pool: pool},
			"redis":    redisClient,
		}
		if s3Client != nil {
			probes["s3"] = s3Client
		}

		deps.Server = server.New(server.Config{
			Port:               cfg.Server.Port,
			CORSOrigins:        cfg.Server.CORSOrigins,
			APIKey:             cfg.Server.APIKey,
			RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		}, server.Handlers{
			Health:   handler.NewHealthHandler(probes),
			Strategy: handler.NewStrategyHandler(strategySvc),
			Trade:    handler.NewTradeHandler(tradeSvc),
		}, deps.Limiter, logger)
	}

	return deps, cleanup, nil
}

// connectAccounts establishes the configured broker sessions. A failed
// connection is logged and skipped; auto-resume marks the affected records
// paused and the account can reconnect on the next boot.
func connectAccounts(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger, closers *[]func()) {
	for _, acct := range cfg.Broker.Accounts {
		switch acct.Broker {
		case "paper":
			deps.Brokers.Register(acct.UserID, acct.Broker, acct.Environment, paper.New(paperInstruments))

		case "deribit":
			url := cfg.Broker.DeribitURL
			if acct.Environment == "testnet" {
				url = cfg.Broker.DeribitTestnetURL
			}
			client := deribit.NewClient(deribit.Config{
				URL:          url,
				ClientID:     acct.ClientID,
				ClientSecret: acct.ClientSecret,
				PlaceTimeout: time.Duration(cfg.Broker.PlaceTimeoutMs) * time.Millisecond,
				QueryTimeout: time.Duration(cfg.Broker.QueryTimeoutMs) * time.Millisecond,
			}, deps.Limiter, logger)

			if err := client.Connect(ctx); err != nil {
				logger.Warn("broker connect failed, account skipped",
					slog.String("user_id", acct.UserID),
					slog.String("broker", acct.Broker),
					slog.String("environment", acct.Environment),
					slog.String("error", err.Error()),
				)
				continue
			}
			*closers = append(*closers, func() { _ = client.Close() })
			deps.Brokers.Register(acct.UserID, acct.Broker, acct.Environment, client)
		}
	}
}

// pgPinger adapts the pgx pool to the health probe interface.
type pgPinger struct {
	pool *pgxpool.Pool
}

func (p pgPinger) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
