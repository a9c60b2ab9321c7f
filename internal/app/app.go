// Package app owns the application lifecycle: it wires every dependency
// (stores, caches, brokers, manager, reconciler, archiver, control plane),
// performs boot-time auto-resume, and runs the background loops until the
// signal context is cancelled.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/derivlab/perpengine/internal/bracket"
	"github.com/derivlab/perpengine/internal/config"
)

// shutdownGrace bounds the teardown of executors and in-flight HTTP requests
// after the run context is cancelled.
const shutdownGrace = 30 * time.Second

// App is the root application object. It owns the configuration, logger, and
// the cleanup functions that release resources in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, auto-resumes persisted strategies, and blocks
// running the background loops until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting engine",
		slog.String("ledger_backend", a.cfg.Ledger.Backend),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Bool("archive_enabled", a.cfg.Archive.Enabled),
		slog.Bool("server_enabled", a.cfg.Server.Enabled),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	summary := deps.Manager.Initialize(ctx)
	a.logger.InfoContext(ctx, "auto-resume finished",
		slog.Int("resumed", summary.Resumed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
	)

	reaper := bracket.NewReaper(deps.Manager,
		time.Duration(a.cfg.Engine.OrphanSweepSeconds)*time.Second, a.logger)

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := reaper.Run(runCtx)
		if err != nil && runCtx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := deps.Reconciler.Run(runCtx)
		if err != nil && runCtx.Err() != nil {
			return nil
		}
		return err
	})
	if deps.Archiver != nil {
		g.Go(func() error {
			err := deps.Archiver.Schedule(runCtx, a.cfg.Archive.Cron)
			if err != nil && runCtx.Err() != nil {
				return nil
			}
			return err
		})
	}
	if deps.Server != nil {
		g.Go(func() error {
			return deps.Server.Start()
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return deps.Server.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		deps.Manager.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: run: %w", err)
	}
	return nil
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down engine")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
