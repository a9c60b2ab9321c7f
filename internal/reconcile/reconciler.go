// Package reconcile periodically repairs drift between the trade ledger, the
// strategy repository and broker reality: ledger rows whose position is gone,
// broker positions no row accounts for, and records whose executor stopped
// heartbeating.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/derivlab/perpengine/internal/broker"
	"github.com/derivlab/perpengine/internal/domain"
)

// staleHeartbeatFactor is how many heartbeat periods may pass before an
// active record counts as dead.
const staleHeartbeatFactor = 3

// minTradeAge keeps the sweep away from trades that are still settling, so a
// row opened between broker fill and position visibility is not closed early.
const minTradeAge = time.Minute

// Notifier matches notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes one Reconciler.
type Config struct {
	Interval          time.Duration
	HeartbeatInterval time.Duration
	QueryTimeout      time.Duration

	// ReclaimOrphanPositions chooses between adopting unledgered broker
	// positions into the ledger and merely alerting on them.
	ReclaimOrphanPositions bool
}

// Deps are the reconciler's collaborators.
type Deps struct {
	Store    domain.StrategyStore
	Ledger   domain.TradeLedger
	Prices   domain.PriceCache
	Brokers  *broker.Registry
	Notifier Notifier // optional
	Logger   *slog.Logger
}

// Reconciler runs the periodic drift sweep.
type Reconciler struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// New constructs a Reconciler.
func New(cfg Config, deps Deps) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 3 * time.Second
	}
	return &Reconciler{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.With(slog.String("component", "reconciler")),
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one full reconciliation pass. Exported for tests and for a
// forced pass at boot.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.closeOrphanTrades(ctx)
	r.adoptOrphanPositions(ctx)
	r.flagStaleHeartbeats(ctx)
}

// closeOrphanTrades settles open ledger rows whose broker position no longer
// exists, at the last cached price with a manual exit.
func (r *Reconciler) closeOrphanTrades(ctx context.Context) {
	open, err := r.deps.Ledger.Query(ctx, domain.TradeFilter{Status: domain.TradeStatusOpen})
	if err != nil {
		r.log.Error("open-trade query failed", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, trade := range open {
		if now.Sub(trade.EntryTime) < minTradeAge {
			continue
		}
		client, err := r.clientForTrade(ctx, trade)
		if err != nil {
			// No reachable broker; cannot decide either way.
			continue
		}

		size, err := r.positionSize(ctx, client, trade.Instrument)
		if err != nil {
			r.log.Warn("position query failed",
				slog.String("instrument", trade.Instrument),
				slog.String("error", err.Error()))
			continue
		}
		if size != 0 {
			continue
		}

		exit, err := r.deps.Prices.LastPrice(ctx, trade.Instrument)
		if err != nil {
			exit = trade.EntryPrice
		}
		pnl, pct := domain.ComputePnl(trade.Side, trade.EntryPrice, exit, trade.Amount)
		err = r.deps.Ledger.RecordClose(ctx, trade.ID, domain.TradeClose{
			ExitPrice:  exit,
			ExitTime:   now,
			ExitReason: domain.ExitManual,
			Pnl:        pnl,
			PnlPercent: pct,
		})
		if err != nil && !errors.Is(err, domain.ErrAlreadyClosed) {
			r.log.Error("orphan trade close failed",
				slog.Int64("trade_id", trade.ID),
				slog.String("error", err.Error()))
			continue
		}
		r.log.Info("orphan trade closed",
			slog.Int64("trade_id", trade.ID),
			slog.String("instrument", trade.Instrument),
			slog.Float64("exit_price", exit),
			slog.Float64("pnl", pnl),
		)
	}
}

// clientForTrade resolves the broker client behind an open trade through the
// user's strategy records.
func (r *Reconciler) clientForTrade(ctx context.Context, trade domain.TradeRecord) (domain.BrokerClient, error) {
	recs, err := r.deps.Store.FindByUser(ctx, trade.UserID, "", "")
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.Key.Strategy != trade.Strategy || rec.Key.Instrument != trade.Instrument {
			continue
		}
		client, err := r.deps.Brokers.Get(rec.Key.UserID, rec.Key.Broker, rec.Key.Environment)
		if err == nil {
			return client, nil
		}
	}
	return nil, fmt.Errorf("reconcile: no client for trade %d: %w", trade.ID, domain.ErrNotConnected)
}

func (r *Reconciler) positionSize(ctx context.Context, client domain.BrokerClient, instrument string) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()

	ins, err := client.Instrument(callCtx, instrument)
	if err != nil {
		return 0, err
	}
	positions, err := client.Positions(callCtx, ins.Currency)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Instrument == instrument && p.Size != 0 {
			return p.AbsSize(), nil
		}
	}
	return 0, nil
}

// adoptOrphanPositions finds broker positions on instruments with an active
// strategy record but no open ledger row, and either syncs them into the
// ledger or alerts, per config.
func (r *Reconciler) adoptOrphanPositions(ctx context.Context) {
	records, err := r.deps.Store.FindActive(ctx)
	if err != nil {
		r.log.Error("active record query failed", slog.String("error", err.Error()))
		return
	}

	for _, rec := range records {
		client, err := r.deps.Brokers.Get(rec.Key.UserID, rec.Key.Broker, rec.Key.Environment)
		if err != nil {
			continue
		}
		r.reconcilePosition(ctx, rec, client)
	}
}

func (r *Reconciler) reconcilePosition(ctx context.Context, rec domain.StrategyRecord, client domain.BrokerClient) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	ins, err := client.Instrument(callCtx, rec.Key.Instrument)
	cancel()
	if err != nil {
		return
	}

	callCtx, cancel = context.WithTimeout(ctx, r.cfg.QueryTimeout)
	positions, err := client.Positions(callCtx, ins.Currency)
	cancel()
	if err != nil {
		return
	}

	var pos *domain.Position
	for i := range positions {
		if positions[i].Instrument == rec.Key.Instrument && positions[i].Size != 0 {
			pos = &positions[i]
			break
		}
	}
	if pos == nil {
		return
	}

	open, err := r.deps.Ledger.Query(ctx, domain.TradeFilter{
		UserID:     rec.Key.UserID,
		Strategy:   rec.Key.Strategy,
		Instrument: rec.Key.Instrument,
		Status:     domain.TradeStatusOpen,
		Limit:      1,
	})
	if err != nil || len(open) > 0 {
		return
	}

	if !r.cfg.ReclaimOrphanPositions {
		r.log.Warn("unledgered broker position",
			slog.String("instance", rec.Key.String()),
			slog.Float64("size", pos.Size))
		if r.deps.Notifier != nil {
			_ = r.deps.Notifier.Notify(ctx, "strategy_error", "Unledgered position",
				fmt.Sprintf("%s holds %.8f %s with no ledger row",
					rec.Key.UserID, pos.Size, rec.Key.Instrument))
		}
		return
	}

	side := domain.SideBuy
	if pos.Size < 0 {
		side = domain.SideSell
	}
	stop, take := r.protectiveLevels(ctx, client, rec.Key.Instrument)
	id, err := r.deps.Ledger.RetroactiveSync(ctx, domain.TradeRecord{
		UserID:     rec.Key.UserID,
		Strategy:   rec.Key.Strategy,
		Instrument: rec.Key.Instrument,
		Side:       side,
		EntryPrice: pos.AveragePrice,
		Amount:     pos.AbsSize(),
		StopLoss:   stop,
		TakeProfit: take,
		EntryTime:  time.Now().UTC(),
		Status:     domain.TradeStatusOpen,
	})
	if err != nil {
		r.log.Error("retroactive sync failed",
			slog.String("instance", rec.Key.String()),
			slog.String("error", err.Error()))
		return
	}
	r.log.Info("orphan position reclaimed",
		slog.String("instance", rec.Key.String()),
		slog.Int64("trade_id", id),
		slog.Float64("size", pos.Size),
		slog.Float64("entry_price", pos.AveragePrice),
	)
}

// protectiveLevels synthesises SL/TP from the open reduce-only orders on the
// instrument: the stop order's trigger and the limit order's price.
func (r *Reconciler) protectiveLevels(ctx context.Context, client domain.BrokerClient, instrument string) (stop, take float64) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()

	orders, err := client.OpenOrders(callCtx, instrument)
	if err != nil {
		return 0, 0
	}
	for _, o := range orders {
		if !o.ReduceOnly {
			continue
		}
		switch o.Type {
		case domain.OrderTypeStopMarket:
			stop = o.TriggerPrice
		case domain.OrderTypeLimit:
			take = o.Price
		}
	}
	return stop, take
}

// flagStaleHeartbeats marks active records whose executor heartbeat is older
// than 3x the heartbeat period.
func (r *Reconciler) flagStaleHeartbeats(ctx context.Context) {
	records, err := r.deps.Store.FindActive(ctx)
	if err != nil {
		r.log.Error("active record query failed", slog.String("error", err.Error()))
		return
	}

	cutoff := time.Now().UTC().Add(-staleHeartbeatFactor * r.cfg.HeartbeatInterval)
	for _, rec := range records {
		last := rec.LastHeartbeat
		if last == nil {
			last = rec.ConnectedAt
		}
		if last == nil || last.After(cutoff) {
			continue
		}

		msg := "stale heartbeat"
		err := r.deps.Store.UpdateStatus(ctx, rec.Key, domain.StatusPatch{
			Status:       domain.StrategyError,
			LastAction:   domain.ActionExecutionError,
			ErrorMessage: &msg,
		})
		if err != nil {
			r.log.Error("stale heartbeat update failed",
				slog.String("instance", rec.Key.String()),
				slog.String("error", err.Error()))
			continue
		}
		r.log.Warn("stale heartbeat, record marked error",
			slog.String("instance", rec.Key.String()),
			slog.Time("last_heartbeat", *last))
		if r.deps.Notifier != nil {
			_ = r.deps.Notifier.Notify(ctx, "strategy_error", "Stale heartbeat",
				fmt.Sprintf("%s has not heartbeat since %s", rec.Key, last.Format(time.RFC3339)))
		}
	}
}
