package bracket

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/derivlab/perpengine/internal/domain"
)

// SweepTarget is one (broker, instrument) pair the reaper inspects.
type SweepTarget struct {
	Broker     domain.BrokerClient
	Instrument string
	Currency   string
}

// Source supplies the reaper with what to sweep and which order IDs belong to
// live brackets. The strategy manager implements it.
type Source interface {
	SweepTargets() []SweepTarget
	LiveOrderIDs() map[string]struct{}
}

// Reaper is the background sweep that cancels orphan protective orders: a
// reduce-only order with no net position whose ID no live bracket claims.
type Reaper struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper returns a Reaper sweeping at the given interval.
func NewReaper(source Source, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		source:   source,
		interval: interval,
		logger:   logger.With(slog.String("component", "orphan_reaper")),
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
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

// Sweep runs one pass over all targets. Exported so tests and shutdown paths
// can force a sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	live := r.source.LiveOrderIDs()

	for _, target := range r.source.SweepTargets() {
		r.sweepTarget(ctx, target, live)
	}
}

func (r *Reaper) sweepTarget(ctx context.Context, target SweepTarget, live map[string]struct{}) {
	orders, err := target.Broker.OpenOrders(ctx, target.Instrument)
	if err != nil {
		r.logger.Warn("open-order listing failed",
			slog.String("instrument", target.Instrument),
			slog.String("error", err.Error()))
		return
	}

	var reduceOnly []domain.OrderSummary
	for _, o := range orders {
		if o.ReduceOnly {
			reduceOnly = append(reduceOnly, o)
		}
	}
	if len(reduceOnly) == 0 {
		return
	}

	positions, err := target.Broker.Positions(ctx, target.Currency)
	if err != nil {
		r.logger.Warn("position listing failed",
			slog.String("instrument", target.Instrument),
			slog.String("error", err.Error()))
		return
	}
	for _, p := range positions {
		if p.Instrument == target.Instrument && p.Size != 0 {
			return // position still open, protective orders are legitimate
		}
	}

	for _, o := range reduceOnly {
		if _, claimed := live[o.OrderID]; claimed {
			continue
		}
		err := target.Broker.CancelOrder(ctx, o.OrderID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			r.logger.Error("orphan cancel failed",
				slog.String("order_id", o.OrderID),
				slog.String("label", o.Label),
				slog.String("error", err.Error()))
			continue
		}
		r.logger.Info("orphan order reaped",
			slog.String("order_id", o.OrderID),
			slog.String("instrument", target.Instrument),
			slog.String("label", o.Label))
	}
}
