package bracket

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/derivlab/perpengine/internal/domain"
)

const (
	// monitorChecks bounds the watcher; with monitorPeriod it covers two
	// minutes after placement.
	monitorChecks = 60
	monitorPeriod = 2 * time.Second
)

// MonitorBracket is defence-in-depth for brokers without OTOCO: it watches
// the position behind a sequentially-placed bracket and cancels surviving
// protective legs once the position closes (or shrinks below 10% of the
// original), since nothing links the siblings broker-side. It blocks; run it
// on its own goroutine.
func (o *Orchestrator) MonitorBracket(ctx context.Context, instrument, currency string, amount float64, res Result) {
	logger := o.logger.With(slog.String("entry_id", res.EntryID), slog.String("instrument", instrument))

	ticker := time.NewTicker(monitorPeriod)
	defer ticker.Stop()

	for i := 0; i < monitorChecks; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		positions, err := o.broker.Positions(ctx, currency)
		if err != nil {
			logger.Warn("monitor position query failed", slog.String("error", err.Error()))
			continue
		}
		var size float64
		for _, p := range positions {
			if p.Instrument == instrument {
				size = p.AbsSize()
			}
		}
		if size == 0 || size < amount*0.10 {
			o.cancelSurvivors(ctx, logger, res.SlID, res.TpID)
			return
		}

		// Position still open: if one protective leg already resolved, the
		// sibling must not be left to fire against a future position.
		orders, err := o.broker.OpenOrders(ctx, instrument)
		if err != nil {
			continue
		}
		slLive, tpLive := false, false
		for _, ord := range orders {
			switch ord.OrderID {
			case res.SlID:
				slLive = true
			case res.TpID:
				tpLive = true
			}
		}
		switch {
		case slLive && !tpLive:
			o.cancelSurvivors(ctx, logger, res.SlID)
			return
		case tpLive && !slLive:
			o.cancelSurvivors(ctx, logger, res.TpID)
			return
		}
	}
}

func (o *Orchestrator) cancelSurvivors(ctx context.Context, logger *slog.Logger, orderIDs ...string) {
	for _, id := range orderIDs {
		if id == "" {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		err := o.broker.CancelOrder(callCtx, id)
		cancel()
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			logger.Warn("survivor cancel failed, delegating to reaper",
				slog.String("order_id", id), slog.String("error", err.Error()))
			continue
		}
		logger.Info("protective survivor cancelled", slog.String("order_id", id))
	}
}
