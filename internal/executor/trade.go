package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/derivlab/perpengine/internal/bracket"
	"github.com/derivlab/perpengine/internal/domain"
)

// handleTick is the single entry point for market data. It always updates the
// price view and candle history, then branches on state.
func (e *Executor) handleTick(ctx context.Context, ev domain.TickerEvent) {
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	e.lastPrice = ev.LastPrice
	e.lastPriceAt = now
	e.candles.Observe(ev.LastPrice, now)

	if err := e.deps.Prices.SetLastPrice(ctx, e.cfg.Key.Instrument, ev.LastPrice, now); err != nil {
		e.log.Debug("price cache write failed", slog.String("error", err.Error()))
	}

	if e.state == StatePositionOpen {
		e.checkPositionAndResume(ctx)
		return
	}
	if e.state != StateAnalyzing {
		return
	}

	if e.cooldownUntil.After(now) {
		if now.Sub(e.lastCooldownLog) >= cooldownLogEvery {
			e.lastCooldownLog = now
			e.log.Info("cooling down",
				slog.Duration("remaining", e.cooldownUntil.Sub(now).Round(time.Second)))
		}
		return
	}

	e.resetDailyCounter(now)
	risk := e.cfg.Strategy.Risk()
	if e.dailyCount >= risk.MaxDailyTrades {
		if now.Sub(e.lastLimitLog) >= cooldownLogEvery {
			e.lastLimitLog = now
			e.log.Info("daily trade limit reached",
				slog.Int("count", e.dailyCount),
				slog.Int("limit", risk.MaxDailyTrades))
		}
		return
	}

	sig := e.cfg.Strategy.Evaluate(e.candles.History(), ev.LastPrice)
	if sig.None() {
		return
	}
	e.executeTrade(ctx, sig, now)
}

// resetDailyCounter zeroes the trade counter when the UTC date rolls over.
func (e *Executor) resetDailyCounter(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(e.dailyDate) {
		e.dailyDate = day
		e.dailyCount = 0
	}
}

// executeTrade turns a signal into a bracket placement and a ledger row. Any
// failure path lands back in analyzing with an error cooldown.
func (e *Executor) executeTrade(ctx context.Context, sig domain.Signal, now time.Time) {
	// An existing position means a previous trade was not fully reclaimed;
	// entering on top of it would double exposure. Reconciliation owns it.
	size, err := e.positionSize(ctx)
	if err != nil {
		e.log.Warn("pre-trade position check failed", slog.String("error", err.Error()))
		if !transient(err) {
			e.deps.Supervisor.ReportError(e.cfg.Key, err)
		}
		e.enterErrorCooldown(now)
		return
	}
	if size != 0 {
		e.log.Warn("existing position found, skipping entry",
			slog.Float64("size", size))
		e.enterErrorCooldown(now)
		return
	}

	risk := e.cfg.Strategy.Risk()
	price := e.lastPrice
	amount := bracket.RoundAmount(risk.TradeSize/price, e.instrument.MinTradeAmount)

	side := sig.EntrySide()
	slPct := risk.StopLossPercent / 100
	tpPct := risk.TakeProfitPercent / 100
	var stop, take float64
	if side == domain.SideBuy {
		stop = price * (1 - slPct)
		take = price * (1 + tpPct)
	} else {
		stop = price * (1 + slPct)
		take = price * (1 - tpPct)
	}
	stop = bracket.RoundToTick(stop, e.instrument.TickSize)
	take = bracket.RoundToTick(take, e.instrument.TickSize)
	ref := bracket.RoundToTick(price, e.instrument.TickSize)
	if stop == ref || take == ref {
		e.log.Warn("protective level equals entry after tick rounding, skipping entry",
			slog.Float64("price", price),
			slog.Float64("tick_size", e.instrument.TickSize))
		e.enterErrorCooldown(now)
		return
	}

	e.setState(StateSignalDetected)
	label := e.deps.Bracket.NextLabel()
	e.log.Info("signal detected",
		slog.String("direction", string(sig.Direction)),
		slog.Float64("confidence", sig.Confidence),
		slog.String("reason", sig.Reason),
		slog.String("label", label),
		slog.Float64("amount", amount),
		slog.Float64("stop_loss", stop),
		slog.Float64("take_profit", take),
	)

	res, err := e.deps.Bracket.PlaceBracket(ctx, bracket.Request{
		Instrument: e.cfg.Key.Instrument,
		Side:       side,
		Amount:     amount,
		EntryType:  domain.OrderTypeMarket,
		StopPrice:  stop,
		TakePrice:  take,
		Label:      label,
	})
	if err != nil {
		var rb *domain.RolledBackError
		if errors.As(err, &rb) {
			e.log.Error("bracket rolled back",
				slog.String("label", label),
				slog.String("cause", rb.Cause.Error()),
				slog.Int("remnants", len(rb.Remnants)))
			e.notify(ctx, "bracket_rolled_back", "Bracket rolled back",
				fmt.Sprintf("%s %s: %v", e.cfg.Key.Instrument, label, rb.Cause))
		} else {
			e.log.Error("bracket placement failed",
				slog.String("label", label),
				slog.String("error", err.Error()))
		}
		e.deps.Supervisor.ReportError(e.cfg.Key, err)
		e.enterErrorCooldown(now)
		return
	}

	entry := res.FilledPrice
	if entry == 0 {
		entry = price
	}
	id, err := e.deps.Ledger.RecordOpen(ctx, domain.TradeRecord{
		UserID:       e.cfg.Key.UserID,
		Strategy:     e.cfg.Key.Strategy,
		Instrument:   e.cfg.Key.Instrument,
		Side:         side,
		EntryOrderID: res.EntryID,
		SlOrderID:    res.SlID,
		TpOrderID:    res.TpID,
		EntryPrice:   entry,
		Amount:       amount,
		StopLoss:     stop,
		TakeProfit:   take,
		EntryTime:    now,
		Status:       domain.TradeStatusOpen,
	})
	if err != nil {
		// The bracket is live but unledgered. The reaper cancels the orphan
		// protective orders once the position is flat, and reconciliation
		// adopts the position meanwhile. position_open without a ledger row
		// is never allowed.
		e.log.Error("ledger open failed after bracket placement",
			slog.String("label", label),
			slog.String("error", err.Error()))
		e.deps.Supervisor.ReportError(e.cfg.Key, err)
		e.enterErrorCooldown(now)
		return
	}

	e.setTrade(&openTrade{
		id:         id,
		side:       side,
		entryPrice: entry,
		amount:     amount,
		stopLoss:   stop,
		takeProfit: take,
		label:      label,
		result:     res,
	})
	e.setState(StatePositionOpen)
	e.dailyCount++
	e.cooldownUntil = now.Add(time.Duration(risk.CooldownMinutes) * time.Minute)

	e.log.Info("trade opened",
		slog.Int64("trade_id", id),
		slog.String("label", label),
		slog.String("side", string(side)),
		slog.Float64("entry_price", entry),
		slog.Float64("amount", amount),
		slog.Int("daily_count", e.dailyCount),
	)
	e.notify(ctx, "trade_opened", "Trade opened",
		fmt.Sprintf("%s %s %.8f @ %.2f (SL %.2f / TP %.2f)",
			e.cfg.Key.Instrument, side, amount, entry, stop, take))

	if !e.deps.Broker.SupportsOTOCO() {
		go e.deps.Bracket.MonitorBracket(ctx, e.cfg.Key.Instrument, e.instrument.Currency, amount, res)
	}
}

// enterErrorCooldown drops back to analyzing with the short fallback cooldown.
func (e *Executor) enterErrorCooldown(now time.Time) {
	e.setState(StateAnalyzing)
	e.cooldownUntil = now.Add(errorCooldown)
}

// checkPositionAndResume polls the broker position behind the open trade.
// When the position is gone the surviving protective order is cancelled, the
// ledger row is closed and the executor resumes analyzing.
func (e *Executor) checkPositionAndResume(ctx context.Context) {
	size, err := e.positionSize(ctx)
	if err != nil {
		e.log.Warn("position check failed", slog.String("error", err.Error()))
		if !transient(err) {
			e.deps.Supervisor.ReportError(e.cfg.Key, err)
		}
		return
	}
	if size != 0 {
		return
	}

	// Position flat: one protective leg filled (or the position was closed
	// manually). Whatever survives on the book must go before re-entry.
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	err = e.deps.Broker.CancelAllByInstrument(callCtx, e.cfg.Key.Instrument)
	cancel()
	if err != nil {
		e.log.Warn("cancel-all after close failed, delegating to reaper",
			slog.String("error", err.Error()))
	}

	exit := e.lastPrice
	if exit == 0 {
		exit = e.trade.entryPrice
	}
	e.closeTrade(ctx, exit)
}

// closeTrade settles the open ledger row at the given exit price and returns
// the executor to analyzing. Cooldown set at open time stays in effect.
func (e *Executor) closeTrade(ctx context.Context, exitPrice float64) {
	t := e.trade
	reason := domain.ClassifyExit(exitPrice, t.stopLoss, t.takeProfit)
	pnl, pct := domain.ComputePnl(t.side, t.entryPrice, exitPrice, t.amount)

	err := e.deps.Ledger.RecordClose(ctx, t.id, domain.TradeClose{
		ExitPrice:  exitPrice,
		ExitTime:   time.Now().UTC(),
		ExitReason: reason,
		Pnl:        pnl,
		PnlPercent: pct,
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrAlreadyClosed), errors.Is(err, domain.ErrNotFound):
		// Reconciliation beat us to it; the broker side is already settled.
		e.log.Info("trade already settled elsewhere", slog.Int64("trade_id", t.id))
	default:
		// Keep the trade so the next tick retries the close.
		e.log.Error("ledger close failed", slog.Int64("trade_id", t.id),
			slog.String("error", err.Error()))
		e.deps.Supervisor.ReportError(e.cfg.Key, err)
		return
	}

	e.log.Info("trade closed",
		slog.Int64("trade_id", t.id),
		slog.String("label", t.label),
		slog.String("exit_reason", string(reason)),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("pnl", pnl),
		slog.Float64("pnl_percent", pct*100),
	)
	e.notify(ctx, "trade_closed", "Trade closed",
		fmt.Sprintf("%s %s exit %.2f (%s) pnl %.4f",
			e.cfg.Key.Instrument, t.side, exitPrice, reason, pnl))

	e.setTrade(nil)
	e.setState(StateAnalyzing)
}
