// Package bracket places entry + stop-loss + take-profit as one logical
// OTOCO unit, rolling back partial placements and reaping orphan protective
// orders.
package bracket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/derivlab/perpengine/internal/domain"
)

// Request describes one bracket placement.
type Request struct {
	Instrument string
	Side       domain.OrderSide
	Amount     float64
	EntryType  domain.OrderType // market or limit
	EntryPrice float64          // limit entries only
	StopPrice  float64
	TakePrice  float64
	Label      string // transaction prefix; protective legs get _sl/_tp suffixes
}

// Result carries the three order IDs and the entry fill.
type Result struct {
	EntryID     string
	SlID        string
	TpID        string
	FilledPrice float64
}

// Orchestrator owns bracket placement against one broker client.
type Orchestrator struct {
	broker      domain.BrokerClient
	stepTimeout time.Duration
	logger      *slog.Logger

	prefix string
	seq    atomic.Uint64
}

// New returns an Orchestrator with the given per-step timeout.
func New(broker domain.BrokerClient, stepTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	if stepTimeout <= 0 {
		stepTimeout = 5 * time.Second
	}
	return &Orchestrator{
		broker:      broker,
		stepTimeout: stepTimeout,
		logger:      logger.With(slog.String("component", "bracket")),
		prefix:      uuid.NewString()[:8],
	}
}

// NextLabel returns a globally-unique monotonic transaction prefix so logs
// and orphan reaping can correlate the three legs.
func (o *Orchestrator) NextLabel() string {
	return fmt.Sprintf("bkt_%s_%d", o.prefix, o.seq.Add(1))
}

// RoundToTick rounds price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

// RoundAmount rounds amount to the nearest multiple of minTrade, never below
// minTrade, clamped to 8 decimals.
func RoundAmount(amount, minTrade float64) float64 {
	if minTrade <= 0 {
		return amount
	}
	rounded := math.Round(amount/minTrade) * minTrade
	if rounded < minTrade {
		rounded = minTrade
	}
	return math.Round(rounded*1e8) / 1e8
}

// PlaceBracket places the three legs. With native OTOCO support this is one
// broker call; otherwise entry, SL, TP are placed sequentially with bounded
// per-step timeouts and rolled back on partial failure.
func (o *Orchestrator) PlaceBracket(ctx context.Context, req Request) (Result, error) {
	ins, err := o.broker.Instrument(ctx, req.Instrument)
	if err != nil {
		return Result{}, fmt.Errorf("bracket: instrument %s: %w", req.Instrument, err)
	}

	amount := RoundAmount(req.Amount, ins.MinTradeAmount)
	stop := RoundToTick(req.StopPrice, ins.TickSize)
	take := RoundToTick(req.TakePrice, ins.TickSize)
	entryPrice := RoundToTick(req.EntryPrice, ins.TickSize)

	// SL or TP collapsing onto the entry after rounding is a sizing bug, not
	// a market condition.
	if req.EntryType == domain.OrderTypeLimit && (stop == entryPrice || take == entryPrice) {
		return Result{}, domain.NewBrokerError(domain.BrokerRejected, "place_bracket",
			"protective price equals entry after tick rounding", nil)
	}

	exitSide := req.Side.Opposite()
	slChild := domain.ChildOrder{
		Type:         domain.OrderTypeStopMarket,
		Side:         exitSide,
		Amount:       amount,
		TriggerPrice: stop,
		Trigger:      domain.TriggerMarkPrice,
		ReduceOnly:   true,
		Label:        req.Label + "_sl",
	}
	tpChild := domain.ChildOrder{
		Type:       domain.OrderTypeLimit,
		Side:       exitSide,
		Amount:     amount,
		Price:      take,
		ReduceOnly: true,
		Label:      req.Label + "_tp",
	}

	if o.broker.SupportsOTOCO() {
		return o.placeLinked(ctx, req, amount, entryPrice, slChild, tpChild)
	}
	return o.placeSequential(ctx, req, amount, entryPrice, slChild, tpChild)
}

// placeLinked submits the entry with the OTOCO child list; the broker
// guarantees sibling cancellation, eliminating the atomicity gap.
func (o *Orchestrator) placeLinked(ctx context.Context, req Request, amount, entryPrice float64, sl, tp domain.ChildOrder) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	res, err := o.broker.PlaceOrder(callCtx, domain.OrderRequest{
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.EntryType,
		Amount:     amount,
		Price:      entryPrice,
		Label:      req.Label,
		OTOCO:      []domain.ChildOrder{sl, tp},
	})
	if err != nil {
		return Result{}, fmt.Errorf("bracket: linked entry %s: %w", req.Label, err)
	}

	// The linked children are created by the broker; their IDs surface in
	// open-order listings under the _sl/_tp labels.
	slID, tpID := o.findChildIDs(ctx, req.Instrument, req.Label)

	o.logger.Info("bracket placed (linked)",
		slog.String("label", req.Label),
		slog.String("instrument", req.Instrument),
		slog.Float64("amount", amount),
		slog.Float64("filled_price", res.FilledPrice),
	)
	return Result{EntryID: res.OrderID, SlID: slID, TpID: tpID, FilledPrice: res.FilledPrice}, nil
}

// findChildIDs looks the protective leg IDs up by label. Best effort; empty
// IDs only cost label-based correlation later.
func (o *Orchestrator) findChildIDs(ctx context.Context, instrument, label string) (slID, tpID string) {
	callCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	orders, err := o.broker.OpenOrders(callCtx, instrument)
	if err != nil {
		o.logger.Warn("bracket child lookup failed",
			slog.String("label", label), slog.String("error", err.Error()))
		return "", ""
	}
	for _, ord := range orders {
		switch ord.Label {
		case label + "_sl":
			slID = ord.OrderID
		case label + "_tp":
			tpID = ord.OrderID
		}
	}
	return slID, tpID
}

// placeSequential is the three-step protocol for brokers without OTOCO:
// entry, SL, TP. A failure at SL cancels the entry; a failure at TP cancels
// the SL and then the entry. Cancel failures are logged and left to the
// reaper.
func (o *Orchestrator) placeSequential(ctx context.Context, req Request, amount, entryPrice float64, sl, tp domain.ChildOrder) (Result, error) {
	entryCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	entry, err := o.broker.PlaceOrder(entryCtx, domain.OrderRequest{
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.EntryType,
		Amount:     amount,
		Price:      entryPrice,
		Label:      req.Label,
	})
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("bracket: entry %s: %w", req.Label, err)
	}

	slCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	slRes, err := o.broker.PlaceOrder(slCtx, childRequest(req.Instrument, sl))
	cancel()
	if err != nil {
		remnants := o.rollback(req.Label, entry.OrderID)
		return Result{}, &domain.RolledBackError{
			Cause:    fmt.Errorf("bracket: stop leg %s: %w", req.Label, err),
			Remnants: remnants,
		}
	}

	tpCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	tpRes, err := o.broker.PlaceOrder(tpCtx, childRequest(req.Instrument, tp))
	cancel()
	if err != nil {
		remnants := o.rollback(req.Label, slRes.OrderID, entry.OrderID)
		return Result{}, &domain.RolledBackError{
			Cause:    fmt.Errorf("bracket: take-profit leg %s: %w", req.Label, err),
			Remnants: remnants,
		}
	}

	o.logger.Info("bracket placed (sequential)",
		slog.String("label", req.Label),
		slog.String("instrument", req.Instrument),
		slog.Float64("amount", amount),
		slog.Float64("filled_price", entry.FilledPrice),
	)
	return Result{EntryID: entry.OrderID, SlID: slRes.OrderID, TpID: tpRes.OrderID, FilledPrice: entry.FilledPrice}, nil
}

func childRequest(instrument string, ch domain.ChildOrder) domain.OrderRequest {
	return domain.OrderRequest{
		Instrument:   instrument,
		Side:         ch.Side,
		Type:         ch.Type,
		Amount:       ch.Amount,
		Price:        ch.Price,
		TriggerPrice: ch.TriggerPrice,
		Trigger:      ch.Trigger,
		ReduceOnly:   ch.ReduceOnly,
		Label:        ch.Label,
	}
}

// rollback best-effort cancels the given orders in the given order. NotFound
// counts as success. IDs whose cancellation failed are returned for the
// reaper.
func (o *Orchestrator) rollback(label string, orderIDs ...string) []string {
	var remnants []string
	for _, id := range orderIDs {
		if id == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), o.stepTimeout)
		err := o.broker.CancelOrder(ctx, id)
		cancel()
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			o.logger.Error("rollback cancel failed, delegating to reaper",
				slog.String("label", label),
				slog.String("order_id", id),
				slog.String("error", err.Error()),
			)
			remnants = append(remnants, id)
		}
	}
	return remnants
}
