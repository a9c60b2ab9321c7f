// Package paper provides a deterministic in-process broker used by the
// "paper" environment and the test suite. Fills are immediate at the last
// pushed price; protective orders trigger as ticks cross their levels.
package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/derivlab/perpengine/internal/domain"
)

// restingOrder is one open order on the simulated book.
type restingOrder struct {
	domain.OrderSummary
	// siblingID links the two protective legs of a bracket; when one fills
	// the other is cancelled.
	siblingID string
}

// Broker simulates a single-account derivatives venue. Safe for concurrent
// use; PushTick drives all time-dependent behaviour so tests are
// deterministic.
type Broker struct {
	mu sync.Mutex

	instruments map[string]domain.Instrument
	lastPrice   map[string]float64
	positions   map[string]*domain.Position
	orders      map[string]*restingOrder
	handlers    map[string]map[int]domain.TickerHandler

	nextOrderID   int
	nextHandlerID int
	otoco         bool
	connected     bool

	// PlaceHook, when set, is consulted before each placement; returning an
	// error rejects the order. Tests use it to inject failures.
	PlaceHook func(req domain.OrderRequest) error
	// CancelHook mirrors PlaceHook for cancellations, keyed by order ID.
	CancelHook func(orderID string) error
}

// Option configures a Broker.
type Option func(*Broker)

// WithoutOTOCO makes the broker report no native OTOCO support, forcing the
// sequential bracket path.
func WithoutOTOCO() Option {
	return func(b *Broker) { b.otoco = false }
}

// New returns a connected paper broker with the given tradable instruments.
func New(instruments []domain.Instrument, opts ...Option) *Broker {
	b := &Broker{
		instruments: make(map[string]domain.Instrument),
		lastPrice:   make(map[string]float64),
		positions:   make(map[string]*domain.Position),
		orders:      make(map[string]*restingOrder),
		handlers:    make(map[string]map[int]domain.TickerHandler),
		otoco:       true,
		connected:   true,
	}
	for _, ins := range instruments {
		b.instruments[ins.Name] = ins
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetConnected flips the simulated transport state.
func (b *Broker) SetConnected(up bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = up
}

// IsConnected reports the simulated transport state.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// SupportsOTOCO reports whether OTOCO attachments are honoured.
func (b *Broker) SupportsOTOCO() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.otoco
}

// PushTick publishes a price, triggers any protective orders the price
// crosses, and then delivers the tick to subscribed handlers synchronously.
func (b *Broker) PushTick(instrument string, price float64, ts time.Time) {
	b.mu.Lock()
	b.lastPrice[instrument] = price
	fills := b.collectTriggeredLocked(instrument, price)
	for _, o := range fills {
		b.fillReduceOnlyLocked(o, price)
	}
	var handlers []domain.TickerHandler
	for _, h := range b.handlers[instrument] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	ev := domain.TickerEvent{Instrument: instrument, LastPrice: price, MarkPrice: price, Timestamp: ts}
	for _, h := range handlers {
		h(ev)
	}
}

// collectTriggeredLocked returns protective orders whose level the price
// reached. Caller holds b.mu.
func (b *Broker) collectTriggeredLocked(instrument string, price float64) []*restingOrder {
	pos, ok := b.positions[instrument]
	if !ok || pos.Size == 0 {
		return nil
	}

	var fills []*restingOrder
	for _, o := range b.orders {
		if o.Instrument != instrument || !o.ReduceOnly {
			continue
		}
		switch o.Type {
		case domain.OrderTypeStopMarket:
			// Stop on the opposite side of the position: long stops sell
			// below, short stops buy above.
			if (o.Side == domain.SideSell && price <= o.TriggerPrice) ||
				(o.Side == domain.SideBuy && price >= o.TriggerPrice) {
				fills = append(fills, o)
			}
		case domain.OrderTypeLimit:
			if (o.Side == domain.SideSell && price >= o.Price) ||
				(o.Side == domain.SideBuy && price <= o.Price) {
				fills = append(fills, o)
			}
		}
	}
	return fills
}

// fillReduceOnlyLocked fills a protective order, flattens the position, and
// cancels the sibling leg. Caller holds b.mu.
func (b *Broker) fillReduceOnlyLocked(o *restingOrder, price float64) {
	if _, live := b.orders[o.OrderID]; !live {
		return
	}
	delete(b.orders, o.OrderID)
	if o.siblingID != "" {
		delete(b.orders, o.siblingID)
	} else {
		// Sequential bracket: cancel the other protective leg by label prefix.
		prefix := bracketPrefix(o.Label)
		if prefix != "" {
			for id, other := range b.orders {
				if other.Instrument == o.Instrument && other.ReduceOnly && bracketPrefix(other.Label) == prefix {
					delete(b.orders, id)
				}
			}
		}
	}
	if pos, ok := b.positions[o.Instrument]; ok {
		pos.Size = 0
		pos.MarkPrice = price
	}
}

func bracketPrefix(label string) string {
	if s, ok := strings.CutSuffix(label, "_sl"); ok {
		return s
	}
	if s, ok := strings.CutSuffix(label, "_tp"); ok {
		return s
	}
	return ""
}

// PlaceOrder fills market orders immediately at the last pushed price and
// rests everything else.
func (b *Broker) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return domain.OrderResult{}, domain.NewBrokerError(domain.BrokerDisconnected, "place_order", "paper broker offline", nil)
	}
	if b.PlaceHook != nil {
		if err := b.PlaceHook(req); err != nil {
			return domain.OrderResult{}, err
		}
	}
	if _, ok := b.instruments[req.Instrument]; !ok {
		return domain.OrderResult{}, domain.NewBrokerError(domain.BrokerRejected, "place_order",
			fmt.Sprintf("unknown instrument %s", req.Instrument), nil)
	}
	price := b.lastPrice[req.Instrument]
	if price == 0 && req.Type == domain.OrderTypeMarket {
		return domain.OrderResult{}, domain.NewBrokerError(domain.BrokerRejected, "place_order", "no market price yet", nil)
	}

	switch req.Type {
	case domain.OrderTypeMarket:
		entryID := b.newOrderIDLocked()
		b.applyFillLocked(req.Instrument, req.Side, req.Amount, price)

		if len(req.OTOCO) == 2 {
			slID := b.restChildLocked(req.Instrument, req.OTOCO[0])
			tpID := b.restChildLocked(req.Instrument, req.OTOCO[1])
			b.orders[slID].siblingID = tpID
			b.orders[tpID].siblingID = slID
		}
		return domain.OrderResult{OrderID: entryID, Status: "filled", FilledPrice: price, FilledAmount: req.Amount}, nil

	case domain.OrderTypeLimit, domain.OrderTypeStopMarket:
		id := b.newOrderIDLocked()
		b.orders[id] = &restingOrder{
			OrderSummary: domain.OrderSummary{
				OrderID:      id,
				Instrument:   req.Instrument,
				Side:         req.Side,
				Type:         req.Type,
				Amount:       req.Amount,
				Price:        req.Price,
				TriggerPrice: req.TriggerPrice,
				ReduceOnly:   req.ReduceOnly,
				Label:        req.Label,
			},
		}
		status := "open"
		if req.Type == domain.OrderTypeStopMarket {
			status = "untriggered"
		}
		return domain.OrderResult{OrderID: id, Status: status}, nil
	}
	return domain.OrderResult{}, domain.NewBrokerError(domain.BrokerRejected, "place_order",
		fmt.Sprintf("unsupported order type %s", req.Type), nil)
}

func (b *Broker) newOrderIDLocked() string {
	b.nextOrderID++
	return fmt.Sprintf("paper-%d", b.nextOrderID)
}

func (b *Broker) restChildLocked(instrument string, ch domain.ChildOrder) string {
	id := b.newOrderIDLocked()
	b.orders[id] = &restingOrder{
		OrderSummary: domain.OrderSummary{
			OrderID:      id,
			Instrument:   instrument,
			Side:         ch.Side,
			Type:         ch.Type,
			Amount:       ch.Amount,
			Price:        ch.Price,
			TriggerPrice: ch.TriggerPrice,
			ReduceOnly:   ch.ReduceOnly,
			Label:        ch.Label,
		},
	}
	return id
}

func (b *Broker) applyFillLocked(instrument string, side domain.OrderSide, amount, price float64) {
	pos, ok := b.positions[instrument]
	if !ok {
		pos = &domain.Position{Instrument: instrument}
		b.positions[instrument] = pos
	}
	delta := amount
	if side == domain.SideSell {
		delta = -amount
	}
	pos.Size += delta
	pos.AveragePrice = price
	pos.MarkPrice = price
}

// CancelOrder cancels by ID; unknown IDs map to ErrNotFound per the port
// contract.
func (b *Broker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.CancelHook != nil {
		if err := b.CancelHook(orderID); err != nil {
			return err
		}
	}
	if _, ok := b.orders[orderID]; !ok {
		return domain.ErrNotFound
	}
	delete(b.orders, orderID)
	return nil
}

// CancelAllByInstrument drops every resting order on the instrument.
func (b *Broker) CancelAllByInstrument(_ context.Context, instrument string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, o := range b.orders {
		if o.Instrument == instrument {
			delete(b.orders, id)
		}
	}
	return nil
}

// OpenOrders lists resting orders for the instrument.
func (b *Broker) OpenOrders(_ context.Context, instrument string) ([]domain.OrderSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.OrderSummary
	for _, o := range b.orders {
		if o.Instrument == instrument {
			out = append(out, o.OrderSummary)
		}
	}
	return out, nil
}

// Positions lists positions whose instrument settles in the currency. Closed
// positions stay in the list with size zero, as Deribit reports them.
func (b *Broker) Positions(_ context.Context, currency string) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.Position
	for name, pos := range b.positions {
		ins := b.instruments[name]
		if currency != "" && ins.Currency != currency {
			continue
		}
		out = append(out, *pos)
	}
	return out, nil
}

// Instrument returns contract parameters.
func (b *Broker) Instrument(_ context.Context, name string) (domain.Instrument, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ins, ok := b.instruments[name]
	if !ok {
		return domain.Instrument{}, domain.ErrNotFound
	}
	return ins, nil
}

// SubscribeTicker registers a handler delivered synchronously from PushTick.
func (b *Broker) SubscribeTicker(_ context.Context, instrument string, h domain.TickerHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[instrument] == nil {
		b.handlers[instrument] = make(map[int]domain.TickerHandler)
	}
	b.nextHandlerID++
	id := b.nextHandlerID
	b.handlers[instrument][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[instrument], id)
	}, nil
}
