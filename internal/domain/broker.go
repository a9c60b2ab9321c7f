package domain

import (
	"context"
	"time"
)

// OrderSide indicates whether an order buys or sells.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Opposite returns the other side, used for protective legs.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType enumerates the order types the core places.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
)

// TriggerMarkPrice is the trigger source used for stop orders.
const TriggerMarkPrice = "mark_price"

// OTOCO attachment constants per the Deribit linked-order API.
const (
	LinkedOTOCO                  = "one_triggers_one_cancels_other"
	TriggerFillConditionFirstHit = "first_hit"
)

// ChildOrder is one leg of an OTOCO attachment submitted with an entry order.
type ChildOrder struct {
	Type         OrderType
	Side         OrderSide
	Amount       float64
	Price        float64 // limit legs
	TriggerPrice float64 // stop legs
	Trigger      string  // e.g. mark_price
	ReduceOnly   bool
	Label        string
}

// OrderRequest describes a single order submission.
type OrderRequest struct {
	Instrument   string
	Side         OrderSide
	Type         OrderType
	Amount       float64
	Price        float64 // limit orders
	TriggerPrice float64 // stop orders
	Trigger      string
	ReduceOnly   bool
	Label        string

	// OTOCO, when non-empty, attaches the children to this entry order with
	// linked_order_type=one_triggers_one_cancels_other and
	// trigger_fill_condition=first_hit. Only brokers reporting
	// SupportsOTOCO()==true honour it.
	OTOCO []ChildOrder
}

// OrderResult is the broker's answer to a successful placement.
type OrderResult struct {
	OrderID      string
	Status       string // "open", "filled", "untriggered"
	FilledPrice  float64
	FilledAmount float64
}

// OrderSummary is one open order as reported by the broker.
type OrderSummary struct {
	OrderID      string
	Instrument   string
	Side         OrderSide
	Type         OrderType
	Amount       float64
	Price        float64
	TriggerPrice float64 // stop orders
	ReduceOnly   bool
	Label        string
}

// Position is a broker-reported net position. Size is signed: positive for
// long, negative for short.
type Position struct {
	Instrument   string
	Size         float64
	AveragePrice float64
	MarkPrice    float64
}

// AbsSize returns |Size|.
func (p Position) AbsSize() float64 {
	if p.Size < 0 {
		return -p.Size
	}
	return p.Size
}

// Instrument carries the contract parameters needed for rounding.
type Instrument struct {
	Name           string
	Currency       string // settlement currency, e.g. "USDC"
	TickSize       float64
	MinTradeAmount float64
	ContractSize   float64
}

// TickerEvent is one price update delivered to a subscribed handler.
type TickerEvent struct {
	Instrument string
	LastPrice  float64
	MarkPrice  float64
	Timestamp  time.Time
}

// TickerHandler consumes ticker events. Handlers must not block; the executor
// funnels events into its own serialised loop.
type TickerHandler func(TickerEvent)

// BrokerClient is the abstract broker capability the core consumes. No
// broker-specific types leak above this interface.
type BrokerClient interface {
	// PlaceOrder submits an order. Failures are *BrokerError values.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// CancelOrder cancels by ID. ErrNotFound is the success case of
	// "already gone" and callers treat it as such.
	CancelOrder(ctx context.Context, orderID string) error

	// CancelAllByInstrument cancels every open order on the instrument.
	CancelAllByInstrument(ctx context.Context, instrument string) error

	// OpenOrders lists open orders for the instrument, including untriggered
	// stop orders.
	OpenOrders(ctx context.Context, instrument string) ([]OrderSummary, error)

	// Positions lists positions for the settlement currency.
	Positions(ctx context.Context, currency string) ([]Position, error)

	// Instrument fetches contract parameters.
	Instrument(ctx context.Context, name string) (Instrument, error)

	// SubscribeTicker registers a handler for price updates on the
	// instrument and returns an unsubscribe function.
	SubscribeTicker(ctx context.Context, instrument string, h TickerHandler) (func(), error)

	// SupportsOTOCO reports whether the broker honours the OTOCO attachment
	// on OrderRequest.
	SupportsOTOCO() bool

	// IsConnected reports the transport state.
	IsConnected() bool
}
