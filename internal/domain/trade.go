package domain

import (
	"context"
	"math"
	"time"
)

// TradeStatus tracks whether a ledger trade is open or closed.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "open"
	TradeStatusClosed TradeStatus = "closed"
)

// ExitReason classifies how a position was closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "sl_hit"
	ExitTakeProfit ExitReason = "tp_hit"
	ExitManual     ExitReason = "manual"
)

// TradeRecord is one ledger row, created when a position opens and closed by
// the executor's monitor loop or by reconciliation.
type TradeRecord struct {
	ID           int64
	UserID       string // empty for legacy rows
	Strategy     string
	Instrument   string
	Side         OrderSide
	EntryOrderID string
	SlOrderID    string
	TpOrderID    string
	EntryPrice   float64
	Amount       float64
	StopLoss     float64
	TakeProfit   float64
	EntryTime    time.Time
	Status       TradeStatus

	ExitPrice  *float64
	ExitTime   *time.Time
	Pnl        *float64
	PnlPercent *float64
	ExitReason *ExitReason
}

// TradeClose carries the fields written by RecordClose.
type TradeClose struct {
	ExitPrice  float64
	ExitTime   time.Time
	ExitReason ExitReason
	Pnl        float64
	PnlPercent float64
}

// TradeFilter selects ledger rows for Query and Stats.
type TradeFilter struct {
	UserID     string
	Strategy   string
	Instrument string
	Status     TradeStatus
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// TradeStats is the aggregate view over closed trades.
type TradeStats struct {
	Trades   int64
	WinRate  float64
	TotalPnl float64
	AvgPnl   float64
	Best     float64
	Worst    float64
	SlHits   int64
	TpHits   int64
}

// TradeLedger is the durable per-user trade history. Implementations
// synchronise writes internally.
type TradeLedger interface {
	// RecordOpen inserts an open row, atomically rejecting with
	// ErrOpenTradeExists when an open row already exists for the same
	// (user, strategy, instrument).
	RecordOpen(ctx context.Context, rec TradeRecord) (int64, error)

	// RecordClose closes an open row. ErrNotFound when the ID is unknown,
	// ErrAlreadyClosed when it was closed before.
	RecordClose(ctx context.Context, id int64, close TradeClose) error

	Query(ctx context.Context, f TradeFilter) ([]TradeRecord, error)
	Stats(ctx context.Context, f TradeFilter) (TradeStats, error)

	// RetroactiveSync records an existing broker position whose opening this
	// process did not witness. The row is inserted open, without order IDs.
	RetroactiveSync(ctx context.Context, rec TradeRecord) (int64, error)
}

// ComputePnl returns (pnl, pnlPercent) for a closed trade.
func ComputePnl(side OrderSide, entryPrice, exitPrice, amount float64) (float64, float64) {
	dir := 1.0
	if side == SideSell {
		dir = -1.0
	}
	pnl := (exitPrice - entryPrice) * amount * dir
	pct := 0.0
	if entryPrice != 0 && amount != 0 {
		pct = pnl / (entryPrice * amount)
	}
	return pnl, pct
}

// ClassifyExit decides the exit reason from the exit price and the protective
// levels: whichever level the exit landed closer to is assumed to have been
// hit; equidistant or missing levels classify as manual.
func ClassifyExit(exitPrice, stopLoss, takeProfit float64) ExitReason {
	if stopLoss == 0 || takeProfit == 0 {
		return ExitManual
	}
	dTP := math.Abs(exitPrice - takeProfit)
	dSL := math.Abs(exitPrice - stopLoss)
	switch {
	case dTP < dSL:
		return ExitTakeProfit
	case dSL < dTP:
		return ExitStopLoss
	default:
		return ExitManual
	}
}
