// Package strategy holds the signal-generation side of the engine: pure
// evaluation logic over candle history, with no broker or storage access.
package strategy

import (
	"encoding/json"
	"fmt"

	"github.com/derivlab/perpengine/internal/domain"
)

// Strategy defines the contract for trading strategies. Evaluate is pure: it
// inspects history and the latest price and returns a signal, never touching
// the broker or any store. The executor owns everything stateful.
type Strategy interface {
	Name() string

	// WarmupCandles is the minimum number of closed candles required before
	// Evaluate produces meaningful output. Evaluate must return a none signal
	// while history is shorter than this.
	WarmupCandles() int

	Evaluate(history []Candle, lastPrice float64) domain.Signal

	// Risk returns the risk parameters parsed from the instance config.
	Risk() RiskParams
}

// RiskParams is the risk envelope common to every strategy instance.
type RiskParams struct {
	// TradeSize is the target notional per entry, in the settlement currency.
	// The executor converts it to contract amount at the current price.
	TradeSize float64 `json:"trade_size"`
	// StopLossPercent and TakeProfitPercent are whole percents of the entry
	// price (0.5 means 0.5%).
	StopLossPercent   float64 `json:"stop_loss_percent"`
	TakeProfitPercent float64 `json:"take_profit_percent"`
	CooldownMinutes   int     `json:"cooldown_minutes"`
	MaxDailyTrades    int     `json:"max_daily_trades"`
	// CandleSeconds is the candle aggregation interval. Defaults to 60.
	CandleSeconds int `json:"candle_seconds"`
}

// defaultCandleSeconds is the aggregation interval used when an instance
// config omits candle_seconds.
const defaultCandleSeconds = 60

// Validate checks the risk envelope for values that would make a strategy
// unsafe to run.
func (r RiskParams) Validate() error {
	if r.TradeSize <= 0 {
		return fmt.Errorf("%w: trade_size must be > 0", domain.ErrInvalidConfig)
	}
	if r.StopLossPercent <= 0 || r.StopLossPercent >= 100 {
		return fmt.Errorf("%w: stop_loss_percent must be in (0, 100)", domain.ErrInvalidConfig)
	}
	if r.TakeProfitPercent <= 0 || r.TakeProfitPercent >= 100 {
		return fmt.Errorf("%w: take_profit_percent must be in (0, 100)", domain.ErrInvalidConfig)
	}
	if r.CooldownMinutes < 0 {
		return fmt.Errorf("%w: cooldown_minutes must be >= 0", domain.ErrInvalidConfig)
	}
	if r.MaxDailyTrades < 1 {
		return fmt.Errorf("%w: max_daily_trades must be >= 1", domain.ErrInvalidConfig)
	}
	return nil
}

// decodeConfig unmarshals raw instance config into dst, tolerating an empty
// payload (all defaults).
func decodeConfig(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	return nil
}
