package strategy

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/derivlab/perpengine/internal/domain"
)

// RazorConfig is the instance configuration for the razor strategy.
type RazorConfig struct {
	RiskParams

	FastPeriod int `json:"fast_period"`
	SlowPeriod int `json:"slow_period"`
	RSIPeriod  int `json:"rsi_period"`
	// RSIMax gates longs (RSI must be below it); RSIMin gates shorts.
	RSIMax float64 `json:"rsi_max"`
	RSIMin float64 `json:"rsi_min"`
}

// Razor trades EMA crossovers filtered by RSI: long when the fast EMA crosses
// above the slow EMA while RSI is not yet overbought, short on the mirror
// condition.
type Razor struct {
	cfg    RazorConfig
	logger *slog.Logger
}

// NewRazor parses raw instance config and returns a ready strategy.
func NewRazor(raw json.RawMessage, logger *slog.Logger) (*Razor, error) {
	cfg := RazorConfig{
		FastPeriod: 9,
		SlowPeriod: 21,
		RSIPeriod:  14,
		RSIMax:     70,
		RSIMin:     30,
	}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.CandleSeconds == 0 {
		cfg.CandleSeconds = defaultCandleSeconds
	}
	if err := cfg.RiskParams.Validate(); err != nil {
		return nil, err
	}
	if cfg.FastPeriod < 1 || cfg.SlowPeriod <= cfg.FastPeriod {
		return nil, fmt.Errorf("%w: razor requires 1 <= fast_period < slow_period", domain.ErrInvalidConfig)
	}
	if cfg.RSIPeriod < 2 {
		return nil, fmt.Errorf("%w: razor requires rsi_period >= 2", domain.ErrInvalidConfig)
	}
	return &Razor{
		cfg:    cfg,
		logger: logger.With(slog.String("strategy", "razor")),
	}, nil
}

// Name returns the strategy identifier.
func (r *Razor) Name() string { return "razor" }

// Risk returns the parsed risk envelope.
func (r *Razor) Risk() RiskParams { return r.cfg.RiskParams }

// WarmupCandles returns the history needed for a stable slow EMA and RSI.
func (r *Razor) WarmupCandles() int {
	n := r.cfg.SlowPeriod + 1
	if r.cfg.RSIPeriod+1 > n {
		n = r.cfg.RSIPeriod + 1
	}
	return n
}

// Evaluate emits an entry signal on the candle where the fast EMA crosses the
// slow EMA, provided the RSI filter agrees.
func (r *Razor) Evaluate(history []Candle, lastPrice float64) domain.Signal {
	if len(history) < r.WarmupCandles() {
		return domain.Signal{Direction: domain.DirectionNone}
	}

	cs := closes(history)
	fast := EMA(cs, r.cfg.FastPeriod)
	slow := EMA(cs, r.cfg.SlowPeriod)

	last := len(cs) - 1
	prev := last - 1
	if slow[prev] == 0 {
		return domain.Signal{Direction: domain.DirectionNone}
	}

	rsi := RSI(cs, r.cfg.RSIPeriod)

	crossedUp := fast[prev] <= slow[prev] && fast[last] > slow[last]
	crossedDown := fast[prev] >= slow[prev] && fast[last] < slow[last]

	switch {
	case crossedUp && rsi < r.cfg.RSIMax:
		r.logger.Debug("bullish crossover",
			slog.Float64("fast", fast[last]),
			slog.Float64("slow", slow[last]),
			slog.Float64("rsi", rsi),
		)
		return domain.Signal{
			Direction:  domain.DirectionLong,
			Confidence: crossConfidence(fast[last], slow[last], lastPrice),
			Reason:     fmt.Sprintf("ema %d/%d crossed up, rsi %.1f", r.cfg.FastPeriod, r.cfg.SlowPeriod, rsi),
		}
	case crossedDown && rsi > r.cfg.RSIMin:
		r.logger.Debug("bearish crossover",
			slog.Float64("fast", fast[last]),
			slog.Float64("slow", slow[last]),
			slog.Float64("rsi", rsi),
		)
		return domain.Signal{
			Direction:  domain.DirectionShort,
			Confidence: crossConfidence(fast[last], slow[last], lastPrice),
			Reason:     fmt.Sprintf("ema %d/%d crossed down, rsi %.1f", r.cfg.FastPeriod, r.cfg.SlowPeriod, rsi),
		}
	}
	return domain.Signal{Direction: domain.DirectionNone}
}

// crossConfidence scales the EMA separation by price into (0, 1].
func crossConfidence(fast, slow, price float64) float64 {
	if price == 0 {
		return 0.5
	}
	c := abs(fast-slow) / price * 1000
	if c > 1 {
		c = 1
	}
	if c < 0.1 {
		c = 0.1
	}
	return c
}
