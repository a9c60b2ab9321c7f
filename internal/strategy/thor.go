package strategy

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/derivlab/perpengine/internal/domain"
)

// ThorConfig is the instance configuration for the thor strategy.
type ThorConfig struct {
	RiskParams

	// BreakoutCandles is the lookback window whose extremes define the range.
	BreakoutCandles int `json:"breakout_candles"`
	ATRPeriod       int `json:"atr_period"`
	// MinATRPercent suppresses entries when volatility (ATR relative to
	// price) is below this fraction; dead markets produce false breakouts.
	MinATRPercent float64 `json:"min_atr_percent"`
}

// Thor trades range breakouts filtered by volatility: long when price clears
// the recent high, short when it breaks the recent low, but only while ATR is
// large enough to make the move worth chasing.
type Thor struct {
	cfg    ThorConfig
	logger *slog.Logger
}

// NewThor parses raw instance config and returns a ready strategy.
func NewThor(raw json.RawMessage, logger *slog.Logger) (*Thor, error) {
	cfg := ThorConfig{
		BreakoutCandles: 20,
		ATRPeriod:       14,
		MinATRPercent:   0.0005,
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
	if cfg.BreakoutCandles < 2 {
		return nil, fmt.Errorf("%w: thor requires breakout_candles >= 2", domain.ErrInvalidConfig)
	}
	if cfg.ATRPeriod < 2 {
		return nil, fmt.Errorf("%w: thor requires atr_period >= 2", domain.ErrInvalidConfig)
	}
	return &Thor{
		cfg:    cfg,
		logger: logger.With(slog.String("strategy", "thor")),
	}, nil
}

// Name returns the strategy identifier.
func (t *Thor) Name() string { return "thor" }

// Risk returns the parsed risk envelope.
func (t *Thor) Risk() RiskParams { return t.cfg.RiskParams }

// WarmupCandles returns the history needed for the range and the ATR.
func (t *Thor) WarmupCandles() int {
	n := t.cfg.BreakoutCandles + 1
	if t.cfg.ATRPeriod+1 > n {
		n = t.cfg.ATRPeriod + 1
	}
	return n
}

// Evaluate emits an entry when the latest price breaks the lookback range and
// the ATR filter passes.
func (t *Thor) Evaluate(history []Candle, lastPrice float64) domain.Signal {
	if len(history) < t.WarmupCandles() || lastPrice == 0 {
		return domain.Signal{Direction: domain.DirectionNone}
	}

	atr := ATR(history, t.cfg.ATRPeriod)
	if atr/lastPrice < t.cfg.MinATRPercent {
		return domain.Signal{Direction: domain.DirectionNone}
	}

	hi := HighestHigh(history, t.cfg.BreakoutCandles)
	lo := LowestLow(history, t.cfg.BreakoutCandles)
	if hi == 0 || lo == 0 {
		return domain.Signal{Direction: domain.DirectionNone}
	}

	switch {
	case lastPrice > hi:
		t.logger.Debug("upside breakout",
			slog.Float64("price", lastPrice),
			slog.Float64("range_high", hi),
			slog.Float64("atr", atr),
		)
		return domain.Signal{
			Direction:  domain.DirectionLong,
			Confidence: breakoutConfidence(lastPrice-hi, atr),
			Reason:     fmt.Sprintf("broke %d-candle high %.2f, atr %.2f", t.cfg.BreakoutCandles, hi, atr),
		}
	case lastPrice < lo:
		t.logger.Debug("downside breakout",
			slog.Float64("price", lastPrice),
			slog.Float64("range_low", lo),
			slog.Float64("atr", atr),
		)
		return domain.Signal{
			Direction:  domain.DirectionShort,
			Confidence: breakoutConfidence(lo-lastPrice, atr),
			Reason:     fmt.Sprintf("broke %d-candle low %.2f, atr %.2f", t.cfg.BreakoutCandles, lo, atr),
		}
	}
	return domain.Signal{Direction: domain.DirectionNone}
}

// breakoutConfidence scales how far past the range price moved, in ATR units.
func breakoutConfidence(excess, atr float64) float64 {
	if atr == 0 {
		return 0.5
	}
	c := excess / atr
	if c > 1 {
		c = 1
	}
	if c < 0.1 {
		c = 0.1
	}
	return c
}
