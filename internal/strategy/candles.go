package strategy

import (
	"time"
)

// Candle is one fixed-interval OHLC bucket built from ticker prices.
type Candle struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Ticks  int
	Closed bool
}

// CandleBuilder aggregates a stream of (price, timestamp) observations into
// fixed-interval candles and keeps a bounded history of closed candles. It is
// not safe for concurrent use; the executor feeds it from its single event
// loop.
type CandleBuilder struct {
	interval time.Duration
	maxKeep  int

	current *Candle
	history []Candle
}

// NewCandleBuilder returns a builder producing candles of the given interval,
// retaining at most maxKeep closed candles.
func NewCandleBuilder(interval time.Duration, maxKeep int) *CandleBuilder {
	if maxKeep < 1 {
		maxKeep = 1
	}
	return &CandleBuilder{
		interval: interval,
		maxKeep:  maxKeep,
		history:  make([]Candle, 0, maxKeep),
	}
}

// Observe folds one price observation into the current candle. It returns true
// when the observation closed a candle (i.e. the tick crossed an interval
// boundary and a completed candle moved into history).
func (b *CandleBuilder) Observe(price float64, ts time.Time) bool {
	bucket := ts.Truncate(b.interval)

	if b.current == nil {
		b.current = &Candle{Start: bucket, Open: price, High: price, Low: price, Close: price, Ticks: 1}
		return false
	}

	if bucket.After(b.current.Start) {
		closed := *b.current
		closed.Closed = true
		b.push(closed)
		b.current = &Candle{Start: bucket, Open: price, High: price, Low: price, Close: price, Ticks: 1}
		return true
	}

	c := b.current
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Ticks++
	return false
}

// History returns the closed candles, oldest first. The returned slice is the
// builder's internal buffer; callers must not mutate it.
func (b *CandleBuilder) History() []Candle {
	return b.history
}

// Len returns the number of closed candles retained.
func (b *CandleBuilder) Len() int { return len(b.history) }

func (b *CandleBuilder) push(c Candle) {
	if len(b.history) == b.maxKeep {
		copy(b.history, b.history[1:])
		b.history[len(b.history)-1] = c
		return
	}
	b.history = append(b.history, c)
}

// closes extracts the close prices from a candle slice, oldest first.
func closes(history []Candle) []float64 {
	out := make([]float64, len(history))
	for i, c := range history {
		out[i] = c.Close
	}
	return out
}
