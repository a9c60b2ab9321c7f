package strategy

// EMA returns the exponential moving average series of values for the given
// period, seeded with the simple average of the first period values. The
// returned slice is aligned with the input; entries before index period-1 are
// zero.
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period < 1 || len(values) < period {
		return out
	}

	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	prev := sum / float64(period)
	out[period-1] = prev

	k := 2.0 / (float64(period) + 1.0)
	for i := period; i < len(values); i++ {
		prev = (values[i]-prev)*k + prev
		out[i] = prev
	}
	return out
}

// RSI returns Wilder's relative strength index over the last period+1 values.
// It returns 50 (neutral) when there is not enough data.
func RSI(values []float64, period int) float64 {
	if period < 1 || len(values) <= period {
		return 50
	}

	window := values[len(values)-period-1:]
	var gains, losses float64
	for i := 1; i < len(window); i++ {
		d := window[i] - window[i-1]
		if d > 0 {
			gains += d
		} else {
			losses -= d
		}
	}
	if losses == 0 {
		if gains == 0 {
			return 50
		}
		return 100
	}
	rs := (gains / float64(period)) / (losses / float64(period))
	return 100 - 100/(1+rs)
}

// ATR returns the average true range over the last period candles, zero when
// there is not enough data.
func ATR(history []Candle, period int) float64 {
	if period < 1 || len(history) < period+1 {
		return 0
	}

	var sum float64
	for i := len(history) - period; i < len(history); i++ {
		c := history[i]
		prevClose := history[i-1].Close
		tr := c.High - c.Low
		if d := abs(c.High - prevClose); d > tr {
			tr = d
		}
		if d := abs(c.Low - prevClose); d > tr {
			tr = d
		}
		sum += tr
	}
	return sum / float64(period)
}

// HighestHigh and LowestLow scan the last n candles excluding the most recent
// one, which breakout strategies compare against.
func HighestHigh(history []Candle, n int) float64 {
	if n < 1 || len(history) < n+1 {
		return 0
	}
	hi := history[len(history)-n-1].High
	for _, c := range history[len(history)-n-1 : len(history)-1] {
		if c.High > hi {
			hi = c.High
		}
	}
	return hi
}

func LowestLow(history []Candle, n int) float64 {
	if n < 1 || len(history) < n+1 {
		return 0
	}
	lo := history[len(history)-n-1].Low
	for _, c := range history[len(history)-n-1 : len(history)-1] {
		if c.Low < lo {
			lo = c.Low
		}
	}
	return lo
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
