package domain

// Direction is the outcome of a strategy's signal evaluation.
type Direction string

const (
	DirectionNone  Direction = "none"
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Signal is the opaque output of a strategy evaluation over indicators and
// price history.
type Signal struct {
	Direction  Direction
	Confidence float64
	Reason     string
}

// None reports whether the signal carries no entry.
func (s Signal) None() bool { return s.Direction == DirectionNone || s.Direction == "" }

// EntrySide maps a long/short direction to the broker order side.
func (s Signal) EntrySide() OrderSide {
	if s.Direction == DirectionShort {
		return SideSell
	}
	return SideBuy
}
