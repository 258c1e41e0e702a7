package market

import (
	"time"

	"swingalgo/internal/strategy"
)

// DailyBar is one day of OHLC history.
type DailyBar struct {
	Time  time.Time
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// Field returns the price the basis names.
func (b DailyBar) Field(basis strategy.Basis) float64 {
	switch basis {
	case strategy.BasisOpen:
		return b.Open
	case strategy.BasisHigh:
		return b.High
	case strategy.BasisLow:
		return b.Low
	default:
		return b.Close
	}
}
