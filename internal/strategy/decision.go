package strategy

import (
	"math"
	"strings"
	"time"
)

// Inputs is everything Decide looks at. Nil pointers mean "not known".
type Inputs struct {
	Status            string
	LivePrice         float64
	Today             time.Time
	EntryThreshold    *float64
	EntryPercentage   float64
	LastEntryDate     *time.Time
	WeightedAvgPrice  *float64
	ProfitTargetType  string
	ProfitTargetValue float64
	StopLossType      string
	StopLossValue     float64
	LastTradeDate     *time.Time
	Reentry           ReentryParams
	ReentryThreshold  *float64
	LastBuyPrice      *float64
}

// Script statuses the decision rules care about.
const (
	statusWaiting = "Waiting"
	statusRunning = "Running"
)

// Decide applies entry, exit and re-entry rules in that order; the first
// match wins. It performs no I/O.
func Decide(in Inputs) Action {
	if in.Status == statusWaiting && in.EntryThreshold != nil {
		if Triggered(in.LivePrice, *in.EntryThreshold, in.EntryPercentage) {
			return Buy
		}
	}

	if in.Status == statusRunning && in.WeightedAvgPrice != nil {
		avg := *in.WeightedAvgPrice
		target := ProfitTarget(avg, in.ProfitTargetType, in.ProfitTargetValue)
		stop, hasStop := StopLoss(avg, in.StopLossType, in.StopLossValue)
		if in.LivePrice >= target || (hasStop && in.LivePrice <= stop) {
			return Sell
		}
	}

	if in.Status == statusRunning && !in.Reentry.Empty() && !sameDate(in.LastEntryDate, in.Today) {
		if reentryTriggered(in.Reentry.PrevDay, in.ReentryThreshold, in.LivePrice) ||
			reentryTriggered(in.Reentry.LastBuy, in.LastBuyPrice, in.LivePrice) ||
			reentryTriggered(in.Reentry.WeightedAvg, in.WeightedAvgPrice, in.LivePrice) {
			return ReEntry
		}
	}

	return None
}

// DesiredPrice moves anchor by a signed percentage.
func DesiredPrice(anchor, pct float64) float64 {
	if pct >= 0 {
		return anchor * (1 + pct/100)
	}
	return anchor * (1 - math.Abs(pct)/100)
}

// Triggered: a non-negative percentage fires when price rises to the desired
// level, a negative one when price falls to it.
func Triggered(price, anchor, pct float64) bool {
	desired := DesiredPrice(anchor, pct)
	if pct >= 0 {
		return price >= desired
	}
	return price <= desired
}

func ProfitTarget(avg float64, kind string, value float64) float64 {
	if strings.EqualFold(kind, TargetPercentage) {
		return avg * (1 + math.Abs(value)/100)
	}
	return avg + value
}

// StopLoss returns false when the stop is disabled (value <= 0).
func StopLoss(avg float64, kind string, value float64) (float64, bool) {
	if value <= 0 {
		return 0, false
	}
	if strings.EqualFold(kind, TargetPercentage) {
		return avg * (1 - math.Abs(value)/100), true
	}
	return avg - value, true
}

func reentryTriggered(trigger *ReentryTrigger, anchor *float64, price float64) bool {
	if trigger == nil || anchor == nil {
		return false
	}
	return Triggered(price, *anchor, trigger.Percentage)
}

func sameDate(d *time.Time, day time.Time) bool {
	if d == nil || d.IsZero() {
		return false
	}
	y1, m1, d1 := d.Date()
	y2, m2, d2 := day.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
