package strategy

import (
	"fmt"
	"strings"
)

type Action string

const (
	None    Action = "NONE"
	Buy     Action = "BUY"
	Sell    Action = "SELL"
	ReEntry Action = "RE-ENTRY"
)

// IsBuySide reports whether the action opens or adds to a position.
func (a Action) IsBuySide() bool {
	return a == Buy || a == ReEntry
}

// Basis names the daily price field a threshold is anchored on.
type Basis string

const (
	BasisOpen  Basis = "open"
	BasisHigh  Basis = "high"
	BasisLow   Basis = "low"
	BasisClose Basis = "close"
)

func ParseBasis(value string) (Basis, error) {
	switch b := Basis(strings.ToLower(strings.TrimSpace(value))); b {
	case BasisOpen, BasisHigh, BasisLow, BasisClose:
		return b, nil
	default:
		return "", fmt.Errorf("invalid basis %q: must be one of open, high, low, close", value)
	}
}

// Target types for profit target and stop-loss.
const (
	TargetPercentage = "percentage"
	TargetAbsolute   = "absolute"
)

// Investment sizing modes.
const (
	InvestQuantity = "quantity"
	InvestValue    = "value"
)

// ReentryTrigger is one re-entry rule. Basis is only meaningful for prev_day.
type ReentryTrigger struct {
	Percentage float64 `json:"percentage"`
	Basis      string  `json:"basis,omitempty"`
}

type ReentryParams struct {
	PrevDay     *ReentryTrigger `json:"prev_day,omitempty"`
	LastBuy     *ReentryTrigger `json:"last_buy,omitempty"`
	WeightedAvg *ReentryTrigger `json:"weighted_avg,omitempty"`
}

func (p ReentryParams) Empty() bool {
	return p.PrevDay == nil && p.LastBuy == nil && p.WeightedAvg == nil
}

// PrevDayBasis resolves the basis of the prev_day anchor, falling back to the
// strategy entry basis when the trigger does not name one.
func (p ReentryParams) PrevDayBasis(fallback Basis) Basis {
	if p.PrevDay == nil || strings.TrimSpace(p.PrevDay.Basis) == "" {
		return fallback
	}
	b, err := ParseBasis(p.PrevDay.Basis)
	if err != nil {
		return fallback
	}
	return b
}
