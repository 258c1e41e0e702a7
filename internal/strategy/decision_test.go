package strategy

import (
	"testing"
	"time"
)

func ptr(v float64) *float64 { return &v }

var today = time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)

func TestDecideEntryAtExactTrigger(t *testing.T) {
	for _, pct := range []float64{0, 1.5, 5, 12.25} {
		threshold := 250.0
		in := Inputs{
			Status:          "Waiting",
			Today:           today,
			EntryThreshold:  ptr(threshold),
			EntryPercentage: pct,
			LivePrice:       DesiredPrice(threshold, pct),
		}
		if got := Decide(in); got != Buy {
			t.Fatalf("pct=%.2f expected BUY at desired price, got %s", pct, got)
		}
		in.LivePrice = DesiredPrice(threshold, pct) - 1
		if got := Decide(in); got != None {
			t.Fatalf("pct=%.2f expected NONE one unit below, got %s", pct, got)
		}
	}
}

func TestDecideEntryNegativePercentage(t *testing.T) {
	in := Inputs{
		Status:          "Waiting",
		Today:           today,
		EntryThreshold:  ptr(100),
		EntryPercentage: -2,
		LivePrice:       98,
	}
	if got := Decide(in); got != Buy {
		t.Fatalf("expected BUY at 98, got %s", got)
	}
	in.LivePrice = 97.5
	if got := Decide(in); got != Buy {
		t.Fatalf("expected BUY below trigger, got %s", got)
	}
	in.LivePrice = 98.5
	if got := Decide(in); got != None {
		t.Fatalf("expected NONE above trigger, got %s", got)
	}
}

func TestDecideEntryRequiresThresholdAndWaiting(t *testing.T) {
	in := Inputs{Status: "Waiting", Today: today, EntryPercentage: 5, LivePrice: 1000}
	if got := Decide(in); got != None {
		t.Fatalf("expected NONE without threshold, got %s", got)
	}
	in.EntryThreshold = ptr(100)
	in.Status = "Paused"
	if got := Decide(in); got != None {
		t.Fatalf("expected NONE when not waiting, got %s", got)
	}
}

func TestDecideExitProfitTarget(t *testing.T) {
	in := Inputs{
		Status:            "Running",
		Today:             today,
		WeightedAvgPrice:  ptr(100),
		ProfitTargetType:  "percentage",
		ProfitTargetValue: 10,
		StopLossType:      "percentage",
		StopLossValue:     0,
		LivePrice:         111,
	}
	if got := Decide(in); got != Sell {
		t.Fatalf("expected SELL at 111, got %s", got)
	}
	in.LivePrice = 109.9
	if got := Decide(in); got != None {
		t.Fatalf("expected NONE at 109.9, got %s", got)
	}
	// A disabled stop never fires, however far price falls.
	in.LivePrice = 1
	if got := Decide(in); got != None {
		t.Fatalf("expected NONE with stop disabled, got %s", got)
	}
}

func TestDecideExitAbsoluteTargets(t *testing.T) {
	in := Inputs{
		Status:            "Running",
		Today:             today,
		WeightedAvgPrice:  ptr(100),
		ProfitTargetType:  "absolute",
		ProfitTargetValue: 7,
		StopLossType:      "absolute",
		StopLossValue:     4,
	}
	cases := map[float64]Action{107: Sell, 106.9: None, 96: Sell, 96.1: None}
	for price, want := range cases {
		in.LivePrice = price
		if got := Decide(in); got != want {
			t.Fatalf("price=%.2f expected %s, got %s", price, want, got)
		}
	}
}

func TestDecideStopLossPercentage(t *testing.T) {
	in := Inputs{
		Status:            "Running",
		Today:             today,
		WeightedAvgPrice:  ptr(200),
		ProfitTargetType:  "percentage",
		ProfitTargetValue: 10,
		StopLossType:      "percentage",
		StopLossValue:     5,
		LivePrice:         190,
	}
	if got := Decide(in); got != Sell {
		t.Fatalf("expected SELL at stop, got %s", got)
	}
}

func TestDecideReentryPrevDay(t *testing.T) {
	yesterday := today.AddDate(0, 0, -1)
	in := Inputs{
		Status:            "Running",
		Today:             today,
		ProfitTargetType:  "percentage",
		ProfitTargetValue: 50,
		Reentry:           ReentryParams{PrevDay: &ReentryTrigger{Percentage: 5}},
		ReentryThreshold:  ptr(100),
		LastEntryDate:     &yesterday,
		LivePrice:         105,
	}
	if got := Decide(in); got != ReEntry {
		t.Fatalf("expected RE-ENTRY at 105, got %s", got)
	}
	in.LivePrice = 104.9
	if got := Decide(in); got != None {
		t.Fatalf("expected NONE at 104.9, got %s", got)
	}
}

func TestDecideReentryBlockedOnSameDayEntry(t *testing.T) {
	in := Inputs{
		Status:           "Running",
		Today:            today,
		Reentry:          ReentryParams{LastBuy: &ReentryTrigger{Percentage: -3}},
		LastBuyPrice:     ptr(100),
		LastEntryDate:    &today,
		LivePrice:        90,
		ProfitTargetType: "percentage",
	}
	in.ProfitTargetValue = 20
	if got := Decide(in); got != None {
		t.Fatalf("expected NONE after same-day entry, got %s", got)
	}
	in.LastEntryDate = nil
	if got := Decide(in); got != ReEntry {
		t.Fatalf("expected RE-ENTRY from last_buy trigger, got %s", got)
	}
}

func TestDecideReentryFallsThroughTriggers(t *testing.T) {
	in := Inputs{
		Status:            "Running",
		Today:             today,
		ProfitTargetType:  "percentage",
		ProfitTargetValue: 50,
		WeightedAvgPrice:  ptr(80),
		Reentry: ReentryParams{
			PrevDay:     &ReentryTrigger{Percentage: 5},
			LastBuy:     &ReentryTrigger{Percentage: 5},
			WeightedAvg: &ReentryTrigger{Percentage: 10},
		},
		LivePrice: 90,
	}
	// prev_day and last_buy have no anchors, weighted_avg fires at 88.
	if got := Decide(in); got != ReEntry {
		t.Fatalf("expected RE-ENTRY from weighted_avg trigger, got %s", got)
	}
}

func TestDecideExitTakesPriorityOverReentry(t *testing.T) {
	in := Inputs{
		Status:            "Running",
		Today:             today,
		WeightedAvgPrice:  ptr(100),
		ProfitTargetType:  "percentage",
		ProfitTargetValue: 10,
		Reentry:           ReentryParams{WeightedAvg: &ReentryTrigger{Percentage: 5}},
		LivePrice:         120,
	}
	if got := Decide(in); got != Sell {
		t.Fatalf("expected SELL to win over RE-ENTRY, got %s", got)
	}
}

func TestParseBasis(t *testing.T) {
	if b, err := ParseBasis(" Close "); err != nil || b != BasisClose {
		t.Fatalf("expected close basis, got %q err=%v", b, err)
	}
	if _, err := ParseBasis("vwap"); err == nil {
		t.Fatalf("expected error for unknown basis")
	}
}

func TestPrevDayBasisFallback(t *testing.T) {
	p := ReentryParams{PrevDay: &ReentryTrigger{Percentage: 1}}
	if got := p.PrevDayBasis(BasisHigh); got != BasisHigh {
		t.Fatalf("expected fallback basis, got %s", got)
	}
	p.PrevDay.Basis = "low"
	if got := p.PrevDayBasis(BasisHigh); got != BasisLow {
		t.Fatalf("expected configured basis, got %s", got)
	}
}
