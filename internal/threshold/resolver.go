package threshold

import (
	"context"
	"fmt"
	"sort"
	"time"

	"swingalgo/internal/market"
	"swingalgo/internal/strategy"
)

// DefaultWindow is how many calendar days of history are scanned.
const DefaultWindow = 10

// History returns daily bars for symbol between start and end inclusive.
type History interface {
	DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]market.DailyBar, error)
}

// Resolver finds the prior trading day's reference price.
type Resolver struct {
	Hours  market.Hours
	Window int
	Now    func() time.Time
}

// PriorReference scans the trailing window, newest first, and returns the
// first positive basis field from a day strictly before today. A nil result
// with a nil error means no qualifying record exists.
func (r Resolver) PriorReference(ctx context.Context, h History, symbol string, basis strategy.Basis) (*float64, error) {
	if h == nil {
		return nil, fmt.Errorf("no price history source for %s", symbol)
	}
	now := r.now()
	window := r.Window
	if window <= 0 {
		window = DefaultWindow
	}
	midnight := r.Hours.Midnight(now)
	start := midnight.AddDate(0, 0, -window)
	end := midnight.Add(-time.Second)

	bars, err := h.DailyBars(ctx, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("daily bars %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, nil
	}

	sorted := make([]market.DailyBar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.After(sorted[j].Time)
	})

	today := r.Hours.Today(now)
	for _, bar := range sorted {
		if bar.Time.IsZero() {
			continue
		}
		if !r.Hours.Today(bar.Time).Before(today) {
			continue
		}
		if v := bar.Field(basis); v > 0 {
			return &v, nil
		}
	}
	return nil, nil
}

func (r Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}
