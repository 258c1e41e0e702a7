package risk

import (
	"fmt"
	"strings"
	"time"

	"swingalgo/internal/market"
)

// ExecutionWindow restricts a strategy to "after HH:MM" or "before HH:MM"
// exchange time. The zero value allows everything.
type ExecutionWindow struct {
	After  bool
	Cutoff market.Clock
	set    bool
}

func ParseExecutionWindow(value string) (ExecutionWindow, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return ExecutionWindow{}, nil
	}
	parts := strings.Fields(value)
	if len(parts) != 2 {
		return ExecutionWindow{}, fmt.Errorf("invalid execution time %q: want \"after HH:MM\" or \"before HH:MM\"", value)
	}
	clock, err := market.ParseClock(parts[1])
	if err != nil {
		return ExecutionWindow{}, fmt.Errorf("invalid execution time %q: %w", value, err)
	}
	switch strings.ToLower(parts[0]) {
	case "after":
		return ExecutionWindow{After: true, Cutoff: clock, set: true}, nil
	case "before":
		return ExecutionWindow{Cutoff: clock, set: true}, nil
	default:
		return ExecutionWindow{}, fmt.Errorf("invalid execution time %q: unknown qualifier %q", value, parts[0])
	}
}

// Allows reports whether local (already in exchange time) is inside the window.
// "after" includes the cutoff minute, "before" excludes it.
func (w ExecutionWindow) Allows(local time.Time) bool {
	if !w.set {
		return true
	}
	m := local.Hour()*60 + local.Minute()
	cutoff := w.Cutoff.Hour*60 + w.Cutoff.Minute
	if w.After {
		return m >= cutoff
	}
	return m < cutoff
}
