package risk

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"swingalgo/internal/models"
	"swingalgo/internal/strategy"
)

var (
	ErrInactive         = errors.New("inactive_status")
	ErrFailureCooldown  = errors.New("failure_cooldown")
	ErrOrderPending     = errors.New("order_pending")
	ErrCooldownActive   = errors.New("cooldown_active")
	ErrKillSwitch       = errors.New("kill_switch_enabled")
	ErrInvalidQuantity  = errors.New("invalid_quantity")
	ErrMaxNotional      = errors.New("max_notional_exceeded")
	ErrExitAlreadyToday = errors.New("exit_already_today")
)

// ScriptContext is what the pre-decision guards look at.
type ScriptContext struct {
	Now              time.Time
	Status           string
	FailureTimestamp *time.Time
	LastOrderTime    *time.Time
	PendingOrderID   string
	FailureCooldown  time.Duration
	OrderCooldown    time.Duration
}

// OrderIntent is a sized decision about to become an order.
type OrderIntent struct {
	Action strategy.Action
	Qty    int
}

type RiskContext struct {
	Now           time.Time
	Today         time.Time
	Price         float64
	LastTradeDate *time.Time
	MaxNotional   float64
	KillSwitch    bool
}

type ApprovedIntent struct {
	Intent   OrderIntent
	Notional float64
	Reason   string
}

// Gate runs the guards in a fixed order; the first rejection wins.
type Gate struct {
	Logger *zap.Logger
}

func (g Gate) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

// Admit decides whether a script may be evaluated at all this pass.
func (g Gate) Admit(ctx ScriptContext) error {
	switch ctx.Status {
	case models.StatusFailed:
		if within(ctx.Now, ctx.FailureTimestamp, ctx.FailureCooldown) {
			return ErrFailureCooldown
		}
		return ErrInactive
	case models.StatusSoldOut, models.StatusPaused, models.StatusArchived:
		return ErrInactive
	}
	if within(ctx.Now, ctx.FailureTimestamp, ctx.FailureCooldown) {
		return ErrFailureCooldown
	}
	if ctx.PendingOrderID != "" {
		return ErrOrderPending
	}
	if within(ctx.Now, ctx.LastOrderTime, ctx.OrderCooldown) {
		return ErrCooldownActive
	}
	return nil
}

// Evaluate checks a sized intent before it is handed to the dispatcher.
func (g Gate) Evaluate(intent OrderIntent, ctx RiskContext) (ApprovedIntent, error) {
	log := g.logger()
	notional := ctx.Price * float64(intent.Qty)

	if ctx.KillSwitch {
		log.Info("risk rejected", zap.String("reason", ErrKillSwitch.Error()))
		return ApprovedIntent{}, ErrKillSwitch
	}
	if intent.Qty <= 0 {
		log.Info("risk rejected", zap.String("reason", ErrInvalidQuantity.Error()), zap.Int("qty", intent.Qty))
		return ApprovedIntent{}, ErrInvalidQuantity
	}
	if intent.Action.IsBuySide() && ctx.MaxNotional > 0 && notional > ctx.MaxNotional {
		log.Info("risk rejected", zap.String("reason", ErrMaxNotional.Error()),
			zap.Float64("notional", notional), zap.Float64("max", ctx.MaxNotional))
		return ApprovedIntent{}, ErrMaxNotional
	}
	if intent.Action == strategy.Sell && sameDay(ctx.LastTradeDate, ctx.Today) {
		log.Info("risk rejected", zap.String("reason", ErrExitAlreadyToday.Error()))
		return ApprovedIntent{}, ErrExitAlreadyToday
	}

	return ApprovedIntent{Intent: intent, Notional: notional, Reason: "approved"}, nil
}

func within(now time.Time, since *time.Time, window time.Duration) bool {
	if since == nil || since.IsZero() || window <= 0 {
		return false
	}
	return now.Sub(*since) < window
}

func sameDay(d *time.Time, day time.Time) bool {
	if d == nil || d.IsZero() {
		return false
	}
	y1, m1, d1 := d.Date()
	y2, m2, d2 := day.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
