package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"swingalgo/internal/broker"
	"swingalgo/internal/market"
	"swingalgo/internal/models"
	"swingalgo/internal/notify"
	"swingalgo/internal/strategy"
)

// settle applies the broker's view of an order to the script. Orders still
// working leave the script untouched so the reconciler can pick them up.
func (d *Dispatcher) settle(ctx context.Context, log *zap.Logger, user *models.User, script *models.Script, action strategy.Action, ref broker.OrderRef) {
	switch {
	case ref.Rejected():
		d.reject(ctx, log, user, script, action, "order rejected by broker")
	case ref.Status == broker.OrderFilled || (ref.Closed() && ref.FilledQty > 0):
		d.fill(ctx, log, user, script, action, ref)
	case ref.Closed():
		log.Info("order closed without fill", zap.String("order_id", ref.ID), zap.String("status", ref.Status))
		script.PendingOrderID = ""
		script.PendingAction = ""
		d.save(ctx, log, script)
		d.metrics.Order(side(action), ref.Status)
		d.notifier.Notify(user.ID, notify.OrderUpdate, orderPayload(script, action, ref))
	default:
		log.Info("order not filled yet", zap.String("order_id", ref.ID), zap.String("status", ref.Status))
	}
}

func (d *Dispatcher) fill(ctx context.Context, log *zap.Logger, user *models.User, script *models.Script, action strategy.Action, ref broker.OrderRef) {
	price := script.LTP
	if ref.FilledAvgPrice != nil && *ref.FilledAvgPrice > 0 {
		price = *ref.FilledAvgPrice
	}
	now := d.opts.Now()
	ApplyFill(script, action, ref.FilledQty, price, d.opts.Hours.Today(now), now)
	d.save(ctx, log, script)
	log.Info("order filled",
		zap.String("order_id", ref.ID),
		zap.Float64("qty", ref.FilledQty),
		zap.Float64("price", price),
		zap.String("status", script.Status))
	d.metrics.Order(side(action), "filled")
	d.notifier.Notify(user.ID, notify.OrderUpdate, orderPayload(script, action, ref))
	d.publish(ctx, user)
}

// reject marks the script Failed and drops any phantom position.
func (d *Dispatcher) reject(ctx context.Context, log *zap.Logger, user *models.User, script *models.Script, action strategy.Action, reason string) {
	log.Warn("order rejected", zap.String("reason", reason))
	script.ClearPosition()
	script.MarkFailed(d.opts.Now(), reason)
	d.save(ctx, log, script)
	d.metrics.Order(side(action), "rejected")
	d.notifier.Notify(user.ID, notify.StrategyError, errorPayload(script, reason))
	d.publish(ctx, user)
}

func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, user *models.User, script *models.Script, action strategy.Action, reason string) {
	log.Error("order failed", zap.String("reason", reason))
	script.MarkFailed(d.opts.Now(), reason)
	d.save(ctx, log, script)
	d.metrics.Order(side(action), "failed")
	d.notifier.Notify(user.ID, notify.StrategyError, errorPayload(script, reason))
	d.publish(ctx, user)
}

func (d *Dispatcher) save(ctx context.Context, log *zap.Logger, script *models.Script) {
	if err := d.repo.SaveScript(ctx, script); err != nil {
		log.Error("script state not saved", zap.Error(err))
	}
}

func (d *Dispatcher) publish(ctx context.Context, user *models.User) {
	if d.publisher == nil {
		return
	}
	fresh, err := d.repo.GetUser(ctx, user.ID)
	if err != nil || fresh == nil {
		d.logger.Warn("state refresh skipped", zap.Uint64("user_id", user.ID), zap.Error(err))
		return
	}
	d.publisher.Publish(ctx, fresh)
}

// ApplyFill folds a fill into the script's position. Buy-side fills update
// the weighted average and move the script to Running; a sell that closes
// the position moves it to Sold-out and clears thresholds.
func ApplyFill(script *models.Script, action strategy.Action, qty, price float64, today, now time.Time) {
	if qty <= 0 {
		return
	}
	day := market.DayOf(today)
	ts := now.UTC()
	if action.IsBuySide() {
		prevQty := script.CumulativeQty
		prevAvg := price
		if script.WeightedAvgPrice != nil {
			prevAvg = *script.WeightedAvgPrice
		}
		avg := (prevAvg*prevQty + price*qty) / (prevQty + qty)
		fill := price
		script.CumulativeQty = prevQty + qty
		script.WeightedAvgPrice = &avg
		script.LastBuyPrice = &fill
		script.Status = models.StatusRunning
		script.LastEntryDate = &day
	} else {
		script.CumulativeQty -= qty
		script.LastTradeDate = &day
		if script.CumulativeQty <= 0 {
			script.CumulativeQty = 0
			script.WeightedAvgPrice = nil
			script.LastBuyPrice = nil
			script.EntryThreshold = nil
			script.EntryThresholdDate = nil
			script.ReentryThreshold = nil
			script.ReentryThresholdDate = nil
			script.Status = models.StatusSoldOut
		}
	}
	script.LastOrderTime = &ts
	script.TradeCount++
	script.PendingOrderID = ""
	script.PendingAction = ""
}

type orderUpdate struct {
	ScriptID         uint64   `json:"script_id"`
	Symbol           string   `json:"symbol"`
	Action           string   `json:"action"`
	OrderID          string   `json:"order_id"`
	Status           string   `json:"order_status"`
	FilledQty        float64  `json:"filled_qty"`
	FilledAvgPrice   *float64 `json:"filled_avg_price,omitempty"`
	ScriptStatus     string   `json:"script_status"`
	CumulativeQty    float64  `json:"cumulative_qty"`
	WeightedAvgPrice *float64 `json:"weighted_avg_price,omitempty"`
}

func orderPayload(script *models.Script, action strategy.Action, ref broker.OrderRef) orderUpdate {
	return orderUpdate{
		ScriptID:         script.ID,
		Symbol:           script.Symbol,
		Action:           string(action),
		OrderID:          ref.ID,
		Status:           ref.Status,
		FilledQty:        ref.FilledQty,
		FilledAvgPrice:   ref.FilledAvgPrice,
		ScriptStatus:     script.Status,
		CumulativeQty:    script.CumulativeQty,
		WeightedAvgPrice: script.WeightedAvgPrice,
	}
}

type scriptError struct {
	ScriptID uint64 `json:"script_id"`
	Symbol   string `json:"symbol"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
}

func errorPayload(script *models.Script, reason string) scriptError {
	return scriptError{ScriptID: script.ID, Symbol: script.Symbol, Status: script.Status, Reason: reason}
}
