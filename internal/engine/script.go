package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"swingalgo/internal/broker"
	"swingalgo/internal/cache"
	"swingalgo/internal/dispatch"
	"swingalgo/internal/market"
	"swingalgo/internal/models"
	"swingalgo/internal/notify"
	"swingalgo/internal/risk"
	"swingalgo/internal/strategy"
)

// Script outcomes of one pass. Guard rejections from the risk package are
// reported under their own error text.
const (
	outcomeReset            = "daily_reset"
	outcomeThresholdPending = "threshold_pending"
	outcomeNoThreshold      = "no_threshold"
	outcomeNoPrice          = "no_price"
	outcomeNoSignal         = "no_signal"
	outcomeSizing           = "sizing_skipped"
	outcomeSubmitted        = "order_submitted"
	outcomeDispatchError    = "dispatch_error"
	outcomeError            = "error"
)

var (
	ErrNonPositivePrice = errors.New("live price is not positive")
	ErrUnknownSizing    = errors.New("unknown investment type")
)

var emptyReentry strategy.ReentryParams

// evaluateScript runs the guard chain for one script: daily reset, re-entry
// threshold expiry, admission, entry threshold, live price, re-entry
// threshold, decision, sizing, risk, dispatch. Each guard either lets the
// script through or ends its pass with a named outcome.
func (e *Engine) evaluateScript(ctx context.Context, run *userRun, set *models.StrategySet, params strategy.ReentryParams, script *models.Script) (outcome string) {
	log := e.logger.With(
		zap.Uint64("user_id", run.user.ID),
		zap.Uint64("script_id", script.ID),
		zap.String("symbol", script.Symbol))
	defer func() {
		if r := recover(); r != nil {
			log.Error("script evaluation panicked", zap.Any("panic", r), zap.Stack("stack"))
			e.notifier.Notify(run.user.ID, notify.StrategyError, scriptError{ScriptID: script.ID, Symbol: script.Symbol, Reason: fmt.Sprint(r)})
			outcome = outcomeError
		}
	}()

	if resettable(script.Status) && market.BeforeDay(script.LastTradeDate, run.today) {
		script.ResetDaily()
		e.save(ctx, log, script)
		log.Info("daily reset")
		return outcomeReset
	}

	dirty := false
	if script.Status == models.StatusRunning && script.ReentryThreshold != nil && !market.SameDay(script.ReentryThresholdDate, run.today) {
		script.ReentryThreshold = nil
		script.ReentryThresholdDate = nil
		dirty = true
	}

	if err := e.gate.Admit(risk.ScriptContext{
		Now:              run.now,
		Status:           script.Status,
		FailureTimestamp: script.FailureTimestamp,
		LastOrderTime:    script.LastOrderTime,
		PendingOrderID:   script.PendingOrderID,
		FailureCooldown:  e.opts.FailureCooldown,
		OrderCooldown:    e.opts.OrderCooldown,
	}); err != nil {
		e.flush(ctx, log, script, dirty)
		return err.Error()
	}

	if script.Status == models.StatusWaiting && !fresh(script.EntryThreshold, script.EntryThresholdDate, run.today) {
		if outcome, ok := e.refreshEntryThreshold(ctx, log, run, set, script); !ok {
			return outcome
		}
		dirty = false
	}

	price, ok := e.livePrice(ctx, run, script.Symbol)
	if !ok {
		e.flush(ctx, log, script, dirty)
		return outcomeNoPrice
	}
	if script.LTP != price {
		script.LTP = price
		dirty = true
	}

	if script.Status == models.StatusRunning && params.PrevDay != nil && !fresh(script.ReentryThreshold, script.ReentryThresholdDate, run.today) {
		basis := params.PrevDayBasis(set.Basis())
		if v := run.cycle.Resolve(ctx, run.session, script.Symbol, basis); v != nil {
			day := run.today
			script.ReentryThreshold = v
			script.ReentryThresholdDate = &day
			dirty = true
		}
	}

	action := strategy.Decide(e.inputs(run, set, params, script, price))
	if action == strategy.None {
		e.flush(ctx, log, script, dirty)
		return outcomeNoSignal
	}
	e.metrics.Decision(string(action))

	entry := Entry{
		RunID:     run.runID,
		Timestamp: run.now,
		UserID:    run.user.ID,
		ScriptID:  script.ID,
		Symbol:    script.Symbol,
		Status:    script.Status,
		LivePrice: price,
		Action:    action,
	}

	qty, err := Quantity(set, script, action, price)
	if err != nil {
		log.Warn("order sizing skipped", zap.String("action", string(action)), zap.Error(err))
		e.flush(ctx, log, script, dirty)
		entry.Outcome, entry.RejectReason = outcomeSizing, err.Error()
		e.journal.Append(entry)
		return outcomeSizing
	}
	entry.Qty = qty

	approved, err := e.gate.Evaluate(risk.OrderIntent{Action: action, Qty: qty}, risk.RiskContext{
		Now:           run.now,
		Today:         run.today,
		Price:         price,
		LastTradeDate: script.LastTradeDate,
		MaxNotional:   e.opts.MaxOrderNotional,
		KillSwitch:    e.opts.KillSwitch,
	})
	if err != nil {
		e.flush(ctx, log, script, dirty)
		entry.Outcome, entry.RejectReason = err.Error(), err.Error()
		e.journal.Append(entry)
		return err.Error()
	}
	entry.Notional = approved.Notional

	order := e.buildOrder(script, price, approved.Intent)
	entry.ClientOrderID = order.ClientOrderID

	before := *script
	day, ts := run.today, run.now.UTC()
	if action.IsBuySide() {
		script.LastEntryDate = &day
	} else {
		script.LastTradeDate = &day
	}
	script.LastOrderTime = &ts
	if err := e.repo.SaveScript(ctx, script); err != nil {
		log.Error("order stamp not saved, order withheld", zap.Error(err))
		*script = before
		entry.Outcome, entry.RejectReason = outcomeError, err.Error()
		e.journal.Append(entry)
		return outcomeError
	}

	err = e.dispatcher.Submit(ctx, dispatch.Request{
		UserID:    run.user.ID,
		ScriptID:  script.ID,
		Symbol:    script.Symbol,
		Action:    action,
		Order:     order,
		LivePrice: price,
		Prior: dispatch.Stamp{
			LastOrderTime: before.LastOrderTime,
			LastEntryDate: before.LastEntryDate,
			LastTradeDate: before.LastTradeDate,
		},
	})
	if err != nil {
		*script = before
		e.save(ctx, log, script)
		entry.RejectReason = err.Error()
		e.notifier.Notify(run.user.ID, notify.StrategyError, scriptError{ScriptID: script.ID, Symbol: script.Symbol, Reason: err.Error()})
		if errors.Is(err, dispatch.ErrOrderPending) {
			log.Info("order already pending", zap.String("action", string(action)))
			entry.Outcome = risk.ErrOrderPending.Error()
			e.journal.Append(entry)
			return entry.Outcome
		}
		log.Error("order dispatch failed", zap.String("action", string(action)), zap.Error(err))
		entry.Outcome = outcomeDispatchError
		e.journal.Append(entry)
		return outcomeDispatchError
	}

	log.Info("order submitted",
		zap.String("action", string(action)),
		zap.Int("qty", qty),
		zap.Float64("price", price),
		zap.String("client_order_id", order.ClientOrderID))
	entry.Outcome = outcomeSubmitted
	e.journal.Append(entry)
	return outcomeSubmitted
}

// refreshEntryThreshold resolves a missing or stale entry threshold under the
// per-script fetch lock. An empty result keeps the lock until it expires so
// other workers do not refetch within the failure cooldown.
func (e *Engine) refreshEntryThreshold(ctx context.Context, log *zap.Logger, run *userRun, set *models.StrategySet, script *models.Script) (string, bool) {
	script.EntryThreshold = nil
	script.EntryThresholdDate = nil

	ttl := e.opts.FailureCooldown
	if ttl <= 0 {
		ttl = time.Minute
	}
	lock, ok, err := cache.Acquire(ctx, e.store, cache.ThresholdFetchKey(run.user.ID, script.ID), ttl)
	if err != nil {
		log.Warn("threshold lock unavailable", zap.Error(err))
		return outcomeError, false
	}
	if !ok {
		return outcomeThresholdPending, false
	}

	v := run.cycle.Resolve(ctx, run.session, script.Symbol, set.Basis())
	if v == nil {
		return outcomeNoThreshold, false
	}
	if err := lock.Release(); err != nil {
		log.Warn("threshold lock release failed", zap.String("key", lock.Key()), zap.Error(err))
	}

	day := run.today
	script.EntryThreshold = v
	script.EntryThresholdDate = &day
	e.save(ctx, log, script)
	log.Info("entry threshold set", zap.Float64("threshold", *v), zap.String("basis", string(set.Basis())))
	e.publisher.Publish(ctx, run.user)
	return "", true
}

func (e *Engine) livePrice(ctx context.Context, run *userRun, symbol string) (float64, bool) {
	if e.state != nil {
		return e.state.Price(ctx, run.snapshot, symbol)
	}
	if st, ok := run.snapshot[symbol]; ok && st.CurrentLTP > 0 {
		return st.CurrentLTP, true
	}
	return 0, false
}

func (e *Engine) inputs(run *userRun, set *models.StrategySet, params strategy.ReentryParams, script *models.Script, price float64) strategy.Inputs {
	in := strategy.Inputs{
		Status:            script.Status,
		LivePrice:         price,
		Today:             run.today,
		EntryPercentage:   set.EntryPercentage,
		LastEntryDate:     script.LastEntryDate,
		WeightedAvgPrice:  script.WeightedAvgPrice,
		ProfitTargetType:  set.ProfitTargetType,
		ProfitTargetValue: set.ProfitTargetValue,
		StopLossType:      set.StopLossType,
		StopLossValue:     set.StopLossValue,
		LastTradeDate:     script.LastTradeDate,
		Reentry:           params,
		LastBuyPrice:      script.LastBuyPrice,
	}
	if fresh(script.EntryThreshold, script.EntryThresholdDate, run.today) {
		in.EntryThreshold = script.EntryThreshold
	}
	if fresh(script.ReentryThreshold, script.ReentryThresholdDate, run.today) {
		in.ReentryThreshold = script.ReentryThreshold
	}
	return in
}

// Quantity sizes an order. A sell closes the whole recorded position when
// there is one; otherwise the strategy's investment setting applies.
func Quantity(set *models.StrategySet, script *models.Script, action strategy.Action, price float64) (int, error) {
	if action == strategy.Sell && script.CumulativeQty > 0 {
		return int(script.CumulativeQty), nil
	}
	switch set.InvestmentType {
	case strategy.InvestQuantity, "":
		return int(set.InvestmentValue), nil
	case strategy.InvestValue:
		if price <= 0 {
			return 0, ErrNonPositivePrice
		}
		return int(math.Floor(set.InvestmentValue / price)), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSizing, set.InvestmentType)
	}
}

func (e *Engine) buildOrder(script *models.Script, price float64, intent risk.OrderIntent) broker.OrderRequest {
	side := alpaca.Buy
	if intent.Action == strategy.Sell {
		side = alpaca.Sell
	}
	req := broker.OrderRequest{
		Symbol:        script.Symbol,
		Qty:           intent.Qty,
		Side:          side,
		Type:          e.orderType,
		TimeInForce:   e.timeInForce,
		ClientOrderID: fmt.Sprintf("swing-%d-%s", script.ID, ulid.Make()),
		ExtendedHours: e.opts.ExtendedHours,
	}
	if e.orderType == alpaca.Limit {
		limit := price
		req.LimitPrice = &limit
	}
	return req
}

func (e *Engine) flush(ctx context.Context, log *zap.Logger, script *models.Script, dirty bool) {
	if dirty {
		e.save(ctx, log, script)
	}
}

func (e *Engine) save(ctx context.Context, log *zap.Logger, script *models.Script) {
	if err := e.repo.SaveScript(ctx, script); err != nil {
		log.Error("script state not saved", zap.Error(err))
	}
}

// resettable lists the statuses eligible for the nightly reset.
func resettable(status string) bool {
	switch status {
	case models.StatusRunning, models.StatusWaiting, models.StatusPaused, models.StatusFailed:
		return true
	}
	return false
}

// fresh reports whether a threshold was fetched today.
func fresh(value *float64, fetched *time.Time, today time.Time) bool {
	return value != nil && market.SameDay(fetched, today)
}

type scriptError struct {
	ScriptID uint64 `json:"script_id"`
	Symbol   string `json:"symbol"`
	Reason   string `json:"reason"`
}
