package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"swingalgo/internal/broker"
	"swingalgo/internal/cache"
	"swingalgo/internal/strategy"
)

// Reconciler re-polls scripts whose broker order was still working when the
// dispatcher stopped watching it.
type Reconciler struct {
	Dispatcher *Dispatcher
	Interval   time.Duration
	Limit      int
}

func (r *Reconciler) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Once(ctx)
		}
	}
}

// Once settles every pending order it can lock and returns how many scripts
// it examined.
func (r *Reconciler) Once(ctx context.Context) int {
	d := r.Dispatcher
	scripts, err := d.repo.ListPendingOrderScripts(ctx, r.Limit)
	if err != nil {
		d.logger.Warn("reconcile pending orders failed", zap.Error(err))
		return 0
	}
	seen := 0
	for i := range scripts {
		sc := &scripts[i]
		lock, ok, err := cache.Acquire(ctx, d.store, cache.OrderPendingKey(sc.UserID, sc.ID), d.opts.LockTTL)
		if err != nil {
			d.logger.Warn("reconcile lock failed", zap.Uint64("script_id", sc.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		r.reconcile(ctx, sc.UserID, sc.ID)
		d.release(d.logger.With(zap.Uint64("script_id", sc.ID)), lock)
		seen++
	}
	return seen
}

func (r *Reconciler) reconcile(ctx context.Context, userID, scriptID uint64) {
	d := r.Dispatcher
	log := d.logger.With(zap.Uint64("user_id", userID), zap.Uint64("script_id", scriptID))
	// Reload under the lock; a worker may have settled it meanwhile.
	script, err := d.repo.GetScript(ctx, scriptID)
	if err != nil || script == nil || script.PendingOrderID == "" {
		return
	}
	user, err := d.repo.GetUser(ctx, userID)
	if err != nil || user == nil {
		log.Warn("reconcile user lookup failed", zap.Error(err))
		return
	}
	session, err := d.sessions.Session(ctx, user)
	if err != nil {
		log.Warn("reconcile session unavailable", zap.Error(err))
		return
	}
	ref, err := session.GetOrder(ctx, script.PendingOrderID)
	if broker.IsNotFound(err) {
		log.Warn("pending order unknown to broker, clearing", zap.String("order_id", script.PendingOrderID))
		script.PendingOrderID = ""
		script.PendingAction = ""
		d.save(ctx, log, script)
		return
	}
	if err != nil {
		log.Warn("reconcile order fetch failed", zap.String("order_id", script.PendingOrderID), zap.Error(err))
		return
	}
	d.settle(ctx, log.With(zap.String("symbol", script.Symbol)), user, script, strategy.Action(script.PendingAction), ref)
}
