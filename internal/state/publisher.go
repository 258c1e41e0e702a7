package state

import (
	"context"

	"go.uber.org/zap"

	"swingalgo/internal/models"
	"swingalgo/internal/notify"
)

// Publisher rebuilds a user's snapshot, stores it and pushes it to observers.
type Publisher struct {
	Store    *Store
	Notifier notify.Notifier
	Logger   *zap.Logger
}

func (p *Publisher) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Refresh merges the stored snapshot with the user's current records and
// streamed prices, then saves the result.
func (p *Publisher) Refresh(ctx context.Context, user *models.User) (Snapshot, error) {
	existing, err := p.Store.Snapshot(ctx, user.ID)
	if err != nil {
		p.logger().Warn("strategy state read failed", zap.Uint64("user_id", user.ID), zap.Error(err))
		existing = Snapshot{}
	}
	snap := BuildSnapshot(user, existing)
	p.Store.overlayLivePrices(ctx, snap)
	if err := p.Store.SaveSnapshot(ctx, user.ID, snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// Publish refreshes and broadcasts a strategy_update.
func (p *Publisher) Publish(ctx context.Context, user *models.User) {
	if p == nil || user == nil {
		return
	}
	snap, err := p.Refresh(ctx, user)
	if err != nil {
		p.logger().Warn("strategy state save failed", zap.Uint64("user_id", user.ID), zap.Error(err))
	}
	if p.Notifier != nil {
		p.Notifier.Notify(user.ID, notify.StrategyUpdate, snap)
	}
}
