package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"swingalgo/internal/market"
	"swingalgo/internal/repository"
)

// Archiver moves long-idle Sold-out scripts out of active trading.
type Archiver struct {
	Repo      repository.Repository
	Hours     market.Hours
	Retention time.Duration
	Now       func() time.Time
	Logger    *zap.Logger
}

// Sweep archives scripts whose last exit is older than the retention window
// and returns how many were archived.
func (a *Archiver) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	if a.Now != nil {
		now = a.Now()
	}
	retention := a.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	cutoff := a.Hours.Today(now).Add(-retention)
	n, err := a.Repo.ArchiveSoldOut(ctx, cutoff, now)
	if err != nil {
		return n, err
	}
	if a.Logger != nil {
		a.Logger.Info("archive sweep completed", zap.Int("archived", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
