package repository

import (
	"context"
	"time"

	"swingalgo/internal/models"
)

// Partition selects which users this worker owns.
type Partition func(userID uint64) bool

// Shard returns the partition for worker id out of total. total <= 1 owns all.
func Shard(id, total int) Partition {
	if total <= 1 {
		return nil
	}
	return func(userID uint64) bool {
		return userID%uint64(total) == uint64(id)
	}
}

// Owns reports whether p includes userID; a nil partition includes everyone.
func (p Partition) Owns(userID uint64) bool {
	return p == nil || p(userID)
}

type Repository interface {
	// ListEligibleUsers returns users with broker credentials, their active
	// strategy sets and every script of those sets.
	ListEligibleUsers(ctx context.Context, partition Partition) ([]models.User, error)
	GetUser(ctx context.Context, id uint64) (*models.User, error)
	GetScript(ctx context.Context, id uint64) (*models.Script, error)
	SaveScript(ctx context.Context, script *models.Script) error
	ListPendingOrderScripts(ctx context.Context, limit int) ([]models.Script, error)
	// ArchiveSoldOut moves Sold-out scripts whose last exit is before cutoff
	// to Archived and records a snapshot row for each.
	ArchiveSoldOut(ctx context.Context, cutoff, now time.Time) (int, error)
}
