package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"swingalgo/internal/models"
	"swingalgo/internal/notify"
	"swingalgo/internal/repository"
	"swingalgo/internal/state"
)

var (
	ErrScriptNotFound    = errors.New("script not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingSymbol     = errors.New("script has no symbol")
)

// ScriptOps are the manual status changes an owner can make.
type ScriptOps struct {
	Repo      repository.Repository
	Publisher *state.Publisher
	Notifier  notify.Notifier
	Logger    *zap.Logger
}

// Retry moves a Failed script back into automated trading: Running when it
// still carries a position or trade history, Waiting otherwise.
func (o *ScriptOps) Retry(ctx context.Context, userID, scriptID uint64) (*models.Script, error) {
	return o.transition(ctx, userID, scriptID, "retry", func(sc *models.Script) error {
		if sc.Status != models.StatusFailed {
			return fmt.Errorf("%w: %s script cannot be retried", ErrInvalidTransition, sc.Status)
		}
		if sc.Symbol == "" {
			return ErrMissingSymbol
		}
		sc.Status = resumeStatus(sc)
		sc.FailureTimestamp = nil
		sc.FailureReason = ""
		return nil
	})
}

func (o *ScriptOps) Pause(ctx context.Context, userID, scriptID uint64) (*models.Script, error) {
	return o.transition(ctx, userID, scriptID, "pause", func(sc *models.Script) error {
		if sc.Status != models.StatusWaiting && sc.Status != models.StatusRunning {
			return fmt.Errorf("%w: %s script cannot be paused", ErrInvalidTransition, sc.Status)
		}
		sc.Status = models.StatusPaused
		return nil
	})
}

func (o *ScriptOps) Resume(ctx context.Context, userID, scriptID uint64) (*models.Script, error) {
	return o.transition(ctx, userID, scriptID, "resume", func(sc *models.Script) error {
		if sc.Status != models.StatusPaused {
			return fmt.Errorf("%w: %s script is not paused", ErrInvalidTransition, sc.Status)
		}
		sc.Status = resumeStatus(sc)
		return nil
	})
}

func (o *ScriptOps) transition(ctx context.Context, userID, scriptID uint64, op string, apply func(*models.Script) error) (*models.Script, error) {
	sc, err := o.Repo.GetScript(ctx, scriptID)
	if err != nil {
		return nil, err
	}
	if sc == nil || sc.UserID != userID {
		return nil, ErrScriptNotFound
	}
	from := sc.Status
	if err := apply(sc); err != nil {
		return nil, err
	}
	if err := o.Repo.SaveScript(ctx, sc); err != nil {
		return nil, err
	}
	o.logger().Info("script status changed",
		zap.String("op", op),
		zap.Uint64("user_id", userID),
		zap.Uint64("script_id", scriptID),
		zap.String("from", from),
		zap.String("to", sc.Status))

	if o.Publisher != nil {
		user, err := o.Repo.GetUser(ctx, userID)
		if err != nil {
			o.logger().Warn("state refresh skipped", zap.Uint64("user_id", userID), zap.Error(err))
		} else if user != nil {
			o.Publisher.Publish(ctx, user)
		}
	} else if o.Notifier != nil {
		o.Notifier.Notify(userID, notify.StrategyUpdate, sc)
	}
	return sc, nil
}

func (o *ScriptOps) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func resumeStatus(sc *models.Script) string {
	if sc.HasPosition() {
		return models.StatusRunning
	}
	return models.StatusWaiting
}
