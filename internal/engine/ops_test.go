package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"swingalgo/internal/market"
	"swingalgo/internal/models"
	"swingalgo/internal/notify"
	memrepository "swingalgo/internal/repository/memory"
)

func seedScripts(repo *memrepository.Store, scripts ...models.Script) models.User {
	return repo.Seed(models.User{
		BrokerKeyID:     "k",
		BrokerSecretKey: "s",
		Strategies:      []models.StrategySet{{Name: "ops", Active: true, Scripts: scripts}},
	})
}

func TestRetryFailedScript(t *testing.T) {
	ctx := context.Background()
	repo := memrepository.New()
	failedAt := cycleNow
	user := seedScripts(repo,
		models.Script{Symbol: "AAPL", Status: models.StatusFailed, FailureTimestamp: &failedAt, FailureReason: "rejected"},
		models.Script{Symbol: "MSFT", Status: models.StatusFailed, TradeCount: 1, CumulativeQty: 3},
	)
	notes := &notify.Recorder{}
	ops := &ScriptOps{Repo: repo, Notifier: notes, Logger: zap.NewNop()}

	sc, err := ops.Retry(ctx, user.ID, user.Strategies[0].Scripts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, sc.Status)
	assert.Nil(t, sc.FailureTimestamp)
	assert.Empty(t, sc.FailureReason)

	sc, err = ops.Retry(ctx, user.ID, user.Strategies[0].Scripts[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, sc.Status)
	assert.Equal(t, 2, notes.Count(notify.StrategyUpdate))
}

func TestRetryRejectsOtherStatusesAndOwners(t *testing.T) {
	ctx := context.Background()
	repo := memrepository.New()
	user := seedScripts(repo, models.Script{Symbol: "AAPL", Status: models.StatusRunning})
	ops := &ScriptOps{Repo: repo}
	id := user.Strategies[0].Scripts[0].ID

	_, err := ops.Retry(ctx, user.ID, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = ops.Retry(ctx, user.ID+1, id)
	assert.ErrorIs(t, err, ErrScriptNotFound)

	_, err = ops.Retry(ctx, user.ID, 424242)
	assert.ErrorIs(t, err, ErrScriptNotFound)
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	repo := memrepository.New()
	user := seedScripts(repo, models.Script{Symbol: "AAPL", Status: models.StatusRunning, CumulativeQty: 2})
	ops := &ScriptOps{Repo: repo}
	id := user.Strategies[0].Scripts[0].ID

	sc, err := ops.Pause(ctx, user.ID, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, sc.Status)

	_, err = ops.Pause(ctx, user.ID, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	sc, err = ops.Resume(ctx, user.ID, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, sc.Status)
}

func TestArchiverSweep(t *testing.T) {
	ctx := context.Background()
	repo := memrepository.New()
	longAgo := today.AddDate(0, 0, -45)
	lastWeek := today.AddDate(0, 0, -7)
	seedScripts(repo,
		models.Script{Symbol: "OLD", Status: models.StatusSoldOut, LastTradeDate: &longAgo},
		models.Script{Symbol: "NEW", Status: models.StatusSoldOut, LastTradeDate: &lastWeek},
		models.Script{Symbol: "RUN", Status: models.StatusRunning, LastTradeDate: &longAgo},
	)
	a := &Archiver{
		Repo:      repo,
		Hours:     market.Hours{Location: time.UTC},
		Retention: 30 * 24 * time.Hour,
		Now:       func() time.Time { return cycleNow },
	}

	n, err := a.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = a.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
