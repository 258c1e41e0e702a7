package memrepository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swingalgo/internal/models"
	"swingalgo/internal/repository"
)

func TestSeedAssignsIDsAndForeignKeys(t *testing.T) {
	repo := New()
	user := repo.Seed(models.User{
		BrokerKeyID: "k", BrokerSecretKey: "s",
		Strategies: []models.StrategySet{{Name: "swing", Active: true, Scripts: []models.Script{{Symbol: "AAPL"}}}},
	})
	require.Len(t, user.Strategies, 1)
	sc := user.Strategies[0].Scripts[0]
	assert.NotZero(t, sc.ID)
	assert.Equal(t, user.ID, sc.UserID)
	assert.Equal(t, user.Strategies[0].ID, sc.StrategySetID)
	assert.Equal(t, models.StatusWaiting, sc.Status)
}

func TestSaveScriptVisibleThroughUser(t *testing.T) {
	ctx := context.Background()
	repo := New()
	user := repo.Seed(models.User{
		BrokerKeyID: "k", BrokerSecretKey: "s",
		Strategies: []models.StrategySet{{Active: true, Scripts: []models.Script{{Symbol: "MSFT"}}}},
	})
	sc := user.Strategies[0].Scripts[0]
	sc.Status = models.StatusRunning
	require.NoError(t, repo.SaveScript(ctx, &sc))

	got, err := repo.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Strategies[0].Scripts[0].Status)
	assert.Equal(t, 1, repo.Saves())
}

func TestListEligibleUsersHonoursPartitionAndCredentials(t *testing.T) {
	ctx := context.Background()
	repo := New()
	a := repo.Seed(models.User{ID: 2, BrokerKeyID: "k", BrokerSecretKey: "s"})
	repo.Seed(models.User{ID: 3, BrokerKeyID: "k", BrokerSecretKey: "s"})
	repo.Seed(models.User{ID: 4})

	users, err := repo.ListEligibleUsers(ctx, repository.Shard(0, 2))
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, a.ID, users[0].ID)
}

func TestArchiveSoldOut(t *testing.T) {
	ctx := context.Background()
	repo := New()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	repo.Seed(models.User{
		BrokerKeyID: "k", BrokerSecretKey: "s",
		Strategies: []models.StrategySet{{Active: true, Scripts: []models.Script{
			{Symbol: "OLD", Status: models.StatusSoldOut, LastTradeDate: &old},
			{Symbol: "NEW", Status: models.StatusSoldOut, LastTradeDate: &recent},
		}}},
	})
	n, err := repo.ArchiveSoldOut(ctx, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), recent)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, repo.Archives(), 1)
	assert.Equal(t, "OLD", repo.Archives()[0].Symbol)
}

func TestCancelledContextIsRejected(t *testing.T) {
	repo := New()
	user := repo.Seed(models.User{
		BrokerKeyID: "k", BrokerSecretKey: "s",
		Strategies: []models.StrategySet{{Active: true, Scripts: []models.Script{{Symbol: "AAPL"}}}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sc := user.Strategies[0].Scripts[0]
	sc.Status = models.StatusRunning
	assert.ErrorIs(t, repo.SaveScript(ctx, &sc), context.Canceled)
	_, err := repo.GetScript(ctx, sc.ID)
	assert.ErrorIs(t, err, context.Canceled)

	got, err := repo.GetScript(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status)
}
