package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"swingalgo/internal/cache"
	"swingalgo/internal/models"
	"swingalgo/internal/notify"
)

func fptr(v float64) *float64 { return &v }

func sampleUser() *models.User {
	exitDay := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	return &models.User{
		ID: 9,
		Strategies: []models.StrategySet{{
			ID:                1,
			EntryBasis:        "close",
			EntryPercentage:   -2,
			InvestmentType:    "value",
			InvestmentValue:   1000,
			ProfitTargetType:  "percentage",
			ProfitTargetValue: 10,
			ReentryParams:     datatypes.JSON(`{"last_buy":{"percentage":-3}}`),
			Scripts: []models.Script{
				{ID: 1, Symbol: "AAPL", Status: models.StatusRunning, CumulativeQty: 5, WeightedAvgPrice: fptr(180), EntryThreshold: fptr(175), LTP: 181},
				{ID: 2, Symbol: "MSFT", Status: models.StatusWaiting},
				{ID: 3, Symbol: "TSLA", Status: models.StatusSoldOut, LastTradeDate: &exitDay},
				{ID: 4, Symbol: "NVDA", Status: models.StatusArchived},
			},
		}},
	}
}

func TestBuildSnapshotExcludesSoldOutAndArchived(t *testing.T) {
	existing := Snapshot{"MSFT": {CurrentLTP: 410}}
	snap := BuildSnapshot(sampleUser(), existing)

	require.Len(t, snap, 2)
	aapl := snap["AAPL"]
	assert.True(t, aapl.PositionOpen)
	assert.Equal(t, 175.0, aapl.ThresholdPrice)
	assert.Equal(t, 180.0, aapl.WeightedAvgPrice)
	assert.Equal(t, 181.0, aapl.CurrentLTP)
	assert.Equal(t, "value", aapl.Configuration.InvestmentType)

	msft := snap["MSFT"]
	assert.False(t, msft.PositionOpen)
	assert.Equal(t, 410.0, msft.CurrentLTP, "zero LTP falls back to previous snapshot")
	assert.Zero(t, msft.ThresholdPrice)
}

func TestStoreLivePriceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(cache.NewMemoryStore(), time.Minute, nil)

	_, ok, err := s.LivePrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetLivePrice(ctx, "AAPL", 187.25))
	p, ok, err := s.LivePrice(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 187.25, p)

	price, ok := s.Price(ctx, Snapshot{"MSFT": {CurrentLTP: 400}}, "MSFT")
	assert.True(t, ok)
	assert.Equal(t, 400.0, price)

	_, ok = s.Price(ctx, Snapshot{}, "GOOG")
	assert.False(t, ok)
}

func TestPublisherStoresAndNotifies(t *testing.T) {
	ctx := context.Background()
	store := NewStore(cache.NewMemoryStore(), time.Minute, nil)
	require.NoError(t, store.SetLivePrice(ctx, "MSFT", 415))
	rec := &notify.Recorder{}
	p := &Publisher{Store: store, Notifier: rec}

	p.Publish(ctx, sampleUser())

	saved, err := store.Snapshot(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 415.0, saved["MSFT"].CurrentLTP)
	assert.Equal(t, 1, rec.Count(notify.StrategyUpdate))
}
