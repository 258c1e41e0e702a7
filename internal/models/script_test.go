package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"swingalgo/internal/strategy"
)

func fptr(v float64) *float64 { return &v }

func TestResetDailyIsIdempotent(t *testing.T) {
	yesterday := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	orderTime := yesterday.Add(14 * time.Hour)
	s := Script{
		ID:                 1,
		Symbol:             "AAPL",
		Status:             StatusRunning,
		EntryThreshold:     fptr(100),
		EntryThresholdDate: &yesterday,
		ReentryThreshold:   fptr(101),
		CumulativeQty:      10,
		WeightedAvgPrice:   fptr(99),
		LastBuyPrice:       fptr(98),
		TradeCount:         2,
		LastEntryDate:      &yesterday,
		LastTradeDate:      &yesterday,
		LastOrderTime:      &orderTime,
	}

	s.ResetDaily()
	once := s
	s.ResetDaily()

	assert.Equal(t, once, s)
	assert.Equal(t, StatusWaiting, s.Status)
	assert.Nil(t, s.EntryThreshold)
	assert.Nil(t, s.ReentryThreshold)
	assert.Nil(t, s.WeightedAvgPrice)
	assert.Nil(t, s.LastTradeDate)
	assert.Zero(t, s.CumulativeQty)
	assert.Zero(t, s.TradeCount)
	assert.Equal(t, "AAPL", s.Symbol)
}

func TestMarkFailedKeepsPositionUntilCleared(t *testing.T) {
	now := time.Date(2025, 5, 1, 15, 0, 0, 0, time.UTC)
	s := Script{Status: StatusRunning, CumulativeQty: 5, WeightedAvgPrice: fptr(10), PendingOrderID: "abc"}
	s.MarkFailed(now, "rejected")
	assert.Equal(t, StatusFailed, s.Status)
	require.NotNil(t, s.FailureTimestamp)
	assert.Equal(t, now, *s.FailureTimestamp)
	assert.Empty(t, s.PendingOrderID)
	assert.True(t, s.HasPosition())

	s.ClearPosition()
	assert.Zero(t, s.CumulativeQty)
	assert.Nil(t, s.WeightedAvgPrice)
}

func TestStrategySetReentryDecode(t *testing.T) {
	set := StrategySet{ID: 3, ReentryParams: datatypes.JSON(`{"prev_day":{"percentage":5},"weighted_avg":{"percentage":-2}}`)}
	params, err := set.Reentry()
	require.NoError(t, err)
	require.NotNil(t, params.PrevDay)
	assert.Equal(t, 5.0, params.PrevDay.Percentage)
	assert.Nil(t, params.LastBuy)
	require.NotNil(t, params.WeightedAvg)
	assert.Equal(t, -2.0, params.WeightedAvg.Percentage)

	empty := StrategySet{}
	params, err = empty.Reentry()
	require.NoError(t, err)
	assert.True(t, params.Empty())

	bad := StrategySet{ReentryParams: datatypes.JSON(`{"prev_day":`)}
	_, err = bad.Reentry()
	assert.Error(t, err)
}

func TestStrategySetBasisDefaultsToClose(t *testing.T) {
	assert.Equal(t, strategy.BasisClose, (&StrategySet{EntryBasis: "bogus"}).Basis())
	assert.Equal(t, strategy.BasisHigh, (&StrategySet{EntryBasis: "HIGH"}).Basis())
}
