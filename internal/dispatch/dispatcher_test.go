package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"swingalgo/internal/broker"
	"swingalgo/internal/broker/brokertest"
	"swingalgo/internal/cache"
	"swingalgo/internal/market"
	"swingalgo/internal/models"
	"swingalgo/internal/notify"
	memrepository "swingalgo/internal/repository/memory"
	"swingalgo/internal/strategy"
)

func fptr(v float64) *float64 { return &v }

var fixedNow = time.Date(2025, 5, 2, 15, 0, 0, 0, time.UTC)

type fixture struct {
	repo     *memrepository.Store
	store    *cache.MemoryStore
	session  *brokertest.Session
	sessions *brokertest.Sessions
	notes    *notify.Recorder
	d        *Dispatcher
	user     models.User
	script   models.Script
}

func newFixture(t *testing.T, script models.Script, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		repo:    memrepository.New(),
		store:   cache.NewMemoryStore(),
		session: brokertest.New(),
		notes:   &notify.Recorder{},
	}
	f.sessions = brokertest.NewSessions(f.session)
	if script.Symbol == "" {
		script.Symbol = "AAPL"
	}
	f.user = f.repo.Seed(models.User{
		BrokerKeyID:     "k",
		BrokerSecretKey: "s",
		Strategies:      []models.StrategySet{{Name: "swing", Active: true, Scripts: []models.Script{script}}},
	})
	f.script = f.user.Strategies[0].Scripts[0]
	opts.Hours = market.Hours{Location: time.UTC}
	opts.Now = func() time.Time { return fixedNow }
	f.d = New(opts, Deps{
		Store:    f.store,
		Repo:     f.repo,
		Sessions: f.sessions,
		Notifier: f.notes,
	})
	return f
}

func (f *fixture) request(action strategy.Action, qty int) Request {
	return Request{
		UserID:   f.user.ID,
		ScriptID: f.script.ID,
		Symbol:   f.script.Symbol,
		Action:   action,
		Order: broker.OrderRequest{
			Symbol:        f.script.Symbol,
			Qty:           qty,
			ClientOrderID: fmt.Sprintf("swing-%d-%s", f.script.ID, action),
		},
		LivePrice: 100,
	}
}

func (f *fixture) reload(t *testing.T) *models.Script {
	t.Helper()
	sc, err := f.repo.GetScript(context.Background(), f.script.ID)
	require.NoError(t, err)
	require.NotNil(t, sc)
	return sc
}

func (f *fixture) lockFree(t *testing.T) bool {
	t.Helper()
	_, found, err := f.store.Get(context.Background(), cache.OrderPendingKey(f.user.ID, f.script.ID))
	require.NoError(t, err)
	return !found
}

func TestSubmitAllowsOneOrderPerScript(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.Script{}, Options{QueueSize: 4})

	require.NoError(t, f.d.Submit(ctx, f.request(strategy.Buy, 5)))
	assert.ErrorIs(t, f.d.Submit(ctx, f.request(strategy.Buy, 5)), ErrOrderPending)

	req := <-f.d.queue
	require.NoError(t, f.d.Process(ctx, req))
	assert.True(t, f.lockFree(t))

	require.NoError(t, f.d.Submit(ctx, f.request(strategy.Buy, 5)))
}

func TestSubmitQueueFullReleasesLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.Script{}, Options{QueueSize: 1})
	other := f.request(strategy.Buy, 1)
	other.ScriptID = f.script.ID + 1
	require.NoError(t, f.d.Submit(ctx, other))

	assert.ErrorIs(t, f.d.Submit(ctx, f.request(strategy.Buy, 1)), ErrQueueFull)
	assert.True(t, f.lockFree(t))
}

func TestProcessBuyFillUpdatesWeightedAverage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.Script{
		Status:           models.StatusRunning,
		CumulativeQty:    10,
		WeightedAvgPrice: fptr(100),
		TradeCount:       1,
	}, Options{})
	f.session.FillPrice = 110

	require.NoError(t, f.d.Process(ctx, f.request(strategy.ReEntry, 10)))

	sc := f.reload(t)
	assert.Equal(t, models.StatusRunning, sc.Status)
	assert.InDelta(t, 20, sc.CumulativeQty, 1e-9)
	require.NotNil(t, sc.WeightedAvgPrice)
	assert.InDelta(t, 105, *sc.WeightedAvgPrice, 1e-9)
	assert.InDelta(t, 110, *sc.LastBuyPrice, 1e-9)
	assert.Equal(t, 2, sc.TradeCount)
	assert.Empty(t, sc.PendingOrderID)
	assert.Equal(t, 2, f.notes.Count(notify.OrderUpdate))
}

func TestProcessRejectionMarksFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.Script{
		Status:           models.StatusRunning,
		CumulativeQty:    5,
		WeightedAvgPrice: fptr(90),
	}, Options{})
	f.session.PlaceErrs = []error{fmt.Errorf("%w: insufficient buying power", broker.ErrRejected)}

	err := f.d.Process(ctx, f.request(strategy.ReEntry, 5))
	assert.ErrorIs(t, err, broker.ErrRejected)

	sc := f.reload(t)
	assert.Equal(t, models.StatusFailed, sc.Status)
	assert.Zero(t, sc.CumulativeQty)
	assert.Nil(t, sc.WeightedAvgPrice)
	require.NotNil(t, sc.FailureTimestamp)
	assert.Equal(t, fixedNow, *sc.FailureTimestamp)
	assert.Equal(t, 1, f.notes.Count(notify.StrategyError))
	assert.True(t, f.lockFree(t))
}

func TestProcessRejectedStatusMarksFailed(t *testing.T) {
	f := newFixture(t, models.Script{Status: models.StatusWaiting}, Options{})
	f.session.Status = broker.OrderRejected

	require.NoError(t, f.d.Process(context.Background(), f.request(strategy.Buy, 3)))
	assert.Equal(t, models.StatusFailed, f.reload(t).Status)
}

func TestProcessRetriesExhaustedMarksFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.Script{Status: models.StatusWaiting}, Options{MaxRetries: 3})
	transient := fmt.Errorf("%w: timeout", broker.ErrNoResponse)
	f.session.PlaceErrs = []error{transient, transient, transient, transient}

	err := f.d.Process(ctx, f.request(strategy.Buy, 3))
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	sc := f.reload(t)
	assert.Equal(t, models.StatusFailed, sc.Status)
	assert.Contains(t, sc.FailureReason, "retries exhausted")
	assert.Equal(t, 1, f.sessions.Refreshes())
	assert.Empty(t, f.session.Placed())
	assert.True(t, f.lockFree(t))
}

func TestProcessRetriesAfterForcedLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.Script{Status: models.StatusWaiting}, Options{MaxRetries: 3})
	f.session.PlaceErrs = []error{fmt.Errorf("%w: reset by peer", broker.ErrNoResponse)}

	require.NoError(t, f.d.Process(ctx, f.request(strategy.Buy, 4)))

	sc := f.reload(t)
	assert.Equal(t, models.StatusRunning, sc.Status)
	assert.InDelta(t, 4, sc.CumulativeQty, 1e-9)
	assert.Equal(t, 1, f.sessions.Refreshes())
	assert.Len(t, f.session.Placed(), 1)
}

func TestProcessSellClosesPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.Script{
		Status:           models.StatusRunning,
		CumulativeQty:    7,
		WeightedAvgPrice: fptr(95),
		LastBuyPrice:     fptr(96),
		EntryThreshold:   fptr(90),
		TradeCount:       2,
	}, Options{})
	f.session.FillPrice = 120

	require.NoError(t, f.d.Process(ctx, f.request(strategy.Sell, 7)))

	sc := f.reload(t)
	assert.Equal(t, models.StatusSoldOut, sc.Status)
	assert.Zero(t, sc.CumulativeQty)
	assert.Nil(t, sc.WeightedAvgPrice)
	assert.Nil(t, sc.LastBuyPrice)
	assert.Nil(t, sc.EntryThreshold)
	require.NotNil(t, sc.LastTradeDate)
	assert.Equal(t, market.DayOf(fixedNow), *sc.LastTradeDate)
	assert.Equal(t, 3, sc.TradeCount)
}

func TestProcessLeavesWorkingOrderForReconciler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.Script{Status: models.StatusWaiting}, Options{})
	f.session.Status = broker.OrderAccepted

	require.NoError(t, f.d.Process(ctx, f.request(strategy.Buy, 2)))
	sc := f.reload(t)
	assert.Equal(t, models.StatusWaiting, sc.Status)
	assert.Equal(t, "ord-1", sc.PendingOrderID)
	assert.True(t, f.lockFree(t))

	f.session.SetOrder(brokertest.Filled("ord-1", sc.PendingOrderID, 2, 50))
	r := &Reconciler{Dispatcher: f.d}
	assert.Equal(t, 1, r.Once(ctx))

	sc = f.reload(t)
	assert.Equal(t, models.StatusRunning, sc.Status)
	assert.InDelta(t, 50, *sc.WeightedAvgPrice, 1e-9)
	assert.Empty(t, sc.PendingOrderID)
}

func TestReconcilerSkipsLockedScripts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.Script{Status: models.StatusWaiting, PendingOrderID: "ord-9", PendingAction: "BUY"}, Options{})
	_, ok, err := cache.Acquire(ctx, f.store, cache.OrderPendingKey(f.user.ID, f.script.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	r := &Reconciler{Dispatcher: f.d}
	assert.Equal(t, 0, r.Once(ctx))
	assert.Equal(t, "ord-9", f.reload(t).PendingOrderID)
}

func TestReconcilerClearsUnknownOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.Script{Status: models.StatusWaiting, PendingOrderID: "ghost", PendingAction: "BUY"}, Options{})

	r := &Reconciler{Dispatcher: f.d}
	r.Once(ctx)
	assert.Empty(t, f.reload(t).PendingOrderID)
}

func TestRunProcessesQueuedOrders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, models.Script{Status: models.StatusWaiting}, Options{Workers: 2})

	done := make(chan struct{})
	go func() {
		_ = f.d.Run(ctx)
		close(done)
	}()
	require.NoError(t, f.d.Submit(ctx, f.request(strategy.Buy, 1)))

	require.Eventually(t, func() bool {
		sc, _ := f.repo.GetScript(context.Background(), f.script.ID)
		return sc != nil && sc.Status == models.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.True(t, f.lockFree(t))
}

func TestApplyFillIgnoresEmptyFill(t *testing.T) {
	sc := &models.Script{Status: models.StatusWaiting}
	ApplyFill(sc, strategy.Buy, 0, 100, fixedNow, fixedNow)
	assert.Equal(t, models.StatusWaiting, sc.Status)
	assert.Zero(t, sc.TradeCount)
}

func TestRunWithdrawsQueuedOrderOnCancel(t *testing.T) {
	today := market.DayOf(fixedNow)
	earlier := fixedNow.Add(-48 * time.Hour)
	stamped := fixedNow
	f := newFixture(t, models.Script{
		Status:           models.StatusRunning,
		CumulativeQty:    7,
		WeightedAvgPrice: fptr(95),
		LastTradeDate:    &today,
		LastOrderTime:    &stamped,
	}, Options{})

	req := f.request(strategy.Sell, 7)
	req.Prior = Stamp{LastOrderTime: &earlier}
	require.NoError(t, f.d.Submit(context.Background(), req))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.d.Run(ctx))

	sc := f.reload(t)
	assert.Empty(t, f.session.Placed())
	assert.True(t, f.lockFree(t))
	assert.Equal(t, models.StatusRunning, sc.Status)
	assert.InDelta(t, 7, sc.CumulativeQty, 1e-9)
	assert.Nil(t, sc.LastTradeDate, "exit stamp of an unsent sell must be undone")
	require.NotNil(t, sc.LastOrderTime)
	assert.Equal(t, earlier, *sc.LastOrderTime)
	assert.Empty(t, sc.PendingOrderID)

	assert.ErrorIs(t, f.d.Submit(context.Background(), f.request(strategy.Sell, 7)), ErrClosed)
}

func TestCloseFinishesQueuedOrders(t *testing.T) {
	f := newFixture(t, models.Script{Status: models.StatusWaiting}, Options{Workers: 2})
	require.NoError(t, f.d.Submit(context.Background(), f.request(strategy.Buy, 3)))

	f.d.Close()
	require.NoError(t, f.d.Run(context.Background()))

	sc := f.reload(t)
	assert.Len(t, f.session.Placed(), 1)
	assert.Equal(t, models.StatusRunning, sc.Status)
	assert.InDelta(t, 3, sc.CumulativeQty, 1e-9)
	assert.True(t, f.lockFree(t))
	assert.ErrorIs(t, f.d.Submit(context.Background(), f.request(strategy.Buy, 3)), ErrClosed)
}

func TestProcessCancelledBeforePlacementRestoresStamp(t *testing.T) {
	today := market.DayOf(fixedNow)
	stamped := fixedNow
	f := newFixture(t, models.Script{
		Status:        models.StatusWaiting,
		LastEntryDate: &today,
		LastOrderTime: &stamped,
	}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.d.Process(ctx, f.request(strategy.Buy, 2))
	assert.ErrorIs(t, err, context.Canceled)

	sc := f.reload(t)
	assert.Empty(t, f.session.Placed())
	assert.Nil(t, sc.LastEntryDate)
	assert.Nil(t, sc.LastOrderTime)
	assert.Equal(t, models.StatusWaiting, sc.Status)
}

func TestProcessRecordsOrderPlacedDuringShutdown(t *testing.T) {
	today := market.DayOf(fixedNow)
	f := newFixture(t, models.Script{
		Status:           models.StatusRunning,
		CumulativeQty:    4,
		WeightedAvgPrice: fptr(90),
		LastTradeDate:    &today,
	}, Options{FillPollAttempts: 3, FillPollInterval: time.Millisecond})
	f.session.Status = broker.OrderAccepted
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.session.AfterPlace = func(broker.OrderRef) { cancel() }

	require.NoError(t, f.d.Process(ctx, f.request(strategy.Sell, 4)))

	sc := f.reload(t)
	assert.Equal(t, "ord-1", sc.PendingOrderID)
	assert.Equal(t, string(strategy.Sell), sc.PendingAction)
	require.NotNil(t, sc.LastTradeDate, "stamp stays while the order is working")
	assert.True(t, f.lockFree(t))

	f.session.SetOrder(brokertest.Filled("ord-1", sc.PendingOrderID, 4, 120))
	r := &Reconciler{Dispatcher: f.d}
	assert.Equal(t, 1, r.Once(context.Background()))
	assert.Equal(t, models.StatusSoldOut, f.reload(t).Status)
}

type failingRelease struct {
	*cache.MemoryStore
}

func (failingRelease) DeleteIfEquals(context.Context, string, []byte) (bool, error) {
	return false, errors.New("store unavailable")
}

func TestQueueFullLogsReleaseFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t, models.Script{}, Options{})
	d := New(Options{QueueSize: 1}, Deps{
		Store:    failingRelease{cache.NewMemoryStore()},
		Repo:     f.repo,
		Sessions: f.sessions,
		Logger:   zap.New(core),
	})
	other := f.request(strategy.Buy, 1)
	other.ScriptID = f.script.ID + 1
	require.NoError(t, d.Submit(context.Background(), other))

	assert.ErrorIs(t, d.Submit(context.Background(), f.request(strategy.Buy, 1)), ErrQueueFull)
	entries := logs.FilterMessage("order lock release failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, cache.OrderPendingKey(f.user.ID, f.script.ID), entries[0].ContextMap()["key"])
}
