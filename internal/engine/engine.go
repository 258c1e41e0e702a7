package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"swingalgo/internal/broker"
	"swingalgo/internal/cache"
	"swingalgo/internal/dispatch"
	"swingalgo/internal/market"
	"swingalgo/internal/metrics"
	"swingalgo/internal/models"
	"swingalgo/internal/notify"
	"swingalgo/internal/repository"
	"swingalgo/internal/risk"
	"swingalgo/internal/state"
	"swingalgo/internal/threshold"
)

// SessionSource yields an authenticated broker session for a user.
type SessionSource interface {
	Session(ctx context.Context, user *models.User) (broker.Session, error)
}

// Submitter hands order requests to the dispatcher.
type Submitter interface {
	Submit(ctx context.Context, req dispatch.Request) error
}

type Options struct {
	Hours             market.Hours
	OrderCooldown     time.Duration
	FailureCooldown   time.Duration
	EnableReentry     bool
	IgnoreMarketHours bool
	KillSwitch        bool
	MaxOrderNotional  float64
	OrderType         string
	TimeInForce       string
	ExtendedHours     bool
	Partition         repository.Partition
	HistoryWindow     int
	Now               func() time.Time
}

type Deps struct {
	Repo       repository.Repository
	Sessions   SessionSource
	Store      cache.Store
	State      *state.Store
	Publisher  *state.Publisher
	Dispatcher Submitter
	Notifier   notify.Notifier
	Journal    *Journal
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Engine runs evaluation cycles over every eligible user.
type Engine struct {
	opts        Options
	orderType   alpaca.OrderType
	timeInForce alpaca.TimeInForce
	resolver    threshold.Resolver
	gate        risk.Gate

	repo       repository.Repository
	sessions   SessionSource
	store      cache.Store
	state      *state.Store
	publisher  *state.Publisher
	dispatcher Submitter
	notifier   notify.Notifier
	journal    *Journal
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func New(opts Options, deps Deps) (*Engine, error) {
	orderType, err := parseOrderType(opts.OrderType)
	if err != nil {
		return nil, err
	}
	tif, err := parseTimeInForce(opts.TimeInForce)
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		opts:        opts,
		orderType:   orderType,
		timeInForce: tif,
		resolver:    threshold.Resolver{Hours: opts.Hours, Window: opts.HistoryWindow, Now: opts.Now},
		gate:        risk.Gate{Logger: logger},
		repo:        deps.Repo,
		sessions:    deps.Sessions,
		store:       deps.Store,
		state:       deps.State,
		publisher:   deps.Publisher,
		dispatcher:  deps.Dispatcher,
		notifier:    notifier,
		journal:     deps.Journal,
		metrics:     deps.Metrics,
		logger:      logger,
	}, nil
}

// CycleReport summarises one evaluation pass.
type CycleReport struct {
	RunID        string         `json:"run_id"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	MarketClosed bool           `json:"market_closed"`
	Users        int            `json:"users"`
	UsersSkipped int            `json:"users_skipped"`
	Scripts      int            `json:"scripts"`
	Orders       int            `json:"orders"`
	References   int            `json:"references"`
	Outcomes     map[string]int `json:"outcomes"`
}

func (r *CycleReport) record(outcome string) {
	r.Scripts++
	r.Outcomes[outcome]++
	if outcome == outcomeSubmitted {
		r.Orders++
	}
}

// userRun is the per-user context shared by that user's scripts in a cycle.
type userRun struct {
	runID    string
	user     *models.User
	session  broker.Session
	snapshot state.Snapshot
	cycle    *threshold.Cycle
	now      time.Time
	today    time.Time
}

// RunCycle evaluates every eligible user once. Outside market hours it
// returns immediately without touching any user. Failures are isolated per
// script; only a failure to list users fails the cycle. Cancelling ctx after
// users are listed does not interrupt the pass.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	start := e.opts.Now()
	report := CycleReport{RunID: ulid.Make().String(), StartedAt: start, Outcomes: map[string]int{}}

	if !e.opts.IgnoreMarketHours && !e.opts.Hours.IsOpen(start) {
		report.MarketClosed = true
		report.FinishedAt = start
		e.logger.Debug("market closed, cycle skipped", zap.Time("now", start))
		e.metrics.ObserveCycle(0, "market_closed")
		return report, nil
	}

	users, err := e.repo.ListEligibleUsers(ctx, e.opts.Partition)
	if err != nil {
		e.metrics.ObserveCycle(time.Since(start), "error")
		return report, fmt.Errorf("list eligible users: %w", err)
	}

	// Once users are listed the pass runs to completion; shutdown waits for it.
	pass := context.WithoutCancel(ctx)
	cycle := threshold.NewCycle(e.resolver, e.logger, e.metrics)
	for i := range users {
		e.evaluateUser(pass, &report, cycle, &users[i])
	}

	report.References = cycle.Len()
	report.FinishedAt = e.opts.Now()
	e.metrics.ObserveCycle(report.FinishedAt.Sub(start), "completed")
	e.logger.Info("cycle completed",
		zap.String("run_id", report.RunID),
		zap.Int("users", report.Users),
		zap.Int("scripts", report.Scripts),
		zap.Int("orders", report.Orders),
		zap.Int("references", report.References),
		zap.Duration("elapsed", report.FinishedAt.Sub(start)))
	return report, nil
}

func (e *Engine) evaluateUser(ctx context.Context, report *CycleReport, cycle *threshold.Cycle, user *models.User) {
	log := e.logger.With(zap.Uint64("user_id", user.ID))
	if len(user.Strategies) == 0 {
		report.UsersSkipped++
		return
	}
	session, err := e.sessions.Session(ctx, user)
	if err != nil {
		log.Warn("no broker session, user skipped", zap.Error(err))
		report.UsersSkipped++
		return
	}
	report.Users++

	now := e.opts.Now()
	run := &userRun{
		runID:   report.RunID,
		user:    user,
		session: session,
		cycle:   cycle,
		now:     now,
		today:   e.opts.Hours.Today(now),
	}
	if e.state != nil {
		snap, err := e.state.Snapshot(ctx, user.ID)
		if err != nil {
			log.Warn("strategy state unavailable", zap.Error(err))
		}
		run.snapshot = snap
	}
	local := e.opts.Hours.In(now)

	for i := range user.Strategies {
		set := &user.Strategies[i]
		window, err := risk.ParseExecutionWindow(set.ExecutionTime)
		if err != nil {
			log.Warn("execution time ignored", zap.Uint64("strategy_id", set.ID), zap.Error(err))
		} else if !window.Allows(local) {
			log.Debug("outside execution window", zap.Uint64("strategy_id", set.ID), zap.String("execution_time", set.ExecutionTime))
			continue
		}
		params, err := set.Reentry()
		if err != nil {
			log.Warn("re-entry params ignored", zap.Uint64("strategy_id", set.ID), zap.Error(err))
		}
		if !e.opts.EnableReentry {
			params = emptyReentry
		}
		for j := range set.Scripts {
			outcome := e.evaluateScript(ctx, run, set, params, &set.Scripts[j])
			report.record(outcome)
			e.metrics.ScriptOutcome(outcome)
		}
	}

	e.publisher.Publish(ctx, user)
}

func parseOrderType(value string) (alpaca.OrderType, error) {
	switch value {
	case "", "market":
		return alpaca.Market, nil
	case "limit":
		return alpaca.Limit, nil
	default:
		return "", fmt.Errorf("unsupported order type: %s", value)
	}
}

func parseTimeInForce(value string) (alpaca.TimeInForce, error) {
	switch value {
	case "", "day":
		return alpaca.Day, nil
	default:
		return "", fmt.Errorf("unsupported time in force: %s", value)
	}
}
