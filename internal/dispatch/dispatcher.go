package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swingalgo/internal/broker"
	"swingalgo/internal/cache"
	"swingalgo/internal/market"
	"swingalgo/internal/metrics"
	"swingalgo/internal/models"
	"swingalgo/internal/notify"
	"swingalgo/internal/repository"
	"swingalgo/internal/state"
	"swingalgo/internal/strategy"
)

var (
	// ErrOrderPending means another order for the same user and script holds
	// the submission lock.
	ErrOrderPending     = errors.New("order already pending")
	ErrQueueFull        = errors.New("dispatch queue full")
	ErrRetriesExhausted = errors.New("order retries exhausted")
	ErrUnknownScript    = errors.New("script not found")
	ErrClosed           = errors.New("dispatcher closed")
)

// Stamp is the order bookkeeping a script carried before it was stamped for
// a request. It is restored when the request never reaches the broker.
type Stamp struct {
	LastOrderTime *time.Time
	LastEntryDate *time.Time
	LastTradeDate *time.Time
}

// Request is one order to place for a script.
type Request struct {
	UserID    uint64
	ScriptID  uint64
	Symbol    string
	Action    strategy.Action
	Order     broker.OrderRequest
	LivePrice float64
	Prior     Stamp

	lock *cache.Lock
}

// Sessions yields broker sessions; Refresh forces a fresh login.
type Sessions interface {
	Session(ctx context.Context, user *models.User) (broker.Session, error)
	Refresh(ctx context.Context, user *models.User) (broker.Session, error)
}

type Options struct {
	Workers          int
	QueueSize        int
	LockTTL          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	FillPollInterval time.Duration
	FillPollAttempts int
	Hours            market.Hours
	Now              func() time.Time
}

type Dispatcher struct {
	opts      Options
	store     cache.Store
	repo      repository.Repository
	sessions  Sessions
	publisher *state.Publisher
	notifier  notify.Notifier
	logger    *zap.Logger
	metrics   *metrics.Metrics
	queue     chan Request

	mu      sync.RWMutex
	closed  bool
	closing chan struct{}
}

type Deps struct {
	Store     cache.Store
	Repo      repository.Repository
	Sessions  Sessions
	Publisher *state.Publisher
	Notifier  notify.Notifier
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

func New(opts Options, deps Deps) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
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
	return &Dispatcher{
		opts:      opts,
		store:     deps.Store,
		repo:      deps.Repo,
		sessions:  deps.Sessions,
		publisher: deps.Publisher,
		notifier:  notifier,
		logger:    logger,
		metrics:   deps.Metrics,
		queue:     make(chan Request, opts.QueueSize),
		closing:   make(chan struct{}),
	}
}

// Submit takes the per-(user, script) lock and queues req. The lock stays
// held until the request is processed.
func (d *Dispatcher) Submit(ctx context.Context, req Request) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	lock, ok, err := cache.Acquire(ctx, d.store, cache.OrderPendingKey(req.UserID, req.ScriptID), d.opts.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		d.metrics.Order(side(req.Action), "pending")
		return ErrOrderPending
	}
	req.lock = lock
	select {
	case d.queue <- req:
		d.metrics.QueueDepth(len(d.queue))
		return nil
	default:
		d.release(d.logger, lock)
		d.metrics.Order(side(req.Action), "queue_full")
		return ErrQueueFull
	}
}

// Close stops accepting requests. Run finishes everything already queued
// and then returns.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.closing)
	}
}

// Run processes queued requests on a bounded worker pool until Close has
// been called and the queue is empty, or until ctx ends. Requests still
// queued when ctx ends are withdrawn.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	d.logger.Info("dispatcher started", zap.Int("workers", d.opts.Workers))
	defer d.logger.Info("dispatcher stopped")
	for {
		select {
		case <-ctx.Done():
			d.Close()
			_ = g.Wait()
			d.drain(context.WithoutCancel(ctx))
			return nil
		case <-d.closing:
			d.finish(ctx, g, gctx)
			_ = g.Wait()
			d.drain(context.WithoutCancel(ctx))
			return nil
		case req := <-d.queue:
			d.spawn(g, gctx, req)
		}
	}
}

// finish hands every request queued before Close to a worker.
func (d *Dispatcher) finish(ctx context.Context, g *errgroup.Group, gctx context.Context) {
	for ctx.Err() == nil {
		select {
		case req := <-d.queue:
			d.spawn(g, gctx, req)
		default:
			return
		}
	}
}

func (d *Dispatcher) spawn(g *errgroup.Group, ctx context.Context, req Request) {
	d.metrics.QueueDepth(len(d.queue))
	g.Go(func() error {
		if err := d.Process(ctx, req); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("order processing ended with error",
				zap.Uint64("user_id", req.UserID),
				zap.Uint64("script_id", req.ScriptID),
				zap.Error(err))
		}
		return nil
	})
}

// drain withdraws requests that will never be processed and frees their
// locks.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case req := <-d.queue:
			log := d.requestLogger(req)
			script, err := d.repo.GetScript(ctx, req.ScriptID)
			switch {
			case err != nil:
				log.Error("queued order not withdrawn", zap.Error(err))
			case script != nil:
				d.withdraw(ctx, log, script, req)
			}
			d.release(log, req.lock)
		default:
			return
		}
	}
}

func (d *Dispatcher) requestLogger(req Request) *zap.Logger {
	return d.logger.With(
		zap.Uint64("user_id", req.UserID),
		zap.Uint64("script_id", req.ScriptID),
		zap.String("symbol", req.Symbol),
		zap.String("action", string(req.Action)))
}

func (d *Dispatcher) release(log *zap.Logger, lock *cache.Lock) {
	if err := lock.Release(); err != nil {
		log.Warn("order lock release failed", zap.String("key", lock.Key()), zap.Error(err))
	}
}

// withdraw restores the script's order stamp for a request that never
// reached the broker, so the script is neither cooling down nor marked as
// exited for an order that does not exist.
func (d *Dispatcher) withdraw(ctx context.Context, log *zap.Logger, script *models.Script, req Request) {
	if script.PendingOrderID != "" {
		return
	}
	script.LastOrderTime = req.Prior.LastOrderTime
	if req.Action.IsBuySide() {
		script.LastEntryDate = req.Prior.LastEntryDate
	} else {
		script.LastTradeDate = req.Prior.LastTradeDate
	}
	d.save(ctx, log, script)
	d.metrics.Order(side(req.Action), "withdrawn")
	log.Warn("order withdrawn before reaching the broker")
}

// Process places req and settles the outcome. The submission lock is
// released on every path.
func (d *Dispatcher) Process(ctx context.Context, req Request) error {
	log := d.requestLogger(req)
	defer d.release(log, req.lock)

	// Repository work outlives ctx: once an order may have reached the
	// broker its record must be written even during shutdown.
	persist := context.WithoutCancel(ctx)

	user, err := d.repo.GetUser(persist, req.UserID)
	if err != nil {
		return fmt.Errorf("load user %d: %w", req.UserID, err)
	}
	script, err := d.repo.GetScript(persist, req.ScriptID)
	if err != nil {
		return fmt.Errorf("load script %d: %w", req.ScriptID, err)
	}
	if user == nil || script == nil {
		return ErrUnknownScript
	}

	ref, err := d.place(ctx, persist, log, user, script, req)
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrRejected):
		d.reject(persist, log, user, script, req.Action, err.Error())
		return err
	case ctx.Err() != nil:
		d.withdraw(persist, log, script, req)
		return ctx.Err()
	default:
		d.fail(persist, log, user, script, req.Action, err.Error())
		return err
	}

	log.Info("order placed", zap.String("order_id", ref.ID), zap.String("status", ref.Status))
	d.metrics.Order(side(req.Action), "placed")
	script.PendingOrderID = ref.ID
	script.PendingAction = string(req.Action)
	if err := d.repo.SaveScript(persist, script); err != nil {
		log.Error("pending order not recorded", zap.Error(err))
	}
	d.notifier.Notify(user.ID, notify.OrderUpdate, orderPayload(script, req.Action, ref))

	session, err := d.sessions.Session(persist, user)
	if err != nil {
		log.Warn("fill polling skipped, no session", zap.Error(err))
		return nil
	}
	ref = d.awaitFill(ctx, log, session, ref)
	d.settle(persist, log, user, script, req.Action, ref)
	return nil
}

// place submits the order, retrying ambiguous failures. The first retry
// follows a forced re-login, later ones back off exponentially. Before every
// retry the broker is asked whether the earlier attempt landed.
func (d *Dispatcher) place(ctx, persist context.Context, log *zap.Logger, user *models.User, script *models.Script, req Request) (broker.OrderRef, error) {
	session, err := d.sessions.Session(ctx, user)
	if err != nil {
		return broker.OrderRef{}, err
	}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return broker.OrderRef{}, err
		}
		ref, err := session.PlaceOrder(ctx, req.Order)
		if err == nil {
			return ref, nil
		}
		if !broker.IsTransient(err) {
			return broker.OrderRef{}, err
		}
		if landed, ok := d.lookup(ctx, session, req.Order.ClientOrderID); ok {
			log.Info("order found after ambiguous failure", zap.String("order_id", landed.ID))
			return landed, nil
		}
		if attempt >= d.opts.MaxRetries {
			return broker.OrderRef{}, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt+1, err)
		}
		log.Warn("order placement failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		if attempt == 0 {
			now := d.opts.Now().UTC()
			script.FailureTimestamp = &now
			if err := d.repo.SaveScript(persist, script); err != nil {
				log.Warn("failure timestamp not recorded", zap.Error(err))
			}
			fresh, rerr := d.sessions.Refresh(ctx, user)
			if rerr != nil {
				log.Warn("forced re-login failed", zap.Error(rerr))
			} else {
				session = fresh
			}
			continue
		}
		if err := broker.WaitForContext(ctx, d.backoff(attempt)); err != nil {
			return broker.OrderRef{}, err
		}
	}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	if d.opts.RetryBackoff <= 0 {
		return 0
	}
	return d.opts.RetryBackoff << (attempt - 1)
}

func (d *Dispatcher) lookup(ctx context.Context, session broker.Session, clientOrderID string) (broker.OrderRef, bool) {
	if clientOrderID == "" {
		return broker.OrderRef{}, false
	}
	ref, err := session.OrderByClientID(ctx, clientOrderID)
	if err != nil || ref.ID == "" {
		return broker.OrderRef{}, false
	}
	return ref, true
}

// awaitFill polls until the order is terminal or the poll budget is spent.
func (d *Dispatcher) awaitFill(ctx context.Context, log *zap.Logger, session broker.Session, ref broker.OrderRef) broker.OrderRef {
	for i := 0; i < d.opts.FillPollAttempts && !terminal(ref); i++ {
		if err := broker.WaitForContext(ctx, d.opts.FillPollInterval); err != nil {
			return ref
		}
		next, err := session.GetOrder(ctx, ref.ID)
		if err != nil {
			log.Warn("order status poll failed", zap.String("order_id", ref.ID), zap.Error(err))
			continue
		}
		ref = next
	}
	return ref
}

func terminal(ref broker.OrderRef) bool {
	return ref.Status == broker.OrderFilled || ref.Rejected() || ref.Closed()
}

func side(action strategy.Action) string {
	if action == strategy.Sell {
		return string(alpaca.Sell)
	}
	return string(alpaca.Buy)
}
