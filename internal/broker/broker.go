package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"swingalgo/internal/market"
	"swingalgo/internal/metrics"
)

type OrderRequest struct {
	Symbol        string
	Qty           int
	Side          alpaca.Side
	Type          alpaca.OrderType
	TimeInForce   alpaca.TimeInForce
	ClientOrderID string
	ExtendedHours bool
	LimitPrice    *float64
}

// Order statuses the dispatcher reacts to.
const (
	OrderNew             = "new"
	OrderAccepted        = "accepted"
	OrderPartiallyFilled = "partially_filled"
	OrderFilled          = "filled"
	OrderRejected        = "rejected"
	OrderCanceled        = "canceled"
	OrderExpired         = "expired"
)

type OrderRef struct {
	ID             string
	ClientOrderID  string
	Status         string
	FilledQty      float64
	FilledAvgPrice *float64
}

func (o OrderRef) Rejected() bool {
	return o.Status == OrderRejected
}

// Closed reports a terminal state that can no longer fill.
func (o OrderRef) Closed() bool {
	return o.Status == OrderCanceled || o.Status == OrderExpired
}

// Session is one authenticated broker connection for a user.
type Session interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error)
	GetOrder(ctx context.Context, orderID string) (OrderRef, error)
	OrderByClientID(ctx context.Context, clientOrderID string) (OrderRef, error)
	DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]market.DailyBar, error)
}

type Options struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	DataURL    string
	Feed       string
	RatePerSec float64
	RateBurst  int
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Client talks to the Alpaca trading and market data APIs.
type Client struct {
	client  *alpaca.Client
	data    *marketdata.Client
	feed    marketdata.Feed
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.DataURL,
		}),
		feed:    ParseFeed(opts.Feed),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		metrics: opts.Metrics,
	}
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return OrderRef{}, err
	}
	qty := decimal.NewFromInt(int64(req.Qty))
	orderReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
		ExtendedHours: req.ExtendedHours,
	}
	if req.LimitPrice != nil {
		limitPrice := decimal.NewFromFloat(*req.LimitPrice)
		orderReq.LimitPrice = &limitPrice
	}

	order, err := c.client.PlaceOrder(orderReq)
	if err != nil {
		c.metrics.BrokerError("place_order")
		c.logger.Error("place order failed",
			zap.String("side", string(req.Side)),
			zap.String("symbol", req.Symbol),
			zap.Int("qty", req.Qty),
			zap.String("client_order_id", req.ClientOrderID),
			zap.Error(err))
		return OrderRef{}, classify(err)
	}

	ref := toOrderRef(order)
	c.logger.Info("place order success",
		zap.String("order_id", ref.ID),
		zap.String("side", string(req.Side)),
		zap.String("symbol", req.Symbol),
		zap.Int("qty", req.Qty),
		zap.String("status", ref.Status))
	return ref, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (OrderRef, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return OrderRef{}, err
	}
	order, err := c.client.GetOrder(orderID)
	if err != nil {
		c.metrics.BrokerError("get_order")
		c.logger.Warn("fetch order failed", zap.String("order_id", orderID), zap.Error(err))
		return OrderRef{}, classify(err)
	}
	return toOrderRef(order), nil
}

func (c *Client) OrderByClientID(ctx context.Context, clientOrderID string) (OrderRef, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return OrderRef{}, err
	}
	order, err := c.client.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		c.metrics.BrokerError("get_order_by_client_id")
		return OrderRef{}, classify(err)
	}
	return toOrderRef(order), nil
}

func (c *Client) DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]market.DailyBar, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	bars, err := c.data.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		End:       end,
		Feed:      c.feed,
	})
	if err != nil {
		c.metrics.BrokerError("daily_bars")
		c.logger.Warn("fetch daily bars failed", zap.String("symbol", symbol), zap.Error(err))
		return nil, classify(err)
	}
	out := make([]market.DailyBar, 0, len(bars))
	for _, b := range bars {
		out = append(out, market.DailyBar{
			Time:  b.Timestamp,
			Open:  b.Open,
			High:  b.High,
			Low:   b.Low,
			Close: b.Close,
		})
	}
	c.logger.Debug("daily bars fetched", zap.String("symbol", symbol), zap.Int("count", len(out)))
	return out, nil
}

// Verify checks that the credentials are accepted.
func (c *Client) Verify(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	acct, err := c.client.GetAccount()
	if err != nil {
		c.metrics.BrokerError("get_account")
		return fmt.Errorf("verify account: %w", classify(err))
	}
	equity, _ := acct.Equity.Float64()
	buyingPower, _ := acct.BuyingPower.Float64()
	c.logger.Info("account verified", zap.Float64("equity", equity), zap.Float64("buying_power", buyingPower))
	return nil
}

func toOrderRef(order *alpaca.Order) OrderRef {
	if order == nil {
		return OrderRef{}
	}
	ref := OrderRef{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Status:        string(order.Status),
	}
	ref.FilledQty, _ = order.FilledQty.Float64()
	if order.FilledAvgPrice != nil {
		p, _ := order.FilledAvgPrice.Float64()
		ref.FilledAvgPrice = &p
	}
	return ref
}

func ParseFeed(feed string) marketdata.Feed {
	switch feed {
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}

func WaitForContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
