package threshold

import (
	"context"

	"go.uber.org/zap"

	"swingalgo/internal/metrics"
	"swingalgo/internal/strategy"
)

type Key struct {
	Symbol string
	Basis  strategy.Basis
}

// Cache holds resolved reference prices for one evaluation pass. A stored
// nil is a remembered miss.
type Cache struct {
	items map[Key]*float64
}

func NewCache() *Cache {
	return &Cache{items: map[Key]*float64{}}
}

func (c *Cache) Lookup(k Key) (*float64, bool) {
	v, ok := c.items[k]
	return v, ok
}

func (c *Cache) Store(k Key, v *float64) {
	c.items[k] = v
}

func (c *Cache) Len() int {
	return len(c.items)
}

// Cycle resolves reference prices at most once per (symbol, basis) for the
// lifetime of one evaluation pass. It is not safe for concurrent use.
type Cycle struct {
	resolver Resolver
	cache    *Cache
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewCycle(resolver Resolver, logger *zap.Logger, m *metrics.Metrics) *Cycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cycle{resolver: resolver, cache: NewCache(), logger: logger, metrics: m}
}

// Resolve never fails: fetch errors are logged and remembered as nil so the
// rest of the pass carries on.
func (c *Cycle) Resolve(ctx context.Context, h History, symbol string, basis strategy.Basis) *float64 {
	key := Key{Symbol: symbol, Basis: basis}
	if v, ok := c.cache.Lookup(key); ok {
		c.metrics.ThresholdFetch("hit")
		return v
	}
	v, err := c.resolver.PriorReference(ctx, h, symbol, basis)
	switch {
	case err != nil:
		c.logger.Warn("reference price fetch failed",
			zap.String("symbol", symbol),
			zap.String("basis", string(basis)),
			zap.Error(err))
		c.metrics.ThresholdFetch("error")
		v = nil
	case v == nil:
		c.logger.Info("no prior reference price", zap.String("symbol", symbol), zap.String("basis", string(basis)))
		c.metrics.ThresholdFetch("empty")
	default:
		c.metrics.ThresholdFetch("miss")
	}
	c.cache.Store(key, v)
	return v
}

// Len is the number of distinct (symbol, basis) keys resolved this cycle.
func (c *Cycle) Len() int {
	return c.cache.Len()
}
