// Package md feeds live trade prices into the shared state store.
package md

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"go.uber.org/zap"

	"swingalgo/internal/broker"
	"swingalgo/internal/models"
)

// PriceSink stores the last traded price of a symbol.
type PriceSink interface {
	SetLivePrice(ctx context.Context, symbol string, price float64) error
}

// TradeClient is the part of the SDK stocks stream the feed drives.
type TradeClient interface {
	Connect(ctx context.Context) error
	SubscribeToTrades(handler func(stream.Trade), symbols ...string) error
	Terminated() <-chan error
}

// SymbolSource lists the symbols that should be streamed now.
type SymbolSource func(ctx context.Context) ([]string, error)

// Stream keeps a trade subscription for every symbol Source reports. New
// symbols are subscribed every Refresh; a dropped connection is redialled
// with exponential backoff.
type Stream struct {
	APIKey     string
	APISecret  string
	Feed       string
	Sink       PriceSink
	Source     SymbolSource
	Refresh    time.Duration
	Backoff    time.Duration
	MaxBackoff time.Duration
	Logger     *zap.Logger

	// Dial overrides the SDK client; used by tests.
	Dial func() TradeClient
}

func (s *Stream) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Stream) refresh() time.Duration {
	if s.Refresh <= 0 {
		return time.Minute
	}
	return s.Refresh
}

func (s *Stream) backoff() time.Duration {
	if s.Backoff <= 0 {
		return 5 * time.Second
	}
	return s.Backoff
}

func (s *Stream) maxBackoff() time.Duration {
	if s.MaxBackoff < s.backoff() {
		return max(s.backoff(), 2*time.Minute)
	}
	return s.MaxBackoff
}

// Run streams until ctx ends. It only returns ctx's error.
func (s *Stream) Run(ctx context.Context) error {
	delay := s.backoff()
	for {
		subscribed, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			delay = s.backoff()
		}
		s.logger().Warn("market data stream interrupted, reconnecting", zap.Duration("in", delay), zap.Error(err))
		if err := broker.WaitForContext(ctx, delay); err != nil {
			return err
		}
		delay = min(2*delay, s.maxBackoff())
	}
}

// session runs one connection. subscribed reports whether it got as far as
// a live subscription.
func (s *Stream) session(ctx context.Context) (subscribed bool, err error) {
	ticker := time.NewTicker(s.refresh())
	defer ticker.Stop()

	symbols, err := s.symbols(ctx)
	if err != nil {
		return false, err
	}
	for len(symbols) == 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
		if symbols, err = s.symbols(ctx); err != nil {
			return false, err
		}
	}

	client := s.dial()
	if err := client.Connect(ctx); err != nil {
		return false, fmt.Errorf("connect market data stream: %w", err)
	}
	active := map[string]struct{}{}
	if err := s.subscribe(ctx, client, active, symbols); err != nil {
		return false, err
	}

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-client.Terminated():
			if err == nil {
				err = errors.New("market data stream terminated")
			}
			return true, err
		case <-ticker.C:
			next, err := s.symbols(ctx)
			if err != nil {
				s.logger().Warn("symbol refresh failed", zap.Error(err))
				continue
			}
			if err := s.subscribe(ctx, client, active, next); err != nil {
				return true, err
			}
		}
	}
}

func (s *Stream) symbols(ctx context.Context) ([]string, error) {
	if s.Source == nil {
		return nil, nil
	}
	symbols, err := s.Source(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stream symbols: %w", err)
	}
	return symbols, nil
}

// subscribe adds the symbols not yet in active.
func (s *Stream) subscribe(ctx context.Context, client TradeClient, active map[string]struct{}, symbols []string) error {
	var fresh []string
	for _, symbol := range symbols {
		if _, ok := active[symbol]; !ok {
			fresh = append(fresh, symbol)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := client.SubscribeToTrades(func(t stream.Trade) {
		s.onTrade(ctx, t.Symbol, t.Price)
	}, fresh...); err != nil {
		return fmt.Errorf("subscribe to trades: %w", err)
	}
	for _, symbol := range fresh {
		active[symbol] = struct{}{}
	}
	s.logger().Info("streaming trades", zap.Strings("added", fresh), zap.Int("symbols", len(active)), zap.String("feed", s.Feed))
	return nil
}

func (s *Stream) dial() TradeClient {
	if s.Dial != nil {
		return s.Dial()
	}
	return stream.NewStocksClient(
		broker.ParseFeed(s.Feed),
		stream.WithCredentials(s.APIKey, s.APISecret),
	)
}

func (s *Stream) onTrade(ctx context.Context, symbol string, price float64) {
	if price <= 0 {
		return
	}
	if err := s.Sink.SetLivePrice(ctx, symbol, price); err != nil {
		s.logger().Warn("live price not stored", zap.String("symbol", symbol), zap.Error(err))
	}
}

// Symbols collects the distinct symbols of scripts still in play, plus extra.
func Symbols(users []models.User, extra []string) []string {
	seen := map[string]struct{}{}
	add := func(symbol string) {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol != "" {
			seen[symbol] = struct{}{}
		}
	}
	for _, u := range users {
		for _, set := range u.Strategies {
			for _, sc := range set.Scripts {
				if sc.Status == models.StatusArchived {
					continue
				}
				add(sc.Symbol)
			}
		}
	}
	for _, symbol := range extra {
		add(symbol)
	}
	out := make([]string, 0, len(seen))
	for symbol := range seen {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
