// Package brokertest provides a scripted broker.Session for tests.
package brokertest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"swingalgo/internal/broker"
	"swingalgo/internal/market"
	"swingalgo/internal/models"
)

// Session records placed orders and answers from canned data. Orders fill
// immediately at FillPrice unless Status says otherwise.
type Session struct {
	mu sync.Mutex

	// PlaceErrs are returned by successive PlaceOrder calls before any
	// order is accepted.
	PlaceErrs []error
	// Status is the state new orders are created in; empty means filled.
	Status    string
	FillPrice float64
	Bars      map[string][]market.DailyBar
	BarsErr   error
	// AfterPlace runs once an order has been accepted, with the session
	// lock held.
	AfterPlace func(broker.OrderRef)

	placed   []broker.OrderRequest
	orders   map[string]broker.OrderRef
	byClient map[string]string
	barCalls int
}

func New() *Session {
	return &Session{FillPrice: 100}
}

func (s *Session) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.PlaceErrs) > 0 {
		err := s.PlaceErrs[0]
		s.PlaceErrs = s.PlaceErrs[1:]
		return broker.OrderRef{}, err
	}
	if s.orders == nil {
		s.orders = map[string]broker.OrderRef{}
		s.byClient = map[string]string{}
	}
	s.placed = append(s.placed, req)
	ref := broker.OrderRef{
		ID:            fmt.Sprintf("ord-%d", len(s.placed)),
		ClientOrderID: req.ClientOrderID,
		Status:        s.Status,
	}
	if ref.Status == "" {
		ref.Status = broker.OrderFilled
	}
	if ref.Status == broker.OrderFilled {
		price := s.FillPrice
		ref.FilledQty = float64(req.Qty)
		ref.FilledAvgPrice = &price
	}
	s.orders[ref.ID] = ref
	s.byClient[req.ClientOrderID] = ref.ID
	if s.AfterPlace != nil {
		s.AfterPlace(ref)
	}
	return ref, nil
}

func (s *Session) GetOrder(ctx context.Context, orderID string) (broker.OrderRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.orders[orderID]
	if !ok {
		return broker.OrderRef{}, &alpaca.APIError{StatusCode: http.StatusNotFound, Message: "order not found"}
	}
	return ref, nil
}

func (s *Session) OrderByClientID(ctx context.Context, clientOrderID string) (broker.OrderRef, error) {
	s.mu.Lock()
	id, ok := s.byClient[clientOrderID]
	s.mu.Unlock()
	if !ok {
		return broker.OrderRef{}, &alpaca.APIError{StatusCode: http.StatusNotFound, Message: "order not found"}
	}
	return s.GetOrder(ctx, id)
}

func (s *Session) DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]market.DailyBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.barCalls++
	if s.BarsErr != nil {
		return nil, s.BarsErr
	}
	return s.Bars[symbol], nil
}

// SetOrder replaces the broker-side state of an order, e.g. to fill it later.
func (s *Session) SetOrder(ref broker.OrderRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orders == nil {
		s.orders = map[string]broker.OrderRef{}
		s.byClient = map[string]string{}
	}
	s.orders[ref.ID] = ref
	if ref.ClientOrderID != "" {
		s.byClient[ref.ClientOrderID] = ref.ID
	}
}

func (s *Session) Placed() []broker.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]broker.OrderRequest(nil), s.placed...)
}

func (s *Session) BarCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.barCalls
}

// Filled builds the broker view of a completed order.
func Filled(id, clientOrderID string, qty, price float64) broker.OrderRef {
	return broker.OrderRef{
		ID:             id,
		ClientOrderID:  clientOrderID,
		Status:         broker.OrderFilled,
		FilledQty:      qty,
		FilledAvgPrice: &price,
	}
}

// Sessions hands out the same Session to every user and counts forced
// logins.
type Sessions struct {
	mu      sync.Mutex
	Current *Session
	Err     error
	refresh int
}

func NewSessions(s *Session) *Sessions {
	return &Sessions{Current: s}
}

func (p *Sessions) Session(ctx context.Context, user *models.User) (broker.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Current, nil
}

func (p *Sessions) Refresh(ctx context.Context, user *models.User) (broker.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refresh++
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Current, nil
}

func (p *Sessions) Refreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refresh
}
