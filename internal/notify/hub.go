package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	defaultBuffer = 32
	writeTimeout  = 5 * time.Second
)

type subscriber struct {
	send chan []byte
}

// Hub fans notifications out to websocket subscribers grouped by user.
// A subscriber that cannot keep up loses messages instead of slowing others.
type Hub struct {
	logger *zap.Logger
	buffer int

	mu    sync.RWMutex
	rooms map[uint64]map[*subscriber]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{logger: logger, buffer: defaultBuffer, rooms: map[uint64]map[*subscriber]struct{}{}}
}

func (h *Hub) Notify(userID uint64, event Event, payload any) {
	if h == nil {
		return
	}
	data, err := json.Marshal(Message{UserID: userID, Event: event, Payload: payload})
	if err != nil {
		h.logger.Warn("notification not encodable", zap.String("event", string(event)), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.rooms[userID] {
		select {
		case sub.send <- data:
		default:
			h.logger.Debug("subscriber slow, dropping", zap.Uint64("user_id", userID), zap.String("event", string(event)))
		}
	}
}

// Subscribers returns how many observers userID has.
func (h *Hub) Subscribers(userID uint64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// Serve pumps notifications for userID into conn until either side closes.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, userID uint64) error {
	sub := h.subscribe(userID)
	defer h.unsubscribe(userID, sub)

	ctx = conn.CloseRead(ctx)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return ctx.Err()
		case msg := <-sub.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (h *Hub) subscribe(userID uint64) *subscriber {
	sub := &subscriber{send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	if h.rooms[userID] == nil {
		h.rooms[userID] = map[*subscriber]struct{}{}
	}
	h.rooms[userID][sub] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("observer subscribed", zap.Uint64("user_id", userID))
	return sub
}

func (h *Hub) unsubscribe(userID uint64, sub *subscriber) {
	h.mu.Lock()
	delete(h.rooms[userID], sub)
	if len(h.rooms[userID]) == 0 {
		delete(h.rooms, userID)
	}
	h.mu.Unlock()
}
