package notify

import "sync"

type Event string

const (
	StrategyUpdate Event = "strategy_update"
	OrderUpdate    Event = "order_update"
	StrategyError  Event = "strategy_error"
)

// Notifier broadcasts to a user's observers. Delivery is best effort and
// Notify must never block the caller.
type Notifier interface {
	Notify(userID uint64, event Event, payload any)
}

type Nop struct{}

func (Nop) Notify(uint64, Event, any) {}

// Message is one recorded or transmitted notification.
type Message struct {
	UserID  uint64 `json:"user_id"`
	Event   Event  `json:"event"`
	Payload any    `json:"payload"`
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Notify(userID uint64, event Event, payload any) {
	r.mu.Lock()
	r.messages = append(r.messages, Message{UserID: userID, Event: event, Payload: payload})
	r.mu.Unlock()
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Count returns how many notifications of kind event were recorded.
func (r *Recorder) Count(event Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Event == event {
			n++
		}
	}
	return n
}
