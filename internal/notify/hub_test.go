package notify

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversToUserRoomOnly(t *testing.T) {
	h := NewHub(nil)
	alice := h.subscribe(1)
	bob := h.subscribe(2)

	h.Notify(1, StrategyUpdate, map[string]int{"AAPL": 1})

	require.Len(t, alice.send, 1)
	assert.Len(t, bob.send, 0)

	var msg struct {
		UserID uint64 `json:"user_id"`
		Event  Event  `json:"event"`
	}
	require.NoError(t, json.Unmarshal(<-alice.send, &msg))
	assert.Equal(t, uint64(1), msg.UserID)
	assert.Equal(t, StrategyUpdate, msg.Event)
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	h := NewHub(nil)
	h.buffer = 1
	sub := h.subscribe(7)

	h.Notify(7, OrderUpdate, "first")
	h.Notify(7, OrderUpdate, "second")
	assert.Len(t, sub.send, 1)

	h.unsubscribe(7, sub)
	assert.Zero(t, h.Subscribers(7))
}

func TestRecorderCounts(t *testing.T) {
	r := &Recorder{}
	r.Notify(1, StrategyError, "x")
	r.Notify(1, StrategyUpdate, nil)
	r.Notify(2, StrategyError, "y")
	assert.Equal(t, 2, r.Count(StrategyError))
	assert.Len(t, r.Messages(), 3)
}
