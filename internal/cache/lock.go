package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Lock is a set-if-absent lease on one key. A crashed holder self-heals once
// the TTL passes.
type Lock struct {
	store Store
	key   string
	token []byte
}

// Acquire takes the lease on key. ok is false when another holder has it.
func Acquire(ctx context.Context, store Store, key string, ttl time.Duration) (*Lock, bool, error) {
	token := []byte(ulid.Make().String())
	ok, err := store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{store: store, key: key, token: token}, true, nil
}

func (l *Lock) Key() string {
	if l == nil {
		return ""
	}
	return l.key
}

// Release deletes the lease if this holder still owns it. A lease that
// expired and was taken by someone else is left alone. It is safe on a nil
// lock and uses a fresh context so a cancelled caller still frees the key.
func (l *Lock) Release() error {
	if l == nil || l.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.store.DeleteIfEquals(ctx, l.key, l.token)
	return err
}

func OrderPendingKey(userID, scriptID uint64) string {
	return fmt.Sprintf("order_pending:%d:%d", userID, scriptID)
}

func ThresholdFetchKey(userID, scriptID uint64) string {
	return fmt.Sprintf("threshold_fetch:%d:%d", userID, scriptID)
}

func SessionExpiryKey(userID uint64) string {
	return fmt.Sprintf("user:%d:session_expiry", userID)
}

func StrategyStateKey(userID uint64) string {
	return fmt.Sprintf("user:%d:strategy_state", userID)
}

func LivePriceKey(symbol string) string {
	return "ltp:" + symbol
}
