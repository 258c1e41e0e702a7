package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"swingalgo/internal/cache"
	"swingalgo/internal/models"
)

var ErrNoCredentials = errors.New("user has no broker credentials")

// Factory opens and authenticates a new session for user.
type Factory func(ctx context.Context, user *models.User) (Session, error)

type sessionEntry struct {
	session Session
	expires time.Time
}

// SessionProvider keeps one session per user in process memory. A shared TTL
// record in the cache store lets other workers see when a login is live, and
// deleting it forces every process to log in again.
type SessionProvider struct {
	factory Factory
	store   cache.Store
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[uint64]sessionEntry
}

func NewSessionProvider(factory Factory, store cache.Store, ttl time.Duration, logger *zap.Logger) *SessionProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SessionProvider{
		factory:  factory,
		store:    store,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
		sessions: map[uint64]sessionEntry{},
	}
}

// Cached returns the live session for userID without logging in.
func (p *SessionProvider) Cached(ctx context.Context, userID uint64) (Session, bool) {
	p.mu.Lock()
	entry, ok := p.sessions[userID]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	if p.now().After(entry.expires) || !p.sharedRecordLive(ctx, userID) {
		p.drop(userID)
		return nil, false
	}
	return entry.session, true
}

// Session returns the cached session or logs in.
func (p *SessionProvider) Session(ctx context.Context, user *models.User) (Session, error) {
	if user == nil {
		return nil, ErrNoCredentials
	}
	if s, ok := p.Cached(ctx, user.ID); ok {
		return s, nil
	}
	return p.Refresh(ctx, user)
}

// Refresh always performs a fresh login and replaces the cached session.
func (p *SessionProvider) Refresh(ctx context.Context, user *models.User) (Session, error) {
	if !user.HasCredentials() {
		return nil, ErrNoCredentials
	}
	s, err := p.factory(ctx, user)
	if err != nil {
		p.logger.Warn("broker login failed", zap.Uint64("user_id", user.ID), zap.Error(err))
		return nil, fmt.Errorf("login user %d: %w", user.ID, err)
	}
	expires := p.now().Add(p.ttl)
	p.mu.Lock()
	p.sessions[user.ID] = sessionEntry{session: s, expires: expires}
	p.mu.Unlock()

	if p.store != nil {
		value := []byte(expires.UTC().Format(time.RFC3339))
		if err := p.store.Set(ctx, cache.SessionExpiryKey(user.ID), value, p.ttl); err != nil {
			p.logger.Warn("session expiry record not written", zap.Uint64("user_id", user.ID), zap.Error(err))
		}
	}
	p.logger.Info("broker session opened", zap.Uint64("user_id", user.ID), zap.Time("expires", expires))
	return s, nil
}

// Invalidate forgets the session here and, through the shared record, elsewhere.
func (p *SessionProvider) Invalidate(ctx context.Context, userID uint64) {
	p.drop(userID)
	if p.store != nil {
		if err := p.store.Delete(ctx, cache.SessionExpiryKey(userID)); err != nil {
			p.logger.Warn("session expiry record not deleted", zap.Uint64("user_id", userID), zap.Error(err))
		}
	}
}

// Warm logs in every user with credentials, logging failures.
func (p *SessionProvider) Warm(ctx context.Context, users []models.User) int {
	opened := 0
	for i := range users {
		if !users[i].HasCredentials() {
			continue
		}
		if _, err := p.Session(ctx, &users[i]); err == nil {
			opened++
		}
	}
	return opened
}

func (p *SessionProvider) drop(userID uint64) {
	p.mu.Lock()
	delete(p.sessions, userID)
	p.mu.Unlock()
}

func (p *SessionProvider) sharedRecordLive(ctx context.Context, userID uint64) bool {
	if p.store == nil {
		return true
	}
	_, found, err := p.store.Get(ctx, cache.SessionExpiryKey(userID))
	if err != nil {
		// Store outage: trust the local entry until its own expiry.
		p.logger.Warn("session expiry record unreadable", zap.Uint64("user_id", userID), zap.Error(err))
		return true
	}
	return found
}

// AlpacaFactory builds a Factory that opens verified Alpaca clients.
func AlpacaFactory(base Options, paperURL, liveURL string) Factory {
	return func(ctx context.Context, user *models.User) (Session, error) {
		opts := base
		opts.APIKey = user.BrokerKeyID
		opts.APISecret = user.BrokerSecretKey
		opts.BaseURL = liveURL
		if user.Paper {
			opts.BaseURL = paperURL
		}
		if opts.Logger != nil {
			opts.Logger = opts.Logger.With(zap.Uint64("user_id", user.ID))
		}
		c := New(opts)
		if err := c.Verify(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}
