// ============================================================================
// Auth Session Cache
// ============================================================================
//
// Package: internal/authsession
// File: cache.go
// Purpose: Hands out a valid bearer token per downstream integration.
//
// How it works:
//   - Token() returns the cached token while now < expires_at - buffer.
//   - Otherwise one caller per integration performs the login; concurrent
//     callers wait on the same singleflight call and get the same token or
//     the same error.
//   - A failed login leaves nothing cached.
//   - Invalidate() drops a session after the downstream rejects it.
//
// ============================================================================

package authsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/extask-gateway/internal/metrics"
	"github.com/ChuLiYu/extask-gateway/pkg/types"
	"golang.org/x/sync/singleflight"
)

var log = slog.Default()

// DefaultLoginTimeout bounds one login call when Config.LoginTimeout is zero.
const DefaultLoginTimeout = 30 * time.Second

// ErrEmptyToken is returned when a login succeeds without handing out a token.
var ErrEmptyToken = errors.New("login returned an empty token")

// Login performs the login call of one integration.
type Login interface {
	Login(ctx context.Context, integrationID string) (token string, ttl time.Duration, err error)
}

// LoginFunc adapts a function to Login.
type LoginFunc func(ctx context.Context, integrationID string) (string, time.Duration, error)

// Login calls f.
func (f LoginFunc) Login(ctx context.Context, integrationID string) (string, time.Duration, error) {
	return f(ctx, integrationID)
}

// Session is a cached credential of one integration.
type Session struct {
	IntegrationID   string
	Token           string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	RenewalInFlight bool
}

// Config holds the renewal policy.
type Config struct {
	DefaultRenewalBuffer time.Duration            // subtracted from expires_at
	RenewalBuffers       map[string]time.Duration // per-integration override
	LoginTimeout         time.Duration
	Now                  func() time.Time
}

// Cache holds one session per integration.
type Cache struct {
	login   Login
	cfg     Config
	now     func() time.Time
	metrics *metrics.Collector

	mu       sync.RWMutex
	sessions map[string]Session
	renewing map[string]bool
	group    singleflight.Group
}

// NewCache creates a Cache that logs in through login.
func NewCache(login Login, cfg Config, collector *metrics.Collector) *Cache {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = DefaultLoginTimeout
	}
	return &Cache{
		login:    login,
		cfg:      cfg,
		now:      now,
		metrics:  collector,
		sessions: make(map[string]Session),
		renewing: make(map[string]bool),
	}
}

// Token returns a usable token for integrationID, logging in when needed.
// At most one login per integration is in flight at any time.
func (c *Cache) Token(ctx context.Context, integrationID string) (string, error) {
	if token, ok := c.usable(integrationID); ok {
		return token, nil
	}

	ch := c.group.DoChan(integrationID, func() (interface{}, error) {
		// A renewal may have finished between the check above and this call.
		if token, ok := c.usable(integrationID); ok {
			return token, nil
		}
		return c.renew(ctx, integrationID)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// renew runs inside the singleflight call. The login is detached from the
// first caller's cancellation since other callers are waiting on it.
func (c *Cache) renew(ctx context.Context, integrationID string) (string, error) {
	c.setRenewing(integrationID, true)
	defer c.setRenewing(integrationID, false)

	loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LoginTimeout)
	defer cancel()

	issuedAt := c.now()
	token, ttl, err := c.login.Login(loginCtx, integrationID)
	if err == nil && token == "" {
		err = fmt.Errorf("%w: %w", types.ErrAuthentication, ErrEmptyToken)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.sessions, integrationID)
		c.mu.Unlock()
		c.metrics.RecordLogin(integrationID, false)
		log.Warn("Login failed", "integration", integrationID, "error", err)
		return "", fmt.Errorf("login to %s: %w", integrationID, err)
	}

	session := Session{
		IntegrationID: integrationID,
		Token:         token,
		IssuedAt:      issuedAt,
		ExpiresAt:     issuedAt.Add(ttl),
	}
	c.mu.Lock()
	c.sessions[integrationID] = session
	c.mu.Unlock()

	c.metrics.RecordLogin(integrationID, true)
	log.Info("Session renewed", "integration", integrationID, "expires_at", session.ExpiresAt)
	return token, nil
}

// Invalidate forcibly expires the session of integrationID.
func (c *Cache) Invalidate(integrationID string) {
	c.mu.Lock()
	delete(c.sessions, integrationID)
	c.mu.Unlock()
}

// InvalidateToken expires the session only if it still holds token, so a
// stale rejection does not discard a session another caller just renewed.
func (c *Cache) InvalidateToken(integrationID, token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[integrationID]
	if !ok || s.Token != token {
		return false
	}
	delete(c.sessions, integrationID)
	return true
}

// Session returns a copy of the cached session.
func (c *Cache) Session(integrationID string) (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[integrationID]
	s.RenewalInFlight = c.renewing[integrationID]
	return s, ok
}

func (c *Cache) usable(integrationID string) (string, bool) {
	c.mu.RLock()
	s, ok := c.sessions[integrationID]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	deadline := s.ExpiresAt.Add(-c.buffer(integrationID, s.ExpiresAt.Sub(s.IssuedAt)))
	return s.Token, c.now().Before(deadline)
}

// buffer returns the configured renewal buffer. A buffer covering the whole
// token lifetime is cut to half of it.
func (c *Cache) buffer(integrationID string, ttl time.Duration) time.Duration {
	b, ok := c.cfg.RenewalBuffers[integrationID]
	if !ok {
		b = c.cfg.DefaultRenewalBuffer
	}
	if b >= ttl {
		return ttl / 2
	}
	return b
}

func (c *Cache) setRenewing(integrationID string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v {
		c.renewing[integrationID] = true
	} else {
		delete(c.renewing, integrationID)
	}
}
