package authsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/extask-gateway/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingLogin hands out token-1, token-2, ... and blocks on gate when set.
type countingLogin struct {
	calls atomic.Int32
	ttl   time.Duration
	err   error
	gate  chan struct{}
}

func (l *countingLogin) Login(ctx context.Context, integrationID string) (string, time.Duration, error) {
	n := l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return "", 0, l.err
	}
	return fmt.Sprintf("token-%d", n), l.ttl, nil
}

func newTestCache(login Login, clock *fakeClock, buffer time.Duration) *Cache {
	return NewCache(login, Config{
		DefaultRenewalBuffer: buffer,
		Now:                  clock.Now,
	}, nil)
}

// ============================================================================
// Token Reuse / Single-Flight Renewal
// ============================================================================

// TestTokenReuseWhileValid: concurrent calls against a valid token never log in.
func TestTokenReuseWhileValid(t *testing.T) {
	clock := newFakeClock()
	login := &countingLogin{ttl: time.Hour}
	cache := newTestCache(login, clock, time.Minute)

	first, err := cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)
	require.Equal(t, int32(1), login.calls.Load())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := cache.Token(context.Background(), "tribunal")
			assert.NoError(t, err)
			assert.Equal(t, first, token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), login.calls.Load(), "no login while the cached token is valid")
}

// TestSingleFlightRenewal: concurrent calls with nothing cached share one login.
func TestSingleFlightRenewal(t *testing.T) {
	clock := newFakeClock()
	login := &countingLogin{ttl: time.Hour, gate: make(chan struct{})}
	cache := newTestCache(login, clock, time.Minute)

	const callers = 20
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := cache.Token(context.Background(), "tribunal")
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	session, _ := cache.Session("tribunal")
	assert.True(t, session.RenewalInFlight)
	close(login.gate)
	wg.Wait()

	assert.Equal(t, int32(1), login.calls.Load())
	for _, token := range tokens {
		assert.Equal(t, "token-1", token)
	}
	session, ok := cache.Session("tribunal")
	require.True(t, ok)
	assert.False(t, session.RenewalInFlight)
}

// TestSingleFlightFailureSharedByWaiters: every waiter gets the login error
// and nothing is cached.
func TestSingleFlightFailureSharedByWaiters(t *testing.T) {
	clock := newFakeClock()
	loginErr := fmt.Errorf("%w: login rejected with status 401", types.ErrAuthentication)
	login := &countingLogin{err: loginErr, gate: make(chan struct{})}
	cache := newTestCache(login, clock, time.Minute)

	const callers = 10
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.Token(context.Background(), "tribunal")
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(login.gate)
	wg.Wait()

	assert.Equal(t, int32(1), login.calls.Load())
	for _, err := range errs {
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrAuthentication)
	}
	_, ok := cache.Session("tribunal")
	assert.False(t, ok, "failed login must not leave a session behind")
}

// TestRenewalInsideBuffer: a token expiring in 30s with a 60s buffer is renewed
// before Token returns.
func TestRenewalInsideBuffer(t *testing.T) {
	clock := newFakeClock()
	login := &countingLogin{ttl: time.Hour}
	cache := newTestCache(login, clock, 60*time.Second)

	token, err := cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)

	clock.Advance(time.Hour - 30*time.Second)

	token, err = cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)
	assert.Equal(t, int32(2), login.calls.Load())

	session, ok := cache.Session("tribunal")
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(time.Hour), session.ExpiresAt)
}

func TestTokenUsableJustOutsideBuffer(t *testing.T) {
	clock := newFakeClock()
	login := &countingLogin{ttl: time.Hour}
	cache := newTestCache(login, clock, 60*time.Second)

	_, err := cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)

	clock.Advance(time.Hour - 61*time.Second)
	token, err := cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
}

func TestShortLivedTokenCapsBuffer(t *testing.T) {
	clock := newFakeClock()
	login := &countingLogin{ttl: 2 * time.Minute}
	cache := newTestCache(login, clock, 5*time.Minute)

	_, err := cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	_, err = cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)
	assert.Equal(t, int32(1), login.calls.Load(), "buffer is capped at half the lifetime")
}

func TestBufferShorterThanLifetimeIsKept(t *testing.T) {
	clock := newFakeClock()
	login := &countingLogin{ttl: 100 * time.Second}
	cache := newTestCache(login, clock, 60*time.Second)

	_, err := cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)

	clock.Advance(35 * time.Second)
	_, err = cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)
	assert.Equal(t, int32(1), login.calls.Load(), "65s left is outside the 60s buffer")

	clock.Advance(10 * time.Second)
	_, err = cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)
	assert.Equal(t, int32(2), login.calls.Load(), "55s left is inside the 60s buffer")
}

func TestPerIntegrationBuffer(t *testing.T) {
	clock := newFakeClock()
	login := &countingLogin{ttl: time.Hour}
	cache := NewCache(login, Config{
		DefaultRenewalBuffer: time.Minute,
		RenewalBuffers:       map[string]time.Duration{"docs": 10 * time.Minute},
		Now:                  clock.Now,
	}, nil)

	_, err := cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)
	_, err = cache.Token(context.Background(), "docs")
	require.NoError(t, err)

	clock.Advance(55 * time.Minute)

	_, err = cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)
	_, err = cache.Token(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, int32(3), login.calls.Load(), "only docs is inside its buffer")
}

// ============================================================================
// Invalidation
// ============================================================================

func TestInvalidateForcesLogin(t *testing.T) {
	clock := newFakeClock()
	login := &countingLogin{ttl: time.Hour}
	cache := newTestCache(login, clock, time.Minute)

	_, err := cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)

	cache.Invalidate("tribunal")
	token, err := cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)
}

func TestInvalidateTokenIgnoresStaleToken(t *testing.T) {
	clock := newFakeClock()
	login := &countingLogin{ttl: time.Hour}
	cache := newTestCache(login, clock, time.Minute)

	_, err := cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)
	require.True(t, cache.InvalidateToken("tribunal", "token-1"))

	_, err = cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)

	assert.False(t, cache.InvalidateToken("tribunal", "token-1"))
	session, ok := cache.Session("tribunal")
	require.True(t, ok)
	assert.Equal(t, "token-2", session.Token)
}

func TestIntegrationsAreIndependent(t *testing.T) {
	clock := newFakeClock()
	login := &countingLogin{ttl: time.Hour}
	cache := newTestCache(login, clock, time.Minute)

	a, err := cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)
	b, err := cache.Token(context.Background(), "docs")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	cache.Invalidate("tribunal")
	_, ok := cache.Session("docs")
	assert.True(t, ok)
}

// ============================================================================
// Cancellation / Edge Cases
// ============================================================================

func TestWaiterCancellationDoesNotAbortLogin(t *testing.T) {
	clock := newFakeClock()
	login := &countingLogin{ttl: time.Hour, gate: make(chan struct{})}
	cache := newTestCache(login, clock, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Token(ctx, "tribunal")
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(login.gate)
	require.Eventually(t, func() bool {
		_, ok := cache.Session("tribunal")
		return ok
	}, time.Second, 10*time.Millisecond)

	token, err := cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
	assert.Equal(t, int32(1), login.calls.Load())
}

func TestEmptyTokenIsAuthenticationError(t *testing.T) {
	clock := newFakeClock()
	login := LoginFunc(func(ctx context.Context, id string) (string, time.Duration, error) {
		return "", time.Hour, nil
	})
	cache := newTestCache(login, clock, time.Minute)

	_, err := cache.Token(context.Background(), "tribunal")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEmptyToken))
	assert.True(t, errors.Is(err, types.ErrAuthentication))
}
