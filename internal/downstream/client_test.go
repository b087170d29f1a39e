package downstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/extask-gateway/internal/authsession"
	"github.com/ChuLiYu/extask-gateway/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Doubles
// ============================================================================

// fakeIntegration serves a login endpoint and a business endpoint and counts calls.
type fakeIntegration struct {
	logins   atomic.Int32
	calls    atomic.Int32
	ttl      int64
	loginGap time.Duration

	// business answers per presented token; default 200 {"ok": true}
	mu       sync.Mutex
	byToken  map[string]int
	lastAuth string

	server *httptest.Server
}

func newFakeIntegration(t *testing.T) *fakeIntegration {
	t.Helper()
	f := &fakeIntegration{ttl: 3600, byToken: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		n := f.logins.Add(1)
		if f.loginGap > 0 {
			time.Sleep(f.loginGap)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":              fmt.Sprintf("token-%d", n),
			"expires_in_seconds": f.ttl,
		})
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		auth := r.Header.Get("Authorization")
		f.mu.Lock()
		f.lastAuth = auth
		status, ok := f.byToken[auth]
		f.mu.Unlock()
		if !ok {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok": true}`))
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeIntegration) answer(token string, status int) {
	f.mu.Lock()
	f.byToken["Bearer "+token] = status
	f.mu.Unlock()
}

func newTestClient(f *fakeIntegration, in Integration) (*Client, *authsession.Cache) {
	login := authsession.NewHTTPLogin(f.server.Client(), map[string]authsession.Endpoint{
		in.ID: {URL: f.server.URL + "/login", Identity: "robot", Secret: "pw"},
	})
	cache := authsession.NewCache(login, authsession.Config{DefaultRenewalBuffer: time.Minute}, nil)
	in.BaseURL = f.server.URL
	return NewClient(f.server.Client(), cache, []Integration{in}, nil), cache
}

// ============================================================================
// Tests
// ============================================================================

func TestCallAttachesBearerToken(t *testing.T) {
	f := newFakeIntegration(t)
	client, _ := newTestClient(f, Integration{ID: "tribunal"})

	res := client.Call(context.Background(), "tribunal", Request{Method: http.MethodGet, Path: "/api/processos/123"})

	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"ok": true}`, string(res.Body))
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Reauthenticated)
	assert.Equal(t, "Bearer token-1", f.lastAuth)
}

// TestConcurrentCallsShareOneLogin: ten calls with no session produce one login.
func TestConcurrentCallsShareOneLogin(t *testing.T) {
	f := newFakeIntegration(t)
	f.loginGap = 50 * time.Millisecond
	client, _ := newTestClient(f, Integration{ID: "tribunal"})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := client.Call(context.Background(), "tribunal", Request{Path: "/api/x"})
			assert.NoError(t, res.Err)
			assert.Equal(t, http.StatusOK, res.StatusCode)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.logins.Load())
	assert.Equal(t, int32(10), f.calls.Load())
}

// TestReauthenticatesOnceOn401: a rejected cached token costs one extra login
// and one retried business call.
func TestReauthenticatesOnceOn401(t *testing.T) {
	f := newFakeIntegration(t)
	client, cache := newTestClient(f, Integration{ID: "tribunal"})

	_, err := cache.Token(context.Background(), "tribunal")
	require.NoError(t, err)
	require.Equal(t, int32(1), f.logins.Load())

	f.answer("token-1", http.StatusUnauthorized)

	res := client.Call(context.Background(), "tribunal", Request{Path: "/api/x"})

	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, res.Reauthenticated)
	assert.False(t, res.AuthFailed)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(2), f.logins.Load(), "exactly one extra login")
	assert.Equal(t, int32(2), f.calls.Load(), "exactly one retried business call")
}

func TestSecond401IsSurfaced(t *testing.T) {
	f := newFakeIntegration(t)
	client, _ := newTestClient(f, Integration{ID: "tribunal"})
	f.answer("token-1", http.StatusUnauthorized)
	f.answer("token-2", http.StatusUnauthorized)

	res := client.Call(context.Background(), "tribunal", Request{Path: "/api/x"})

	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.True(t, res.AuthFailed)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(2), f.logins.Load())
	assert.Equal(t, int32(2), f.calls.Load(), "no retry loop")
}

func TestForbiddenIsNotRetried(t *testing.T) {
	f := newFakeIntegration(t)
	client, _ := newTestClient(f, Integration{ID: "tribunal"})
	f.answer("token-1", http.StatusForbidden)

	res := client.Call(context.Background(), "tribunal", Request{Path: "/api/x"})

	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestSessionFaultMarkerTriggersReauth(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			_ = json.NewEncoder(w).Encode(map[string]any{"token": fmt.Sprintf("t%d", calls.Load()), "expires_in_seconds": 600})
			return
		}
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "text/xml")
			_, _ = w.Write([]byte(`<Fault><faultcode>InvalidSession</faultcode></Fault>`))
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(`<Envelope><Body><ok/></Body></Envelope>`))
	}))
	defer srv.Close()

	login := authsession.NewHTTPLogin(srv.Client(), map[string]authsession.Endpoint{"soap": {URL: srv.URL + "/login"}})
	cache := authsession.NewCache(login, authsession.Config{}, nil)
	client := NewClient(srv.Client(), cache, []Integration{{
		ID:                  "soap",
		BaseURL:             srv.URL,
		SessionFaultMarkers: []string{"InvalidSession"},
	}}, nil)

	res := client.Call(context.Background(), "soap", Request{Method: http.MethodPost, Path: "/ws", Body: []byte("<x/>"), ContentType: "text/xml"})

	require.NoError(t, res.Err)
	assert.True(t, res.Reauthenticated)
	assert.Contains(t, string(res.Body), "<ok/>")
}

func TestCallTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			_ = json.NewEncoder(w).Encode(map[string]any{"token": "t", "expires_in_seconds": 600})
			return
		}
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	login := authsession.NewHTTPLogin(srv.Client(), map[string]authsession.Endpoint{"slow": {URL: srv.URL + "/login"}})
	cache := authsession.NewCache(login, authsession.Config{}, nil)
	client := NewClient(srv.Client(), cache, []Integration{{
		ID: "slow", BaseURL: srv.URL, CallTimeout: 50 * time.Millisecond,
	}}, nil)

	res := client.Call(context.Background(), "slow", Request{Path: "/api/x"})

	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, types.ErrTransient)
	assert.Equal(t, 0, res.StatusCode)
}

func TestLoginFailureSurfacesAsResultError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	login := authsession.NewHTTPLogin(srv.Client(), map[string]authsession.Endpoint{"crm": {URL: srv.URL}})
	cache := authsession.NewCache(login, authsession.Config{}, nil)
	client := NewClient(srv.Client(), cache, []Integration{{ID: "crm", BaseURL: srv.URL}}, nil)

	res := client.Call(context.Background(), "crm", Request{Path: "/api/x"})

	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, types.ErrAuthentication)
}

func TestUnknownIntegration(t *testing.T) {
	client := NewClient(nil, nil, nil, nil)
	res := client.Call(context.Background(), "nope", Request{})
	assert.ErrorIs(t, res.Err, types.ErrFatal)
}

func TestCallTimeoutSelection(t *testing.T) {
	in := Integration{CallTimeout: 10 * time.Second, MaxCallTimeout: time.Minute}

	assert.Equal(t, 10*time.Second, callTimeout(in, Request{}))
	assert.Equal(t, 45*time.Second, callTimeout(in, Request{Timeout: 45 * time.Second}))
	assert.Equal(t, time.Minute, callTimeout(in, Request{Timeout: 5 * time.Minute}))
	assert.Equal(t, DefaultCallTimeout, callTimeout(Integration{}, Request{}))
}

func TestJoinURL(t *testing.T) {
	got, err := joinURL("https://api.example.com/v2/", "/processos/1", url.Values{"limit": {"10"}})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v2/processos/1?limit=10", got)

	got, err = joinURL("https://api.example.com", "/processos/0001%2F2024", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/processos/0001%2F2024", got)
}
