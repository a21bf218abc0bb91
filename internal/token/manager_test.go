package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamedeck/panel-gateway/internal/apierr"
	"github.com/gamedeck/panel-gateway/internal/credentials"
	"github.com/gamedeck/panel-gateway/pkg/eventbus"
	"github.com/gamedeck/panel-gateway/pkg/model"
)

func jwtWithExp(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

type fixture struct {
	mgr     *Manager
	store   *credentials.Store
	bus     *eventbus.Bus
	server  *httptest.Server
	refresh atomic.Int32

	mu     sync.Mutex
	events []any
}

// newFixture starts a fake auth backend whose refresh endpoint is handled by refreshFn.
func newFixture(t *testing.T, refreshFn http.HandlerFunc) *fixture {
	t.Helper()
	f := &fixture{bus: eventbus.New()}
	f.bus.SubscribeAll(func(e any) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		f.refresh.Add(1)
		refreshFn(w, r)
	})
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req model.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Invalid username or password"}`))
			return
		}
		writeJSON(w, model.TokenResponse{AccessToken: "a1", RefreshToken: "r1", TokenType: "bearer"})
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	f.store = credentials.NewStore(credentials.NewMemoryBackend(), f.bus, nil)
	f.mgr = NewManager(f.store, f.server.Client(), Config{
		LoginURL:   f.server.URL + "/api/v1/auth/login",
		RefreshURL: f.server.URL + "/api/v1/auth/refresh",
	}, nil)
	return f
}

func (f *fixture) loggedOut() int {
	f.bus.Wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if _, ok := e.(model.LoggedOutEvent); ok {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func issue(pair model.CredentialPair) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, model.TokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken, TokenType: "bearer"})
	}
}

func TestGetValidAccessToken_AbsentWithoutCredentials(t *testing.T) {
	f := newFixture(t, issue(model.CredentialPair{AccessToken: "x", RefreshToken: "y"}))

	_, ok := f.mgr.GetValidAccessToken(context.Background())
	assert.False(t, ok)
	assert.Zero(t, f.refresh.Load())
}

func TestGetValidAccessToken_ValidTokenReturnedWithoutRefresh(t *testing.T) {
	f := newFixture(t, issue(model.CredentialPair{AccessToken: "x", RefreshToken: "y"}))
	access := jwtWithExp(t, "u", time.Now().Add(time.Hour))
	require.NoError(t, f.store.Set(context.Background(), model.CredentialPair{AccessToken: access, RefreshToken: "r1"}, "login"))

	got, ok := f.mgr.GetValidAccessToken(context.Background())
	require.True(t, ok)
	assert.Equal(t, access, got)
	assert.Zero(t, f.refresh.Load())
}

func TestGetValidAccessToken_RefreshesInsideSkew(t *testing.T) {
	a2 := jwtWithExp(t, "u", time.Now().Add(time.Hour))
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		var req model.RefreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "r1", req.RefreshToken)
		writeJSON(w, model.TokenResponse{AccessToken: a2, RefreshToken: "r2"})
	})
	// expires in 10s, inside the 30s skew
	a1 := jwtWithExp(t, "u", time.Now().Add(10*time.Second))
	require.NoError(t, f.store.Set(context.Background(), model.CredentialPair{AccessToken: a1, RefreshToken: "r1"}, "login"))

	got, ok := f.mgr.GetValidAccessToken(context.Background())
	require.True(t, ok)
	assert.Equal(t, a2, got)

	pair, _ := f.store.Get()
	assert.Equal(t, model.CredentialPair{AccessToken: a2, RefreshToken: "r2"}, pair)
}

func TestGetValidAccessToken_OpaqueTokenUsedUntilRejected(t *testing.T) {
	f := newFixture(t, issue(model.CredentialPair{AccessToken: "a2", RefreshToken: "r2"}))
	require.NoError(t, f.store.Set(context.Background(), model.CredentialPair{AccessToken: "a1", RefreshToken: "r1"}, "login"))

	got, ok := f.mgr.GetValidAccessToken(context.Background())
	require.True(t, ok)
	assert.Equal(t, "a1", got)

	require.True(t, f.mgr.HandleAPIError(context.Background(), "a1", http.StatusUnauthorized, "Token revoked"))

	got, ok = f.mgr.GetValidAccessToken(context.Background())
	require.True(t, ok)
	assert.Equal(t, "a2", got)
	assert.Equal(t, int32(1), f.refresh.Load())
}

func TestRefresh_SingleFlightUnderContention(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, model.TokenResponse{AccessToken: "a2", RefreshToken: "r2"})
	})
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, model.CredentialPair{AccessToken: "a1", RefreshToken: "r1"}, "login"))

	const callers = 20
	for i := 0; i < callers; i++ {
		require.True(t, f.mgr.HandleAPIError(ctx, "a1", http.StatusUnauthorized, ""))
	}

	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, ok := f.mgr.GetValidAccessToken(ctx)
			assert.True(t, ok)
			results[i] = tok
		}(i)
	}

	require.Eventually(t, func() bool { return f.refresh.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), f.refresh.Load(), "exactly one refresh call")
	for _, tok := range results {
		assert.Equal(t, "a2", tok)
	}
}

func TestHandleAPIError_LateRejectionOfReplacedTokenDoesNotRefreshAgain(t *testing.T) {
	f := newFixture(t, issue(model.CredentialPair{AccessToken: "a3", RefreshToken: "r3"}))
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, model.CredentialPair{AccessToken: "a2", RefreshToken: "r2"}, "refresh"))

	// a call that used a1 failed after a2 was already stored
	require.True(t, f.mgr.HandleAPIError(ctx, "a1", http.StatusUnauthorized, ""))

	got, ok := f.mgr.GetValidAccessToken(ctx)
	require.True(t, ok)
	assert.Equal(t, "a2", got)
	assert.Zero(t, f.refresh.Load())
}

func TestRefresh_RejectedClearsStoreAndBroadcastsLogout(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Refresh token revoked"}`))
	})
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, model.CredentialPair{AccessToken: "a1", RefreshToken: "r1"}, "login"))
	require.True(t, f.mgr.HandleAPIError(ctx, "a1", http.StatusUnauthorized, ""))

	_, err := f.mgr.Refresh(ctx)
	require.ErrorIs(t, err, ErrRefreshRejected)
	assert.Equal(t, apierr.KindAuth, apierr.KindOf(err))

	_, ok := f.store.Get()
	assert.False(t, ok)
	assert.Equal(t, 1, f.loggedOut())
}

func TestRefresh_ServerErrorKeepsCredentialsAndDoesNotRetry(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, model.CredentialPair{AccessToken: "a1", RefreshToken: "r1"}, "login"))
	require.True(t, f.mgr.HandleAPIError(ctx, "a1", http.StatusUnauthorized, ""))

	_, ok := f.mgr.GetValidAccessToken(ctx)
	assert.False(t, ok)
	assert.Equal(t, int32(1), f.refresh.Load(), "refresh is never retried internally")

	pair, ok := f.store.Get()
	require.True(t, ok)
	assert.Equal(t, "r1", pair.RefreshToken)
	assert.Zero(t, f.loggedOut())

	_, err := f.mgr.Refresh(ctx)
	assert.Equal(t, apierr.KindServerError, apierr.KindOf(err))
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	f := newFixture(t, issue(model.CredentialPair{AccessToken: "a2"}))
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, model.CredentialPair{AccessToken: "a1", RefreshToken: "r1"}, "login"))
	require.True(t, f.mgr.HandleAPIError(ctx, "", http.StatusUnauthorized, ""))

	pair, err := f.mgr.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CredentialPair{AccessToken: "a2", RefreshToken: "r1"}, pair)
}

func TestRefresh_CallerContextDoesNotCancelSharedRefresh(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, model.TokenResponse{AccessToken: "a2", RefreshToken: "r2"})
	})
	require.NoError(t, f.store.Set(context.Background(), model.CredentialPair{AccessToken: "a1", RefreshToken: "r1"}, "login"))
	require.True(t, f.mgr.HandleAPIError(context.Background(), "a1", http.StatusUnauthorized, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.mgr.Refresh(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
	require.Eventually(t, func() bool {
		p, _ := f.store.Get()
		return p.AccessToken == "a2"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandleAPIError(t *testing.T) {
	ctx := context.Background()

	t.Run("non-401 is not handled", func(t *testing.T) {
		f := newFixture(t, issue(model.CredentialPair{}))
		require.NoError(t, f.store.Set(ctx, model.CredentialPair{AccessToken: "a1", RefreshToken: "r1"}, "login"))
		assert.False(t, f.mgr.HandleAPIError(ctx, "a1", http.StatusForbidden, "no"))
		_, ok := f.store.Get()
		assert.True(t, ok)
	})

	t.Run("no session", func(t *testing.T) {
		f := newFixture(t, issue(model.CredentialPair{}))
		assert.False(t, f.mgr.HandleAPIError(ctx, "a1", http.StatusUnauthorized, ""))
		assert.Zero(t, f.loggedOut())
	})

	t.Run("missing refresh token clears", func(t *testing.T) {
		f := newFixture(t, issue(model.CredentialPair{}))
		require.NoError(t, f.store.Set(ctx, model.CredentialPair{AccessToken: "a1"}, "login"))
		assert.False(t, f.mgr.HandleAPIError(ctx, "a1", http.StatusUnauthorized, ""))
		_, ok := f.store.Get()
		assert.False(t, ok)
		assert.Equal(t, 1, f.loggedOut())
	})

	t.Run("expired refresh token clears", func(t *testing.T) {
		f := newFixture(t, issue(model.CredentialPair{}))
		expired := jwtWithExp(t, "u", time.Now().Add(-time.Minute))
		require.NoError(t, f.store.Set(ctx, model.CredentialPair{AccessToken: "a1", RefreshToken: expired}, "login"))
		assert.False(t, f.mgr.HandleAPIError(ctx, "a1", http.StatusUnauthorized, ""))
		_, ok := f.store.Get()
		assert.False(t, ok)
		assert.Zero(t, f.refresh.Load())
	})

	t.Run("valid refresh token is handled", func(t *testing.T) {
		f := newFixture(t, issue(model.CredentialPair{}))
		valid := jwtWithExp(t, "u", time.Now().Add(time.Hour))
		require.NoError(t, f.store.Set(ctx, model.CredentialPair{AccessToken: "a1", RefreshToken: valid}, "login"))
		assert.True(t, f.mgr.HandleAPIError(ctx, "a1", http.StatusUnauthorized, ""))
	})
}

func TestLoginLogout(t *testing.T) {
	f := newFixture(t, issue(model.CredentialPair{}))
	ctx := context.Background()

	err := f.mgr.Login(ctx, "admin", "wrong")
	require.Error(t, err)
	assert.Equal(t, apierr.KindAuth, apierr.KindOf(err))
	assert.Contains(t, err.Error(), "Invalid username or password")
	_, ok := f.store.Get()
	assert.False(t, ok)

	require.NoError(t, f.mgr.Login(ctx, "admin", "hunter2"))
	pair, ok := f.store.Get()
	require.True(t, ok)
	assert.Equal(t, model.CredentialPair{AccessToken: "a1", RefreshToken: "r1"}, pair)

	require.NoError(t, f.mgr.Logout(ctx, "logout"))
	require.NoError(t, f.mgr.Logout(ctx, "logout"))
	_, ok = f.store.Get()
	assert.False(t, ok)
	assert.Equal(t, 1, f.loggedOut())
}

func TestLogin_NetworkFailure(t *testing.T) {
	f := newFixture(t, issue(model.CredentialPair{}))
	f.server.Close()

	err := f.mgr.Login(context.Background(), "admin", "hunter2")
	require.Error(t, err)
	assert.Equal(t, apierr.KindNetwork, apierr.KindOf(err))
}

func (f *fixture) refreshed() int {
	f.bus.Wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if _, ok := e.(model.TokensRefreshedEvent); ok {
			n++
		}
	}
	return n
}

// blockedRefresh answers the refresh call with answer once release is closed.
func blockedRefresh(release <-chan struct{}, answer http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		<-release
		answer(w, r)
	}
}

func TestRefresh_LogoutDuringRefreshIsNotUndone(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, blockedRefresh(release, issue(model.CredentialPair{AccessToken: "a2", RefreshToken: "r2"})))
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, model.CredentialPair{AccessToken: "a1", RefreshToken: "r1"}, "login"))
	require.True(t, f.mgr.HandleAPIError(ctx, "a1", http.StatusUnauthorized, ""))

	type result struct {
		token string
		ok    bool
	}
	done := make(chan result, 1)
	go func() {
		tok, ok := f.mgr.GetValidAccessToken(ctx)
		done <- result{tok, ok}
	}()
	require.Eventually(t, func() bool { return f.refresh.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.mgr.Logout(ctx, "logout"))
	close(release)

	res := <-done
	assert.False(t, res.ok)
	assert.Empty(t, res.token)

	_, ok := f.store.Get()
	assert.False(t, ok, "the refreshed pair must not bring the session back")
	assert.Equal(t, 1, f.loggedOut())
	assert.Equal(t, 1, f.refreshed(), "only the login broadcast a new pair")
}

func TestRefresh_LoginDuringRefreshWins(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, blockedRefresh(release, issue(model.CredentialPair{AccessToken: "a-old", RefreshToken: "r-old"})))
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, model.CredentialPair{AccessToken: "a0", RefreshToken: "r0"}, "login"))
	require.True(t, f.mgr.HandleAPIError(ctx, "a0", http.StatusUnauthorized, ""))

	done := make(chan string, 1)
	go func() {
		tok, _ := f.mgr.GetValidAccessToken(ctx)
		done <- tok
	}()
	require.Eventually(t, func() bool { return f.refresh.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.mgr.Login(ctx, "svc", "hunter2"))
	close(release)

	assert.Equal(t, "a1", <-done, "waiters receive the session that replaced the refreshed one")
	pair, ok := f.store.Get()
	require.True(t, ok)
	assert.Equal(t, model.CredentialPair{AccessToken: "a1", RefreshToken: "r1"}, pair)
}

func TestRefresh_RejectionAfterLoginKeepsNewSession(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, blockedRefresh(release, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Refresh token revoked"}`))
	}))
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, model.CredentialPair{AccessToken: "a0", RefreshToken: "r0"}, "login"))
	require.True(t, f.mgr.HandleAPIError(ctx, "a0", http.StatusUnauthorized, ""))

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.Refresh(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.refresh.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, f.mgr.Login(ctx, "svc", "hunter2"))
	close(release)

	require.NoError(t, <-done)
	pair, ok := f.store.Get()
	require.True(t, ok)
	assert.Equal(t, "a1", pair.AccessToken)
	assert.Zero(t, f.loggedOut())
}

type hookBackend struct {
	*credentials.MemoryBackend
	onSave func(model.CredentialPair)
}

func (b *hookBackend) Save(ctx context.Context, pair model.CredentialPair) error {
	if b.onSave != nil {
		b.onSave(pair)
	}
	return b.MemoryBackend.Save(ctx, pair)
}

func TestRefresh_OldTokenStaysStaleUntilNewPairStored(t *testing.T) {
	f := newFixture(t, issue(model.CredentialPair{AccessToken: "a2", RefreshToken: "r2"}))
	backend := &hookBackend{MemoryBackend: credentials.NewMemoryBackend()}
	f.store = credentials.NewStore(backend, f.bus, nil)
	f.mgr = NewManager(f.store, f.server.Client(), f.mgr.cfg, nil)

	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, model.CredentialPair{AccessToken: "a1", RefreshToken: "r1"}, "login"))
	require.True(t, f.mgr.HandleAPIError(ctx, "a1", http.StatusUnauthorized, ""))

	var checked bool
	backend.onSave = func(pair model.CredentialPair) {
		checked = true
		cur, ok := f.store.Get()
		assert.True(t, ok)
		assert.Equal(t, "a2", cur.AccessToken, "new pair is readable while it is persisted")
		assert.True(t, f.mgr.needsRefresh("a1"), "old token is still stale at that point")
	}

	pair, err := f.mgr.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, checked)
	assert.Equal(t, "a2", pair.AccessToken)
	assert.False(t, f.mgr.needsRefresh("a2"))
}
