package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuthManager(onToken func(string)) *authManager {
	if onToken == nil {
		onToken = func(string) {}
	}
	o := defaultOptions()
	o.authRefreshFloor = 10 * time.Millisecond
	o.backoff.InitialBackoff = 5 * time.Millisecond
	o.backoff.MaxBackoff = 20 * time.Millisecond
	return newAuthManager(*o, onToken, zerolog.Nop())
}

func unsignedToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("irrelevant"))
	require.NoError(t, err)
	return token
}

func TestAuthManager_SetTokenPushesFrame(t *testing.T) {
	var pushed atomic.Value
	m := testAuthManager(func(token string) { pushed.Store(token) })

	m.setToken("tok-1")
	assert.Equal(t, "tok-1", pushed.Load())

	token, ok := m.currentToken()
	assert.True(t, ok)
	assert.Equal(t, "tok-1", token)
}

func TestAuthManager_ClearDropsTokenAndPublishesFalse(t *testing.T) {
	var pushed atomic.Value
	m := testAuthManager(func(token string) { pushed.Store(token) })

	m.setToken("tok-1")
	m.handleResult(true)
	require.True(t, m.isAuthenticated())

	m.clear()
	assert.Equal(t, "", pushed.Load())
	assert.False(t, m.isAuthenticated())

	_, ok := m.currentToken()
	assert.False(t, ok)
}

func TestAuthManager_TransitionsDedupe(t *testing.T) {
	m := testAuthManager(nil)

	ch, cancel := m.subscribe()
	defer cancel()

	m.handleResult(true)
	m.handleResult(true)
	m.handleResult(false)

	assert.True(t, <-ch)
	assert.False(t, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected transition %v", v)
	default:
	}
}

func TestAuthManager_RefreshLoopRetriesFetchFailure(t *testing.T) {
	var fetches atomic.Int64
	tokenReady := make(chan string, 1)
	m := testAuthManager(func(token string) { tokenReady <- token })

	expiry := time.Now().Add(time.Hour)
	handle := m.setFetcher(func(context.Context) (string, error) {
		if fetches.Add(1) < 3 {
			return "", errors.New("idp unavailable")
		}
		return unsignedToken(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(expiry)}), nil
	}, nil)
	defer handle.Dispose()

	select {
	case token := <-tokenReady:
		assert.NotEmpty(t, token)
	case <-time.After(5 * time.Second):
		t.Fatal("refresh never recovered")
	}
	assert.Equal(t, int64(3), fetches.Load())
}

func TestAuthManager_DisposeStopsRefreshLoop(t *testing.T) {
	var fetches atomic.Int64
	m := testAuthManager(nil)

	// Expired token: the loop would refetch on the floor interval forever
	handle := m.setFetcher(func(context.Context) (string, error) {
		fetches.Add(1)
		return unsignedToken(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}), nil
	}, nil)

	require.Eventually(t, func() bool { return fetches.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	handle.Dispose()

	settled := fetches.Load()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, fetches.Load(), settled+1)
}

func TestAuthManager_RefreshDelay(t *testing.T) {
	m := testAuthManager(nil)
	m.refreshMargin = 2 * time.Minute
	m.refreshFloor = 10 * time.Second
	m.fallbackRefresh = time.Hour

	// Long-lived token: refresh well before expiry
	long := unsignedToken(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(2 * time.Hour))})
	d := m.refreshDelay(long)
	assert.Greater(t, d, 30*time.Minute)
	assert.Less(t, d, 2*time.Hour)

	// Token shorter than the margin: floor applies
	short := unsignedToken(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(30 * time.Second))})
	assert.Equal(t, 10*time.Second, m.refreshDelay(short))

	// No expiry claim: fixed fallback interval
	bare := unsignedToken(t, jwt.RegisteredClaims{Subject: "user-1"})
	assert.Equal(t, time.Hour, m.refreshDelay(bare))

	// Garbage token: fixed fallback interval
	assert.Equal(t, time.Hour, m.refreshDelay("not-a-jwt"))
}
