package client

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/fluxbase-io/fluxbase-go/internal/metrics"
	"github.com/fluxbase-io/fluxbase-go/internal/transport"
)

// TokenFetcher produces a fresh access token. It is called for the initial
// token and again ahead of every expiry.
type TokenFetcher func(ctx context.Context) (string, error)

// AuthHandle controls a refresh loop started by SetAuthWithRefresh.
type AuthHandle struct {
	mgr       *authManager
	stopWatch func()
	once      sync.Once
}

// Dispose stops the refresh loop and clears the session's credentials.
func (h *AuthHandle) Dispose() {
	h.once.Do(func() {
		h.mgr.clear()
		if h.stopWatch != nil {
			h.stopWatch()
		}
	})
}

// authManager owns the current token, the authenticated feed, and the
// optional background refresh loop.
type authManager struct {
	log     zerolog.Logger
	backoff *transport.BackoffPolicy

	refreshMargin   time.Duration
	refreshFloor    time.Duration
	fallbackRefresh time.Duration
	fetchTimeout    time.Duration

	mu      sync.Mutex
	token   string
	fetcher TokenFetcher
	cancel  context.CancelFunc

	// authed transitions exactly once per state change
	authed *feed[bool]

	// onToken pushes the new token down the wire when connected
	onToken func(token string)
}

func newAuthManager(o options, onToken func(string), log zerolog.Logger) *authManager {
	return &authManager{
		log:             log,
		backoff:         o.backoff,
		refreshMargin:   o.authRefreshMargin,
		refreshFloor:    o.authRefreshFloor,
		fallbackRefresh: o.authFallbackRefresh,
		fetchTimeout:    o.authFetchTimeout,
		authed:          newFeed(false, true),
		onToken:         onToken,
	}
}

// setToken installs a static token. Any running refresh loop is stopped.
func (m *authManager) setToken(token string) {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.fetcher = nil
	m.token = token
	m.mu.Unlock()

	m.onToken(token)
}

// setFetcher installs a fetcher and starts the refresh loop. The first
// fetch happens immediately. onChange, when set, observes authenticated
// transitions for the lifetime of the handle.
func (m *authManager) setFetcher(fetcher TokenFetcher, onChange func(bool)) *AuthHandle {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.fetcher = fetcher
	m.cancel = cancel
	m.mu.Unlock()

	handle := &AuthHandle{mgr: m}
	if onChange != nil {
		ch, stop := m.authed.subscribe()
		handle.stopWatch = stop
		go func() {
			for v := range ch {
				onChange(v)
			}
		}()
	}

	go m.refreshLoop(ctx, fetcher)
	return handle
}

// clear drops the credentials and tells the server to end the session.
func (m *authManager) clear() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.fetcher = nil
	m.token = ""
	m.mu.Unlock()

	m.onToken("")
	m.authed.publish(false)
}

// currentToken returns the token to replay after a reconnect, and whether
// one is set.
func (m *authManager) currentToken() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.token != ""
}

// handleResult records the server's verdict on the last authenticate frame.
func (m *authManager) handleResult(ok bool) {
	m.authed.publish(ok)
}

func (m *authManager) isAuthenticated() bool {
	return m.authed.get()
}

func (m *authManager) subscribe() (<-chan bool, func()) {
	return m.authed.subscribe()
}

func (m *authManager) close() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	m.authed.close()
}

// refreshLoop fetches a token, sends it, then sleeps until shortly before
// the token expires. Fetch failures retry on the reconnect backoff curve.
func (m *authManager) refreshLoop(ctx context.Context, fetcher TokenFetcher) {
	attempt := 0
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
		token, err := fetcher(fetchCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			metrics.RecordAuthRefresh("error")
			m.authed.publish(false)
			delay := m.backoff.Delay(attempt)
			attempt++
			m.log.Warn().Err(err).Dur("retry_in", delay).Msg("token fetch failed")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		attempt = 0
		metrics.RecordAuthRefresh("ok")

		m.mu.Lock()
		stale := m.fetcher == nil
		if !stale {
			m.token = token
		}
		m.mu.Unlock()
		if stale {
			return
		}
		m.onToken(token)

		select {
		case <-time.After(m.refreshDelay(token)):
		case <-ctx.Done():
			return
		}
	}
}

// refreshDelay reads the token's exp claim without verifying the signature
// and schedules the next fetch ahead of it. Tokens without an exp refresh
// on a fixed interval.
func (m *authManager) refreshDelay(token string) time.Duration {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return m.fallbackRefresh
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	delay := remaining - m.refreshMargin
	if delay > remaining/2 {
		delay = remaining / 2
	}
	if delay < m.refreshFloor {
		delay = m.refreshFloor
	}
	return delay
}
