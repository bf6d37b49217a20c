package simserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxbase-io/fluxbase-go/internal/protocol"
)

func newTestBackend(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(opts)

	srv.RegisterQuery("counter:get", func(_ context.Context, store *Store, _ map[string]any) (any, error) {
		v, ok := store.Get("counter")
		if !ok {
			return 0, nil
		}
		return v, nil
	})
	srv.RegisterMutation("counter:add", func(_ context.Context, store *Store, args map[string]any) (any, error) {
		delta, _ := args["delta"].(float64)
		current := 0.0
		if v, ok := store.Get("counter"); ok {
			current = v.(float64)
		}
		next := current + delta
		store.Set("counter", next)
		return next, nil
	})
	srv.RegisterAction("mail:send", func(_ context.Context, args map[string]any) (any, error) {
		if args["to"] == nil {
			return nil, &CallError{Message: "missing recipient", Data: map[string]any{"field": "to"}}
		}
		return "sent", nil
	})

	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)
	t.Cleanup(srv.Close)
	return srv, httpSrv
}

// dialSync connects and completes the connect handshake.
func dialSync(t *testing.T, httpSrv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/sync"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	send(t, conn, &protocol.ClientMessage{
		Type:      protocol.MessageConnect,
		ClientID:  "test",
		SessionID: "sess-1",
	})

	ack := recv(t, conn)
	require.Equal(t, protocol.MessageConnected, ack.Type)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg *protocol.ClientMessage) {
	t.Helper()
	payload, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func recv(t *testing.T, conn *websocket.Conn) *protocol.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeServerMessage(payload)
	require.NoError(t, err)
	return msg
}

func TestServer_QueryRequest(t *testing.T) {
	_, httpSrv := newTestBackend(t, Options{})
	conn := dialSync(t, httpSrv)

	send(t, conn, &protocol.ClientMessage{
		Type:      protocol.MessageRequest,
		RequestID: "r1",
		Kind:      protocol.CallQuery,
		Function:  "counter:get",
	})

	resp := recv(t, conn)
	assert.Equal(t, protocol.MessageResponse, resp.Type)
	assert.Equal(t, "r1", resp.RequestID)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, "0", string(resp.Value))
}

func TestServer_MutationUpdatesStore(t *testing.T) {
	srv, httpSrv := newTestBackend(t, Options{})
	conn := dialSync(t, httpSrv)

	send(t, conn, &protocol.ClientMessage{
		Type:      protocol.MessageRequest,
		RequestID: "r1",
		Kind:      protocol.CallMutation,
		Function:  "counter:add",
		Args:      map[string]any{"delta": 5},
	})

	resp := recv(t, conn)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, "5", string(resp.Value))

	v, ok := srv.Store().Get("counter")
	require.True(t, ok)
	assert.Equal(t, 5.0, v)
}

func TestServer_UnknownFunction(t *testing.T) {
	_, httpSrv := newTestBackend(t, Options{})
	conn := dialSync(t, httpSrv)

	send(t, conn, &protocol.ClientMessage{
		Type:      protocol.MessageRequest,
		RequestID: "r1",
		Kind:      protocol.CallQuery,
		Function:  "nope:missing",
	})

	resp := recv(t, conn)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "unknown query")
}

func TestServer_ActionErrorCarriesData(t *testing.T) {
	_, httpSrv := newTestBackend(t, Options{})
	conn := dialSync(t, httpSrv)

	send(t, conn, &protocol.ClientMessage{
		Type:      protocol.MessageRequest,
		RequestID: "r1",
		Kind:      protocol.CallAction,
		Function:  "mail:send",
	})

	resp := recv(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "missing recipient", resp.Error.Message)
	assert.JSONEq(t, `{"field":"to"}`, string(resp.Error.Data))
}

func TestServer_SubscribePushesOnMutation(t *testing.T) {
	_, httpSrv := newTestBackend(t, Options{})
	conn := dialSync(t, httpSrv)

	send(t, conn, &protocol.ClientMessage{
		Type:           protocol.MessageSubscribe,
		SubscriptionID: "s1",
		Function:       "counter:get",
	})

	initial := recv(t, conn)
	assert.Equal(t, protocol.MessageUpdate, initial.Type)
	assert.Equal(t, "s1", initial.SubscriptionID)
	assert.JSONEq(t, "0", string(initial.Value))

	// A second connection mutates; the subscriber must be pushed the change
	other := dialSync(t, httpSrv)
	send(t, other, &protocol.ClientMessage{
		Type:      protocol.MessageRequest,
		RequestID: "r1",
		Kind:      protocol.CallMutation,
		Function:  "counter:add",
		Args:      map[string]any{"delta": 3},
	})
	require.Nil(t, recv(t, other).Error)

	update := recv(t, conn)
	assert.Equal(t, protocol.MessageUpdate, update.Type)
	assert.Equal(t, "s1", update.SubscriptionID)
	assert.JSONEq(t, "3", string(update.Value))
}

func TestServer_UnchangedValueNotRepushed(t *testing.T) {
	srv, httpSrv := newTestBackend(t, Options{})
	conn := dialSync(t, httpSrv)

	send(t, conn, &protocol.ClientMessage{
		Type:           protocol.MessageSubscribe,
		SubscriptionID: "s1",
		Function:       "counter:get",
	})
	recv(t, conn)

	// Invalidation without a change must not push
	srv.Invalidate()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "expected read timeout, got a frame")
}

func TestServer_Authenticate(t *testing.T) {
	secret := "test-secret"
	_, httpSrv := newTestBackend(t, Options{JWTSecret: secret})
	conn := dialSync(t, httpSrv)

	token := signedToken(t, secret, time.Now().Add(time.Hour))
	send(t, conn, &protocol.ClientMessage{
		Type:  protocol.MessageAuthenticate,
		Token: &token,
	})
	assert.Equal(t, protocol.MessageAuthOK, recv(t, conn).Type)

	// Wrong secret is rejected
	bad := signedToken(t, "other-secret", time.Now().Add(time.Hour))
	send(t, conn, &protocol.ClientMessage{
		Type:  protocol.MessageAuthenticate,
		Token: &bad,
	})
	resp := recv(t, conn)
	assert.Equal(t, protocol.MessageAuthError, resp.Type)
	require.NotNil(t, resp.Error)

	// Clearing auth always succeeds
	send(t, conn, &protocol.ClientMessage{Type: protocol.MessageAuthenticate})
	assert.Equal(t, protocol.MessageAuthOK, recv(t, conn).Type)
}

func TestServer_SessionCount(t *testing.T) {
	srv, httpSrv := newTestBackend(t, Options{})

	conn := dialSync(t, httpSrv)
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return srv.SessionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func signedToken(t *testing.T, secret string, expiry time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(expiry),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}
