package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxbase-io/fluxbase-go/internal/protocol"
)

// testServer accepts sync connections, performs the connect handshake and
// hands the connection to fn.
func testServer(t *testing.T, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeClientMessage(payload)
		if err != nil || msg.Type != protocol.MessageConnect {
			conn.Close()
			return
		}

		ack, _ := (&protocol.ServerMessage{Type: protocol.MessageConnected, SessionID: msg.SessionID}).Encode()
		if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
			return
		}

		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestTransport(t *testing.T, url string) *Transport {
	t.Helper()
	tr, err := New(Options{
		URL:      url,
		ClientID: "test-client",
		Backoff: &BackoffPolicy{
			InitialBackoff: 20 * time.Millisecond,
			MaxBackoff:     100 * time.Millisecond,
			BackoffFactor:  2.0,
		},
	})
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr
}

func TestNew_URLSchemes(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"ws://localhost:8787/sync", false},
		{"wss://demo.fluxbase.dev/sync", false},
		{"http://localhost:8787/sync", false},
		{"https://demo.fluxbase.dev/sync", false},
		{"ftp://nope", true},
	}

	for _, tt := range tests {
		_, err := New(Options{URL: tt.url})
		if tt.wantErr {
			assert.Error(t, err, tt.url)
		} else {
			assert.NoError(t, err, tt.url)
		}
	}
}

func TestTransport_ConnectPublishesStates(t *testing.T) {
	srv := testServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	tr := newTestTransport(t, srv.URL)
	states, cancel := tr.SubscribeStates()
	defer cancel()

	tr.Start(context.Background())

	assert.Equal(t, StateConnecting, recvState(t, states))
	assert.Equal(t, StateConnected, recvState(t, states))
	assert.True(t, tr.IsConnected())
}

func TestTransport_ReconnectAfterDrop(t *testing.T) {
	var sessions atomic.Int32
	srv := testServer(t, func(conn *websocket.Conn) {
		n := sessions.Add(1)
		if n == 1 {
			// Drop the first session immediately
			conn.Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	tr := newTestTransport(t, srv.URL)
	states, cancel := tr.SubscribeStates()
	defer cancel()

	tr.Start(context.Background())

	// Disconnect must surface as reconnecting, then connected, in order
	assert.Equal(t, StateConnecting, recvState(t, states))
	assert.Equal(t, StateConnected, recvState(t, states))
	assert.Equal(t, StateReconnecting, recvState(t, states))
	assert.Equal(t, StateConnected, recvState(t, states))
	assert.GreaterOrEqual(t, sessions.Load(), int32(2))
}

func TestTransport_SendAndReceive(t *testing.T) {
	srv := testServer(t, func(conn *websocket.Conn) {
		// Echo every frame back
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, payload); err != nil {
				return
			}
		}
	})

	tr := newTestTransport(t, srv.URL)
	states, cancel := tr.SubscribeStates()
	defer cancel()
	tr.Start(context.Background())

	assert.Equal(t, StateConnecting, recvState(t, states))
	assert.Equal(t, StateConnected, recvState(t, states))

	require.NoError(t, tr.Send([]byte(`{"type":"request"}`)))

	select {
	case frame := <-tr.Incoming():
		assert.JSONEq(t, `{"type":"request"}`, string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestTransport_SendNotConnected(t *testing.T) {
	tr := newTestTransport(t, "ws://127.0.0.1:1/sync")

	err := tr.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTransport_PauseResume(t *testing.T) {
	srv := testServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	tr := newTestTransport(t, srv.URL)
	states, cancel := tr.SubscribeStates()
	defer cancel()
	tr.Start(context.Background())

	assert.Equal(t, StateConnecting, recvState(t, states))
	assert.Equal(t, StateConnected, recvState(t, states))

	tr.Pause()
	// Paused link settles on disconnected and stays there
	for s := recvState(t, states); s != StateDisconnected; s = recvState(t, states) {
	}
	assert.Equal(t, StateDisconnected, tr.CurrentState())

	tr.Resume()
	for s := recvState(t, states); s != StateConnected; s = recvState(t, states) {
	}
	assert.True(t, tr.IsConnected())
}

func TestTransport_Close(t *testing.T) {
	srv := testServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	tr := newTestTransport(t, srv.URL)
	states, cancel := tr.SubscribeStates()
	defer cancel()
	tr.Start(context.Background())

	assert.Equal(t, StateConnecting, recvState(t, states))
	assert.Equal(t, StateConnected, recvState(t, states))

	tr.Close()

	// Incoming drains and closes
	for range tr.Incoming() {
	}
	assert.Equal(t, StateDisconnected, tr.CurrentState())
}

func TestTransport_CloseWithoutStart(t *testing.T) {
	tr := newTestTransport(t, "ws://127.0.0.1:1/sync")
	tr.Close()

	_, open := <-tr.Incoming()
	assert.False(t, open)
	assert.Equal(t, StateDisconnected, tr.CurrentState())
}
