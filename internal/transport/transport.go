package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fluxbase-io/fluxbase-go/internal/metrics"
	"github.com/fluxbase-io/fluxbase-go/internal/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1 << 20

	// Buffer for frames handed to the router before it consumes them
	incomingBufferSize = 256

	defaultHandshakeTimeout = 10 * time.Second
	defaultSendBufferSize   = 256
)

var (
	// ErrNotConnected is returned by Send when no session is live.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: closed")
)

// Options configures a Transport.
type Options struct {
	URL              string // ws:// or wss:// sync endpoint
	ClientID         string
	HandshakeTimeout time.Duration
	SendBufferSize   int
	Backoff          *BackoffPolicy
	Logger           zerolog.Logger
}

// session is one established connection. A new session is created on every
// successful dial; done is closed when its read pump exits.
type session struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Transport maintains one persistent WebSocket link to a deployment,
// redialing with backoff whenever it drops. All calls and subscriptions of
// a client share it.
type Transport struct {
	opts      Options
	sessionID string

	mu      sync.RWMutex
	session *session

	incoming chan []byte
	states   *StateFeed

	paused atomic.Bool
	wake   chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	runDone chan struct{}
	started atomic.Bool

	closeOnce sync.Once

	log zerolog.Logger
}

// New creates a Transport. ParseURL validation happens here; the link is
// not dialed until Start.
func New(opts Options) (*Transport, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid deployment URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	opts.URL = u.String()

	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = defaultSendBufferSize
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoffPolicy()
	}

	return &Transport{
		opts:      opts,
		sessionID: uuid.New().String(),
		incoming:  make(chan []byte, incomingBufferSize),
		states:    NewStateFeed(StateDisconnected),
		wake:      make(chan struct{}, 1),
		runDone:   make(chan struct{}),
		log:       opts.Logger.With().Str("component", "transport").Logger(),
	}, nil
}

// Start launches the connect loop. It returns immediately.
func (t *Transport) Start(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	go t.run()
}

// Incoming returns the channel of raw frames read from the server. It is
// closed when the transport shuts down.
func (t *Transport) Incoming() <-chan []byte {
	return t.incoming
}

// SubscribeStates registers a connection-state observer.
func (t *Transport) SubscribeStates() (<-chan State, func()) {
	return t.states.Subscribe()
}

// CurrentState returns the current connection state.
func (t *Transport) CurrentState() State {
	return t.states.Current()
}

// IsConnected reports whether a session is currently live.
func (t *Transport) IsConnected() bool {
	return t.states.Current() == StateConnected
}

// SessionID returns the stable session identifier sent in connect frames.
func (t *Transport) SessionID() string {
	return t.sessionID
}

// Send enqueues a frame on the live session. It fails with ErrNotConnected
// when the link is down; queueing across sessions is the caller's concern.
func (t *Transport) Send(payload []byte) error {
	t.mu.RLock()
	s := t.session
	t.mu.RUnlock()

	if s == nil {
		return ErrNotConnected
	}

	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return ErrNotConnected
	case <-t.ctx.Done():
		return ErrClosed
	}
}

// Pause drops the link and suspends redialing until Resume.
func (t *Transport) Pause() {
	t.paused.Store(true)
	t.closeCurrentSession()
}

// Resume re-enables the connect loop after Pause.
func (t *Transport) Resume() {
	t.paused.Store(false)
	t.wakeUp()
}

// Kick drops the current session so the connect loop redials immediately.
func (t *Transport) Kick() {
	t.closeCurrentSession()
	t.wakeUp()
}

// Close shuts the transport down and closes the incoming channel. The final
// published state is disconnected.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		if !t.started.Load() {
			t.states.Set(StateDisconnected)
			t.states.Close()
			close(t.incoming)
			return
		}
		t.cancel()
		t.closeCurrentSession()
		<-t.runDone
		t.states.Close()
	})
}

func (t *Transport) wakeUp() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) closeCurrentSession() {
	t.mu.RLock()
	s := t.session
	t.mu.RUnlock()
	if s != nil {
		_ = s.conn.Close()
	}
}

func (t *Transport) run() {
	defer func() {
		t.states.Set(StateDisconnected)
		close(t.incoming)
		close(t.runDone)
	}()

	first := true
	attempt := 0

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		if t.paused.Load() {
			t.states.Set(StateDisconnected)
			select {
			case <-t.ctx.Done():
				return
			case <-t.wake:
			}
			continue
		}

		if first {
			t.states.Set(StateConnecting)
		} else {
			t.states.Set(StateReconnecting)
			metrics.RecordReconnect()
		}
		first = false

		s, err := t.dial()
		if err != nil {
			delay := t.opts.Backoff.Delay(attempt)
			attempt++
			t.log.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("retry_in", delay).
				Msg("connect failed")

			select {
			case <-t.ctx.Done():
				return
			case <-time.After(delay):
			case <-t.wake:
			}
			continue
		}
		attempt = 0

		t.mu.Lock()
		t.session = s
		t.mu.Unlock()

		t.states.Set(StateConnected)
		metrics.SetConnected(true)
		t.log.Info().Str("session_id", t.sessionID).Msg("session established")

		var wg sync.WaitGroup
		wg.Add(2)
		go t.readPump(s, &wg)
		go t.writePump(s, &wg)
		wg.Wait()

		t.mu.Lock()
		t.session = nil
		t.mu.Unlock()
		metrics.SetConnected(false)
		t.log.Info().Msg("session ended")
	}
}

// dial establishes a connection and performs the connect handshake: the
// client sends a connect envelope and the server must answer with a
// connected ack before any traffic flows.
func (t *Transport) dial() (*session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: t.opts.HandshakeTimeout,
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.opts.HandshakeTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(ctx, t.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	hello := &protocol.ClientMessage{
		Type:      protocol.MessageConnect,
		ClientID:  t.opts.ClientID,
		SessionID: t.sessionID,
	}
	payload, err := hello.Encode()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send connect: %w", err)
	}

	if err := t.awaitConnected(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &session{
		conn: conn,
		send: make(chan []byte, t.opts.SendBufferSize),
		done: make(chan struct{}),
	}, nil
}

func (t *Transport) awaitConnected(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(t.opts.HandshakeTimeout)); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	_, payload, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await connected ack: %w", err)
	}

	msg, err := protocol.DecodeServerMessage(payload)
	if err != nil {
		return err
	}
	if msg.Type != protocol.MessageConnected {
		return fmt.Errorf("unexpected handshake message %q", msg.Type)
	}
	return nil
}

// readPump pumps frames from the connection to the incoming channel. It
// owns the session done channel: done closes exactly when reading stops.
func (t *Transport) readPump(s *session, wg *sync.WaitGroup) {
	defer func() {
		close(s.done)
		_ = s.conn.Close()
		wg.Done()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				t.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		select {
		case t.incoming <- message:
		case <-t.ctx.Done():
			return
		}
	}
}

// writePump pumps queued frames to the connection and keeps it alive with
// pings.
func (t *Transport) writePump(s *session, wg *sync.WaitGroup) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		wg.Done()
	}()

	for {
		select {
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				t.log.Warn().Err(err).Msg("write error")
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return

		case <-t.ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return
		}
	}
}
