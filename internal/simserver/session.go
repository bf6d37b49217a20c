package simserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fluxbase-io/fluxbase-go/internal/logger"
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

	// Send buffer size
	sendBufferSize = 256
)

// serverSub is one live subscription held by a session.
type serverSub struct {
	id       string
	function string
	args     map[string]any
	lastJSON []byte
}

// Session represents one client connection to the simulator.
type Session struct {
	ID     string
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	authed   bool
	identity string

	// subs is touched by this session's read goroutine and by mutation
	// re-evaluation from other sessions
	subMu sync.Mutex
	subs  map[string]*serverSub

	sendMu     sync.Mutex
	sendClosed bool
}

// NewSession creates a session for an upgraded connection.
func NewSession(server *Server, conn *websocket.Conn) *Session {
	return &Session{
		ID:     uuid.New().String()[:8],
		server: server,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		subs:   make(map[string]*serverSub),
	}
}

// ReadPump pumps messages from the connection into the protocol handler.
// All session state is owned by this goroutine.
func (s *Session) ReadPump() {
	defer func() {
		s.server.unregister(s)
		_ = s.conn.Close()
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
				logger.Error().Err(err).Str("session_id", s.ID).Msg("read error")
			}
			break
		}

		s.handleMessage(message)
	}
}

// WritePump pumps queued frames to the connection with a ping keepalive.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Server closed the session
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) reply(msg *protocol.ServerMessage) {
	payload, err := msg.Encode()
	if err != nil {
		logger.Error().Err(err).Str("session_id", s.ID).Msg("failed to encode reply")
		return
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return
	}
	select {
	case s.send <- payload:
	default:
		logger.Warn().Str("session_id", s.ID).Msg("send buffer full, dropping frame")
	}
}

// closeSend shuts the outbound channel exactly once.
func (s *Session) closeSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		close(s.send)
	}
}

func (s *Session) handleMessage(message []byte) {
	msg, err := protocol.DecodeClientMessage(message)
	if err != nil {
		logger.Warn().Err(err).Str("session_id", s.ID).Msg("malformed frame")
		return
	}
	metrics.RecordSimMessage(string(msg.Type))

	switch msg.Type {
	case protocol.MessageConnect:
		s.reply(&protocol.ServerMessage{
			Type:      protocol.MessageConnected,
			SessionID: msg.SessionID,
		})

	case protocol.MessageAuthenticate:
		s.handleAuthenticate(msg.Token)

	case protocol.MessageRequest:
		s.handleRequest(msg)

	case protocol.MessageSubscribe:
		s.handleSubscribe(msg)

	case protocol.MessageUnsubscribe:
		s.subMu.Lock()
		delete(s.subs, msg.SubscriptionID)
		s.subMu.Unlock()

	default:
		logger.Warn().Str("session_id", s.ID).Str("type", string(msg.Type)).Msg("unsupported frame type")
	}
}

func (s *Session) handleAuthenticate(token *string) {
	if token == nil {
		s.authed = false
		s.identity = ""
		s.reply(&protocol.ServerMessage{Type: protocol.MessageAuthOK})
		return
	}

	identity, err := s.server.validateToken(*token)
	if err != nil {
		s.authed = false
		s.identity = ""
		s.reply(&protocol.ServerMessage{
			Type:  protocol.MessageAuthError,
			Error: &protocol.ErrorPayload{Message: err.Error()},
		})
		return
	}

	s.authed = true
	s.identity = identity
	s.reply(&protocol.ServerMessage{Type: protocol.MessageAuthOK})
}

func (s *Session) handleRequest(msg *protocol.ClientMessage) {
	value, err := s.server.invoke(context.Background(), msg.Kind, msg.Function, msg.Args)
	if err != nil {
		s.reply(&protocol.ServerMessage{
			Type:      protocol.MessageResponse,
			RequestID: msg.RequestID,
			Error:     errorPayload(err),
		})
		return
	}

	raw, err := json.Marshal(value)
	if err != nil {
		s.reply(&protocol.ServerMessage{
			Type:      protocol.MessageResponse,
			RequestID: msg.RequestID,
			Error:     &protocol.ErrorPayload{Message: "unserializable result"},
		})
		return
	}

	s.reply(&protocol.ServerMessage{
		Type:      protocol.MessageResponse,
		RequestID: msg.RequestID,
		Value:     raw,
	})

	// Writes may have changed what live queries see
	if msg.Kind == protocol.CallMutation {
		s.server.reevaluateAll()
	}
}

func (s *Session) handleSubscribe(msg *protocol.ClientMessage) {
	sub := &serverSub{
		id:       msg.SubscriptionID,
		function: msg.Function,
		args:     msg.Args,
	}

	value, err := s.server.evaluateQuery(sub.function, sub.args)
	if err != nil {
		s.reply(&protocol.ServerMessage{
			Type:           protocol.MessageSubscriptionError,
			SubscriptionID: sub.id,
			Error:          errorPayload(err),
		})
		return
	}

	sub.lastJSON = value
	s.subMu.Lock()
	s.subs[sub.id] = sub
	s.subMu.Unlock()

	s.reply(&protocol.ServerMessage{
		Type:           protocol.MessageUpdate,
		SubscriptionID: sub.id,
		Value:          value,
	})
}

// reevaluate re-runs every live subscription and pushes the ones whose
// value changed. Called from the server after any mutation.
func (s *Session) reevaluate() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, sub := range s.subs {
		value, err := s.server.evaluateQuery(sub.function, sub.args)
		if err != nil {
			s.reply(&protocol.ServerMessage{
				Type:           protocol.MessageSubscriptionError,
				SubscriptionID: sub.id,
				Error:          errorPayload(err),
			})
			continue
		}
		if string(value) == string(sub.lastJSON) {
			continue
		}
		sub.lastJSON = value
		s.reply(&protocol.ServerMessage{
			Type:           protocol.MessageUpdate,
			SubscriptionID: sub.id,
			Value:          value,
		})
	}
}

func errorPayload(err error) *protocol.ErrorPayload {
	var callErr *CallError
	if errors.As(err, &callErr) {
		payload := &protocol.ErrorPayload{Message: callErr.Message}
		if callErr.Data != nil {
			if raw, marshalErr := json.Marshal(callErr.Data); marshalErr == nil {
				payload.Data = raw
			}
		}
		return payload
	}
	return &protocol.ErrorPayload{Message: err.Error()}
}

// validateToken checks an HS256 bearer token against the configured secret.
// An empty secret accepts any non-empty token, which keeps local
// development setups friction-free.
func (srv *Server) validateToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty token")
	}
	if srv.jwtSecret == "" {
		return "anonymous", nil
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(srv.jwtSecret), nil
	})
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}
