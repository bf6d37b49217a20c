package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a sync protocol envelope.
type MessageType string

const (
	// Client to server
	MessageConnect      MessageType = "connect"
	MessageAuthenticate MessageType = "authenticate"
	MessageRequest      MessageType = "request"
	MessageSubscribe    MessageType = "subscribe"
	MessageUnsubscribe  MessageType = "unsubscribe"

	// Server to client
	MessageConnected         MessageType = "connected"
	MessageResponse          MessageType = "response"
	MessageUpdate            MessageType = "update"
	MessageSubscriptionError MessageType = "subscription_error"
	MessageAuthOK            MessageType = "auth_ok"
	MessageAuthError         MessageType = "auth_error"
)

// CallKind is the kind of remote function being invoked.
type CallKind string

const (
	CallQuery    CallKind = "query"
	CallMutation CallKind = "mutation"
	CallAction   CallKind = "action"
)

// ErrorPayload carries a server-side failure for a request or subscription.
type ErrorPayload struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is the envelope for all client-to-server frames.
type ClientMessage struct {
	Type MessageType `json:"type"`

	// connect
	ClientID  string `json:"client_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// authenticate; nil token clears the auth session
	Token *string `json:"token,omitempty"`

	// request
	RequestID string   `json:"request_id,omitempty"`
	Kind      CallKind `json:"kind,omitempty"`

	// request and subscribe
	Function string         `json:"function,omitempty"`
	Args     map[string]any `json:"args,omitempty"`

	// subscribe and unsubscribe
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// ServerMessage is the envelope for all server-to-client frames.
type ServerMessage struct {
	Type MessageType `json:"type"`

	// connected
	SessionID string `json:"session_id,omitempty"`

	// response
	RequestID string `json:"request_id,omitempty"`

	// update and subscription_error
	SubscriptionID string `json:"subscription_id,omitempty"`

	// response and update
	Value json.RawMessage `json:"value,omitempty"`

	// response, subscription_error and auth_error
	Error *ErrorPayload `json:"error,omitempty"`
}

// Encode serializes a client message for the wire.
func (m *ClientMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Encode serializes a server message for the wire.
func (m *ServerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeClientMessage parses a client-to-server frame.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode client message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("client message missing type")
	}
	return &msg, nil
}

// DecodeServerMessage parses a server-to-client frame.
func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("server message missing type")
	}
	return &msg, nil
}

// ValidKind reports whether k is a known call kind.
func ValidKind(k CallKind) bool {
	switch k {
	case CallQuery, CallMutation, CallAction:
		return true
	}
	return false
}

// CanonicalArgs returns the deterministic JSON form of an argument map.
// encoding/json sorts map keys, so equal maps always produce equal bytes.
func CanonicalArgs(args map[string]any) (string, error) {
	if len(args) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("canonicalize args: %w", err)
	}
	return string(data), nil
}
