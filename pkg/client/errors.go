package client

import (
	"encoding/json"
	"errors"
)

var (
	// ErrConnectionLost is returned for calls that were in flight when the
	// link dropped.
	ErrConnectionLost = errors.New("fluxbase: connection lost")

	// ErrTimeout is returned when a call exceeds the operation timeout.
	ErrTimeout = errors.New("fluxbase: operation timed out")

	// ErrClosed is returned for any operation after Close.
	ErrClosed = errors.New("fluxbase: client closed")
)

// ServerError is a rejection from a backend function, carrying the message
// and optional structured payload the function threw.
type ServerError struct {
	Message string
	Data    json.RawMessage
}

func (e *ServerError) Error() string {
	return "fluxbase: server rejected call: " + e.Message
}

// AuthError reports that the server refused the current credentials.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "fluxbase: authentication failed: " + e.Message
}
