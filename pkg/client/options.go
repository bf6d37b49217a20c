package client

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/fluxbase-io/fluxbase-go/internal/transport"
)

// BackoffPolicy shapes the reconnect and auth-refresh retry schedule.
type BackoffPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	JitterFactor   float64
}

func (p *BackoffPolicy) toTransport() *transport.BackoffPolicy {
	return &transport.BackoffPolicy{
		InitialBackoff: p.InitialBackoff,
		MaxBackoff:     p.MaxBackoff,
		BackoffFactor:  p.BackoffFactor,
		JitterFactor:   p.JitterFactor,
	}
}

// Option configures the Fluxbase client.
type Option func(*options)

type options struct {
	clientID         string
	operationTimeout time.Duration
	handshakeTimeout time.Duration
	healthCheckQuery string
	sendBufferSize   int
	backoff          *transport.BackoffPolicy
	logger           zerolog.Logger

	authRefreshMargin   time.Duration
	authRefreshFloor    time.Duration
	authFallbackRefresh time.Duration
	authFetchTimeout    time.Duration
}

func defaultOptions() *options {
	return &options{
		clientID:         "go-client",
		operationTimeout: 30 * time.Second,
		handshakeTimeout: 10 * time.Second,
		sendBufferSize:   256,
		backoff:          transport.DefaultBackoffPolicy(),
		logger:           zerolog.Nop(),

		authRefreshMargin:   2 * time.Minute,
		authRefreshFloor:    10 * time.Second,
		authFallbackRefresh: 1 * time.Hour,
		authFetchTimeout:    15 * time.Second,
	}
}

// WithClientID sets the client identifier sent in connect frames.
func WithClientID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.clientID = id
		}
	}
}

// WithOperationTimeout sets the timeout applied to every query, mutation
// and action.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.operationTimeout = d
		}
	}
}

// WithHandshakeTimeout sets the dial and connect-ack timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithHealthCheckQuery names a query to run after every successful
// connect, verifying the deployment end to end.
func WithHealthCheckQuery(name string) Option {
	return func(o *options) {
		o.healthCheckQuery = name
	}
}

// WithBackoffPolicy overrides the reconnect backoff schedule.
func WithBackoffPolicy(p BackoffPolicy) Option {
	return func(o *options) {
		o.backoff = p.toTransport()
	}
}

// WithLogger attaches a structured logger. The default discards all output.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithAuthRefreshMargin sets how far ahead of token expiry a refresh runs.
func WithAuthRefreshMargin(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.authRefreshMargin = d
		}
	}
}

// WithAuthFallbackRefresh sets the refresh interval for tokens that carry
// no expiry claim.
func WithAuthFallbackRefresh(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.authFallbackRefresh = d
		}
	}
}
