package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fluxbase-io/fluxbase-go/internal/metrics"
	"github.com/fluxbase-io/fluxbase-go/internal/protocol"
	"github.com/fluxbase-io/fluxbase-go/internal/transport"
)

// ConnectionState describes the client's view of the sync link.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateDisconnected ConnectionState = "disconnected"
)

func stateFromTransport(s transport.State) ConnectionState {
	switch s {
	case transport.StateConnecting:
		return StateConnecting
	case transport.StateConnected:
		return StateConnected
	case transport.StateReconnecting:
		return StateReconnecting
	default:
		return StateDisconnected
	}
}

// Client is a typed handle on a Fluxbase deployment. It owns one WebSocket
// link and multiplexes every call and subscription over it, surviving
// reconnects transparently.
type Client struct {
	opts *options
	log  zerolog.Logger

	transport *transport.Transport
	calls     *callTable
	subs      *subRegistry
	auth      *authManager

	states    *feed[ConnectionState]
	lifecycle *feed[LifecycleEvent]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New connects a client to the deployment at deploymentURL. The URL may be
// http(s) or ws(s); a bare host gets the default /sync path. The returned
// client starts connecting immediately.
func New(deploymentURL string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	u, err := url.Parse(deploymentURL)
	if err != nil {
		return nil, fmt.Errorf("invalid deployment URL: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/sync"
	}

	log := o.logger.With().Str("component", "client").Logger()

	tr, err := transport.New(transport.Options{
		URL:              u.String(),
		ClientID:         o.clientID,
		HandshakeTimeout: o.handshakeTimeout,
		SendBufferSize:   o.sendBufferSize,
		Backoff:          o.backoff,
		Logger:           o.logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:      o,
		log:       log,
		transport: tr,
		calls:     newCallTable(),
		subs:      newSubRegistry(),
		states:    newFeed(StateDisconnected, true),
		lifecycle: newFeed(LifecycleEvent(""), false),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.auth = newAuthManager(*o, c.sendAuthFrame, log)

	c.wg.Add(2)
	go c.watchStates()
	go c.routeIncoming()

	tr.Start(c.ctx)
	return c, nil
}

// Query invokes a read-only backend function and returns its result.
func (c *Client) Query(ctx context.Context, function string, args map[string]any) (json.RawMessage, error) {
	return c.call(ctx, protocol.CallQuery, function, args)
}

// Mutation invokes a state-changing backend function and returns its
// result.
func (c *Client) Mutation(ctx context.Context, function string, args map[string]any) (json.RawMessage, error) {
	return c.call(ctx, protocol.CallMutation, function, args)
}

// Action invokes a side-effecting backend function. Actions are never
// retried by the client; an action interrupted by a disconnect fails with
// ErrConnectionLost even though the server may have run it.
func (c *Client) Action(ctx context.Context, function string, args map[string]any) (json.RawMessage, error) {
	return c.call(ctx, protocol.CallAction, function, args)
}

func (c *Client) call(ctx context.Context, kind protocol.CallKind, function string, args map[string]any) (json.RawMessage, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}

	start := time.Now()
	call := newPendingCall(uuid.New().String(), kind, function, args)
	c.calls.register(call)

	if err := c.calls.trySend(call, c.sendCall); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		c.calls.remove(call.id)
		metrics.RecordCall(string(kind), "error", time.Since(start).Seconds())
		return nil, mapTransportErr(err)
	}

	timeout := time.NewTimer(c.opts.operationTimeout)
	defer timeout.Stop()

	select {
	case res := <-call.done:
		if res.err != nil {
			metrics.RecordCall(string(kind), "error", time.Since(start).Seconds())
			return nil, res.err
		}
		metrics.RecordCall(string(kind), "ok", time.Since(start).Seconds())
		return res.value, nil

	case <-timeout.C:
		c.calls.remove(call.id)
		metrics.RecordCall(string(kind), "timeout", time.Since(start).Seconds())
		return nil, ErrTimeout

	case <-ctx.Done():
		c.calls.remove(call.id)
		metrics.RecordCall(string(kind), "canceled", time.Since(start).Seconds())
		return nil, ctx.Err()

	case <-c.ctx.Done():
		c.calls.remove(call.id)
		return nil, ErrClosed
	}
}

// mapTransportErr translates transport sentinels into this package's error
// surface; anything else passes through unchanged.
func mapTransportErr(err error) error {
	switch {
	case errors.Is(err, transport.ErrClosed):
		return ErrClosed
	case errors.Is(err, transport.ErrNotConnected):
		return ErrConnectionLost
	}
	return err
}

func (c *Client) sendCall(call *pendingCall) error {
	payload, err := call.frame().Encode()
	if err != nil {
		return err
	}
	return c.transport.Send(payload)
}

// Subscribe opens a live query on function with args. onUpdate fires with
// the initial result and again after every change; onError (optional)
// receives server-side subscription failures. Subscribing twice to the same
// function and args shares one server-side channel, and the second watcher
// is replayed the latest value immediately.
//
// Callbacks run on the client's receive loop and must not block; hand
// values to a channel for heavy processing.
func (c *Client) Subscribe(function string, args map[string]any, onUpdate UpdateFunc, onError ErrorFunc) (*Subscription, error) {
	if onUpdate == nil {
		return nil, errors.New("fluxbase: onUpdate must not be nil")
	}
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}

	entry, watcherID, created, err := c.subs.attach(function, args, onUpdate, onError)
	if err != nil {
		return nil, err
	}

	if created {
		// Best effort: a down link is fine, resubscription covers it
		if payload, err := entry.frame().Encode(); err == nil {
			_ = c.transport.Send(payload)
		}
	}

	return &Subscription{client: c, entry: entry, watcherID: watcherID}, nil
}

func (c *Client) cancelSubscription(entry *subEntry, watcherID int) {
	if !c.subs.detach(entry, watcherID) {
		return
	}

	bye := &protocol.ClientMessage{
		Type:           protocol.MessageUnsubscribe,
		SubscriptionID: entry.id,
	}
	if payload, err := bye.Encode(); err == nil {
		_ = c.transport.Send(payload)
	}
}

// SetAuth installs a static access token for the session. It replaces any
// previous token or refresh loop.
func (c *Client) SetAuth(token string) {
	c.auth.setToken(token)
}

// SetAuthWithRefresh installs a token fetcher and keeps the session's
// token fresh, refetching ahead of each expiry. onChange (optional)
// observes authenticated transitions for the lifetime of the handle.
// Dispose the returned handle to stop refreshing and clear credentials.
func (c *Client) SetAuthWithRefresh(fetcher TokenFetcher, onChange func(bool)) *AuthHandle {
	return c.auth.setFetcher(fetcher, onChange)
}

// ClearAuth drops the session's credentials.
func (c *Client) ClearAuth() {
	c.auth.clear()
}

// IsAuthenticated reports whether the server has accepted the current
// credentials.
func (c *Client) IsAuthenticated() bool {
	return c.auth.isAuthenticated()
}

// AuthStates returns a channel of authentication transitions. Each
// transition is delivered exactly once; consecutive identical states
// collapse.
func (c *Client) AuthStates() (<-chan bool, func()) {
	return c.auth.subscribe()
}

// ConnectionStates returns a channel of connection-state transitions.
func (c *Client) ConnectionStates() (<-chan ConnectionState, func()) {
	return c.states.subscribe()
}

// CurrentConnectionState returns the client's current view of the link.
func (c *Client) CurrentConnectionState() ConnectionState {
	return c.states.get()
}

// IsConnected reports whether the sync link is live.
func (c *Client) IsConnected() bool {
	return c.states.get() == StateConnected
}

// NotifyLifecycle forwards a host application state change. Pausing drops
// the link and suspends reconnection; resuming re-enables it.
func (c *Client) NotifyLifecycle(event LifecycleEvent) error {
	if !event.valid() {
		return fmt.Errorf("fluxbase: unknown lifecycle event %q", event)
	}

	switch event {
	case LifecyclePaused:
		c.transport.Pause()
	case LifecycleResumed:
		c.transport.Resume()
	}

	c.lifecycle.publish(event)
	return nil
}

// LifecycleEvents returns a channel of lifecycle events, in the order they
// were reported.
func (c *Client) LifecycleEvents() (<-chan LifecycleEvent, func()) {
	return c.lifecycle.subscribe()
}

// Reconnect drops the current session and redials immediately.
func (c *Client) Reconnect() {
	c.transport.Kick()
}

// Close shuts the client down. Pending calls fail with ErrClosed; all
// observer channels close.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.auth.close()
		c.cancel()
		c.transport.Close()
		c.wg.Wait()
		c.calls.failAll(ErrClosed)
		c.states.close()
		c.lifecycle.close()
	})
}

// sendAuthFrame pushes the current token to the server. An empty token
// clears the server-side identity.
func (c *Client) sendAuthFrame(token string) {
	msg := &protocol.ClientMessage{Type: protocol.MessageAuthenticate}
	if token != "" {
		msg.Token = &token
	}
	payload, err := msg.Encode()
	if err != nil {
		return
	}
	if err := c.transport.Send(payload); err != nil {
		// Replayed by onConnected once the link is back
		c.log.Debug().Err(err).Msg("auth frame deferred")
	}
}

// watchStates mirrors transport states to the public feed and drives
// reconnection recovery.
func (c *Client) watchStates() {
	defer c.wg.Done()

	ch, cancel := c.transport.SubscribeStates()
	defer cancel()

	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return
			}
			c.states.publish(stateFromTransport(s))

			switch s {
			case transport.StateConnected:
				c.onConnected()
			case transport.StateReconnecting, transport.StateDisconnected:
				c.calls.failInFlight(ErrConnectionLost)
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// onConnected restores session state on a fresh link: credentials first,
// then subscriptions, then queued calls, then the optional health check.
func (c *Client) onConnected() {
	if token, ok := c.auth.currentToken(); ok {
		c.sendAuthFrame(token)
	}

	for _, entry := range c.subs.entries() {
		payload, err := entry.frame().Encode()
		if err != nil {
			continue
		}
		if err := c.transport.Send(payload); err != nil {
			return
		}
	}

	c.calls.flushUnsent(c.sendCall)

	if q := c.opts.healthCheckQuery; q != "" {
		go func() {
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.operationTimeout)
			defer cancel()
			if _, err := c.Query(ctx, q, nil); err != nil && !errors.Is(err, ErrClosed) {
				c.log.Warn().Err(err).Str("function", q).Msg("health check failed")
			}
		}()
	}
}

// routeIncoming dispatches server frames to the call table, the
// subscription registry and the auth manager.
func (c *Client) routeIncoming() {
	defer c.wg.Done()

	for payload := range c.transport.Incoming() {
		msg, err := protocol.DecodeServerMessage(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch msg.Type {
		case protocol.MessageResponse:
			res := callResult{value: msg.Value}
			if msg.Error != nil {
				res = callResult{err: &ServerError{Message: msg.Error.Message, Data: msg.Error.Data}}
			}
			if !c.calls.resolve(msg.RequestID, res) {
				c.log.Debug().Str("request_id", msg.RequestID).Msg("late response discarded")
			}

		case protocol.MessageUpdate:
			n := c.subs.deliver(msg.SubscriptionID, msg.Value)
			for i := 0; i < n; i++ {
				metrics.RecordUpdateDelivered()
			}

		case protocol.MessageSubscriptionError:
			errMsg := "subscription failed"
			var data json.RawMessage
			if msg.Error != nil {
				errMsg = msg.Error.Message
				data = msg.Error.Data
			}
			c.subs.deliverError(msg.SubscriptionID, &ServerError{Message: errMsg, Data: data})

		case protocol.MessageAuthOK:
			// An ack for a credential clear confirms we are signed out
			_, hasToken := c.auth.currentToken()
			c.auth.handleResult(hasToken)

		case protocol.MessageAuthError:
			reason := "invalid token"
			if msg.Error != nil {
				reason = msg.Error.Message
			}
			c.log.Warn().Str("reason", reason).Msg("authentication rejected")
			c.auth.handleResult(false)

		case protocol.MessageConnected:
			// Handshake acks are consumed during dial; a stray one is harmless

		default:
			c.log.Warn().Str("type", string(msg.Type)).Msg("unknown frame type")
		}
	}
}
