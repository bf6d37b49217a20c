package client

import (
	"encoding/json"
	"sync"

	"github.com/fluxbase-io/fluxbase-go/internal/protocol"
)

type callResult struct {
	value json.RawMessage
	err   error
}

// pendingCall is one outstanding query, mutation or action. sent flips
// when the request frame actually reaches a live session; unsent calls are
// replayed after reconnection, sent ones fail if the link drops first.
type pendingCall struct {
	id       string
	kind     protocol.CallKind
	function string
	args     map[string]any
	sent     bool
	done     chan callResult
}

func newPendingCall(id string, kind protocol.CallKind, function string, args map[string]any) *pendingCall {
	return &pendingCall{
		id:       id,
		kind:     kind,
		function: function,
		args:     args,
		done:     make(chan callResult, 1),
	}
}

func (p *pendingCall) frame() *protocol.ClientMessage {
	return &protocol.ClientMessage{
		Type:      protocol.MessageRequest,
		RequestID: p.id,
		Kind:      p.kind,
		Function:  p.function,
		Args:      p.args,
	}
}

// callTable correlates request identifiers with their pending results.
type callTable struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
}

func newCallTable() *callTable {
	return &callTable{pending: make(map[string]*pendingCall)}
}

func (t *callTable) register(call *pendingCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[call.id] = call
}

// remove drops a call without resolving it. Used after timeout so a late
// response is discarded.
func (t *callTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

// resolve completes a call with a value or error. It reports whether the
// call was still pending.
func (t *callTable) resolve(id string, res callResult) bool {
	t.mu.Lock()
	call, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	call.done <- res
	return true
}

// trySend marks a call sent if send succeeds. The table lock serializes
// this against failInFlight and flushUnsent so a call is never sent twice.
func (t *callTable) trySend(call *pendingCall, send func(*pendingCall) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if call.sent {
		return nil
	}
	if _, ok := t.pending[call.id]; !ok {
		// Already resolved or timed out
		return nil
	}
	if err := send(call); err != nil {
		return err
	}
	call.sent = true
	return nil
}

// failInFlight fails every sent call with err, leaving queued calls for
// replay.
func (t *callTable) failInFlight(err error) {
	t.mu.Lock()
	var failed []*pendingCall
	for id, call := range t.pending {
		if call.sent {
			failed = append(failed, call)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, call := range failed {
		call.done <- callResult{err: err}
	}
}

// failAll fails every pending call, sent or queued.
func (t *callTable) failAll(err error) {
	t.mu.Lock()
	var failed []*pendingCall
	for id, call := range t.pending {
		failed = append(failed, call)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for _, call := range failed {
		call.done <- callResult{err: err}
	}
}

// flushUnsent replays queued calls onto a fresh session.
func (t *callTable) flushUnsent(send func(*pendingCall) error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, call := range t.pending {
		if call.sent {
			continue
		}
		if err := send(call); err != nil {
			// Link dropped again; the next connect retries
			return
		}
		call.sent = true
	}
}
