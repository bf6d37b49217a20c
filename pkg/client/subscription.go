package client

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/fluxbase-io/fluxbase-go/internal/metrics"
	"github.com/fluxbase-io/fluxbase-go/internal/protocol"
)

// UpdateFunc receives each new value of a live query.
type UpdateFunc func(value json.RawMessage)

// ErrorFunc receives per-subscription errors from the server.
type ErrorFunc func(err error)

type watcher struct {
	onUpdate UpdateFunc
	onError  ErrorFunc
}

// subEntry is one distinct (function, args) channel to the server, shared
// by every watcher subscribed to that pair.
type subEntry struct {
	id       string // server-side subscription id
	key      string
	function string
	args     map[string]any

	// mu guards the watcher set and the last value. It is never held while
	// a callback runs, so callbacks may cancel or subscribe freely.
	mu       sync.Mutex
	watchers map[int]*watcher
	nextID   int
	last     json.RawMessage
	hasValue bool
}

func (e *subEntry) frame() *protocol.ClientMessage {
	return &protocol.ClientMessage{
		Type:           protocol.MessageSubscribe,
		SubscriptionID: e.id,
		Function:       e.function,
		Args:           e.args,
	}
}

// dispatchUpdate stores the value and delivers it to every watcher in
// arrival order. The watcher set is snapshotted first, so a callback that
// cancels its subscription detaches without blocking the dispatch. Returns
// the number of deliveries.
func (e *subEntry) dispatchUpdate(value json.RawMessage) int {
	e.mu.Lock()
	e.last = value
	e.hasValue = true
	targets := make([]*watcher, 0, len(e.watchers))
	for _, w := range e.watchers {
		targets = append(targets, w)
	}
	e.mu.Unlock()

	for _, w := range targets {
		w.onUpdate(value)
	}
	return len(targets)
}

func (e *subEntry) dispatchError(err error) {
	e.mu.Lock()
	targets := make([]*watcher, 0, len(e.watchers))
	for _, w := range e.watchers {
		targets = append(targets, w)
	}
	e.mu.Unlock()

	for _, w := range targets {
		if w.onError != nil {
			w.onError(err)
		}
	}
}

// Subscription is a watcher's handle on a live query. Cancel stops future
// deliveries to this watcher; the server-side channel closes only when the
// last watcher for the same (function, args) pair cancels.
type Subscription struct {
	client    *Client
	entry     *subEntry
	watcherID int
	once      sync.Once
}

// Cancel detaches this watcher. Updates already dispatched are not undone.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.client.cancelSubscription(s.entry, s.watcherID)
	})
}

// subRegistry dedupes subscriptions: at most one entry per distinct
// (function, canonical args) pair.
type subRegistry struct {
	mu   sync.Mutex
	byKey map[string]*subEntry
	byID  map[string]*subEntry
}

func newSubRegistry() *subRegistry {
	return &subRegistry{
		byKey: make(map[string]*subEntry),
		byID:  make(map[string]*subEntry),
	}
}

func subscriptionKey(function string, args map[string]any) (string, error) {
	canonical, err := protocol.CanonicalArgs(args)
	if err != nil {
		return "", err
	}
	return function + "|" + canonical, nil
}

// attach joins a watcher to the entry for (function, args), creating the
// entry if none exists. A watcher joining an existing entry is replayed
// the last delivered value; the replay runs outside the entry lock, so
// the callback may cancel immediately.
func (r *subRegistry) attach(function string, args map[string]any, onUpdate UpdateFunc, onError ErrorFunc) (*subEntry, int, bool, error) {
	key, err := subscriptionKey(function, args)
	if err != nil {
		return nil, 0, false, err
	}

	r.mu.Lock()
	entry, ok := r.byKey[key]
	if !ok {
		entry = &subEntry{
			id:       uuid.New().String(),
			key:      key,
			function: function,
			args:     args,
			watchers: make(map[int]*watcher),
		}
		r.byKey[key] = entry
		r.byID[entry.id] = entry
	}
	metrics.SetActiveSubscriptions(float64(len(r.byKey)))
	r.mu.Unlock()

	entry.mu.Lock()
	id := entry.nextID
	entry.nextID++
	entry.watchers[id] = &watcher{onUpdate: onUpdate, onError: onError}
	replay := entry.last
	doReplay := ok && entry.hasValue
	entry.mu.Unlock()

	if doReplay {
		onUpdate(replay)
	}

	return entry, id, !ok, nil
}

// detach removes a watcher and reports whether the entry became empty and
// was dropped from the registry.
func (r *subRegistry) detach(entry *subEntry, watcherID int) bool {
	entry.mu.Lock()
	delete(entry.watchers, watcherID)
	empty := len(entry.watchers) == 0
	entry.mu.Unlock()

	if !empty {
		return false
	}

	r.mu.Lock()
	// Re-check under the registry lock; a concurrent attach may have
	// joined the entry again
	entry.mu.Lock()
	if len(entry.watchers) > 0 {
		entry.mu.Unlock()
		r.mu.Unlock()
		return false
	}
	entry.mu.Unlock()
	delete(r.byKey, entry.key)
	delete(r.byID, entry.id)
	metrics.SetActiveSubscriptions(float64(len(r.byKey)))
	r.mu.Unlock()
	return true
}

// deliver routes a server update to the entry's watchers. Returns the
// number of callbacks invoked.
func (r *subRegistry) deliver(subscriptionID string, value json.RawMessage) int {
	r.mu.Lock()
	entry, ok := r.byID[subscriptionID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return entry.dispatchUpdate(value)
}

// deliverError routes a server-side subscription failure.
func (r *subRegistry) deliverError(subscriptionID string, err error) {
	r.mu.Lock()
	entry, ok := r.byID[subscriptionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.dispatchError(err)
}

// entries snapshots all live entries, for resubscription after reconnect.
func (r *subRegistry) entries() []*subEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*subEntry, 0, len(r.byKey))
	for _, entry := range r.byKey {
		out = append(out, entry)
	}
	return out
}

func (r *subRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}
