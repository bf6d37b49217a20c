package transport

import "sync"

// State is the coarse connection state of the transport.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

const stateBufferSize = 16

// StateFeed publishes connection-state transitions to any number of
// observers. Consecutive duplicate states are suppressed, so each observer
// sees every transition exactly once.
type StateFeed struct {
	mu      sync.Mutex
	current State
	subs    map[int]chan State
	nextID  int
	closed  bool
}

// NewStateFeed creates a feed holding the given initial state.
func NewStateFeed(initial State) *StateFeed {
	return &StateFeed{
		current: initial,
		subs:    make(map[int]chan State),
	}
}

// Current returns the most recently published state.
func (f *StateFeed) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Subscribe registers an observer. The returned channel receives each
// transition after the call; the cancel func detaches the observer.
func (f *StateFeed) Subscribe() (<-chan State, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan State, stateBufferSize)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Set publishes a new state. A state equal to the current one is dropped.
func (f *StateFeed) Set(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || s == f.current {
		return
	}
	f.current = s

	for _, sub := range f.subs {
		select {
		case sub <- s:
		default:
			// Observer buffer full, drop oldest transition
			select {
			case <-sub:
			default:
			}
			sub <- s
		}
	}
}

// Close detaches all observers and closes their channels.
func (f *StateFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub)
	}
}
