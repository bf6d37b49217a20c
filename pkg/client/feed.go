package client

import "sync"

const feedBufferSize = 16

// feed fans values out to any number of observers. With dedupe set,
// consecutive equal values collapse so observers see each transition
// exactly once. Slow observers lose the oldest buffered value, never the
// newest.
type feed[T comparable] struct {
	mu      sync.Mutex
	dedupe  bool
	current T
	subs    map[int]chan T
	nextID  int
	closed  bool
}

func newFeed[T comparable](initial T, dedupe bool) *feed[T] {
	return &feed[T]{
		dedupe:  dedupe,
		current: initial,
		subs:    make(map[int]chan T),
	}
}

func (f *feed[T]) get() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *feed[T]) subscribe() (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan T, feedBufferSize)
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

func (f *feed[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	if f.dedupe && v == f.current {
		return
	}
	f.current = v

	for _, sub := range f.subs {
		select {
		case sub <- v:
		default:
			select {
			case <-sub:
			default:
			}
			sub <- v
		}
	}
}

func (f *feed[T]) close() {
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
