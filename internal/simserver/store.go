package simserver

import (
	"context"
	"fmt"
	"sync"
)

// QueryFunc is a registered read-only function. Queries must be
// deterministic over the store so subscriptions can be re-evaluated.
type QueryFunc func(ctx context.Context, store *Store, args map[string]any) (any, error)

// MutationFunc is a registered transactional-write function.
type MutationFunc func(ctx context.Context, store *Store, args map[string]any) (any, error)

// ActionFunc is a registered side-effecting function. Actions do not touch
// the store directly.
type ActionFunc func(ctx context.Context, args map[string]any) (any, error)

// CallError is a failure a registered function reports to the caller, with
// an optional structured payload.
type CallError struct {
	Message string
	Data    any
}

func (e *CallError) Error() string {
	return e.Message
}

// Store is the simulator's in-memory document state shared by all
// registered functions.
type Store struct {
	mu   sync.RWMutex
	docs map[string]any
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{docs: make(map[string]any)}
}

// Get returns the document under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.docs[key]
	return v, ok
}

// Set writes the document under key.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = value
}

// Delete removes the document under key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, key)
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Registry maps function paths to their registered implementations.
type Registry struct {
	mu        sync.RWMutex
	queries   map[string]QueryFunc
	mutations map[string]MutationFunc
	actions   map[string]ActionFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		queries:   make(map[string]QueryFunc),
		mutations: make(map[string]MutationFunc),
		actions:   make(map[string]ActionFunc),
	}
}

// RegisterQuery registers a query under a function path.
func (r *Registry) RegisterQuery(name string, fn QueryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries[name] = fn
}

// RegisterMutation registers a mutation under a function path.
func (r *Registry) RegisterMutation(name string, fn MutationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutations[name] = fn
}

// RegisterAction registers an action under a function path.
func (r *Registry) RegisterAction(name string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = fn
}

// Query looks up a registered query.
func (r *Registry) Query(name string) (QueryFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.queries[name]
	if !ok {
		return nil, fmt.Errorf("unknown query %q", name)
	}
	return fn, nil
}

// Mutation looks up a registered mutation.
func (r *Registry) Mutation(name string) (MutationFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.mutations[name]
	if !ok {
		return nil, fmt.Errorf("unknown mutation %q", name)
	}
	return fn, nil
}

// Action looks up a registered action.
func (r *Registry) Action(name string) (ActionFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", name)
	}
	return fn, nil
}
