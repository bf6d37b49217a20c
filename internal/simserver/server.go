package simserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxbase-io/fluxbase-go/internal/logger"
	"github.com/fluxbase-io/fluxbase-go/internal/metrics"
	"github.com/fluxbase-io/fluxbase-go/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The simulator is a local development tool
		return true
	},
}

// Options configures a simulator Server.
type Options struct {
	// JWTSecret validates authenticate frames (HS256). Empty accepts any
	// non-empty token.
	JWTSecret string

	// MetricsEnabled mounts promhttp on MetricsPath.
	MetricsEnabled bool
	MetricsPath    string
}

// Server is an in-process Fluxbase backend: it speaks the sync protocol on
// /sync and runs registered functions against an in-memory store. It backs
// the integration tests and the fluxbase-sim binary.
type Server struct {
	registry  *Registry
	store     *Store
	jwtSecret string
	router    *chi.Mux

	mu       sync.RWMutex
	sessions map[*Session]bool
	closed   bool
}

// New creates a simulator server.
func New(opts Options) *Server {
	s := &Server{
		registry:  NewRegistry(),
		store:     NewStore(),
		jwtSecret: opts.JWTSecret,
		router:    chi.NewRouter(),
		sessions:  make(map[*Session]bool),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/sync", s.serveSync)
	s.router.Get("/healthz", s.serveHealth)
	if opts.MetricsEnabled {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, promhttp.Handler())
	}

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Store returns the shared document store.
func (s *Server) Store() *Store {
	return s.store
}

// RegisterQuery registers a query function.
func (s *Server) RegisterQuery(name string, fn QueryFunc) {
	s.registry.RegisterQuery(name, fn)
}

// RegisterMutation registers a mutation function.
func (s *Server) RegisterMutation(name string, fn MutationFunc) {
	s.registry.RegisterMutation(name, fn)
}

// RegisterAction registers an action function.
func (s *Server) RegisterAction(name string, fn ActionFunc) {
	s.registry.RegisterAction(name, fn)
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Invalidate re-evaluates every live subscription, as if a mutation had
// run. Exposed for out-of-band store edits.
func (s *Server) Invalidate() {
	s.reevaluateAll()
}

// Close disconnects all sessions.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for sess := range s.sessions {
		sess.closeSend()
		delete(s.sessions, sess)
	}
	metrics.SetSimConnections(0)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.SessionCount(),
	})
}

func (s *Server) serveSync(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("failed to upgrade sync connection")
		return
	}

	sess := NewSession(s, conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[sess] = true
	count := len(s.sessions)
	s.mu.Unlock()
	metrics.SetSimConnections(float64(count))

	go sess.WritePump()
	go sess.ReadPump()

	logger.Info().
		Str("session_id", sess.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("sync session connected")
}

func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	if _, ok := s.sessions[sess]; ok {
		delete(s.sessions, sess)
		sess.closeSend()
	}
	count := len(s.sessions)
	s.mu.Unlock()
	metrics.SetSimConnections(float64(count))
	logger.Debug().Str("session_id", sess.ID).Msg("sync session closed")
}

// invoke runs a registered function for a request frame.
func (s *Server) invoke(ctx context.Context, kind protocol.CallKind, function string, args map[string]any) (any, error) {
	switch kind {
	case protocol.CallQuery:
		fn, err := s.registry.Query(function)
		if err != nil {
			return nil, err
		}
		return fn(ctx, s.store, args)
	case protocol.CallMutation:
		fn, err := s.registry.Mutation(function)
		if err != nil {
			return nil, err
		}
		return fn(ctx, s.store, args)
	case protocol.CallAction:
		fn, err := s.registry.Action(function)
		if err != nil {
			return nil, err
		}
		return fn(ctx, args)
	default:
		return nil, &CallError{Message: "unknown call kind"}
	}
}

// evaluateQuery runs a query and returns its canonical JSON value.
func (s *Server) evaluateQuery(function string, args map[string]any) (json.RawMessage, error) {
	fn, err := s.registry.Query(function)
	if err != nil {
		return nil, err
	}
	value, err := fn(context.Background(), s.store, args)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, &CallError{Message: "unserializable query result"}
	}
	return raw, nil
}

func (s *Server) reevaluateAll() {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		sess.reevaluate()
	}
}
