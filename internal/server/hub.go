package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Hub is the relay's explicitly constructed context: it owns the session
// registry and the router, runs one session per accepted connection, and
// tracks every session goroutine for shutdown.
type Hub struct {
	cfg      Config
	registry *Registry
	router   *Router
	log      *slog.Logger
	now      func() time.Time

	mutex    sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithClock replaces the clock used for message timestamps and rate limiting.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		h.now = now
	}
}

// NewHub creates a Hub ready to serve connections.
func NewHub(cfg Config, log *slog.Logger, opts ...HubOption) *Hub {
	registry := NewRegistry()
	h := &Hub{
		cfg:      cfg.Sanitize(),
		registry: registry,
		router:   NewRouter(registry, log),
		log:      log,
		now:      time.Now,
		sessions: make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Registry returns the session registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Router returns the message router. It also serves as the notifier
// handed to the file transfer endpoint.
func (h *Hub) Router() *Router {
	return h.router
}

// Config returns the sanitized configuration.
func (h *Hub) Config() Config {
	return h.cfg
}

// ServeConn runs a chat session on conn and blocks until it has closed.
func (h *Hub) ServeConn(conn Conn) {
	session := newSession(conn, h)
	if !h.track(session) {
		h.log.Info("Rejecting connection during shutdown", "addr", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	defer h.untrack(session)

	session.run()
}

func (h *Hub) track(session *Session) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closing {
		return false
	}
	h.sessions[session] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) untrack(session *Session) {
	h.mutex.Lock()
	delete(h.sessions, session)
	h.mutex.Unlock()
	h.wg.Done()
}

// goTracked runs fn in a goroutine that Shutdown waits for.
func (h *Hub) goTracked(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// getSessionSnapshot returns a thread-safe snapshot of all current sessions
func (h *Hub) getSessionSnapshot() []*Session {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	sessions := make([]*Session, 0, len(h.sessions))
	for session := range h.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// Shutdown stops accepting sessions, closes every live session and waits
// for their goroutines to finish, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.mutex.Lock()
	h.closing = true
	h.mutex.Unlock()

	sessions := h.getSessionSnapshot()
	for _, session := range sessions {
		session.Close()
	}
	h.log.Info("Closed sessions", "count", len(sessions))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
