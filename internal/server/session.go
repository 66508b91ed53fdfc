package server

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/lanchat/internal/protocol"
	"github.com/google/uuid"
)

const (
	pingPeriod = 54 * time.Second
	// closeGracePeriod bounds how long a closing session keeps flushing
	// queued messages before its connection is closed regardless.
	closeGracePeriod = time.Second
)

var (
	// ErrSessionClosed is returned when sending to a session that is closing.
	ErrSessionClosed = errors.New("server: session closed")
	// ErrSendQueueFull is returned when a session cannot keep up with its traffic.
	ErrSendQueueFull = errors.New("server: send queue full")
)

// Session is the per-connection chat state machine: it performs the identity
// handshake, then dispatches public and private messages until the
// connection fails, and finally runs the closing sequence exactly once.
type Session struct {
	id       string
	conn     Conn
	hub      *Hub
	send     chan string
	done     chan struct{}
	limiter  *rateLimiter
	log      *slog.Logger
	identity string

	mu         sync.RWMutex
	closed     bool
	registered bool
	announced  bool
	pumping    bool
	closeOnce  sync.Once
	connOnce   sync.Once
}

func newSession(conn Conn, hub *Hub) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		conn:    conn,
		hub:     hub,
		send:    make(chan string, hub.cfg.SendBufferSize),
		done:    make(chan struct{}),
		limiter: newRateLimiter(hub.cfg.RateLimit(), hub.now),
		log:     hub.log.With("session", id, "addr", conn.RemoteAddr()),
	}
}

// Identity returns the identity claimed during the handshake.
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Send queues message for delivery without blocking. Messages from one
// sender reach this session in the order they were queued.
func (s *Session) Send(message string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSessionClosed
	}

	select {
	case s.send <- message:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close starts the closing sequence. It is safe to call from any goroutine
// and any number of times; only the first call has an effect.
//
// The session stops accepting messages at once. Messages already queued are
// still flushed by the write pump for up to closeGracePeriod before the
// connection is closed.
func (s *Session) Close() {
	s.closeOnce.Do(s.shutdown)
}

func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	registered := s.registered
	announced := s.announced
	pumping := s.pumping
	identity := s.identity
	s.mu.Unlock()

	if registered {
		s.hub.registry.Unregister(identity)
		// A session whose join was never announced leaves silently.
		if announced {
			s.hub.router.Broadcast(protocol.Left(identity), identity)
		}
		s.log.Info("Session closed", "identity", identity, "online", s.hub.registry.Len())
	}

	close(s.done)
	if !pumping {
		s.closeConn()
		return
	}
	time.AfterFunc(closeGracePeriod, s.closeConn)
}

func (s *Session) closeConn() {
	s.connOnce.Do(func() {
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Warn("Error closing connection", "error", err)
		}
	})
}

// run drives the session from handshake to close.
func (s *Session) run() {
	defer s.Close()

	identity, ok := s.handshake()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pumping = true
	s.announced = true
	s.mu.Unlock()

	s.hub.goTracked(s.writePump)
	s.hub.router.Broadcast(protocol.Joined(identity), identity)
	s.readLoop()
}

// handshake reads the identity token and registers it. The greeting is
// written before the write pump starts, so it always precedes any message
// queued by other sessions once the identity is visible.
func (s *Session) handshake() (string, bool) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.HandshakeTimeout)); err != nil {
		s.log.Warn("Error setting handshake deadline", "error", err)
		return "", false
	}

	raw, err := s.conn.ReadMessage()
	if err != nil {
		s.log.Info("Handshake aborted", "reason", describeReadError(err), "error", err)
		return "", false
	}

	identity := strings.TrimSpace(raw)
	if err := protocol.ValidateIdentity(identity); err != nil {
		s.log.Info("Handshake rejected", "reason", "invalid identity", "error", err)
		s.reject(protocol.InvalidUsername)
		return "", false
	}

	roster, err := s.register(identity)
	if err != nil {
		if errors.Is(err, ErrIdentityTaken) {
			s.log.Info("Handshake rejected", "identity", identity, "reason", "identity taken")
			s.reject(protocol.UsernameTaken)
		}
		return "", false
	}

	if err := s.conn.WriteMessage(protocol.ServerInfo(s.hub.cfg.TransferPort, roster)); err != nil {
		s.log.Warn("Error writing greeting", "identity", identity, "error", err)
		return "", false
	}

	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		s.log.Warn("Error clearing handshake deadline", "error", err)
		return "", false
	}

	s.log.Info("Session active", "identity", identity, "online", s.hub.registry.Len())
	return identity, true
}

func (s *Session) register(identity string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	roster, err := s.hub.registry.Register(identity, s)
	if err != nil {
		return nil, err
	}
	s.identity = identity
	s.registered = true
	return roster, nil
}

func (s *Session) reject(token string) {
	if err := s.conn.WriteMessage(token); err != nil && !isExpectedCloseError(err) {
		s.log.Warn("Error writing handshake rejection", "error", err)
	}
}

func (s *Session) readLoop() {
	idle := s.hub.cfg.IdleTimeout
	for {
		if idle > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
				s.log.Warn("Error setting idle deadline", "error", err)
				return
			}
		}

		raw, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Info("Read loop ended", "identity", s.identity, "reason", describeReadError(err), "error", err)
			return
		}

		s.dispatch(raw)
	}
}

// dispatch routes one received message and always tells the sender the
// outcome of a private delivery.
func (s *Session) dispatch(raw string) {
	cmd := protocol.ParseCommand(raw)
	if cmd.Kind == protocol.CommandEmpty {
		return
	}

	if !s.limiter.allow() {
		s.log.Warn("Rate limit exceeded; discarding message", "identity", s.identity)
		s.reply(protocol.RateLimited())
		return
	}

	at := s.hub.now()
	switch cmd.Kind {
	case protocol.CommandPublic:
		msg := protocol.Public{Sender: s.identity, At: at, Body: cmd.Body}
		s.log.Debug("Public message", "identity", s.identity)
		s.hub.router.Broadcast(msg.String(), s.identity)

	case protocol.CommandPrivate:
		msg := protocol.Private{Sender: s.identity, Recipient: cmd.Recipient, At: at, Body: cmd.Body}
		if s.hub.router.DeliverPrivate(cmd.Recipient, msg.String()) {
			s.reply(msg.Echo())
			return
		}
		s.log.Debug("Private recipient missing", "identity", s.identity, "recipient", cmd.Recipient)
		s.reply(protocol.RecipientNotFound(cmd.Recipient))

	case protocol.CommandMalformedPrivate:
		s.reply(protocol.PrivateUsage())
	}
}

func (s *Session) reply(message string) {
	if err := s.Send(message); err != nil {
		s.log.Warn("Error replying to sender", "identity", s.identity, "error", err)
		s.Close()
	}
}

// writePump owns every write after the greeting. Once the session is
// closing it flushes what is already queued and closes the connection.
func (s *Session) writePump() {
	defer s.closeConn()

	var ticks <-chan time.Time
	pinger, canPing := s.conn.(Pinger)
	if canPing {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case message := <-s.send:
			if err := s.conn.WriteMessage(message); err != nil {
				if !isExpectedCloseError(err) {
					s.log.Warn("Error writing message", "identity", s.identity, "error", err)
				}
				s.Close()
				return
			}
		case <-ticks:
			if err := pinger.Ping(); err != nil {
				s.log.Info("Ping failed", "identity", s.identity, "error", err)
				s.Close()
				return
			}
		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush writes the messages queued before the session closed. Send refuses
// new messages once closed is set, so the queue only shrinks here.
func (s *Session) flush() {
	for {
		select {
		case message := <-s.send:
			if err := s.conn.WriteMessage(message); err != nil {
				if !isExpectedCloseError(err) {
					s.log.Info("Dropping queued messages on close", "identity", s.identity, "error", err)
				}
				return
			}
		default:
			return
		}
	}
}
