package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
)

// ChatServer accepts TCP chat connections and hands each one to the hub.
type ChatServer struct {
	hub      *Hub
	listener net.Listener
	log      *slog.Logger
	closed   atomic.Bool
}

// ListenChat opens the TCP chat listener on addr.
func ListenChat(addr string, hub *Hub) (*ChatServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return NewChatServer(listener, hub), nil
}

// NewChatServer serves chat sessions on an existing listener.
func NewChatServer(listener net.Listener, hub *Hub) *ChatServer {
	return &ChatServer{hub: hub, listener: listener, log: hub.log}
}

// Addr returns the listener address.
func (s *ChatServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until Close is called, running one session
// goroutine per connection. It returns nil after Close.
func (s *ChatServer) Serve() error {
	s.log.Info("Chat server listening", "addr", s.listener.Addr().String())

	maxSize := s.hub.cfg.MaxMessageSize
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept chat connection: %w", err)
		}

		go s.hub.ServeConn(NewFrameConn(conn, maxSize))
	}
}

// Close stops accepting new connections. Live sessions are closed by Hub.Shutdown.
func (s *ChatServer) Close() error {
	s.closed.Store(true)
	if err := s.listener.Close(); err != nil && !isExpectedCloseError(err) {
		return err
	}
	return nil
}
