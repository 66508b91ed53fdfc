// Package server exposes HTTP handlers for WebSocket chat sessions and
// health checks.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// NewWebSocketHandler returns a handler that upgrades GET requests to
// WebSocket and runs a chat session for each upgraded connection. Browser
// requests are checked against the hub's configured origin allow list.
func NewWebSocketHandler(hub *Hub) http.HandlerFunc {
	policy := NewOriginPolicy(hub.cfg.Origins(), hub.log)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.CheckOrigin,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
			return
		}

		go hub.ServeConn(NewWebSocketConn(conn, r.RemoteAddr, hub.cfg.MaxMessageSize))
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "LAN chat relay is running!")
}
