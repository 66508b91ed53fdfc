package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn carries chat messages as WebSocket text frames, one message per frame.
type WebSocketConn struct {
	conn    *websocket.Conn
	addr    string
	writeMu sync.Mutex
}

// NewWebSocketConn wraps an upgraded connection and applies the read limit.
func NewWebSocketConn(conn *websocket.Conn, addr string, maxMessageSize int) *WebSocketConn {
	conn.SetReadLimit(int64(maxMessageSize))
	_ = conn.SetReadDeadline(time.Time{})
	return &WebSocketConn{conn: conn, addr: addr}
}

// ReadMessage returns the next data frame. Oversized frames fail with
// websocket.ErrReadLimit.
func (c *WebSocketConn) ReadMessage() (string, error) {
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// WriteMessage sends one text frame.
func (c *WebSocketConn) WriteMessage(message string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(message))
}

// Ping sends a keepalive ping frame.
func (c *WebSocketConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// SetReadDeadline bounds the next read; the zero time clears it.
func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close sends a best-effort close frame and closes the connection.
func (c *WebSocketConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// RemoteAddr returns the peer address.
func (c *WebSocketConn) RemoteAddr() string {
	return c.addr
}

// describeReadError classifies a read failure for logging. Every read
// failure ends the session; only the wording differs.
func describeReadError(err error) string {
	switch {
	case errors.Is(err, websocket.ErrReadLimit), errors.Is(err, ErrFrameTooLarge):
		return "message exceeded maximum size"
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		return "client disconnected"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isExpectedCloseError(err):
		return "connection closed"
	case isTimeout(err):
		return "read timed out"
	default:
		return "read error"
	}
}
