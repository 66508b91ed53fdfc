package server

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	frameHeaderSize = 4
	writeWait       = 10 * time.Second
)

// ErrFrameTooLarge indicates a frame payload exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("server: frame exceeds max size")

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian length
// followed by the payload. Header and payload go out in a single write.
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if maxSize > 0 && len(payload) > maxSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, reassembling partial reads.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if maxSize > 0 && length > uint32(maxSize) {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// Conn is a message-oriented chat connection. Each ReadMessage returns
// exactly one message sent by the peer.
type Conn interface {
	ReadMessage() (string, error)
	WriteMessage(message string) error
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

// Pinger is implemented by transports that need keepalive traffic.
type Pinger interface {
	Ping() error
}

// FrameConn carries chat messages over a stream socket using length-prefixed frames.
type FrameConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	maxSize int
	writeMu sync.Mutex
}

// NewFrameConn wraps a stream connection; inbound frames larger than maxSize are rejected.
func NewFrameConn(conn net.Conn, maxSize int) *FrameConn {
	return &FrameConn{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		maxSize: maxSize,
	}
}

// ReadMessage reads the next frame.
func (c *FrameConn) ReadMessage() (string, error) {
	payload, err := ReadFrame(c.reader, c.maxSize)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// WriteMessage writes one frame with a bounded write deadline.
func (c *FrameConn) WriteMessage(message string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return WriteFrame(c.conn, []byte(message), 0)
}

// SetReadDeadline bounds the next read; the zero time clears it.
func (c *FrameConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *FrameConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the peer address.
func (c *FrameConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
