package server

import (
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

const testWait = 2 * time.Second

var testNow = time.Date(2024, 5, 1, 14, 5, 9, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RateLimitBurst = 100
	cfg.HandshakeTimeout = testWait
	return cfg
}

func newTestHub(t *testing.T, cfg Config) *Hub {
	t.Helper()

	hub := NewHub(cfg, testLogger(), WithClock(func() time.Time { return testNow }))
	t.Cleanup(func() {
		_ = hub.Shutdown(testWait)
	})
	return hub
}

// pipeClient is the client end of an in-memory chat connection.
type pipeClient struct {
	t    *testing.T
	conn net.Conn
}

func connect(t *testing.T, hub *Hub) *pipeClient {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	go hub.ServeConn(NewFrameConn(serverSide, hub.cfg.MaxMessageSize))

	client := &pipeClient{t: t, conn: clientSide}
	t.Cleanup(func() {
		_ = clientSide.Close()
	})
	return client
}

func join(t *testing.T, hub *Hub, identity string) (*pipeClient, string) {
	t.Helper()

	client := connect(t, hub)
	client.send(identity)
	return client, client.recv()
}

func (c *pipeClient) send(message string) {
	c.t.Helper()
	if err := c.conn.SetWriteDeadline(time.Now().Add(testWait)); err != nil {
		c.t.Fatalf("set write deadline: %v", err)
	}
	if err := WriteFrame(c.conn, []byte(message), 0); err != nil {
		c.t.Fatalf("send %q: %v", message, err)
	}
}

func (c *pipeClient) recv() string {
	c.t.Helper()
	message, err := c.tryRecv(testWait)
	if err != nil {
		c.t.Fatalf("receive: %v", err)
	}
	return message
}

func (c *pipeClient) tryRecv(wait time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return "", err
	}
	payload, err := ReadFrame(c.conn, 0)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func (c *pipeClient) expectNothing(wait time.Duration) {
	c.t.Helper()
	if message, err := c.tryRecv(wait); err == nil {
		c.t.Fatalf("expected no message, got %q", message)
	}
}

// expectClosed drains messages until the relay closes the connection.
func (c *pipeClient) expectClosed() {
	c.t.Helper()
	deadline := time.Now().Add(testWait)
	for {
		_, err := c.tryRecv(time.Until(deadline))
		if err == nil {
			continue
		}
		if isTimeout(err) {
			c.t.Fatalf("expected closed connection, read timed out")
		}
		return
	}
}

// recordingHandle is a Handle that records deliveries.
type recordingHandle struct {
	mu       sync.Mutex
	messages []string
	sendErr  error
	closed   int
}

func (h *recordingHandle) Send(message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sendErr != nil {
		return h.sendErr
	}
	h.messages = append(h.messages, message)
	return nil
}

func (h *recordingHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
}

func (h *recordingHandle) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func (h *recordingHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
