// Package testhelpers provides common utilities and helper functions for
// testing the relay end to end.
//
// It starts a complete relay (chat listener, WebSocket routes and transfer
// endpoint) on loopback listeners, and offers small clients for the framed
// chat channel and the transfer endpoint so tests read as protocol scenarios.
package testhelpers

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/lanchat/internal/server"
	"github.com/Tyrowin/lanchat/internal/transfer"
	"github.com/gorilla/websocket"
)

// DefaultWait bounds every blocking read in the helpers.
const DefaultWait = 2 * time.Second

// NewLogger returns a logger that discards everything.
func NewLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// TestConfig returns a relay config suitable for loopback tests.
func TestConfig() server.Config {
	cfg := server.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.AllowedOrigins = "http://localhost:8080"
	cfg.RateLimitBurst = 1000
	cfg.HandshakeTimeout = DefaultWait
	return cfg
}

// Relay is a running relay with every listener bound to loopback.
type Relay struct {
	Hub         *server.Hub
	Store       *transfer.Store
	ChatAddr    string
	TransferURL string
	WebSocket   *httptest.Server
}

// StartRelay starts a relay with cfg. Everything is torn down by t.Cleanup.
func StartRelay(t *testing.T, cfg server.Config, opts ...server.HubOption) *Relay {
	t.Helper()

	log := NewLogger()
	store, err := transfer.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open transfer store: %v", err)
	}

	hub := server.NewHub(cfg, log, opts...)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen for chat: %v", err)
	}
	chat := server.NewChatServer(listener, hub)
	go func() {
		_ = chat.Serve()
	}()

	handler := transfer.NewHandler(store, hub.Router(), log, int64(hub.Config().MaxUploadSize))
	transferServer := httptest.NewServer(handler.Routes())
	wsServer := httptest.NewServer(server.SetupRoutes(hub))

	t.Cleanup(func() {
		_ = chat.Close()
		_ = hub.Shutdown(DefaultWait)
		wsServer.Close()
		transferServer.Close()
		_ = store.Close()
	})

	return &Relay{
		Hub:         hub,
		Store:       store,
		ChatAddr:    listener.Addr().String(),
		TransferURL: transferServer.URL,
		WebSocket:   wsServer,
	}
}

// WebSocketURL returns the relay's ws:// chat endpoint.
func (r *Relay) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(r.WebSocket.URL, "http") + "/ws"
}

// ChatClient speaks the framed chat protocol over TCP.
type ChatClient struct {
	t    *testing.T
	conn net.Conn
}

// DialChat opens a raw chat connection without performing the handshake.
func DialChat(t *testing.T, addr string) *ChatClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, DefaultWait)
	if err != nil {
		t.Fatalf("dial chat %s: %v", addr, err)
	}
	client := &ChatClient{t: t, conn: conn}
	t.Cleanup(client.Close)
	return client
}

// Join dials addr, sends identity and returns the client with the greeting.
func Join(t *testing.T, addr, identity string) (*ChatClient, string) {
	t.Helper()

	client := DialChat(t, addr)
	client.Send(identity)
	return client, client.Receive()
}

// Send writes one chat message.
func (c *ChatClient) Send(message string) {
	c.t.Helper()
	if err := server.WriteFrame(c.conn, []byte(message), 0); err != nil {
		c.t.Fatalf("send %q: %v", message, err)
	}
}

// Receive reads the next message, failing the test after DefaultWait.
func (c *ChatClient) Receive() string {
	c.t.Helper()
	message, err := c.receive(DefaultWait)
	if err != nil {
		c.t.Fatalf("receive: %v", err)
	}
	return message
}

// ExpectNoMessage fails the test if a message arrives within wait.
func (c *ChatClient) ExpectNoMessage(wait time.Duration) {
	c.t.Helper()
	message, err := c.receive(wait)
	if err == nil {
		c.t.Fatalf("expected no message, got %q", message)
	}
}

// ExpectClosed fails the test unless the relay closes the connection within
// DefaultWait. Messages that arrive before the close are discarded.
func (c *ChatClient) ExpectClosed() {
	c.t.Helper()
	deadline := time.Now().Add(DefaultWait)
	for {
		_, err := c.receive(time.Until(deadline))
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.t.Fatalf("expected closed connection, read timed out")
		}
		return
	}
}

// Exchange sends message and returns the next reply without failing the
// test, so it can be called from helper goroutines.
func (c *ChatClient) Exchange(message string) (string, error) {
	if err := server.WriteFrame(c.conn, []byte(message), 0); err != nil {
		return "", err
	}
	return c.receive(DefaultWait)
}

func (c *ChatClient) receive(wait time.Duration) (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return "", err
	}
	payload, err := server.ReadFrame(c.conn, 0)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// CloseWrite half-closes the connection: the relay sees end of input while
// the client can still read what the relay sends back.
func (c *ChatClient) CloseWrite() {
	c.t.Helper()
	tcp, ok := c.conn.(*net.TCPConn)
	if !ok {
		c.t.Fatalf("half-close needs a TCP connection, got %T", c.conn)
	}
	if err := tcp.CloseWrite(); err != nil {
		c.t.Fatalf("close write: %v", err)
	}
}

// Close closes the connection.
func (c *ChatClient) Close() {
	_ = c.conn.Close()
}

// Upload posts content to the transfer endpoint. An empty recipient leaves
// the X-Recipient header out.
func Upload(t *testing.T, baseURL, filename, username, recipient string, content []byte) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, baseURL+"/", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("create upload request: %v", err)
	}
	setHeader(req, transfer.HeaderFilename, filename)
	setHeader(req, transfer.HeaderUsername, username)
	setHeader(req, transfer.HeaderRecipient, recipient)
	return do(t, req)
}

// Download fetches filename as username. An empty username leaves the
// X-Username header out.
func Download(t *testing.T, baseURL, filename, username string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, baseURL+"/"+filename, http.NoBody)
	if err != nil {
		t.Fatalf("create download request: %v", err)
	}
	setHeader(req, transfer.HeaderUsername, username)
	return do(t, req)
}

// ReadBody reads and closes the response body.
func ReadBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return body
}

func setHeader(req *http.Request, key, value string) {
	if value != "" {
		req.Header.Set(key, value)
	}
}

func do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// ConnectWebSocket creates a WebSocket connection to the specified URL,
// presenting origin when it is not empty.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// ReceiveText reads the next WebSocket text frame within DefaultWait.
func ReceiveText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(DefaultWait)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	return string(payload)
}

// SendText writes one WebSocket text frame.
func SendText(t *testing.T, conn *websocket.Conn, message string) {
	t.Helper()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		t.Fatalf("write websocket message: %v", err)
	}
}
