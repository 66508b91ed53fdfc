package integration

import (
	"net/http"
	"testing"

	"github.com/Tyrowin/lanchat/internal/server"
	"github.com/Tyrowin/lanchat/test/testhelpers"
	"github.com/stretchr/testify/require"
)

// TestWebSocketAndTCPClientsShareSessions verifies that a browser client on
// the WebSocket transport and a native TCP client see each other.
func TestWebSocketAndTCPClientsShareSessions(t *testing.T) {
	r := require.New(t)
	relay := testhelpers.StartRelay(t, testhelpers.TestConfig(), server.WithClock(fixedClock))

	tcpClient, _ := testhelpers.Join(t, relay.ChatAddr, "native")

	conn, _, err := testhelpers.ConnectWebSocket(relay.WebSocketURL(), "http://localhost:8080")
	r.NoError(err)
	defer conn.Close()

	testhelpers.SendText(t, conn, "browser")
	r.Equal("SERVER_INFO|8000|native", testhelpers.ReceiveText(t, conn))
	r.Equal("\nbrowser joined the chat!", tcpClient.Receive())

	tcpClient.Send("/pm browser hey")
	r.Equal("[09:30:15] [PM from native]: hey", testhelpers.ReceiveText(t, conn))
	r.Equal("[09:30:15] [PM to browser]: hey", tcpClient.Receive())

	testhelpers.SendText(t, conn, "hello from the browser")
	r.Equal("[09:30:15] browser: hello from the browser", tcpClient.Receive())

	r.NoError(conn.Close())
	r.Equal("\nbrowser left the chat!", tcpClient.Receive())
}

func TestWebSocketOriginPolicy(t *testing.T) {
	relay := testhelpers.StartRelay(t, testhelpers.TestConfig())

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{name: "configured origin", origin: "http://localhost:8080", allowed: true},
		{name: "configured origin with different case", origin: "HTTP://LOCALHOST:8080", allowed: true},
		{name: "native client without origin", origin: "", allowed: true},
		{name: "foreign origin", origin: "http://evil.example", allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := testhelpers.ConnectWebSocket(relay.WebSocketURL(), tt.origin)
			if tt.allowed {
				require.NoError(t, err)
				_ = conn.Close()
				return
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			require.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestWebSocketEndpointRejectsNonGet(t *testing.T) {
	relay := testhelpers.StartRelay(t, testhelpers.TestConfig())

	resp, err := http.Post(relay.WebSocket.URL+"/ws", "text/plain", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthEndpointIntegration(t *testing.T) {
	relay := testhelpers.StartRelay(t, testhelpers.TestConfig())

	for _, path := range []string{"/", "/health"} {
		resp, err := http.Get(relay.WebSocket.URL + path)
		require.NoError(t, err)
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)
		testhelpers.AssertContentType(t, resp, "text/plain")
		require.Equal(t, "LAN chat relay is running!", string(testhelpers.ReadBody(t, resp)))
	}
}

// TestShutdownClosesSessions verifies that hub shutdown ends every live
// session and rejects late connections.
func TestShutdownClosesSessions(t *testing.T) {
	r := require.New(t)
	relay := testhelpers.StartRelay(t, testhelpers.TestConfig())

	alice, _ := testhelpers.Join(t, relay.ChatAddr, "alice")
	bob, _ := testhelpers.Join(t, relay.ChatAddr, "bob")
	r.Equal("\nbob joined the chat!", alice.Receive())

	r.NoError(relay.Hub.Shutdown(testhelpers.DefaultWait))
	alice.ExpectClosed()
	bob.ExpectClosed()
	r.Zero(relay.Hub.Registry().Len())

	late := testhelpers.DialChat(t, relay.ChatAddr)
	late.ExpectClosed()
}
