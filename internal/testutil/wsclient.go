// Package testutil provides test helpers for driving a lobby over its
// WebSocket transport.
package testutil

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/matchlobby/internal/lobby"
)

// LobbyClient is a WebSocket test client speaking the lobby's JSON protocol.
type LobbyClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// WebSocketURL converts an httptest server URL into a ws:// URL with path.
func WebSocketURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// NewLobbyClient dials url and returns a test client.
//
// Precondition: url must address a listening lobby WebSocket endpoint.
// Postcondition: Returns a connected LobbyClient or fails the test.
func NewLobbyClient(t *testing.T, url string) *LobbyClient {
	t.Helper()
	start := time.Now()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("lobby client connected to %s [%s]", url, time.Since(start))
	return &LobbyClient{conn: conn, t: t}
}

// WaitFor reads frames until one of type msgType arrives, skipping others.
//
// Postcondition: Returns the matching message, or fails on timeout or read error.
func (c *LobbyClient) WaitFor(msgType string, timeout time.Duration) lobby.ServerMessage {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	var seen []string
	for {
		var msg lobby.ServerMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.t.Fatalf("waiting for %q: saw %v, error: %v", msgType, seen, err)
		}
		if msg.Type == msgType {
			return msg
		}
		seen = append(seen, msg.Type)
	}
}

// Send writes a raw text frame.
func (c *LobbyClient) Send(frame string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		c.t.Fatalf("sending %q: %v", frame, err)
	}
}

// ReadError blocks until the next read fails and returns that error.
func (c *LobbyClient) ReadError(timeout time.Duration) error {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return err
		}
	}
}

// Close closes the underlying connection without a close handshake.
func (c *LobbyClient) Close() {
	c.conn.Close()
}
