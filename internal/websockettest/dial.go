package websockettest

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// URL converts an httptest server URL into a WebSocket URL for path, adding
// the auth token as a query parameter when one is given.
func URL(serverURL, path, token string) string {
	target := "ws" + strings.TrimPrefix(serverURL, "http") + path
	if token != "" {
		target += "?auth_token=" + url.QueryEscape(token)
	}
	return target
}

// Dial connects to target and closes the connection when the test ends.
func Dial(t testing.TB, target string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(target, header)
	if err != nil {
		t.Fatalf("dial %s: %v", target, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// DialIgnoringPongs connects like Dial but never answers pings, so tests can
// simulate a panel that stopped responding.
func DialIgnoringPongs(t testing.TB, target string, header http.Header) *websocket.Conn {
	t.Helper()
	conn := Dial(t, target, header)
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn
}
