// Package websockettest holds client helpers for tests that talk to the
// gateway over a real socket.
package websockettest

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ReadTimeout bounds every read on connections returned by Dial.
const ReadTimeout = 5 * time.Second

// URL turns an httptest server address into a websocket URL for path.
func URL(serverURL, path, query string) string {
	u := "ws" + strings.TrimPrefix(serverURL, "http") + path
	if query != "" {
		u += "?" + query
	}
	return u
}

// Dial connects and arms a read deadline so a silent server fails the test
// instead of hanging it.
func Dial(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(ReadTimeout))
	return conn, resp, nil
}

// DialIgnoringPongs connects like Dial but never answers pings, simulating a
// peer that stopped responding.
func DialIgnoringPongs(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}

// HandshakeStatus attempts a connection that is expected to be refused and
// returns the HTTP status. ok is false when the upgrade succeeded or no
// response was received.
func HandshakeStatus(urlStr string, header http.Header) (status int, ok bool) {
	conn, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err == nil {
		conn.Close()
		return 0, false
	}
	if resp == nil {
		return 0, false
	}
	return resp.StatusCode, true
}
