package testutil

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/cloudtown/internal/presence"
)

// WSClient is a WebSocket protocol client for integration testing.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials url (http:// or ws://) and returns a test client.
//
// Precondition: url must point at a listening WebSocket endpoint.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string, header http.Header) *WSClient {
	t.Helper()
	start := time.Now()

	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", wsURL, err, time.Since(start))
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", wsURL, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Send writes one event frame.
//
// Postcondition: The frame {"event": event, "data": data} is written.
func (c *WSClient) Send(event string, data any) {
	c.t.Helper()
	raw, err := presence.Encode(presence.Event{Name: event, Data: data})
	if err != nil {
		c.t.Fatalf("encoding %s: %v", event, err)
	}
	c.SendRaw(raw)
}

// SendRaw writes raw as a single text message.
func (c *WSClient) SendRaw(raw []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.t.Fatalf("sending %q: %v", raw, err)
	}
}

// ReadUntil reads frames until one named event arrives or timeout elapses.
// Frames with other names are discarded.
//
// Postcondition: Returns the matching frame, or fails on timeout.
func (c *WSClient) ReadUntil(event string, timeout time.Duration) presence.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	var seen []string
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("reading until %q: saw %v, error: %v", event, seen, err)
		}
		f, err := presence.Decode(raw)
		if err != nil {
			c.t.Fatalf("decoding frame %q: %v", raw, err)
		}
		if f.Event == event {
			return f
		}
		seen = append(seen, f.Event)
	}
}

// Decode unmarshals the data of f into v.
func (c *WSClient) Decode(f presence.Frame, v any) {
	c.t.Helper()
	if err := json.Unmarshal(f.Data, v); err != nil {
		c.t.Fatalf("decoding %s payload: %v", f.Event, err)
	}
}

// Close sends a close frame and closes the connection.
func (c *WSClient) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
}
