package feed

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Transport opens one push connection per logical channel. The registry only
// assumes ordered message delivery with explicit close/error signaling, so
// any server-initiated stream (WebSocket, SSE) can sit behind this.
type Transport interface {
	Connect(ctx context.Context, channel string, params url.Values) (Conn, error)
}

// Conn is one live push connection.
type Conn interface {
	// ReadMessage blocks for the next message. It returns an error when the
	// connection closes or fails; the registry treats that as a transport
	// error and reconnects.
	ReadMessage() ([]byte, error)
	Close() error
}

// WebSocketTransport dials the upstream push endpoint over WebSocket. The
// channel name becomes the URL path segment and the normalized params become
// the query string.
type WebSocketTransport struct {
	baseURL string
	dialer  *websocket.Dialer

	// Header hook lets the composition root attach the bearer token.
	Header func() map[string][]string
}

// NewWebSocketTransport creates a transport rooted at baseURL, e.g.
// "wss://feed.example.com/ws".
func NewWebSocketTransport(baseURL string) *WebSocketTransport {
	return &WebSocketTransport{
		baseURL: baseURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Connect dials one channel.
func (t *WebSocketTransport) Connect(ctx context.Context, channel string, params url.Values) (Conn, error) {
	u := t.baseURL + "/" + channel
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var header map[string][]string
	if t.Header != nil {
		header = t.Header()
	}
	ws, _, err := t.dialer.DialContext(ctx, u, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, msg, err := c.ws.ReadMessage()
	return msg, err
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
