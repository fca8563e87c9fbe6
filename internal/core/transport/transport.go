package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultSocketBase is the production push endpoint.
const DefaultSocketBase = "https://api.simplisafe.com"

// Conn represents a push connection that sends/receives Engine.IO packets.
type Conn interface {
	// Send writes a packet.
	Send(ctx context.Context, p Packet) error
	// Recv blocks until a packet is received or the connection fails.
	Recv(ctx context.Context) (Packet, error)
	// Close closes the underlying connection.
	Close() error
	// SetReadDeadline sets the read deadline on the underlying connection.
	SetReadDeadline(t time.Time) error
}

// Dialer opens push connections scoped to a user.
type Dialer interface {
	Dial(ctx context.Context, userID, accessToken string) (Conn, error)
}

// --- WebSocket Conn implementation ---

type wsConn struct {
	ws  *websocket.Conn
	mu  sync.Mutex // protects writes
	log *slog.Logger
}

func newWSConn(ws *websocket.Conn, log *slog.Logger) *wsConn {
	return &wsConn{ws: ws, log: log}
}

func (c *wsConn) Send(_ context.Context, p Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(p.Encode())); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) Recv(_ context.Context) (Packet, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return Packet{}, fmt.Errorf("transport: read: %w", err)
		}
		if msgType != websocket.TextMessage {
			c.log.Debug("ignoring non-text frame", "type", msgType)
			continue
		}
		return DecodePacket(string(data))
	}
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// --- Cloud Dialer ---

// CloudDialer connects to the provider's push service.
type CloudDialer struct {
	socketBase string
	log        *slog.Logger
}

// NewCloudDialer creates a push dialer. socketBase is an http(s) URL.
func NewCloudDialer(socketBase string, log *slog.Logger) *CloudDialer {
	if socketBase == "" {
		socketBase = DefaultSocketBase
	}
	return &CloudDialer{socketBase: strings.TrimRight(socketBase, "/"), log: log}
}

// URL returns the websocket URL for a user's namespace.
func (d *CloudDialer) URL(userID, accessToken string) string {
	wsBase := d.socketBase
	if strings.HasPrefix(wsBase, "https://") {
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	} else if strings.HasPrefix(wsBase, "http://") {
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}

	q := url.Values{
		"EIO":         {"3"},
		"transport":   {"websocket"},
		"ns":          {Namespace(userID)},
		"accessToken": {accessToken},
	}
	return wsBase + "/socket.io/?" + q.Encode()
}

// Dial opens the websocket. The Engine.IO handshake is left to the caller.
func (d *CloudDialer) Dial(ctx context.Context, userID, accessToken string) (Conn, error) {
	target := d.URL(userID, accessToken)

	d.log.Info("dialing event stream", "user_id", userID)

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	ws, resp, err := dialer.DialContext(ctx, target, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial event stream: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: dial event stream: %w", err)
	}

	d.log.Info("connected to event stream", "user_id", userID)
	return newWSConn(ws, d.log), nil
}
