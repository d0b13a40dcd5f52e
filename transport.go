package hearth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is a single persistent, message-oriented transport connection.
//
// Read is called from one goroutine only. Write, Ping and Close may be
// called concurrently with Read.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason DisconnectReason) error
}

// DisconnectReason explains why a connection ended.
type DisconnectReason string

const (
	ReasonClientDisconnect DisconnectReason = "client disconnect"
	ReasonServerDisconnect DisconnectReason = "server disconnect"
	ReasonTransportError   DisconnectReason = "transport error"
	ReasonPingTimeout      DisconnectReason = "ping timeout"
	ReasonAuthRevoked      DisconnectReason = "auth revoked"
)

// Intentional reports whether the close was requested by this client.
// Only intentional closes bypass the reconnection scheduler.
func (r DisconnectReason) Intentional() bool {
	return r == ReasonClientDisconnect
}

func (r DisconnectReason) statusCode() websocket.StatusCode {
	switch r {
	case ReasonClientDisconnect:
		return websocket.StatusNormalClosure
	case ReasonAuthRevoked:
		return websocket.StatusPolicyViolation
	default:
		return websocket.StatusGoingAway
	}
}

// CloseError is returned by Conn.Read once the connection has ended.
type CloseError struct {
	Reason DisconnectReason
	Code   int
	Err    error
}

func (e *CloseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection closed (%s, code %d): %v", e.Reason, e.Code, e.Err)
	}
	return fmt.Sprintf("connection closed (%s, code %d)", e.Reason, e.Code)
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// disconnectReason extracts the reason from a Read error.
func disconnectReason(err error) DisconnectReason {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ReasonTransportError
}

// ============================================================================
// WebSocket implementation
// ============================================================================

// WebSocketDialer dials the realtime endpoint over WebSocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	ReadLimit  int64
}

// Dial opens a WebSocket connection.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	reason DisconnectReason
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err == nil {
		return data, nil
	}

	c.mu.Lock()
	local := c.reason
	c.mu.Unlock()

	status := websocket.CloseStatus(err)
	switch {
	case local != "":
		return nil, &CloseError{Reason: local, Code: int(local.statusCode()), Err: err}
	case status != -1:
		return nil, &CloseError{Reason: ReasonServerDisconnect, Code: int(status), Err: err}
	default:
		return nil, &CloseError{Reason: ReasonTransportError, Code: -1, Err: err}
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close records the reason first so the pending Read reports it.
func (c *wsConn) Close(reason DisconnectReason) error {
	c.mu.Lock()
	if c.reason != "" {
		c.mu.Unlock()
		return nil
	}
	c.reason = reason
	c.mu.Unlock()
	return c.conn.Close(reason.statusCode(), string(reason))
}
