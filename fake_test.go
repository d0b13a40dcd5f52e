package hearth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testUserID = "user-1"

func frame(t testing.TB, eventType string, payload interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(Command{Type: eventType, Payload: payload})
	require.NoError(t, err)
	return data
}

func testConfig(d Dialer) RealtimeConfig {
	return RealtimeConfig{
		URL:                "ws://hearth.test/ws",
		HandshakeTimeout:   500 * time.Millisecond,
		JoinTimeout:        200 * time.Millisecond,
		SendTimeout:        200 * time.Millisecond,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  80 * time.Millisecond,
		HeartbeatInterval:  -1,
		Dialer:             d,
	}
}

// ============================================================================
// fakeConn / fakeDialer
// ============================================================================

// serverFunc plays the server side: it sees every client frame and may
// push frames back with c.push.
type serverFunc func(c *fakeConn, env Envelope)

// acceptAll authenticates, acknowledges joins and acknowledges sends.
func acceptAll(t testing.TB) serverFunc {
	return func(c *fakeConn, env Envelope) {
		switch env.Type {
		case EventAuthenticate:
			c.push(frame(t, EventConnectionStatus, ConnectionStatusPayload{Status: "connected", UserID: testUserID}))
		case EventJoinConversation:
			var p ConversationPayload
			_ = json.Unmarshal(env.Payload, &p)
			c.push(frame(t, EventJoinedConversation, p))
		case EventSendMessage:
			var p SendMessagePayload
			_ = json.Unmarshal(env.Payload, &p)
			c.push(frame(t, EventMessageSent, MessageSentPayload{
				Success:   true,
				MessageID: "msg-" + p.ClientID[:8],
				Timestamp: "2026-01-02T03:04:05Z",
				ClientID:  p.ClientID,
			}))
		}
	}
}

type fakeConn struct {
	server  serverFunc
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	reason  DisconnectReason
	frames  []Envelope
	pingErr error
}

func newFakeConn(server serverFunc) *fakeConn {
	return &fakeConn{
		server:  server,
		inbound: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, &CloseError{Reason: c.closeReason(), Code: -1}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, env)
	c.mu.Unlock()
	if c.server != nil {
		c.server(c, env)
	}
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Close(reason DisconnectReason) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) push(data []byte) {
	c.inbound <- data
}

// drop simulates the server going away.
func (c *fakeConn) drop() {
	c.Close(ReasonServerDisconnect)
}

func (c *fakeConn) closeReason() DisconnectReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sent(eventType string) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Envelope
	for _, env := range c.frames {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

type fakeDialer struct {
	server serverFunc

	mu    sync.Mutex
	dials int
	fail  bool
	gate  chan struct{}
	conns []*fakeConn
}

func newFakeDialer(server serverFunc) *fakeDialer {
	return &fakeDialer{server: server}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	gate, fail := d.gate, d.fail
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, &TransportError{Op: "dial", Err: errors.New("connection refused")}
	}

	c := newFakeConn(d.server)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i = len(d.conns) + i
	}
	if i < 0 || i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// ============================================================================
// fakeSender / fakeTransport
// ============================================================================

type sentCommand struct {
	Type    string
	Payload interface{}
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentCommand
	err    error
	onSend func(eventType string, payload interface{})
}

func (s *fakeSender) send(ctx context.Context, eventType string, payload interface{}) error {
	s.mu.Lock()
	err := s.err
	if err == nil {
		s.sent = append(s.sent, sentCommand{Type: eventType, Payload: payload})
	}
	onSend := s.onSend
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if onSend != nil {
		onSend(eventType, payload)
	}
	return nil
}

func (s *fakeSender) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *fakeSender) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.sent {
		if c.Type == eventType {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	fakeSender
	connected bool
	userID    string
}

func (f *fakeTransport) isConnected() bool { return f.connected }

func (f *fakeTransport) UserID() string { return f.userID }
