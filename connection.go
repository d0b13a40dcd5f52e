package hearth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the single realtime connection. It authenticates
// the connection, tracks its state and drives reconnection after abnormal
// drops.
type ConnectionManager struct {
	cfg     RealtimeConfig
	creds   CredentialSource
	logger  zerolog.Logger
	metrics *Metrics
	flight  singleflight.Group

	mu            sync.Mutex
	state         ConnectionState
	terminal      bool
	lastErr       error
	userID        string
	conn          Conn
	gen           uint64 // bumped whenever the current connection is abandoned
	cancelAttempt context.CancelFunc
	stopConn      context.CancelFunc
	recon         *reconnector
	handler       func(Envelope)

	statusListeners    listenerSet[func(StatusEvent)]
	reconnectListeners listenerSet[func(int, time.Duration)]
	connectHooks       listenerSet[func()]
}

// NewConnectionManager creates a manager in the disconnected state.
func NewConnectionManager(cfg RealtimeConfig, creds CredentialSource) *ConnectionManager {
	cfg.defaults()
	m := &ConnectionManager{
		cfg:     cfg,
		creds:   creds,
		logger:  cfg.Logger.With().Str("component", "connection").Logger(),
		metrics: cfg.Metrics,
		state:   StateDisconnected,
	}
	m.recon = newReconnector(&m.cfg)
	m.metrics.connectionState(StateDisconnected)
	return m
}

// setHandler installs the inbound frame handler (the EventRouter).
func (m *ConnectionManager) setHandler(h func(Envelope)) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// onConnected registers a hook run after every authenticated connect.
func (m *ConnectionManager) onConnected(fn func()) func() {
	return m.connectHooks.add(fn)
}

// OnStatusChange registers a listener for state transitions.
func (m *ConnectionManager) OnStatusChange(fn func(StatusEvent)) func() {
	return m.statusListeners.add(fn)
}

// OnReconnecting registers a listener called each time a retry is scheduled.
func (m *ConnectionManager) OnReconnecting(fn func(attempt int, delay time.Duration)) func() {
	return m.reconnectListeners.add(fn)
}

// Status returns the current connection state.
func (m *ConnectionManager) Status() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the full connection status.
func (m *ConnectionManager) Snapshot() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionStatus{
		State:     m.state,
		Terminal:  m.terminal,
		LastErr:   m.lastErr,
		UserID:    m.userID,
		Reconnect: m.recon.state(),
	}
}

// UserID returns the user id confirmed by the last handshake.
func (m *ConnectionManager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *ConnectionManager) isConnected() bool {
	return m.Status() == StateConnected
}

// Connect establishes and authenticates the connection. Concurrent callers
// share the outcome of a single attempt.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	gen := m.gen
	key := fmt.Sprintf("%d:%d", gen, m.recon.attempt)
	m.mu.Unlock()

	ch := m.flight.DoChan(key, func() (interface{}, error) {
		return nil, m.establish(gen)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection intentionally. It cancels any pending
// retry and any in-flight attempt, and never triggers reconnection.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	m.gen++
	m.recon.cancel()
	m.terminal = false
	if m.cancelAttempt != nil {
		m.cancelAttempt()
		m.cancelAttempt = nil
	}
	if m.stopConn != nil {
		m.stopConn()
		m.stopConn = nil
	}
	conn := m.conn
	m.conn = nil
	ev := m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()

	m.notify(ev)
	if conn != nil {
		m.logger.Info().Msg("realtime connection closed by client")
		return conn.Close(ReasonClientDisconnect)
	}
	return nil
}

// Reconnect resets the retry budget and connects.
func (m *ConnectionManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.recon.reset()
	m.terminal = false
	m.mu.Unlock()
	return m.Connect(ctx)
}

// ForceReconnect drops any existing connection, resets the retry budget and
// connects again with the current credential.
func (m *ConnectionManager) ForceReconnect(ctx context.Context) error {
	if err := m.Disconnect(); err != nil {
		m.logger.Debug().Err(err).Msg("close before reconnect")
	}
	return m.Reconnect(ctx)
}

// ============================================================================
// Handshake
// ============================================================================

func (m *ConnectionManager) establish(gen uint64) error {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return ErrConnectCanceled
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	m.cancelAttempt = cancel
	m.mu.Unlock()
	defer cancel()

	token, err := m.creds.Token(ctx)
	if err != nil {
		return m.abort(gen, nil, &TransportError{Op: "credentials", Err: err}, true)
	}
	if token == "" {
		return m.abort(gen, nil, fmt.Errorf("%w: no token available", ErrAuthentication), false)
	}

	m.transition(gen, StateConnecting)

	conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		return m.abort(gen, nil, m.classify(ctx, err), true)
	}

	userID, err := m.handshake(ctx, conn, token)
	if err != nil {
		return m.abort(gen, conn, m.classify(ctx, err), true)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		conn.Close(ReasonClientDisconnect)
		return ErrConnectCanceled
	}
	connCtx, stop := context.WithCancel(context.Background())
	m.conn = conn
	m.stopConn = stop
	m.cancelAttempt = nil
	m.userID = userID
	m.terminal = false
	m.recon.reset()
	ev := m.setStateLocked(StateConnected, nil)
	m.mu.Unlock()

	m.logger.Info().Str("user_id", userID).Msg("realtime connection authenticated")

	go m.readLoop(connCtx, conn, gen)
	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeatLoop(connCtx, conn)
	}

	m.notify(ev)
	for _, hook := range m.connectHooks.snapshot() {
		safeCall(&m.logger, "connected", hook)
	}
	return nil
}

// handshake sends the token and waits for the server's connection_status.
// A transport-level open is not enough to declare the session usable.
func (m *ConnectionManager) handshake(ctx context.Context, conn Conn, token string) (string, error) {
	data, err := json.Marshal(Command{Type: EventAuthenticate, Payload: AuthenticatePayload{Token: token}})
	if err != nil {
		return "", err
	}
	if err := conn.Write(ctx, data); err != nil {
		return "", &TransportError{Op: "write", Err: err}
	}

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return "", &TransportError{Op: "read", Err: err}
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != EventConnectionStatus {
			m.logger.Debug().Str("type", env.Type).Msg("ignoring frame before authentication")
			continue
		}

		var status ConnectionStatusPayload
		if err := json.Unmarshal(env.Payload, &status); err != nil {
			return "", fmt.Errorf("decode connection_status: %w", err)
		}
		if status.Status == "connected" {
			return status.UserID, nil
		}
		msg := status.Message
		if msg == "" {
			msg = "server rejected token"
		}
		return "", fmt.Errorf("%w: %s", ErrAuthentication, msg)
	}
}

// classify maps a handshake failure onto the error taxonomy.
func (m *ConnectionManager) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrConnectionTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return ErrConnectCanceled
	}
	var te *TransportError
	if errors.Is(err, ErrAuthentication) || errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: "handshake", Err: err}
}

func (m *ConnectionManager) transition(gen uint64, state ConnectionState) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	ev := m.setStateLocked(state, nil)
	m.mu.Unlock()
	m.notify(ev)
}

// abort records a failed attempt and schedules the next retry if allowed.
func (m *ConnectionManager) abort(gen uint64, conn Conn, err error, retryable bool) error {
	if conn != nil {
		conn.Close(ReasonClientDisconnect)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return ErrConnectCanceled
	}
	m.cancelAttempt = nil

	var (
		attempt   int
		delay     time.Duration
		scheduled bool
	)
	if retryable {
		attempt, delay, scheduled = m.scheduleRetryLocked(gen)
	}
	m.terminal = !scheduled
	ev := m.setStateLocked(StateFailed, err)
	m.mu.Unlock()

	m.logger.Warn().Err(err).Bool("terminal", !scheduled).Msg("realtime connection attempt failed")
	m.notify(ev)
	if scheduled {
		m.notifyReconnecting(attempt, delay)
	}
	return err
}

// ============================================================================
// Reconnection
// ============================================================================

func (m *ConnectionManager) scheduleRetryLocked(gen uint64) (int, time.Duration, bool) {
	attempt, delay, ok := m.recon.next()
	if !ok {
		return attempt, 0, false
	}
	m.recon.schedule(delay, func() { m.retry(gen) })
	m.metrics.reconnectAttempt()
	return attempt, delay, true
}

func (m *ConnectionManager) retry(gen uint64) {
	m.mu.Lock()
	stale := m.gen != gen || m.state == StateConnected
	m.mu.Unlock()
	if stale {
		return
	}
	if err := m.Connect(context.Background()); err != nil {
		m.logger.Debug().Err(err).Msg("reconnect attempt failed")
	}
}

// handleDrop runs when the active connection's read loop ends.
func (m *ConnectionManager) handleDrop(gen uint64, conn Conn, err error) {
	reason := disconnectReason(err)

	m.mu.Lock()
	if m.gen != gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.conn = nil
	if m.stopConn != nil {
		m.stopConn()
		m.stopConn = nil
	}

	if reason.Intentional() {
		ev := m.setStateLocked(StateDisconnected, nil)
		m.mu.Unlock()
		m.notify(ev)
		return
	}

	attempt, delay, scheduled := m.scheduleRetryLocked(m.gen)
	m.terminal = !scheduled
	state := StateDisconnected
	if !scheduled {
		state = StateFailed
	}
	ev := m.setStateLocked(state, &TransportError{Op: "read", Err: err})
	m.mu.Unlock()

	conn.Close(reason)
	m.logger.Warn().Str("reason", string(reason)).Err(err).Msg("realtime connection dropped")
	m.notify(ev)
	if scheduled {
		m.notifyReconnecting(attempt, delay)
	}
}

// ============================================================================
// Read / heartbeat loops
// ============================================================================

func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.handleDrop(gen, conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}

		if env.Type == EventConnectionStatus {
			m.handleAuthStatus(conn, env.Payload)
			continue
		}

		m.mu.Lock()
		h := m.handler
		m.mu.Unlock()
		if h != nil {
			h(env)
		}
	}
}

// handleAuthStatus closes the session when the server revokes it.
func (m *ConnectionManager) handleAuthStatus(conn Conn, payload json.RawMessage) {
	var status ConnectionStatusPayload
	if err := json.Unmarshal(payload, &status); err != nil || status.Status != "failed" {
		return
	}
	m.logger.Warn().Str("message", status.Message).Msg("server revoked session")
	conn.Close(ReasonAuthRevoked)
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				m.logger.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(ReasonPingTimeout)
				return
			}
		}
	}
}

// ============================================================================
// Outbound
// ============================================================================

// send writes one command. It fails with ErrNotConnected without touching
// the transport unless the connection is authenticated.
func (m *ConnectionManager) send(ctx context.Context, eventType string, payload interface{}) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(Command{Type: eventType, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// ============================================================================
// State helpers
// ============================================================================

func (m *ConnectionManager) setStateLocked(state ConnectionState, err error) *StatusEvent {
	prev := m.state
	if prev == state && err == nil {
		return nil
	}
	m.state = state
	if err != nil {
		m.lastErr = err
	} else if state == StateConnected {
		m.lastErr = nil
	}
	m.metrics.connectionState(state)
	return &StatusEvent{State: state, Previous: prev, Err: err, Terminal: m.terminal}
}

func (m *ConnectionManager) notify(ev *StatusEvent) {
	if ev == nil {
		return
	}
	for _, fn := range m.statusListeners.snapshot() {
		safeCall(&m.logger, "status", func() { fn(*ev) })
	}
}

func (m *ConnectionManager) notifyReconnecting(attempt int, delay time.Duration) {
	m.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	for _, fn := range m.reconnectListeners.snapshot() {
		safeCall(&m.logger, "reconnecting", func() { fn(attempt, delay) })
	}
}
