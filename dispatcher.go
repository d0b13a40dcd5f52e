package hearth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Message Dispatcher
// ============================================================================

// messageTransport is what the dispatcher needs from the ConnectionManager.
type messageTransport interface {
	sender
	isConnected() bool
	UserID() string
}

type sendResult struct {
	msg *Message
	err error
}

type pendingSend struct {
	clientID       string
	conversationID string
	content        string
	started        time.Time
	done           chan sendResult // buffered; written once by the resolver

	// abandoned marks a send that timed out or was canceled after its frame
	// went out. It keeps its FIFO slot so the late reply is absorbed instead
	// of being credited to a newer send.
	abandoned bool
}

// MessageDispatcher sends messages and correlates their acknowledgements.
type MessageDispatcher struct {
	conn    messageTransport
	cache   *MessageCache
	timeout time.Duration
	logger  zerolog.Logger
	metrics *Metrics

	mu      sync.Mutex
	pending map[string]*pendingSend
	order   []string // client ids on the current connection, oldest first
}

func newMessageDispatcher(conn messageTransport, cache *MessageCache, cfg *RealtimeConfig) *MessageDispatcher {
	return &MessageDispatcher{
		conn:    conn,
		cache:   cache,
		timeout: cfg.SendTimeout,
		logger:  cfg.Logger.With().Str("component", "dispatcher").Logger(),
		metrics: cfg.Metrics,
		pending: make(map[string]*pendingSend),
	}
}

// SendMessage sends content to a conversation and blocks until the server
// acknowledges it, reports an error, or the send timeout elapses.
//
// Exactly one outcome is returned. An acknowledgement arriving after the
// timeout is dropped and never cached, whether or not the server echoes the
// client id.
func (d *MessageDispatcher) SendMessage(ctx context.Context, conversationID, content string) (*Message, error) {
	if !d.conn.isConnected() {
		d.metrics.sendOutcome("not_connected")
		return nil, ErrNotConnected
	}

	p := &pendingSend{
		clientID:       uuid.NewString(),
		conversationID: conversationID,
		content:        content,
		started:        time.Now(),
		done:           make(chan sendResult, 1),
	}
	d.add(p)

	err := d.conn.send(ctx, EventSendMessage, SendMessagePayload{
		ConversationID: conversationID,
		Content:        content,
		ClientID:       p.clientID,
	})
	if err != nil {
		if d.remove(p.clientID) {
			outcome := "transport_error"
			if errors.Is(err, ErrNotConnected) {
				outcome = "not_connected"
			}
			d.metrics.sendOutcome(outcome)
			return nil, err
		}
		res := <-p.done
		return res.msg, res.err
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		return res.msg, res.err
	case <-timer.C:
		if d.abandon(p.clientID) {
			d.metrics.sendOutcome("timeout")
			d.logger.Warn().Str("conversation_id", conversationID).Str("client_id", p.clientID).Msg("send timed out")
			return nil, ErrSendTimeout
		}
	case <-ctx.Done():
		if d.abandon(p.clientID) {
			d.metrics.sendOutcome("canceled")
			return nil, ctx.Err()
		}
	}
	// Lost the race to a resolver that already took the entry.
	res := <-p.done
	return res.msg, res.err
}

// StartTyping tells the conversation this user is typing.
func (d *MessageDispatcher) StartTyping(ctx context.Context, conversationID string) error {
	return d.conn.send(ctx, EventTypingStart, ConversationPayload{ConversationID: conversationID})
}

// StopTyping clears the typing indicator.
func (d *MessageDispatcher) StopTyping(ctx context.Context, conversationID string) error {
	return d.conn.send(ctx, EventTypingStop, ConversationPayload{ConversationID: conversationID})
}

// Pending returns the number of unresolved sends.
func (d *MessageDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.pending {
		if !p.abandoned {
			n++
		}
	}
	return n
}

// ============================================================================
// Acknowledgements
// ============================================================================

func (d *MessageDispatcher) handleAck(ack MessageSentPayload) {
	p, ok := d.take(ack.ClientID)
	if !ok || p.abandoned {
		d.metrics.lateAck()
		d.logger.Debug().Str("client_id", ack.ClientID).Str("message_id", ack.MessageID).Msg("ignoring acknowledgement with no pending send")
		return
	}

	if !ack.Success {
		msg := ack.Error
		if msg == "" {
			msg = "message rejected"
		}
		d.metrics.sendOutcome("server_error")
		p.done <- sendResult{err: &ServerError{Message: msg}}
		return
	}

	createdAt, err := time.Parse(time.RFC3339Nano, ack.Timestamp)
	if err != nil {
		createdAt = time.Now().UTC()
	}
	msg := &Message{
		ID:             ack.MessageID,
		ConversationID: p.conversationID,
		SenderID:       d.conn.UserID(),
		Content:        p.content,
		CreatedAt:      createdAt,
	}
	if d.cache != nil {
		d.cache.Put(*msg)
	}

	d.metrics.sendOutcome("ok")
	d.metrics.sendLatency(time.Since(p.started))
	p.done <- sendResult{msg: msg}
}

// handleError fails the send the error refers to. It reports false when no
// pending send matches. The late error of an abandoned send is absorbed.
func (d *MessageDispatcher) handleError(e ErrorPayload) bool {
	p, ok := d.take(e.ClientID)
	if !ok {
		return false
	}
	if p.abandoned {
		d.logger.Debug().Str("client_id", p.clientID).Str("message", e.Message).Msg("ignoring error for abandoned send")
		return true
	}
	d.metrics.sendOutcome("server_error")
	p.done <- sendResult{err: &ServerError{Message: e.Message}}
	return true
}

// ============================================================================
// Pending table
// ============================================================================

func (d *MessageDispatcher) add(p *pendingSend) {
	d.mu.Lock()
	d.pending[p.clientID] = p
	d.order = append(d.order, p.clientID)
	d.mu.Unlock()
}

// take removes and returns the send for clientID, or the oldest send on the
// current connection when clientID is empty. The returned send may be
// abandoned, in which case taking it only consumes its slot.
func (d *MessageDispatcher) take(clientID string) (*pendingSend, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if clientID == "" {
		if len(d.order) == 0 {
			return nil, false
		}
		clientID = d.order[0]
	}
	p, ok := d.pending[clientID]
	if !ok {
		return nil, false
	}
	d.removeLocked(clientID)
	return p, true
}

// remove reports whether the caller removed the entry and so owns its
// outcome. It is used when the frame never went out.
func (d *MessageDispatcher) remove(clientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[clientID]; !ok || p.abandoned {
		return false
	}
	d.removeLocked(clientID)
	return true
}

// abandon is remove for a send whose frame went out: the entry stays as a
// placeholder until its late reply arrives or the connection is lost.
func (d *MessageDispatcher) abandon(clientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[clientID]
	if !ok || p.abandoned {
		return false
	}
	p.abandoned = true
	return true
}

// connectionLost drops abandoned placeholders and takes the live sends out of
// FIFO matching: no reply for them can arrive on a new connection. Live sends
// still resolve by client id or time out.
func (d *MessageDispatcher) connectionLost() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, p := range d.pending {
		if p.abandoned {
			delete(d.pending, id)
		}
	}
	d.order = nil
}

func (d *MessageDispatcher) removeLocked(clientID string) {
	delete(d.pending, clientID)
	for i, id := range d.order {
		if id == clientID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}
