package hearth

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// ============================================================================
// Event Router
// ============================================================================

type deliverySink interface {
	dispatchMessage(Message)
	dispatchTyping(TypingEvent)
	handleJoined(conversationID string)
	handleLeft(conversationID string)
}

type ackSink interface {
	handleAck(MessageSentPayload)
	handleError(ErrorPayload) bool
}

// EventRouter demultiplexes inbound frames to the registry and dispatcher.
// It holds no state of its own beyond the server error listeners.
type EventRouter struct {
	subs    deliverySink
	acks    ackSink
	cache   *MessageCache
	logger  zerolog.Logger
	metrics *Metrics

	errorListeners listenerSet[func(*ServerError)]
}

func newEventRouter(subs deliverySink, acks ackSink, cache *MessageCache, cfg *RealtimeConfig) *EventRouter {
	return &EventRouter{
		subs:    subs,
		acks:    acks,
		cache:   cache,
		logger:  cfg.Logger.With().Str("component", "router").Logger(),
		metrics: cfg.Metrics,
	}
}

// OnServerError registers a listener for error events not tied to a send.
func (r *EventRouter) OnServerError(fn func(*ServerError)) func() {
	return r.errorListeners.add(fn)
}

// Route handles one inbound frame. It runs on the connection's read
// goroutine, so frames are routed in arrival order. Consumer callbacks are
// handed off to the registry's delivery queue; acks are resolved inline.
func (r *EventRouter) Route(env Envelope) {
	switch env.Type {
	case EventNewMessage:
		var msg Message
		if !r.decode(env, &msg) {
			return
		}
		r.metrics.received("message")
		if r.cache != nil {
			r.cache.Put(msg)
		}
		r.subs.dispatchMessage(msg)

	case EventUserTyping:
		var ev TypingEvent
		if !r.decode(env, &ev) {
			return
		}
		r.metrics.received("typing")
		r.subs.dispatchTyping(ev)

	case EventMessageSent:
		var ack MessageSentPayload
		if !r.decode(env, &ack) {
			return
		}
		r.acks.handleAck(ack)

	case EventError:
		var e ErrorPayload
		if !r.decode(env, &e) {
			return
		}
		r.metrics.received("error")
		if r.acks.handleError(e) {
			return
		}
		r.logger.Warn().Str("message", e.Message).Msg("server error")
		serr := &ServerError{Message: e.Message}
		for _, fn := range r.errorListeners.snapshot() {
			safeCall(&r.logger, "server_error", func() { fn(serr) })
		}

	case EventJoinedConversation:
		var p ConversationPayload
		if r.decode(env, &p) {
			r.subs.handleJoined(p.ConversationID)
		}

	case EventLeftConversation:
		var p ConversationPayload
		if r.decode(env, &p) {
			r.subs.handleLeft(p.ConversationID)
		}

	default:
		r.metrics.received("unknown")
		r.logger.Debug().Str("type", env.Type).Msg("unhandled event")
	}
}

func (r *EventRouter) decode(env Envelope, v interface{}) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		r.logger.Debug().Err(err).Str("type", env.Type).Msg("dropping undecodable payload")
		return false
	}
	return true
}
