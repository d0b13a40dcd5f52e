package hearth

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Wire Events
// ============================================================================

// Event types exchanged over the realtime connection.
const (
	EventAuthenticate       = "authenticate"
	EventConnectionStatus   = "connection_status"
	EventJoinConversation   = "join_conversation"
	EventLeaveConversation  = "leave_conversation"
	EventJoinedConversation = "joined_conversation"
	EventLeftConversation   = "left_conversation"
	EventSendMessage        = "send_message"
	EventMessageSent        = "message_sent"
	EventNewMessage         = "new_message"
	EventTypingStart        = "typing_start"
	EventTypingStop         = "typing_stop"
	EventUserTyping         = "user_typing"
	EventError              = "error"
)

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is a client-to-server frame.
type Command struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatePayload carries the bearer token in the handshake.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// ConnectionStatusPayload confirms or rejects authentication.
type ConnectionStatusPayload struct {
	Status  string `json:"status"` // "connected" or "failed"
	UserID  string `json:"user_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// ConversationPayload addresses a single room.
type ConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessagePayload submits a message. ClientID correlates the ack.
type SendMessagePayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	ClientID       string `json:"client_id"`
}

// MessageSentPayload acknowledges a send.
type MessageSentPayload struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
	Timestamp string `json:"timestamp"`
	ClientID  string `json:"client_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrorPayload is a generic failure signal from the server.
type ErrorPayload struct {
	Message  string `json:"message"`
	ClientID string `json:"client_id,omitempty"`
}

// Message is a delivered or acknowledged chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// TypingEvent relays another participant's typing indicator.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the delivery manager.
type RealtimeConfig struct {
	URL string

	HandshakeTimeout time.Duration
	JoinTimeout      time.Duration
	SendTimeout      time.Duration
	WriteTimeout     time.Duration

	// MaxReconnectAttempts bounds automatic retries. Negative disables them.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// HeartbeatInterval is the ping period. Negative disables the heartbeat.
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration

	Dialer  Dialer
	Logger  *zerolog.Logger
	Metrics *Metrics
}

// Resolved returns a copy of c with every unset field at its default.
func (c RealtimeConfig) Resolved() RealtimeConfig {
	c.defaults()
	return c
}

func (c *RealtimeConfig) defaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &WebSocketDialer{}
	}
	if c.URL == "" {
		c.URL = DefaultRealtimeURL
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ============================================================================
// Connection State
// ============================================================================

// ConnectionState is the lifecycle state owned by the ConnectionManager.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateFailed       ConnectionState = "failed"
)

// StatusEvent is emitted on every state transition.
type StatusEvent struct {
	State    ConnectionState
	Previous ConnectionState
	Err      error
	// Terminal is set when automatic retries are exhausted or disabled.
	Terminal bool
}

// ConnectionStatus is a point-in-time snapshot of the manager.
type ConnectionStatus struct {
	State     ConnectionState
	Terminal  bool
	LastErr   error
	UserID    string
	Reconnect ReconnectState
}
