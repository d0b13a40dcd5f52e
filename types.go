package hearth

import (
	"encoding/json"
	"fmt"
	"time"
)

// APIError represents a REST API error.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// ============================================================================
// REST Types
// ============================================================================

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

type Conversation struct {
	ID             string    `json:"id"`
	Type           string    `json:"type,omitempty"`
	Title          string    `json:"title,omitempty"`
	ParticipantIDs []string  `json:"participant_ids,omitempty"`
	LastMessage    *Message  `json:"last_message,omitempty"`
	UnreadCount    int       `json:"unread_count,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type CreateConversationOptions struct {
	ParticipantIDs []string `json:"participant_ids"`
	Title          string   `json:"title,omitempty"`
}

// PageOptions pages through message history, newest page first.
type PageOptions struct {
	Limit  int
	Before time.Time
}

type SearchOptions struct {
	ConversationID string
	Limit          int
}

type unreadCountData struct {
	Count int `json:"count"`
}
