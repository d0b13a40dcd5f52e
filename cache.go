package hearth

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// MessageCache
// ============================================================================

// MessageCache is a goroutine-safe in-memory store of messages and
// conversations, keyed by id.
type MessageCache struct {
	mu            sync.RWMutex
	messages      map[string]Message
	conversations map[string]Conversation
}

// NewMessageCache creates an empty cache.
func NewMessageCache() *MessageCache {
	return &MessageCache{
		messages:      make(map[string]Message),
		conversations: make(map[string]Conversation),
	}
}

// ── Messages ─────────────────────────────────────────────

// Put stores messages. A message whose id is already cached replaces it.
func (c *MessageCache) Put(msgs ...Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		c.messages[m.ID] = m
	}
}

func (c *MessageCache) Get(id string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.messages[id]
	return m, ok
}

// Messages returns up to limit messages of a conversation created before
// before (zero means no bound), oldest first. limit <= 0 returns all.
func (c *MessageCache) Messages(conversationID string, limit int, before time.Time) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []Message
	for _, m := range c.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if before.IsZero() || m.CreatedAt.Before(before) {
			result = append(result, m)
		}
	}
	sortMessages(result)
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result
}

// Search does a case-insensitive substring match on message content. An
// empty conversationID searches every conversation.
func (c *MessageCache) Search(query, conversationID string, limit int) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q := strings.ToLower(query)
	var results []Message
	for _, m := range c.messages {
		if conversationID != "" && m.ConversationID != conversationID {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content), q) {
			results = append(results, m)
		}
	}
	sortMessages(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (c *MessageCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, id)
}

// Len returns the number of cached messages.
func (c *MessageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

func sortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// ── Conversations ────────────────────────────────────────

func (c *MessageCache) PutConversations(convs ...Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conv := range convs {
		c.conversations[conv.ID] = conv
	}
}

// Conversations returns cached conversations, most recently updated first.
func (c *MessageCache) Conversations(limit int) []Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		result = append(result, conv)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
