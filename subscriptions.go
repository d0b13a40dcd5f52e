package hearth

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Subscription Registry
// ============================================================================

// Unsubscribe removes a subscription. It is idempotent. After it returns no
// new invocation of the handler starts, and it may be called from inside the
// handler itself.
type Unsubscribe func()

// JoinStatus reports room membership for a tracked conversation.
type JoinStatus string

const (
	JoinUntracked JoinStatus = "untracked"
	JoinPending   JoinStatus = "pending"
	JoinJoined    JoinStatus = "joined"
	JoinFailed    JoinStatus = "failed"
)

// sender is the outbound half of the ConnectionManager.
type sender interface {
	send(ctx context.Context, eventType string, payload interface{}) error
}

type subscription struct {
	id        uint64
	typing    bool
	onMessage func(Message)
	onTyping  func(TypingEvent)

	active atomic.Bool
	callMu sync.Mutex // held for the duration of one invocation
}

type room struct {
	messages map[uint64]*subscription
	typing   map[uint64]*subscription
	status   JoinStatus
	ack      chan struct{} // closed by joined_conversation for the current join
}

func (rm *room) empty() bool {
	return len(rm.messages) == 0 && len(rm.typing) == 0
}

// SubscriptionRegistry maps conversations to callbacks and owns room
// membership on the shared connection.
type SubscriptionRegistry struct {
	conn        sender
	joinTimeout time.Duration
	logger      zerolog.Logger
	metrics     *Metrics

	mu    sync.Mutex
	next  uint64
	rooms map[string]*room

	// wireMu orders join and leave frames for the same conversation.
	wireMu sync.Mutex

	queue      deliveryQueue
	delivering atomic.Pointer[subscription]
}

func newSubscriptionRegistry(conn sender, cfg *RealtimeConfig) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		conn:        conn,
		joinTimeout: cfg.JoinTimeout,
		logger:      cfg.Logger.With().Str("component", "subscriptions").Logger(),
		metrics:     cfg.Metrics,
		rooms:       make(map[string]*room),
	}
}

// SubscribeToMessages registers fn for new messages in conversationID. The
// first subscription of any kind for a conversation joins its room in the
// background; a failed join never fails the subscription. A nil fn
// subscribes nothing.
func (r *SubscriptionRegistry) SubscribeToMessages(conversationID string, fn func(Message)) Unsubscribe {
	if fn == nil {
		return func() {}
	}
	return r.subscribe(conversationID, &subscription{onMessage: fn})
}

// SubscribeToTyping registers fn for typing indicators in conversationID.
func (r *SubscriptionRegistry) SubscribeToTyping(conversationID string, fn func(TypingEvent)) Unsubscribe {
	if fn == nil {
		return func() {}
	}
	return r.subscribe(conversationID, &subscription{typing: true, onTyping: fn})
}

func (r *SubscriptionRegistry) subscribe(conversationID string, sub *subscription) Unsubscribe {
	sub.active.Store(true)

	r.mu.Lock()
	r.next++
	sub.id = r.next
	rm, ok := r.rooms[conversationID]
	if !ok {
		rm = &room{
			messages: make(map[uint64]*subscription),
			typing:   make(map[uint64]*subscription),
			status:   JoinPending,
		}
		r.rooms[conversationID] = rm
	}
	if sub.typing {
		rm.typing[sub.id] = sub
	} else {
		rm.messages[sub.id] = sub
	}
	r.mu.Unlock()

	r.metrics.subscriptionsAdd(1)
	if !ok {
		go r.join(conversationID, rm)
	}

	return func() { r.unsubscribe(conversationID, sub) }
}

func (r *SubscriptionRegistry) unsubscribe(conversationID string, sub *subscription) {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}
	// Wait out an invocation that already passed the active check. A running
	// handler may be unsubscribing itself, so never wait on that one.
	if r.delivering.Load() != sub {
		sub.callMu.Lock()
		sub.callMu.Unlock()
	}

	r.mu.Lock()
	rm, ok := r.rooms[conversationID]
	left := false
	if ok {
		delete(rm.messages, sub.id)
		delete(rm.typing, sub.id)
		if rm.empty() {
			delete(r.rooms, conversationID)
			if rm.ack != nil {
				close(rm.ack)
				rm.ack = nil
			}
			left = true
		}
	}
	r.mu.Unlock()

	r.metrics.subscriptionsAdd(-1)
	if left {
		go r.leave(conversationID)
	}
}

// ============================================================================
// Room membership
// ============================================================================

// join sends join_conversation and waits for the acknowledgement. A timeout
// marks the room failed but keeps its subscriptions.
func (r *SubscriptionRegistry) join(conversationID string, rm *room) {
	r.wireMu.Lock()
	r.mu.Lock()
	if r.rooms[conversationID] != rm {
		r.mu.Unlock()
		r.wireMu.Unlock()
		return
	}
	if rm.ack != nil {
		close(rm.ack)
	}
	ack := make(chan struct{})
	rm.ack = ack
	rm.status = JoinPending
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.joinTimeout)
	defer cancel()

	err := r.conn.send(ctx, EventJoinConversation, ConversationPayload{ConversationID: conversationID})
	r.wireMu.Unlock()

	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			// Rejoined on the next authenticated connect.
			r.logger.Debug().Str("conversation_id", conversationID).Msg("join deferred until connected")
			return
		}
		r.failJoin(conversationID, rm, ack, err, "error")
		return
	}

	select {
	case <-ack:
	case <-ctx.Done():
		r.failJoin(conversationID, rm, ack, ErrJoinTimeout, "timeout")
	}
}

func (r *SubscriptionRegistry) failJoin(conversationID string, rm *room, ack chan struct{}, err error, outcome string) {
	r.mu.Lock()
	if rm.ack != ack {
		r.mu.Unlock()
		return
	}
	close(ack)
	rm.ack = nil
	rm.status = JoinFailed
	r.mu.Unlock()

	r.metrics.roomJoin(outcome)
	r.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("room join failed")
}

// leave sends leave_conversation unless the conversation was tracked again
// in the meantime.
func (r *SubscriptionRegistry) leave(conversationID string) {
	r.wireMu.Lock()
	defer r.wireMu.Unlock()

	r.mu.Lock()
	_, tracked := r.rooms[conversationID]
	r.mu.Unlock()
	if tracked {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.joinTimeout)
	defer cancel()
	if err := r.conn.send(ctx, EventLeaveConversation, ConversationPayload{ConversationID: conversationID}); err != nil {
		r.logger.Debug().Err(err).Str("conversation_id", conversationID).Msg("leave not sent")
	}
}

func (r *SubscriptionRegistry) handleJoined(conversationID string) {
	r.mu.Lock()
	rm, ok := r.rooms[conversationID]
	if !ok {
		r.mu.Unlock()
		return
	}
	rm.status = JoinJoined
	if rm.ack != nil {
		close(rm.ack)
		rm.ack = nil
	}
	r.mu.Unlock()

	r.metrics.roomJoin("joined")
	r.logger.Debug().Str("conversation_id", conversationID).Msg("joined conversation")
}

func (r *SubscriptionRegistry) handleLeft(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[conversationID]
	if !ok || rm.status != JoinJoined {
		return
	}
	rm.status = JoinFailed
	r.logger.Warn().Str("conversation_id", conversationID).Msg("removed from conversation by server")
}

// rejoinAll re-issues joins for every tracked conversation.
func (r *SubscriptionRegistry) rejoinAll() {
	r.mu.Lock()
	rooms := make(map[string]*room, len(r.rooms))
	for id, rm := range r.rooms {
		rooms[id] = rm
	}
	r.mu.Unlock()

	for id, rm := range rooms {
		go r.join(id, rm)
	}
}

// markPending resets membership after the connection is lost.
func (r *SubscriptionRegistry) markPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rm := range r.rooms {
		if rm.ack != nil {
			close(rm.ack)
			rm.ack = nil
		}
		rm.status = JoinPending
	}
}

// ============================================================================
// Delivery
// ============================================================================

// dispatchMessage queues msg for delivery and returns at once. Handlers run
// on the registry's delivery goroutine, in arrival order, so a handler that
// blocks (or sends and waits for its ack) never stalls the connection reader.
func (r *SubscriptionRegistry) dispatchMessage(msg Message) {
	r.queue.push(func() { r.deliverMessage(msg) })
}

func (r *SubscriptionRegistry) dispatchTyping(ev TypingEvent) {
	r.queue.push(func() { r.deliverTyping(ev) })
}

// deliverMessage invokes every message handler of the conversation. It
// returns the number of handlers invoked.
func (r *SubscriptionRegistry) deliverMessage(msg Message) int {
	n := 0
	for _, sub := range r.snapshot(msg.ConversationID, false) {
		if r.invoke(sub, "message", func() { sub.onMessage(msg) }) {
			n++
		}
	}
	return n
}

func (r *SubscriptionRegistry) deliverTyping(ev TypingEvent) int {
	n := 0
	for _, sub := range r.snapshot(ev.ConversationID, true) {
		if r.invoke(sub, "typing", func() { sub.onTyping(ev) }) {
			n++
		}
	}
	return n
}

func (r *SubscriptionRegistry) snapshot(conversationID string, typing bool) []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[conversationID]
	if !ok {
		return nil
	}
	set := rm.messages
	if typing {
		set = rm.typing
	}
	subs := make([]*subscription, 0, len(set))
	for _, sub := range set {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

func (r *SubscriptionRegistry) invoke(sub *subscription, kind string, fn func()) bool {
	sub.callMu.Lock()
	defer sub.callMu.Unlock()
	if !sub.active.Load() {
		return false
	}
	r.delivering.Store(sub)
	defer r.delivering.Store(nil)
	safeCall(&r.logger, kind, fn)
	return true
}

// deliveryQueue runs queued deliveries one at a time on a goroutine that
// exists only while the queue is non-empty.
type deliveryQueue struct {
	mu      sync.Mutex
	items   []func()
	running bool
}

func (q *deliveryQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.run()
}

func (q *deliveryQueue) run() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		fn()
	}
}

// ============================================================================
// Queries
// ============================================================================

// JoinStatus returns the membership status of conversationID.
func (r *SubscriptionRegistry) JoinStatus(conversationID string) JoinStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[conversationID]
	if !ok {
		return JoinUntracked
	}
	return rm.status
}

// Tracked reports whether any subscription exists for conversationID.
func (r *SubscriptionRegistry) Tracked(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[conversationID]
	return ok
}

// Conversations returns the tracked conversation ids, sorted.
func (r *SubscriptionRegistry) Conversations() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}
