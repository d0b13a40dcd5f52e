package hearth

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Delivery Manager
// ============================================================================

// DeliveryManager wires the connection, registry, dispatcher and router
// around one realtime connection. Create one per process and pass it to
// the components that need realtime delivery.
type DeliveryManager struct {
	conn   *ConnectionManager
	subs   *SubscriptionRegistry
	disp   *MessageDispatcher
	router *EventRouter
	cache  *MessageCache
	rest   *Client
	logger zerolog.Logger

	stop []func()
}

// NewDeliveryManager creates a disconnected manager. rest may be nil, in
// which case History fails with ErrNoRESTClient.
func NewDeliveryManager(cfg RealtimeConfig, creds CredentialSource, rest *Client) *DeliveryManager {
	cfg.defaults()

	cache := NewMessageCache()
	conn := NewConnectionManager(cfg, creds)
	subs := newSubscriptionRegistry(conn, &conn.cfg)
	disp := newMessageDispatcher(conn, cache, &conn.cfg)
	router := newEventRouter(subs, disp, cache, &conn.cfg)

	dm := &DeliveryManager{
		conn:   conn,
		subs:   subs,
		disp:   disp,
		router: router,
		cache:  cache,
		rest:   rest,
		logger: cfg.Logger.With().Str("component", "delivery").Logger(),
	}

	conn.setHandler(router.Route)
	dm.stop = append(dm.stop,
		conn.onConnected(subs.rejoinAll),
		conn.OnStatusChange(func(ev StatusEvent) {
			if ev.Previous == StateConnected && ev.State != StateConnected {
				subs.markPending()
				disp.connectionLost()
			}
		}),
		creds.Watch(dm.credentialChanged),
	)
	return dm
}

// credentialChanged never reuses a connection authenticated with a stale
// token.
func (dm *DeliveryManager) credentialChanged(token string) {
	if token == "" {
		dm.logger.Info().Msg("credential removed, disconnecting")
		if err := dm.conn.Disconnect(); err != nil {
			dm.logger.Debug().Err(err).Msg("disconnect")
		}
		return
	}
	dm.logger.Info().Msg("credential changed, reconnecting")
	go func() {
		if err := dm.conn.ForceReconnect(context.Background()); err != nil {
			dm.logger.Warn().Err(err).Msg("reconnect with new credential failed")
		}
	}()
}

// ── Connection ───────────────────────────────────────────

func (dm *DeliveryManager) Connect(ctx context.Context) error { return dm.conn.Connect(ctx) }

func (dm *DeliveryManager) Disconnect() error { return dm.conn.Disconnect() }

func (dm *DeliveryManager) Reconnect(ctx context.Context) error { return dm.conn.Reconnect(ctx) }

func (dm *DeliveryManager) ForceReconnect(ctx context.Context) error {
	return dm.conn.ForceReconnect(ctx)
}

func (dm *DeliveryManager) Status() ConnectionState { return dm.conn.Status() }

func (dm *DeliveryManager) Snapshot() ConnectionStatus { return dm.conn.Snapshot() }

func (dm *DeliveryManager) OnStatusChange(fn func(StatusEvent)) func() {
	return dm.conn.OnStatusChange(fn)
}

func (dm *DeliveryManager) OnReconnecting(fn func(attempt int, delay time.Duration)) func() {
	return dm.conn.OnReconnecting(fn)
}

func (dm *DeliveryManager) OnServerError(fn func(*ServerError)) func() {
	return dm.router.OnServerError(fn)
}

// Connection exposes the underlying ConnectionManager.
func (dm *DeliveryManager) Connection() *ConnectionManager { return dm.conn }

// ── Subscriptions ────────────────────────────────────────

func (dm *DeliveryManager) SubscribeToMessages(conversationID string, fn func(Message)) Unsubscribe {
	return dm.subs.SubscribeToMessages(conversationID, fn)
}

func (dm *DeliveryManager) SubscribeToTyping(conversationID string, fn func(TypingEvent)) Unsubscribe {
	return dm.subs.SubscribeToTyping(conversationID, fn)
}

func (dm *DeliveryManager) JoinStatus(conversationID string) JoinStatus {
	return dm.subs.JoinStatus(conversationID)
}

// Subscriptions exposes the underlying SubscriptionRegistry.
func (dm *DeliveryManager) Subscriptions() *SubscriptionRegistry { return dm.subs }

// ── Sending ──────────────────────────────────────────────

func (dm *DeliveryManager) SendMessage(ctx context.Context, conversationID, content string) (*Message, error) {
	return dm.disp.SendMessage(ctx, conversationID, content)
}

func (dm *DeliveryManager) StartTyping(ctx context.Context, conversationID string) error {
	return dm.disp.StartTyping(ctx, conversationID)
}

func (dm *DeliveryManager) StopTyping(ctx context.Context, conversationID string) error {
	return dm.disp.StopTyping(ctx, conversationID)
}

// ── History ──────────────────────────────────────────────

// History loads a page of messages over REST and merges it into the cache.
func (dm *DeliveryManager) History(ctx context.Context, conversationID string, opts *PageOptions) ([]Message, error) {
	if dm.rest == nil {
		return nil, ErrNoRESTClient
	}
	msgs, err := dm.rest.GetMessages(ctx, conversationID, opts)
	if err != nil {
		return nil, err
	}
	dm.cache.Put(msgs...)
	return msgs, nil
}

// Cache returns the local message cache.
func (dm *DeliveryManager) Cache() *MessageCache { return dm.cache }

// Close disconnects and releases the credential watch.
func (dm *DeliveryManager) Close() error {
	for _, fn := range dm.stop {
		fn()
	}
	dm.stop = nil
	return dm.conn.Disconnect()
}
