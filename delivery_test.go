package hearth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDelivery(t *testing.T, creds CredentialSource, rest *Client) (*DeliveryManager, *fakeDialer) {
	t.Helper()
	d := newFakeDialer(acceptAll(t))
	dm := NewDeliveryManager(testConfig(d), creds, rest)
	t.Cleanup(func() { dm.Close() })
	return dm, d
}

func authToken(t *testing.T, c *fakeConn) string {
	t.Helper()
	auth := c.sent(EventAuthenticate)
	require.Len(t, auth, 1)
	var p AuthenticatePayload
	require.NoError(t, json.Unmarshal(auth[0].Payload, &p))
	return p.Token
}

func TestDelivery_SubscribeBeforeConnect(t *testing.T) {
	dm, d := newTestDelivery(t, NewMemoryCredentials("t1"), nil)

	got := make(chan Message, 1)
	dm.SubscribeToMessages("c1", func(m Message) { got <- m })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, JoinPending, dm.JoinStatus("c1"))

	require.NoError(t, dm.Connect(context.Background()))
	require.Eventually(t, func() bool { return dm.JoinStatus("c1") == JoinJoined }, time.Second, time.Millisecond)

	conn := d.conn(0)
	assert.Len(t, conn.sent(EventJoinConversation), 1)

	conn.push(frame(t, EventNewMessage, Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hey"}))
	select {
	case m := <-got:
		assert.Equal(t, "hey", m.Content)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	_, cached := dm.Cache().Get("m1")
	assert.True(t, cached)
}

func TestDelivery_SendMessage(t *testing.T) {
	dm, _ := newTestDelivery(t, NewMemoryCredentials("t1"), nil)

	_, err := dm.SendMessage(context.Background(), "c1", "too early")
	require.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, dm.Connect(context.Background()))
	msg, err := dm.SendMessage(context.Background(), "c1", "hello")
	require.NoError(t, err)

	assert.Contains(t, msg.ID, "msg-")
	assert.Equal(t, testUserID, msg.SenderID)
	cached, ok := dm.Cache().Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, "hello", cached.Content)
}

func TestDelivery_CredentialRotationReconnects(t *testing.T) {
	creds := NewMemoryCredentials("t1")
	dm, d := newTestDelivery(t, creds, nil)

	dm.SubscribeToMessages("c1", func(Message) {})
	require.NoError(t, dm.Connect(context.Background()))
	require.Eventually(t, func() bool { return dm.JoinStatus("c1") == JoinJoined }, time.Second, time.Millisecond)

	creds.Set("t2")

	require.Eventually(t, func() bool {
		return d.dialCount() == 2 && dm.Status() == StateConnected
	}, time.Second, time.Millisecond)
	assert.True(t, d.conn(0).isClosed(), "stale connection is closed")
	assert.Equal(t, ReasonClientDisconnect, d.conn(0).closeReason())
	assert.Equal(t, "t2", authToken(t, d.conn(1)))

	require.Eventually(t, func() bool { return len(d.conn(1).sent(EventJoinConversation)) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return dm.JoinStatus("c1") == JoinJoined }, time.Second, time.Millisecond)
}

func TestDelivery_CredentialRemovalDisconnects(t *testing.T) {
	creds := NewMemoryCredentials("t1")
	dm, d := newTestDelivery(t, creds, nil)
	require.NoError(t, dm.Connect(context.Background()))

	creds.Clear()

	assert.Equal(t, StateDisconnected, dm.Status())
	assert.True(t, d.conn(0).isClosed())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount(), "no reconnect without a credential")
}

func TestDelivery_RejoinAfterDrop(t *testing.T) {
	dm, d := newTestDelivery(t, NewMemoryCredentials("t1"), nil)

	dm.SubscribeToTyping("c1", func(TypingEvent) {})
	dm.SubscribeToMessages("c2", func(Message) {})
	require.NoError(t, dm.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return dm.JoinStatus("c1") == JoinJoined && dm.JoinStatus("c2") == JoinJoined
	}, time.Second, time.Millisecond)

	d.conn(0).drop()

	require.Eventually(t, func() bool {
		c := d.conn(1)
		return c != nil && len(c.sent(EventJoinConversation)) == 2
	}, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return dm.JoinStatus("c1") == JoinJoined && dm.JoinStatus("c2") == JoinJoined
	}, time.Second, time.Millisecond)
}

func TestDelivery_UnsubscribeLeavesRoom(t *testing.T) {
	dm, d := newTestDelivery(t, NewMemoryCredentials("t1"), nil)
	require.NoError(t, dm.Connect(context.Background()))

	unsub := dm.SubscribeToMessages("c1", func(Message) {})
	require.Eventually(t, func() bool { return dm.JoinStatus("c1") == JoinJoined }, time.Second, time.Millisecond)
	unsub()

	require.Eventually(t, func() bool { return len(d.conn(0).sent(EventLeaveConversation)) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, JoinUntracked, dm.JoinStatus("c1"))
}

func TestDelivery_History(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/conversations/c1/messages", r.URL.Path)
		writeResult(w, http.StatusOK, []Message{{ID: "h1", Content: "old news"}})
	}))
	defer srv.Close()

	creds := NewMemoryCredentials("t1")
	client := NewClient(creds, WithBaseURL(srv.URL))
	dm := client.Realtime(testConfig(newFakeDialer(acceptAll(t))))
	defer dm.Close()

	msgs, err := dm.History(context.Background(), "c1", &PageOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	cached, ok := dm.Cache().Get("h1")
	require.True(t, ok)
	assert.Equal(t, "c1", cached.ConversationID)
}

func TestDelivery_HistoryWithoutRESTClient(t *testing.T) {
	dm, _ := newTestDelivery(t, NewMemoryCredentials("t1"), nil)

	_, err := dm.History(context.Background(), "c1", nil)
	assert.ErrorIs(t, err, ErrNoRESTClient)
}

func TestDelivery_CloseReleasesCredentialWatch(t *testing.T) {
	creds := NewMemoryCredentials("t1")
	dm, d := newTestDelivery(t, creds, nil)
	require.NoError(t, dm.Connect(context.Background()))

	require.NoError(t, dm.Close())
	creds.Set("t2")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, StateDisconnected, dm.Status())
}

func TestDelivery_UnhandledServerError(t *testing.T) {
	dm, d := newTestDelivery(t, NewMemoryCredentials("t1"), nil)
	require.NoError(t, dm.Connect(context.Background()))

	got := make(chan string, 1)
	dm.OnServerError(func(e *ServerError) { got <- e.Message })
	d.conn(0).push(frame(t, EventError, ErrorPayload{Message: "maintenance in 5m"}))

	select {
	case msg := <-got:
		assert.Equal(t, "maintenance in 5m", msg)
	case <-time.After(time.Second):
		t.Fatal("server error not surfaced")
	}
}

func TestDelivery_SendFromHandler(t *testing.T) {
	dm, d := newTestDelivery(t, NewMemoryCredentials("t1"), nil)
	require.NoError(t, dm.Connect(context.Background()))

	type reply struct {
		msg *Message
		err error
	}
	replies := make(chan reply, 1)
	dm.SubscribeToMessages("c1", func(m Message) {
		if m.SenderID == testUserID {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		msg, err := dm.SendMessage(ctx, "c1", "auto-reply")
		replies <- reply{msg, err}
	})
	require.Eventually(t, func() bool { return dm.JoinStatus("c1") == JoinJoined }, time.Second, time.Millisecond)

	d.conn(0).push(frame(t, EventNewMessage, Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "ping"}))

	select {
	case r := <-replies:
		require.NoError(t, r.err)
		assert.Equal(t, "auto-reply", r.msg.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("send from handler never resolved")
	}
}

func TestDelivery_BlockedHandlerDoesNotStallAcks(t *testing.T) {
	dm, d := newTestDelivery(t, NewMemoryCredentials("t1"), nil)
	require.NoError(t, dm.Connect(context.Background()))

	release := make(chan struct{})
	defer close(release)
	entered := make(chan struct{})
	dm.SubscribeToMessages("c1", func(Message) {
		close(entered)
		<-release
	})
	require.Eventually(t, func() bool { return dm.JoinStatus("c1") == JoinJoined }, time.Second, time.Millisecond)

	d.conn(0).push(frame(t, EventNewMessage, Message{ID: "m1", ConversationID: "c1", SenderID: "u2"}))
	<-entered

	msg, err := dm.SendMessage(context.Background(), "c2", "still flowing")
	require.NoError(t, err)
	assert.Equal(t, "still flowing", msg.Content)
	assert.Equal(t, StateConnected, dm.Status())
}
