package hearth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeResult(w http.ResponseWriter, status int, data interface{}) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Result{OK: true, Data: raw})
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *MemoryCredentials) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	creds := NewMemoryCredentials("sk-test")
	return NewClient(creds, WithBaseURL(srv.URL+"/"), WithUserAgent("hearth-test")), creds
}

func TestClient_BearerAndHeaders(t *testing.T) {
	client, creds := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/messages/conversations", r.URL.Path)
		assert.Equal(t, "Bearer sk-rotated", r.Header.Get("Authorization"))
		assert.Equal(t, "hearth-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		writeResult(w, http.StatusOK, []Conversation{{ID: "c1", Title: "Team"}})
	})
	creds.Set("sk-rotated") // read per request

	convs, err := client.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "Team", convs[0].Title)
}

func TestClient_NoTokenSendsNothing(t *testing.T) {
	var hits atomic.Int32
	client, creds := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})
	creds.Clear()

	_, err := client.UnreadCount(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)
	assert.EqualValues(t, 0, hits.Load())
}

func TestClient_APIError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(Result{Error: &APIError{Code: "NOT_FOUND", Message: "no such conversation"}})
	})

	_, err := client.GetMessages(context.Background(), "missing", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Equal(t, "NOT_FOUND: no such conversation", apiErr.Error())
}

func TestClient_ErrorWithoutBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.ListConversations(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "http 502: Bad Gateway", apiErr.Error())
}

func TestClient_GetMessagesQueryAndOrder(t *testing.T) {
	before := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/conversations/c%2F1/messages", r.URL.EscapedPath())
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "2026-05-01T10:00:00Z", r.URL.Query().Get("before"))
		writeResult(w, http.StatusOK, []Message{
			{ID: "m2", Content: "second", CreatedAt: before.Add(-time.Minute)},
			{ID: "m1", Content: "first", CreatedAt: before.Add(-2 * time.Minute)},
		})
	})

	msgs, err := client.GetMessages(context.Background(), "c/1", &PageOptions{Limit: 20, Before: before})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "c/1", msgs[0].ConversationID)
}

func TestClient_SearchMessages(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/search", r.URL.Path)
		assert.Equal(t, "lunch", r.URL.Query().Get("q"))
		assert.Equal(t, "c1", r.URL.Query().Get("conversation_id"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeResult(w, http.StatusOK, []Message{{ID: "m1", ConversationID: "c1", Content: "lunch?"}})
	})

	msgs, err := client.SearchMessages(context.Background(), "lunch", &SearchOptions{ConversationID: "c1", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestClient_CreateConversation(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var opts CreateConversationOptions
		require.NoError(t, json.Unmarshal(body, &opts))
		assert.Equal(t, []string{"u2"}, opts.ParticipantIDs)
		writeResult(w, http.StatusCreated, Conversation{ID: "c9", Title: opts.Title, ParticipantIDs: opts.ParticipantIDs})
	})

	conv, err := client.CreateConversation(context.Background(), &CreateConversationOptions{ParticipantIDs: []string{"u2"}, Title: "Pair"})
	require.NoError(t, err)
	assert.Equal(t, "c9", conv.ID)

	_, err = client.CreateConversation(context.Background(), &CreateConversationOptions{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "INVALID_INPUT", apiErr.Code)
}

func TestClient_MarkReadAndUnread(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/messages/conversations/c1/mark-read":
			assert.Equal(t, "POST", r.Method)
			w.WriteHeader(http.StatusNoContent)
		case "/messages/unread-count":
			writeResult(w, http.StatusOK, map[string]int{"count": 7})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	require.NoError(t, client.MarkRead(context.Background(), "c1"))
	n, err := client.UnreadCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}
