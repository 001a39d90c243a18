package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient creates a Client pointed at the given httptest server.
func newTestClient(srv *httptest.Server) *Client {
	return &Client{
		httpClient: srv.Client(),
		baseURL:    srv.URL,
	}
}

func TestFetchConversations_MapsSummaries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/messages/conversations", r.URL.Path)
		w.Write([]byte(`[
			{"id":"c1","name":"general","lastMessage":"see you there"},
			{"id":"c2","name":"random","lastMessage":""}
		]`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	conversations, err := c.FetchConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, "c1", conversations[0].ID)
	assert.Equal(t, "general", conversations[0].Name)
	assert.Equal(t, "see you there", conversations[0].LastMessagePreview)
}

func TestFetchConversations_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"database unavailable"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.FetchConversations(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")
	assert.Contains(t, err.Error(), "500")
}

func TestFetchMessages_ReturnsRawPayloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/conversations/c1", r.URL.Path)
		w.Write([]byte(`[
			{"messageId":"m1","senderId":"u1","content":"old shape"},
			{"id":"m2","from":"u2","text":"new shape"}
		]`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	raw, err := c.FetchMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, raw, 2)

	// Shapes stay raw; decoding is the Normalizer's job.
	var probe map[string]any
	require.NoError(t, json.Unmarshal(raw[0], &probe))
	assert.Equal(t, "m1", probe["messageId"])
}

func TestFetchMessages_EscapesConversationID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/conversations/a%2Fb", r.URL.EscapedPath())
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.FetchMessages(context.Background(), "a/b")
	require.NoError(t, err)
}

func TestPostMessage_SendsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messages/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var req SendRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "c1", req.ConversationID)
		assert.Equal(t, "u1", req.SenderID)
		assert.Equal(t, "hello", req.Content)

		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.PostMessage(context.Background(), "c1", SendRequest{
		ConversationID: "c1",
		SenderID:       "u1",
		Content:        "hello",
	})
	require.NoError(t, err)
}

func TestPostMessage_FailureSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`upstream down`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.PostMessage(context.Background(), "c1", SendRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNewClient_DefaultsHTTPClient(t *testing.T) {
	c := NewClient(nil, "https://example.com")
	assert.Same(t, http.DefaultClient, c.httpClient)
}
