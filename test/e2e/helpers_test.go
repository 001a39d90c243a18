package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/chatsync/internal/chat"
)

// harness holds the full e2e stack: an in-process chat backend serving
// both the REST API and the WebSocket push transport, and a factory for
// engines connected to it.
type harness struct {
	URL     string
	WSURL   string
	Backend *backend
}

// newHarness starts the backend on an httptest server.
func newHarness(t *testing.T) *harness {
	t.Helper()

	b := newBackend()

	mux := http.NewServeMux()
	mux.HandleFunc("/messages/conversations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		b.handleConversations(w, r)
	})
	mux.HandleFunc("/messages/conversations/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/messages/conversations/")
		switch {
		case r.Method == http.MethodGet && rest != "" && !strings.Contains(rest, "/"):
			b.handleHistory(w, r)
		case r.Method == http.MethodPost && strings.HasSuffix(rest, "/messages") && strings.Count(rest, "/") == 1:
			b.handlePost(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/ws", b.handleWS)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &harness{
		URL:     ts.URL,
		WSURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		Backend: b,
	}
}

// startEngine builds an engine against the harness backend and runs it
// until the test ends. Short transport timings keep reconnect tests fast.
func (h *harness) startEngine(t *testing.T, senderID string, session *fakeSession) *chat.Engine {
	t.Helper()
	return h.startEngineAt(t, senderID, session, h.WSURL)
}

// startEngineAt is startEngine with an explicit transport URL, for
// tests that need an unreachable push endpoint.
func (h *harness) startEngineAt(t *testing.T, senderID string, session *fakeSession, wsURL string) *chat.Engine {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	transport := chat.NewTransport(chat.TransportConfig{
		URL:               wsURL,
		SenderID:          senderID,
		HeartbeatInterval: 100 * time.Millisecond,
		HeartbeatTimeout:  5 * time.Second,
		ReconnectDelay:    20 * time.Millisecond,
	}, logger)

	cfg := chat.EngineConfig{
		SenderID:  senderID,
		Rest:      chat.NewClient(nil, h.URL),
		Transport: transport,
	}
	if session != nil {
		cfg.Session = session
	}

	engine := chat.NewEngine(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not shut down")
		}
		engine.Close()
	})

	return engine
}

// fakeSession is an in-memory session store for restore tests.
type fakeSession struct {
	mu       sync.Mutex
	active   string
	lastSeen map[string]string
}

func newFakeSession(active string) *fakeSession {
	return &fakeSession{active: active, lastSeen: make(map[string]string)}
}

func (f *fakeSession) ActiveConversation() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSession) SetActiveConversation(id string) error {
	f.mu.Lock()
	f.active = id
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) SetLastSeen(conversationID, messageID string) error {
	f.mu.Lock()
	f.lastSeen[conversationID] = messageID
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Close() error { return nil }

// backend is a minimal in-process chat server: canned conversation
// lists and histories over REST, plus a WebSocket endpoint speaking the
// push protocol (register, subscribe, send, ping).
type backend struct {
	mu            sync.Mutex
	conversations []chat.Conversation
	history       map[string][]json.RawMessage
	posted        []chat.SendRequest
	registered    []string
	echoSends     bool
	nextID        int

	conns map[*backendConn]struct{}
}

type backendConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	topics map[string]struct{}
}

func newBackend() *backend {
	return &backend{
		history: make(map[string][]json.RawMessage),
		conns:   make(map[*backendConn]struct{}),
	}
}

func (b *backend) setConversations(list ...chat.Conversation) {
	b.mu.Lock()
	b.conversations = list
	b.mu.Unlock()
}

func (b *backend) setHistory(conversationID string, raw ...string) {
	msgs := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		msgs[i] = json.RawMessage(r)
	}
	b.mu.Lock()
	b.history[conversationID] = msgs
	b.mu.Unlock()
}

func (b *backend) postedRequests() []chat.SendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]chat.SendRequest(nil), b.posted...)
}

func (b *backend) registeredSenders() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.registered...)
}

// subscribedTopics reports the union of topics across live connections.
func (b *backend) subscribedTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var topics []string
	for c := range b.conns {
		c.mu.Lock()
		for topic := range c.topics {
			topics = append(topics, topic)
		}
		c.mu.Unlock()
	}
	return topics
}

func (b *backend) hasSubscription(topic string) bool {
	for _, got := range b.subscribedTopics() {
		if got == topic {
			return true
		}
	}
	return false
}

// dropConnections closes every live socket, simulating a network
// disruption or server restart.
func (b *backend) dropConnections() {
	b.mu.Lock()
	conns := make([]*backendConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.ws.Close(websocket.StatusGoingAway, "restarting")
	}
}

// broadcast pushes a message frame to every connection subscribed to
// the topic.
func (b *backend) broadcast(topic string, body string) {
	frame := fmt.Sprintf(`{"op":"message","topic":%q,"body":%s}`, topic, body)

	b.mu.Lock()
	conns := make([]*backendConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		_, ok := c.topics[topic]
		c.mu.Unlock()
		if ok {
			c.write([]byte(frame))
		}
	}
}

func (c *backendConn) write(frame []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.ws.Write(ctx, websocket.MessageText, frame)
}

func (b *backend) handleConversations(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	list := b.conversations
	b.mu.Unlock()

	type summary struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		LastMessage string `json:"lastMessage"`
	}
	out := make([]summary, len(list))
	for i, c := range list {
		out[i] = summary{ID: c.ID, Name: c.Name, LastMessage: c.LastMessagePreview}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (b *backend) handleHistory(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	msgs := b.history[strings.TrimPrefix(r.URL.Path, "/messages/conversations/")]
	b.mu.Unlock()

	if msgs == nil {
		msgs = []json.RawMessage{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msgs)
}

func (b *backend) handlePost(w http.ResponseWriter, r *http.Request) {
	var req chat.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.posted = append(b.posted, req)
	b.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
}

func (b *backend) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	c := &backendConn{ws: ws, topics: make(map[string]struct{})}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		b.handleClientFrame(c, data)
	}
}

func (b *backend) handleClientFrame(c *backendConn, data []byte) {
	switch gjson.GetBytes(data, "op").Str {
	case "subscribe":
		c.mu.Lock()
		c.topics[gjson.GetBytes(data, "topic").Str] = struct{}{}
		c.mu.Unlock()

	case "unsubscribe":
		c.mu.Lock()
		delete(c.topics, gjson.GetBytes(data, "topic").Str)
		c.mu.Unlock()

	case "ping":
		c.write([]byte(`{"op":"pong"}`))

	case "send":
		b.handleClientSend(data)
	}
}

func (b *backend) handleClientSend(data []byte) {
	destination := gjson.GetBytes(data, "destination").Str
	body := gjson.GetBytes(data, "body")

	switch destination {
	case "chat.register":
		b.mu.Lock()
		b.registered = append(b.registered, body.Get("senderId").Str)
		b.mu.Unlock()

	case "chat.send":
		b.mu.Lock()
		b.nextID++
		id := fmt.Sprintf("srv-%d", b.nextID)
		echo := b.echoSends
		b.mu.Unlock()

		conversationID := body.Get("conversationId").Str
		if echo {
			frame := fmt.Sprintf(`{"messageId":%q,"senderId":%q,"content":%q,"sentAt":%q}`,
				id,
				body.Get("senderId").Str,
				body.Get("content").Str,
				time.Now().UTC().Format(time.RFC3339Nano),
			)
			b.broadcast("conversation."+conversationID, frame)
		}
	}
}

// waitFor polls until the condition holds.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}
