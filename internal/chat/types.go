package chat

import (
	"encoding/json"
	"time"
)

// ConnectionState describes the push transport lifecycle. Exactly one
// instance exists per engine, owned by the Transport.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MessageStatus tracks whether a message has been confirmed by the server.
type MessageStatus string

const (
	// StatusOptimistic marks a locally rendered message awaiting its
	// server echo.
	StatusOptimistic MessageStatus = "optimistic"

	// StatusConfirmed marks a message received from the server.
	StatusConfirmed MessageStatus = "confirmed"

	// StatusFailed marks a local send that failed on both the push
	// transport and the REST fallback.
	StatusFailed MessageStatus = "failed"
)

// Message is the canonical message record. Within a conversation's log,
// ordering is arrival order, not necessarily SentAt order.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Sender         string        `json:"sender"`
	Text           string        `json:"text"`
	SentAt         time.Time     `json:"sentAt"`
	Status         MessageStatus `json:"status"`
}

// Conversation is a single conversation summary. LastMessagePreview is
// updated whenever a live message for the conversation arrives.
type Conversation struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	LastMessagePreview string `json:"lastMessagePreview"`
}

// PendingSend is an optimistic local send awaiting its authoritative
// server echo. Owned exclusively by the Reconciler.
type PendingSend struct {
	TemporaryID    string
	ConversationID string
	Sender         string
	Text           string
	CreatedAt      time.Time
}

// REST API types.

// conversationSummary is a single entry from GET /messages/conversations.
type conversationSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LastMessage string `json:"lastMessage"`
}

// SendRequest is the payload for POST
// /messages/conversations/{id}/messages and the body published to the
// chat.send destination.
type SendRequest struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
}

// apiError represents an error response body from the REST backend.
type apiError struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}

// Push transport frame types. Every frame is a JSON text message with
// an "op" discriminator.

// registerBody is published to the chat.register destination once per
// connection establishment.
type registerBody struct {
	SenderID string `json:"senderId"`
}

// publishFrame carries an application payload to a named destination.
type publishFrame struct {
	Op          string          `json:"op"`
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body"`
}

// subscribeFrame subscribes or unsubscribes a broadcast topic.
type subscribeFrame struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
}

// topicPrefix namespaces per-conversation broadcast topics.
const topicPrefix = "conversation."

// topicFor derives the deterministic broadcast topic for a conversation.
func topicFor(conversationID string) string {
	return topicPrefix + conversationID
}

// Store events.

// EventKind discriminates store change notifications.
type EventKind int

const (
	EventConnectionState EventKind = iota
	EventConversationsReplaced
	EventPreviewUpdated
	EventActiveChanged
	EventMessagesReset
	EventMessageAppended
	EventMessageReplaced
)

// Event is a store change notification delivered to listeners. The
// presentation layer subscribes to these; the engine itself has no
// rendering dependency.
type Event struct {
	Kind           EventKind
	ConversationID string
	Message        Message
	State          ConnectionState

	// ScrollToLatest is set when a message was appended to the
	// currently active conversation's log.
	ScrollToLatest bool
}

// Listener receives store change events. Listeners run synchronously
// on the mutating goroutine and must not call back into the store.
type Listener func(Event)
