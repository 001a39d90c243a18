package chat

import (
	"slices"
	"sync"
)

// Store aggregates the externally observable engine state: the
// conversation list with previews, the active conversation, the
// per-conversation message logs, and the connection flag. It is the
// only component other modules read from, and it emits change events
// so a presentation layer can re-render without the engine depending
// on any rendering mechanism.
type Store struct {
	mu            sync.RWMutex
	conversations []Conversation
	convIndex     map[string]int
	active        string
	messages      map[string][]Message
	connState     ConnectionState

	listenersMu sync.Mutex
	listeners   []Listener
}

func NewStore() *Store {
	return &Store{
		convIndex: make(map[string]int),
		messages:  make(map[string][]Message),
	}
}

// Watch registers a change listener. Listeners are invoked
// synchronously after the mutation is fully applied.
func (s *Store) Watch(fn Listener) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

func (s *Store) emit(ev Event) {
	s.listenersMu.Lock()
	listeners := slices.Clone(s.listeners)
	s.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// ReplaceConversations swaps in a fresh conversation list from the
// REST API. Message logs are kept; conversations are never deleted
// within a session, only replaced on refresh.
func (s *Store) ReplaceConversations(conversations []Conversation) {
	s.mu.Lock()
	s.conversations = slices.Clone(conversations)
	s.convIndex = make(map[string]int, len(conversations))
	for i, c := range s.conversations {
		s.convIndex[c.ID] = i
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventConversationsReplaced})
}

// Conversations returns a copy of the conversation list.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.conversations)
}

// Conversation looks up a conversation by id.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.convIndex[id]
	if !ok {
		return Conversation{}, false
	}
	return s.conversations[i], true
}

// SetPreview updates a conversation's last-message preview.
// Conversations unknown to the list (e.g. created since the last
// refresh) are ignored; the next refresh picks them up.
func (s *Store) SetPreview(conversationID, preview string) {
	s.mu.Lock()
	i, ok := s.convIndex[conversationID]
	if ok {
		s.conversations[i].LastMessagePreview = preview
	}
	s.mu.Unlock()

	if ok {
		s.emit(Event{Kind: EventPreviewUpdated, ConversationID: conversationID})
	}
}

// SetActive switches the active conversation.
func (s *Store) SetActive(conversationID string) {
	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()

	s.emit(Event{Kind: EventActiveChanged, ConversationID: conversationID})
}

// Active returns the currently active conversation id, or "" when no
// conversation is open.
func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Messages returns a copy of a conversation's message log in arrival
// order.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages[conversationID])
}

// SetMessages replaces a conversation's message log, e.g. after a
// history fetch.
func (s *Store) SetMessages(conversationID string, msgs []Message) {
	s.mu.Lock()
	s.messages[conversationID] = slices.Clone(msgs)
	s.mu.Unlock()

	s.emit(Event{Kind: EventMessagesReset, ConversationID: conversationID})
}

// AppendMessage appends to the message's conversation log. The emitted
// event carries ScrollToLatest when the target is the active
// conversation, delegating the actual scroll to the presentation
// layer.
func (s *Store) AppendMessage(msg Message) {
	s.mu.Lock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	scroll := msg.ConversationID == s.active
	s.mu.Unlock()

	s.emit(Event{
		Kind:           EventMessageAppended,
		ConversationID: msg.ConversationID,
		Message:        msg,
		ScrollToLatest: scroll,
	})
}

// ReplaceMessage swaps the message with the given id for the confirmed
// record at the same display position. Returns false when the id is
// not in the conversation's log (e.g. the log was reloaded since).
func (s *Store) ReplaceMessage(conversationID, id string, msg Message) bool {
	s.mu.Lock()
	replaced := false
	log := s.messages[conversationID]
	for i := range log {
		if log[i].ID == id {
			log[i] = msg
			replaced = true
			break
		}
	}
	s.mu.Unlock()

	if replaced {
		s.emit(Event{
			Kind:           EventMessageReplaced,
			ConversationID: conversationID,
			Message:        msg,
		})
	}
	return replaced
}

// MarkFailed flags an optimistic message as failed in place.
func (s *Store) MarkFailed(conversationID, id string) bool {
	s.mu.Lock()
	var failed Message
	marked := false
	log := s.messages[conversationID]
	for i := range log {
		if log[i].ID == id {
			log[i].Status = StatusFailed
			failed = log[i]
			marked = true
			break
		}
	}
	s.mu.Unlock()

	if marked {
		s.emit(Event{
			Kind:           EventMessageReplaced,
			ConversationID: conversationID,
			Message:        failed,
		})
	}
	return marked
}

// SetConnectionState records the transport state for the presentation
// layer's disconnected indicator.
func (s *Store) SetConnectionState(state ConnectionState) {
	s.mu.Lock()
	changed := s.connState != state
	s.connState = state
	s.mu.Unlock()

	if changed {
		s.emit(Event{Kind: EventConnectionState, State: state})
	}
}

// ConnectionState returns the last recorded transport state.
func (s *Store) ConnectionState() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connState
}
