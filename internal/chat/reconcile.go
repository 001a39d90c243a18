package chat

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Reconciler tracks locally-originated optimistic sends awaiting their
// authoritative server echo, and matches inbound broadcasts against
// them so a confirmed echo replaces the optimistic record instead of
// duplicating it.
//
// Matching is content-based (same conversation, same sender, same
// normalized text) because the backend echoes no client correlation
// id. The policy is first-eligible-match: at most one pending entry is
// consumed per inbound message, and duplicate rapid sends of identical
// text confirm in FIFO order.
type Reconciler struct {
	mu      sync.Mutex
	pending []PendingSend
}

func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// Track registers an optimistic send. Returns immediately; the entry
// stays until matched, explicitly removed, or the conversation is
// reloaded.
func (q *Reconciler) Track(p PendingSend) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	q.mu.Lock()
	q.pending = append(q.pending, p)
	q.mu.Unlock()
}

// Match finds the first pending entry eligible for the inbound
// confirmed message and removes it from the queue. Eligibility: same
// conversation, same sender, equal text after unicode and whitespace
// normalization.
func (q *Reconciler) Match(msg Message) (PendingSend, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, p := range q.pending {
		if p.ConversationID != msg.ConversationID {
			continue
		}
		if p.Sender != msg.Sender {
			continue
		}
		if !equalText(p.Text, msg.Text) {
			continue
		}

		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		return p, true
	}

	return PendingSend{}, false
}

// Remove drops the entry with the given temporary id, if present.
// Used when a send fails on both paths and will never be echoed.
func (q *Reconciler) Remove(temporaryID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, p := range q.pending {
		if p.TemporaryID == temporaryID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}

	return false
}

// DropConversation clears all pending entries for a conversation.
// Called when the conversation's history is reloaded, which replaces
// the optimistic records anyway.
func (q *Reconciler) DropConversation(conversationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[:0]
	for _, p := range q.pending {
		if p.ConversationID != conversationID {
			kept = append(kept, p)
		}
	}
	q.pending = kept
}

// PendingCount reports the number of unconfirmed sends.
func (q *Reconciler) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// equalText compares message bodies after NFC normalization and
// whitespace trimming. Backends differ in composed/decomposed unicode
// form, which must not break echo matching.
func equalText(a, b string) bool {
	return norm.NFC.String(strings.TrimSpace(a)) == norm.NFC.String(strings.TrimSpace(b))
}
