package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
)

// subscriber is the slice of the Transport the registry needs.
type subscriber interface {
	Subscribe(ctx context.Context, topic string, handler FrameHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	State() ConnectionState
}

// subscription is a live (or deferred) binding between a conversation
// and its broadcast topic.
type subscription struct {
	topic string
	live  bool
}

// Registry owns the mapping from conversation id to subscription
// handle. At most one subscription exists per conversation id at any
// instant. Subscriptions requested while the transport is down are
// deferred and established on the next Connected transition, which is
// also how subscriptions survive a reconnect.
type Registry struct {
	transport subscriber
	logger    *slog.Logger

	// deliver receives normalized-frame callbacks keyed by
	// conversation id. Set once by the engine before any subscription
	// is created.
	deliver func(conversationID string, body []byte)

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewRegistry creates a Registry bound to the given transport. Call
// SetDeliver before subscribing.
func NewRegistry(transport subscriber, logger *slog.Logger) *Registry {
	return &Registry{
		transport: transport,
		logger:    logger,
		subs:      make(map[string]*subscription),
	}
}

// SetDeliver installs the inbound delivery callback.
func (r *Registry) SetDeliver(fn func(conversationID string, body []byte)) {
	r.deliver = fn
}

// EnsureSubscribed idempotently subscribes the conversation's topic.
// Already-subscribed ids are a no-op. When the transport is not
// Connected the subscription is recorded and established on the next
// Connected transition.
func (r *Registry) EnsureSubscribed(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	sub, ok := r.subs[conversationID]
	if ok && sub.live {
		r.mu.Unlock()
		return nil
	}
	if !ok {
		sub = &subscription{topic: topicFor(conversationID)}
		r.subs[conversationID] = sub
	}
	r.mu.Unlock()

	if r.transport.State() != StateConnected {
		r.logger.Debug("subscription deferred until connected",
			slog.String("conversation", conversationID),
		)
		return nil
	}

	return r.subscribe(ctx, conversationID, sub)
}

// Unsubscribe removes the conversation's subscription, tolerating ids
// that were never subscribed.
func (r *Registry) Unsubscribe(ctx context.Context, conversationID string) {
	r.mu.Lock()
	sub, ok := r.subs[conversationID]
	if ok {
		delete(r.subs, conversationID)
	}
	r.mu.Unlock()

	if !ok || !sub.live {
		return
	}

	if err := r.transport.Unsubscribe(ctx, sub.topic); err != nil {
		// A dead transport already dropped the server-side
		// subscription; nothing to release.
		if !errors.Is(err, chaterrors.ErrNotConnected) {
			r.logger.Warn("unsubscribe failed",
				slog.String("conversation", conversationID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Subscribed reports whether the conversation currently has a live
// subscription.
func (r *Registry) Subscribed(conversationID string) bool {
	r.mu.Lock()
	sub, ok := r.subs[conversationID]
	r.mu.Unlock()
	return ok && sub.live
}

// HandleConnectionState is registered as a transport state listener.
// On every transition into Connected it (re)establishes each recorded
// subscription; the server drops subscription state with the socket,
// so handles held across a disruption are re-created rather than
// trusted.
func (r *Registry) HandleConnectionState(state ConnectionState) {
	switch state {
	case StateConnected:
		r.resubscribeAll()
	case StateReconnecting, StateDisconnected:
		r.mu.Lock()
		for _, sub := range r.subs {
			sub.live = false
		}
		r.mu.Unlock()
	}
}

func (r *Registry) resubscribeAll() {
	r.mu.Lock()
	pending := make(map[string]*subscription, len(r.subs))
	for id, sub := range r.subs {
		sub.live = false
		pending[id] = sub
	}
	r.mu.Unlock()

	ctx := context.Background()
	for id, sub := range pending {
		if err := r.subscribe(ctx, id, sub); err != nil {
			// The transport dropped again mid-resubscribe; the next
			// Connected transition retries.
			r.logger.Warn("resubscribe failed",
				slog.String("conversation", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Registry) subscribe(ctx context.Context, conversationID string, sub *subscription) error {
	handler := func(_ string, body []byte) {
		r.deliver(conversationID, body)
	}

	if err := r.transport.Subscribe(ctx, sub.topic, handler); err != nil {
		if errors.Is(err, chaterrors.ErrNotConnected) {
			return nil // stays deferred
		}
		return err
	}

	r.mu.Lock()
	// The id may have been unsubscribed while the frame was in flight;
	// only mark live if it is still wanted.
	if cur, ok := r.subs[conversationID]; ok && cur == sub {
		sub.live = true
	} else {
		r.mu.Unlock()
		r.dropOrphan(ctx, sub.topic)
		return nil
	}
	r.mu.Unlock()

	r.logger.Debug("subscribed", slog.String("topic", sub.topic))
	return nil
}

// dropOrphan releases a topic that was subscribed just as the caller
// lost interest in it.
func (r *Registry) dropOrphan(ctx context.Context, topic string) {
	if err := r.transport.Unsubscribe(ctx, topic); err != nil && !errors.Is(err, chaterrors.ErrNotConnected) {
		r.logger.Warn("releasing orphaned subscription failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
	}
}
