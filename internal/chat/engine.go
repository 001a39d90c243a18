package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
)

// restAPI is the REST client capability the engine consumes.
type restAPI interface {
	FetchConversations(ctx context.Context) ([]Conversation, error)
	FetchMessages(ctx context.Context, conversationID string) ([]json.RawMessage, error)
	PostMessage(ctx context.Context, conversationID string, send SendRequest) error
}

// pushTransport is the transport capability the engine consumes.
// *Transport satisfies this interface.
type pushTransport interface {
	Run(ctx context.Context) error
	Publish(ctx context.Context, destination string, body interface{}) error
	Subscribe(ctx context.Context, topic string, handler FrameHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	State() ConnectionState
	OnStateChange(fn StateListener)
	SetStatusHandler(fn func(data []byte))
}

// sessionState persists view bookkeeping across sessions. Optional.
type sessionState interface {
	ActiveConversation() string
	SetActiveConversation(id string) error
	SetLastSeen(conversationID, messageID string) error
	Close() error
}

// EngineConfig holds the collaborators for one engine session.
type EngineConfig struct {
	SenderID  string
	Rest      restAPI
	Transport pushTransport
	Session   sessionState // may be nil
}

// Engine is the per-session context object tying the components
// together: connection lifecycle, subscription bookkeeping, inbound
// normalization, and optimistic-send reconciliation. There are no
// process-wide singletons; construct one Engine per session.
type Engine struct {
	senderID string
	logger   *slog.Logger

	rest      restAPI
	transport pushTransport
	registry  *Registry
	queue     *Reconciler
	store     *Store
	norm      *Normalizer
	session   sessionState

	now func() time.Time
}

// NewEngine constructs an engine and wires the component graph: the
// registry listens for Connected transitions to (re)establish
// subscriptions, the store mirrors the connection state, and inbound
// frames flow through the normalizer and reconciler into the store.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	e := &Engine{
		senderID:  cfg.SenderID,
		logger:    logger,
		rest:      cfg.Rest,
		transport: cfg.Transport,
		queue:     NewReconciler(),
		store:     NewStore(),
		norm:      NewNormalizer(),
		session:   cfg.Session,
		now:       time.Now,
	}

	e.registry = NewRegistry(cfg.Transport, logger)
	e.registry.SetDeliver(e.handleInbound)

	cfg.Transport.OnStateChange(e.registry.HandleConnectionState)
	cfg.Transport.OnStateChange(e.store.SetConnectionState)
	cfg.Transport.SetStatusHandler(e.handleStatus)

	return e
}

// Store exposes the reactive state surface for the presentation layer.
func (e *Engine) Store() *Store {
	return e.store
}

// Run drives the engine until ctx is cancelled: the transport loop in
// one goroutine, the initial conversation load and session restore in
// another.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.transport.Run(gctx)
	})

	g.Go(func() error {
		e.bootstrap(gctx)
		return nil
	})

	return g.Wait()
}

// bootstrap loads the conversation list and restores the previously
// active conversation. Failures degrade to an empty list; the engine
// keeps running and the user can refresh later.
func (e *Engine) bootstrap(ctx context.Context) {
	if err := e.Refresh(ctx); err != nil {
		e.logger.Warn("initial conversation load failed", slog.String("error", err.Error()))
		return
	}

	if e.session == nil {
		return
	}

	// An explicitly opened conversation wins over the restored one.
	if e.store.Active() != "" {
		return
	}

	last := e.session.ActiveConversation()
	if last == "" {
		return
	}
	if _, ok := e.store.Conversation(last); !ok {
		e.logger.Debug("stored active conversation no longer listed", slog.String("conversation", last))
		return
	}

	if err := e.OpenConversation(ctx, last); err != nil {
		e.logger.Warn("restoring active conversation failed",
			slog.String("conversation", last),
			slog.String("error", err.Error()),
		)
	}
}

// Refresh reloads the conversation list from the REST API.
func (e *Engine) Refresh(ctx context.Context) error {
	conversations, err := e.rest.FetchConversations(ctx)
	if err != nil {
		return fmt.Errorf("refreshing conversations: %w", err)
	}

	e.store.ReplaceConversations(conversations)
	return nil
}

// OpenConversation makes a conversation the active one: the previous
// conversation's subscription is released first so frames cannot
// cross-deliver, the new topic is subscribed (or deferred until
// Connected), and the history fetch runs asynchronously with stale
// responses discarded.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return chaterrors.ErrConversationNotFound
	}

	prev := e.store.Active()
	if prev != "" && prev != conversationID {
		e.registry.Unsubscribe(ctx, prev)
	}

	e.store.SetActive(conversationID)
	e.queue.DropConversation(conversationID)

	if err := e.registry.EnsureSubscribed(ctx, conversationID); err != nil {
		// Live updates self-heal on the next Connected transition;
		// history still loads below.
		e.logger.Warn("subscribing failed",
			slog.String("conversation", conversationID),
			slog.String("error", err.Error()),
		)
	}

	if e.session != nil {
		if err := e.session.SetActiveConversation(conversationID); err != nil {
			e.logger.Warn("persisting active conversation failed", slog.String("error", err.Error()))
		}
	}

	go e.loadHistory(ctx, conversationID)

	return nil
}

// loadHistory fetches and applies a conversation's message history.
// Switching the active conversation does not cancel an in-flight
// fetch; instead a completed response whose conversation is no longer
// active is discarded so it cannot overwrite the current view.
func (e *Engine) loadHistory(ctx context.Context, conversationID string) {
	raw, err := e.rest.FetchMessages(ctx, conversationID)
	if err != nil {
		e.logger.Warn("history fetch failed",
			slog.String("conversation", conversationID),
			slog.String("error", err.Error()),
		)
		return
	}

	if e.store.Active() != conversationID {
		e.logger.Debug("discarding stale history response",
			slog.String("conversation", conversationID),
			slog.String("active", e.store.Active()),
		)
		return
	}

	msgs := make([]Message, 0, len(raw))
	for _, r := range raw {
		msg := e.norm.Normalize(r)
		msg.ConversationID = conversationID
		msg.Status = StatusConfirmed
		msgs = append(msgs, msg)
	}

	e.store.SetMessages(conversationID, msgs)

	if e.session != nil && len(msgs) > 0 {
		if err := e.session.SetLastSeen(conversationID, msgs[len(msgs)-1].ID); err != nil {
			e.logger.Warn("persisting read cursor failed", slog.String("error", err.Error()))
		}
	}
}

// Send delivers text to the active conversation. The message renders
// optimistically at once; the push transport is tried first and any
// rejection falls back to the REST endpoint. Only when both paths fail
// is the message marked failed -- it is never silently lost.
func (e *Engine) Send(ctx context.Context, text string) (Message, error) {
	conversationID := e.store.Active()
	if conversationID == "" {
		return Message{}, chaterrors.ErrNoActiveConversation
	}

	msg := Message{
		ID:             newLocalID(),
		ConversationID: conversationID,
		Sender:         e.senderID,
		Text:           text,
		SentAt:         e.now(),
		Status:         StatusOptimistic,
	}

	e.store.AppendMessage(msg)
	e.queue.Track(PendingSend{
		TemporaryID:    msg.ID,
		ConversationID: conversationID,
		Sender:         e.senderID,
		Text:           text,
		CreatedAt:      msg.SentAt,
	})

	req := SendRequest{
		ConversationID: conversationID,
		SenderID:       e.senderID,
		Content:        text,
	}

	if err := e.transport.Publish(ctx, DestSend, req); err != nil {
		e.logger.Debug("publish rejected, using REST fallback", slog.String("error", err.Error()))

		if err := e.rest.PostMessage(ctx, conversationID, req); err != nil {
			e.queue.Remove(msg.ID)
			e.store.MarkFailed(conversationID, msg.ID)
			return msg, fmt.Errorf("%w: %s", chaterrors.ErrSendFailed, err)
		}
	}

	return msg, nil
}

// handleInbound is the delivery callback the registry invokes for each
// broadcast frame, in transport arrival order. A confirmed echo of an
// optimistic send replaces it at the same display position; everything
// else appends.
func (e *Engine) handleInbound(conversationID string, body []byte) {
	msg := e.norm.Normalize(body)
	msg.ConversationID = conversationID
	msg.Status = StatusConfirmed

	if pending, ok := e.queue.Match(msg); ok {
		if !e.store.ReplaceMessage(conversationID, pending.TemporaryID, msg) {
			// The log was reloaded since the optimistic render.
			e.store.AppendMessage(msg)
		}
	} else {
		e.store.AppendMessage(msg)
	}

	e.store.SetPreview(conversationID, msg.Text)

	if e.session != nil {
		if err := e.session.SetLastSeen(conversationID, msg.ID); err != nil {
			e.logger.Warn("persisting read cursor failed", slog.String("error", err.Error()))
		}
	}
}

// handleStatus receives best-effort delivery/status notifications from
// the per-user queue. They never block send semantics.
func (e *Engine) handleStatus(data []byte) {
	e.logger.Debug("status notification",
		slog.String("kind", gjson.GetBytes(data, "kind").Str),
		slog.String("messageId", gjson.GetBytes(data, "messageId").Str),
	)
}

// Close releases session resources. The transport stops when the Run
// context is cancelled.
func (e *Engine) Close() error {
	if e.session != nil {
		return e.session.Close()
	}
	return nil
}
