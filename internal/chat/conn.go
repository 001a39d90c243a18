package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatTimeout  = 30 * time.Second
	defaultReconnectDelay    = 5 * time.Second

	// dialTimeout bounds a single WebSocket dial attempt.
	dialTimeout = 15 * time.Second

	// opTimeout bounds how long a caller waits for the event loop to
	// apply a publish/subscribe operation.
	opTimeout = 10 * time.Second

	// wsReadLimit caps inbound frame size. Chat payloads are small;
	// 1MB leaves generous headroom.
	wsReadLimit = 1 << 20

	// inboundChanSize buffers frames between the reader goroutine and
	// the event loop.
	inboundChanSize = 64

	// opChanSize buffers caller operations submitted to the event loop.
	opChanSize = 16

	// notifyChanSize buffers state transitions awaiting listener
	// delivery. Transitions are paced by network timeouts, so a small
	// buffer never fills in practice.
	notifyChanSize = 8
)

// DestRegister and DestSend are the backend's application destinations.
const (
	DestRegister = "chat.register"
	DestSend     = "chat.send"
)

var errHeartbeatTimeout = fmt.Errorf("heartbeat timeout")

// wsConn abstracts the WebSocket connection so the Transport can be
// tested without a real server. *websocket.Conn satisfies this
// interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// dialFunc dials the push transport. Swapped out in tests.
type dialFunc func(ctx context.Context, url string) (wsConn, error)

func defaultDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wsReadLimit)
	return conn, nil
}

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type opKind int

const (
	opPublish opKind = iota
	opSubscribe
	opUnsubscribe
)

// transportOp is an operation submitted to the event loop by a caller
// goroutine. The payload is marshalled by the caller so the only
// failures inside the loop are connection-level write errors.
type transportOp struct {
	kind    opKind
	topic   string
	handler FrameHandler
	payload []byte
	result  chan error
}

// FrameHandler receives the body of an inbound broadcast frame for a
// subscribed topic. Handlers run synchronously on the event loop, so a
// handler fully applies its mutation before the next frame is routed.
type FrameHandler func(topic string, body []byte)

// StateListener observes connection state transitions.
type StateListener func(ConnectionState)

// TransportConfig holds the parameters for the push transport.
type TransportConfig struct {
	URL               string
	SenderID          string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectDelay    time.Duration
}

// Transport owns the push transport lifecycle: connect, heartbeat,
// reconnect with a fixed backoff, and teardown. It is the only
// component that touches the WebSocket.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop (inside Run) processes inbound frames, caller
// operations (opCh), and heartbeat ticks. All writes to the connection
// happen from the event loop, eliminating the need for a write mutex.
type Transport struct {
	url      string
	senderID string
	dial     dialFunc
	logger   *slog.Logger

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	reconnectDelay    time.Duration

	conn wsConn

	// opCh receives publish/subscribe operations from caller goroutines.
	opCh chan transportOp

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundMsg

	// handlers maps topic to delivery callback. Owned by the event
	// loop; cleared between connections since the server drops
	// subscription state with the socket.
	handlers map[string]FrameHandler

	// statusFn receives best-effort per-user status frames. Optional.
	statusFn func(data []byte)

	state    ConnectionState
	stateMu  sync.RWMutex
	notifyCh chan ConnectionState

	listeners   []StateListener
	listenersMu sync.Mutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

// NewTransport creates a Transport from the given config. Zero
// durations fall back to the defaults (10s heartbeat, 30s timeout, 5s
// reconnect delay).
func NewTransport(cfg TransportConfig, logger *slog.Logger) *Transport {
	t := &Transport{
		url:               cfg.URL,
		senderID:          cfg.SenderID,
		dial:              defaultDial,
		logger:            logger,
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		reconnectDelay:    cfg.ReconnectDelay,
		opCh:              make(chan transportOp, opChanSize),
		handlers:          make(map[string]FrameHandler),
		notifyCh:          make(chan ConnectionState, notifyChanSize),
		state:             StateDisconnected,
	}

	if t.heartbeatInterval <= 0 {
		t.heartbeatInterval = defaultHeartbeatInterval
	}
	if t.heartbeatTimeout <= 0 {
		t.heartbeatTimeout = defaultHeartbeatTimeout
	}
	if t.reconnectDelay <= 0 {
		t.reconnectDelay = defaultReconnectDelay
	}

	return t
}

// OnStateChange registers a connection state listener. Must be called
// before Run. Listeners are invoked in registration order, one
// transition at a time, from a dedicated notifier goroutine.
func (t *Transport) OnStateChange(fn StateListener) {
	t.listenersMu.Lock()
	t.listeners = append(t.listeners, fn)
	t.listenersMu.Unlock()
}

// SetStatusHandler installs the callback for per-user status frames.
// Must be called before Run.
func (t *Transport) SetStatusHandler(fn func(data []byte)) {
	t.statusFn = fn
}

// State reports the current connection state.
func (t *Transport) State() ConnectionState {
	t.stateMu.RLock()
	s := t.state
	t.stateMu.RUnlock()
	return s
}

// Run establishes the transport and keeps it alive until ctx is
// cancelled, reconnecting with a fixed delay after every failure.
// Cancelling ctx is the disconnect: it forces Disconnected and cancels
// pending retries. Always returns a non-nil error (ctx.Err() on
// shutdown).
func (t *Transport) Run(ctx context.Context) error {
	defer t.setState(StateDisconnected)

	noteCtx, noteCancel := context.WithCancel(context.Background())
	defer noteCancel()
	go t.notifier(noteCtx)

	t.setState(StateConnecting)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := t.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("connect failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", t.reconnectDelay),
			)
			t.setState(StateReconnecting)
			if err := t.sleep(ctx, t.reconnectDelay); err != nil {
				return err
			}
			continue
		}

		t.conn = conn
		connCtx, connCancel := context.WithCancel(ctx)
		t.startReader(connCtx)
		t.touchLastMessage()
		t.setState(StateConnected)

		err = t.eventLoop(ctx, connCtx)
		connCancel()
		conn.Close(websocket.StatusGoingAway, "connection reset")
		t.handlers = make(map[string]FrameHandler)
		t.failPendingOps()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		t.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", t.reconnectDelay),
		)
		t.setState(StateReconnecting)
		if err := t.sleep(ctx, t.reconnectDelay); err != nil {
			return err
		}
	}
}

// connect dials the WebSocket and announces this client on the
// chat.register destination.
func (t *Transport) connect(ctx context.Context) (wsConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	t.logger.Debug("connecting", slog.String("url", t.url))

	conn, err := t.dial(dialCtx, t.url)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	body, err := json.Marshal(registerBody{SenderID: t.senderID})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "register failed")
		return nil, fmt.Errorf("marshalling register body: %w", err)
	}
	frame, err := json.Marshal(publishFrame{Op: "send", Destination: DestRegister, Body: body})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "register failed")
		return nil, fmt.Errorf("marshalling register frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		conn.Close(websocket.StatusInternalError, "register failed")
		return nil, fmt.Errorf("sending register: %w", err)
	}

	t.logger.Info("transport connected", slog.String("sender", t.senderID))
	return conn, nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on the channel.
// The goroutine captures ch by value so that if startReader is called
// again for a new connection, the old goroutine cannot send stale
// frames into the new channel.
func (t *Transport) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	t.inboundCh = ch
	conn := t.conn
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// eventLoop is the single event loop for one connection. It selects on
// inbound frames, caller operations, and the heartbeat ticker. Returns
// on read/write error, heartbeat timeout, or context cancellation.
func (t *Transport) eventLoop(ctx, connCtx context.Context) error {
	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-t.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}
			t.touchLastMessage()

			if msg.typ != websocket.MessageText {
				t.logger.Debug("ignoring non-text frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := t.handleFrame(ctx, msg.data); err != nil {
				return err
			}

		case op := <-t.opCh:
			err := t.applyOp(ctx, op)
			op.result <- err
			if err != nil {
				// The payload was pre-marshalled, so any failure here
				// is a dead connection.
				return err
			}

		case <-ticker.C:
			elapsed := time.Since(t.lastMessageAt())
			if elapsed > t.heartbeatTimeout {
				t.logger.Warn("no heartbeat from server, closing",
					slog.Duration("silent_for", elapsed),
				)
				t.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return errHeartbeatTimeout
			}
			if elapsed >= t.heartbeatInterval {
				if err := t.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleFrame routes one inbound text frame. Broadcast frames are
// delivered to the subscribed topic's handler in arrival order; frames
// for topics without a handler are dropped, which is what guarantees
// no cross-delivery after an unsubscribe.
func (t *Transport) handleFrame(ctx context.Context, data []byte) error {
	switch op := gjson.GetBytes(data, "op").Str; op {
	case "pong":
		return nil

	case "ping":
		// Heartbeats are bidirectional; answer the server's ping.
		return t.writeJSON(ctx, map[string]string{"op": "pong"})

	case "message":
		topic := gjson.GetBytes(data, "topic").Str
		handler, ok := t.handlers[topic]
		if !ok {
			t.logger.Debug("frame for unsubscribed topic", slog.String("topic", topic))
			return nil
		}
		body := gjson.GetBytes(data, "body").Raw
		handler(topic, []byte(body))
		return nil

	case "status":
		if t.statusFn != nil {
			t.statusFn(data)
		}
		return nil

	default:
		t.logger.Debug("unexpected frame", slog.String("op", op))
		return nil
	}
}

// applyOp executes a caller operation from the event loop.
func (t *Transport) applyOp(ctx context.Context, op transportOp) error {
	switch op.kind {
	case opSubscribe:
		if _, ok := t.handlers[op.topic]; ok {
			return nil
		}
		t.handlers[op.topic] = op.handler
		if err := t.conn.Write(ctx, websocket.MessageText, op.payload); err != nil {
			delete(t.handlers, op.topic)
			return fmt.Errorf("sending subscribe for %s: %w", op.topic, err)
		}
		return nil

	case opUnsubscribe:
		if _, ok := t.handlers[op.topic]; !ok {
			return nil
		}
		delete(t.handlers, op.topic)
		if err := t.conn.Write(ctx, websocket.MessageText, op.payload); err != nil {
			return fmt.Errorf("sending unsubscribe for %s: %w", op.topic, err)
		}
		return nil

	default:
		if err := t.conn.Write(ctx, websocket.MessageText, op.payload); err != nil {
			return fmt.Errorf("publishing: %w", err)
		}
		return nil
	}
}

// Publish sends a fire-and-forget application payload to the given
// destination. Valid only while Connected; callers must treat
// ErrNotConnected (and any other failure) as the signal to use the
// REST fallback.
func (t *Transport) Publish(ctx context.Context, destination string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling publish body: %w", err)
	}
	payload, err := json.Marshal(publishFrame{Op: "send", Destination: destination, Body: raw})
	if err != nil {
		return fmt.Errorf("marshalling publish frame: %w", err)
	}

	return t.submit(ctx, transportOp{kind: opPublish, payload: payload})
}

// Subscribe binds a handler to a broadcast topic. Returns
// ErrNotConnected when the transport is down; the caller (the
// subscription registry) defers and retries on the next Connected
// transition.
func (t *Transport) Subscribe(ctx context.Context, topic string, handler FrameHandler) error {
	payload, err := json.Marshal(subscribeFrame{Op: "subscribe", Topic: topic})
	if err != nil {
		return fmt.Errorf("marshalling subscribe frame: %w", err)
	}

	return t.submit(ctx, transportOp{kind: opSubscribe, topic: topic, handler: handler, payload: payload})
}

// Unsubscribe releases the topic's handler. A topic that is not
// subscribed is a no-op.
func (t *Transport) Unsubscribe(ctx context.Context, topic string) error {
	payload, err := json.Marshal(subscribeFrame{Op: "unsubscribe", Topic: topic})
	if err != nil {
		return fmt.Errorf("marshalling unsubscribe frame: %w", err)
	}

	return t.submit(ctx, transportOp{kind: opUnsubscribe, topic: topic, payload: payload})
}

// submit hands an operation to the event loop and waits for the
// result. The timeout covers the window where the connection dies
// between the state check and the loop picking up the op; the caller
// recovers via the next Connected notification.
func (t *Transport) submit(ctx context.Context, op transportOp) error {
	if t.State() != StateConnected {
		return chaterrors.ErrNotConnected
	}

	op.result = make(chan error, 1)

	select {
	case t.opCh <- op:
	case <-time.After(opTimeout):
		return chaterrors.ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-time.After(opTimeout):
		return chaterrors.ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failPendingOps drains operations that were submitted while the event
// loop was shutting down, so their callers unblock immediately instead
// of waiting out the op timeout.
func (t *Transport) failPendingOps() {
	for {
		select {
		case op := <-t.opCh:
			op.result <- chaterrors.ErrNotConnected
		default:
			return
		}
	}
}

// setState transitions the connection state and queues a listener
// notification. Transitions to the same state are suppressed.
func (t *Transport) setState(s ConnectionState) {
	t.stateMu.Lock()
	if t.state == s {
		t.stateMu.Unlock()
		return
	}
	t.state = s
	t.stateMu.Unlock()

	select {
	case t.notifyCh <- s:
	default:
		t.logger.Warn("state notification dropped", slog.String("state", s.String()))
	}
}

// notifier delivers state transitions to listeners in order, off the
// Run goroutine so a listener may call Subscribe without deadlocking
// against the event loop.
func (t *Transport) notifier(ctx context.Context) {
	for {
		select {
		case s := <-t.notifyCh:
			t.listenersMu.Lock()
			listeners := slices.Clone(t.listeners)
			t.listenersMu.Unlock()
			for _, fn := range listeners {
				fn(s)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *Transport) touchLastMessage() {
	t.lastMsgMu.Lock()
	t.lastMessage = time.Now()
	t.lastMsgMu.Unlock()
}

func (t *Transport) lastMessageAt() time.Time {
	t.lastMsgMu.Lock()
	at := t.lastMessage
	t.lastMsgMu.Unlock()
	return at
}

// writeJSON marshals v and writes it as a text frame. Only called from
// the event loop.
func (t *Transport) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}
