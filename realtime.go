package feedomac

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	// BaseURL is the http(s) origin of the chat backend; it is rewritten to
	// ws(s) for the socket dial.
	BaseURL string
	// Token is the bearer credential carried as a connection query parameter
	// and in the auth frame sent after every successful open.
	Token string

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	HTTPClient         *http.Client

	// OnDecodeError is invoked for frames that fail to parse. Such frames are
	// dropped; they never stop dispatch of other events.
	OnDecodeError func(err error, frame []byte)
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 8 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ConnState represents the connection state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// FrameHandler receives the raw frame for the kind it subscribed to. The slice
// is only valid for the duration of the call.
type FrameHandler func(frame json.RawMessage)

// Subscription identifies one registered handler so it can be removed again.
// Go closures are not comparable, so removal works through this handle rather
// than by function value.
type Subscription struct {
	kind EventKind
	id   uint64
}

type handlerEntry struct {
	id uint64
	fn FrameHandler
}

type dispatcher struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[EventKind][]handlerEntry
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[EventKind][]handlerEntry)}
}

func (d *dispatcher) on(kind EventKind, fn FrameHandler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[kind] = append(d.handlers[kind], handlerEntry{id: d.nextID, fn: fn})
	return Subscription{kind: kind, id: d.nextID}
}

func (d *dispatcher) off(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.handlers[sub.kind]
	for i, e := range entries {
		if e.id == sub.id {
			d.handlers[sub.kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// dispatch invokes handlers synchronously, in registration order. A panicking
// handler is swallowed so one bad subscriber cannot stall the read loop.
func (d *dispatcher) dispatch(kind EventKind, frame json.RawMessage) {
	d.mu.Lock()
	entries := append([]handlerEntry(nil), d.handlers[kind]...)
	d.mu.Unlock()
	for _, e := range entries {
		func() {
			defer func() { recover() }()
			e.fn(frame)
		}()
	}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns one persistent socket connection to the chat backend:
// lifecycle, auto-reconnect with linear-capped backoff, an outbound FIFO queue
// for commands issued while disconnected, and decoded event dispatch.
//
// Only one connection attempt is ever in flight; any component may enqueue
// commands, but reconnection is initiated solely by the client itself.
type RealtimeClient struct {
	config *RealtimeConfig

	mu          sync.Mutex
	state       ConnState
	conn        *websocket.Conn
	connCtx     context.Context
	connCancel  context.CancelFunc
	manualClose bool
	attempts    int
	queue       [][]byte
	ready       chan struct{}
	retryTimer  *time.Timer

	// writeMu serializes socket writes so the queue flush on open cannot
	// interleave with concurrent sends.
	writeMu sync.Mutex

	dispatcher *dispatcher
}

// NewRealtimeClient creates a realtime client. Call Connect to open the socket.
func NewRealtimeClient(config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		config:     &cfg,
		state:      StateDisconnected,
		ready:      make(chan struct{}),
		dispatcher: newDispatcher(),
	}
}

// On registers a handler for an event kind. Handlers for the same kind run in
// registration order, synchronously with frame arrival.
func (rt *RealtimeClient) On(kind EventKind, fn FrameHandler) Subscription {
	return rt.dispatcher.on(kind, fn)
}

// Off removes a previously registered handler. Safe to call more than once.
func (rt *RealtimeClient) Off(sub Subscription) {
	rt.dispatcher.off(sub)
}

// State returns the current connection state.
func (rt *RealtimeClient) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Online reports whether the socket is currently open. This backs the
// aggregate offline indicator; transport errors are otherwise recovered
// silently.
func (rt *RealtimeClient) Online() bool {
	return rt.State() == StateOpen
}

// SetToken replaces the credential used for subsequent connection attempts.
func (rt *RealtimeClient) SetToken(token string) {
	rt.mu.Lock()
	rt.config.Token = token
	rt.mu.Unlock()
}

// Ready returns a channel that is closed when the current (or next) connection
// attempt completes its open handshake. Each attempt replaces the channel, so
// callers should re-fetch it after a disconnect.
func (rt *RealtimeClient) Ready() <-chan struct{} {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.ready
}

// WaitReady blocks until the connection is open or ctx is done.
func (rt *RealtimeClient) WaitReady(ctx context.Context) error {
	select {
	case <-rt.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rt *RealtimeClient) wsURL() string {
	base := strings.Replace(rt.config.BaseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws?token=" + url.QueryEscape(rt.config.Token)
}

// Connect establishes the socket connection. It clears the manual-close flag,
// so a client that was closed with Close can be reopened. On failure the
// reconnection policy takes over and keeps retrying with growing delay.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateOpen || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.manualClose = false
	if rt.retryTimer != nil {
		rt.retryTimer.Stop()
		rt.retryTimer = nil
	}
	// Replace the ready signal: it resolves exactly once per successful open.
	select {
	case <-rt.ready:
		rt.ready = make(chan struct{})
	default:
	}
	dialURL := rt.wsURL()
	httpClient := rt.config.HTTPClient
	rt.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, dialURL, &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.scheduleRetryLocked()
		rt.mu.Unlock()
		rt.dispatchError(err)
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	rt.mu.Lock()
	if rt.manualClose {
		// Close raced the dial; do not adopt the new connection.
		rt.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "client close")
		return nil
	}
	rt.conn = conn
	rt.connCtx = connCtx
	rt.connCancel = cancel
	rt.state = StateOpen
	// Open side effects, in order: reset the attempt counter, resolve the
	// ready signal, flush the queue, send the auth frame, emit opened. The
	// flush-before-auth order mirrors what the backend expects and preserves
	// submission order for commands issued while offline.
	rt.attempts = 0
	close(rt.ready)
	queued := rt.queue
	rt.queue = nil
	token := rt.config.Token
	rt.mu.Unlock()

	rt.writeMu.Lock()
	rt.flushQueued(connCtx, conn, queued)
	auth, _ := json.Marshal(authFrame{Type: "auth", Token: token})
	_ = conn.Write(connCtx, websocket.MessageText, auth)
	rt.writeMu.Unlock()

	rt.dispatcher.dispatch(EventOpened, json.RawMessage(`{}`))

	go rt.readLoop(connCtx, conn)
	return nil
}

// Close closes the connection and suppresses reconnection until the next
// Connect call.
func (rt *RealtimeClient) Close() error {
	rt.mu.Lock()
	rt.manualClose = true
	rt.state = StateClosing
	if rt.retryTimer != nil {
		rt.retryTimer.Stop()
		rt.retryTimer = nil
	}
	if rt.connCancel != nil {
		rt.connCancel()
		rt.connCancel = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client close")
	}
	rt.dispatcher.dispatch(EventClosed, json.RawMessage(`{}`))
	return nil
}

// NotifyForeground is the host application lifecycle hook: mobile platforms
// suspend background sockets, so an app returning to the foreground forces an
// immediate reconnect attempt when the channel is down and a credential is
// known.
func (rt *RealtimeClient) NotifyForeground() {
	rt.mu.Lock()
	if rt.state == StateOpen || rt.state == StateConnecting ||
		rt.manualClose || rt.config.Token == "" {
		rt.mu.Unlock()
		return
	}
	if rt.retryTimer != nil {
		rt.retryTimer.Stop()
		rt.retryTimer = nil
	}
	rt.mu.Unlock()
	go rt.Connect(context.Background())
}

// ============================================================================
// Outbound commands
// ============================================================================

// Send transmits a raw frame immediately when the channel is open, otherwise
// buffers it for the flush that follows the next successful open. FIFO order
// is preserved across the disconnect.
func (rt *RealtimeClient) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return rt.enqueueOrSend(data)
}

// flushQueued writes buffered frames in order. A command is destroyed only
// once its write succeeded; on a write error the failed frame and everything
// behind it go back to the head of the queue, ahead of anything enqueued in
// the meantime, so the next open retransmits them in the original order.
// Caller holds writeMu.
func (rt *RealtimeClient) flushQueued(ctx context.Context, conn *websocket.Conn, queued [][]byte) {
	for i, frame := range queued {
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			unsent := queued[i:]
			rt.mu.Lock()
			requeued := make([][]byte, 0, len(unsent)+len(rt.queue))
			requeued = append(requeued, unsent...)
			requeued = append(requeued, rt.queue...)
			rt.queue = requeued
			rt.mu.Unlock()
			return
		}
	}
}

func (rt *RealtimeClient) enqueueOrSend(data []byte) error {
	rt.mu.Lock()
	if rt.state != StateOpen || rt.conn == nil {
		rt.queue = append(rt.queue, data)
		rt.mu.Unlock()
		return nil
	}
	conn := rt.conn
	ctx := rt.connCtx
	rt.mu.Unlock()

	rt.writeMu.Lock()
	err := conn.Write(ctx, websocket.MessageText, data)
	rt.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// QueueLen reports how many commands are buffered awaiting reconnect.
func (rt *RealtimeClient) QueueLen() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.queue)
}

// InitConversation asks the backend to create or resolve a conversation for
// the given participants.
func (rt *RealtimeClient) InitConversation(userIDs []int64) error {
	return rt.Send(initConversationFrame{Type: "init_conversation", UserIDs: userIDs})
}

// SendMessage transmits a send_message command. tempID is echoed back by the
// server so the optimistic local record can be reconciled.
func (rt *RealtimeClient) SendMessage(conversationID int64, toUserIDs []int64, msgType, text, mediaURL, tempID string) error {
	return rt.Send(sendMessageFrame{
		Type:           "send_message",
		ConversationID: conversationID,
		ToUserIDs:      toUserIDs,
		MsgType:        msgType,
		Text:           text,
		MediaURL:       mediaURL,
		TempID:         tempID,
	})
}

// SendTyping notifies the peer that the local user is typing.
func (rt *RealtimeClient) SendTyping(conversationID, toUserID int64) error {
	return rt.Send(typingFrame{Type: "typing", ConversationID: conversationID, To: toUserID})
}

// MarkDelivered reports receipt of a message.
func (rt *RealtimeClient) MarkDelivered(messageID, conversationID int64) error {
	return rt.Send(markFrame{Type: "mark_delivered", MessageID: messageID, ConversationID: conversationID})
}

// MarkSeen reports that a message was read.
func (rt *RealtimeClient) MarkSeen(messageID, conversationID int64) error {
	return rt.Send(markFrame{Type: "mark_seen", MessageID: messageID, ConversationID: conversationID})
}

// ============================================================================
// Read loop and reconnection policy
// ============================================================================

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.handleDisconnect(conn, err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			if err == nil {
				err = fmt.Errorf("frame missing type field")
			}
			if rt.config.OnDecodeError != nil {
				rt.config.OnDecodeError(err, data)
			}
			continue
		}
		rt.dispatcher.dispatch(env.Type, data)
	}
}

func (rt *RealtimeClient) handleDisconnect(conn *websocket.Conn, cause error) {
	rt.mu.Lock()
	if rt.conn != conn {
		// A newer connection already replaced this one.
		rt.mu.Unlock()
		return
	}
	rt.conn = nil
	if rt.connCancel != nil {
		rt.connCancel()
		rt.connCancel = nil
	}
	manual := rt.manualClose
	if !manual {
		rt.state = StateDisconnected
		rt.scheduleRetryLocked()
	}
	rt.mu.Unlock()

	if !manual {
		rt.dispatchError(cause)
		rt.dispatcher.dispatch(EventClosed, json.RawMessage(`{}`))
	}
}

// dispatchError emits the transport error lifecycle event.
func (rt *RealtimeClient) dispatchError(err error) {
	frame, merr := json.Marshal(ErrorEvent{Type: EventError, Message: err.Error()})
	if merr != nil {
		frame = []byte(`{"type":"error"}`)
	}
	rt.dispatcher.dispatch(EventError, frame)
}

// scheduleRetryLocked arms the backoff timer. Delay grows linearly with the
// attempt count, capped at ReconnectMaxDelay; attempts are unbounded while a
// credential exists and the close was not manual. Caller holds rt.mu.
func (rt *RealtimeClient) scheduleRetryLocked() {
	if rt.manualClose || rt.config.Token == "" || rt.retryTimer != nil {
		return
	}
	rt.attempts++
	delay := time.Duration(rt.attempts) * rt.config.ReconnectBaseDelay
	if delay > rt.config.ReconnectMaxDelay {
		delay = rt.config.ReconnectMaxDelay
	}
	rt.retryTimer = time.AfterFunc(delay, func() {
		rt.mu.Lock()
		rt.retryTimer = nil
		skip := rt.manualClose || rt.config.Token == "" ||
			rt.state == StateOpen || rt.state == StateConnecting
		rt.mu.Unlock()
		if skip {
			return
		}
		_ = rt.Connect(context.Background())
	})
}
