package feedomac

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// Session
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	// SelfID is the local user's id, used to reconcile echoes of own sends.
	SelfID int64
	// TypingWindow overrides the typing auto-clear quiet period.
	TypingWindow time.Duration
	// Cache persists merged state locally. Nil uses an in-memory cache.
	Cache Cache
	// Realtime overrides reconnect delays and the dial HTTP client. BaseURL
	// and Token are always taken from the API client and its credentials.
	Realtime *RealtimeConfig
	// OnUpdate is invoked after state changes, with the affected conversation
	// id (0 for list-level changes). Optional.
	OnUpdate func(conversationID int64)
	// OnError receives non-fatal errors: dropped frames, failed cache writes,
	// failed enrichment fetches. Optional.
	OnError func(err error)
}

// Session is the single owned client object of the messaging core. It holds
// the one realtime connection per process, routes dispatched events into the
// per-conversation timelines, the conversation list, and the presence/typing
// tracker, and issues outbound commands through the connection's queue.
//
// Lifecycle is explicit: NewSession, Connect, Close.
type Session struct {
	api     *Client
	cfg     SessionConfig
	rt      *RealtimeClient
	cache   Cache
	list    *ConversationList
	tracker *PresenceTracker

	mu        sync.Mutex
	timelines map[int64]*Timeline
	peers     map[int64][]int64 // conversation id → participant user ids
	subs      []Subscription
	closed    bool
}

// NewSession creates a session on top of the given API client.
func NewSession(api *Client, cfg *SessionConfig) *Session {
	var c SessionConfig
	if cfg != nil {
		c = *cfg
	}
	cache := c.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}
	s := &Session{
		api:       api,
		cfg:       c,
		cache:     cache,
		list:      NewConversationList(),
		tracker:   NewPresenceTracker(c.TypingWindow),
		timelines: make(map[int64]*Timeline),
		peers:     make(map[int64][]int64),
	}
	rtCfg := RealtimeConfig{}
	if c.Realtime != nil {
		rtCfg = *c.Realtime
	}
	rtCfg.BaseURL = api.BaseURL()
	if rtCfg.OnDecodeError == nil {
		rtCfg.OnDecodeError = func(err error, frame []byte) {
			s.reportError(fmt.Errorf("dropped frame: %w", err))
		}
	}
	s.rt = NewRealtimeClient(&rtCfg)
	s.subscribe()
	return s
}

// Realtime exposes the underlying connection, e.g. for additional per-screen
// subscriptions. Screen teardown must Off every subscription it made.
func (s *Session) Realtime() *RealtimeClient { return s.rt }

// List returns the conversation list aggregator.
func (s *Session) List() *ConversationList { return s.list }

// Tracker returns the presence/typing tracker.
func (s *Session) Tracker() *PresenceTracker { return s.tracker }

// Online reports whether the realtime channel is currently open; the inverse
// is the aggregate "offline" indicator.
func (s *Session) Online() bool { return s.rt.Online() }

// Connect reads the credential and opens the realtime connection. Reconnects
// after drops are automatic from then on.
func (s *Session) Connect(ctx context.Context) error {
	token, err := s.api.Credentials().Token()
	if err != nil {
		return fmt.Errorf("read credential: %w", err)
	}
	if token == "" {
		return fmt.Errorf("no credential available")
	}
	s.rt.SetToken(token)
	return s.rt.Connect(ctx)
}

// NotifyForeground forwards the host application's resume signal.
func (s *Session) NotifyForeground() { s.rt.NotifyForeground() }

// Close tears the session down: all subscriptions, pending typing timers, the
// socket, and the cache.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		s.rt.Off(sub)
	}
	s.tracker.Close()
	err := s.rt.Close()
	if cerr := s.cache.Close(); err == nil {
		err = cerr
	}
	return err
}

// Timeline returns (creating if needed) the timeline of a conversation.
func (s *Session) Timeline(conversationID int64) *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.timelines[conversationID]
	if !ok {
		tl = NewTimeline(conversationID, s.cfg.SelfID)
		s.timelines[conversationID] = tl
	}
	return tl
}

// ============================================================================
// Loading
// ============================================================================

// LoadConversations fetches the conversation list over HTTP and replaces the
// aggregator state. On failure the last cached list is restored and the error
// is returned; retrying is always safe.
func (s *Session) LoadConversations(ctx context.Context) error {
	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		if cached, cerr := s.cache.Summaries(0); cerr == nil && len(cached) > 0 {
			s.list.SetAll(cached)
			s.notify(0)
		}
		return fmt.Errorf("list conversations: %w", err)
	}

	summaries := make([]ConversationSummary, 0, len(convs))
	for _, cv := range convs {
		summaries = append(summaries, s.toSummary(cv))
		s.rememberPeers(cv)
	}
	s.list.SetAll(summaries)
	if err := s.cache.PutSummaries(summaries); err != nil {
		s.reportError(fmt.Errorf("cache summaries: %w", err))
	}
	s.notify(0)
	return nil
}

// LoadHistory fetches one page of history and merges it into the timeline.
// On failure the merge and pagination state stay untouched (the fetch is
// idempotent to retry); for an empty first page the cache seeds a stale view
// that self-heals on the next successful sync.
func (s *Session) LoadHistory(ctx context.Context, conversationID int64, page int) error {
	tl := s.Timeline(conversationID)
	hp, err := s.api.MessagesPage(ctx, conversationID, page)
	if err != nil {
		if page <= 1 && tl.Len() == 0 {
			if cached, cerr := s.cache.Messages(conversationID, 0); cerr == nil && len(cached) > 0 {
				tl.SeedCached(cached)
				s.notify(conversationID)
			}
		}
		return fmt.Errorf("history page %d: %w", page, err)
	}

	tl.LoadPage(hp.Page, hp.Messages, hp.HasMore)
	if err := s.cache.PutMessages(conversationID, hp.Messages); err != nil {
		s.reportError(fmt.Errorf("cache messages: %w", err))
	}
	s.notify(conversationID)
	return nil
}

// LoadNextPage fetches the next unseen history page. It reports whether a
// page was requested at all (false once the source said there is no more).
func (s *Session) LoadNextPage(ctx context.Context, conversationID int64) (bool, error) {
	page, hasMore := s.Timeline(conversationID).NextPage()
	if !hasMore {
		return false, nil
	}
	return true, s.LoadHistory(ctx, conversationID, page)
}

// ============================================================================
// Sending
// ============================================================================

// SendText optimistically appends a text message and issues the send command.
// The returned temporary id identifies the record until the server echo
// supersedes it. A pre-transmission failure marks the record failed but keeps
// it visible for retry.
func (s *Session) SendText(conversationID int64, toUserIDs []int64, text string) (string, error) {
	return s.send(conversationID, toUserIDs, "text", text, "")
}

// SendImage optimistically appends an image message by its media URL.
func (s *Session) SendImage(conversationID int64, toUserIDs []int64, mediaURL string) (string, error) {
	return s.send(conversationID, toUserIDs, "image", "", mediaURL)
}

func (s *Session) send(conversationID int64, toUserIDs []int64, msgType, text, mediaURL string) (string, error) {
	tl := s.Timeline(conversationID)
	tempID := tl.AppendLocal(text, mediaURL)
	s.notify(conversationID)

	preview := text
	if preview == "" {
		preview = "[image]"
	}
	now := time.Now()
	s.list.Refresh(SummaryPatch{ID: conversationID, LastMessage: &preview, LastActivity: &now})

	if err := s.rt.SendMessage(conversationID, toUserIDs, msgType, text, mediaURL, tempID); err != nil {
		tl.MarkFailed(tempID)
		s.notify(conversationID)
		return tempID, fmt.Errorf("send message: %w", err)
	}
	return tempID, nil
}

// RetrySend re-issues a failed send. Never done automatically: silent
// auto-retry risks duplicate sends.
func (s *Session) RetrySend(conversationID int64, toUserIDs []int64, tempID string) error {
	tl := s.Timeline(conversationID)
	m, ok := tl.Retry(tempID)
	if !ok {
		return fmt.Errorf("no failed message %s", tempID)
	}
	s.notify(conversationID)
	msgType := "text"
	if m.MediaURL != "" {
		msgType = "image"
	}
	if err := s.rt.SendMessage(conversationID, toUserIDs, msgType, m.Text, m.MediaURL, tempID); err != nil {
		tl.MarkFailed(tempID)
		s.notify(conversationID)
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SendTyping notifies the peer that the local user is typing.
func (s *Session) SendTyping(conversationID, toUserID int64) error {
	return s.rt.SendTyping(conversationID, toUserID)
}

// InitConversation asks the backend to create or resolve a conversation over
// the socket.
func (s *Session) InitConversation(userIDs []int64) error {
	return s.rt.InitConversation(userIDs)
}

// ============================================================================
// Screen lifecycle
// ============================================================================

// OpenConversation marks a conversation active: its unread count resets and
// stays at zero while open, and the newest inbound message is reported seen.
func (s *Session) OpenConversation(conversationID int64) {
	s.list.SetActive(conversationID)
	if last, ok := s.lastInbound(conversationID); ok {
		if id, err := strconv.ParseInt(last.ID, 10, 64); err == nil {
			_ = s.rt.MarkSeen(id, conversationID)
		}
	}
	s.notify(0)
}

// CloseConversation clears the active conversation and that screen's typing
// state so no stale timer mutates a torn-down view.
func (s *Session) CloseConversation() {
	prev := s.list.ActiveID()
	s.list.SetActive(0)
	if prev != 0 {
		s.tracker.ClearTyping(prev)
	}
	s.notify(0)
}

// ClearConversation destroys a conversation's local message log and cache.
func (s *Session) ClearConversation(conversationID int64) error {
	s.Timeline(conversationID).Clear()
	s.list.MarkRead(conversationID)
	s.notify(conversationID)
	if err := s.cache.DeleteConversation(conversationID); err != nil {
		return fmt.Errorf("clear cached conversation: %w", err)
	}
	return nil
}

func (s *Session) lastInbound(conversationID int64) (Message, bool) {
	msgs := s.Timeline(conversationID).Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderID != s.cfg.SelfID {
			return msgs[i], true
		}
	}
	return Message{}, false
}

// ============================================================================
// Inbound event routing
// ============================================================================

func (s *Session) subscribe() {
	sub := func(kind EventKind, fn FrameHandler) {
		s.subs = append(s.subs, s.rt.On(kind, fn))
	}
	sub(EventNewMessage, s.handleNewMessage)
	sub(EventTyping, s.handleTyping)
	sub(EventUserOnline, func(f json.RawMessage) { s.handlePresence(f, true) })
	sub(EventUserOffline, func(f json.RawMessage) { s.handlePresence(f, false) })
	sub(EventDelivered, func(f json.RawMessage) { s.handleStatus(f, StatusDelivered) })
	sub(EventSeen, func(f json.RawMessage) { s.handleStatus(f, StatusSeen) })
	sub(EventMessageStatus, func(f json.RawMessage) { s.handleStatus(f, 0) })
	sub(EventOpened, func(json.RawMessage) { s.notify(0) })
	sub(EventClosed, func(json.RawMessage) { s.notify(0) })
	sub(EventError, s.handleTransportError)
}

func (s *Session) handleNewMessage(frame json.RawMessage) {
	var ev NewMessageEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		s.reportError(fmt.Errorf("decode new_message: %w", err))
		return
	}
	tl := s.Timeline(ev.ConversationID)
	if !tl.ApplyMessage(ev) {
		return // duplicate delivery
	}

	own := ev.SenderID == s.cfg.SelfID
	if !own {
		_ = s.rt.MarkDelivered(ev.MessageID, ev.ConversationID)
		if s.list.ActiveID() == ev.ConversationID {
			_ = s.rt.MarkSeen(ev.MessageID, ev.ConversationID)
		}
	}

	preview := ev.Text
	if preview == "" && ev.MediaURL != "" {
		preview = "[image]"
	}
	ts, terr := parseWireTime(ev.CreatedAt)
	if terr != nil {
		ts = time.Now()
	}
	if own {
		s.list.Refresh(SummaryPatch{ID: ev.ConversationID, LastMessage: &preview, LastActivity: &ts})
	} else {
		s.list.Upsert(SummaryPatch{ID: ev.ConversationID, LastMessage: &preview, LastActivity: &ts})
		go s.enrichConversation(ev.ConversationID)
	}

	if err := s.cache.PutMessages(ev.ConversationID, []Message{{
		ID:             strconv.FormatInt(ev.MessageID, 10),
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		Text:           ev.Text,
		MediaURL:       ev.MediaURL,
		Timestamp:      ts,
		Status:         StatusSent,
	}}); err != nil {
		s.reportError(fmt.Errorf("cache message: %w", err))
	}
	s.notify(ev.ConversationID)
	s.notify(0)
}

// enrichConversation fills in name/avatar for a list entry created from a
// bare push event. Best effort: on failure the minimal preview stands.
func (s *Session) enrichConversation(conversationID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	cv, err := s.api.GetConversation(ctx, conversationID)
	if err != nil {
		s.reportError(fmt.Errorf("conversation %d details: %w", conversationID, err))
		return
	}
	s.rememberPeers(*cv)
	s.list.Refresh(SummaryPatch{ID: cv.ID, Name: &cv.Name, Avatar: &cv.Avatar})
	s.notify(0)
}

func (s *Session) handleTransportError(frame json.RawMessage) {
	var ev ErrorEvent
	if json.Unmarshal(frame, &ev) == nil && ev.Message != "" {
		s.reportError(fmt.Errorf("transport: %s", ev.Message))
	}
	s.notify(0)
}

func (s *Session) handleTyping(frame json.RawMessage) {
	var ev TypingEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		s.reportError(fmt.Errorf("decode typing: %w", err))
		return
	}
	s.tracker.SetTyping(ev.ConversationID, ev.FromUserID)
	s.notify(ev.ConversationID)
}

func (s *Session) handlePresence(frame json.RawMessage, online bool) {
	var ev PresenceEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		s.reportError(fmt.Errorf("decode presence: %w", err))
		return
	}
	s.tracker.SetPresence(ev.UserID, online)
	for _, convID := range s.conversationsWith(ev.UserID) {
		s.list.SetPresence(convID, online)
	}
	s.notify(0)
}

func (s *Session) handleStatus(frame json.RawMessage, status DeliveryStatus) {
	var ev StatusEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		s.reportError(fmt.Errorf("decode status: %w", err))
		return
	}
	if status == 0 {
		parsed, ok := ParseDeliveryStatus(ev.Status)
		if !ok {
			s.reportError(fmt.Errorf("unknown message status %q", ev.Status))
			return
		}
		status = parsed
	}

	// The event does not carry a conversation id, so probe the timelines.
	s.mu.Lock()
	timelines := make([]*Timeline, 0, len(s.timelines))
	for _, tl := range s.timelines {
		timelines = append(timelines, tl)
	}
	s.mu.Unlock()
	for _, tl := range timelines {
		if tl.ApplyStatus(ev.MessageID, status) {
			s.notify(tl.ConversationID())
			return
		}
	}
}

// ============================================================================
// Helpers
// ============================================================================

func (s *Session) toSummary(cv Conversation) ConversationSummary {
	ts, err := parseWireTime(cv.Time)
	if err != nil {
		ts = time.Time{}
	}
	online := false
	for _, u := range cv.Users {
		if u.ID != s.cfg.SelfID && u.Online {
			online = true
		}
	}
	return ConversationSummary{
		ID:           cv.ID,
		Name:         cv.Name,
		Avatar:       cv.Avatar,
		LastMessage:  cv.LastMessage,
		LastActivity: ts,
		Unread:       cv.Unread,
		Online:       online,
	}
}

func (s *Session) rememberPeers(cv Conversation) {
	ids := make([]int64, 0, len(cv.Users))
	for _, u := range cv.Users {
		if u.ID != s.cfg.SelfID {
			ids = append(ids, u.ID)
		}
	}
	s.mu.Lock()
	s.peers[cv.ID] = ids
	s.mu.Unlock()
}

func (s *Session) conversationsWith(userID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for convID, users := range s.peers {
		for _, id := range users {
			if id == userID {
				out = append(out, convID)
				break
			}
		}
	}
	return out
}

func (s *Session) notify(conversationID int64) {
	if s.cfg.OnUpdate != nil {
		s.cfg.OnUpdate(conversationID)
	}
}

func (s *Session) reportError(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}
