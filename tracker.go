package feedomac

import (
	"sync"
	"time"
)

// ============================================================================
// Conversation List Aggregator
// ============================================================================

// ConversationList maintains the summary list: last message preview, unread
// counts, and most-recent-activity-first ordering, driven by the same inbound
// events as the timelines.
type ConversationList struct {
	mu       sync.Mutex
	items    []*ConversationSummary
	index    map[int64]*ConversationSummary
	activeID int64 // 0 = none
}

// NewConversationList creates an empty list.
func NewConversationList() *ConversationList {
	return &ConversationList{index: make(map[int64]*ConversationSummary)}
}

// SetAll replaces the list with summaries from an initial fetch, kept in the
// given order.
func (l *ConversationList) SetAll(items []ConversationSummary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = l.items[:0]
	l.index = make(map[int64]*ConversationSummary, len(items))
	for i := range items {
		c := items[i]
		l.items = append(l.items, &c)
		l.index[c.ID] = &c
	}
}

// Upsert merges partial fields into the summary with the patch's id, creating
// it if absent, and moves the entry to the list head. Unread increments only
// when the conversation is not the active one; a new entry starts at 0 when
// active, else 1.
func (l *ConversationList) Upsert(patch SummaryPatch) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.index[patch.ID]
	if !ok {
		c = &ConversationSummary{ID: patch.ID}
		if patch.ID != l.activeID {
			c.Unread = 1
		}
		l.index[patch.ID] = c
		l.items = append([]*ConversationSummary{c}, l.items...)
	} else {
		if patch.ID != l.activeID {
			c.Unread++
		}
		l.moveToFrontLocked(c)
	}

	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Avatar != nil {
		c.Avatar = *patch.Avatar
	}
	if patch.LastMessage != nil {
		c.LastMessage = *patch.LastMessage
	}
	if patch.LastActivity != nil {
		c.LastActivity = *patch.LastActivity
	}
	if patch.Online != nil {
		c.Online = *patch.Online
	}
}

// Refresh merges partial fields like Upsert but without touching the unread
// count or the ordering. Used when asynchronously fetched conversation details
// arrive after the event that created the entry.
func (l *ConversationList) Refresh(patch SummaryPatch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.index[patch.ID]
	if !ok {
		return
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Avatar != nil {
		c.Avatar = *patch.Avatar
	}
	if patch.LastMessage != nil {
		c.LastMessage = *patch.LastMessage
	}
	if patch.LastActivity != nil {
		c.LastActivity = *patch.LastActivity
	}
	if patch.Online != nil {
		c.Online = *patch.Online
	}
}

// MarkRead zeroes the unread count without reordering the list.
func (l *ConversationList) MarkRead(conversationID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.index[conversationID]; ok {
		c.Unread = 0
	}
}

// SetActive records which conversation is open on screen and resets its
// unread count. Pass 0 to clear.
func (l *ConversationList) SetActive(conversationID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeID = conversationID
	if c, ok := l.index[conversationID]; ok {
		c.Unread = 0
	}
}

// ActiveID returns the currently active conversation id, 0 when none.
func (l *ConversationList) ActiveID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeID
}

// SetPresence flips the online flag of every summary owned by the given
// direct-conversation peer.
func (l *ConversationList) SetPresence(conversationID int64, online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.index[conversationID]; ok {
		c.Online = online
	}
}

// Summaries returns a snapshot in display order.
func (l *ConversationList) Summaries() []ConversationSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ConversationSummary, len(l.items))
	for i, c := range l.items {
		out[i] = *c
	}
	return out
}

// Get returns one summary by id.
func (l *ConversationList) Get(conversationID int64) (ConversationSummary, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.index[conversationID]; ok {
		return *c, true
	}
	return ConversationSummary{}, false
}

func (l *ConversationList) moveToFrontLocked(c *ConversationSummary) {
	for i, item := range l.items {
		if item == c {
			copy(l.items[1:i+1], l.items[:i])
			l.items[0] = c
			return
		}
	}
}

// ============================================================================
// Presence / Typing Tracker
// ============================================================================

// DefaultTypingWindow is the quiet period after which a typing indicator
// auto-clears when no follow-up event arrives.
const DefaultTypingWindow = 2500 * time.Millisecond

// PresenceTracker maintains ephemeral per-user online state and per
// conversation "who is typing" state, derived purely from inbound events.
// Typing entries self-expire: a later "still typing" event resets the window
// instead of stacking timers.
type PresenceTracker struct {
	mu       sync.Mutex
	window   time.Duration
	presence map[int64]bool
	typing   map[int64]int64
	timers   map[int64]*time.Timer
	closed   bool
}

// NewPresenceTracker creates a tracker. window <= 0 uses DefaultTypingWindow.
func NewPresenceTracker(window time.Duration) *PresenceTracker {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &PresenceTracker{
		window:   window,
		presence: make(map[int64]bool),
		typing:   make(map[int64]int64),
		timers:   make(map[int64]*time.Timer),
	}
}

// SetPresence records a user's online state, last writer wins.
func (p *PresenceTracker) SetPresence(userID int64, online bool) {
	p.mu.Lock()
	p.presence[userID] = online
	p.mu.Unlock()
}

// Online reports whether a user is currently online.
func (p *PresenceTracker) Online(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.presence[userID]
}

// SetTyping records the most recent typer in a conversation and schedules the
// auto-clear. A repeat event for the same conversation resets the window.
func (p *PresenceTracker) SetTyping(conversationID, userID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.typing[conversationID] = userID
	if timer, ok := p.timers[conversationID]; ok {
		timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(p.window, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		// Stop is a no-op on a timer that already fired; a stale callback
		// that lost the race to a reset must not wipe the fresh entry.
		if p.timers[conversationID] != timer {
			return
		}
		delete(p.typing, conversationID)
		delete(p.timers, conversationID)
	})
	p.timers[conversationID] = timer
}

// ClearTyping removes the typing entry for a conversation and cancels its
// pending timer. Used on expiry and on screen teardown.
func (p *PresenceTracker) ClearTyping(conversationID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.typing, conversationID)
	if timer, ok := p.timers[conversationID]; ok {
		timer.Stop()
		delete(p.timers, conversationID)
	}
}

// TypingUser returns who is typing in a conversation, if anyone.
func (p *PresenceTracker) TypingUser(conversationID int64) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.typing[conversationID]
	return id, ok
}

// Close cancels all pending timers so no stale callback fires after teardown.
func (p *PresenceTracker) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, timer := range p.timers {
		timer.Stop()
		delete(p.timers, id)
	}
	p.typing = make(map[int64]int64)
	p.presence = make(map[int64]bool)
}
