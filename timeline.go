package feedomac

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Conversation Timeline Merger
// ============================================================================

// Timeline holds the ordered message log of one conversation. It merges
// paginated server history, optimistic local sends, and inbound push events
// into a single de-duplicated, chronologically consistent sequence. Merging is
// idempotent and order-independent: applying the same event twice, or racing a
// history page against a live push, converges on the same final state.
type Timeline struct {
	mu             sync.Mutex
	conversationID int64
	selfID         int64

	msgs  []*Message          // ascending by timestamp
	index map[string]*Message // id → record

	page    int
	hasMore bool
}

// NewTimeline creates the timeline for one conversation. selfID identifies the
// local user so own-message echoes can be reconciled instead of duplicated.
func NewTimeline(conversationID, selfID int64) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		selfID:         selfID,
		index:          make(map[string]*Message),
		hasMore:        true,
	}
}

// ConversationID returns the conversation this timeline belongs to.
func (t *Timeline) ConversationID() int64 { return t.conversationID }

// Len returns the number of messages in the timeline.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

// Messages returns a snapshot of the timeline, oldest first.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = *m
	}
	return out
}

// NextPage returns the next history page to request and whether the source has
// reported that further pages exist. A failed fetch leaves this state
// untouched, so retrying is always safe.
func (t *Timeline) NextPage() (page int, hasMore bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.page + 1, t.hasMore
}

// LoadPage merges one page of server history. Pages arrive newest-first from
// the source. Page 1 replaces the authoritative sequence; later pages prepend
// only messages whose id is not already present, preserving chronological
// order. Local provisional messages survive a page-1 replace.
func (t *Timeline) LoadPage(page int, newestFirst []Message, hasMore bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Convert to oldest-first.
	oldestFirst := make([]*Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		m := newestFirst[i]
		if m.Status == 0 {
			m.Status = StatusSent
		}
		oldestFirst = append(oldestFirst, &m)
	}

	if page <= 1 {
		// Keep unconfirmed local sends; everything else is replaced.
		var provisional []*Message
		for _, m := range t.msgs {
			if m.Provisional {
				provisional = append(provisional, m)
			}
		}
		t.msgs = nil
		t.index = make(map[string]*Message)
		for _, m := range oldestFirst {
			if _, dup := t.index[m.ID]; dup {
				continue
			}
			t.index[m.ID] = m
			t.msgs = append(t.msgs, m)
		}
		for _, m := range provisional {
			t.index[m.ID] = m
			t.msgs = append(t.msgs, m)
		}
	} else {
		var fresh []*Message
		for _, m := range oldestFirst {
			if _, dup := t.index[m.ID]; dup {
				continue
			}
			t.index[m.ID] = m
			fresh = append(fresh, m)
		}
		t.msgs = append(fresh, t.msgs...)
	}

	t.sortLocked()
	// Pages may land out of order; only the deepest page seen so far decides
	// whether further history exists.
	if page >= t.page {
		t.hasMore = hasMore
	}
	if page > t.page {
		t.page = page
	}
}

// SeedCached inserts messages recovered from the local cache without touching
// pagination state, so a later successful page-1 fetch still replaces the
// sequence and a retry of a failed fetch stays safe.
func (t *Timeline) SeedCached(msgs []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range msgs {
		m := msgs[i]
		if _, dup := t.index[m.ID]; dup {
			continue
		}
		if m.Status == 0 {
			m.Status = StatusSent
		}
		t.index[m.ID] = &m
		t.msgs = append(t.msgs, &m)
	}
	t.sortLocked()
}

// AppendLocal inserts an optimistic local message with a fresh temporary id
// and status sending, before any network acknowledgment. It returns the
// temporary id used to correlate the eventual server echo.
func (t *Timeline) AppendLocal(text, mediaURL string) string {
	tempID := "temp-" + uuid.NewString()
	m := &Message{
		ID:             tempID,
		ConversationID: t.conversationID,
		SenderID:       t.selfID,
		Text:           text,
		MediaURL:       mediaURL,
		Timestamp:      time.Now(),
		Status:         StatusSending,
		Provisional:    true,
	}
	t.mu.Lock()
	t.index[tempID] = m
	t.msgs = append(t.msgs, m)
	t.sortLocked()
	t.mu.Unlock()
	return tempID
}

// ApplyMessage merges an inbound new_message event. Duplicate deliveries are
// ignored. An echo of an own send updates the matching provisional record in
// place — the temporary id is superseded by the server id, never duplicated.
// It reports whether the timeline changed.
func (t *Timeline) ApplyMessage(ev NewMessageEvent) bool {
	id := strconv.FormatInt(ev.MessageID, 10)
	ts, err := parseWireTime(ev.CreatedAt)
	if err != nil {
		ts = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.index[id]; dup {
		return false
	}

	if ev.SenderID == t.selfID {
		if local := t.matchProvisionalLocked(ev); local != nil {
			delete(t.index, local.ID)
			local.ID = id
			local.Timestamp = ts
			local.Provisional = false
			if local.Status < StatusSent || local.Status == StatusFailed {
				local.Status = StatusSent
			}
			t.index[id] = local
			t.sortLocked()
			return true
		}
	}

	m := &Message{
		ID:             id,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		Text:           ev.Text,
		MediaURL:       ev.MediaURL,
		Timestamp:      ts,
		Status:         StatusSent,
	}
	t.index[id] = m
	t.msgs = append(t.msgs, m)
	t.sortLocked()
	return true
}

// matchProvisionalLocked finds the provisional record an own-message echo
// corresponds to. A server-echoed temp_id is authoritative; without one, the
// oldest unconfirmed send with the same content is taken.
func (t *Timeline) matchProvisionalLocked(ev NewMessageEvent) *Message {
	if ev.TempID != "" {
		if m, ok := t.index[ev.TempID]; ok && m.Provisional {
			return m
		}
		return nil
	}
	for _, m := range t.msgs {
		if m.Provisional && m.SenderID == t.selfID &&
			m.Text == ev.Text && m.MediaURL == ev.MediaURL {
			return m
		}
	}
	return nil
}

// ApplyStatus updates a message's delivery status in place. Status never moves
// backward: once seen is recorded, a late delivered event is ignored. It
// reports whether the message changed.
func (t *Timeline) ApplyStatus(messageID int64, status DeliveryStatus) bool {
	if status != StatusSent && status != StatusDelivered && status != StatusSeen {
		return false
	}
	id := strconv.FormatInt(messageID, 10)
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.index[id]
	if !ok || m.Status >= status || m.Status == StatusFailed {
		return false
	}
	m.Status = status
	return true
}

// MarkFailed marks a provisional message whose send errored before
// transmission. The record stays visible so user-authored content is never
// silently lost; a user-initiated retry re-sends it.
func (t *Timeline) MarkFailed(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.index[tempID]
	if !ok || !m.Provisional || m.Status != StatusSending {
		return false
	}
	m.Status = StatusFailed
	return true
}

// Retry re-arms a failed provisional message for another send attempt.
func (t *Timeline) Retry(tempID string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.index[tempID]
	if !ok || m.Status != StatusFailed {
		return Message{}, false
	}
	m.Status = StatusSending
	return *m, true
}

// Clear removes all messages, the only way records are destroyed.
func (t *Timeline) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = nil
	t.index = make(map[string]*Message)
	t.page = 0
	t.hasMore = true
}

func (t *Timeline) sortLocked() {
	sort.SliceStable(t.msgs, func(i, j int) bool {
		return t.msgs[i].Timestamp.Before(t.msgs[j].Timestamp)
	})
}

// ============================================================================
// Derived rendering rows
// ============================================================================

// RowKind distinguishes timeline rows.
type RowKind int

const (
	RowMessage RowKind = iota
	RowDaySeparator
)

// Row is one entry of the derived rendering sequence: messages interleaved
// with day-boundary separators.
type Row struct {
	Kind    RowKind
	Message Message   // valid when Kind == RowMessage
	Day     time.Time // valid when Kind == RowDaySeparator
}

// Rows recomputes the rendering sequence from the authoritative message log.
// A separator precedes the first message of each calendar day, judged by the
// message's own timestamp.
func (t *Timeline) Rows() []Row {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows := make([]Row, 0, len(t.msgs)+4)
	var lastY, lastD int
	var haveDay bool
	for _, m := range t.msgs {
		y, d := m.Timestamp.Year(), m.Timestamp.YearDay()
		if !haveDay || y != lastY || d != lastD {
			day := time.Date(y, m.Timestamp.Month(), m.Timestamp.Day(), 0, 0, 0, 0, m.Timestamp.Location())
			rows = append(rows, Row{Kind: RowDaySeparator, Day: day})
			lastY, lastD, haveDay = y, d, true
		}
		rows = append(rows, Row{Kind: RowMessage, Message: *m})
	}
	return rows
}
