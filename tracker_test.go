package feedomac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestConversationListUnreadCounting(t *testing.T) {
	l := NewConversationList()
	l.SetAll([]ConversationSummary{
		{ID: 1, Name: "alice"},
		{ID: 2, Name: "bob"},
	})

	// N message events on an inactive conversation yield unread == N.
	for i := 0; i < 3; i++ {
		l.Upsert(SummaryPatch{ID: 2, LastMessage: strptr("msg")})
	}
	c, ok := l.Get(2)
	require.True(t, ok)
	assert.Equal(t, 3, c.Unread)

	l.MarkRead(2)
	c, _ = l.Get(2)
	assert.Equal(t, 0, c.Unread)
}

func TestConversationListActiveSuppressesUnread(t *testing.T) {
	l := NewConversationList()
	l.SetAll([]ConversationSummary{{ID: 1}})
	l.SetActive(1)

	l.Upsert(SummaryPatch{ID: 1, LastMessage: strptr("hi")})
	c, _ := l.Get(1)
	assert.Equal(t, 0, c.Unread)

	l.SetActive(0)
	l.Upsert(SummaryPatch{ID: 1, LastMessage: strptr("hi again")})
	c, _ = l.Get(1)
	assert.Equal(t, 1, c.Unread)
}

func TestConversationListMoveToFront(t *testing.T) {
	l := NewConversationList()
	l.SetAll([]ConversationSummary{{ID: 1}, {ID: 2}, {ID: 3}})

	l.Upsert(SummaryPatch{ID: 3, LastMessage: strptr("latest")})

	got := l.Summaries()
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, int64(1), got[1].ID)
	assert.Equal(t, int64(2), got[2].ID)

	// MarkRead must not reorder.
	l.MarkRead(2)
	got = l.Summaries()
	assert.Equal(t, int64(3), got[0].ID)
}

func TestConversationListUpsertCreatesEntry(t *testing.T) {
	l := NewConversationList()

	l.Upsert(SummaryPatch{ID: 9, LastMessage: strptr("first contact")})
	got := l.Summaries()
	require.Len(t, got, 1)
	assert.Equal(t, int64(9), got[0].ID)
	assert.Equal(t, 1, got[0].Unread, "new inactive conversation starts unread")

	// A new entry for the active conversation starts read.
	l.SetActive(10)
	l.Upsert(SummaryPatch{ID: 10, LastMessage: strptr("hello")})
	c, _ := l.Get(10)
	assert.Equal(t, 0, c.Unread)
}

func TestConversationListRefreshMergesWithoutSideEffects(t *testing.T) {
	l := NewConversationList()
	l.SetAll([]ConversationSummary{{ID: 1}, {ID: 2, Unread: 2}})

	// Async detail enrichment must not bump unread or reorder.
	l.Refresh(SummaryPatch{ID: 2, Name: strptr("bob"), Avatar: strptr("http://a/b.png")})

	got := l.Summaries()
	assert.Equal(t, int64(1), got[0].ID)
	c, _ := l.Get(2)
	assert.Equal(t, "bob", c.Name)
	assert.Equal(t, 2, c.Unread)

	// Refresh for an unknown id is a no-op, never a create.
	l.Refresh(SummaryPatch{ID: 42, Name: strptr("ghost")})
	_, ok := l.Get(42)
	assert.False(t, ok)
}

func TestConversationListPresenceFlag(t *testing.T) {
	l := NewConversationList()
	l.SetAll([]ConversationSummary{{ID: 1}})

	l.SetPresence(1, true)
	c, _ := l.Get(1)
	assert.True(t, c.Online)

	l.SetPresence(1, false)
	c, _ = l.Get(1)
	assert.False(t, c.Online)
}

func TestPresenceTrackerLastWriterWins(t *testing.T) {
	p := NewPresenceTracker(0)
	defer p.Close()

	p.SetPresence(42, true)
	assert.True(t, p.Online(42))
	p.SetPresence(42, false)
	assert.False(t, p.Online(42))
	assert.False(t, p.Online(7), "unknown users are offline")
}

func TestPresenceTrackerTypingAutoClear(t *testing.T) {
	p := NewPresenceTracker(30 * time.Millisecond)
	defer p.Close()

	p.SetTyping(7, 42)
	user, ok := p.TypingUser(7)
	require.True(t, ok)
	assert.Equal(t, int64(42), user)

	require.Eventually(t, func() bool {
		_, ok := p.TypingUser(7)
		return !ok
	}, time.Second, 5*time.Millisecond, "typing indicator must expire")
}

func TestPresenceTrackerTypingWindowResets(t *testing.T) {
	p := NewPresenceTracker(60 * time.Millisecond)
	defer p.Close()

	p.SetTyping(7, 42)
	time.Sleep(35 * time.Millisecond)
	p.SetTyping(7, 42) // still typing: window restarts

	time.Sleep(35 * time.Millisecond)
	_, ok := p.TypingUser(7)
	assert.True(t, ok, "window must reset, not expire from the first event")

	require.Eventually(t, func() bool {
		_, ok := p.TypingUser(7)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestPresenceTrackerStaleTimerDoesNotClearFreshTyping(t *testing.T) {
	p := NewPresenceTracker(10 * time.Millisecond)
	defer p.Close()

	// Re-arm the window right as the previous timer expires. A callback from
	// the superseded timer that already fired must not wipe the new entry.
	for i := 0; i < 200; i++ {
		p.SetTyping(7, 42)
		time.Sleep(10 * time.Millisecond)
		p.SetTyping(7, 42)
		_, ok := p.TypingUser(7)
		require.True(t, ok, "iteration %d: fresh typing entry wiped by a stale timer", i)
	}
}

func TestPresenceTrackerLatestTyperWins(t *testing.T) {
	p := NewPresenceTracker(time.Minute)
	defer p.Close()

	p.SetTyping(7, 42)
	p.SetTyping(7, 43)
	user, ok := p.TypingUser(7)
	require.True(t, ok)
	assert.Equal(t, int64(43), user)
}

func TestPresenceTrackerClearAndClose(t *testing.T) {
	p := NewPresenceTracker(time.Minute)

	p.SetTyping(7, 42)
	p.ClearTyping(7)
	_, ok := p.TypingUser(7)
	assert.False(t, ok)

	p.SetTyping(8, 50)
	p.SetPresence(50, true)
	p.Close()

	_, ok = p.TypingUser(8)
	assert.False(t, ok)
	assert.False(t, p.Online(50))

	// Events after Close are dropped.
	p.SetTyping(9, 60)
	_, ok = p.TypingUser(9)
	assert.False(t, ok)
}
