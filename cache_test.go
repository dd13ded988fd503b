package feedomac

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cacheUnderTest runs the same behavioral suite against every Cache
// implementation.
func cacheUnderTest(t *testing.T, open func(t *testing.T) Cache) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("messages round trip oldest first", func(t *testing.T) {
		c := open(t)
		defer c.Close()

		require.NoError(t, c.PutMessages(7, []Message{
			{ID: "2", SenderID: 1, Text: "second", Timestamp: base.Add(time.Minute), Status: StatusSent},
			{ID: "1", SenderID: 1, Text: "first", Timestamp: base, Status: StatusSent},
		}))

		got, err := c.Messages(7, 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "1", got[0].ID)
		assert.Equal(t, "2", got[1].ID)
		assert.Equal(t, int64(7), got[0].ConversationID)
	})

	t.Run("message limit keeps newest", func(t *testing.T) {
		c := open(t)
		defer c.Close()

		require.NoError(t, c.PutMessages(7, []Message{
			{ID: "1", Text: "a", Timestamp: base, Status: StatusSent},
			{ID: "2", Text: "b", Timestamp: base.Add(time.Minute), Status: StatusSent},
			{ID: "3", Text: "c", Timestamp: base.Add(2 * time.Minute), Status: StatusSent},
		}))

		got, err := c.Messages(7, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "2", got[0].ID)
		assert.Equal(t, "3", got[1].ID)
	})

	t.Run("summaries round trip", func(t *testing.T) {
		c := open(t)
		defer c.Close()

		require.NoError(t, c.PutSummaries([]ConversationSummary{
			{ID: 1, Name: "alice", LastMessage: "hi", LastActivity: base, Unread: 2, Online: true},
			{ID: 2, Name: "bob", LastActivity: base.Add(time.Hour)},
		}))

		got, err := c.Summaries(0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, int64(2), got[0].ID, "most recent activity first")
		assert.Equal(t, "alice", got[1].Name)
		assert.Equal(t, 2, got[1].Unread)
		assert.True(t, got[1].Online)
	})

	t.Run("delete conversation removes both tables", func(t *testing.T) {
		c := open(t)
		defer c.Close()

		require.NoError(t, c.PutMessages(7, []Message{{ID: "1", Text: "x", Timestamp: base, Status: StatusSent}}))
		require.NoError(t, c.PutSummaries([]ConversationSummary{{ID: 7, Name: "gone"}}))

		require.NoError(t, c.DeleteConversation(7))

		msgs, err := c.Messages(7, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
		sums, err := c.Summaries(0)
		require.NoError(t, err)
		assert.Empty(t, sums)
	})
}

func TestMemoryCache(t *testing.T) {
	cacheUnderTest(t, func(t *testing.T) Cache { return NewMemoryCache() })
}

func TestSQLiteCache(t *testing.T) {
	cacheUnderTest(t, func(t *testing.T) Cache {
		c, err := OpenSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
		require.NoError(t, err)
		return c
	})
}

func TestSQLiteCacheStatusNeverDowngrades(t *testing.T) {
	c, err := OpenSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer c.Close()

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	msg := Message{ID: "1", SenderID: 1, Text: "x", Timestamp: base, Status: StatusSeen}
	require.NoError(t, c.PutMessages(7, []Message{msg}))

	// A stale re-write with a lower status must not win.
	msg.Status = StatusDelivered
	require.NoError(t, c.PutMessages(7, []Message{msg}))

	got, err := c.Messages(7, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, StatusSeen, got[0].Status)
}

func TestSQLiteCacheSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	c, err := OpenSQLiteCache(path)
	require.NoError(t, err)
	require.NoError(t, c.PutMessages(7, []Message{{ID: "1", Text: "persist me", Timestamp: base, Status: StatusSent}}))
	require.NoError(t, c.Close())

	c2, err := OpenSQLiteCache(path)
	require.NoError(t, err)
	defer c2.Close()

	got, err := c2.Messages(7, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "persist me", got[0].Text)
}
