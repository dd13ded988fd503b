package feedomac

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyMsg(id int64, text string, ts time.Time) Message {
	return Message{
		ID:             fmt.Sprintf("%d", id),
		ConversationID: 7,
		SenderID:       99,
		Text:           text,
		Timestamp:      ts,
		Status:         StatusSent,
	}
}

func timelineIDs(t *Timeline) []string {
	msgs := t.Messages()
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func TestTimelinePaginationOverlap(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	tl := NewTimeline(7, 1)

	// Pages arrive newest-first and may overlap at the boundary.
	tl.LoadPage(1, []Message{
		historyMsg(10, "ten", base.Add(10*time.Minute)),
		historyMsg(9, "nine", base.Add(9*time.Minute)),
	}, true)
	tl.LoadPage(2, []Message{
		historyMsg(9, "nine", base.Add(9*time.Minute)),
		historyMsg(8, "eight", base.Add(8*time.Minute)),
	}, false)

	assert.Equal(t, []string{"8", "9", "10"}, timelineIDs(tl))

	page, hasMore := tl.NextPage()
	assert.Equal(t, 3, page)
	assert.False(t, hasMore)
}

func TestTimelinePaginationOrderIndependent(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	pages := map[int][]Message{
		1: {historyMsg(10, "ten", base.Add(10*time.Minute)), historyMsg(9, "nine", base.Add(9*time.Minute))},
		2: {historyMsg(9, "nine", base.Add(9*time.Minute)), historyMsg(8, "eight", base.Add(8*time.Minute))},
		3: {historyMsg(8, "eight", base.Add(8*time.Minute)), historyMsg(7, "seven", base.Add(7*time.Minute))},
	}
	load := func(tl *Timeline, page int) {
		tl.LoadPage(page, pages[page], page < 3)
	}

	// Responses for pages 2 and 3 may land in either order; the merged
	// sequence converges on the same result.
	inOrder := NewTimeline(7, 1)
	load(inOrder, 1)
	load(inOrder, 2)
	load(inOrder, 3)

	reversed := NewTimeline(7, 1)
	load(reversed, 1)
	load(reversed, 3)
	load(reversed, 2)

	want := []string{"7", "8", "9", "10"}
	assert.Equal(t, want, timelineIDs(inOrder))
	assert.Equal(t, want, timelineIDs(reversed))

	// The late page-2 response must not reopen pagination.
	page, hasMore := reversed.NextPage()
	assert.Equal(t, 4, page)
	assert.False(t, hasMore)
}

func TestTimelinePageOneReplacesButKeepsProvisional(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	tl := NewTimeline(7, 1)

	tl.LoadPage(1, []Message{historyMsg(5, "old", base)}, true)
	tempID := tl.AppendLocal("draft", "")

	// A re-fetch of page 1 (e.g. after reconnect) replaces history but must
	// not drop the unconfirmed local send.
	tl.LoadPage(1, []Message{
		historyMsg(6, "newer", base.Add(time.Minute)),
		historyMsg(5, "old", base),
	}, false)

	ids := timelineIDs(tl)
	require.Len(t, ids, 3)
	assert.Equal(t, tempID, ids[2])
}

func TestTimelineNextPageUnchangedAfterFailedFetch(t *testing.T) {
	tl := NewTimeline(7, 1)
	page, hasMore := tl.NextPage()
	assert.Equal(t, 1, page)
	assert.True(t, hasMore)

	// No LoadPage call happened (the fetch failed); the next request must
	// target the same page again.
	page, hasMore = tl.NextPage()
	assert.Equal(t, 1, page)
	assert.True(t, hasMore)
}

func TestTimelineApplyMessageIdempotent(t *testing.T) {
	tl := NewTimeline(7, 1)
	ev := NewMessageEvent{
		ConversationID: 7,
		MessageID:      42,
		SenderID:       99,
		Text:           "hello",
		CreatedAt:      "2025-03-10T12:00:00Z",
	}

	assert.True(t, tl.ApplyMessage(ev))
	assert.False(t, tl.ApplyMessage(ev), "duplicate delivery must be a no-op")
	assert.Equal(t, 1, tl.Len())
}

func TestTimelineEchoSupersedesTempID(t *testing.T) {
	tl := NewTimeline(7, 1)
	tempID := tl.AppendLocal("hi", "")
	require.True(t, strings.HasPrefix(tempID, "temp-"))

	changed := tl.ApplyMessage(NewMessageEvent{
		ConversationID: 7,
		MessageID:      101,
		SenderID:       1,
		Text:           "hi",
		TempID:         tempID,
		CreatedAt:      "2025-03-10T12:00:00Z",
	})
	require.True(t, changed)

	msgs := tl.Messages()
	require.Len(t, msgs, 1, "echo must supersede, not duplicate")
	assert.Equal(t, "101", msgs[0].ID)
	assert.False(t, msgs[0].Provisional)
	assert.Equal(t, StatusSent, msgs[0].Status)
}

func TestTimelineEchoContentFallback(t *testing.T) {
	tl := NewTimeline(7, 1)
	first := tl.AppendLocal("same text", "")
	second := tl.AppendLocal("same text", "")

	// No temp_id echoed: the oldest matching provisional send is taken.
	tl.ApplyMessage(NewMessageEvent{
		ConversationID: 7,
		MessageID:      200,
		SenderID:       1,
		Text:           "same text",
		CreatedAt:      "2025-03-10T12:00:00Z",
	})

	msgs := tl.Messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.NotEqual(t, first, m.ID)
	}
	// The second send is still awaiting its own echo.
	var stillProvisional int
	for _, m := range msgs {
		if m.Provisional {
			stillProvisional++
			assert.Equal(t, second, m.ID)
		}
	}
	assert.Equal(t, 1, stillProvisional)
}

func TestTimelineEchoUnknownTempIDAppends(t *testing.T) {
	tl := NewTimeline(7, 1)
	// A temp_id from another device/session matches nothing here; the echo
	// still lands as a normal message.
	tl.ApplyMessage(NewMessageEvent{
		ConversationID: 7,
		MessageID:      300,
		SenderID:       1,
		Text:           "from elsewhere",
		TempID:         "temp-not-ours",
		CreatedAt:      "2025-03-10T12:00:00Z",
	})
	require.Equal(t, 1, tl.Len())
	assert.Equal(t, "300", tl.Messages()[0].ID)
}

func TestTimelineStatusMonotonic(t *testing.T) {
	tl := NewTimeline(7, 1)
	tl.ApplyMessage(NewMessageEvent{
		ConversationID: 7, MessageID: 50, SenderID: 1,
		Text: "x", CreatedAt: "2025-03-10T12:00:00Z",
	})

	assert.True(t, tl.ApplyStatus(50, StatusSeen))
	assert.False(t, tl.ApplyStatus(50, StatusDelivered), "status never moves backward")
	assert.Equal(t, StatusSeen, tl.Messages()[0].Status)

	// Unknown message ids are ignored.
	assert.False(t, tl.ApplyStatus(9999, StatusDelivered))
}

func TestTimelineMarkFailedAndRetry(t *testing.T) {
	tl := NewTimeline(7, 1)
	tempID := tl.AppendLocal("doomed", "")

	require.True(t, tl.MarkFailed(tempID))
	assert.False(t, tl.MarkFailed(tempID), "already failed")

	m := tl.Messages()[0]
	assert.Equal(t, StatusFailed, m.Status)
	assert.True(t, m.Provisional, "failed sends stay visible")

	retried, ok := tl.Retry(tempID)
	require.True(t, ok)
	assert.Equal(t, StatusSending, retried.Status)
	assert.Equal(t, "doomed", retried.Text)

	// A confirmed message cannot be marked failed.
	tl.ApplyMessage(NewMessageEvent{
		ConversationID: 7, MessageID: 60, SenderID: 1,
		Text: "doomed", TempID: tempID, CreatedAt: "2025-03-10T12:00:00Z",
	})
	assert.False(t, tl.MarkFailed(tempID))
}

func TestTimelineSeedCachedKeepsPaginationState(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	tl := NewTimeline(7, 1)

	tl.SeedCached([]Message{
		historyMsg(1, "a", base),
		historyMsg(2, "b", base.Add(time.Minute)),
	})
	assert.Equal(t, 2, tl.Len())

	page, hasMore := tl.NextPage()
	assert.Equal(t, 1, page, "cache recovery must not consume a page")
	assert.True(t, hasMore)

	// A later page-1 fetch still replaces the cached view.
	tl.LoadPage(1, []Message{historyMsg(3, "c", base.Add(2*time.Minute))}, false)
	assert.Equal(t, []string{"3"}, timelineIDs(tl))
}

func TestTimelineClear(t *testing.T) {
	tl := NewTimeline(7, 1)
	tl.LoadPage(1, []Message{historyMsg(1, "a", time.Now())}, false)
	tl.Clear()

	assert.Equal(t, 0, tl.Len())
	page, hasMore := tl.NextPage()
	assert.Equal(t, 1, page)
	assert.True(t, hasMore)
}

func TestTimelineDaySeparators(t *testing.T) {
	day1 := time.Date(2025, 3, 10, 23, 50, 0, 0, time.UTC)
	day2 := time.Date(2025, 3, 11, 0, 5, 0, 0, time.UTC)
	tl := NewTimeline(7, 1)
	tl.LoadPage(1, []Message{
		historyMsg(3, "c", day2.Add(time.Minute)),
		historyMsg(2, "b", day2),
		historyMsg(1, "a", day1),
	}, false)

	rows := tl.Rows()
	require.Len(t, rows, 5)
	assert.Equal(t, RowDaySeparator, rows[0].Kind)
	assert.Equal(t, RowMessage, rows[1].Kind)
	assert.Equal(t, "1", rows[1].Message.ID)
	assert.Equal(t, RowDaySeparator, rows[2].Kind)
	assert.Equal(t, 11, rows[2].Day.Day())
	assert.Equal(t, RowMessage, rows[3].Kind)
	assert.Equal(t, RowMessage, rows[4].Kind)
}

func TestParseWireTimeFormats(t *testing.T) {
	for _, s := range []string{
		"2025-03-10T12:00:00.123456789Z",
		"2025-03-10T12:00:00Z",
		"2025-03-10 12:00:00",
	} {
		_, err := parseWireTime(s)
		assert.NoError(t, err, s)
	}
	_, err := parseWireTime("yesterday")
	assert.Error(t, err)
}
