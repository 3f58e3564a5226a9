// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package query

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/roost/ingest"
	"github.com/element-hq/roost/internal/caching"
	"github.com/element-hq/roost/notifier"
	"github.com/element-hq/roost/roomstate"
	"github.com/element-hq/roost/setup/process"
	"github.com/element-hq/roost/storage"
	"github.com/element-hq/roost/types"
)

const testLocalUser = "@alice:test"

func newTestQueries(t *testing.T) (*Queries, *ingest.Ingestor) {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	tracker := roomstate.NewTracker(caches, testLocalUser)
	typing := roomstate.NewTypingCache()
	ig := ingest.NewIngestor(db, tracker, typing, notifier.NewNotifier(), nil, testLocalUser)
	return NewQueries(db, tracker, typing, nil, testLocalUser), ig
}

func message(eventID, sender, body string, ts int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"event_id":%q,"sender":%q,"type":"m.room.message","origin_server_ts":%d,"content":{"msgtype":"m.text","body":%q}}`,
		eventID, sender, ts, body,
	))
}

func member(userID, displayName string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"event_id":"$mem%s","sender":%q,"type":"m.room.member","state_key":%q,"origin_server_ts":1000,"content":{"membership":"join","displayname":%q}}`,
		userID, userID, userID, displayName,
	))
}

func applyBatch(t *testing.T, ig *ingest.Ingestor, batch *types.SyncBatch) {
	t.Helper()
	require.NoError(t, ig.ApplySyncBatch(context.Background(), batch))
}

func eventIDs(events []*types.Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID()
	}
	return ids
}

func TestTimelineSliceLatestBackward(t *testing.T) {
	q, ig := newTestQueries(t)
	roomID := "!r1:test"
	applyBatch(t, ig, &types.SyncBatch{
		NextSyncToken: "s1",
		Rooms: map[string]types.RoomDelta{roomID: {
			Membership:     "join",
			TimelineEvents: []json.RawMessage{message("$m1", "@bob:test", "hello", 2000)},
		}},
	})

	events, err := q.TimelineSlice(roomID, types.AnchorLatest, types.Backwards, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"$m1"}, eventIDs(events))
}

func TestTimelineSliceOrdering(t *testing.T) {
	q, ig := newTestQueries(t)
	roomID := "!r1:test"
	applyBatch(t, ig, &types.SyncBatch{
		NextSyncToken: "s1",
		Rooms: map[string]types.RoomDelta{roomID: {
			Membership: "join",
			TimelineEvents: []json.RawMessage{
				message("$m1", "@bob:test", "one", 1000),
				message("$m2", "@bob:test", "two", 2000),
				message("$m3", "@bob:test", "three", 3000),
			},
		}},
	})

	// Backward from latest: newest first.
	events, err := q.TimelineSlice(roomID, types.AnchorLatest, types.Backwards, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"$m3", "$m2"}, eventIDs(events))

	// Forward from an anchor: strictly after it, oldest first.
	events, err = q.TimelineSlice(roomID, "$m1", types.Forwards, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"$m2", "$m3"}, eventIDs(events))
}

func TestTimelineSliceCrossingGap(t *testing.T) {
	q, ig := newTestQueries(t)
	roomID := "!r1:test"
	applyBatch(t, ig, &types.SyncBatch{
		NextSyncToken: "s1",
		Rooms: map[string]types.RoomDelta{roomID: {
			Membership:     "join",
			TimelineEvents: []json.RawMessage{message("$m1", "@bob:test", "old", 1000)},
		}},
	})
	applyBatch(t, ig, &types.SyncBatch{
		NextSyncToken: "s2",
		Rooms: map[string]types.RoomDelta{roomID: {
			Limited:        true,
			PrevBatch:      "gap-token",
			TimelineEvents: []json.RawMessage{message("$m9", "@bob:test", "new", 9000)},
		}},
	})

	events, err := q.TimelineSlice(roomID, types.AnchorLatest, types.Backwards, 10)
	require.Error(t, err)
	var backfill *types.BackfillNeeded
	require.ErrorAs(t, err, &backfill)
	assert.Equal(t, "gap-token", backfill.Token)
	assert.Equal(t, roomID, backfill.RoomID)
	// The events on our side of the gap still come back.
	assert.Equal(t, []string{"$m9"}, eventIDs(events))
}

func TestTimelineSliceOldestEdgeNeedsBackfill(t *testing.T) {
	q, ig := newTestQueries(t)
	roomID := "!r1:test"
	applyBatch(t, ig, &types.SyncBatch{
		NextSyncToken: "s1",
		Rooms: map[string]types.RoomDelta{roomID: {
			Membership:     "join",
			PrevBatch:      "room-prev",
			TimelineEvents: []json.RawMessage{message("$m1", "@bob:test", "only", 1000)},
		}},
	})

	events, err := q.TimelineSlice(roomID, types.AnchorLatest, types.Backwards, 10)
	var backfill *types.BackfillNeeded
	require.ErrorAs(t, err, &backfill)
	assert.Equal(t, "room-prev", backfill.Token)
	assert.Equal(t, []string{"$m1"}, eventIDs(events))
}

func TestUnreadSummary(t *testing.T) {
	q, ig := newTestQueries(t)
	roomID := "!r1:test"
	applyBatch(t, ig, &types.SyncBatch{
		NextSyncToken: "s1",
		Rooms: map[string]types.RoomDelta{roomID: {
			Membership: "join",
			TimelineEvents: []json.RawMessage{
				message("$m1", "@bob:test", "hi", 1000),
				message("$m2", "@bob:test", "hey alice", 2000),
			},
		}},
	})

	unread, err := q.UnreadSummary(roomID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), unread.Notifications)
	assert.Equal(t, int64(1), unread.Highlights)

	// Unknown room reads as zero, not as an error.
	unread, err = q.UnreadSummary("!nowhere:test")
	require.NoError(t, err)
	assert.Zero(t, unread.Notifications)
}

func TestRoomsByActivity(t *testing.T) {
	q, ig := newTestQueries(t)
	applyBatch(t, ig, &types.SyncBatch{
		NextSyncToken: "s1",
		Rooms: map[string]types.RoomDelta{
			"!old:test":  {Membership: "join", TimelineEvents: []json.RawMessage{message("$a", "@bob:test", "x", 1000)}},
			"!new:test":  {Membership: "join", TimelineEvents: []json.RawMessage{message("$b", "@bob:test", "y", 5000)}},
			"!tie2:test": {Membership: "join", TimelineEvents: []json.RawMessage{message("$c", "@bob:test", "z", 3000)}},
			"!tie1:test": {Membership: "join", TimelineEvents: []json.RawMessage{message("$d", "@bob:test", "w", 3000)}},
		},
	})

	rooms, err := q.RoomsByActivity()
	require.NoError(t, err)
	ids := make([]string, len(rooms))
	for i, r := range rooms {
		ids[i] = r.RoomID
	}
	assert.Equal(t, []string{"!new:test", "!tie1:test", "!tie2:test", "!old:test"}, ids)
}

func TestSearchUsersOrdering(t *testing.T) {
	q, ig := newTestQueries(t)
	roomID := "!r1:test"
	applyBatch(t, ig, &types.SyncBatch{
		NextSyncToken: "s1",
		Rooms: map[string]types.RoomDelta{roomID: {
			Membership: "join",
			StateEvents: []json.RawMessage{
				member("@dana:test", "Dana"),
				member("@bob:test", "Bobby Danvers"),
				member("@dan:test", "Dan"),
				member("@carol:test", "Carol"),
			},
		}},
	})

	matches, err := q.SearchUsers(roomID, "dan")
	require.NoError(t, err)
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.UserID
	}
	// Prefix matches first, alphabetical inside each group.
	assert.Equal(t, []string{"@dan:test", "@dana:test", "@bob:test"}, ids)

	// Case-insensitive, matches user IDs too.
	matches, err = q.SearchUsers(roomID, "CAROL")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "@carol:test", matches[0].UserID)
}

func TestMembersPagination(t *testing.T) {
	q, ig := newTestQueries(t)
	roomID := "!r1:test"
	applyBatch(t, ig, &types.SyncBatch{
		NextSyncToken: "s1",
		Rooms: map[string]types.RoomDelta{roomID: {
			Membership: "join",
			StateEvents: []json.RawMessage{
				member("@bob:test", "Bob"),
				member("@dana:test", "Dana"),
				member("@carol:test", "Carol"),
			},
		}},
	})

	userIDs := func(members []*types.MemberRecord) []string {
		ids := make([]string, len(members))
		for i, m := range members {
			ids[i] = m.UserID
		}
		return ids
	}

	page, err := q.Members(roomID, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"@bob:test", "@carol:test"}, userIDs(page))

	page, err = q.Members(roomID, "@carol:test", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"@dana:test"}, userIDs(page))

	page, err = q.Members(roomID, "@dana:test", 2)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestWorkerSubmit(t *testing.T) {
	q, ig := newTestQueries(t)
	roomID := "!r1:test"
	applyBatch(t, ig, &types.SyncBatch{
		NextSyncToken: "s1",
		Rooms: map[string]types.RoomDelta{roomID: {
			Membership:     "join",
			TimelineEvents: []json.RawMessage{message("$m1", "@bob:test", "hello", 2000)},
		}},
	})

	processCtx := process.NewProcessContext()
	t.Cleanup(func() {
		processCtx.Quit()
		processCtx.WaitForShutdown()
	})
	w := NewWorker(processCtx, q, 2)

	rooms, err := SubmitWait(context.Background(), w, func(q *Queries) ([]types.RoomSummary, error) {
		return q.RoomsByActivity()
	})
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, roomID, rooms[0].RoomID)
}
