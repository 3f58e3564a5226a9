// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/roost/internal/caching"
	"github.com/element-hq/roost/notifier"
	"github.com/element-hq/roost/roomstate"
	"github.com/element-hq/roost/storage"
	"github.com/element-hq/roost/types"
)

const testLocalUser = "@alice:test"

func newTestIngestor(t *testing.T) (*Ingestor, *storage.Database) {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	tracker := roomstate.NewTracker(caches, testLocalUser)
	return NewIngestor(db, tracker, roomstate.NewTypingCache(), notifier.NewNotifier(), nil, testLocalUser), db
}

func messageEvent(eventID, sender, body string, ts int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"event_id":%q,"sender":%q,"type":"m.room.message","origin_server_ts":%d,"content":{"msgtype":"m.text","body":%q}}`,
		eventID, sender, ts, body,
	))
}

func memberEvent(eventID, userID, membership string, ts int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"event_id":%q,"sender":%q,"type":"m.room.member","state_key":%q,"origin_server_ts":%d,"content":{"membership":%q,"displayname":"Alice"}}`,
		eventID, userID, userID, ts, membership,
	))
}

func stateEvent(eventID, evType, stateKey, contentKey, contentVal string, ts int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"event_id":%q,"sender":"@bob:test","type":%q,"state_key":%q,"origin_server_ts":%d,"content":{%q:%q}}`,
		eventID, evType, stateKey, ts, contentKey, contentVal,
	))
}

func joinBatch(roomID string, timeline ...json.RawMessage) *types.SyncBatch {
	return &types.SyncBatch{
		NextSyncToken: "s1",
		Rooms: map[string]types.RoomDelta{
			roomID: {
				Membership:     "join",
				StateEvents:    []json.RawMessage{memberEvent("$join", testLocalUser, "join", 1000)},
				TimelineEvents: timeline,
			},
		},
	}
}

func roomTimeline(t *testing.T, db *storage.Database, roomID string) []string {
	t.Helper()
	txn, err := db.KV.NewReadTxn()
	require.NoError(t, err)
	defer txn.Close()

	latest, err := storage.SelectLatestSeq(txn, roomID)
	require.NoError(t, err)
	var ids []string
	for seq := uint64(1); seq <= latest; seq++ {
		ev, err := storage.SelectTimelineEvent(txn, roomID, seq)
		require.NoError(t, err)
		if ev != nil {
			ids = append(ids, ev.EventID())
		}
	}
	return ids
}

func TestApplySyncBatchJoinAndMessage(t *testing.T) {
	ig, db := newTestIngestor(t)
	roomID := "!r1:test"

	err := ig.ApplySyncBatch(context.Background(), joinBatch(roomID, messageEvent("$m1", "@bob:test", "hello", 2000)))
	require.NoError(t, err)

	txn, err := db.KV.NewReadTxn()
	require.NoError(t, err)
	defer txn.Close()

	state, err := ig.tracker.CurrentState(txn, roomID)
	require.NoError(t, err)
	member := state[types.StateTuple{EventType: "m.room.member", StateKey: testLocalUser}]
	require.NotNil(t, member)
	assert.Equal(t, "join", member.Membership())

	assert.Equal(t, []string{"$m1"}, roomTimeline(t, db, roomID))

	rec, ok, err := storage.SelectRoom(txn, roomID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "join", rec.Membership)
	assert.Equal(t, "s1", rec.NextBatch)

	token, err := storage.SelectSyncToken(txn)
	require.NoError(t, err)
	assert.Equal(t, "s1", token)
}

func TestApplySyncBatchStateOverwrite(t *testing.T) {
	ig, db := newTestIngestor(t)
	roomID := "!r1:test"

	batch := joinBatch(roomID,
		stateEvent("$e1", "m.room.topic", "", "topic", "first", 2000),
		stateEvent("$e2", "m.room.topic", "", "topic", "second", 3000),
	)
	require.NoError(t, ig.ApplySyncBatch(context.Background(), batch))

	txn, err := db.KV.NewReadTxn()
	require.NoError(t, err)
	defer txn.Close()

	state, err := ig.tracker.CurrentState(txn, roomID)
	require.NoError(t, err)
	topic := state[types.StateTuple{EventType: "m.room.topic"}]
	require.NotNil(t, topic)
	assert.Equal(t, "$e2", topic.EventID())
}

func TestApplySyncBatchIdempotent(t *testing.T) {
	ig, db := newTestIngestor(t)
	roomID := "!r1:test"

	batch := joinBatch(roomID,
		messageEvent("$m1", "@bob:test", "one", 2000),
		messageEvent("$m2", "@bob:test", "two", 3000),
	)
	require.NoError(t, ig.ApplySyncBatch(context.Background(), batch))
	require.NoError(t, ig.ApplySyncBatch(context.Background(), batch))

	assert.Equal(t, []string{"$m1", "$m2"}, roomTimeline(t, db, roomID))

	txn, err := db.KV.NewReadTxn()
	require.NoError(t, err)
	defer txn.Close()
	counts, err := storage.SelectNotificationCounts(txn, roomID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.NotificationCount)
}

func TestLocalEchoLifecycle(t *testing.T) {
	ig, db := newTestIngestor(t)
	roomID := "!r1:test"
	require.NoError(t, ig.ApplySyncBatch(context.Background(), joinBatch(roomID, messageEvent("$m1", "@bob:test", "hi alice", 2000))))

	txnID, err := ig.AddLocalEcho(roomID, "m.room.message", []byte(`{"msgtype":"m.text","body":"hi"}`))
	require.NoError(t, err)

	pending, err := ig.PendingLocalEchoes()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, txnID, pending[0].TransactionID)
	assert.Equal(t, []string{"$m1", "~" + txnID}, roomTimeline(t, db, roomID))

	// Server acknowledges the send inside a later batch.
	ack := json.RawMessage(fmt.Sprintf(
		`{"event_id":"$e99","sender":%q,"type":"m.room.message","origin_server_ts":4000,"content":{"msgtype":"m.text","body":"hi"},"unsigned":{"transaction_id":%q}}`,
		testLocalUser, txnID,
	))
	require.NoError(t, ig.ApplySyncBatch(context.Background(), &types.SyncBatch{
		NextSyncToken: "s2",
		Rooms:         map[string]types.RoomDelta{roomID: {TimelineEvents: []json.RawMessage{ack}}},
	}))

	assert.Equal(t, []string{"$m1", "$e99"}, roomTimeline(t, db, roomID))
	pending, err = ig.PendingLocalEchoes()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApplySyncBatchLimitedRecordsGap(t *testing.T) {
	ig, db := newTestIngestor(t)
	roomID := "!r1:test"
	require.NoError(t, ig.ApplySyncBatch(context.Background(), joinBatch(roomID, messageEvent("$m1", "@bob:test", "one", 2000))))

	require.NoError(t, ig.ApplySyncBatch(context.Background(), &types.SyncBatch{
		NextSyncToken: "s2",
		Rooms: map[string]types.RoomDelta{
			roomID: {
				Limited:        true,
				PrevBatch:      "backfill-token",
				TimelineEvents: []json.RawMessage{messageEvent("$m9", "@bob:test", "much later", 9000)},
			},
		},
	}))

	txn, err := db.KV.NewReadTxn()
	require.NoError(t, err)
	defer txn.Close()
	gap, ok, err := storage.SelectGapInRange(txn, roomID, 1, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "backfill-token", gap.PrevBatch)
}

func TestLimitedBatchReappliedAddsNoGap(t *testing.T) {
	ig, db := newTestIngestor(t)
	roomID := "!r1:test"
	require.NoError(t, ig.ApplySyncBatch(context.Background(), joinBatch(roomID, messageEvent("$m1", "@bob:test", "one", 2000))))

	limited := &types.SyncBatch{
		NextSyncToken: "s2",
		Rooms: map[string]types.RoomDelta{
			roomID: {
				Limited:        true,
				PrevBatch:      "backfill-token",
				TimelineEvents: []json.RawMessage{messageEvent("$m9", "@bob:test", "much later", 9000)},
			},
		},
	}
	require.NoError(t, ig.ApplySyncBatch(context.Background(), limited))
	require.NoError(t, ig.ApplySyncBatch(context.Background(), limited))

	txn, err := db.KV.NewReadTxn()
	require.NoError(t, err)
	defer txn.Close()

	gap, ok, err := storage.SelectGapInRange(txn, roomID, 1, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "backfill-token", gap.PrevBatch)

	// The re-apply deduplicated every event; no marker may sit past the
	// timeline's end.
	_, ok, err = storage.SelectGapInRange(txn, roomID, 2, ^uint64(0))
	require.NoError(t, err)
	assert.False(t, ok)
}

// errAfterContext reports cancellation from its second check onwards,
// letting a batch partially apply before the failure hits.
type errAfterContext struct {
	context.Context
	checks int
}

func (c *errAfterContext) Err() error {
	c.checks++
	if c.checks > 1 {
		return context.Canceled
	}
	return nil
}

func TestApplySyncBatchFailureThenRetry(t *testing.T) {
	ig, db := newTestIngestor(t)
	roomA, roomB := "!a:test", "!b:test"
	require.NoError(t, ig.ApplySyncBatch(context.Background(), joinBatch(roomA, messageEvent("$a1", "@bob:test", "one", 2000))))

	batch := &types.SyncBatch{
		NextSyncToken: "s2",
		Rooms: map[string]types.RoomDelta{
			roomA: {
				Limited:        true,
				PrevBatch:      "backfill-token",
				TimelineEvents: []json.RawMessage{messageEvent("$a2", "@bob:test", "two", 9000)},
			},
			roomB: {
				Membership:     "join",
				TimelineEvents: []json.RawMessage{messageEvent("$b1", "@carol:test", "hi", 9000)},
			},
		},
	}

	// The first attempt dies between rooms, after part of the batch has been
	// written into its transaction. Nothing may survive the abort.
	err := ig.ApplySyncBatch(&errAfterContext{Context: context.Background()}, batch)
	require.ErrorIs(t, err, context.Canceled)

	txn, err := db.KV.NewReadTxn()
	require.NoError(t, err)
	token, err := storage.SelectSyncToken(txn)
	require.NoError(t, err)
	assert.Equal(t, "s1", token)
	_, ok, err := storage.SelectRoom(txn, roomB)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, txn.Close())
	assert.Equal(t, []string{"$a1"}, roomTimeline(t, db, roomA))

	// Retrying the same batch succeeds and lands everything exactly once.
	require.NoError(t, ig.ApplySyncBatch(context.Background(), batch))
	assert.Equal(t, []string{"$a1", "$a2"}, roomTimeline(t, db, roomA))
	assert.Equal(t, []string{"$b1"}, roomTimeline(t, db, roomB))

	txn, err = db.KV.NewReadTxn()
	require.NoError(t, err)
	defer txn.Close()
	token, err = storage.SelectSyncToken(txn)
	require.NoError(t, err)
	assert.Equal(t, "s2", token)
	gap, ok, err := storage.SelectGapInRange(txn, roomA, 1, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "backfill-token", gap.PrevBatch)
	_, ok, err = storage.SelectGapInRange(txn, roomA, 2, ^uint64(0))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplySyncBatchRedaction(t *testing.T) {
	ig, db := newTestIngestor(t)
	roomID := "!r1:test"
	require.NoError(t, ig.ApplySyncBatch(context.Background(), joinBatch(roomID, messageEvent("$m1", "@bob:test", "delete me", 2000))))

	redaction := json.RawMessage(`{"event_id":"$red","sender":"@bob:test","type":"m.room.redaction","redacts":"$m1","origin_server_ts":3000,"content":{}}`)
	require.NoError(t, ig.ApplySyncBatch(context.Background(), &types.SyncBatch{
		NextSyncToken: "s2",
		Rooms:         map[string]types.RoomDelta{roomID: {TimelineEvents: []json.RawMessage{redaction}}},
	}))

	txn, err := db.KV.NewReadTxn()
	require.NoError(t, err)
	defer txn.Close()
	seq, ok, err := storage.SelectEventSeq(txn, roomID, "$m1")
	require.NoError(t, err)
	require.True(t, ok)
	ev, err := storage.SelectTimelineEvent(txn, roomID, seq)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.True(t, ev.Redacted())
	assert.Empty(t, ev.ContentField("body").String())
	assert.Equal(t, "m.room.message", ev.Type())
	assert.Equal(t, "@bob:test", ev.Sender())
}

func TestApplySyncBatchMalformedEventSkipped(t *testing.T) {
	ig, db := newTestIngestor(t)
	roomID := "!r1:test"

	batch := joinBatch(roomID,
		json.RawMessage(`{"this is": not json`),
		messageEvent("$m1", "@bob:test", "fine", 2000),
	)
	require.NoError(t, ig.ApplySyncBatch(context.Background(), batch))
	assert.Equal(t, []string{"$m1"}, roomTimeline(t, db, roomID))
}

func TestApplySyncBatchLeavePurges(t *testing.T) {
	ig, db := newTestIngestor(t)
	roomID := "!r1:test"
	require.NoError(t, ig.ApplySyncBatch(context.Background(), joinBatch(roomID, messageEvent("$m1", "@bob:test", "one", 2000))))
	_, err := ig.AddLocalEcho(roomID, "m.room.message", []byte(`{"msgtype":"m.text","body":"unsent"}`))
	require.NoError(t, err)

	require.NoError(t, ig.ApplySyncBatch(context.Background(), &types.SyncBatch{
		NextSyncToken: "s2",
		Rooms:         map[string]types.RoomDelta{roomID: {Membership: "leave"}},
	}))

	txn, err := db.KV.NewReadTxn()
	require.NoError(t, err)
	defer txn.Close()
	_, ok, err := storage.SelectRoom(txn, roomID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, roomTimeline(t, db, roomID))

	// Nothing may offer a resend into a room the user left.
	pending, err := ig.PendingLocalEchoes()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReceiptsLastWriteWins(t *testing.T) {
	ig, db := newTestIngestor(t)
	roomID := "!r1:test"
	require.NoError(t, ig.ApplySyncBatch(context.Background(), joinBatch(roomID,
		messageEvent("$m1", "@bob:test", "one", 2000),
		messageEvent("$m2", "@bob:test", "two", 3000),
	)))

	require.NoError(t, ig.ApplySyncBatch(context.Background(), &types.SyncBatch{
		Receipts: []types.ReceiptUpdate{
			{RoomID: roomID, UserID: "@bob:test", EventID: "$m2", TS: 3000},
			// Stale receipt delivered late must not move the marker back.
			{RoomID: roomID, UserID: "@bob:test", EventID: "$m1", TS: 2000},
		},
	}))

	txn, err := db.KV.NewReadTxn()
	require.NoError(t, err)
	defer txn.Close()
	receipt, ok, err := storage.SelectReceipt(txn, roomID, "@bob:test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "$m2", receipt.EventID)
}

func TestLocalReceiptClearsCounters(t *testing.T) {
	ig, db := newTestIngestor(t)
	roomID := "!r1:test"
	require.NoError(t, ig.ApplySyncBatch(context.Background(), joinBatch(roomID, messageEvent("$m1", "@bob:test", "ping alice", 2000))))

	txn, err := db.KV.NewReadTxn()
	require.NoError(t, err)
	counts, err := storage.SelectNotificationCounts(txn, roomID)
	require.NoError(t, err)
	require.NoError(t, txn.Close())
	assert.Equal(t, int64(1), counts.NotificationCount)
	assert.Equal(t, int64(1), counts.HighlightCount)

	require.NoError(t, ig.ApplySyncBatch(context.Background(), &types.SyncBatch{
		Receipts: []types.ReceiptUpdate{{RoomID: roomID, UserID: testLocalUser, EventID: "$m1", TS: 4000}},
	}))

	txn, err = db.KV.NewReadTxn()
	require.NoError(t, err)
	defer txn.Close()
	counts, err = storage.SelectNotificationCounts(txn, roomID)
	require.NoError(t, err)
	assert.Zero(t, counts.NotificationCount)
	assert.Zero(t, counts.HighlightCount)
}

func TestLocalReceiptKeepsLaterUnread(t *testing.T) {
	ig, db := newTestIngestor(t)
	roomID := "!r1:test"
	require.NoError(t, ig.ApplySyncBatch(context.Background(), joinBatch(roomID,
		messageEvent("$m1", "@bob:test", "one", 2000),
		messageEvent("$m2", "@bob:test", "ping alice", 3000),
		messageEvent("$m3", "@bob:test", "three", 4000),
	)))

	// Reading up to $m1 leaves the two later messages unread, including the
	// highlight.
	require.NoError(t, ig.ApplySyncBatch(context.Background(), &types.SyncBatch{
		Receipts: []types.ReceiptUpdate{{RoomID: roomID, UserID: testLocalUser, EventID: "$m1", TS: 5000}},
	}))

	txn, err := db.KV.NewReadTxn()
	require.NoError(t, err)
	counts, err := storage.SelectNotificationCounts(txn, roomID)
	require.NoError(t, err)
	require.NoError(t, txn.Close())
	assert.Equal(t, int64(2), counts.NotificationCount)
	assert.Equal(t, int64(1), counts.HighlightCount)

	// Advancing to the newest event clears the room.
	require.NoError(t, ig.ApplySyncBatch(context.Background(), &types.SyncBatch{
		Receipts: []types.ReceiptUpdate{{RoomID: roomID, UserID: testLocalUser, EventID: "$m3", TS: 6000}},
	}))

	txn, err = db.KV.NewReadTxn()
	require.NoError(t, err)
	defer txn.Close()
	counts, err = storage.SelectNotificationCounts(txn, roomID)
	require.NoError(t, err)
	assert.Zero(t, counts.NotificationCount)
	assert.Zero(t, counts.HighlightCount)
}

func TestBatchPublishesCountsChanged(t *testing.T) {
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.DisableMetrics)
	n := notifier.NewNotifier()
	ig := NewIngestor(db, roomstate.NewTracker(caches, testLocalUser), roomstate.NewTypingCache(), n, nil, testLocalUser)

	roomID := "!r1:test"
	updates, cancel := n.Subscribe(roomID)
	defer cancel()

	require.NoError(t, ig.ApplySyncBatch(context.Background(), joinBatch(roomID, messageEvent("$m1", "@bob:test", "hello", 2000))))

	select {
	case update := <-updates:
		assert.Equal(t, 1, update.NewEvents)
		assert.True(t, update.CountsChanged, "a batch that raised the unread count must say so")
	default:
		t.Fatal("no room update published for the batch")
	}
}

func TestDirectRoomsFlagged(t *testing.T) {
	ig, db := newTestIngestor(t)
	roomID := "!dm:test"
	require.NoError(t, ig.ApplySyncBatch(context.Background(), joinBatch(roomID, messageEvent("$m1", "@bob:test", "hey", 2000))))

	require.NoError(t, ig.ApplySyncBatch(context.Background(), &types.SyncBatch{
		AccountData: map[string]json.RawMessage{
			"m.direct": json.RawMessage(fmt.Sprintf(`{"@bob:test":[%q]}`, roomID)),
		},
	}))

	txn, err := db.KV.NewReadTxn()
	require.NoError(t, err)
	defer txn.Close()
	rec, ok, err := storage.SelectRoom(txn, roomID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.IsDirect)
}

func TestMarkRead(t *testing.T) {
	ig, db := newTestIngestor(t)
	roomID := "!r1:test"
	require.NoError(t, ig.ApplySyncBatch(context.Background(), joinBatch(roomID, messageEvent("$m1", "@bob:test", "one", 2000))))

	require.NoError(t, ig.MarkRead(roomID, "$m1"))

	txn, err := db.KV.NewReadTxn()
	require.NoError(t, err)
	defer txn.Close()
	rec, ok, err := storage.SelectRoom(txn, roomID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "$m1", rec.ReadMarkerEventID)
	counts, err := storage.SelectNotificationCounts(txn, roomID)
	require.NoError(t, err)
	assert.Zero(t, counts.NotificationCount)
}
