// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package ingest applies server sync batches to the store. A batch is one
// write transaction: it commits in full or not at all, and re-applying a
// committed batch is a no-op because event IDs deduplicate on insert.
package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"

	"github.com/element-hq/roost/notifier"
	"github.com/element-hq/roost/roomstate"
	"github.com/element-hq/roost/storage"
	"github.com/element-hq/roost/storage/kv"
	"github.com/element-hq/roost/types"
)

// Phase is the ingestor's position in its sync cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseApplying
)

// Indexer receives message bodies for the derived search index. Indexing
// happens after commit; the index is rebuildable and never gates the batch.
type Indexer interface {
	IndexEvent(eventID, roomID, body string) error
	DeleteEvent(eventID string) error
}

// Ingestor is the single entry point for everything that mutates the cache:
// sync batches from the network collaborator and local writes (sends, read
// markers). All of it serialises through the store's exclusive writer.
type Ingestor struct {
	db          *storage.Database
	tracker     *roomstate.Tracker
	typing      *roomstate.TypingCache
	notifier    *notifier.Notifier
	indexer     Indexer // may be nil when search is disabled
	localUserID string

	phase atomic.Int32
}

// NewIngestor wires an Ingestor. indexer may be nil.
func NewIngestor(
	db *storage.Database,
	tracker *roomstate.Tracker,
	typing *roomstate.TypingCache,
	n *notifier.Notifier,
	indexer Indexer,
	localUserID string,
) *Ingestor {
	return &Ingestor{
		db:          db,
		tracker:     tracker,
		typing:      typing,
		notifier:    n,
		indexer:     indexer,
		localUserID: localUserID,
	}
}

// Phase reports where the ingestor is in its sync cycle.
func (g *Ingestor) Phase() Phase { return Phase(g.phase.Load()) }

// BeginFetch marks the start of a network fetch. Purely informational.
func (g *Ingestor) BeginFetch() { g.phase.Store(int32(PhaseFetching)) }

// indexElement is a post-commit search index insertion.
type indexElement struct {
	eventID string
	roomID  string
	body    string
}

// ApplySyncBatch applies one server sync batch. Batches must arrive in
// server-delivered order. A store failure aborts the whole batch and the
// same batch can be re-applied after the next fetch; malformed events
// inside the batch are skipped and logged, never fatal.
func (g *Ingestor) ApplySyncBatch(ctx context.Context, batch *types.SyncBatch) error {
	start := time.Now()
	g.phase.Store(int32(PhaseApplying))
	defer g.phase.Store(int32(PhaseIdle))

	txn, err := g.db.KV.NewWriteTxn()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	var updates []types.RoomUpdate
	var toIndex []indexElement
	var toDeindex []string

	for roomID, delta := range batch.Rooms {
		if err := ctx.Err(); err != nil {
			return err
		}
		update, elems, deindex, err := g.applyRoomDelta(txn, roomID, delta, batch.NextSyncToken)
		if err != nil {
			return err
		}
		if update != nil {
			updates = append(updates, *update)
		}
		toIndex = append(toIndex, elems...)
		toDeindex = append(toDeindex, deindex...)
	}

	for _, receipt := range batch.Receipts {
		moved, err := g.applyReceipt(txn, receipt)
		if err != nil {
			return err
		}
		if moved {
			updates = append(updates, types.RoomUpdate{RoomID: receipt.RoomID, ReceiptMoved: true, CountsChanged: receipt.UserID == g.localUserID})
		}
	}

	if err := g.applyAccountData(txn, batch.AccountData); err != nil {
		return err
	}
	for _, userID := range batch.DeviceListChanges {
		if err := storage.MarkDeviceListStale(txn, userID); err != nil {
			return err
		}
	}
	if batch.NextSyncToken != "" {
		if err := storage.UpsertSyncToken(txn, batch.NextSyncToken); err != nil {
			return err
		}
	}

	if err := txn.Commit(); err != nil {
		sentry.CaptureException(err)
		log.WithError(err).Error("sync batch commit failed; cache unchanged")
		batchFailures.Inc()
		return err
	}
	committed = true

	// Everything past the commit is derived or ephemeral. Warm-cache
	// invalidation must come after the commit: dropped entries re-warm from
	// a fresh snapshot, which now includes this batch.
	for _, update := range updates {
		if update.StateChanged {
			g.tracker.Invalidate(update.RoomID)
		}
	}
	for roomID, userIDs := range batch.Typing {
		g.typing.SetTypingUsers(roomID, userIDs)
	}
	if g.indexer != nil {
		for _, el := range toIndex {
			if err := g.indexer.IndexEvent(el.eventID, el.roomID, el.body); err != nil {
				log.WithError(err).WithField("event_id", el.eventID).Warn("search indexing failed")
			}
		}
		for _, eventID := range toDeindex {
			if err := g.indexer.DeleteEvent(eventID); err != nil {
				log.WithError(err).WithField("event_id", eventID).Warn("search de-indexing failed")
			}
		}
	}
	for _, update := range updates {
		g.notifier.Publish(update)
	}

	batchesApplied.Inc()
	batchApplySeconds.Observe(time.Since(start).Seconds())
	log.WithFields(log.Fields{
		"rooms":    len(batch.Rooms),
		"receipts": len(batch.Receipts),
		"duration": time.Since(start),
	}).Debug("applied sync batch")
	return nil
}

func (g *Ingestor) applyRoomDelta(
	txn *kv.WriteTxn, roomID string, delta types.RoomDelta, nextToken string,
) (*types.RoomUpdate, []indexElement, []string, error) {
	if delta.Membership == "leave" {
		// Leaving removes the room entirely; session material survives in
		// case the room is rejoined.
		if err := storage.PurgeRoom(txn, roomID); err != nil {
			return nil, nil, nil, err
		}
		return &types.RoomUpdate{RoomID: roomID, StateChanged: true}, nil, nil, nil
	}

	rec, known, err := storage.SelectRoom(txn, roomID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !known {
		rec = &types.RoomRecord{RoomID: roomID}
	}
	if delta.Membership != "" {
		rec.Membership = delta.Membership
	}

	update := types.RoomUpdate{RoomID: roomID}

	// State delta first: the timeline window is interpreted against it.
	for _, raw := range delta.StateEvents {
		ev, err := types.NewEventFromBytes(raw)
		if err != nil {
			g.skipMalformed(roomID, raw, err)
			continue
		}
		if err := g.tracker.ApplyStateEvent(txn, roomID, ev); err != nil {
			return nil, nil, nil, err
		}
		update.StateChanged = true
	}

	seq, err := storage.SelectLatestSeq(txn, roomID)
	if err != nil {
		return nil, nil, nil, err
	}

	// A limited window means the server skipped history between what we hold
	// and this batch. The gap is recorded against the first genuinely new
	// event of the window, so re-applying a batch whose events all
	// deduplicate leaves no marker ahead of the timeline.
	gapPending := delta.Limited && seq > 0

	counts, err := storage.SelectNotificationCounts(txn, roomID)
	if err != nil {
		return nil, nil, nil, err
	}
	notifsBefore, highlightsBefore := counts.NotificationCount, counts.HighlightCount

	var toIndex []indexElement
	var toDeindex []string
	for _, raw := range delta.TimelineEvents {
		ev, err := types.NewEventFromBytes(raw)
		if err != nil {
			g.skipMalformed(roomID, raw, err)
			continue
		}

		if txnID := ev.TransactionID(); txnID != "" && ev.Sender() == g.localUserID {
			reconciled, err := g.reconcileLocalEcho(txn, roomID, txnID, ev)
			if err != nil {
				return nil, nil, nil, err
			}
			if reconciled {
				update.NewEvents++
				continue
			}
		}

		// Duplicate delivery of a stored event is a no-op; this is what makes
		// re-applying a failed batch safe.
		if _, exists, err := storage.SelectEventSeq(txn, roomID, ev.EventID()); err != nil {
			return nil, nil, nil, err
		} else if exists {
			continue
		}

		seq++
		if err := storage.InsertTimelineEvent(txn, roomID, seq, ev); err != nil {
			return nil, nil, nil, err
		}
		if gapPending {
			if err := storage.InsertGap(txn, roomID, &types.GapRecord{
				Seq:       seq,
				PrevBatch: delta.PrevBatch,
			}); err != nil {
				return nil, nil, nil, err
			}
			gapPending = false
		}
		update.NewEvents++
		eventsIngested.Inc()

		if ev.IsState() {
			if err := g.tracker.ApplyStateEvent(txn, roomID, ev); err != nil {
				return nil, nil, nil, err
			}
			update.StateChanged = true
		}
		if target := ev.Redacts(); target != "" {
			if err := g.applyRedaction(txn, roomID, target, ev); err != nil {
				return nil, nil, nil, err
			}
			toDeindex = append(toDeindex, target)
		}

		if ev.OriginServerTS() > rec.LastActivityTS {
			rec.LastActivityTS = ev.OriginServerTS()
		}
		if g.isNotifiable(ev) {
			counts.NotificationCount++
			if g.isHighlight(ev) {
				counts.HighlightCount++
			}
		}
		if body := ev.ContentField("body").String(); body != "" && ev.Type() == "m.room.message" {
			toIndex = append(toIndex, indexElement{eventID: ev.EventID(), roomID: roomID, body: body})
		}
	}

	// Token advancement happens in the same transaction as the events it
	// covers: when the tokens are visible the events are durable. The room's
	// own prev_batch only bounds the oldest contiguous run; for a limited
	// window on a known room the token lives in the gap record instead.
	if rec.PrevBatch == "" && delta.PrevBatch != "" {
		rec.PrevBatch = delta.PrevBatch
	}
	if nextToken != "" {
		rec.NextBatch = nextToken
	}

	if counts.NotificationCount != notifsBefore || counts.HighlightCount != highlightsBefore {
		update.CountsChanged = true
	}
	if err := storage.UpsertNotificationCounts(txn, roomID, counts); err != nil {
		return nil, nil, nil, err
	}
	if err := storage.UpsertRoom(txn, rec); err != nil {
		return nil, nil, nil, err
	}
	return &update, toIndex, toDeindex, nil
}

// reconcileLocalEcho replaces the provisional event stored under txnID with
// its server-acknowledged form, in place. Returns false when no echo is
// outstanding for the transaction ID.
func (g *Ingestor) reconcileLocalEcho(txn *kv.WriteTxn, roomID, txnID string, ev *types.Event) (bool, error) {
	echo, ok, err := storage.SelectLocalEcho(txn, txnID)
	if err != nil || !ok {
		return false, err
	}
	if echo.RoomID != roomID {
		return false, nil
	}

	if _, exists, err := storage.SelectEventSeq(txn, roomID, ev.EventID()); err != nil {
		return false, err
	} else if exists {
		// The server event was already delivered separately; drop the
		// provisional copy rather than storing the event twice.
		if err := storage.DeleteTimelineEvent(txn, roomID, echo.Seq, provisionalEventID(txnID)); err != nil {
			return false, err
		}
	} else {
		if err := storage.ReplaceTimelineEvent(txn, roomID, echo.Seq, provisionalEventID(txnID), ev); err != nil {
			return false, err
		}
	}
	if err := storage.DeleteLocalEcho(txn, txnID); err != nil {
		return false, err
	}
	log.WithFields(log.Fields{
		"room_id":        roomID,
		"transaction_id": txnID,
		"event_id":       ev.EventID(),
	}).Debug("reconciled local echo")
	return true, nil
}

// applyRedaction strips the target event's content, keeping cleartext
// metadata. Unknown targets are ignored; the redaction may refer to history
// we never fetched.
func (g *Ingestor) applyRedaction(txn *kv.WriteTxn, roomID, targetID string, because *types.Event) error {
	seq, ok, err := storage.SelectEventSeq(txn, roomID, targetID)
	if err != nil || !ok {
		return err
	}
	target, err := storage.SelectTimelineEvent(txn, roomID, seq)
	if err != nil || target == nil {
		return err
	}
	redacted, err := target.Redact(because)
	if err != nil {
		return err
	}
	return storage.ReplaceTimelineEvent(txn, roomID, seq, targetID, redacted)
}

func (g *Ingestor) applyReceipt(txn *kv.WriteTxn, receipt types.ReceiptUpdate) (bool, error) {
	moved, err := storage.UpsertReceipt(txn, receipt.RoomID, &types.ReceiptRecord{
		UserID:  receipt.UserID,
		EventID: receipt.EventID,
		TS:      receipt.TS,
	})
	if err != nil || !moved {
		return false, err
	}
	// The local user reading up to here clears the counters for everything
	// at or before the receipt; events past it stay counted.
	if receipt.UserID == g.localUserID {
		counts, err := g.recountUnread(txn, receipt.RoomID, receipt.EventID)
		if err != nil {
			return false, err
		}
		if err := storage.UpsertNotificationCounts(txn, receipt.RoomID, counts); err != nil {
			return false, err
		}
	}
	return true, nil
}

// recountUnread recomputes a room's unread counters given the local user
// has read up to eventID: only notifying events after the read position
// count. A receipt for an event we do not hold clears the room outright;
// it can only refer to history beyond our window.
func (g *Ingestor) recountUnread(txn *kv.WriteTxn, roomID, eventID string) (*types.NotificationCounts, error) {
	counts := &types.NotificationCounts{}
	readSeq, ok, err := storage.SelectEventSeq(txn, roomID, eventID)
	if err != nil || !ok {
		return counts, err
	}
	latest, err := storage.SelectLatestSeq(txn, roomID)
	if err != nil {
		return nil, err
	}
	for seq := readSeq + 1; seq <= latest; seq++ {
		ev, err := storage.SelectTimelineEvent(txn, roomID, seq)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			continue
		}
		if g.isNotifiable(ev) {
			counts.NotificationCount++
			if g.isHighlight(ev) {
				counts.HighlightCount++
			}
		}
	}
	return counts, nil
}

func (g *Ingestor) applyAccountData(txn *kv.WriteTxn, data map[string]json.RawMessage) error {
	for dataType, content := range data {
		if !gjson.ValidBytes(content) {
			g.skipMalformed("", content, types.ErrDecode)
			continue
		}
		if err := storage.UpsertAccountData(txn, dataType, content); err != nil {
			return err
		}
		if dataType == "m.direct" {
			if err := g.applyDirectRooms(txn, content); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyDirectRooms flags rooms named in m.direct so name resolution and
// room-list filters can treat them as DMs.
func (g *Ingestor) applyDirectRooms(txn *kv.WriteTxn, content []byte) error {
	direct := map[string]bool{}
	gjson.ParseBytes(content).ForEach(func(_, rooms gjson.Result) bool {
		rooms.ForEach(func(_, roomID gjson.Result) bool {
			direct[roomID.String()] = true
			return true
		})
		return true
	})
	rooms, err := storage.SelectAllRooms(txn)
	if err != nil {
		return err
	}
	for _, rec := range rooms {
		if rec.IsDirect != direct[rec.RoomID] {
			rec.IsDirect = direct[rec.RoomID]
			if err := storage.UpsertRoom(txn, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// isNotifiable implements the push-rule subset the cache counts on its own:
// message events from other users.
func (g *Ingestor) isNotifiable(ev *types.Event) bool {
	return ev.Type() == "m.room.message" && ev.Sender() != g.localUserID
}

// isHighlight marks mentions of the local user by full ID or localpart.
func (g *Ingestor) isHighlight(ev *types.Event) bool {
	body := strings.ToLower(ev.ContentField("body").String())
	if body == "" {
		return false
	}
	if strings.Contains(body, strings.ToLower(g.localUserID)) {
		return true
	}
	localpart := localpartOf(g.localUserID)
	return localpart != "" && strings.Contains(body, strings.ToLower(localpart))
}

func localpartOf(userID string) string {
	if !strings.HasPrefix(userID, "@") {
		return ""
	}
	if i := strings.IndexByte(userID, ':'); i > 1 {
		return userID[1:i]
	}
	return ""
}

func (g *Ingestor) skipMalformed(roomID string, raw []byte, err error) {
	sentry.CaptureException(err)
	fields := log.Fields{"bytes": len(raw)}
	if roomID != "" {
		fields["room_id"] = roomID
	}
	log.WithError(err).WithFields(fields).Error("skipping undecodable event in sync batch")
	eventsSkipped.Inc()
}
