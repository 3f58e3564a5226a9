// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package ingest

import (
	"time"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/element-hq/roost/storage"
	"github.com/element-hq/roost/types"
)

// provisionalEventID is the placeholder ID a local echo lives under until
// the server assigns the real one.
func provisionalEventID(txnID string) string {
	return "~" + txnID
}

// AddLocalEcho stores a provisional event for a local send and returns the
// transaction ID the network collaborator must attach to the request. The
// echo sits in the timeline immediately and is replaced in place once the
// server acknowledges it.
func (g *Ingestor) AddLocalEcho(roomID, eventType string, content []byte) (string, error) {
	txnID := uuid.New().String()
	now := spec.Timestamp(time.Now().UnixMilli())

	raw := []byte(`{}`)
	var err error
	for _, set := range []struct {
		path  string
		value interface{}
	}{
		{"event_id", provisionalEventID(txnID)},
		{"sender", g.localUserID},
		{"type", eventType},
		{"origin_server_ts", uint64(now)},
		{"unsigned.transaction_id", txnID},
	} {
		if raw, err = sjson.SetBytes(raw, set.path, set.value); err != nil {
			return "", err
		}
	}
	if raw, err = sjson.SetRawBytes(raw, "content", content); err != nil {
		return "", err
	}
	ev, err := types.NewEventFromBytes(raw)
	if err != nil {
		return "", err
	}

	txn, err := g.db.KV.NewWriteTxn()
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	seq, err := storage.SelectLatestSeq(txn, roomID)
	if err != nil {
		return "", err
	}
	seq++
	if err := storage.InsertTimelineEvent(txn, roomID, seq, ev); err != nil {
		return "", err
	}
	if err := storage.InsertLocalEcho(txn, &types.LocalEchoRecord{
		TransactionID: txnID,
		RoomID:        roomID,
		Seq:           seq,
		CreatedTS:     now,
	}); err != nil {
		return "", err
	}
	if err := txn.Commit(); err != nil {
		return "", err
	}
	committed = true

	log.WithFields(log.Fields{
		"room_id":        roomID,
		"transaction_id": txnID,
	}).Debug("stored local echo")
	g.notifier.Publish(types.RoomUpdate{RoomID: roomID, NewEvents: 1})
	return txnID, nil
}

// PendingLocalEchoes lists local sends the server has not yet acknowledged,
// for resend after a reconnect.
func (g *Ingestor) PendingLocalEchoes() ([]*types.LocalEchoRecord, error) {
	txn, err := g.db.KV.NewReadTxn()
	if err != nil {
		return nil, err
	}
	defer txn.Close() // nolint: errcheck
	return storage.SelectLocalEchoes(txn)
}

// MarkRead advances the local user's read marker and receipt to eventID and
// clears the unread counters for everything at or before it.
func (g *Ingestor) MarkRead(roomID, eventID string) error {
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

	if _, err := storage.UpsertReceipt(txn, roomID, &types.ReceiptRecord{
		UserID:  g.localUserID,
		EventID: eventID,
		TS:      spec.Timestamp(time.Now().UnixMilli()),
	}); err != nil {
		return err
	}
	counts, err := g.recountUnread(txn, roomID, eventID)
	if err != nil {
		return err
	}
	if err := storage.UpsertNotificationCounts(txn, roomID, counts); err != nil {
		return err
	}
	rec, ok, err := storage.SelectRoom(txn, roomID)
	if err != nil {
		return err
	}
	if ok {
		rec.ReadMarkerEventID = eventID
		if err := storage.UpsertRoom(txn, rec); err != nil {
			return err
		}
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	committed = true

	g.notifier.Publish(types.RoomUpdate{RoomID: roomID, ReceiptMoved: true, CountsChanged: true})
	return nil
}
