// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"github.com/element-hq/roost/codec"
	"github.com/element-hq/roost/storage/kv"
	"github.com/element-hq/roost/types"
)

// SelectRoom loads a room's record, or ok == false for an unknown room.
func SelectRoom(r kv.Reader, roomID string) (*types.RoomRecord, bool, error) {
	val, ok, err := r.Get(kv.TableRooms, codec.RoomKey(roomID))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec types.RoomRecord
	if err := codec.DecodeRecord(val, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// UpsertRoom writes a room's record back.
func UpsertRoom(rw kv.ReadWriter, rec *types.RoomRecord) error {
	val, err := codec.EncodeRecord(rec)
	if err != nil {
		return err
	}
	return rw.Put(kv.TableRooms, codec.RoomKey(rec.RoomID), val)
}

// SelectAllRooms loads every known room record.
func SelectAllRooms(r kv.Reader) ([]*types.RoomRecord, error) {
	it, err := r.NewIter(kv.TableRooms, nil, nil)
	if err != nil {
		return nil, err
	}
	defer it.Close() // nolint: errcheck

	var rooms []*types.RoomRecord
	for valid := it.First(); valid; valid = it.Next() {
		var rec types.RoomRecord
		if err := codec.DecodeRecord(it.Value(), &rec); err != nil {
			return nil, err
		}
		rooms = append(rooms, &rec)
	}
	return rooms, nil
}

// PurgeRoom removes every trace of a room across all tables: record,
// timeline, indices, state, receipts, members, counters, gap markers and
// outstanding local echoes. Session material is deliberately retained so
// that already-received encrypted history stays decryptable if the room is
// rejoined.
func PurgeRoom(rw kv.ReadWriter, roomID string) error {
	if err := rw.Delete(kv.TableRooms, codec.RoomKey(roomID)); err != nil {
		return err
	}
	if err := rw.Delete(kv.TableNotifications, codec.RoomKey(roomID)); err != nil {
		return err
	}
	for _, table := range []kv.Table{
		kv.TableTimeline,
		kv.TableEventIndex,
		kv.TableState,
		kv.TableReceipts,
		kv.TableMembers,
		kv.TableGaps,
	} {
		if err := deleteRoomPrefix(rw, table, roomID); err != nil {
			return err
		}
	}
	// Echoes are keyed by transaction ID, not room: scan for the room's.
	echoes, err := SelectLocalEchoes(rw)
	if err != nil {
		return err
	}
	for _, echo := range echoes {
		if echo.RoomID != roomID {
			continue
		}
		if err := DeleteLocalEcho(rw, echo.TransactionID); err != nil {
			return err
		}
	}
	return nil
}
