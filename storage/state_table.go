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

// UpsertStateEvent folds ev into the room's current state: the slot
// (type, state key) now holds ev, whatever held it before. Delivery order
// is the only tie-break; callers apply events in server order.
func UpsertStateEvent(rw kv.ReadWriter, roomID string, ev *types.Event) error {
	stateKey, ok := ev.StateKey()
	if !ok {
		return types.ErrDecode
	}
	return rw.Put(kv.TableState, codec.StateEventKey(roomID, ev.Type(), stateKey), ev.JSON())
}

// SelectStateEvent returns the event currently occupying the slot, if any.
func SelectStateEvent(r kv.Reader, roomID, eventType, stateKey string) (*types.Event, error) {
	val, ok, err := r.Get(kv.TableState, codec.StateEventKey(roomID, eventType, stateKey))
	if err != nil || !ok {
		return nil, err
	}
	return types.NewEventFromBytes(val)
}

// SelectAllState materialises the room's full current state map.
func SelectAllState(r kv.Reader, roomID string) (map[types.StateTuple]*types.Event, error) {
	prefix := codec.RoomPrefix(roomID)
	it, err := r.NewIter(kv.TableState, prefix, codec.PrefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close() // nolint: errcheck

	state := map[types.StateTuple]*types.Event{}
	for valid := it.First(); valid; valid = it.Next() {
		_, eventType, stateKey, err := codec.SplitStateEventKey(it.Key())
		if err != nil {
			return nil, err
		}
		ev, err := types.NewEventFromBytes(it.Value())
		if err != nil {
			return nil, err
		}
		state[types.StateTuple{EventType: eventType, StateKey: stateKey}] = ev
	}
	return state, nil
}

// DeleteRoomState clears every state slot for a room. Used when the room is
// left and forgotten.
func DeleteRoomState(rw kv.ReadWriter, roomID string) error {
	return deleteRoomPrefix(rw, kv.TableState, roomID)
}

func deleteRoomPrefix(rw kv.ReadWriter, table kv.Table, roomID string) error {
	prefix := codec.RoomPrefix(roomID)
	it, err := rw.NewIter(table, prefix, codec.PrefixEnd(prefix))
	if err != nil {
		return err
	}
	var keys [][]byte
	for valid := it.First(); valid; valid = it.Next() {
		keys = append(keys, append([]byte{}, it.Key()...))
	}
	if err := it.Close(); err != nil {
		return err
	}
	for _, key := range keys {
		if err := rw.Delete(table, key); err != nil {
			return err
		}
	}
	return nil
}
