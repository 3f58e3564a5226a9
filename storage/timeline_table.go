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

// SelectLatestSeq returns the highest assigned sequence number in a room's
// timeline, or 0 when the timeline is empty.
func SelectLatestSeq(r kv.Reader, roomID string) (uint64, error) {
	prefix := codec.RoomPrefix(roomID)
	it, err := r.NewIter(kv.TableTimeline, prefix, codec.PrefixEnd(prefix))
	if err != nil {
		return 0, err
	}
	defer it.Close() // nolint: errcheck
	if !it.Last() {
		return 0, nil
	}
	_, seq, err := codec.SplitTimelineKey(it.Key())
	return seq, err
}

// InsertTimelineEvent stores ev at seq and indexes its event ID. The caller
// guarantees seq was not previously assigned.
func InsertTimelineEvent(rw kv.ReadWriter, roomID string, seq uint64, ev *types.Event) error {
	if err := rw.Put(kv.TableTimeline, codec.TimelineKey(roomID, seq), ev.JSON()); err != nil {
		return err
	}
	return rw.Put(kv.TableEventIndex, codec.EventIndexKey(roomID, ev.EventID()), codec.SeqValue(seq))
}

// ReplaceTimelineEvent overwrites the event stored at seq, re-pointing the
// event-ID index: oldEventID's entry is dropped and the new event's ID is
// indexed at the same position. Used for redactions and local-echo
// reconciliation, the only two mutations events undergo.
func ReplaceTimelineEvent(rw kv.ReadWriter, roomID string, seq uint64, oldEventID string, ev *types.Event) error {
	if oldEventID != "" && oldEventID != ev.EventID() {
		if err := rw.Delete(kv.TableEventIndex, codec.EventIndexKey(roomID, oldEventID)); err != nil {
			return err
		}
	}
	return InsertTimelineEvent(rw, roomID, seq, ev)
}

// SelectEventSeq resolves an event ID to its timeline sequence number.
func SelectEventSeq(r kv.Reader, roomID, eventID string) (uint64, bool, error) {
	val, ok, err := r.Get(kv.TableEventIndex, codec.EventIndexKey(roomID, eventID))
	if err != nil || !ok {
		return 0, false, err
	}
	seq, err := codec.DecodeSeqValue(val)
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// SelectTimelineEvent loads the event at seq, if any.
func SelectTimelineEvent(r kv.Reader, roomID string, seq uint64) (*types.Event, error) {
	val, ok, err := r.Get(kv.TableTimeline, codec.TimelineKey(roomID, seq))
	if err != nil || !ok {
		return nil, err
	}
	return types.NewEventFromBytes(val)
}

// DeleteTimelineEvent removes the event at seq together with its index
// entry. Only used when a reconciled local echo duplicates an event the
// same batch already delivered under its server ID.
func DeleteTimelineEvent(rw kv.ReadWriter, roomID string, seq uint64, eventID string) error {
	if err := rw.Delete(kv.TableTimeline, codec.TimelineKey(roomID, seq)); err != nil {
		return err
	}
	return rw.Delete(kv.TableEventIndex, codec.EventIndexKey(roomID, eventID))
}

// NewTimelineIter returns a cursor over a room's timeline in sequence order.
func NewTimelineIter(r kv.Reader, roomID string) (*kv.Iterator, error) {
	prefix := codec.RoomPrefix(roomID)
	return r.NewIter(kv.TableTimeline, prefix, codec.PrefixEnd(prefix))
}
