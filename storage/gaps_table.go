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

// InsertGap marks a discontinuity immediately before seq in a room's
// timeline. Pagination across it must backfill from the gap's token first.
func InsertGap(rw kv.ReadWriter, roomID string, gap *types.GapRecord) error {
	val, err := codec.EncodeRecord(gap)
	if err != nil {
		return err
	}
	return rw.Put(kv.TableGaps, codec.GapKey(roomID, gap.Seq), val)
}

// DeleteGap removes a gap marker after a backfill has filled it.
func DeleteGap(rw kv.ReadWriter, roomID string, seq uint64) error {
	return rw.Delete(kv.TableGaps, codec.GapKey(roomID, seq))
}

// SelectGapInRange returns the highest-sequence gap with lo < seq <= hi,
// i.e. the first discontinuity a backwards walk from hi would cross.
func SelectGapInRange(r kv.Reader, roomID string, lo, hi uint64) (*types.GapRecord, bool, error) {
	prefix := codec.RoomPrefix(roomID)
	it, err := r.NewIter(kv.TableGaps, prefix, codec.PrefixEnd(prefix))
	if err != nil {
		return nil, false, err
	}
	defer it.Close() // nolint: errcheck

	for valid := it.Last(); valid; valid = it.Prev() {
		seq, err := codec.SplitGapKey(it.Key())
		if err != nil {
			return nil, false, err
		}
		if seq <= lo {
			break
		}
		if seq > hi {
			continue
		}
		var rec types.GapRecord
		if err := codec.DecodeRecord(it.Value(), &rec); err != nil {
			return nil, false, err
		}
		return &rec, true, nil
	}
	return nil, false, nil
}
