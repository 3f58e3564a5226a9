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

// SelectNotificationCounts returns the persisted unread counters for a
// room. Unknown rooms count as zero.
func SelectNotificationCounts(r kv.Reader, roomID string) (*types.NotificationCounts, error) {
	val, ok, err := r.Get(kv.TableNotifications, codec.RoomKey(roomID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.NotificationCounts{}, nil
	}
	var counts types.NotificationCounts
	if err := codec.DecodeRecord(val, &counts); err != nil {
		return nil, err
	}
	return &counts, nil
}

// UpsertNotificationCounts writes the counters back.
func UpsertNotificationCounts(rw kv.ReadWriter, roomID string, counts *types.NotificationCounts) error {
	val, err := codec.EncodeRecord(counts)
	if err != nil {
		return err
	}
	return rw.Put(kv.TableNotifications, codec.RoomKey(roomID), val)
}
