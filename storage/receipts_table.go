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

// UpsertReceipt stores the user's receipt if it is at least as new as the
// one held. Only the latest receipt per (room, user) is ever retained;
// stale deliveries are dropped. Returns whether the receipt advanced.
func UpsertReceipt(rw kv.ReadWriter, roomID string, receipt *types.ReceiptRecord) (bool, error) {
	key := codec.ReceiptKey(roomID, receipt.UserID)
	if val, ok, err := rw.Get(kv.TableReceipts, key); err != nil {
		return false, err
	} else if ok {
		var existing types.ReceiptRecord
		if err := codec.DecodeRecord(val, &existing); err != nil {
			return false, err
		}
		if existing.TS > receipt.TS {
			return false, nil
		}
	}
	val, err := codec.EncodeRecord(receipt)
	if err != nil {
		return false, err
	}
	return true, rw.Put(kv.TableReceipts, key, val)
}

// SelectReceipt returns a user's receipt in a room, if any.
func SelectReceipt(r kv.Reader, roomID, userID string) (*types.ReceiptRecord, bool, error) {
	val, ok, err := r.Get(kv.TableReceipts, codec.ReceiptKey(roomID, userID))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec types.ReceiptRecord
	if err := codec.DecodeRecord(val, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}
