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

// InsertLocalEcho records an outstanding local send keyed by its
// transaction ID.
func InsertLocalEcho(rw kv.ReadWriter, echo *types.LocalEchoRecord) error {
	val, err := codec.EncodeRecord(echo)
	if err != nil {
		return err
	}
	return rw.Put(kv.TableLocalEchoes, []byte(echo.TransactionID), val)
}

// SelectLocalEcho looks an echo up by transaction ID.
func SelectLocalEcho(r kv.Reader, transactionID string) (*types.LocalEchoRecord, bool, error) {
	val, ok, err := r.Get(kv.TableLocalEchoes, []byte(transactionID))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec types.LocalEchoRecord
	if err := codec.DecodeRecord(val, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// DeleteLocalEcho drops an echo once the server has acknowledged it.
func DeleteLocalEcho(rw kv.ReadWriter, transactionID string) error {
	return rw.Delete(kv.TableLocalEchoes, []byte(transactionID))
}

// SelectLocalEchoes lists every not-yet-acknowledged local send, oldest
// transaction ID first.
func SelectLocalEchoes(r kv.Reader) ([]*types.LocalEchoRecord, error) {
	it, err := r.NewIter(kv.TableLocalEchoes, nil, nil)
	if err != nil {
		return nil, err
	}
	defer it.Close() // nolint: errcheck

	var echoes []*types.LocalEchoRecord
	for valid := it.First(); valid; valid = it.Next() {
		var rec types.LocalEchoRecord
		if err := codec.DecodeRecord(it.Value(), &rec); err != nil {
			return nil, err
		}
		echoes = append(echoes, &rec)
	}
	return echoes, nil
}
