// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"github.com/element-hq/roost/storage/kv"
)

// UpsertAccountData stores a global account data event verbatim, keyed by
// its type. Content is opaque to the cache except where specific consumers
// (m.direct) read it back.
func UpsertAccountData(rw kv.ReadWriter, dataType string, content []byte) error {
	return rw.Put(kv.TableAccountData, []byte(dataType), content)
}

// SelectAccountData returns the stored content for a type, if any.
func SelectAccountData(r kv.Reader, dataType string) ([]byte, bool, error) {
	return r.Get(kv.TableAccountData, []byte(dataType))
}

// MarkDeviceListStale flags a user whose device list changed; the session
// layer re-queries their keys before encrypting to them again.
func MarkDeviceListStale(rw kv.ReadWriter, userID string) error {
	return rw.Put(kv.TableDeviceLists, []byte(userID), []byte{1})
}

// ClearDeviceListStale removes the flag once keys have been re-fetched.
func ClearDeviceListStale(rw kv.ReadWriter, userID string) error {
	return rw.Delete(kv.TableDeviceLists, []byte(userID))
}

// SelectStaleDeviceLists lists flagged users in user-ID order.
func SelectStaleDeviceLists(r kv.Reader) ([]string, error) {
	it, err := r.NewIter(kv.TableDeviceLists, nil, nil)
	if err != nil {
		return nil, err
	}
	defer it.Close() // nolint: errcheck

	var users []string
	for valid := it.First(); valid; valid = it.Next() {
		users = append(users, string(it.Key()))
	}
	return users, nil
}
