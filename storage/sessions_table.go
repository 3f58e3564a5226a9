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

// UpsertOutboundSession writes an outbound session record.
func UpsertOutboundSession(rw kv.ReadWriter, rec *types.OutboundSessionRecord) error {
	val, err := codec.EncodeRecord(rec)
	if err != nil {
		return err
	}
	return rw.Put(kv.TableOutboundSessions, codec.OutboundSessionKey(rec.RoomID, rec.SessionID), val)
}

// SelectOutboundSession loads one outbound session record.
func SelectOutboundSession(r kv.Reader, roomID, sessionID string) (*types.OutboundSessionRecord, bool, error) {
	val, ok, err := r.Get(kv.TableOutboundSessions, codec.OutboundSessionKey(roomID, sessionID))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec types.OutboundSessionRecord
	if err := codec.DecodeRecord(val, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// SelectOutboundSessions lists every outbound session of a room, current
// and historical.
func SelectOutboundSessions(r kv.Reader, roomID string) ([]*types.OutboundSessionRecord, error) {
	prefix := codec.RoomPrefix(roomID)
	it, err := r.NewIter(kv.TableOutboundSessions, prefix, codec.PrefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close() // nolint: errcheck

	var out []*types.OutboundSessionRecord
	for valid := it.First(); valid; valid = it.Next() {
		var rec types.OutboundSessionRecord
		if err := codec.DecodeRecord(it.Value(), &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}

// SelectAllOutboundSessions lists every outbound session in the store,
// including ones for rooms since purged: session material outlives room
// membership.
func SelectAllOutboundSessions(r kv.Reader) ([]*types.OutboundSessionRecord, error) {
	it, err := r.NewIter(kv.TableOutboundSessions, nil, nil)
	if err != nil {
		return nil, err
	}
	defer it.Close() // nolint: errcheck

	var out []*types.OutboundSessionRecord
	for valid := it.First(); valid; valid = it.Next() {
		var rec types.OutboundSessionRecord
		if err := codec.DecodeRecord(it.Value(), &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}

// SelectCurrentOutboundSessionID returns the session ID the room currently
// encrypts with, if one exists.
func SelectCurrentOutboundSessionID(r kv.Reader, roomID string) (string, bool, error) {
	val, ok, err := r.Get(kv.TableOutboundCurrent, codec.RoomKey(roomID))
	if err != nil || !ok {
		return "", false, err
	}
	return string(val), true, nil
}

// UpsertCurrentOutboundSessionID points the room at its new current session.
func UpsertCurrentOutboundSessionID(rw kv.ReadWriter, roomID, sessionID string) error {
	return rw.Put(kv.TableOutboundCurrent, codec.RoomKey(roomID), []byte(sessionID))
}

// InsertInboundSession stores an inbound session record. The caller has
// already checked for ID collisions.
func InsertInboundSession(rw kv.ReadWriter, rec *types.InboundSessionRecord) error {
	val, err := codec.EncodeRecord(rec)
	if err != nil {
		return err
	}
	return rw.Put(kv.TableInboundSessions, codec.InboundSessionKey(rec.SenderKey, rec.DeviceID, rec.SessionID), val)
}

// SelectInboundSession loads one inbound session record.
func SelectInboundSession(r kv.Reader, senderKey, deviceID, sessionID string) (*types.InboundSessionRecord, bool, error) {
	val, ok, err := r.Get(kv.TableInboundSessions, codec.InboundSessionKey(senderKey, deviceID, sessionID))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec types.InboundSessionRecord
	if err := codec.DecodeRecord(val, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// SelectInboundSessions lists every stored inbound session.
func SelectInboundSessions(r kv.Reader) ([]*types.InboundSessionRecord, error) {
	it, err := r.NewIter(kv.TableInboundSessions, nil, nil)
	if err != nil {
		return nil, err
	}
	defer it.Close() // nolint: errcheck

	var out []*types.InboundSessionRecord
	for valid := it.First(); valid; valid = it.Next() {
		var rec types.InboundSessionRecord
		if err := codec.DecodeRecord(it.Value(), &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}

// UpsertCryptoBlob stores opaque account-level crypto material under a
// named slot (pickled account, device keys). The cache never interprets it.
func UpsertCryptoBlob(rw kv.ReadWriter, slot string, blob []byte) error {
	return rw.Put(kv.TableCryptoBlobs, []byte(slot), blob)
}

// SelectCryptoBlob returns a named crypto blob, if present.
func SelectCryptoBlob(r kv.Reader, slot string) ([]byte, bool, error) {
	return r.Get(kv.TableCryptoBlobs, []byte(slot))
}
