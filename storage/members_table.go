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

// UpsertMember records a joined member in the room's member index.
func UpsertMember(rw kv.ReadWriter, roomID string, member *types.MemberRecord) error {
	val, err := codec.EncodeRecord(member)
	if err != nil {
		return err
	}
	return rw.Put(kv.TableMembers, codec.MemberKey(roomID, member.UserID), val)
}

// DeleteMember drops a user from the room's member index on leave/ban.
func DeleteMember(rw kv.ReadWriter, roomID, userID string) error {
	return rw.Delete(kv.TableMembers, codec.MemberKey(roomID, userID))
}

// SelectMember loads one member index row.
func SelectMember(r kv.Reader, roomID, userID string) (*types.MemberRecord, bool, error) {
	val, ok, err := r.Get(kv.TableMembers, codec.MemberKey(roomID, userID))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec types.MemberRecord
	if err := codec.DecodeRecord(val, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// Global profile names live in the same table under the empty room scope.
// The length-prefixed key layout keeps them disjoint from any real room.
const globalProfileScope = ""

// UpsertGlobalProfile records a user's profile-level display name, the
// fallback when they have no per-room override.
func UpsertGlobalProfile(rw kv.ReadWriter, member *types.MemberRecord) error {
	val, err := codec.EncodeRecord(member)
	if err != nil {
		return err
	}
	return rw.Put(kv.TableMembers, codec.MemberKey(globalProfileScope, member.UserID), val)
}

// SelectGlobalProfile returns a user's profile-level record, if known.
func SelectGlobalProfile(r kv.Reader, userID string) (*types.MemberRecord, bool, error) {
	return SelectMember(r, globalProfileScope, userID)
}

// SelectMembersPage lists up to limit joined members in user-ID order,
// strictly after afterUserID. An empty afterUserID starts from the first
// member; a short page means the room has no further members.
func SelectMembersPage(r kv.Reader, roomID, afterUserID string, limit int) ([]*types.MemberRecord, error) {
	prefix := codec.RoomPrefix(roomID)
	lo := prefix
	if afterUserID != "" {
		lo = append(codec.MemberKey(roomID, afterUserID), 0)
	}
	it, err := r.NewIter(kv.TableMembers, lo, codec.PrefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close() // nolint: errcheck

	var members []*types.MemberRecord
	for valid := it.First(); valid && len(members) < limit; valid = it.Next() {
		var rec types.MemberRecord
		if err := codec.DecodeRecord(it.Value(), &rec); err != nil {
			return nil, err
		}
		members = append(members, &rec)
	}
	return members, nil
}

// SelectMembers lists a room's joined members in user-ID order.
func SelectMembers(r kv.Reader, roomID string) ([]*types.MemberRecord, error) {
	prefix := codec.RoomPrefix(roomID)
	it, err := r.NewIter(kv.TableMembers, prefix, codec.PrefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	defer it.Close() // nolint: errcheck

	var members []*types.MemberRecord
	for valid := it.First(); valid; valid = it.Next() {
		var rec types.MemberRecord
		if err := codec.DecodeRecord(it.Value(), &rec); err != nil {
			return nil, err
		}
		members = append(members, &rec)
	}
	return members, nil
}
