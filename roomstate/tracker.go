// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package roomstate folds state events into per-room materialised state and
// resolves the derived presentation values (room names, display names,
// avatars) the query layer serves. It is shared logic: the ingestor applies
// state through it, the query layer reads through it.
package roomstate

import (
	"strconv"

	"github.com/element-hq/roost/internal/caching"
	"github.com/element-hq/roost/storage"
	"github.com/element-hq/roost/storage/kv"
	"github.com/element-hq/roost/types"
)

// Tracker maintains the warm state cache over the persisted state table.
type Tracker struct {
	caches *caching.Caches
	// localUserID is excluded from heuristic room names.
	localUserID string
}

// NewTracker creates a Tracker. localUserID is the account this cache
// belongs to.
func NewTracker(caches *caching.Caches, localUserID string) *Tracker {
	return &Tracker{caches: caches, localUserID: localUserID}
}

// CurrentState returns the room's materialised state map, served from the
// warm cache when possible. The map must not be mutated by callers.
func (t *Tracker) CurrentState(r kv.Reader, roomID string) (map[types.StateTuple]*types.Event, error) {
	if state, ok := t.caches.RoomState.Get(roomID); ok {
		return state, nil
	}
	state, err := storage.SelectAllState(r, roomID)
	if err != nil {
		return nil, err
	}
	t.caches.RoomState.Set(roomID, state)
	return state, nil
}

// ApplyStateEvent folds ev into the room's state inside the caller's write
// transaction. Later arrival always wins, regardless of wall-clock
// timestamps; servers backfill with older origin timestamps routinely.
// Reapplying an event ID already occupying its slot is a no-op.
//
// Out-of-causal-order delivery has no specified tie-break upstream; this
// implementation is strictly last-applied-wins in delivery order.
//
// The warm cache is not touched here: the caller invalidates the room once
// its transaction has committed, so a concurrent reader cannot re-warm the
// cache from a pre-commit snapshot.
func (t *Tracker) ApplyStateEvent(rw kv.ReadWriter, roomID string, ev *types.Event) error {
	stateKey, ok := ev.StateKey()
	if !ok {
		return types.ErrDecode
	}
	existing, err := storage.SelectStateEvent(rw, roomID, ev.Type(), stateKey)
	if err != nil {
		return err
	}
	if existing != nil && existing.EventID() == ev.EventID() {
		return nil
	}
	if err := storage.UpsertStateEvent(rw, roomID, ev); err != nil {
		return err
	}
	if ev.Type() == "m.room.member" {
		if err := t.applyMemberEvent(rw, roomID, stateKey, ev); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) applyMemberEvent(rw kv.ReadWriter, roomID, userID string, ev *types.Event) error {
	switch ev.Membership() {
	case "join":
		member := &types.MemberRecord{
			UserID:      userID,
			DisplayName: ev.ContentField("displayname").String(),
			AvatarURL:   ev.ContentField("avatar_url").String(),
		}
		if err := storage.UpsertMember(rw, roomID, member); err != nil {
			return err
		}
		// Member events carry the profile-level name too; remember it as the
		// fallback for rooms without an override.
		if member.DisplayName != "" {
			if err := storage.UpsertGlobalProfile(rw, member); err != nil {
				return err
			}
		}
		return nil
	case "leave", "ban":
		return storage.DeleteMember(rw, roomID, userID)
	default:
		// invite/knock: not part of the joined-member index.
		return nil
	}
}

// Invalidate drops the room's warm state entries. Must be called after the
// writing transaction commits, never inside it: a mid-transaction
// invalidation lets a concurrent reader re-warm the cache from the
// pre-commit snapshot and serve that stale map past the commit.
func (t *Tracker) Invalidate(roomID string) {
	t.caches.RoomState.Unset(roomID)
	t.caches.RoomNames.Unset(roomID)
}

// MemberDisplayName resolves how userID should be shown in roomID:
// per-room member displayname, then profile-level name, then the user ID.
func (t *Tracker) MemberDisplayName(r kv.Reader, roomID, userID string) (string, error) {
	member, ok, err := storage.SelectMember(r, roomID, userID)
	if err != nil {
		return "", err
	}
	if ok && member.DisplayName != "" {
		return member.DisplayName, nil
	}
	profile, ok, err := storage.SelectGlobalProfile(r, userID)
	if err != nil {
		return "", err
	}
	if ok && profile.DisplayName != "" {
		return profile.DisplayName, nil
	}
	return userID, nil
}

// RoomName resolves a room's display name: explicit m.room.name, then the
// canonical alias, then a heuristic built from the other members' names for
// small unnamed (DM-style) rooms.
func (t *Tracker) RoomName(r kv.Reader, roomID string) (string, error) {
	if name, ok := t.caches.RoomNames.Get(roomID); ok {
		return name, nil
	}
	name, err := t.resolveRoomName(r, roomID)
	if err != nil {
		return "", err
	}
	t.caches.RoomNames.Set(roomID, name)
	return name, nil
}

func (t *Tracker) resolveRoomName(r kv.Reader, roomID string) (string, error) {
	state, err := t.CurrentState(r, roomID)
	if err != nil {
		return "", err
	}
	if ev, ok := state[types.StateTuple{EventType: "m.room.name"}]; ok {
		if name := ev.ContentField("name").String(); name != "" {
			return name, nil
		}
	}
	if ev, ok := state[types.StateTuple{EventType: "m.room.canonical_alias"}]; ok {
		if alias := ev.ContentField("alias").String(); alias != "" {
			return alias, nil
		}
	}
	return t.heuristicRoomName(r, roomID)
}

// heuristicRoomName names an unnamed room after its other members. With no
// other members the room shows as empty; with more than two others the room
// keeps the first name plus a count.
func (t *Tracker) heuristicRoomName(r kv.Reader, roomID string) (string, error) {
	members, err := storage.SelectMembers(r, roomID)
	if err != nil {
		return "", err
	}
	var names []string
	for _, m := range members {
		if m.UserID == t.localUserID {
			continue
		}
		name := m.DisplayName
		if name == "" {
			name = m.UserID
		}
		names = append(names, name)
	}
	switch len(names) {
	case 0:
		return "Empty room", nil
	case 1:
		return names[0], nil
	case 2:
		return names[0] + " and " + names[1], nil
	default:
		return names[0] + " and " + strconv.Itoa(len(names)-1) + " others", nil
	}
}

// RoomTopic returns the room's topic, or "".
func (t *Tracker) RoomTopic(r kv.Reader, roomID string) (string, error) {
	state, err := t.CurrentState(r, roomID)
	if err != nil {
		return "", err
	}
	if ev, ok := state[types.StateTuple{EventType: "m.room.topic"}]; ok {
		return ev.ContentField("topic").String(), nil
	}
	return "", nil
}

// RoomAvatar resolves the room's avatar URL: explicit m.room.avatar, else
// the other member's avatar for DM-style rooms with exactly one other
// member.
func (t *Tracker) RoomAvatar(r kv.Reader, roomID string) (string, error) {
	state, err := t.CurrentState(r, roomID)
	if err != nil {
		return "", err
	}
	if ev, ok := state[types.StateTuple{EventType: "m.room.avatar"}]; ok {
		if url := ev.ContentField("url").String(); url != "" {
			return url, nil
		}
	}
	members, err := storage.SelectMembers(r, roomID)
	if err != nil {
		return "", err
	}
	var other *types.MemberRecord
	for _, m := range members {
		if m.UserID == t.localUserID {
			continue
		}
		if other != nil {
			return "", nil
		}
		other = m
	}
	if other != nil {
		return other.AvatarURL, nil
	}
	return "", nil
}
