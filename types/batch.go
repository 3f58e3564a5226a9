// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// SyncBatch is one server sync response, already parsed out of the transport
// envelope by the network collaborator. Batches must be applied in
// server-delivered order.
type SyncBatch struct {
	// NextSyncToken resumes the sync stream after this batch.
	NextSyncToken string

	// Rooms maps room ID to its delta. Rooms absent from the map are
	// untouched by this batch.
	Rooms map[string]RoomDelta

	// Receipts delivered with this batch, any room.
	Receipts []ReceiptUpdate

	// AccountData events (global scope), raw JSON keyed by type.
	AccountData map[string]json.RawMessage

	// DeviceListChanges names users whose device lists changed and whose
	// sessions may need re-establishing.
	DeviceListChanges []string

	// Typing is ephemeral: user IDs currently typing, per room. Never
	// persisted.
	Typing map[string][]string
}

// RoomDelta is the per-room portion of a sync batch.
type RoomDelta struct {
	// Membership of the local user after this batch: join, invite, leave.
	Membership string

	// TimelineEvents in server delivery order, raw JSON per event.
	TimelineEvents []json.RawMessage

	// StateEvents are the state delta preceding the timeline window.
	StateEvents []json.RawMessage

	// Limited means the server truncated the timeline window: there is a gap
	// between our stored history and the first event of this delta, and
	// PrevBatch is the token to backfill it.
	Limited   bool
	PrevBatch string
}

// ReceiptUpdate is one read receipt from a sync batch.
type ReceiptUpdate struct {
	RoomID  string
	UserID  string
	EventID string
	TS      spec.Timestamp
}

// RoomUpdate is published to subscribers after a batch touching the room has
// committed, never before.
type RoomUpdate struct {
	RoomID        string
	NewEvents     int
	StateChanged  bool
	ReceiptMoved  bool
	CountsChanged bool
}
