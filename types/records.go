// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// RawPreserver is embedded in every stored record type. It remembers the
// exact bytes a record was decoded from so that fields written by a newer
// build are carried through when an older build re-saves the record.
type RawPreserver struct {
	raw []byte
}

// StoreRaw records the bytes this record was decoded from.
func (r *RawPreserver) StoreRaw(b []byte) {
	r.raw = append([]byte{}, b...)
}

// RawBytes returns the bytes this record was decoded from, or nil if the
// record was built fresh in memory.
func (r *RawPreserver) RawBytes() []byte { return r.raw }

// RoomRecord is the per-room row: pagination tokens, last activity, the
// caller's membership and the fully-read marker. Notification counters live
// in their own table so receipt handling can reset them without rewriting
// the room row.
type RoomRecord struct {
	RawPreserver `json:"-"`

	RoomID string `json:"room_id"`
	// Membership of the local user: join, invite, leave...
	Membership string `json:"membership"`
	// PrevBatch bounds the oldest contiguous history we hold; fetching
	// backwards past the oldest stored event starts from here.
	PrevBatch string `json:"prev_batch,omitempty"`
	// NextBatch is the newest token covered by stored events. Only advanced
	// in the same transaction that commits those events.
	NextBatch string `json:"next_batch,omitempty"`
	// LastActivityTS is the origin timestamp of the newest timeline event,
	// used for activity ordering of the room list.
	LastActivityTS spec.Timestamp `json:"last_activity_ts"`
	// ReadMarkerEventID is the fully-read marker, distinct from receipts.
	ReadMarkerEventID string `json:"read_marker,omitempty"`
	// IsDirect is set when the room appears in the account's m.direct data.
	IsDirect bool `json:"is_direct,omitempty"`
}

// ReceiptRecord is the latest read receipt for one user in one room.
// Only the most recent receipt per (room, user) is retained.
type ReceiptRecord struct {
	RawPreserver `json:"-"`

	UserID  string         `json:"user_id"`
	EventID string         `json:"event_id"`
	TS      spec.Timestamp `json:"ts"`
}

// NotificationCounts are the persisted unread counters for a room,
// maintained incrementally so that unread queries are point lookups.
type NotificationCounts struct {
	RawPreserver `json:"-"`

	NotificationCount int64 `json:"notification_count"`
	HighlightCount    int64 `json:"highlight_count"`
}

// MemberRecord is one row of the per-room member index backing user search
// and the unnamed-room name fallback.
type MemberRecord struct {
	RawPreserver `json:"-"`

	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// LocalEchoRecord tracks a provisional, not-yet-acknowledged local send. The
// provisional event itself sits in the timeline at Seq under a placeholder
// event ID derived from the transaction ID.
type LocalEchoRecord struct {
	RawPreserver `json:"-"`

	TransactionID string         `json:"transaction_id"`
	RoomID        string         `json:"room_id"`
	Seq           uint64         `json:"seq"`
	CreatedTS     spec.Timestamp `json:"created_ts"`
}

// OutboundSessionRecord is an outbound group session for a room. At most one
// record per room has Historical == false.
type OutboundSessionRecord struct {
	RawPreserver `json:"-"`

	RoomID     string         `json:"room_id"`
	SessionID  string         `json:"session_id"`
	Pickle     []byte         `json:"pickle"`
	CreatedTS  spec.Timestamp `json:"created_ts"`
	MessageIdx uint64         `json:"message_index"`
	// Historical sessions are kept for decrypting already-received messages
	// and are never deleted while events may still reference them.
	Historical bool `json:"historical,omitempty"`
}

// InboundSessionRecord is an inbound group session, content-addressed by
// (sender key, device, session ID).
type InboundSessionRecord struct {
	RawPreserver `json:"-"`

	SenderKey string         `json:"sender_key"`
	DeviceID  string         `json:"device_id"`
	SessionID string         `json:"session_id"`
	Pickle    []byte         `json:"pickle"`
	CreatedTS spec.Timestamp `json:"created_ts"`
}

// GapRecord marks a discontinuity in a room's stored timeline immediately
// before the event at Seq. Pagination across it must first backfill from
// PrevBatch.
type GapRecord struct {
	RawPreserver `json:"-"`

	Seq       uint64 `json:"seq"`
	PrevBatch string `json:"prev_batch"`
}
