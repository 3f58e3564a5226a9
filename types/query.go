// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import "github.com/matrix-org/gomatrixserverlib/spec"

// AnchorLatest anchors a timeline slice at the newest stored event.
const AnchorLatest = ""

// Direction of a timeline slice relative to its anchor.
type Direction int

const (
	// Backwards walks towards older events.
	Backwards Direction = iota
	// Forwards walks towards newer events.
	Forwards
)

func (d Direction) String() string {
	if d == Backwards {
		return "b"
	}
	return "f"
}

// StateTuple addresses one slot of room state.
type StateTuple struct {
	EventType string
	StateKey  string
}

// UnreadCounts is the O(1) unread summary for a room.
type UnreadCounts struct {
	Notifications int64
	Highlights    int64
}

// RoomSummary is one entry of the activity-ordered room list.
type RoomSummary struct {
	RoomID         string
	Name           string
	Membership     string
	LastActivityTS spec.Timestamp
	IsDirect       bool
	Unread         UnreadCounts
}

// UserMatch is one user-search result. Exact-prefix matches sort before
// substring matches; ties break alphabetically on the matched name.
type UserMatch struct {
	UserID      string
	DisplayName string
	// Prefix is set when the query matched at the start of the display name
	// or user ID.
	Prefix bool
}

// MessageMatch is one full-text search hit.
type MessageMatch struct {
	EventID string
	RoomID  string
	Score   float64
}
