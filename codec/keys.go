// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package codec defines the on-disk encodings: deterministic,
// order-preserving key composition and record serialisation that keeps
// unrecognised fields intact across a round-trip.
package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/element-hq/roost/types"
)

// Keys compose length-prefixed string fields followed by fixed-width
// big-endian integers. A scan bounded to one composed prefix therefore
// yields exactly one logical entity class, and byte order equals logical
// order for the trailing integer field.

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, errors.Wrap(types.ErrDecode, "truncated key")
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return "", nil, errors.Wrap(types.ErrDecode, "truncated key")
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}

// RoomKey keys the rooms table.
func RoomKey(roomID string) []byte { return []byte(roomID) }

// RoomPrefix is the scan prefix isolating one room in any room-first table.
func RoomPrefix(roomID string) []byte { return appendString(nil, roomID) }

// PrefixEnd returns the exclusive upper bound for a prefix scan: the
// smallest key greater than every key starting with prefix.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	// All 0xff: no finite upper bound inside the table; scan to its edge.
	return nil
}

// TimelineKey keys the timeline table: room, then local sequence number.
// Sequence numbers are monotonic per room, so iteration order is exactly
// server delivery order.
func TimelineKey(roomID string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(appendString(nil, roomID), seq)
}

// SplitTimelineKey recovers (roomID, seq) from a timeline key.
func SplitTimelineKey(key []byte) (string, uint64, error) {
	roomID, rest, err := readString(key)
	if err != nil {
		return "", 0, err
	}
	if len(rest) != 8 {
		return "", 0, errors.Wrap(types.ErrDecode, "malformed timeline key")
	}
	return roomID, binary.BigEndian.Uint64(rest), nil
}

// EventIndexKey keys the event-ID index: room, then event ID.
func EventIndexKey(roomID, eventID string) []byte {
	return append(appendString(nil, roomID), eventID...)
}

// StateEventKey keys current room state: room, event type, state key.
func StateEventKey(roomID, eventType, stateKey string) []byte {
	return append(appendString(appendString(nil, roomID), eventType), stateKey...)
}

// SplitStateEventKey recovers (eventType, stateKey) from a state key scanned
// under a known room prefix.
func SplitStateEventKey(key []byte) (string, string, string, error) {
	roomID, rest, err := readString(key)
	if err != nil {
		return "", "", "", err
	}
	eventType, rest, err := readString(rest)
	if err != nil {
		return "", "", "", err
	}
	return roomID, eventType, string(rest), nil
}

// ReceiptKey keys receipts: room, then user.
func ReceiptKey(roomID, userID string) []byte {
	return append(appendString(nil, roomID), userID...)
}

// MemberKey keys the member index: room, then user.
func MemberKey(roomID, userID string) []byte {
	return append(appendString(nil, roomID), userID...)
}

// GapKey keys gap markers: room, then the sequence the gap precedes.
func GapKey(roomID string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(appendString(nil, roomID), seq)
}

// SplitGapKey recovers the sequence from a gap key scanned under a room.
func SplitGapKey(key []byte) (uint64, error) {
	_, rest, err := readString(key)
	if err != nil {
		return 0, err
	}
	if len(rest) != 8 {
		return 0, errors.Wrap(types.ErrDecode, "malformed gap key")
	}
	return binary.BigEndian.Uint64(rest), nil
}

// OutboundSessionKey keys outbound sessions: room, then session ID.
func OutboundSessionKey(roomID, sessionID string) []byte {
	return append(appendString(nil, roomID), sessionID...)
}

// InboundSessionKey keys inbound sessions: sender key, device, session ID.
func InboundSessionKey(senderKey, deviceID, sessionID string) []byte {
	return append(appendString(appendString(nil, senderKey), deviceID), sessionID...)
}

// SeqValue encodes a sequence number as a fixed-width index value.
func SeqValue(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

// DecodeSeqValue decodes a SeqValue.
func DecodeSeqValue(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Wrap(types.ErrDecode, "malformed sequence value")
	}
	return binary.BigEndian.Uint64(b), nil
}
