// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package kv is the embedded transactional store backing the cache: an
// ordered key-value engine with named tables, one exclusive writer and
// snapshot-isolated readers.
package kv

// Table is a named sub-store. Tables are independent key spaces implemented
// as single-byte key prefixes; the set is fixed at startup.
type Table byte

const (
	// TableMeta holds store-wide singletons: format version, sync token.
	TableMeta Table = 0x01
	// TableRooms holds one RoomRecord per known room.
	TableRooms Table = 0x02
	// TableTimeline holds events keyed by room + local sequence number.
	TableTimeline Table = 0x03
	// TableEventIndex maps room + event ID to the timeline sequence number.
	TableEventIndex Table = 0x04
	// TableState holds current room state keyed by room + type + state key.
	TableState Table = 0x05
	// TableReceipts holds the latest receipt keyed by room + user.
	TableReceipts Table = 0x06
	// TableNotifications holds unread counters keyed by room.
	TableNotifications Table = 0x07
	// TableMembers is the per-room member index keyed by room + user.
	TableMembers Table = 0x08
	// TableLocalEchoes holds outstanding local sends keyed by transaction ID.
	TableLocalEchoes Table = 0x09
	// TableOutboundSessions holds outbound sessions keyed by room + session ID.
	TableOutboundSessions Table = 0x0a
	// TableOutboundCurrent maps room to its current outbound session ID.
	TableOutboundCurrent Table = 0x0b
	// TableInboundSessions holds inbound sessions keyed by
	// sender key + device + session ID.
	TableInboundSessions Table = 0x0c
	// TableAccountData holds global account data keyed by event type.
	TableAccountData Table = 0x0d
	// TableGaps holds timeline discontinuities keyed by room + sequence.
	TableGaps Table = 0x0e
	// TableDeviceLists tracks users with outdated device lists.
	TableDeviceLists Table = 0x0f
	// TableCryptoBlobs holds opaque account-level crypto material
	// (pickled account, device keys) keyed by slot name.
	TableCryptoBlobs Table = 0x10
)

// Reader is the read surface shared by read and write transactions. Reads
// never mutate and may be abandoned between steps without side effects.
type Reader interface {
	// Get returns the value for key in table, or ok == false when absent.
	Get(table Table, key []byte) (value []byte, ok bool, err error)
	// NewIter returns a cursor over [lo, hi) within the table, in
	// byte-lexicographic key order. Nil bounds mean the table's edges.
	NewIter(table Table, lo, hi []byte) (*Iterator, error)
}

// ReadWriter is the write-transaction surface. Writes are buffered until
// Commit and are visible to reads within the same transaction.
type ReadWriter interface {
	Reader
	Put(table Table, key, value []byte) error
	Delete(table Table, key []byte) error
}
