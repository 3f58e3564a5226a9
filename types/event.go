// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"bytes"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Event is a single room event exactly as the server delivered it. The raw
// JSON is kept verbatim so that fields this build does not understand survive
// a round-trip through the store untouched. All accessors read straight from
// the raw bytes.
type Event struct {
	raw []byte
}

// NewEventFromBytes wraps raw server JSON as an Event. The JSON must carry at
// minimum an event_id, a sender and a type; anything less is undecodable.
func NewEventFromBytes(raw []byte) (*Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrDecode
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.Get("event_id").Exists() || !parsed.Get("type").Exists() || !parsed.Get("sender").Exists() {
		return nil, ErrDecode
	}
	// Copy so callers can recycle their buffers.
	return &Event{raw: append([]byte{}, raw...)}, nil
}

// JSON returns the verbatim event bytes. Callers must not modify them.
func (e *Event) JSON() []byte { return e.raw }

func (e *Event) EventID() string { return gjson.GetBytes(e.raw, "event_id").String() }
func (e *Event) Sender() string  { return gjson.GetBytes(e.raw, "sender").String() }
func (e *Event) Type() string    { return gjson.GetBytes(e.raw, "type").String() }

// StateKey returns the state key and whether one is present. Presence of a
// state key, even an empty one, is what marks an event as a state event.
func (e *Event) StateKey() (string, bool) {
	r := gjson.GetBytes(e.raw, "state_key")
	return r.String(), r.Exists()
}

// IsState reports whether the event carries a state key.
func (e *Event) IsState() bool {
	_, ok := e.StateKey()
	return ok
}

// OriginServerTS is the sender's wall clock. It is informational only: fold
// order is server delivery order, never this timestamp.
func (e *Event) OriginServerTS() spec.Timestamp {
	return spec.Timestamp(gjson.GetBytes(e.raw, "origin_server_ts").Uint())
}

// Content returns the raw content object bytes, or nil if absent.
func (e *Event) Content() []byte {
	r := gjson.GetBytes(e.raw, "content")
	if !r.Exists() {
		return nil
	}
	return []byte(r.Raw)
}

// ContentField resolves a gjson path inside the content object.
func (e *Event) ContentField(path string) gjson.Result {
	return gjson.GetBytes(e.raw, "content."+path)
}

// Redacts returns the target event ID of an m.room.redaction, or "".
func (e *Event) Redacts() string {
	if r := gjson.GetBytes(e.raw, "redacts"); r.Exists() {
		return r.String()
	}
	// Room v11 moved the field into content.
	return gjson.GetBytes(e.raw, "content.redacts").String()
}

// TransactionID returns the client transaction ID the server echoed back in
// the unsigned block, or "". A non-empty value identifies the local echo this
// event supersedes.
func (e *Event) TransactionID() string {
	return gjson.GetBytes(e.raw, "unsigned.transaction_id").String()
}

// Membership returns the membership value of an m.room.member event, or "".
func (e *Event) Membership() string {
	return gjson.GetBytes(e.raw, "content.membership").String()
}

// Redacted reports whether this event has had its content removed.
func (e *Event) Redacted() bool {
	return gjson.GetBytes(e.raw, "unsigned.redacted_because").Exists()
}

// Redact returns a copy of the event with its content stripped and the
// redaction event recorded under unsigned.redacted_because. Cleartext
// metadata (type, sender, timestamps) is preserved, per the immutability
// contract.
func (e *Event) Redact(because *Event) (*Event, error) {
	raw, err := sjson.SetRawBytes(e.raw, "content", []byte(`{}`))
	if err != nil {
		return nil, err
	}
	raw, err = sjson.SetRawBytes(raw, "unsigned.redacted_because", because.raw)
	if err != nil {
		return nil, err
	}
	return &Event{raw: raw}, nil
}

// Equal reports byte equality of the underlying JSON.
func (e *Event) Equal(other *Event) bool {
	return other != nil && bytes.Equal(e.raw, other.raw)
}
