// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventFromBytes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"complete event", `{"event_id":"$1","sender":"@a:test","type":"m.room.message","content":{}}`, true},
		{"missing event_id", `{"sender":"@a:test","type":"m.room.message"}`, false},
		{"missing sender", `{"event_id":"$1","type":"m.room.message"}`, false},
		{"missing type", `{"event_id":"$1","sender":"@a:test"}`, false},
		{"invalid json", `{"event_id":`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := NewEventFromBytes([]byte(tc.raw))
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, "$1", ev.EventID())
			} else {
				assert.ErrorIs(t, err, ErrDecode)
			}
		})
	}
}

func TestEventCopiesInput(t *testing.T) {
	buf := []byte(`{"event_id":"$1","sender":"@a:test","type":"m.x"}`)
	ev, err := NewEventFromBytes(buf)
	require.NoError(t, err)
	buf[2] = 'X'
	assert.Equal(t, "$1", ev.EventID())
}

func TestStateKeyPresence(t *testing.T) {
	ev, err := NewEventFromBytes([]byte(`{"event_id":"$1","sender":"@a:test","type":"m.room.topic","state_key":""}`))
	require.NoError(t, err)
	key, ok := ev.StateKey()
	assert.True(t, ok, "the empty state key still marks a state event")
	assert.Equal(t, "", key)
	assert.True(t, ev.IsState())

	ev, err = NewEventFromBytes([]byte(`{"event_id":"$1","sender":"@a:test","type":"m.room.message"}`))
	require.NoError(t, err)
	assert.False(t, ev.IsState())
}

func TestRedactsBothLocations(t *testing.T) {
	topLevel, err := NewEventFromBytes([]byte(`{"event_id":"$1","sender":"@a:test","type":"m.room.redaction","redacts":"$target"}`))
	require.NoError(t, err)
	assert.Equal(t, "$target", topLevel.Redacts())

	inContent, err := NewEventFromBytes([]byte(`{"event_id":"$1","sender":"@a:test","type":"m.room.redaction","content":{"redacts":"$target"}}`))
	require.NoError(t, err)
	assert.Equal(t, "$target", inContent.Redacts())
}

func TestRedactStripsContentKeepsMetadata(t *testing.T) {
	target, err := NewEventFromBytes([]byte(`{"event_id":"$1","sender":"@a:test","type":"m.room.message","origin_server_ts":1234,"content":{"body":"secret"},"custom_field":"kept"}`))
	require.NoError(t, err)
	because, err := NewEventFromBytes([]byte(`{"event_id":"$red","sender":"@b:test","type":"m.room.redaction","redacts":"$1"}`))
	require.NoError(t, err)

	redacted, err := target.Redact(because)
	require.NoError(t, err)
	assert.True(t, redacted.Redacted())
	assert.Empty(t, redacted.ContentField("body").String())
	assert.Equal(t, "m.room.message", redacted.Type())
	assert.Equal(t, "@a:test", redacted.Sender())
	assert.Equal(t, uint64(1234), uint64(redacted.OriginServerTS()))
	// Unknown top-level fields survive redaction too.
	assert.Contains(t, string(redacted.JSON()), `"custom_field":"kept"`)
	// The original is untouched.
	assert.False(t, target.Redacted())
	assert.Equal(t, "secret", target.ContentField("body").String())
}

func TestTransactionID(t *testing.T) {
	ev, err := NewEventFromBytes([]byte(`{"event_id":"$1","sender":"@a:test","type":"m.x","unsigned":{"transaction_id":"txn-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "txn-1", ev.TransactionID())

	ev, err = NewEventFromBytes([]byte(`{"event_id":"$1","sender":"@a:test","type":"m.x"}`))
	require.NoError(t, err)
	assert.Empty(t, ev.TransactionID())
}
