// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrStoreIO is the engine/disk failure class. The enclosing transaction
	// is aborted in full; previously committed state is untouched.
	ErrStoreIO = errors.New("store I/O failure")

	// ErrDecode marks a corrupt or structurally invalid record. Skipped for
	// items inside a sync batch, fatal for single-record reads.
	ErrDecode = errors.New("undecodable record")

	// ErrSessionConflict is returned when an inbound session arrives with a
	// known session ID but different key material. Never auto-resolved.
	ErrSessionConflict = errors.New("conflicting session for existing session ID")

	// ErrIncompatibleStoreVersion is returned when the on-disk format is newer
	// than this build understands. The store must not be opened.
	ErrIncompatibleStoreVersion = errors.New("cache format is newer than this build")
)

// BackfillNeeded is a control signal, not a failure: a timeline read crossed
// a known gap and the caller must fetch more history from the server using
// Token before the read can be satisfied.
type BackfillNeeded struct {
	RoomID string
	Token  string
}

func (e *BackfillNeeded) Error() string {
	return fmt.Sprintf("backfill needed in %s from token %q", e.RoomID, e.Token)
}
