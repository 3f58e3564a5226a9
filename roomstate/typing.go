// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomstate

import (
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const typingExpiry = 30 * time.Second

// TypingCache holds the ephemeral per-room typing sets. Entries expire on
// their own when the server stops refreshing them; nothing here is ever
// persisted.
type TypingCache struct {
	users *gocache.Cache
}

// NewTypingCache creates an empty typing tracker.
func NewTypingCache() *TypingCache {
	return &TypingCache{
		users: gocache.New(typingExpiry, typingExpiry),
	}
}

// SetTypingUsers replaces the typing set for a room with the server's
// latest view.
func (t *TypingCache) SetTypingUsers(roomID string, userIDs []string) {
	if len(userIDs) == 0 {
		t.users.Delete(roomID)
		return
	}
	t.users.Set(roomID, append([]string{}, userIDs...), typingExpiry)
}

// TypingUsers returns who is currently typing in a room, sorted for
// deterministic presentation.
func (t *TypingCache) TypingUsers(roomID string) []string {
	v, ok := t.users.Get(roomID)
	if !ok {
		return nil
	}
	users := append([]string{}, v.([]string)...)
	sort.Strings(users)
	return users
}
