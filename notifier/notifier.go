// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package notifier carries committed-update notifications from the cache to
// its subscribers. The cache never imports presentation types; subscribers
// receive room IDs and change summaries and read the rest through the query
// layer.
package notifier

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/element-hq/roost/types"
)

const subscriberBuffer = 64

// Notifier fans room updates out to subscribers. Updates are published only
// after the transaction that produced them has committed.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]subscription
	next int
}

type subscription struct {
	roomID string // "" subscribes to all rooms
	ch     chan types.RoomUpdate
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]subscription)}
}

// Subscribe registers for updates about one room, or every room when roomID
// is empty. The returned cancel func must be called when done; the channel
// is closed by it.
func (n *Notifier) Subscribe(roomID string) (<-chan types.RoomUpdate, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	ch := make(chan types.RoomUpdate, subscriberBuffer)
	n.subs[id] = subscription{roomID: roomID, ch: ch}
	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

// Publish delivers an update to matching subscribers. Delivery is
// best-effort: a subscriber that has fallen subscriberBuffer updates behind
// misses this one and must re-query, which is always safe because updates
// are hints, not state.
func (n *Notifier) Publish(update types.RoomUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs {
		if sub.roomID != "" && sub.roomID != update.RoomID {
			continue
		}
		select {
		case sub.ch <- update:
		default:
			log.WithField("room_id", update.RoomID).Debug("dropping update for slow subscriber")
		}
	}
}
