// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package caching holds the warm in-memory caches sitting in front of the
// store. Everything here is strictly derived: an entry can be evicted or
// invalidated at any time and will be rebuilt from a store read.
package caching

import (
	"github.com/element-hq/roost/types"
)

// Caches are the cache partitions shared across components.
type Caches struct {
	// RoomState keeps materialised per-room state maps warm. Invalidated on
	// every ingested state event for the room.
	RoomState CachePartition[string, map[types.StateTuple]*types.Event]
	// RoomNames caches resolved display names for rooms, invalidated
	// together with RoomState.
	RoomNames CachePartition[string, string]
}

// CachePartition is a typed view over one shared cache keyspace.
type CachePartition[K comparable, V any] interface {
	Get(key K) (value V, ok bool)
	Set(key K, value V)
	Unset(key K)
}

const (
	roomStateCost = 64
	roomNameCost  = 1
)
