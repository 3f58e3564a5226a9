// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/roost/types"
)

const (
	roomStatePrefix = iota + 1
	roomNamePrefix
)

const (
	DisableMetrics = false
	EnableMetrics  = true
)

// NewRistrettoCache creates the shared ristretto cache and carves the typed
// partitions out of it. maxCost is the approximate memory bound in bytes.
func NewRistrettoCache(maxCost int64, maxAge time.Duration, enablePrometheus bool) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		// Configuration is static; a failure here is a programming error.
		panic(err)
	}
	if enablePrometheus {
		promauto(cache)
	}
	return &Caches{
		RoomState: &ristrettoCachePartition[string, map[types.StateTuple]*types.Event]{
			cache:  cache,
			prefix: roomStatePrefix,
			cost:   roomStateCost,
			maxAge: maxAge,
		},
		RoomNames: &ristrettoCachePartition[string, string]{
			cache:  cache,
			prefix: roomNamePrefix,
			cost:   roomNameCost,
			maxAge: maxAge,
		},
	}
}

func promauto(cache *ristretto.Cache) {
	prometheus.DefaultRegisterer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "roost",
		Subsystem: "caching_ristretto",
		Name:      "ratio",
	}, func() float64 {
		return cache.Metrics.Ratio()
	}))
	prometheus.DefaultRegisterer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "roost",
		Subsystem: "caching_ristretto",
		Name:      "cost",
	}, func() float64 {
		return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
	}))
}

type ristrettoCachePartition[K comparable, V any] struct {
	cache  *ristretto.Cache
	prefix byte
	cost   int64
	maxAge time.Duration
}

func (p *ristrettoCachePartition[K, V]) key(k K) string {
	return fmt.Sprintf("%c%v", p.prefix, k)
}

func (p *ristrettoCachePartition[K, V]) Get(k K) (V, bool) {
	var value V
	v, ok := p.cache.Get(p.key(k))
	if !ok {
		return value, false
	}
	value, ok = v.(V)
	return value, ok
}

func (p *ristrettoCachePartition[K, V]) Set(k K, v V) {
	p.cache.SetWithTTL(p.key(k), v, p.cost, p.maxAge)
}

func (p *ristrettoCachePartition[K, V]) Unset(k K) {
	p.cache.Del(p.key(k))
}
