// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roost",
		Subsystem: "ingest",
		Name:      "batches_applied_total",
		Help:      "Sync batches committed to the store.",
	})
	batchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roost",
		Subsystem: "ingest",
		Name:      "batch_failures_total",
		Help:      "Sync batches aborted by a store commit failure.",
	})
	eventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roost",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Timeline events stored.",
	})
	eventsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "roost",
		Subsystem: "ingest",
		Name:      "events_skipped_total",
		Help:      "Undecodable events skipped inside sync batches.",
	})
	batchApplySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "roost",
		Subsystem: "ingest",
		Name:      "batch_apply_seconds",
		Help:      "Time spent applying one sync batch.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)
