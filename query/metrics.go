// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var querySeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "roost",
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "How long each query type takes to run.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	},
	[]string{"query"},
)
