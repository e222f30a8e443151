// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/debug"
)

var (
	docsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abacus",
			Subsystem: "aggregator",
			Name:      "docs_total",
			Help:      "Accumulated usage documents folded into organization trees by outcome",
		},
		[]string{"status"},
	)
	metricErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abacus",
			Subsystem: "aggregator",
			Name:      "metric_errors_total",
			Help:      "Metric function failures while aggregating",
		},
		[]string{"metric"},
	)
	duration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "abacus",
			Subsystem: "aggregator",
			Name:      "duration_seconds",
			Help:      "Time to fold one accumulated usage document",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	debug.Registry().MustRegister(docsTotal, metricErrors, duration)
}
