// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package accumulator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/debug"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abacus",
			Subsystem: "accumulator",
			Name:      "events_total",
			Help:      "Usage events accumulated by outcome",
		},
		[]string{"status"},
	)
	metricErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abacus",
			Subsystem: "accumulator",
			Name:      "metric_errors_total",
			Help:      "Metric function failures while accumulating",
		},
		[]string{"metric"},
	)
	duration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "abacus",
			Subsystem: "accumulator",
			Name:      "duration_seconds",
			Help:      "Time to accumulate one usage event",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	debug.Registry().MustRegister(eventsTotal, metricErrors, duration)
}
