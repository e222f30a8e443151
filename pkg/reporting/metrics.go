// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package reporting

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/debug"
)

var (
	reportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "abacus",
			Subsystem: "reporting",
			Name:      "reports_total",
			Help:      "Usage reports built",
		},
	)
	functionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abacus",
			Subsystem: "reporting",
			Name:      "function_errors_total",
			Help:      "Summarize and charge failures by function and metric",
		},
		[]string{"function", "metric"},
	)
	reportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "abacus",
			Subsystem: "reporting",
			Name:      "duration_seconds",
			Help:      "Time to build one usage report",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	debug.Registry().MustRegister(reportsTotal, functionErrors, reportDuration)
}
