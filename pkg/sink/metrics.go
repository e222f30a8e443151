// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	publishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abacus",
		Subsystem: "sink",
		Name:      "published_total",
		Help:      "Total number of usage reports published",
	}, []string{"sink", "status"})

	publishDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "abacus",
		Subsystem: "sink",
		Name:      "publish_duration_seconds",
		Help:      "Time spent publishing a usage report",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"sink"})
)

func init() {
	debug.Registry().MustRegister(publishedTotal, publishDuration)
}
