// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	submittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abacus",
		Subsystem: "pipeline",
		Name:      "events_submitted_total",
		Help:      "Total number of usage events submitted for accumulation",
	}, []string{"status"})

	collectorDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "abacus",
		Subsystem: "pipeline",
		Name:      "collector_dropped_total",
		Help:      "Total number of buffered usage events dropped",
	})

	renewedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "abacus",
		Subsystem: "pipeline",
		Name:      "renewed_total",
		Help:      "Total number of running resources carried into a new month",
	})
)

func init() {
	debug.Registry().MustRegister(submittedTotal, collectorDropped, renewedTotal)
}
