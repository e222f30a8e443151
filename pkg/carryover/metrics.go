// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package carryover

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/debug"
)

var (
	opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "abacus",
			Subsystem: "carryover",
			Name:      "operations_total",
			Help:      "Carry-over store operations by outcome",
		},
		[]string{"operation", "status"},
	)
	docsRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "abacus",
			Subsystem: "carryover",
			Name:      "docs_read_total",
			Help:      "Carry-over records read by page scans",
		},
	)
)

func init() {
	debug.Registry().MustRegister(opsTotal, docsRead)
}
