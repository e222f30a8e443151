// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ratioHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "abacus",
		Subsystem: "compression",
		Name:      "ratio",
		Help:      "Compression ratio of stored documents (original_size / compressed_size)",
		Buckets:   []float64{1.0, 1.25, 1.5, 2.0, 3.0, 4.0, 5.0, 10.0},
	}, []string{"algorithm"})

	durationHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "abacus",
		Subsystem: "compression",
		Name:      "duration_seconds",
		Help:      "Time spent compressing documents",
		Buckets:   prometheus.DefBuckets,
	}, []string{"algorithm"})

	bytesSaved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abacus",
		Subsystem: "compression",
		Name:      "bytes_saved_total",
		Help:      "Bytes saved by compressing documents",
	}, []string{"algorithm"})

	skippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abacus",
		Subsystem: "compression",
		Name:      "skipped_total",
		Help:      "Documents stored uncompressed because compression saved no space",
	}, []string{"algorithm"})
)

func init() {
	debug.Registry().MustRegister(ratioHist, durationHist, bytesSaved, skippedTotal)
}

func recordCompression(algo Algorithm, originalSize, compressedSize int, took time.Duration) {
	a := algo.String()
	ratioHist.WithLabelValues(a).Observe(CompressionRatio(originalSize, compressedSize))
	durationHist.WithLabelValues(a).Observe(took.Seconds())
	bytesSaved.WithLabelValues(a).Add(float64(originalSize - compressedSize))
}
