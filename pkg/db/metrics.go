// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/debug"
)

// Metrics for store operations
var (
	dbQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "abacus_db_query_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"store", "operation", "status"},
	)

	dbQueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abacus_db_queries_total",
			Help: "Total number of store operations",
		},
		[]string{"store", "operation", "status"},
	)
)

func init() {
	debug.Registry().MustRegister(dbQueryDuration, dbQueryTotal)
}

// Instrumented records the duration and outcome of every operation of a
// store under the given name.
type Instrumented struct {
	Store
	name string
}

// Instrument wraps s.
func Instrument(name string, s Store) *Instrumented {
	return &Instrumented{Store: s, name: name}
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	status := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case errors.Is(err, ErrConflict):
		status = "conflict"
	case err != nil:
		status = "error"
	}
	dbQueryDuration.WithLabelValues(i.name, op, status).Observe(time.Since(start).Seconds())
	dbQueryTotal.WithLabelValues(i.name, op, status).Inc()
}

func (i *Instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	b, err := i.Store.Get(ctx, key)
	i.observe("get", start, err)
	return b, err
}

func (i *Instrumented) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := i.Store.Put(ctx, key, value)
	i.observe("put", start, err)
	return err
}

func (i *Instrumented) Create(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := i.Store.Create(ctx, key, value)
	i.observe("create", start, err)
	return err
}

func (i *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.Store.Delete(ctx, key)
	i.observe("delete", start, err)
	return err
}

func (i *Instrumented) Range(ctx context.Context, q RangeQuery) ([]KV, error) {
	start := time.Now()
	kvs, err := i.Store.Range(ctx, q)
	i.observe("range", start, err)
	return kvs, err
}
