// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"io"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/accumulator"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/aggregator"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/carryover"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db/backend"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/lock"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/pipeline"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/plan"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/reporting"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/resiliency"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/sink"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/taskqueue"
)

// Store names
const (
	accumulatedStore = "abacus-accumulated"
	aggregatedStore  = "abacus-aggregated"
	carryOverStore   = "abacus-carryover"
)

// services holds everything a command runs on.
type services struct {
	cfg       Config
	backend   *backend.Backend
	queue     taskqueue.Queue
	plans     *plan.Library
	countries *plan.Countries
	reporter  *reporting.Reporter
	sink      sink.Sink
	pipeline  *pipeline.Pipeline

	closers []io.Closer
}

// openStore opens a protected store on the backend.
func (r *services) openStore(ctx context.Context, name string) (db.Store, error) {
	s, err := r.backend.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, s)
	return resiliency.Wrap(name, s, r.cfg.Resiliency), nil
}

// newServices connects the stores, queue, locks and sink and builds the
// pipeline stages. Close releases them.
func newServices(ctx context.Context, cfg Config) (_ *services, err error) {
	r := &services{cfg: cfg}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	r.backend, err = backend.New(cfg.Store)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, r.backend)

	docs, err := r.openStore(ctx, accumulatedStore)
	if err != nil {
		return nil, err
	}
	trees, err := r.openStore(ctx, aggregatedStore)
	if err != nil {
		return nil, err
	}
	carryDocs, err := r.openStore(ctx, carryOverStore)
	if err != nil {
		return nil, err
	}

	locks, lockCloser, err := lock.New(cfg.Lock)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, lockCloser)

	if r.queue, err = r.openQueue(ctx); err != nil {
		return nil, err
	}

	planConfigs, err := plan.LoadFile(cfg.Plans.File)
	if err != nil {
		return nil, err
	}
	r.plans = plan.NewLibrary(ctx, plan.NewStaticSource(planConfigs...), cfg.Plans.Cache)
	r.countries = plan.NewCountries(ctx, plan.StaticCountries(cfg.Countries), cfg.CountryTTL)
	r.reporter = reporting.New(ctx, trees, r.plans, cfg.Reporting)

	if r.sink, err = sink.New(ctx, cfg.Sink); err != nil {
		return nil, err
	}
	r.closers = append(r.closers, r.sink)

	carry := carryover.New(carryDocs, locks, cfg.Usage)
	r.pipeline = pipeline.New(pipeline.Options{
		Queue:       r.queue,
		Docs:        docs,
		Carry:       carry,
		Accumulator: accumulator.New(docs, carry, r.plans, r.countries, locks, cfg.Usage),
		Aggregator:  aggregator.New(trees, r.plans, r.countries, locks, cfg.Usage),
		Reporter:    r.reporter,
		Sink:        r.sink,
		Usage:       cfg.Usage,
		Config:      cfg.Pipeline,
	})

	logger.Info().
		Str("store", string(cfg.Store.Driver)).
		Str("queue", cfg.Queue.Backend).
		Str("locks", cfg.Lock.Backend).
		Str("sink", r.sink.Name()).
		Int("plans", len(planConfigs)).
		Msg("services ready")
	return r, nil
}

func (r *services) openQueue(ctx context.Context) (taskqueue.Queue, error) {
	if r.cfg.Queue.Backend == QueueMemory {
		q := taskqueue.NewMemoryQueue()
		r.closers = append(r.closers, q)
		return q, nil
	}
	q, err := taskqueue.NewDBQueue(ctx, taskqueue.DBQueueConfig{
		DB:                r.backend.SQLDB(),
		Dialect:           r.backend.Dialect(),
		TableName:         r.cfg.Queue.Table,
		VisibilityTimeout: r.cfg.Queue.VisibilityTimeout,
	})
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, q)
	return q, nil
}

// Close releases resources in reverse order of acquisition.
func (r *services) Close() error {
	if r.reporter != nil {
		r.reporter.Stop()
	}
	if r.countries != nil {
		r.countries.Close()
	}
	if r.plans != nil {
		r.plans.Close()
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
