// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package aggregator folds accumulated usage into the usage tree of an
// organization.
//
// Every level of the tree (organization, space and consumer resources and
// their plans) folds the same accumulated usage through the metric's
// Aggregate function. The tree remembers what each resource instance last
// contributed, so a new accumulation replaces the instance's previous
// contribution instead of adding to it.
package aggregator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/carryover"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/decimal"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/lock"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/plan"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/timewindow"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/usage"
)

// ErrInvalidUsage is returned for accumulated usage without ids.
var ErrInvalidUsage = errors.New("invalid accumulated usage")

// consumerRetention is how many months a consumer without usage stays in
// the tree, on top of the slack.
const consumerRetention = 2

// Stats counts folded documents.
type Stats struct {
	Aggregated   atomic.Int64
	Skipped      atomic.Int64
	Failed       atomic.Int64
	MetricErrors atomic.Int64
	Pruned       atomic.Int64
}

// Result is the outcome of aggregating one accumulated usage document.
type Result struct {
	Doc *usage.AggregatedUsage

	// Skipped is set when the tree already held this or a later
	// accumulation of the instance.
	Skipped bool

	// FailedMetrics maps metrics that could not be folded to the error.
	FailedMetrics map[string]string
}

// Aggregator maintains organization usage trees.
type Aggregator struct {
	store     db.Store
	plans     plan.Provider
	countries plan.CountrySource
	locks     lock.Manager
	cfg       usage.Config
	stats     Stats
}

// New creates an aggregator writing trees to store.
func New(store db.Store, plans plan.Provider, countries plan.CountrySource, locks lock.Manager, cfg usage.Config) *Aggregator {
	return &Aggregator{
		store:     store,
		plans:     plans,
		countries: countries,
		locks:     locks,
		cfg:       cfg,
	}
}

// Stats returns the counters.
func (a *Aggregator) Stats() *Stats {
	return &a.stats
}

// DocID returns the id of the tree of an organization in the month
// starting at monthStart.
func DocID(orgID string, monthStart int64) string {
	return db.KTURI(orgID, monthStart)
}

// Aggregate folds acc into the tree of its organization and month. The
// tree is written only when every level was updated; plan function errors
// drop the failing metric from the fold.
func (a *Aggregator) Aggregate(ctx context.Context, acc *usage.AccumulatedUsage) (*Result, error) {
	start := time.Now()
	res, err := a.aggregate(ctx, acc)
	status := "success"
	switch {
	case err != nil:
		status = "failure"
		a.stats.Failed.Add(1)
	case res.Skipped:
		status = "skipped"
		a.stats.Skipped.Add(1)
	default:
		a.stats.Aggregated.Add(1)
	}
	docsTotal.WithLabelValues(status).Inc()
	duration.Observe(time.Since(start).Seconds())
	return res, err
}

func (a *Aggregator) aggregate(ctx context.Context, acc *usage.AccumulatedUsage) (*Result, error) {
	if acc == nil || acc.OrganizationID == "" || acc.ResourceInstanceID == "" || acc.PlanID == "" || acc.Processed <= 0 {
		return nil, ErrInvalidUsage
	}
	p, err := a.plans.Plan(ctx, acc.PlanID)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", acc.PlanID, err)
	}
	country, err := a.countries.Country(ctx, acc.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("pricing country of %s: %w", acc.OrganizationID, err)
	}

	month := carryover.MonthStart(acc.Processed)
	id := DocID(acc.OrganizationID, month)

	var res *Result
	err = lock.With(ctx, a.locks, "aggregate/"+id, func(ctx context.Context) error {
		tree, err := a.load(ctx, id, acc.OrganizationID, month)
		if err != nil {
			return err
		}
		if inst, ok := tree.Instances[acc.InstanceKey()]; ok && acc.Seq <= inst.Seq {
			res = &Result{Doc: tree, Skipped: true}
			return nil
		}

		f := &fold{a: a, plan: p, country: country, acc: acc, failed: map[string]string{}}
		work, err := tree.Clone()
		if err != nil {
			return err
		}
		f.apply(ctx, work)
		if err := db.PutJSON(ctx, a.store, id, work); err != nil {
			return err
		}
		res = &Result{Doc: work, FailedMetrics: f.failed}
		return nil
	})
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("org", acc.OrganizationID).
			Str("instance", acc.InstanceKey()).
			Int64("seq", acc.Seq).
			Msg("aggregation failed")
		return nil, err
	}
	return res, nil
}

func (a *Aggregator) load(ctx context.Context, id, orgID string, month int64) (*usage.AggregatedUsage, error) {
	var tree usage.AggregatedUsage
	err := db.GetJSON(ctx, a.store, id, &tree)
	if errors.Is(err, db.ErrNotFound) {
		t := usage.NewAggregatedUsage(id, orgID)
		t.Start = month
		t.End = month
		return t, nil
	}
	if err != nil {
		return nil, err
	}
	if tree.Instances == nil {
		tree.Instances = map[string]*usage.Instance{}
	}
	return &tree, nil
}

// fold applies one accumulated usage document to a tree.
type fold struct {
	a       *Aggregator
	plan    *plan.Plan
	country string
	acc     *usage.AccumulatedUsage
	failed  map[string]string
}

// delta is the change of one accumulator slot since the instance was last
// folded in.
type delta struct {
	dim  timewindow.Dimension
	slot int
	prev plan.Value
	curr plan.Value
}

// level is one node metric of the tree the accumulation is folded into.
type level struct {
	metric *usage.Metric
	priced bool
}

func (f *fold) apply(ctx context.Context, tree *usage.AggregatedUsage) {
	acc := f.acc
	key := acc.InstanceKey()
	accT := timewindow.FromMillis(acc.Processed)

	prevInst := tree.Instances[key]
	inst := &usage.Instance{
		Seq:       acc.Seq,
		Processed: acc.Processed,
		Metrics:   map[string]timewindow.Windows[plan.Value]{},
	}

	for _, am := range acc.AccumulatedUsage {
		var prev timewindow.Windows[plan.Value]
		if prevInst != nil {
			if w, ok := prevInst.Metrics[am.Metric]; ok {
				prev = w.Clone(func(v plan.Value) plan.Value { return v })
				prev.ShiftAll(timewindow.FromMillis(prevInst.Processed), accT)
			}
		}

		m, ok := f.plan.Metric(am.Metric)
		if !ok {
			f.fail(ctx, am.Metric, fmt.Errorf("metric %s is not part of plan %s", am.Metric, f.plan.ID))
			if prev != nil {
				inst.Metrics[am.Metric] = prev
			}
			continue
		}

		deltas := diff(prev, am.Windows)
		if err := f.foldMetric(tree, m, deltas); err != nil {
			f.fail(ctx, am.Metric, err)
			if prev != nil {
				inst.Metrics[am.Metric] = prev
			}
			continue
		}
		inst.Metrics[am.Metric] = currents(am.Windows)
	}

	tree.Instances[key] = inst
	tree.Processed = max(tree.Processed, acc.Processed)
	tree.End = max(tree.End, acc.End)
	c := tree.Space(acc.SpaceID).Consumer(consumerID(acc))
	c.Processed = max(c.Processed, acc.Processed)
	f.prune(tree)
}

func consumerID(acc *usage.AccumulatedUsage) string {
	if acc.ConsumerID == "" {
		return usage.UnknownConsumer
	}
	return acc.ConsumerID
}

// levels returns the node metrics an accumulation of metric name updates,
// from the consumer plan up to the organization resource.
func (f *fold) levels(tree *usage.AggregatedUsage, name string) []level {
	acc := f.acc
	space := tree.Space(acc.SpaceID)
	consumer := space.Consumer(consumerID(acc)).Resource(acc.ResourceID)
	spaceRes := space.Resource(acc.ResourceID)
	orgRes := tree.Resource(acc.ResourceID)
	return []level{
		{consumer.Plan(acc.PlanID).Metric(name), true},
		{consumer.Metric(name), false},
		{spaceRes.Plan(acc.PlanID).Metric(name), true},
		{spaceRes.Metric(name), false},
		{orgRes.Plan(acc.PlanID).Metric(name), true},
		{orgRes.Metric(name), false},
	}
}

// foldMetric updates every level or none of them.
func (f *fold) foldMetric(tree *usage.AggregatedUsage, m *plan.Metric, deltas []delta) error {
	if len(deltas) == 0 {
		return nil
	}
	sizes := f.a.cfg.Sizes()
	price := f.plan.Price(m.Name, f.country)
	accT := timewindow.FromMillis(f.acc.Processed)

	levels := f.levels(tree, m.Name)
	updated := make([]timewindow.Windows[*usage.Slot], len(levels))
	processed := make([]int64, len(levels))
	for i, l := range levels {
		w := l.metric.Windows.Clone(cloneSlot)
		w.Grow(sizes)
		p := l.metric.Processed
		if p < f.acc.Processed {
			if p > 0 {
				w.ShiftAll(timewindow.FromMillis(p), accT)
			}
			p = f.acc.Processed
		}
		if err := foldWindows(w, m.Functions, deltas, accT, timewindow.FromMillis(p), price, l.priced); err != nil {
			return err
		}
		updated[i], processed[i] = w, p
	}
	for i, l := range levels {
		l.metric.Windows = updated[i]
		l.metric.Processed = processed[i]
	}
	return nil
}

// foldWindows applies deltas to the windows of one node whose watermark is
// at or after the accumulation's.
func foldWindows(w timewindow.Windows[*usage.Slot], fns plan.Functions, deltas []delta, accT, nodeT time.Time, price decimal.Decimal, priced bool) error {
	for _, d := range deltas {
		k := d.slot + timewindow.Diff(accT, nodeT, d.dim)
		if k < 0 || k >= len(w[d.dim]) {
			continue
		}
		s := w[d.dim][k]
		var agg plan.Value
		if s != nil {
			agg = s.Quantity
		}
		q, err := fns.Aggregate(agg, d.prev, d.curr)
		if err != nil {
			return err
		}
		ns := &usage.Slot{Quantity: q}
		if priced {
			cost, err := fns.Rate(price, q)
			if err != nil {
				return err
			}
			ns.Cost = cost
		}
		w[d.dim][k] = ns
	}
	return nil
}

// diff lists the accumulator slots whose current value differs from what
// the instance contributed before.
func diff(prev timewindow.Windows[plan.Value], curr timewindow.Windows[*usage.AccumSlot]) []delta {
	var out []delta
	for i, slots := range curr {
		if i >= timewindow.NumDimensions {
			break
		}
		for j, s := range slots {
			if s == nil || plan.IsNull(s.Quantity.Current) {
				continue
			}
			var p plan.Value
			if i < len(prev) && j < len(prev[i]) {
				p = prev[i][j]
			}
			if !plan.IsNull(p) && bytes.Equal(bytes.TrimSpace(p), bytes.TrimSpace(s.Quantity.Current)) {
				continue
			}
			if plan.IsNull(p) {
				p = nil
			}
			out = append(out, delta{dim: timewindow.Dimension(i), slot: j, prev: p, curr: s.Quantity.Current})
		}
	}
	return out
}

// currents snapshots the current values of accumulator windows.
func currents(w timewindow.Windows[*usage.AccumSlot]) timewindow.Windows[plan.Value] {
	out := make(timewindow.Windows[plan.Value], len(w))
	for i, slots := range w {
		out[i] = make([]plan.Value, len(slots))
		for j, s := range slots {
			if s != nil {
				out[i][j] = s.Quantity.Current
			}
		}
	}
	return out
}

func (f *fold) fail(ctx context.Context, metric string, err error) {
	f.failed[metric] = err.Error()
	f.a.stats.MetricErrors.Add(1)
	metricErrors.WithLabelValues(metric).Inc()
	logger.Ctx(ctx).Warn().Err(err).
		Str("metric", metric).
		Str("instance", f.acc.InstanceKey()).
		Msg("metric aggregation failed")
}

// prune drops consumers and instance contributions not processed within
// the retention window before the tree's watermark.
func (f *fold) prune(tree *usage.AggregatedUsage) {
	watermark := timewindow.FromMillis(tree.Processed)
	cutoff := f.a.cfg.SlackWindow().Start(timewindow.Add(watermark, timewindow.Month, -consumerRetention)).UnixMilli()

	for _, s := range tree.Spaces {
		kept := s.Consumers[:0]
		for _, c := range s.Consumers {
			if c.Processed > 0 && c.Processed < cutoff {
				f.a.stats.Pruned.Add(1)
				continue
			}
			kept = append(kept, c)
		}
		s.Consumers = kept
	}
	for k, inst := range tree.Instances {
		if inst.Processed < cutoff {
			delete(tree.Instances, k)
		}
	}
}

func cloneSlot(s *usage.Slot) *usage.Slot {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
