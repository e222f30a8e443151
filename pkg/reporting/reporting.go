// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package reporting turns aggregated usage trees into reports: every window
// slot gets a summary, plan slots get a charge, and charges roll up from
// plans to the organization.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/aggregator"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/cache"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/carryover"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/decimal"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/plan"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/timewindow"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/usage"
)

// Config configures the reporter.
type Config struct {
	// ResultsCacheMaxAge is how long memoized summaries and charges live,
	// in milliseconds.
	// Default: 300000. Overridden by RESULTS_CACHE_MAX_AGE.
	ResultsCacheMaxAge int64 `mapstructure:"results_cache_max_age"`

	// ResultsCacheSize bounds the number of memoized results.
	// Default: 500
	ResultsCacheSize int `mapstructure:"results_cache_size"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ResultsCacheMaxAge: 300000,
		ResultsCacheSize:   500,
	}
}

// Validate checks the config for invalid values and applies defaults.
func (c *Config) Validate() error {
	if c.ResultsCacheMaxAge < 0 {
		return fmt.Errorf("results_cache_max_age must not be negative, got %d", c.ResultsCacheMaxAge)
	}
	if c.ResultsCacheMaxAge == 0 {
		c.ResultsCacheMaxAge = 300000
	}
	if c.ResultsCacheSize <= 0 {
		c.ResultsCacheSize = 500
	}
	return nil
}

// Stats counts reports and function failures.
type Stats struct {
	Reports        atomic.Int64
	SummaryErrors  atomic.Int64
	ChargeErrors   atomic.Int64
	UnknownMetrics atomic.Int64
}

// memoKey identifies one summarize or charge call.
type memoKey struct {
	fn     string
	plan   string
	metric string
	value  string
	now    int64
	from   int64
	to     int64
}

// Reporter builds reports from stored trees.
type Reporter struct {
	store db.Store
	plans plan.Provider
	memo  *cache.Cache[memoKey, decimal.Decimal]
	stats Stats
}

// New creates a reporter reading trees from store. Stop releases the memo
// cache.
func New(ctx context.Context, store db.Store, plans plan.Provider, cfg Config) *Reporter {
	maxAge := time.Duration(cfg.ResultsCacheMaxAge) * time.Millisecond
	return &Reporter{
		store: store,
		plans: plans,
		memo: cache.New(ctx,
			cache.WithMaxSize[memoKey, decimal.Decimal](cfg.ResultsCacheSize),
			cache.WithExpiry[memoKey, decimal.Decimal](maxAge),
		),
	}
}

// Stop releases background resources.
func (r *Reporter) Stop() {
	r.memo.Stop()
}

// Stats returns the counters.
func (r *Reporter) Stats() *Stats {
	return &r.stats
}

// Query reports the usage of an organization in the month containing at,
// as of at. An organization without usage gets an empty report.
func (r *Reporter) Query(ctx context.Context, orgID string, at time.Time) (*usage.AggregatedUsage, error) {
	month := carryover.MonthStart(at.UnixMilli())
	id := aggregator.DocID(orgID, month)

	var tree usage.AggregatedUsage
	err := db.GetJSON(ctx, r.store, id, &tree)
	if errors.Is(err, db.ErrNotFound) {
		empty := usage.NewAggregatedUsage(id, orgID)
		empty.Start, empty.End = month, month
		return r.Report(ctx, empty, at)
	}
	if err != nil {
		return nil, fmt.Errorf("read usage of %s: %w", orgID, err)
	}
	return r.Report(ctx, &tree, at)
}

// Report returns a copy of tree with summaries, charges and rolled up
// charges filled in as of now. Function failures yield 0 for the slot.
func (r *Reporter) Report(ctx context.Context, tree *usage.AggregatedUsage, now time.Time) (*usage.AggregatedUsage, error) {
	start := time.Now()
	out, err := tree.Clone()
	if err != nil {
		return nil, err
	}
	out.Instances = nil

	rep := &report{r: r, now: now, plans: map[string]*plan.Plan{}}
	processed := timewindow.FromMillis(out.Processed)

	out.Charge = ptr(decimal.Zero)
	for _, res := range out.Resources {
		c, err := rep.resource(ctx, res, processed)
		if err != nil {
			return nil, err
		}
		out.Charge = ptr(out.Charge.Add(c))
	}
	for _, s := range out.Spaces {
		s.Charge = ptr(decimal.Zero)
		for _, res := range s.Resources {
			c, err := rep.resource(ctx, res, processed)
			if err != nil {
				return nil, err
			}
			s.Charge = ptr(s.Charge.Add(c))
		}
		for _, cons := range s.Consumers {
			cons.Charge = ptr(decimal.Zero)
			for _, res := range cons.Resources {
				c, err := rep.resource(ctx, res, processed)
				if err != nil {
					return nil, err
				}
				cons.Charge = ptr(cons.Charge.Add(c))
			}
		}
	}
	if err := out.Charge.Err(); err != nil {
		return nil, err
	}

	r.stats.Reports.Add(1)
	reportsTotal.Inc()
	reportDuration.Observe(time.Since(start).Seconds())
	logger.Ctx(ctx).Debug().
		Str("org", out.OrganizationID).
		Stringer("charge", out.Charge).
		Msg("usage report")
	return out, nil
}

// report is the state of one Report call.
type report struct {
	r     *Reporter
	now   time.Time
	plans map[string]*plan.Plan
}

func (rep *report) plan(ctx context.Context, id string) (*plan.Plan, error) {
	if p, ok := rep.plans[id]; ok {
		return p, nil
	}
	p, err := rep.r.plans.Plan(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", id, err)
	}
	rep.plans[id] = p
	return p, nil
}

// resource fills a resource and its plans and returns the resource charge.
func (rep *report) resource(ctx context.Context, res *usage.Resource, processed time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	var plans []*plan.Plan
	for _, pu := range res.Plans {
		p, err := rep.plan(ctx, pu.PlanID)
		if err != nil {
			return decimal.Zero, err
		}
		plans = append(plans, p)

		charge := decimal.Zero
		for _, m := range pu.AggregatedUsage {
			fns, ok := p.Metric(m.Metric)
			if !ok {
				rep.unknown(p.ID, m.Metric)
				continue
			}
			charge = charge.Add(rep.metric(p.ID, fns, m, processed, true))
		}
		pu.Charge = ptr(charge)
		total = total.Add(charge)
	}

	// Resource level windows mix plans; any plan defining the metric knows
	// how to summarize it.
	for _, m := range res.AggregatedUsage {
		fns, planID := lookup(plans, m.Metric)
		if fns == nil {
			rep.unknown(res.ResourceID, m.Metric)
			continue
		}
		rep.metric(planID, fns, m, processed, false)
	}
	res.Charge = ptr(total)
	return total, total.Err()
}

func lookup(plans []*plan.Plan, metric string) (*plan.Metric, string) {
	for _, p := range plans {
		if m, ok := p.Metric(metric); ok {
			return m, p.ID
		}
	}
	return nil, ""
}

// metric fills the summary of every populated slot and, when charged, its
// charge. It returns the charge of the current month slot.
func (rep *report) metric(planID string, fns *plan.Metric, m *usage.Metric, fallback time.Time, charged bool) decimal.Decimal {
	processed := fallback
	if m.Processed > 0 {
		processed = timewindow.FromMillis(m.Processed)
	}
	month := decimal.Zero
	for i, slots := range m.Windows {
		if i >= timewindow.NumDimensions {
			break
		}
		d := timewindow.Dimension(i)
		for j, s := range slots {
			if s == nil {
				continue
			}
			b := timewindow.Bounds(processed, d, -j)
			s.Summary = ptr(rep.summarize(planID, fns, s.Quantity, b))
			if !charged {
				continue
			}
			c := rep.charge(planID, fns, s.Cost, b)
			s.Charge = ptr(c)
			if d == timewindow.Month && j == 0 {
				month = c
			}
		}
	}
	return month
}

func (rep *report) summarize(planID string, fns *plan.Metric, qty plan.Value, b timewindow.Range) decimal.Decimal {
	key := rep.key("summarize", planID, fns.Name, qty, b)
	if v, ok := rep.r.memo.Get(key); ok {
		return v
	}
	v, err := fns.Summarize(rep.now, qty, b.From, b.To)
	if err == nil {
		err = v.Err()
	}
	if err != nil {
		rep.r.stats.SummaryErrors.Add(1)
		functionErrors.WithLabelValues("summarize", fns.Name).Inc()
		logger.Warn().Err(err).Str("plan", planID).Str("metric", fns.Name).Msg("summarize failed")
		return decimal.Zero
	}
	rep.r.memo.Set(key, v)
	return v
}

func (rep *report) charge(planID string, fns *plan.Metric, cost plan.Value, b timewindow.Range) decimal.Decimal {
	key := rep.key("charge", planID, fns.Name, cost, b)
	if v, ok := rep.r.memo.Get(key); ok {
		return v
	}
	v, err := fns.Charge(rep.now, cost, b.From, b.To)
	if err == nil {
		err = v.Err()
	}
	if err != nil {
		rep.r.stats.ChargeErrors.Add(1)
		functionErrors.WithLabelValues("charge", fns.Name).Inc()
		logger.Warn().Err(err).Str("plan", planID).Str("metric", fns.Name).Msg("charge failed")
		return decimal.Zero
	}
	rep.r.memo.Set(key, v)
	return v
}

func (rep *report) key(fn, planID, metric string, v plan.Value, b timewindow.Range) memoKey {
	return memoKey{
		fn:     fn,
		plan:   planID,
		metric: metric,
		value:  string(v),
		now:    rep.now.UnixMilli(),
		from:   b.From.UnixMilli(),
		to:     b.To.UnixMilli(),
	}
}

func (rep *report) unknown(owner, metric string) {
	rep.r.stats.UnknownMetrics.Add(1)
	logger.Debug().Str("owner", owner).Str("metric", metric).Msg("metric has no plan functions")
}

func ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
