// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package accumulator folds usage events into the running accumulated
// usage of their resource instance.
//
// An event is processed in steps, each of which may call storage: dedup
// (carry-over lookup), meter, resolve (target month), load, accumulate and
// persist. All steps run under the lock of the instance key, so the
// accumulation of one instance is ordered by arrival at the lock.
package accumulator

import (
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

// ErrEventTooOld is returned for events from a previous month that arrive
// after the slack when the late policy is reject.
var ErrEventTooOld = errors.New("usage event is older than the slack")

// Stats counts processed events.
type Stats struct {
	Accumulated  atomic.Int64
	Duplicates   atomic.Int64
	Adjusted     atomic.Int64
	Rejected     atomic.Int64
	Failed       atomic.Int64
	MetricErrors atomic.Int64
}

// Result is the outcome of accumulating one event.
type Result struct {
	// Doc is the accumulated usage holding the event. For duplicates it is
	// the stored document.
	Doc *usage.AccumulatedUsage

	// Event is the event as accumulated, after timestamp adjustment.
	Event usage.Event

	Duplicate bool
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithClock replaces time.Now as the source of processing time.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

// Accumulator accumulates usage events.
type Accumulator struct {
	store     db.Store
	carry     *carryover.Store
	plans     plan.Provider
	countries plan.CountrySource
	locks     lock.Manager
	cfg       usage.Config
	now       func() time.Time
	stats     Stats
}

// New creates an accumulator writing accumulated usage to store.
func New(store db.Store, carry *carryover.Store, plans plan.Provider, countries plan.CountrySource, locks lock.Manager, cfg usage.Config, opts ...Option) *Accumulator {
	a := &Accumulator{
		store:     store,
		carry:     carry,
		plans:     plans,
		countries: countries,
		locks:     locks,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Stats returns the event counters.
func (a *Accumulator) Stats() *Stats {
	return &a.stats
}

// DocID returns the id of the accumulated usage of an instance in the month
// starting at monthStart.
func DocID(instanceKey string, monthStart int64) string {
	return db.KTURI(instanceKey, monthStart)
}

// Accumulate meters the event and folds it into the accumulated usage of
// its resource instance. A failed call changes nothing that a retry of the
// whole call does not repair.
func (a *Accumulator) Accumulate(ctx context.Context, e usage.Event) (*Result, error) {
	start := time.Now()
	res, err := a.accumulate(ctx, e)
	status := "success"
	switch {
	case err != nil:
		status = "failure"
		a.stats.Failed.Add(1)
		if errors.Is(err, ErrEventTooOld) {
			status = "rejected"
			a.stats.Rejected.Add(1)
		}
	case res.Duplicate:
		status = "duplicate"
		a.stats.Duplicates.Add(1)
	default:
		a.stats.Accumulated.Add(1)
		if res.Doc.MonthAdjusted {
			a.stats.Adjusted.Add(1)
		}
	}
	eventsTotal.WithLabelValues(status).Inc()
	duration.Observe(time.Since(start).Seconds())
	return res, err
}

func (a *Accumulator) accumulate(ctx context.Context, e usage.Event) (*Result, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	p, err := a.plans.Plan(ctx, e.PlanID)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", e.PlanID, err)
	}

	u := &unit{a: a, plan: p, event: e, guid: e.GUID()}
	if err := lock.With(ctx, a.locks, "accumulate/"+e.InstanceKey(), u.run); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("instance", e.InstanceKey()).
			Str("guid", u.guid).
			Str("state", u.state.String()).
			Msg("accumulation failed")
		return nil, err
	}
	return &Result{Doc: u.doc, Event: u.event, Duplicate: u.duplicate}, nil
}

// state is the progress of a unit of work.
type state int

const (
	stateIdle state = iota
	stateAccumulating
	statePersisted
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAccumulating:
		return "accumulating"
	case statePersisted:
		return "persisted"
	}
	return "unknown"
}

// unit is the accumulation of one event.
type unit struct {
	a     *Accumulator
	plan  *plan.Plan
	event usage.Event
	guid  string
	state state

	duplicate bool
	metered   map[string]plan.Value
	failed    map[string]string
	month     int64
	processed int64
	adjusted  bool
	country   string
	prev      *usage.AccumulatedUsage
	doc       *usage.AccumulatedUsage
}

type step struct {
	name string
	fn   func(ctx context.Context) error
}

func (u *unit) run(ctx context.Context) error {
	steps := []step{
		{"dedup", u.dedup},
		{"meter", u.meter},
		{"resolve", u.resolve},
		{"load", u.load},
		{"accumulate", u.accumulate},
		{"persist", u.persist},
	}
	for _, s := range steps {
		if u.state == statePersisted {
			return nil
		}
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// dedup consults the carry-over record of the instance: a record written
// for the same event marks a duplicate, a record at or after the event
// moves the event past it.
func (u *unit) dedup(ctx context.Context) error {
	adjusted, dup, err := u.a.carry.AdjustTimestamp(ctx, u.event, u.guid)
	if err != nil {
		return err
	}
	u.event = adjusted
	u.duplicate = dup
	return nil
}

func (u *unit) meter(ctx context.Context) error {
	if u.duplicate {
		return nil
	}
	measures := u.event.Measures()
	u.metered = make(map[string]plan.Value, len(u.plan.Metrics))
	u.failed = make(map[string]string)
	for _, m := range u.plan.Metrics {
		v, err := m.Meter(measures)
		if err != nil {
			u.fail(ctx, m.Name, err)
			continue
		}
		if v == nil {
			continue
		}
		u.metered[m.Name] = v
	}
	return nil
}

func (u *unit) fail(ctx context.Context, metric string, err error) {
	u.failed[metric] = err.Error()
	u.a.stats.MetricErrors.Add(1)
	metricErrors.WithLabelValues(metric).Inc()
	logger.Ctx(ctx).Warn().Err(err).
		Str("metric", metric).
		Str("guid", u.guid).
		Msg("metric function failed")
}

// resolve picks the month the event is accounted to and the processed
// watermark. Events from an earlier month still inside the slack go to that
// month, processed at its last millisecond. Older ones follow the late
// policy.
func (u *unit) resolve(ctx context.Context) error {
	now := u.a.now().UTC()
	u.processed = max(now.UnixMilli(), u.event.End)
	u.month = carryover.MonthStart(u.processed)

	if startMonth := carryover.MonthStart(u.event.Start); startMonth < u.month {
		slackStart := u.a.cfg.SlackWindow().Start(now).UnixMilli()
		switch {
		case u.event.End >= slackStart:
			u.month = startMonth
			u.processed = timewindow.Add(timewindow.FromMillis(startMonth), timewindow.Month, 1).UnixMilli() - 1
		case u.a.cfg.LatePolicy == usage.LateReject:
			return fmt.Errorf("%w: event ending %s, slack started %s", ErrEventTooOld,
				timewindow.FromMillis(u.event.End).Format(time.RFC3339), timewindow.FromMillis(slackStart).Format(time.RFC3339))
		default:
			u.adjusted = true
		}
	}

	if u.duplicate {
		return nil
	}
	c, err := u.a.countries.Country(ctx, u.event.OrganizationID)
	if err != nil {
		return fmt.Errorf("pricing country of %s: %w", u.event.OrganizationID, err)
	}
	u.country = c
	return nil
}

// load reads the instance's accumulated usage of the target month. A
// document that already holds the event, or a later one when the event is
// a renewal, makes the event a duplicate.
func (u *unit) load(ctx context.Context) error {
	id := DocID(u.event.InstanceKey(), u.month)
	var prev usage.AccumulatedUsage
	err := db.GetJSON(ctx, u.a.store, id, &prev)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return err
	default:
		u.prev = &prev
	}

	if u.duplicate {
		u.doc = u.prev
		u.state = statePersisted
		return nil
	}
	if u.prev == nil {
		return nil
	}
	switch {
	case u.prev.ProcessedID == u.guid:
		// The document was written but maybe not the carry-over record.
		if err := u.writeCarryOver(ctx); err != nil {
			return err
		}
	case u.prev.Recent.Contains(u.guid):
	case u.event.IsRenewal() && u.prev.End >= u.event.End:
	default:
		return nil
	}
	u.duplicate = true
	u.doc = u.prev
	u.state = statePersisted
	return nil
}

func (u *unit) accumulate(ctx context.Context) error {
	u.state = stateAccumulating
	e := &u.event
	doc := u.prev
	if doc == nil {
		doc = &usage.AccumulatedUsage{Start: e.Start}
	}
	doc.ID = DocID(e.InstanceKey(), u.month)
	doc.OrganizationID = e.OrganizationID
	doc.SpaceID = e.SpaceID
	doc.ConsumerID = e.ConsumerOrUnknown()
	doc.ResourceID = e.ResourceID
	doc.PlanID = e.PlanID
	doc.ResourceInstanceID = e.ResourceInstanceID
	doc.End = e.End

	processed := u.processed
	if u.prev != nil && u.prev.Processed > processed {
		processed = u.prev.Processed
	}
	procT := timewindow.FromMillis(processed)
	for _, m := range doc.AccumulatedUsage {
		if u.prev != nil {
			m.Windows.ShiftAll(timewindow.FromMillis(u.prev.Processed), procT)
		}
		settle(m.Windows)
	}

	// Late events reassigned to the processing month count as current.
	eventT := timewindow.FromMillis(e.End)
	if u.adjusted {
		eventT = procT
	}

	sizes := u.a.cfg.Sizes()
	for _, m := range u.plan.Metrics {
		v, ok := u.metered[m.Name]
		if !ok {
			continue
		}
		am := doc.Metric(m.Name, sizes)
		work := am.Windows.Clone(cloneSlot)
		price := u.plan.Price(m.Name, u.country)
		if err := u.fold(work, m.Functions, v, price, procT, eventT); err != nil {
			u.fail(ctx, m.Name, err)
			continue
		}
		am.Windows = work
	}

	doc.Processed = processed
	doc.ProcessedID = u.guid
	doc.Recent = u.a.cfg.Remember(doc.Recent, u.guid, e.End)
	doc.Seq++
	doc.MonthAdjusted = u.adjusted
	doc.FailedMetrics = nil
	if len(u.failed) > 0 {
		doc.FailedMetrics = u.failed
	}
	u.doc = doc
	return nil
}

// fold accumulates metered value v into every dimension that still tracks
// the event, then rates every populated slot.
func (u *unit) fold(w timewindow.Windows[*usage.AccumSlot], fns plan.Functions, v plan.Value, price decimal.Decimal, procT, eventT time.Time) error {
	slack := u.a.cfg.SlackWindow()
	for _, d := range timewindow.Dimensions {
		i := timewindow.Index(w[d], procT, eventT, d, false)
		if i < 0 || !slack.Retains(procT, eventT, d) {
			continue
		}
		var old plan.Value
		if w[d][i] != nil {
			old = w[d][i].Quantity.Current
		}
		cur, err := fns.Accumulate(old, v)
		if err != nil {
			return err
		}
		w[d][i] = &usage.AccumSlot{Quantity: usage.Quantity{Previous: old, Current: cur}}
	}
	for _, slots := range w {
		for _, s := range slots {
			if s == nil || plan.IsNull(s.Quantity.Current) {
				continue
			}
			cost, err := fns.Rate(price, s.Quantity.Current)
			if err != nil {
				return err
			}
			s.Cost = cost
		}
	}
	return nil
}

func (u *unit) persist(ctx context.Context) error {
	if err := db.PutJSON(ctx, u.a.store, u.doc.ID, u.doc); err != nil {
		return err
	}
	u.state = statePersisted
	return u.writeCarryOver(ctx)
}

func (u *unit) writeCarryOver(ctx context.Context) error {
	return u.a.carry.Write(ctx, &u.event, carryover.CollectorResponse{
		CollectorID: u.a.cfg.CollectorID,
		EventGUID:   u.guid,
	})
}

// settle marks every slot as folded: the previous quantity becomes the
// current one.
func settle(w timewindow.Windows[*usage.AccumSlot]) {
	for _, slots := range w {
		for _, s := range slots {
			if s != nil {
				s.Quantity.Previous = s.Quantity.Current
			}
		}
	}
}

func cloneSlot(s *usage.AccumSlot) *usage.AccumSlot {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
