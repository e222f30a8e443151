// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/accumulator"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/aggregator"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/carryover"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db/memory"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/lock"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/plan"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/reporting"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/taskqueue"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/timewindow"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/usage"
)

const (
	// 2015-01-03T12:00:00Z
	noon = int64(1420286400000)
	// 2015-02-01T00:00:00Z
	february = int64(1422748800000)
)

// recordingSink keeps published reports and fails while failures > 0.
type recordingSink struct {
	mu       sync.Mutex
	reports  []*usage.AggregatedUsage
	failures int
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, r *usage.AggregatedUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.reports = append(s.reports, r)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) published() []*usage.AggregatedUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*usage.AggregatedUsage(nil), s.reports...)
}

type fixture struct {
	p     *Pipeline
	q     *taskqueue.MemoryQueue
	docs  *memory.Store
	carry *carryover.Store
	rep   *reporting.Reporter
	sink  *recordingSink
	now   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := usage.DefaultConfig()
	require.NoError(t, cfg.Validate())
	pcfg := DefaultConfig()
	require.NoError(t, pcfg.Validate())

	lib := plan.NewLibrary(ctx, plan.NewStaticSource(
		plan.PlanConfig{
			PlanID: "basic",
			Metrics: []plan.MetricConfig{
				{Name: "heavy_api_calls", Prices: []plan.PriceConfig{{Country: "USA", Price: "0.03"}}},
			},
		},
		plan.PlanConfig{
			PlanID: "memory",
			Metrics: []plan.MetricConfig{{
				Name:       "memory",
				Type:       plan.StrategyTimeBased,
				Measure:    "current_instance_memory",
				Multiplier: "current_running_instances",
			}},
		},
	), plan.DefaultLibraryConfig())
	t.Cleanup(lib.Close)

	locks := lock.NewLocal(time.Second)
	trees := memory.New()
	f := &fixture{
		q:     taskqueue.NewMemoryQueue(),
		docs:  memory.New(),
		carry: carryover.New(memory.New(), locks, cfg),
		sink:  &recordingSink{},
		now:   noon + time.Minute.Milliseconds(),
	}
	f.rep = reporting.New(ctx, trees, lib, reporting.DefaultConfig())
	t.Cleanup(f.rep.Stop)

	clock := func() time.Time { return time.UnixMilli(f.now) }
	f.p = New(Options{
		Queue:       f.q,
		Docs:        f.docs,
		Carry:       f.carry,
		Accumulator: accumulator.New(f.docs, f.carry, lib, plan.StaticCountries{}, locks, cfg, accumulator.WithClock(clock)),
		Aggregator:  aggregator.New(trees, lib, plan.StaticCountries{}, locks, cfg),
		Reporter:    f.rep,
		Sink:        f.sink,
		Usage:       cfg,
		Config:      pcfg,
		Now:         clock,
	})
	return f
}

// drain runs every available task and returns the number run.
func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	handlers, err := f.p.Handlers()
	require.NoError(t, err)
	byType := map[taskqueue.TaskType]taskqueue.Handler{}
	for _, h := range handlers {
		byType[h.Type()] = h
	}

	n := 0
	for {
		task, err := f.q.Dequeue(ctx, "test")
		require.NoError(t, err)
		if task == nil {
			return n
		}
		n++
		if err := byType[task.Type].Handle(ctx, task); err != nil {
			require.NoError(t, f.q.Fail(ctx, task.ID, err))
			continue
		}
		require.NoError(t, f.q.Complete(ctx, task.ID))
	}
}

func apiCalls(at int64, instance, calls string) usage.Event {
	return usage.Event{
		Start:              at,
		End:                at,
		OrganizationID:     "org",
		SpaceID:            "space",
		ConsumerID:         "app",
		ResourceID:         "object-storage",
		PlanID:             "basic",
		ResourceInstanceID: instance,
		MeasuredUsage:      []usage.Measure{{Measure: "heavy_api_calls", Quantity: plan.Value(calls)}},
	}
}

func memoryUsage(at int64, instance, gb string) usage.Event {
	return usage.Event{
		Start:              at,
		End:                at,
		OrganizationID:     "org",
		SpaceID:            "space",
		ConsumerID:         "app",
		ResourceID:         "linux-container",
		PlanID:             "memory",
		ResourceInstanceID: instance,
		MeasuredUsage: []usage.Measure{
			{Measure: "current_instance_memory", Quantity: plan.Value(gb)},
			{Measure: "current_running_instances", Quantity: plan.Value("1")},
			{Measure: "previous_instance_memory", Quantity: plan.Value("0")},
		},
	}
}

func monthSummary(t *testing.T, r *usage.AggregatedUsage) string {
	t.Helper()
	require.NotEmpty(t, r.Resources)
	require.NotEmpty(t, r.Resources[0].Plans)
	m := r.Resources[0].Plans[0].AggregatedUsage[0]
	slot := m.Windows[timewindow.Month][0]
	require.NotNil(t, slot)
	require.NotNil(t, slot.Summary)
	return slot.Summary.String()
}

func TestPipeline_EndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	for i := range 3 {
		_, err := f.p.Submitter().Submit(ctx, apiCalls(noon+int64(i)*1000, "i1", "100"))
		require.NoError(t, err)
	}

	// 3 accumulations, each followed by an aggregation
	assert.Equal(t, 6, f.drain(t))

	stats, err := f.q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.Completed)

	// The first aggregation folds the latest document, the others skip it
	published := f.sink.published()
	require.Len(t, published, 1)
	assert.Equal(t, "300", monthSummary(t, published[0]))
	assert.Equal(t, "9", published[0].Charge.String())
	assert.Nil(t, published[0].Instances)

	report, err := f.rep.Query(ctx, "org", time.UnixMilli(f.now))
	require.NoError(t, err)
	assert.Equal(t, "300", monthSummary(t, report))
}

func TestPipeline_ReplayedEventsAreNotCountedTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	e := apiCalls(noon, "i1", "100")
	e.DedupID = "event-1"
	for range 2 {
		_, err := f.p.Submitter().Submit(ctx, e)
		require.NoError(t, err)
	}
	f.drain(t)

	report, err := f.rep.Query(ctx, "org", time.UnixMilli(f.now))
	require.NoError(t, err)
	assert.Equal(t, "100", monthSummary(t, report))
}

func TestPipeline_RedeliveredOlderEventIsNotCountedTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a, b := apiCalls(noon, "i1", "100"), apiCalls(noon+1000, "i1", "100")
	for _, e := range []usage.Event{a, b, a} {
		_, err := f.p.Submitter().Submit(ctx, e)
		require.NoError(t, err)
		f.drain(t)
	}

	var doc usage.AccumulatedUsage
	require.NoError(t, db.GetJSON(ctx, f.docs, accumulator.DocID("org/i1/app/basic", carryover.MonthStart(noon)), &doc))
	assert.Equal(t, int64(2), doc.Seq)

	report, err := f.rep.Query(ctx, "org", time.UnixMilli(f.now))
	require.NoError(t, err)
	assert.Equal(t, "200", monthSummary(t, report))
}

func TestPipeline_PublishFailureIsRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.sink.failures = 1

	_, err := f.p.Submitter().Submit(ctx, apiCalls(noon, "i1", "100"))
	require.NoError(t, err)
	f.drain(t)
	assert.Empty(t, f.sink.published())

	tasks, err := f.q.List(ctx, taskqueue.TaskFilter{Type: taskqueue.TaskTypeAggregate})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, taskqueue.StatusPending, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Contains(t, task.LastError, "sink unavailable")

	// The tree was saved before publishing failed: the retry skips the
	// fold but still publishes
	handlers, err := f.p.Handlers(taskqueue.TaskTypeAggregate)
	require.NoError(t, err)
	require.NoError(t, handlers[0].Handle(ctx, task))
	published := f.sink.published()
	require.Len(t, published, 1)
	assert.Equal(t, "100", monthSummary(t, published[0]))
}

func TestPipeline_PermanentFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	unknownPlan := apiCalls(noon, "i1", "100")
	unknownPlan.PlanID = "nope"
	invalid := apiCalls(noon, "i2", "100")
	invalid.SpaceID = ""

	var ids []string
	for _, e := range []usage.Event{unknownPlan, invalid} {
		task, err := taskqueue.NewTask(taskqueue.TaskTypeAccumulate, e.InstanceKey(), e)
		require.NoError(t, err)
		require.NoError(t, f.q.Enqueue(ctx, task))
		ids = append(ids, task.ID)
	}
	garbage := &taskqueue.Task{Type: taskqueue.TaskTypeAggregate, Payload: []byte(`"x"`)}
	require.NoError(t, f.q.Enqueue(ctx, garbage))
	missing, err := taskqueue.NewTask(taskqueue.TaskTypeAggregate, "k/none", aggregatePayload{DocID: "k/org/none/app/basic/t/0001420070400000"})
	require.NoError(t, err)
	require.NoError(t, f.q.Enqueue(ctx, missing))
	ids = append(ids, garbage.ID, missing.ID)

	assert.Equal(t, 4, f.drain(t))
	for _, id := range ids {
		task, err := f.q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, taskqueue.StatusDeadLetter, task.Status, task.LastError)
		assert.Equal(t, 1, task.Attempts)
	}
}

func TestPipeline_Handlers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	handlers, err := f.p.Handlers()
	require.NoError(t, err)
	require.Len(t, handlers, 3)
	assert.Equal(t, taskqueue.TaskTypeAccumulate, handlers[0].Type())

	_, err = f.p.Handlers("bogus")
	assert.Error(t, err)

	bare := New(Options{Queue: f.q})
	_, err = bare.Handlers(taskqueue.TaskTypeAccumulate)
	assert.Error(t, err)
	_, err = bare.Handlers(taskqueue.TaskTypeAggregate)
	assert.Error(t, err)
	handlers, err = bare.Handlers(taskqueue.TaskTypeRenew)
	require.NoError(t, err)
	require.Len(t, handlers, 1)
}

func TestRenew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	for _, e := range []usage.Event{
		memoryUsage(noon, "running", "2"),
		memoryUsage(noon, "stopped", "2"),
		memoryUsage(noon+1000, "stopped", "0"),
		apiCalls(noon, "calls", "100"),
	} {
		_, err := f.p.Submitter().Submit(ctx, e)
		require.NoError(t, err)
	}
	f.drain(t)

	f.now = february + time.Hour.Milliseconds()
	task, err := f.p.ScheduleRenew(ctx, time.UnixMilli(f.now))
	require.NoError(t, err)
	assert.Equal(t, "2015-02", task.Key)
	assert.Equal(t, taskqueue.PriorityLow, task.Priority)
	f.drain(t)

	var doc usage.AccumulatedUsage
	key := "org/running/app/memory"
	require.NoError(t, db.GetJSON(ctx, f.docs, accumulator.DocID(key, february), &doc))
	assert.Equal(t, february, doc.Start)
	assert.Equal(t, int64(1), doc.Seq)
	assert.Equal(t, "renew/1422748800000/"+carryover.Key(&usage.Event{
		Start: noon, OrganizationID: "org", SpaceID: "space", ConsumerID: "app",
		ResourceID: "linux-container", PlanID: "memory", ResourceInstanceID: "running",
	}), doc.ProcessedID)

	err = db.GetJSON(ctx, f.docs, accumulator.DocID("org/stopped/app/memory", february), &doc)
	assert.ErrorIs(t, err, db.ErrNotFound)
	err = db.GetJSON(ctx, f.docs, accumulator.DocID("org/calls/app/basic", february), &doc)
	assert.ErrorIs(t, err, db.ErrNotFound)

	// Renewing again changes nothing
	res, err := f.p.Renewer().Renew(ctx, time.UnixMilli(f.now))
	require.NoError(t, err)
	assert.Equal(t, RenewResult{Pages: 1, Skipped: 2}, res)
	f.drain(t)
	require.NoError(t, db.GetJSON(ctx, f.docs, accumulator.DocID(key, february), &doc))
	assert.Equal(t, int64(1), doc.Seq)
}

func TestRenew_AfterLaterEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.p.Submitter().Submit(ctx, memoryUsage(noon, "running", "2"))
	require.NoError(t, err)
	f.drain(t)

	f.now = february + time.Hour.Milliseconds()
	res, err := f.p.Renewer().Renew(ctx, time.UnixMilli(f.now))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Renewed)
	f.drain(t)

	_, err = f.p.Submitter().Submit(ctx, memoryUsage(february+30*time.Minute.Milliseconds(), "running", "4"))
	require.NoError(t, err)
	f.drain(t)

	id := accumulator.DocID("org/running/app/memory", february)
	var before usage.AccumulatedUsage
	require.NoError(t, db.GetJSON(ctx, f.docs, id, &before))
	require.Equal(t, int64(2), before.Seq)

	// A repeated run finds the instance already continued
	res, err = f.p.Renewer().Renew(ctx, time.UnixMilli(f.now))
	require.NoError(t, err)
	assert.Equal(t, RenewResult{Pages: 1, Skipped: 1}, res)

	// So does a renewal still queued from an earlier run
	jan := memoryUsage(noon, "running", "2")
	stale := memoryUsage(february, "running", "2")
	stale.MeasuredUsage = stale.MeasuredUsage[:2]
	stale.DedupID = usage.RenewalID(february, carryover.Key(&jan))
	_, err = f.p.Submitter().Submit(ctx, stale)
	require.NoError(t, err)
	f.drain(t)

	var after usage.AccumulatedUsage
	require.NoError(t, db.GetJSON(ctx, f.docs, id, &after))
	assert.Equal(t, before, after)
}

func TestRenew_NoCarryOver(t *testing.T) {
	t.Parallel()
	r := NewRenewer(nil, nil, usage.DefaultConfig(), 10)
	_, err := r.Renew(context.Background(), time.UnixMilli(february))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultConfig(), cfg)

	cfg = Config{SubmitRate: -1}
	assert.Error(t, cfg.Validate())
}
