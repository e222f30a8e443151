// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline connects the metering stages through the task queue.
//
// An accumulate task carries one usage event. Once the event is folded into
// its instance's accumulated usage, an aggregate task carrying the id of
// that document is enqueued; aggregation folds the document into the
// organization tree and publishes the resulting report to the sink. A
// renew task carries running resources over into a new month.
//
// Every handler can run again after a crash at any point: accumulation
// suppresses duplicate events and aggregation skips documents it has
// already folded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/accumulator"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/aggregator"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/carryover"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/plan"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/reporting"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/sink"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/taskqueue"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/timewindow"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/usage"
)

// Config holds the pipeline settings.
type Config struct {
	// SubmitRate limits submitted events per second. 0 disables the limit.
	SubmitRate float64 `mapstructure:"submit_rate"`

	// SubmitBurst is the number of events submitted without waiting.
	// Default: 100.
	SubmitBurst int `mapstructure:"submit_burst"`

	// FlushSize is the number of buffered events that triggers a flush of
	// the collector.
	// Default: 100.
	FlushSize int `mapstructure:"flush_size"`

	// FlushInterval is how often the collector flushes.
	// Default: 1s.
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// RenewPageSize is the number of carry-over records read per page when
	// renewing a month.
	// Default: 100.
	RenewPageSize int `mapstructure:"renew_page_size"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		SubmitBurst:   100,
		FlushSize:     100,
		FlushInterval: time.Second,
		RenewPageSize: 100,
	}
}

// Validate checks the config and applies defaults.
func (c *Config) Validate() error {
	if c.SubmitRate < 0 {
		return fmt.Errorf("submit_rate must not be negative, got %v", c.SubmitRate)
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 100
	}
	if c.FlushSize <= 0 {
		c.FlushSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.RenewPageSize <= 0 {
		c.RenewPageSize = 100
	}
	return nil
}

// Options are the stages and stores a Pipeline runs on.
type Options struct {
	Queue       taskqueue.Queue
	Docs        db.Store // accumulated usage
	Carry       *carryover.Store
	Accumulator *accumulator.Accumulator
	Aggregator  *aggregator.Aggregator
	Reporter    *reporting.Reporter
	Sink        sink.Sink
	Usage       usage.Config
	Config      Config

	// Now is the clock of reports. Default: time.Now.
	Now func() time.Time
}

// Pipeline owns the task handlers of every stage.
type Pipeline struct {
	queue     taskqueue.Queue
	docs      db.Store
	acc       *accumulator.Accumulator
	agg       *aggregator.Aggregator
	rep       *reporting.Reporter
	sink      sink.Sink
	submitter *Submitter
	renewer   *Renewer
	now       func() time.Time
}

// New creates a pipeline. Config must have been validated.
func New(o Options) *Pipeline {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sink == nil {
		o.Sink = sink.Nop{}
	}
	sub := NewSubmitter(o.Queue, o.Config.SubmitRate, o.Config.SubmitBurst)
	return &Pipeline{
		queue:     o.Queue,
		docs:      o.Docs,
		acc:       o.Accumulator,
		agg:       o.Aggregator,
		rep:       o.Reporter,
		sink:      o.Sink,
		submitter: sub,
		renewer:   NewRenewer(o.Carry, sub, o.Usage, o.Config.RenewPageSize),
		now:       o.Now,
	}
}

// Submitter returns the submitter feeding accumulate tasks.
func (p *Pipeline) Submitter() *Submitter { return p.submitter }

// Renewer returns the month renewer.
func (p *Pipeline) Renewer() *Renewer { return p.renewer }

// Stages lists every task type the pipeline handles.
var Stages = []taskqueue.TaskType{taskqueue.TaskTypeAccumulate, taskqueue.TaskTypeAggregate, taskqueue.TaskTypeRenew}

// Handlers returns the handlers of the given stages, all when none are
// given.
func (p *Pipeline) Handlers(stages ...taskqueue.TaskType) ([]taskqueue.Handler, error) {
	if len(stages) == 0 {
		stages = Stages
	}
	handlers := make([]taskqueue.Handler, 0, len(stages))
	for _, s := range stages {
		var fn func(context.Context, *taskqueue.Task) error
		switch s {
		case taskqueue.TaskTypeAccumulate:
			if p.acc == nil {
				return nil, fmt.Errorf("stage %s needs an accumulator", s)
			}
			fn = p.accumulate
		case taskqueue.TaskTypeAggregate:
			if p.agg == nil {
				return nil, fmt.Errorf("stage %s needs an aggregator", s)
			}
			fn = p.aggregate
		case taskqueue.TaskTypeRenew:
			fn = p.renew
		default:
			return nil, fmt.Errorf("unknown stage %q", s)
		}
		handlers = append(handlers, taskqueue.HandlerFunc{TaskType: s, Fn: fn})
	}
	return handlers, nil
}

// permanent reports errors that no retry of the task can fix.
func permanent(err error) bool {
	return errors.Is(err, usage.ErrInvalidEvent) ||
		errors.Is(err, accumulator.ErrEventTooOld) ||
		errors.Is(err, aggregator.ErrInvalidUsage) ||
		errors.Is(err, plan.ErrPlanNotFound)
}

func (p *Pipeline) accumulate(ctx context.Context, task *taskqueue.Task) error {
	e, err := taskqueue.UnmarshalPayload[usage.Event](task.Payload)
	if err != nil {
		return taskqueue.Permanent(fmt.Errorf("%w: %v", taskqueue.ErrInvalidPayload, err))
	}
	res, err := p.acc.Accumulate(ctx, e)
	if err != nil {
		if permanent(err) {
			return taskqueue.Permanent(err)
		}
		return err
	}
	// Duplicates enqueue again: the first run may have crashed before
	// enqueueing, and aggregation skips what it has seen.
	if res.Doc == nil {
		return nil
	}
	next, err := taskqueue.NewTask(taskqueue.TaskTypeAggregate, res.Doc.ID, aggregatePayload{DocID: res.Doc.ID, Seq: res.Doc.Seq})
	if err != nil {
		return err
	}
	if err := p.queue.Enqueue(ctx, next); err != nil {
		return fmt.Errorf("enqueue aggregation of %s: %w", res.Doc.ID, err)
	}
	return nil
}

type aggregatePayload struct {
	DocID string `json:"doc_id"`
	Seq   int64  `json:"seq"`
}

func (p *Pipeline) aggregate(ctx context.Context, task *taskqueue.Task) error {
	pl, err := taskqueue.UnmarshalPayload[aggregatePayload](task.Payload)
	if err != nil || pl.DocID == "" {
		return taskqueue.Permanent(fmt.Errorf("%w: aggregate %s", taskqueue.ErrInvalidPayload, task.Payload))
	}

	var acc usage.AccumulatedUsage
	if err := db.GetJSON(ctx, p.docs, pl.DocID, &acc); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return taskqueue.Permanent(err)
		}
		return err
	}
	res, err := p.agg.Aggregate(ctx, &acc)
	if err != nil {
		if permanent(err) {
			return taskqueue.Permanent(err)
		}
		return err
	}
	if len(res.FailedMetrics) > 0 {
		logger.Ctx(ctx).Warn().
			Str("doc", pl.DocID).
			Interface("failed_metrics", res.FailedMetrics).
			Msg("metrics not aggregated")
	}
	// A retried task may have failed publishing after the tree was saved
	if res.Skipped && task.Attempts == 0 {
		return nil
	}
	return p.publish(ctx, res.Doc)
}

func (p *Pipeline) publish(ctx context.Context, tree *usage.AggregatedUsage) error {
	if _, ok := p.sink.(sink.Nop); ok || p.rep == nil {
		return nil
	}
	report, err := p.rep.Report(ctx, tree, p.now())
	if err != nil {
		return fmt.Errorf("report %s: %w", tree.ID, err)
	}
	if err := p.sink.Publish(ctx, report); err != nil {
		return fmt.Errorf("publish %s to %s: %w", tree.ID, p.sink.Name(), err)
	}
	return nil
}

type renewPayload struct {
	Month int64 `json:"month"`
}

// ScheduleRenew enqueues the renewal of the month containing t.
func (p *Pipeline) ScheduleRenew(ctx context.Context, t time.Time) (*taskqueue.Task, error) {
	month := timewindow.ZeroLowerDimensions(t.UTC(), timewindow.Month)
	task, err := taskqueue.NewTask(taskqueue.TaskTypeRenew, month.Format("2006-01"), renewPayload{Month: month.UnixMilli()})
	if err != nil {
		return nil, err
	}
	task.Priority = taskqueue.PriorityLow
	if err := p.queue.Enqueue(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (p *Pipeline) renew(ctx context.Context, task *taskqueue.Task) error {
	pl, err := taskqueue.UnmarshalPayload[renewPayload](task.Payload)
	if err != nil || pl.Month <= 0 {
		return taskqueue.Permanent(fmt.Errorf("%w: renew %s", taskqueue.ErrInvalidPayload, task.Payload))
	}
	_, err = p.renewer.Renew(ctx, timewindow.FromMillis(pl.Month))
	return err
}
