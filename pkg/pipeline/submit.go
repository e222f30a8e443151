// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/taskqueue"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/usage"

	"golang.org/x/time/rate"
)

// Submitter turns usage events into accumulate tasks.
type Submitter struct {
	queue   taskqueue.Queue
	limiter *rate.Limiter
}

// NewSubmitter creates a submitter allowing perSecond events per second
// with the given burst. A perSecond of 0 disables the limit.
func NewSubmitter(q taskqueue.Queue, perSecond float64, burst int) *Submitter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Submitter{queue: q, limiter: rate.NewLimiter(limit, max(burst, 1))}
}

// Submit validates the event and enqueues it, waiting for the rate limit.
func (s *Submitter) Submit(ctx context.Context, e usage.Event) (*taskqueue.Task, error) {
	if err := e.Validate(); err != nil {
		submittedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		submittedTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	task, err := taskqueue.NewTask(taskqueue.TaskTypeAccumulate, e.InstanceKey(), e)
	if err == nil {
		err = s.queue.Enqueue(ctx, task)
	}
	if err != nil {
		submittedTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	submittedTotal.WithLabelValues("success").Inc()
	return task, nil
}

// Collector buffers events and submits them in batches, by size or on a
// timer. Events that fail to submit are kept for the next flush.
type Collector struct {
	sub       *Submitter
	flushSize int
	interval  time.Duration

	mu     sync.Mutex
	buffer []usage.Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector creates a collector. Config must have been validated.
func NewCollector(sub *Submitter, cfg Config) *Collector {
	return &Collector{
		sub:       sub,
		flushSize: cfg.FlushSize,
		interval:  cfg.FlushInterval,
		buffer:    make([]usage.Event, 0, cfg.FlushSize),
	}
}

// Record buffers an event.
func (c *Collector) Record(ctx context.Context, e usage.Event) {
	c.mu.Lock()
	c.buffer = append(c.buffer, e)
	full := len(c.buffer) >= c.flushSize
	c.mu.Unlock()

	if full {
		c.Flush(ctx)
	}
}

// Start begins the periodic flush.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.flushLoop(ctx)
	logger.Info().
		Int("flush_size", c.flushSize).
		Dur("flush_interval", c.interval).
		Msg("usage collector started")
}

// Stop ends the periodic flush and flushes what is left.
func (c *Collector) Stop(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.Flush(ctx)
	logger.Info().Int("pending", c.Pending()).Msg("usage collector stopped")
}

// Pending returns the number of buffered events.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

func (c *Collector) flushLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// Flush submits the buffered events. It returns the number submitted.
func (c *Collector) Flush(ctx context.Context) int {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return 0
	}
	events := c.buffer
	c.buffer = make([]usage.Event, 0, c.flushSize)
	c.mu.Unlock()

	for i, e := range events {
		_, err := c.sub.Submit(ctx, e)
		if err == nil {
			continue
		}
		if errors.Is(err, usage.ErrInvalidEvent) {
			logger.Warn().Err(err).Str("instance", e.InstanceKey()).Msg("dropping invalid usage event")
			collectorDropped.Add(1)
			continue
		}
		logger.Error().Err(err).Int("count", len(events)-i).Msg("failed to flush usage events")
		c.requeue(events[i:])
		return i
	}
	logger.Debug().Int("count", len(events)).Msg("flushed usage events")
	return len(events)
}

// requeue puts failed events back in front of the buffer, dropping the
// oldest when the buffer grows past three flushes.
func (c *Collector) requeue(events []usage.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = append(events, c.buffer...)
	if limit := c.flushSize * 3; len(c.buffer) > limit {
		keep := c.flushSize * 2
		dropped := len(c.buffer) - keep
		logger.Warn().Int("dropped", dropped).Msg("dropping oldest usage events")
		collectorDropped.Add(float64(dropped))
		c.buffer = append([]usage.Event(nil), c.buffer[dropped:]...)
	}
}
