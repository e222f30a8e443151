// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
)

// Worker polls the queue and executes tasks.
type Worker struct {
	id       string
	queue    Queue
	handlers map[TaskType]Handler

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	concurrency       int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WorkerConfig configures the task worker.
type WorkerConfig struct {
	ID           string
	Queue        Queue
	PollInterval time.Duration
	Concurrency  int

	// HeartbeatInterval is how often a running task is kept alive.
	// Default: a third of DefaultVisibilityTimeout.
	HeartbeatInterval time.Duration
}

// NewWorker creates a new task worker.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultVisibilityTimeout / 3
	}

	return &Worker{
		id:                cfg.ID,
		queue:             cfg.Queue,
		handlers:          make(map[TaskType]Handler),
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		concurrency:       cfg.Concurrency,
		stopCh:            make(chan struct{}),
	}
}

// RegisterHandler registers a handler for a task type. Handlers must be
// registered before Start.
func (w *Worker) RegisterHandler(h Handler) {
	if h == nil {
		return
	}
	w.handlers[h.Type()] = h
	logger.Debug().
		Str("type", string(h.Type())).
		Msg("taskqueue: registered handler")
}

// Start begins processing tasks.
func (w *Worker) Start(ctx context.Context) {
	types := w.HandlerTypes()
	if len(types) == 0 {
		logger.Warn().Msg("taskqueue: worker started with no handlers")
		return
	}

	logger.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.concurrency).
		Int("handlers", len(types)).
		Msg("taskqueue: worker starting")

	for range w.concurrency {
		w.wg.Add(1)
		go w.work(ctx, types)
	}
}

// Stop gracefully shuts down the worker, waiting for running tasks.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	logger.Info().Str("worker_id", w.id).Msg("taskqueue: worker stopped")
}

func (w *Worker) work(ctx context.Context, types []TaskType) {
	defer w.wg.Done()
	WorkerActive.Inc()
	defer WorkerActive.Dec()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain the queue before waiting for the next tick
			for w.processOne(ctx, types) {
				select {
				case <-w.stopCh:
					return
				default:
				}
			}
		}
	}
}

// processOne runs one task and reports whether there was one.
func (w *Worker) processOne(ctx context.Context, types []TaskType) bool {
	task, err := w.queue.Dequeue(ctx, w.id, types...)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			DequeueErrors.Inc()
			logger.Error().Err(err).Msg("taskqueue: dequeue failed")
		}
		return false
	}
	if task == nil {
		return false
	}

	handler, ok := w.handlers[task.Type]
	if !ok {
		logger.Error().
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Msg("taskqueue: no handler for task type")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "no_handler").Inc()
		w.finish(ctx, task, fmt.Errorf("no handler registered for %s", task.Type))
		return true
	}

	log := logger.Ctx(ctx).With().
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Str("key", task.Key).
		Int("attempt", task.Attempts).
		Logger()
	log.Debug().Msg("taskqueue: processing task")

	start := time.Now()
	err = w.handle(logger.WithLogger(ctx, &log), handler, task)
	TaskProcessingDuration.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())

	if err != nil {
		log.Warn().Err(err).Msg("taskqueue: task failed")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "failed").Inc()
	} else {
		log.Debug().Msg("taskqueue: task completed")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "completed").Inc()
	}
	w.finish(ctx, task, err)
	return true
}

// handle runs the handler while heartbeating the task.
func (w *Worker) handle(ctx context.Context, h Handler, task *Task) error {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(w.heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := w.queue.Heartbeat(ctx, task.ID, w.id); err != nil {
					logger.Ctx(ctx).Warn().Err(err).Msg("taskqueue: heartbeat failed")
				}
			}
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()
	return h.Handle(ctx, task)
}

func (w *Worker) finish(ctx context.Context, task *Task, err error) {
	var qerr error
	if err != nil {
		qerr = w.queue.Fail(ctx, task.ID, err)
	} else {
		qerr = w.queue.Complete(ctx, task.ID)
	}
	if qerr != nil {
		logger.Error().Err(qerr).Str("task_id", task.ID).Msg("taskqueue: recording task outcome failed")
	}
}

// Queue returns the underlying queue.
func (w *Worker) Queue() Queue {
	return w.queue
}

// HandlerTypes returns the task types this worker handles.
func (w *Worker) HandlerTypes() []TaskType {
	types := make([]TaskType, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	return types
}
