// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/debug"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/pipeline"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/taskqueue"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/timewindow"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// WorkerOpts holds the worker command settings.
type WorkerOpts struct {
	ID           string
	Stages       []string
	Concurrency  int
	PollInterval time.Duration
	DebugHost    string
	DebugPort    int

	// Events is a file of events submitted at startup, for single process
	// deployments on the memory queue.
	Events string

	// Renew schedules the renewal of the current month at startup and of
	// every following month when it begins.
	Renew bool

	// Cleanup removes finished tasks older than this, every hour.
	Cleanup time.Duration
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run pipeline stages",
	Long: `Run a worker processing the tasks of the given pipeline stages:
- accumulate: fold usage events into accumulated usage per resource instance
- aggregate: fold accumulated usage into organization trees and publish reports
- renew: carry running resources into a new month
`,
	Run: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	hostname, _ := os.Hostname()
	f := workerCmd.Flags()
	f.String("worker_id", hostname, "Worker id recorded on running tasks")
	f.StringSlice("stages", []string{"accumulate", "aggregate", "renew"}, "Pipeline stages to run")
	f.Int("concurrency", taskqueue.DefaultConcurrency, "Number of tasks processed in parallel")
	f.Duration("poll_interval", taskqueue.DefaultPollInterval, "How often an idle worker polls the queue")
	f.String("debug_host", "0.0.0.0", "Debug HTTP host (metrics, pprof)")
	f.Int("debug_port", 9080, "Debug HTTP port (metrics, pprof)")
	f.String("events", "", "File of usage events to submit at startup")
	f.Bool("renew", true, "Schedule month renewals")
	f.Duration("cleanup", 24*time.Hour, "Remove finished tasks older than this (0 disables)")

	viper.BindPFlags(f)
}

func loadWorkerOpts(cmd *cobra.Command) WorkerOpts {
	fl := NewFlagLoader(cmd)
	return WorkerOpts{
		ID:           fl.String("worker_id"),
		Stages:       fl.StringSlice("stages"),
		Concurrency:  fl.Int("concurrency"),
		PollInterval: fl.Duration("poll_interval"),
		DebugHost:    fl.String("debug_host"),
		DebugPort:    fl.Int("debug_port"),
		Events:       fl.String("events"),
		Renew:        fl.Bool("renew"),
		Cleanup:      fl.Duration("cleanup"),
	}
}

// stageTypes parses stage names.
func stageTypes(names []string) ([]taskqueue.TaskType, error) {
	if len(names) == 0 {
		return nil, errors.New("at least one stage is required")
	}
	types := make([]taskqueue.TaskType, 0, len(names))
	for _, n := range names {
		t := taskqueue.TaskType(n)
		known := false
		for _, s := range pipeline.Stages {
			known = known || s == t
		}
		if !known {
			return nil, fmt.Errorf("unknown stage %q", n)
		}
		types = append(types, t)
	}
	return types, nil
}

func runWorker(cmd *cobra.Command, args []string) {
	opts := loadWorkerOpts(cmd)
	debug.SetNotReady()

	stages, err := stageTypes(opts.Stages)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid stages")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt := mustServices(ctx)
	defer rt.Close()

	handlers, err := rt.pipeline.Handlers(stages...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create stage handlers")
	}
	worker := taskqueue.NewWorker(taskqueue.WorkerConfig{
		ID:           opts.ID,
		Queue:        rt.queue,
		PollInterval: opts.PollInterval,
		Concurrency:  opts.Concurrency,
	})
	for _, h := range handlers {
		worker.RegisterHandler(h)
	}

	debug.AddCheck("queue", func(ctx context.Context) error {
		_, err := rt.queue.Stats(ctx)
		return err
	})
	if sqlDB := rt.backend.SQLDB(); sqlDB != nil {
		debug.AddCheck("store", sqlDB.PingContext)
	}
	debug.Handle("/debug/queue", debug.JSON(func(ctx context.Context) (any, error) {
		return rt.queue.Stats(ctx)
	}))
	debugServer := startHTTPServer(debug.GetMux(), opts.DebugHost, opts.DebugPort)
	worker.Start(ctx)

	if opts.Events != "" {
		if err := submitFile(ctx, rt, opts.Events); err != nil {
			logger.Error().Err(err).Msg("failed to submit startup events")
		}
	}
	if opts.Renew {
		go scheduleRenewals(ctx, rt.pipeline)
	}
	if opts.Cleanup > 0 {
		go cleanupTasks(ctx, rt.queue, opts.Cleanup)
	}

	debug.SetReady()
	logger.Info().
		Str("worker_id", opts.ID).
		Strs("stages", opts.Stages).
		Msg("worker running")

	waitForShutdown()
	logger.Info().Msg("shutting down worker")
	debug.SetNotReady()

	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	cancel()
	worker.Stop()
	debugServer.Shutdown(shutdownCtx)
}

// scheduleRenewals enqueues the renewal of the current month, then of each
// month as it begins.
func scheduleRenewals(ctx context.Context, p *pipeline.Pipeline) {
	for {
		now := time.Now().UTC()
		if _, err := p.ScheduleRenew(ctx, now); err != nil {
			logger.Warn().Err(err).Msg("failed to schedule month renewal")
		}
		next := timewindow.Add(timewindow.ZeroLowerDimensions(now, timewindow.Month), timewindow.Month, 1)
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// cleanupTasks removes finished tasks about every hour.
func cleanupTasks(ctx context.Context, q taskqueue.Queue, olderThan time.Duration) {
	tick, stop := utils.JitteredTicker(time.Hour, 0.1)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			n, err := q.Cleanup(ctx, olderThan)
			if err != nil {
				logger.Warn().Err(err).Msg("task cleanup failed")
				continue
			}
			logger.Debug().Int("removed", n).Msg("removed finished tasks")
		}
	}
}
