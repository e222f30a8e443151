// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/pipeline"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit usage events",
	Long: `Submit usage events for accumulation. The file ("-" for stdin) holds JSON
usage events, arrays of events or {"usage": [...]} batches.

Events are queued; a worker running the accumulate stage processes them.`,
	Args: cobra.ExactArgs(1),
	Run:  runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	rt := mustServices(ctx)
	defer rt.Close()

	if rt.cfg.Queue.Backend == QueueMemory {
		logger.Warn().Msg("memory queue does not outlive this process, use worker --events instead")
	}
	if err := submitFile(ctx, rt, args[0]); err != nil {
		logger.Fatal().Err(err).Msg("submit failed")
	}
}

// submitFile reads events from path and submits them through a collector.
// Invalid events are dropped; events the queue refuses fail the call.
func submitFile(ctx context.Context, rt *services, path string) error {
	events, err := readEvents(path)
	if err != nil {
		return err
	}
	start := time.Now()
	c := pipeline.NewCollector(rt.pipeline.Submitter(), rt.cfg.Pipeline)
	for _, e := range events {
		c.Record(ctx, e)
	}
	c.Stop(ctx)
	if n := c.Pending(); n > 0 {
		return fmt.Errorf("%d of %d events not submitted", n, len(events))
	}
	logger.Info().
		Str("file", path).
		Str("events", humanize.Comma(int64(len(events)))).
		Dur("took", time.Since(start)).
		Msg("events submitted")
	return nil
}
