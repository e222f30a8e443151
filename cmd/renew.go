// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"

	"github.com/spf13/cobra"
)

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Carry running resources into a month",
	Long: `Resubmit the running state of every resource still running at the end of
the previous month at the start of the given month. Renewing a month twice is
harmless.

By default the renewal is queued for a worker running the renew stage; with
--now it runs in this process.`,
	Args: cobra.NoArgs,
	Run:  runRenew,
}

func init() {
	rootCmd.AddCommand(renewCmd)

	f := renewCmd.Flags()
	f.String("month", "", "Month to renew, RFC 3339 or milliseconds since the epoch of any time in it (default current month)")
	f.Bool("now", false, "Run the renewal in this process instead of queueing it")
}

func runRenew(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	raw, _ := cmd.Flags().GetString("month")
	month, err := parseTime(raw, time.Now().UTC())
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid month")
	}

	rt := mustServices(ctx)
	defer rt.Close()

	if now, _ := cmd.Flags().GetBool("now"); !now {
		task, err := rt.pipeline.ScheduleRenew(ctx, month)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to schedule renewal")
		}
		logger.Info().Str("task_id", task.ID).Str("month", task.Key).Msg("renewal scheduled")
		return
	}

	res, err := rt.pipeline.Renewer().Renew(ctx, month)
	if err != nil {
		logger.Fatal().Err(err).Msg("renewal failed")
	}
	// Renewed events are queued for accumulation
	logger.Info().Int("renewed", res.Renewed).Int("skipped", res.Skipped).Msg("renewal submitted")
}
