// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report <organization>",
	Short: "Print the usage report of an organization",
	Long: `Print the usage report of an organization for the month containing the
given time, with summaries and charges computed as of that time.`,
	Args: cobra.ExactArgs(1),
	Run:  runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	f := reportCmd.Flags()
	f.String("time", "", "Report time, RFC 3339 or milliseconds since the epoch (default now)")
	f.Bool("publish", false, "Also publish the report to the configured sink")
}

// parseTime accepts RFC 3339 or epoch milliseconds; empty means now.
func parseTime(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return now, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: expected RFC 3339 or epoch milliseconds", s)
	}
	return t.UTC(), nil
}

func runReport(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	raw, _ := cmd.Flags().GetString("time")
	at, err := parseTime(raw, time.Now().UTC())
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid report time")
	}

	rt := mustServices(ctx)
	defer rt.Close()

	report, err := rt.reporter.Query(ctx, args[0], at)
	if err != nil {
		logger.Fatal().Err(err).Str("org", args[0]).Msg("report failed")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Fatal().Err(err).Msg("failed to write report")
	}

	if publish, _ := cmd.Flags().GetBool("publish"); publish {
		if err := rt.sink.Publish(ctx, report); err != nil {
			logger.Fatal().Err(err).Str("sink", rt.sink.Name()).Msg("publish failed")
		}
	}

	charge := "0"
	if report.Charge != nil {
		charge = report.Charge.String()
	}
	logger.Info().
		Str("org", args[0]).
		Str("month", at.Format("2006-01")).
		Str("processed", humanize.Time(time.UnixMilli(report.Processed))).
		Int("spaces", len(report.Spaces)).
		Str("charge", charge).
		Msg("report")
}
