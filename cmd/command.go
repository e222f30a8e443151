// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"os"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/utils"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "abacus",
	Short: "Abacus - usage metering and aggregation",
	Long: `Abacus meters resource usage. Usage events are accumulated per resource
instance into time windows, aggregated into organization usage trees and
turned into priced usage reports.`,
	PersistentPreRun: initialize,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
	f.String("log_level", "info", "Log level (debug, info, warn, error, fatal)")
	f.String("plans", "", "Plan definitions file (or set ABACUS_PLANS)")
	f.String("slack", "", "How late events may arrive, e.g. 10m or 2D (or set SLACK)")

	viper.BindPFlag("plans.file", f.Lookup("plans"))
	viper.BindPFlag("usage.slack", f.Lookup("slack"))
}

func initialize(cmd *cobra.Command, args []string) {
	level, _ := cmd.Flags().GetString("log_level")
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	utils.LoadConfiguration("abacus", false)
}

// mustServices loads the configuration and builds the services, exiting on
// failure.
func mustServices(ctx context.Context) *services {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	rt, err := newServices(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	return rt
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
