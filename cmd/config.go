// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/lock"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/pipeline"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/plan"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/reporting"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/resiliency"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/sink"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/usage"

	"github.com/spf13/viper"
)

// Queue backends
const (
	QueueAuto   = ""
	QueueMemory = "memory"
	QueueDB     = "db"
)

// QueueConfig selects where tasks are kept.
type QueueConfig struct {
	// Backend is memory or db. Default: db for SQL stores, memory otherwise.
	Backend string `mapstructure:"backend"`

	// Table holds the tasks of the db backend.
	// Default: abacus_tasks.
	Table string `mapstructure:"table"`

	// VisibilityTimeout is how long a running task may go without a
	// heartbeat before another worker reclaims it.
	// Default: 5m.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

// PlansConfig locates plan definitions.
type PlansConfig struct {
	// File is a JSON or YAML file with a "plans" list.
	File string `mapstructure:"file"`

	Cache plan.LibraryConfig `mapstructure:"cache"`
}

// Config is the complete configuration of an abacus process.
type Config struct {
	Store      db.Config         `mapstructure:"store"`
	Resiliency resiliency.Config `mapstructure:"resiliency"`
	Lock       lock.Config       `mapstructure:"lock"`
	Queue      QueueConfig       `mapstructure:"queue"`
	Usage      usage.Config      `mapstructure:"usage"`
	Reporting  reporting.Config  `mapstructure:"reporting"`
	Pipeline   pipeline.Config   `mapstructure:"pipeline"`
	Sink       sink.Config       `mapstructure:"sink"`
	Plans      PlansConfig       `mapstructure:"plans"`

	// Countries maps organization ids to pricing countries.
	Countries  map[string]string `mapstructure:"countries"`
	CountryTTL time.Duration     `mapstructure:"country_ttl"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Store:      db.DefaultConfig(),
		Resiliency: resiliency.DefaultConfig(),
		Lock:       lock.DefaultConfig(),
		Queue:      QueueConfig{Table: "abacus_tasks", VisibilityTimeout: 5 * time.Minute},
		Usage:      usage.DefaultConfig(),
		Reporting:  reporting.DefaultConfig(),
		Pipeline:   pipeline.DefaultConfig(),
		Sink:       sink.DefaultConfig(),
		Plans:      PlansConfig{Cache: plan.DefaultLibraryConfig()},
		CountryTTL: 6 * time.Hour,
	}
}

// Validate checks every section and applies defaults.
func (c *Config) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	c.Resiliency.Validate()
	if err := c.Lock.Validate(); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	switch c.Queue.Backend {
	case QueueAuto:
		c.Queue.Backend = QueueMemory
		if c.Store.Driver.IsSQL() {
			c.Queue.Backend = QueueDB
		}
	case QueueMemory:
	case QueueDB:
		if !c.Store.Driver.IsSQL() {
			return fmt.Errorf("queue: backend db needs a SQL store, got %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("queue: unknown backend %q", c.Queue.Backend)
	}
	if err := c.Usage.Validate(); err != nil {
		return fmt.Errorf("usage: %w", err)
	}
	if err := c.Reporting.Validate(); err != nil {
		return fmt.Errorf("reporting: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := c.Sink.Validate(); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	if c.Plans.File == "" {
		return errors.New("plans: file is required")
	}
	return nil
}

// bindEnv maps the short environment variables of deployments onto config
// keys.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("usage.slack", "SLACK")
	_ = v.BindEnv("reporting.results_cache_max_age", "RESULTS_CACHE_MAX_AGE")
	_ = v.BindEnv("store.dsn", "DB_URI")
	_ = v.BindEnv("plans.file", "ABACUS_PLANS")
}

// loadConfig decodes the loaded configuration over the defaults.
func loadConfig(v *viper.Viper) (Config, error) {
	bindEnv(v)
	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
