// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package sink delivers organization usage reports to downstream systems.
//
// Reports are published after every aggregation that changed a tree, so a
// sink sees the latest report of an organization many times per month.
// Consumers keep the one with the highest processed time.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/usage"
)

// Sink publishes usage reports.
type Sink interface {
	// Name returns the sink identifier used in metrics and logs.
	Name() string

	// Publish delivers a report. It is safe for concurrent use.
	Publish(ctx context.Context, report *usage.AggregatedUsage) error

	Close() error
}

// Sink types.
const (
	TypeNone       = "none"
	TypeKafka      = "kafka"
	TypeRedis      = "redis"
	TypeClickHouse = "clickhouse"
)

// Config selects and configures the report sink.
type Config struct {
	// Type is none, kafka, redis or clickhouse.
	// Default: none.
	Type string `mapstructure:"type"`

	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Type:       TypeNone,
		Kafka:      DefaultKafkaConfig(nil),
		Redis:      DefaultRedisConfig("localhost:6379"),
		ClickHouse: DefaultClickHouseConfig(""),
	}
}

// Validate checks the sink type and applies defaults.
func (c *Config) Validate() error {
	switch c.Type {
	case "":
		c.Type = TypeNone
	case TypeNone, TypeKafka, TypeRedis, TypeClickHouse:
	default:
		return fmt.Errorf("unknown sink type %q", c.Type)
	}
	c.Kafka.applyDefaults()
	c.Redis.applyDefaults()
	c.ClickHouse.applyDefaults()
	return nil
}

// New opens the configured sink.
func New(ctx context.Context, cfg Config) (Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeKafka:
		return NewKafka(cfg.Kafka)
	case TypeRedis:
		return NewRedis(ctx, cfg.Redis)
	case TypeClickHouse:
		return NewClickHouse(ctx, cfg.ClickHouse)
	default:
		return Nop{}, nil
	}
}

// Nop drops every report.
type Nop struct{}

func (Nop) Name() string { return TypeNone }

func (Nop) Publish(context.Context, *usage.AggregatedUsage) error { return nil }

func (Nop) Close() error { return nil }

// encode marshals a report without the per-instance bookkeeping.
func encode(report *usage.AggregatedUsage) ([]byte, error) {
	out := *report
	out.Instances = nil
	b, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("encode report %s: %w", report.ID, err)
	}
	return b, nil
}

// observe records the outcome of one publish.
func observe(name string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	publishedTotal.WithLabelValues(name, status).Inc()
	publishDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}
