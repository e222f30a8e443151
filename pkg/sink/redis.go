// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/usage"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis pub/sub sink.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// Channel is the channel prefix. Reports go to "{channel}:{org}".
	// Default: abacus:reports.
	Channel string `mapstructure:"channel"`

	// DialTimeout bounds connecting and the startup ping.
	// Default: 5s.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig(addr string) RedisConfig {
	return RedisConfig{
		Addr:        addr,
		Channel:     "abacus:reports",
		DialTimeout: 5 * time.Second,
	}
}

func (c *RedisConfig) applyDefaults() {
	if c.Channel == "" {
		c.Channel = "abacus:reports"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// Redis publishes reports on a pub/sub channel per organization.
type Redis struct {
	client  redis.UniversalClient
	channel string
}

var _ Sink = (*Redis)(nil)

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	cfg.applyDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	pctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Str("channel", cfg.Channel).
		Msg("redis report sink connected")
	return NewRedisWithClient(client, cfg.Channel), nil
}

// NewRedisWithClient publishes through an existing client. Close closes
// the client.
func NewRedisWithClient(client redis.UniversalClient, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

// Channel returns the channel receiving the reports of an organization.
func (r *Redis) Channel(orgID string) string {
	return r.channel + ":" + orgID
}

func (r *Redis) Name() string { return TypeRedis }

func (r *Redis) Publish(ctx context.Context, report *usage.AggregatedUsage) (err error) {
	start := time.Now()
	defer func() { observe(TypeRedis, start, err) }()

	data, err := encode(report)
	if err != nil {
		return err
	}
	channel := r.Channel(report.OrganizationID)
	n, err := r.client.Publish(ctx, channel, data).Result()
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	logger.Ctx(ctx).Debug().
		Str("channel", channel).
		Int64("subscribers", n).
		Msg("published report to redis")
	return nil
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
