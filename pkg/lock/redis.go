// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/utils"
)

// releaseScript deletes the lock only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lock manager shared by all processes using the same Redis.
// A lock is a key set with NX and a TTL holding a random token.
type Redis struct {
	client redis.UniversalClient
	config Config
}

var _ Manager = (*Redis)(nil)

// NewRedis connects to the configured Redis and returns a lock manager.
func NewRedis(cfg Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisWithClient(client, cfg), nil
}

// NewRedisWithClient returns a lock manager using an existing client.
func NewRedisWithClient(client redis.UniversalClient, cfg Config) *Redis {
	_ = cfg.Validate()
	return &Redis{client: client, config: cfg}
}

// Acquire polls until the lock is set, the timeout passes or ctx is done.
func (r *Redis) Acquire(ctx context.Context, key string) (*Handle, error) {
	start := time.Now()
	deadline := start.Add(r.config.Timeout)
	token := uuid.NewString()
	fullKey := r.config.KeyPrefix + key

	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.config.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			lockWait.WithLabelValues("redis").Observe(time.Since(start).Seconds())
			return &Handle{Key: key, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			lockTimeouts.WithLabelValues("redis").Inc()
			return nil, ErrLockTimeout
		}

		t := time.NewTimer(utils.JitterUp(r.config.PollInterval, 0.5))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}

// Release deletes the lock if it is still ours.
func (r *Redis) Release(ctx context.Context, h *Handle) error {
	if h == nil || h.token == "" {
		return ErrNotHeld
	}
	n, err := releaseScript.Run(ctx, r.client, []string{r.config.KeyPrefix + h.Key}, h.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", h.Key, err)
	}
	if n == 0 {
		logger.Warn().Str("key", h.Key).Msg("lock expired before release")
		return ErrNotHeld
	}
	return nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
