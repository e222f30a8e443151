// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/cache"
)

// ErrPlanNotFound is returned for plan ids no source knows about.
var ErrPlanNotFound = errors.New("plan not found")

// Source supplies plan configurations.
type Source interface {
	PlanConfig(ctx context.Context, planID string) (PlanConfig, error)
}

// StaticSource serves a fixed set of plans.
type StaticSource map[string]PlanConfig

// NewStaticSource indexes plans by id.
func NewStaticSource(plans ...PlanConfig) StaticSource {
	s := make(StaticSource, len(plans))
	for _, p := range plans {
		s[p.PlanID] = p
	}
	return s
}

func (s StaticSource) PlanConfig(_ context.Context, planID string) (PlanConfig, error) {
	p, ok := s[planID]
	if !ok {
		return PlanConfig{}, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return p, nil
}

// LibraryConfig bounds the compiled plan cache.
type LibraryConfig struct {
	MaxSize int           `mapstructure:"max_size"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// DefaultLibraryConfig keeps up to 1000 plans for 20 minutes.
func DefaultLibraryConfig() LibraryConfig {
	return LibraryConfig{MaxSize: 1000, TTL: 20 * time.Minute}
}

// Library compiles plans on first use and caches them.
type Library struct {
	plans *cache.Cache[string, *Plan]
}

// NewLibrary creates a library over src.
func NewLibrary(ctx context.Context, src Source, cfg LibraryConfig) *Library {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultLibraryConfig().MaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLibraryConfig().TTL
	}
	return &Library{
		plans: cache.New[string, *Plan](ctx,
			cache.WithMaxSize[string, *Plan](cfg.MaxSize),
			cache.WithExpiry[string, *Plan](cfg.TTL),
			cache.WithLoadFunc(func(ctx context.Context, id string) (*Plan, error) {
				pc, err := src.PlanConfig(ctx, id)
				if err != nil {
					return nil, err
				}
				return Compile(pc)
			}),
		),
	}
}

// Plan returns the compiled plan with the given id.
func (l *Library) Plan(ctx context.Context, id string) (*Plan, error) {
	return l.plans.GetOrLoad(ctx, id)
}

// Close stops the cache expiry timer.
func (l *Library) Close() {
	l.plans.Stop()
}

// Provider returns compiled plans. Library is the production Provider.
type Provider interface {
	Plan(ctx context.Context, id string) (*Plan, error)
}

var _ Provider = (*Library)(nil)
