// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package plan

import (
	"context"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/cache"
)

// CountrySource returns the pricing country of an organization's account,
// or "" when none is configured.
type CountrySource interface {
	Country(ctx context.Context, orgID string) (string, error)
}

// StaticCountries maps organization ids to pricing countries.
type StaticCountries map[string]string

func (s StaticCountries) Country(_ context.Context, orgID string) (string, error) {
	return s[orgID], nil
}

// Countries resolves and caches pricing countries, defaulting to
// DefaultCountry.
type Countries struct {
	cache *cache.Cache[string, string]
}

// NewCountries caches the answers of src for ttl.
func NewCountries(ctx context.Context, src CountrySource, ttl time.Duration) *Countries {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Countries{
		cache: cache.New[string, string](ctx,
			cache.WithMaxSize[string, string](10000),
			cache.WithExpiry[string, string](ttl),
			cache.WithLoadFunc(func(ctx context.Context, orgID string) (string, error) {
				c, err := src.Country(ctx, orgID)
				if err != nil {
					return "", err
				}
				if c == "" {
					c = DefaultCountry
				}
				return c, nil
			}),
		),
	}
}

// Country returns the pricing country of orgID.
func (c *Countries) Country(ctx context.Context, orgID string) (string, error) {
	return c.cache.GetOrLoad(ctx, orgID)
}

// Close stops the cache expiry timer.
func (c *Countries) Close() {
	c.cache.Stop()
}
