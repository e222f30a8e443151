// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package resiliency

import (
	"bytes"
	"context"
	"time"

	"github.com/eapache/go-resiliency/batcher"
)

type getRequest struct {
	ctx   context.Context
	key   string
	value []byte
	err   error
}

// getBatcher coalesces Get calls arriving within a window. Each distinct
// key is read once per batch and every request gets its own result.
type getBatcher struct {
	b *batcher.Batcher
}

func newGetBatcher(window time.Duration, get func(ctx context.Context, key string) ([]byte, error)) *getBatcher {
	return &getBatcher{b: batcher.New(window, func(params []any) error {
		type result struct {
			value []byte
			err   error
		}
		done := make(map[string]result, len(params))
		for _, p := range params {
			req := p.(*getRequest)
			r, ok := done[req.key]
			if !ok {
				r.value, r.err = get(req.ctx, req.key)
				done[req.key] = r
			}
			req.value, req.err = bytes.Clone(r.value), r.err
		}
		return nil
	})}
}

func (g *getBatcher) get(ctx context.Context, key string) ([]byte, error) {
	req := &getRequest{ctx: ctx, key: key}
	if err := g.b.Run(req); err != nil {
		return nil, err
	}
	return req.value, req.err
}

func (g *getBatcher) shutdown() {
	g.b.Shutdown(true)
}
