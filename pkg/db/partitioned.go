// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/partition"
)

// Opener opens the store of one partition by name.
type Opener func(ctx context.Context, name string) (Store, error)

// Partitioned routes documents to partition stores by the key and time
// encoded in their KTURI or TKURI ids. Partition stores are opened on
// first use.
type Partitioned struct {
	name  string
	parts *partition.Partitioner
	open  Opener

	mu     sync.Mutex
	stores map[string]Store
}

var _ Store = (*Partitioned)(nil)

// NewPartitioned returns a partitioned store named name.
func NewPartitioned(name string, parts *partition.Partitioner, open Opener) *Partitioned {
	return &Partitioned{
		name:   name,
		parts:  parts,
		open:   open,
		stores: make(map[string]Store),
	}
}

func (p *Partitioned) store(ctx context.Context, par partition.Partition) (Store, error) {
	name := par.Name(p.name)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stores == nil {
		return nil, ErrClosed
	}
	if s, ok := p.stores[name]; ok {
		return s, nil
	}
	s, err := p.open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	p.stores[name] = s
	return s, nil
}

func (p *Partitioned) route(ctx context.Context, id string, op partition.Op) ([]Store, error) {
	key, ms, ok := ParseURI(id)
	if !ok {
		key, ms = id, 0
	}
	pars, err := p.parts.At(key, ms, op)
	if err != nil {
		return nil, err
	}
	stores := make([]Store, 0, len(pars))
	for _, par := range pars {
		s, err := p.store(ctx, par)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s)
	}
	return stores, nil
}

func (p *Partitioned) one(ctx context.Context, id string) (Store, error) {
	stores, err := p.route(ctx, id, partition.Write)
	if err != nil {
		return nil, err
	}
	if len(stores) != 1 {
		return nil, fmt.Errorf("key %s maps to %d partitions", id, len(stores))
	}
	return stores[0], nil
}

func (p *Partitioned) Get(ctx context.Context, key string) ([]byte, error) {
	stores, err := p.route(ctx, key, partition.Read)
	if err != nil {
		return nil, err
	}
	for _, s := range stores {
		b, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return b, err
	}
	return nil, ErrNotFound
}

func (p *Partitioned) Put(ctx context.Context, key string, value []byte) error {
	s, err := p.one(ctx, key)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, value)
}

func (p *Partitioned) Create(ctx context.Context, key string, value []byte) error {
	s, err := p.one(ctx, key)
	if err != nil {
		return err
	}
	return s.Create(ctx, key, value)
}

func (p *Partitioned) Delete(ctx context.Context, key string) error {
	s, err := p.one(ctx, key)
	if err != nil {
		return err
	}
	return s.Delete(ctx, key)
}

// Range queries every partition the start and end keys span and merges the
// results in key order. Keys from different ids fan out to all partitions.
func (p *Partitioned) Range(ctx context.Context, q RangeQuery) ([]KV, error) {
	sk, st, _ := ParseURI(q.Start)
	ek, et, ok := ParseURI(q.End)
	if !ok {
		et = st
	}
	key := sk
	if sk != ek {
		key = ""
	}
	pars, err := p.parts.Range(key, st, et, partition.Read)
	if err != nil {
		return nil, err
	}

	sub := RangeQuery{Start: q.Start, End: q.End}
	if q.Limit > 0 {
		sub.Limit = q.Skip + q.Limit
	}
	var all []KV
	for _, par := range pars {
		s, err := p.store(ctx, par)
		if err != nil {
			return nil, err
		}
		kvs, err := s.Range(ctx, sub)
		if err != nil {
			return nil, err
		}
		all = append(all, kvs...)
	}
	slices.SortFunc(all, func(a, b KV) int { return strings.Compare(a.Key, b.Key) })
	all = slices.CompactFunc(all, func(a, b KV) bool { return a.Key == b.Key })
	return Page(all, q.Skip, q.Limit), nil
}

// Close closes every opened partition store.
func (p *Partitioned) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, s := range p.stores {
		errs = append(errs, s.Close())
	}
	p.stores = nil
	return errors.Join(errs...)
}
