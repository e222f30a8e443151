// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory db.Store ordered by a btree.
// Intended for tests and single process deployments.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
)

type item struct {
	key   string
	value []byte
}

func less(a, b item) bool { return a.key < b.key }

// Store is an in-memory document store.
type Store struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[item]
	closed bool
}

var _ db.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{tree: btree.NewG(32, less)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, db.ErrClosed
	}
	it, ok := s.tree.Get(item{key: key})
	if !ok {
		return nil, db.ErrNotFound
	}
	return bytes.Clone(it.value), nil
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return db.ErrClosed
	}
	s.tree.ReplaceOrInsert(item{key: key, value: bytes.Clone(value)})
	return nil
}

func (s *Store) Create(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return db.ErrClosed
	}
	if s.tree.Has(item{key: key}) {
		return db.ErrConflict
	}
	s.tree.ReplaceOrInsert(item{key: key, value: bytes.Clone(value)})
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return db.ErrClosed
	}
	if _, ok := s.tree.Delete(item{key: key}); !ok {
		return db.ErrNotFound
	}
	return nil
}

func (s *Store) Range(_ context.Context, q db.RangeQuery) ([]db.KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, db.ErrClosed
	}

	var out []db.KV
	skip := q.Skip
	visit := func(it item) bool {
		if skip > 0 {
			skip--
			return true
		}
		out = append(out, db.KV{Key: it.key, Value: bytes.Clone(it.value)})
		return q.Limit <= 0 || len(out) < q.Limit
	}
	if q.End == "" {
		s.tree.AscendGreaterOrEqual(item{key: q.Start}, visit)
	} else {
		s.tree.AscendRange(item{key: q.Start}, item{key: q.End}, visit)
	}
	return out, nil
}

// Len returns the number of documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
