// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package leveldb provides an embedded db.Store on goleveldb.
package leveldb

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
)

// Store is a document store in a leveldb directory.
type Store struct {
	db  *leveldb.DB
	dir string

	// serializes the check-then-write of Create and Delete
	mu sync.Mutex

	// Write options for different durability levels
	writeOpts     *opt.WriteOptions // Normal writes (buffered)
	writeOptsSync *opt.WriteOptions // Durable writes (fsync)
}

var _ db.Store = (*Store)(nil)

// Open opens or creates the database in dir, recovering it when corrupted.
func Open(dir string, opts *opt.Options) (*Store, error) {
	ldb, err := leveldb.OpenFile(dir, opts)
	if err != nil && !lerrors.IsCorrupted(err) {
		return nil, err
	}
	if lerrors.IsCorrupted(err) {
		ldb, err = leveldb.RecoverFile(dir, opts)
		if err != nil {
			return nil, err
		}
	}
	return &Store{
		db:            ldb,
		dir:           dir,
		writeOpts:     &opt.WriteOptions{Sync: false},
		writeOptsSync: &opt.WriteOptions{Sync: true},
	}, nil
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return db.ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return db.ErrClosed
	}
	return err
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	b, err := s.db.Get([]byte(key), nil)
	if err != nil {
		return nil, mapErr(err)
	}
	return b, nil
}

// Put writes with fsync.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	return mapErr(s.db.Put([]byte(key), value, s.writeOptsSync))
}

func (s *Store) Create(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.db.Has([]byte(key), nil)
	if err != nil {
		return mapErr(err)
	}
	if ok {
		return db.ErrConflict
	}
	return mapErr(s.db.Put([]byte(key), value, s.writeOptsSync))
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.db.Has([]byte(key), nil)
	if err != nil {
		return mapErr(err)
	}
	if !ok {
		return db.ErrNotFound
	}
	return mapErr(s.db.Delete([]byte(key), s.writeOpts))
}

func (s *Store) Range(ctx context.Context, q db.RangeQuery) ([]db.KV, error) {
	r := &util.Range{Start: []byte(q.Start)}
	if q.End != "" {
		r.Limit = []byte(q.End)
	}
	iter := s.db.NewIterator(r, nil)
	defer iter.Release()

	var out []db.KV
	skip := q.Skip
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, db.KV{Key: string(iter.Key()), Value: bytes.Clone(iter.Value())})
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, mapErr(iter.Error())
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Destroy closes the store and removes its directory.
func (s *Store) Destroy() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.RemoveAll(s.dir)
}
