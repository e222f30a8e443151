// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
)

// frameMarker starts every compressed document. Plain JSON documents never
// start with it, so stores can switch algorithms, or turn compression on,
// over existing data.
const frameMarker = 0x00

// DefaultMinSize is the size below which documents are stored as they are.
const DefaultMinSize = 256

// Store compresses the documents of the store it wraps.
type Store struct {
	next    db.Store
	algo    Algorithm
	minSize int
}

var _ db.Store = (*Store)(nil)

// Wrap compresses documents of at least minSize bytes written to next.
// Reads decode documents of any algorithm. With None, Wrap returns next.
func Wrap(next db.Store, algo Algorithm, minSize int) db.Store {
	if algo == None || algo == "" {
		return next
	}
	if minSize <= 0 {
		minSize = DefaultMinSize
	}
	return &Store{next: next, algo: algo, minSize: minSize}
}

// Encode frames value compressed with algo when that saves space.
func Encode(algo Algorithm, value []byte, minSize int) ([]byte, error) {
	if algo == None || algo == "" || len(value) < minSize {
		return value, nil
	}
	start := time.Now()
	compressed, err := Compress(algo, value)
	if err != nil {
		return nil, err
	}
	if len(compressed)+2 >= len(value) {
		skippedTotal.WithLabelValues(algo.String()).Inc()
		return value, nil
	}
	recordCompression(algo, len(value), len(compressed), time.Since(start))

	out := make([]byte, 0, len(compressed)+2)
	out = append(out, frameMarker, algo.id())
	return append(out, compressed...), nil
}

// Decode returns the document held in a stored value.
func Decode(value []byte) ([]byte, error) {
	if len(value) == 0 || value[0] != frameMarker {
		return value, nil
	}
	if len(value) < 2 {
		return nil, errors.New("truncated compressed document")
	}
	algo, ok := fromID(value[1])
	if !ok {
		return nil, fmt.Errorf("unknown compression id %d", value[1])
	}
	return Decompress(algo, value[2:])
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	out, err := Decode(v)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	v, err := Encode(s.algo, value, s.minSize)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.next.Put(ctx, key, v)
}

func (s *Store) Create(ctx context.Context, key string, value []byte) error {
	v, err := Encode(s.algo, value, s.minSize)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.next.Create(ctx, key, v)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.next.Delete(ctx, key)
}

func (s *Store) Range(ctx context.Context, q db.RangeQuery) ([]db.KV, error) {
	kvs, err := s.next.Range(ctx, q)
	if err != nil {
		return nil, err
	}
	for i := range kvs {
		v, err := Decode(kvs[i].Value)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", kvs[i].Key, err)
		}
		kvs[i].Value = v
	}
	return kvs, nil
}

func (s *Store) Close() error {
	return s.next.Close()
}
