// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package partition distributes operations on time-based versions of keys
// over a fixed set of database partitions.
//
// A key hashes to one of 4000 buckets, a time maps to a period (days since
// the epoch), and a (bucket, period) pair is forwarded to a partition index
// and a monthly epoch. Routing is deterministic for a given key and time.
package partition

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/spaolacci/murmur3"
)

const (
	// NumBuckets is the number of hash buckets keys are spread over.
	NumBuckets = 4000
	// NumPartitions is the number of partitions; each owns 1000 buckets.
	NumPartitions = 4
	// NoBucket is the bucket of the empty key.
	NoBucket = -1

	seed        = 42
	bucketsPer  = NumBuckets / NumPartitions
	msPerPeriod = 86400000
)

// ErrNoBucket is returned when a write has no key to route by.
var ErrNoBucket = errors.New("cannot forward write operation without a bucket")

// Op is the kind of operation being routed.
type Op int

const (
	Read Op = iota
	Write
)

func (o Op) String() string {
	if o == Write {
		return "write"
	}
	return "read"
}

// Partition identifies a database partition and its monthly epoch.
type Partition struct {
	Index int
	Epoch int

	// Unpartitioned marks the single database of NoPartition.
	Unpartitioned bool
}

// Name returns the database name of the partition derived from base.
func (p Partition) Name(base string) string {
	if p.Unpartitioned {
		return base
	}
	return fmt.Sprintf("%s-%d-%d", base, p.Index, p.Epoch)
}

func (p Partition) String() string {
	return p.Name("partition")
}

// Bucket maps a key to a bucket with murmur3 (seed 42).
func Bucket(key string) int {
	if key == "" {
		return NoBucket
	}
	return int(murmur3.Sum32WithSeed([]byte(key), seed) % NumBuckets)
}

// Period maps a millisecond timestamp to days since the epoch.
func Period(ms int64) int64 {
	if ms < 0 {
		return (ms - msPerPeriod + 1) / msPerPeriod
	}
	return ms / msPerPeriod
}

// Forward maps a bucket and period to candidate partitions. The epoch is
// the YYYYMM month of the period. Reads without a bucket go to every
// partition.
func Forward(bucket int, period int64, op Op) ([]Partition, error) {
	if bucket == NoBucket && op == Write {
		return nil, ErrNoBucket
	}
	t := time.UnixMilli(period * msPerPeriod).UTC()
	epoch := t.Year()*100 + int(t.Month())

	if bucket == NoBucket {
		parts := make([]Partition, NumPartitions)
		for i := range parts {
			parts[i] = Partition{Index: i, Epoch: epoch}
		}
		return parts, nil
	}
	return []Partition{{Index: bucket / bucketsPer, Epoch: epoch}}, nil
}

// Balance picks one of the candidates uniformly at random.
func Balance(candidates []Partition, _ Op) (Partition, error) {
	if len(candidates) == 0 {
		return Partition{}, errors.New("no partition to balance over")
	}
	return candidates[rand.IntN(len(candidates))], nil
}

type (
	// BucketFunc maps a key to a bucket.
	BucketFunc func(key string) int
	// PeriodFunc maps a timestamp to a period.
	PeriodFunc func(ms int64) int64
	// ForwardFunc maps a bucket and period to candidate partitions.
	ForwardFunc func(bucket int, period int64, op Op) ([]Partition, error)
	// BalanceFunc selects one partition out of candidates.
	BalanceFunc func(candidates []Partition, op Op) (Partition, error)
)

// Partitioner combines bucket, period, forward and balance functions.
type Partitioner struct {
	bucket  BucketFunc
	period  PeriodFunc
	forward ForwardFunc
	balance BalanceFunc

	// checkKey skips balancing for reads without a key so they fan out to
	// every candidate partition.
	checkKey bool
}

// Option configures a Partitioner.
type Option func(*Partitioner)

// WithForward replaces the forward function.
func WithForward(f ForwardFunc) Option { return func(p *Partitioner) { p.forward = f } }

// WithBalance replaces the balance function.
func WithBalance(f BalanceFunc) Option { return func(p *Partitioner) { p.balance = f } }

// WithCheckKey makes reads without a key fan out to all partitions.
func WithCheckKey() Option { return func(p *Partitioner) { p.checkKey = true } }

// New returns the default partitioner.
func New(opts ...Option) *Partitioner {
	p := &Partitioner{bucket: Bucket, period: Period, forward: Forward, balance: Balance}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Singleton routes everything to partition 0, epoch 0.
func Singleton() *Partitioner {
	return &Partitioner{
		bucket: func(string) int { return 0 },
		period: func(int64) int64 { return 0 },
		forward: func(int, int64, Op) ([]Partition, error) {
			return []Partition{{}}, nil
		},
		balance: func(c []Partition, _ Op) (Partition, error) { return c[0], nil },
	}
}

// NoPartition routes everything to a single unpartitioned database.
func NoPartition() *Partitioner {
	return &Partitioner{
		bucket: func(string) int { return 0 },
		period: func(int64) int64 { return 0 },
		forward: func(int, int64, Op) ([]Partition, error) {
			return []Partition{{Unpartitioned: true}}, nil
		},
		balance: func(c []Partition, _ Op) (Partition, error) { return c[0], nil },
	}
}

// At returns the partitions for key at time ms. It returns a single
// partition unless a read without a key fans out.
func (p *Partitioner) At(key string, ms int64, op Op) ([]Partition, error) {
	cands, err := p.forward(p.bucket(key), p.period(ms), op)
	if err != nil {
		return nil, fmt.Errorf("forward %q: %w", key, err)
	}
	if p.skipBalance(key, op) {
		return cands, nil
	}
	par, err := p.balance(cands, op)
	if err != nil {
		return nil, fmt.Errorf("balance %q: %w", key, err)
	}
	return []Partition{par}, nil
}

// Range returns the partitions for key over the periods between from and
// to, in that order. from may be after to.
func (p *Partitioner) Range(key string, from, to int64, op Op) ([]Partition, error) {
	lo, hi := p.period(from), p.period(to)
	step := int64(1)
	if hi < lo {
		step = -1
	}
	b := p.bucket(key)

	var cands [][]Partition
	seen := make(map[string]bool)
	for per := lo; ; per += step {
		pars, err := p.forward(b, per, op)
		if err != nil {
			return nil, fmt.Errorf("forward %q: %w", key, err)
		}
		k := fmt.Sprint(pars)
		if !seen[k] {
			seen[k] = true
			cands = append(cands, pars)
		}
		if per == hi {
			break
		}
	}

	if p.skipBalance(key, op) {
		var out []Partition
		for _, c := range cands {
			for _, par := range c {
				if !slices.Contains(out, par) {
					out = append(out, par)
				}
			}
		}
		return out, nil
	}
	out := make([]Partition, 0, len(cands))
	for _, c := range cands {
		par, err := p.balance(c, op)
		if err != nil {
			return nil, fmt.Errorf("balance %q: %w", key, err)
		}
		out = append(out, par)
	}
	return out, nil
}

func (p *Partitioner) skipBalance(key string, op Op) bool {
	return p.checkKey && key == "" && op == Read
}
