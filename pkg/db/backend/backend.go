// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend opens the configured db.Store implementation.
package backend

import (
	"context"
	gosql "database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/go-sql-driver/mysql" // MySQL/Vitess driver
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver (also works with CockroachDB)
	_ "modernc.org/sqlite"             // SQLite driver

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/compression"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db/leveldb"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db/memory"
	dbsql "github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db/sql"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/partition"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/utils"
)

// Backend opens named stores on one configured driver. SQL drivers share a
// single connection pool across stores.
type Backend struct {
	cfg   db.Config
	algo  compression.Algorithm
	sqlDB *gosql.DB
	dial  dbsql.Dialect
}

// New validates cfg and connects SQL drivers.
func New(cfg db.Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	algo, err := compression.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, err
	}
	b := &Backend{cfg: cfg, algo: algo}
	switch cfg.Driver {
	case db.DriverPostgres, db.DriverMySQL, db.DriverSQLite:
		d, err := dbsql.DialectFor(string(cfg.Driver))
		if err != nil {
			return nil, err
		}
		sqlDB, err := dbsql.Open(d, cfg)
		if err != nil {
			return nil, err
		}
		b.sqlDB, b.dial = sqlDB, d
	}
	logger.Info().
		Str("driver", string(cfg.Driver)).
		Bool("partitioned", cfg.Partitioned).
		Str("compression", algo.String()).
		Msg("store backend ready")
	return b, nil
}

// SQLDB returns the shared connection pool, nil for non SQL drivers.
func (b *Backend) SQLDB() *gosql.DB {
	return b.sqlDB
}

// Dialect returns the SQL dialect, nil for non SQL drivers.
func (b *Backend) Dialect() dbsql.Dialect {
	return b.dial
}

// Driver returns the configured driver.
func (b *Backend) Driver() db.Driver {
	return b.cfg.Driver
}

func (b *Backend) openOne(ctx context.Context, name string) (db.Store, error) {
	switch b.cfg.Driver {
	case db.DriverLevelDB:
		return leveldb.Open(filepath.Join(utils.ResolvePath(b.cfg.Dir), name), nil)
	case db.DriverPostgres, db.DriverMySQL, db.DriverSQLite:
		return dbsql.NewTable(ctx, b.sqlDB, b.dial, name)
	case db.DriverMemory:
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", b.cfg.Driver)
}

// Open returns the store called name, partitioned and compressed when
// configured, with operation metrics.
func (b *Backend) Open(ctx context.Context, name string) (db.Store, error) {
	var s db.Store
	if b.cfg.Partitioned {
		s = db.NewPartitioned(name, partition.New(partition.WithCheckKey()), b.openOne)
	} else {
		one, err := b.openOne(ctx, name)
		if err != nil {
			return nil, err
		}
		s = one
	}
	return db.Instrument(name, compression.Wrap(s, b.algo, b.cfg.CompressMinSize)), nil
}

// Close closes the shared connection pool.
func (b *Backend) Close() error {
	if b.sqlDB != nil {
		return b.sqlDB.Close()
	}
	return nil
}
