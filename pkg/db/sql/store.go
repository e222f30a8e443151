// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
)

// Open opens a database connection pool for the dialect and pings it.
func Open(dialect Dialect, cfg db.Config) (*sql.DB, error) {
	sqlDB, err := sql.Open(dialect.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	if dialect.Name() == "sqlite" {
		// SQLite allows a single writer, and ":memory:" databases live
		// only as long as their connection
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
		sqlDB.SetConnMaxIdleTime(0)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return sqlDB, nil
}

// TableName converts a store name such as "abacus-accumulated-2-201411"
// into a safe table identifier.
func TableName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, name)
}

// Table is a db.Store kept in one table of a shared connection pool.
type Table struct {
	db      *sql.DB
	dialect Dialect
	table   string
}

var _ db.Store = (*Table)(nil)

// NewTable creates the table when missing and returns a store on it.
func NewTable(ctx context.Context, sqlDB *sql.DB, dialect Dialect, name string) (*Table, error) {
	t := &Table{db: sqlDB, dialect: dialect, table: TableName(name)}
	if err := t.migrate(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) migrate(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (id %s PRIMARY KEY, value %s NOT NULL)",
		t.table, t.dialect.KeyType(), t.dialect.ValueType()))
	if err != nil {
		return fmt.Errorf("create table %s: %w", t.table, err)
	}
	return nil
}

func (t *Table) query(q string) string {
	return t.dialect.ReplacePlaceholders(fmt.Sprintf(q, t.table))
}

func (t *Table) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := t.db.QueryRowContext(ctx, t.query("SELECT value FROM %s WHERE id = $1"), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (t *Table) Put(ctx context.Context, key string, value []byte) error {
	q := t.query("INSERT INTO %s (id, value) VALUES ($1, $2)") +
		t.dialect.UpsertSuffix("id", []string{"value"})
	if _, err := t.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (t *Table) Create(ctx context.Context, key string, value []byte) error {
	q := t.dialect.ReplacePlaceholders(fmt.Sprintf("INSERT %sINTO %s (id, value) VALUES ($1, $2)%s",
		t.dialect.InsertIgnorePrefix(), t.table, t.dialect.InsertIgnoreSuffix("id")))
	res, err := t.db.ExecContext(ctx, q, key, value)
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	if n == 0 {
		return db.ErrConflict
	}
	return nil
}

func (t *Table) Delete(ctx context.Context, key string) error {
	res, err := t.db.ExecContext(ctx, t.query("DELETE FROM %s WHERE id = $1"), key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (t *Table) Range(ctx context.Context, r db.RangeQuery) ([]db.KV, error) {
	var b strings.Builder
	args := []any{r.Start}
	fmt.Fprintf(&b, "SELECT id, value FROM %s WHERE id >= $1", t.table)
	if r.End != "" {
		b.WriteString(" AND id < $2")
		args = append(args, r.End)
	}
	b.WriteString(" ORDER BY id")
	switch {
	case r.Limit > 0:
		fmt.Fprintf(&b, " LIMIT %d", r.Limit)
	case r.Skip > 0:
		// MySQL has no OFFSET without LIMIT
		b.WriteString(" LIMIT 9223372036854775807")
	}
	if r.Skip > 0 {
		fmt.Fprintf(&b, " OFFSET %d", r.Skip)
	}

	rows, err := t.db.QueryContext(ctx, t.dialect.ReplacePlaceholders(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", t.table, err)
	}
	defer rows.Close()

	var out []db.KV
	for rows.Next() {
		var kv db.KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

// Close is a no-op; the connection pool is shared and closed by its owner.
func (t *Table) Close() error {
	return nil
}
