// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package sql

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db/dbtest"
)

func openSQLite(t *testing.T) *Table {
	t.Helper()
	cfg := db.Config{Driver: db.DriverSQLite, DSN: ":memory:"}
	require.NoError(t, cfg.Validate())

	sqlDB, err := Open(SQLiteDialect{}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	tbl, err := NewTable(context.Background(), sqlDB, SQLiteDialect{}, "abacus-accumulated-0-201501")
	require.NoError(t, err)
	return tbl
}

func TestTable_SQLite(t *testing.T) {
	dbtest.RunStoreTests(t, func(t *testing.T) db.Store { return openSQLite(t) })
}

func TestTable_MigrateTwice(t *testing.T) {
	tbl := openSQLite(t)
	require.NoError(t, tbl.migrate(context.Background()))
	assert.Equal(t, "abacus_accumulated_0_201501", tbl.table)
}

func TestTableName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abacus_carry_over", TableName("abacus-carry-over"))
	assert.Equal(t, "a_b_c", TableName("a;b c"))
}

func TestDialects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dialect Dialect
		upsert  string
		ignore  string
		query   string
	}{
		{
			PostgresDialect{},
			" ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value",
			"INSERT INTO t (id) VALUES ($1) ON CONFLICT (id) DO NOTHING",
			"SELECT value FROM t WHERE id = $1",
		},
		{
			MySQLDialect{},
			" ON DUPLICATE KEY UPDATE value = VALUES(value)",
			"INSERT IGNORE INTO t (id) VALUES ($1)",
			"SELECT value FROM t WHERE id = ?",
		},
		{
			SQLiteDialect{},
			" ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value",
			"INSERT INTO t (id) VALUES ($1) ON CONFLICT (id) DO NOTHING",
			"SELECT value FROM t WHERE id = ?",
		},
	}
	for _, tt := range tests {
		t.Run(tt.dialect.Name(), func(t *testing.T) {
			d := tt.dialect
			assert.Equal(t, tt.upsert, d.UpsertSuffix("id", []string{"value"}))
			assert.Equal(t, tt.ignore,
				fmt.Sprintf("INSERT %sINTO t (id) VALUES ($1)%s", d.InsertIgnorePrefix(), d.InsertIgnoreSuffix("id")))
			assert.Equal(t, tt.query, d.ReplacePlaceholders("SELECT value FROM t WHERE id = $1"))

			got, err := DialectFor(d.Name())
			require.NoError(t, err)
			assert.Equal(t, d, got)
		})
	}

	assert.Equal(t, "?, ?, ?", questionMarks("$1, $2, $3"))
	assert.Equal(t, "? ?", questionMarks("$12 $1"))
	_, err := DialectFor("oracle")
	assert.Error(t, err)
}
