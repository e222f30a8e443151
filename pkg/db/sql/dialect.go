// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package sql provides a dialect-aware SQL implementation of db.Store.
// It abstracts the differences between PostgreSQL, MySQL and SQLite so a
// single implementation serves all three.
package sql

import (
	"fmt"
	"strings"
)

// Dialect abstracts database-specific SQL syntax differences.
type Dialect interface {
	// Name returns the dialect name (e.g., "postgres", "mysql").
	Name() string

	// DriverName is the database/sql driver registered for the dialect.
	DriverName() string

	// ReplacePlaceholders converts PostgreSQL-style placeholders ($1, $2, ...)
	// to the dialect's format. This allows writing queries with PostgreSQL
	// syntax and converting them at runtime.
	ReplacePlaceholders(query string) string

	// KeyType is the column type of document ids. It must compare bytewise
	// so range scans match the other stores.
	KeyType() string

	// ValueType is the column type of document bodies.
	ValueType() string

	// InsertIgnorePrefix returns the prefix for INSERT statements that should ignore duplicates.
	// PostgreSQL/SQLite: "" (uses ON CONFLICT suffix instead)
	// MySQL: "IGNORE "
	InsertIgnorePrefix() string

	// InsertIgnoreSuffix returns the suffix for INSERT statements that should ignore duplicates.
	// PostgreSQL/SQLite: "ON CONFLICT (conflict_column) DO NOTHING"
	// MySQL: "" (uses INSERT IGNORE prefix instead)
	InsertIgnoreSuffix(conflictColumn string) string

	// UpsertSuffix returns the suffix for INSERT statements that should update on conflict.
	// PostgreSQL/SQLite: "ON CONFLICT (conflict_columns) DO UPDATE SET col1 = EXCLUDED.col1, ..."
	// MySQL: "ON DUPLICATE KEY UPDATE col1 = VALUES(col1), ..."
	UpsertSuffix(conflictColumns string, updateColumns []string) string
}

// ============================================================================
// PostgreSQL Dialect
// ============================================================================

// PostgresDialect implements Dialect for PostgreSQL.
type PostgresDialect struct{}

var _ Dialect = PostgresDialect{}

func (d PostgresDialect) Name() string       { return "postgres" }
func (d PostgresDialect) DriverName() string { return "pgx" }

func (d PostgresDialect) ReplacePlaceholders(query string) string {
	// PostgreSQL uses $1, $2, etc. - no conversion needed
	return query
}

func (d PostgresDialect) KeyType() string   { return `TEXT COLLATE "C"` }
func (d PostgresDialect) ValueType() string { return "BYTEA" }

func (d PostgresDialect) InsertIgnorePrefix() string { return "" }

func (d PostgresDialect) InsertIgnoreSuffix(conflictColumn string) string {
	return onConflictDoNothing(conflictColumn)
}

func (d PostgresDialect) UpsertSuffix(conflictColumns string, updateColumns []string) string {
	return onConflictUpdate(conflictColumns, updateColumns)
}

// ============================================================================
// MySQL Dialect
// ============================================================================

// MySQLDialect implements Dialect for MySQL/Vitess.
type MySQLDialect struct{}

var _ Dialect = MySQLDialect{}

func (d MySQLDialect) Name() string       { return "mysql" }
func (d MySQLDialect) DriverName() string { return "mysql" }

func (d MySQLDialect) ReplacePlaceholders(query string) string {
	return questionMarks(query)
}

func (d MySQLDialect) KeyType() string   { return "VARBINARY(512)" }
func (d MySQLDialect) ValueType() string { return "LONGBLOB" }

func (d MySQLDialect) InsertIgnorePrefix() string { return "IGNORE " }

func (d MySQLDialect) InsertIgnoreSuffix(conflictColumn string) string { return "" }

func (d MySQLDialect) UpsertSuffix(conflictColumns string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return ""
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
	}
	return " ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
}

// ============================================================================
// SQLite Dialect
// ============================================================================

// SQLiteDialect implements Dialect for SQLite (modernc.org/sqlite).
type SQLiteDialect struct{}

var _ Dialect = SQLiteDialect{}

func (d SQLiteDialect) Name() string       { return "sqlite" }
func (d SQLiteDialect) DriverName() string { return "sqlite" }

func (d SQLiteDialect) ReplacePlaceholders(query string) string {
	return questionMarks(query)
}

func (d SQLiteDialect) KeyType() string   { return "TEXT" }
func (d SQLiteDialect) ValueType() string { return "BLOB" }

func (d SQLiteDialect) InsertIgnorePrefix() string { return "" }

func (d SQLiteDialect) InsertIgnoreSuffix(conflictColumn string) string {
	return onConflictDoNothing(conflictColumn)
}

func (d SQLiteDialect) UpsertSuffix(conflictColumns string, updateColumns []string) string {
	return onConflictUpdate(conflictColumns, updateColumns)
}

// DialectFor returns the dialect of a driver name.
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "postgres", "cockroachdb":
		return PostgresDialect{}, nil
	case "mysql", "vitess":
		return MySQLDialect{}, nil
	case "sqlite":
		return SQLiteDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported sql dialect %q", name)
}

// ============================================================================
// Shared helpers
// ============================================================================

func onConflictDoNothing(conflictColumn string) string {
	return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", conflictColumn)
}

func onConflictUpdate(conflictColumns string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return ""
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", conflictColumns, strings.Join(updates, ", "))
}

// questionMarks replaces $1, $2, etc. with ?.
// IMPORTANT: Replace from highest to lowest to avoid $12 becoming ?2 when we replace $1 first.
func questionMarks(query string) string {
	result := query
	for i := 50; i >= 1; i-- {
		result = strings.ReplaceAll(result, fmt.Sprintf("$%d", i), "?")
	}
	return result
}
