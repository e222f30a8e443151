// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	sqlstore "github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db/sql"
)

const (
	// maxDeadlockRetries is the maximum number of retry attempts for deadlock errors
	maxDeadlockRetries = 3
	// baseDeadlockBackoff is the base backoff duration for deadlock retries
	baseDeadlockBackoff = 10 * time.Millisecond
)

// columns of the task table, in scan order. Times are Unix milliseconds
// so the schema is the same on every dialect.
const columns = `id, type, status, priority, task_key, payload, scheduled_at, started_at,
	completed_at, attempts, max_retries, retry_after, last_error,
	created_at, updated_at, worker_id`

// DBQueue is a database-backed implementation of Queue.
// Multiple workers can share it: PostgreSQL and MySQL use
// FOR UPDATE SKIP LOCKED, SQLite serializes writers.
type DBQueue struct {
	db                *sql.DB
	dialect           sqlstore.Dialect
	tableName         string
	visibilityTimeout time.Duration // How long a task can be "running" before being reclaimed
}

var _ Queue = (*DBQueue)(nil)

// DBQueueConfig configures the database queue.
type DBQueueConfig struct {
	DB                *sql.DB
	Dialect           sqlstore.Dialect
	TableName         string // Defaults to "abacus_tasks"
	VisibilityTimeout time.Duration // How long before a running task is considered abandoned (default: 5m)
}

// NewDBQueue creates a database-backed queue and its table when missing.
func NewDBQueue(ctx context.Context, cfg DBQueueConfig) (*DBQueue, error) {
	if cfg.DB == nil {
		return nil, errors.New("database connection is required")
	}
	if cfg.Dialect == nil {
		return nil, errors.New("database dialect is required")
	}
	if cfg.TableName == "" {
		cfg.TableName = "abacus_tasks"
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}

	q := &DBQueue{
		db:                cfg.DB,
		dialect:           cfg.Dialect,
		tableName:         sqlstore.TableName(cfg.TableName),
		visibilityTimeout: cfg.VisibilityTimeout,
	}
	if err := q.migrate(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *DBQueue) migrate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id %s PRIMARY KEY,
			type VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			priority INTEGER NOT NULL,
			task_key VARCHAR(512) NOT NULL DEFAULT '',
			payload %s,
			scheduled_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT,
			attempts INTEGER NOT NULL,
			max_retries INTEGER NOT NULL,
			retry_after BIGINT,
			last_error TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			heartbeat_at BIGINT,
			worker_id VARCHAR(255)
		)`, q.tableName, q.dialect.KeyType(), q.dialect.ValueType()))
	if err != nil {
		return fmt.Errorf("create table %s: %w", q.tableName, err)
	}
	return nil
}

// query formats the table name into a query written with $N placeholders
// and converts them for the dialect.
func (q *DBQueue) query(format string, args ...any) string {
	return q.dialect.ReplacePlaceholders(fmt.Sprintf(format, append([]any{q.tableName}, args...)...))
}

// lockClause skips rows other workers hold. SQLite has no row locks.
func (q *DBQueue) lockClause() string {
	if q.dialect.Name() == "sqlite" {
		return ""
	}
	return "FOR UPDATE SKIP LOCKED"
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMS(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func (q *DBQueue) Enqueue(ctx context.Context, task *Task) error {
	prepare(task, time.Now(), uuid.NewString)

	_, err := q.db.ExecContext(ctx, q.query(`
		INSERT INTO %s (id, type, status, priority, task_key, payload, scheduled_at,
			attempts, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`),
		task.ID, string(task.Type), string(task.Status), int(task.Priority), task.Key, []byte(task.Payload),
		ms(task.ScheduledAt), task.Attempts, task.MaxRetries,
		ms(task.CreatedAt), ms(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.ID, err)
	}
	TasksEnqueuedTotal.WithLabelValues(string(task.Type)).Inc()
	return nil
}

// isDeadlockError checks if the error is a database deadlock error.
// Supports MySQL (Error 1213), PostgreSQL (40P01) and a busy SQLite.
func isDeadlockError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	for _, s := range []string{"Error 1213", "Deadlock", "40P01", "deadlock detected", "SQLITE_BUSY", "database is locked"} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// retryDeadlocks runs op again with jittered exponential backoff while it
// fails with a deadlock.
func retryDeadlocks(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDeadlockBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			DeadlockRetries.Inc()
		}
		err := op()
		if err != nil && !isDeadlockError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, maxDeadlockRetries), ctx))
}

func (q *DBQueue) Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	var task *Task
	err := retryDeadlocks(ctx, func() error {
		var err error
		task, err = q.dequeueOnce(ctx, workerID, taskTypes...)
		return err
	})
	return task, err
}

func (q *DBQueue) dequeueOnce(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now()
	stale := now.Add(-q.visibilityTimeout)

	args := []any{ms(now), ms(now), ms(stale)}
	typeFilter := ""
	if len(taskTypes) > 0 {
		marks := make([]string, len(taskTypes))
		for i, t := range taskTypes {
			args = append(args, string(t))
			marks[i] = fmt.Sprintf("$%d", len(args))
		}
		typeFilter = " AND type IN (" + strings.Join(marks, ", ") + ")"
	}

	// Highest priority, oldest first. Tasks running past the visibility
	// timeout belong to a crashed worker and are taken over.
	row := tx.QueryRowContext(ctx, q.query(`
		SELECT `+columns+`
		FROM %s
		WHERE (
			(status = 'pending' AND scheduled_at <= $1 AND (retry_after IS NULL OR retry_after <= $2))
			OR
			(status = 'running' AND heartbeat_at < $3)
		)%s
		ORDER BY priority DESC, scheduled_at ASC, id ASC
		LIMIT 1
		%s`, typeFilter, q.lockClause()), args...)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// A reclaimed task counts the abandoned attempt
	attempts := task.Attempts
	if task.Status == StatusRunning {
		attempts++
	}

	_, err = tx.ExecContext(ctx, q.query(`
		UPDATE %s SET status = 'running', started_at = $1, heartbeat_at = $2,
			worker_id = $3, attempts = $4, updated_at = $5
		WHERE id = $6`),
		ms(now), ms(now), workerID, attempts, ms(now), task.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task.Status = StatusRunning
	task.StartedAt = &now
	task.WorkerID = workerID
	task.Attempts = attempts
	task.UpdatedAt = now
	return task, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		task                               Task
		typ, status                        string
		priority                           int
		payload                            []byte
		scheduledAt, createdAt, updatedAt  int64
		startedAt, completedAt, retryAfter sql.NullInt64
		lastError, workerID                sql.NullString
	)
	err := row.Scan(
		&task.ID, &typ, &status, &priority, &task.Key, &payload,
		&scheduledAt, &startedAt, &completedAt, &task.Attempts,
		&task.MaxRetries, &retryAfter, &lastError, &createdAt,
		&updatedAt, &workerID,
	)
	if err != nil {
		return nil, err
	}

	task.Type = TaskType(typ)
	task.Status = TaskStatus(status)
	task.Priority = TaskPriority(priority)
	task.Payload = payload
	task.ScheduledAt = time.UnixMilli(scheduledAt)
	task.CreatedAt = time.UnixMilli(createdAt)
	task.UpdatedAt = time.UnixMilli(updatedAt)
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		task.CompletedAt = &t
	}
	if retryAfter.Valid {
		task.RetryAfter = time.UnixMilli(retryAfter.Int64)
	}
	task.LastError = lastError.String
	task.WorkerID = workerID.String
	return &task, nil
}

func (q *DBQueue) Complete(ctx context.Context, taskID string) error {
	now := ms(time.Now())
	res, err := q.db.ExecContext(ctx, q.query(`
		UPDATE %s SET status = 'completed', completed_at = $1, updated_at = $2
		WHERE id = $3`), now, now, taskID)
	return affected(res, err)
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (q *DBQueue) Fail(ctx context.Context, taskID string, taskErr error) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	fail(task, taskErr, time.Now())
	if task.Status == StatusPending {
		TaskRetries.WithLabelValues(string(task.Type)).Inc()
	}

	var workerID sql.NullString
	if task.WorkerID != "" {
		workerID = sql.NullString{String: task.WorkerID, Valid: true}
	}
	_, err = q.db.ExecContext(ctx, q.query(`
		UPDATE %s SET status = $1, attempts = $2, last_error = $3,
			retry_after = $4, worker_id = $5, updated_at = $6
		WHERE id = $7`),
		string(task.Status), task.Attempts, task.LastError,
		nullMS(&task.RetryAfter), workerID, ms(task.UpdatedAt), taskID,
	)
	return err
}

func (q *DBQueue) Cancel(ctx context.Context, taskID string) error {
	now := ms(time.Now())
	res, err := q.db.ExecContext(ctx, q.query(`
		UPDATE %s SET status = 'cancelled', completed_at = $1, updated_at = $2
		WHERE id = $3`), now, now, taskID)
	return affected(res, err)
}

func (q *DBQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	row := q.db.QueryRowContext(ctx, q.query(`SELECT `+columns+` FROM %s WHERE id = $1`), taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

func (q *DBQueue) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var (
		where []string
		args  []any
	)
	add := func(column string, v string) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.Type != "" {
		add("type", string(filter.Type))
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.Key != "" {
		add("task_key", filter.Key)
	}

	query := "SELECT " + columns + " FROM %s"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	} else if filter.Offset > 0 {
		// OFFSET needs a LIMIT on MySQL and SQLite
		query += " LIMIT 1000000000"
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := q.db.QueryContext(ctx, q.query(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (q *DBQueue) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{ByType: make(map[TaskType]int64)}

	rows, err := q.db.QueryContext(ctx, q.query(`SELECT status, type, COUNT(*), MIN(scheduled_at) FROM %s GROUP BY status, type`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status, typ string
			count       int64
			oldest      sql.NullInt64
		)
		if err := rows.Scan(&status, &typ, &count, &oldest); err != nil {
			return nil, err
		}
		switch TaskStatus(status) {
		case StatusPending:
			stats.Pending += count
			stats.ByType[TaskType(typ)] += count
			if oldest.Valid {
				t := time.UnixMilli(oldest.Int64)
				if stats.OldestPending == nil || t.Before(*stats.OldestPending) {
					stats.OldestPending = &t
				}
			}
		case StatusRunning:
			stats.Running += count
		case StatusCompleted:
			stats.Completed += count
		case StatusFailed:
			stats.Failed += count
		case StatusDeadLetter:
			stats.DeadLetter += count
		}
	}
	return stats, rows.Err()
}

func (q *DBQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := ms(time.Now().Add(-olderThan))
	res, err := q.db.ExecContext(ctx, q.query(`
		DELETE FROM %s
		WHERE status IN ('completed', 'cancelled') AND completed_at < $1`), cutoff)
	if err != nil {
		return 0, err
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

// Heartbeat extends the visibility timeout for a running task.
func (q *DBQueue) Heartbeat(ctx context.Context, taskID string, workerID string) error {
	return retryDeadlocks(ctx, func() error {
		now := ms(time.Now())
		res, err := q.db.ExecContext(ctx, q.query(`
			UPDATE %s SET heartbeat_at = $1, updated_at = $2
			WHERE id = $3 AND worker_id = $4 AND status = 'running'`),
			now, now, taskID, workerID)
		return affected(res, err)
	})
}

// ReclaimStale returns tasks running past the visibility timeout to the
// queue, or to the dead letter state when their retries are spent. It
// returns the number of tasks changed.
func (q *DBQueue) ReclaimStale(ctx context.Context) (int, error) {
	now := ms(time.Now())
	stale := ms(time.Now().Add(-q.visibilityTimeout))

	res, err := q.db.ExecContext(ctx, q.query(`
		UPDATE %s
		SET status = 'pending', worker_id = NULL, attempts = attempts + 1,
			last_error = 'reclaimed: worker timeout', updated_at = $1
		WHERE status = 'running' AND heartbeat_at < $2 AND attempts + 1 < max_retries`), now, stale)
	if err != nil {
		return 0, err
	}
	rows, _ := res.RowsAffected()

	dead, err := q.db.ExecContext(ctx, q.query(`
		UPDATE %s
		SET status = 'dead_letter', worker_id = NULL,
			last_error = 'reclaimed: max retries exceeded', updated_at = $1
		WHERE status = 'running' AND heartbeat_at < $2`), now, stale)
	if err != nil {
		return int(rows), err
	}
	deadRows, _ := dead.RowsAffected()
	return int(rows + deadRows), nil
}

// VisibilityTimeout returns the configured visibility timeout.
func (q *DBQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTimeout
}

// Close is a no-op; the connection pool is owned by the caller.
func (q *DBQueue) Close() error {
	return nil
}
