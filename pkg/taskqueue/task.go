// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskqueue provides the durable queue between pipeline stages.
//
// Supported backends:
// - Database (PostgreSQL, MySQL, SQLite) through pkg/db/sql dialects
// - In-memory, for tests and single process runs
//
// Task types:
// - accumulate: one usage event to fold into its instance's accumulation
// - aggregate: one accumulated document to fold into its organization tree
// - renew: carry running resources into a new month
package taskqueue

import (
	"encoding/json"
	"errors"
	"time"
)

// Default configuration values
const (
	DefaultPollInterval      = time.Second
	DefaultConcurrency       = 5
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultMaxRetries        = 5
	maxRetryDelay            = 5 * time.Minute
)

// TaskType identifies the type of task for routing to handlers.
type TaskType string

const (
	TaskTypeAccumulate TaskType = "accumulate"
	TaskTypeAggregate  TaskType = "aggregate"
	TaskTypeRenew      TaskType = "renew"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"     // Waiting to be picked up
	StatusRunning    TaskStatus = "running"     // Currently being processed
	StatusCompleted  TaskStatus = "completed"   // Successfully finished
	StatusFailed     TaskStatus = "failed"      // Failed, may retry
	StatusDeadLetter TaskStatus = "dead_letter" // Failed permanently
	StatusCancelled  TaskStatus = "cancelled"   // Cancelled by user/system
)

// TaskPriority allows urgent tasks to be processed first.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 0
	PriorityNormal TaskPriority = 5
	PriorityHigh   TaskPriority = 10
)

// Task represents a unit of work to be processed.
type Task struct {
	ID       string       `json:"id"`
	Type     TaskType     `json:"type"`
	Status   TaskStatus   `json:"status"`
	Priority TaskPriority `json:"priority"`

	// Key is the document the task works on, e.g. the instance key of an
	// event. It is informational and used for filtering.
	Key string `json:"key,omitempty"`

	Payload json.RawMessage `json:"payload"`

	// Scheduling
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Retry handling
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"max_retries"`
	RetryAfter time.Time `json:"retry_after,omitempty"`

	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	WorkerID  string    `json:"worker_id,omitempty"`
}

// TaskFilter for querying tasks.
type TaskFilter struct {
	Type   TaskType   `json:"type,omitempty"`
	Status TaskStatus `json:"status,omitempty"`
	Key    string     `json:"key,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}

// QueueStats provides queue metrics.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Running    int64 `json:"running"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"dead_letter"`

	// Pending tasks by type
	ByType map[TaskType]int64 `json:"by_type"`

	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// NewTask returns a pending task of type t carrying payload as JSON.
func NewTask(t TaskType, key string, payload any) (*Task, error) {
	p, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Task{
		Type:       t,
		Key:        key,
		Priority:   PriorityNormal,
		Payload:    p,
		MaxRetries: DefaultMaxRetries,
	}, nil
}

// MarshalPayload is a helper to marshal a payload struct to JSON.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// UnmarshalPayload is a helper to unmarshal a JSON payload.
func UnmarshalPayload[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}

// prepare fills the defaults of a task about to be enqueued.
func prepare(task *Task, now time.Time, newID func() string) {
	if task.ID == "" {
		task.ID = newID()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = DefaultMaxRetries
	}
	task.UpdatedAt = now
}

// fail records a failed attempt: the task either becomes pending again
// after an exponential delay (1s, 2s, 4s, ...) or moves to the dead letter
// state once its retries are spent.
func fail(task *Task, err error, now time.Time) {
	task.Attempts++
	task.LastError = err.Error()
	task.UpdatedAt = now
	task.WorkerID = ""

	if task.Attempts >= task.MaxRetries || IsPermanent(err) {
		task.Status = StatusDeadLetter
		return
	}
	task.Status = StatusPending
	task.RetryAfter = now.Add(retryDelay(task.Attempts))
}

func retryDelay(attempts int) time.Duration {
	if attempts >= 16 {
		return maxRetryDelay
	}
	return min(time.Duration(1<<attempts)*time.Second, maxRetryDelay)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that retrying cannot fix. The task goes
// to the dead letter state on its first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
