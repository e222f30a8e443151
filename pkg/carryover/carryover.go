// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package carryover keeps the last event of every running resource instance
// per month. The records detect duplicate deliveries, keep event instants
// strictly increasing per instance and let the renewer carry running
// resources into the next month.
//
// Record ids are time first (t/<month>/k/<org>/<space>/<consumer>/
// <resource>/<plan>/<instance>) so one month is a contiguous key range.
package carryover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/lock"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/timewindow"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/usage"
)

// Stats counts carry-over store operations.
type Stats struct {
	GetSuccess    atomic.Int64
	GetFailure    atomic.Int64
	RemoveSuccess atomic.Int64
	RemoveFailure atomic.Int64
	UpsertSuccess atomic.Int64
	UpsertFailure atomic.Int64
	ReadSuccess   atomic.Int64
	ReadFailure   atomic.Int64
	DocsRead      atomic.Int64
}

// Snapshot returns the counters as a map keyed like the metric labels.
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"get_success":    s.GetSuccess.Load(),
		"get_failure":    s.GetFailure.Load(),
		"remove_success": s.RemoveSuccess.Load(),
		"remove_failure": s.RemoveFailure.Load(),
		"upsert_success": s.UpsertSuccess.Load(),
		"upsert_failure": s.UpsertFailure.Load(),
		"read_success":   s.ReadSuccess.Load(),
		"read_failure":   s.ReadFailure.Load(),
		"docs_read":      s.DocsRead.Load(),
	}
}

// CollectorResponse identifies the collector submission that produced an
// event.
type CollectorResponse struct {
	CollectorID string
	EventGUID   string
}

// Store reads and writes carry-over records.
type Store struct {
	db    db.Store
	locks lock.Manager
	cfg   usage.Config
	stats Stats
}

// New returns a carry-over store over s. Record reads and writes lock the
// record id through locks.
func New(s db.Store, locks lock.Manager, cfg usage.Config) *Store {
	return &Store{db: s, locks: locks, cfg: cfg}
}

// Stats returns the operation counters.
func (s *Store) Stats() *Stats {
	return &s.stats
}

// MonthStart returns the first millisecond of the UTC month containing ms.
func MonthStart(ms int64) int64 {
	return timewindow.ZeroLowerDimensions(time.UnixMilli(ms), timewindow.Month).UnixMilli()
}

// Key returns the record id of the instance an event belongs to, in the
// month of the event start.
func Key(e *usage.Event) string {
	k := strings.Join([]string{
		e.OrganizationID, e.SpaceID, e.ConsumerOrUnknown(),
		e.ResourceID, e.PlanID, e.ResourceInstanceID,
	}, "/")
	return db.TKURI(k, MonthStart(e.Start))
}

// MonthRange returns the id range [start, end) holding the records of the
// month containing t.
func MonthRange(t time.Time) (start, end string) {
	from := timewindow.Bounds(t, timewindow.Month, 0)
	return "t/" + db.Pad16(from.From.UnixMilli()), "t/" + db.Pad16(from.To.UnixMilli())
}

// Get returns the record with the given id under the id's lock, or
// db.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*usage.CarryOverRecord, error) {
	var rec *usage.CarryOverRecord
	err := lock.With(ctx, s.locks, id, func(ctx context.Context) error {
		var err error
		rec, err = s.get(ctx, id)
		return err
	})
	return rec, err
}

func (s *Store) get(ctx context.Context, id string) (*usage.CarryOverRecord, error) {
	var rec usage.CarryOverRecord
	err := db.GetJSON(ctx, s.db, id, &rec)
	switch {
	case err == nil:
		s.stats.GetSuccess.Add(1)
		opsTotal.WithLabelValues("get", "success").Inc()
		return &rec, nil
	case errors.Is(err, db.ErrNotFound):
		s.stats.GetSuccess.Add(1)
		opsTotal.WithLabelValues("get", "success").Inc()
		return nil, err
	default:
		s.stats.GetFailure.Add(1)
		opsTotal.WithLabelValues("get", "failure").Inc()
		return nil, fmt.Errorf("get carry-over %s: %w", id, err)
	}
}

// Write records the event as the latest state of its instance. Events of
// stopped resources remove the record instead; a missing record is already
// consistent. Writing the event the record already holds changes nothing.
func (s *Store) Write(ctx context.Context, e *usage.Event, resp CollectorResponse) error {
	id := Key(e)
	return lock.With(ctx, s.locks, id, func(ctx context.Context) error {
		prev, err := s.get(ctx, id)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}

		if s.cfg.IsStopped(e) {
			if prev != nil {
				logger.Debug().Str("id", id).Msg("removing carry-over record")
				err := s.db.Delete(ctx, id)
				if err != nil && !errors.Is(err, db.ErrNotFound) {
					s.stats.RemoveFailure.Add(1)
					opsTotal.WithLabelValues("remove", "failure").Inc()
					return fmt.Errorf("remove carry-over %s: %w", id, err)
				}
			}
			s.stats.RemoveSuccess.Add(1)
			opsTotal.WithLabelValues("remove", "success").Inc()
			return nil
		}

		var recent usage.History
		if prev != nil {
			if prev.EventGUID == resp.EventGUID && prev.Timestamp == e.End {
				return nil
			}
			recent = prev.Recent
		}
		rec := usage.CarryOverRecord{
			ID:          id,
			CollectorID: resp.CollectorID,
			EventGUID:   resp.EventGUID,
			State:       *e,
			Timestamp:   e.End,
			Recent:      s.cfg.Remember(recent, resp.EventGUID, e.End),
		}
		if err := db.PutJSON(ctx, s.db, id, rec); err != nil {
			s.stats.UpsertFailure.Add(1)
			opsTotal.WithLabelValues("upsert", "failure").Inc()
			return fmt.Errorf("upsert carry-over %s: %w", id, err)
		}
		s.stats.UpsertSuccess.Add(1)
		opsTotal.WithLabelValues("upsert", "success").Inc()
		return nil
	})
}

// AdjustTimestamp compares an event with the record of its instance.
// duplicate is true when the record was written for the same event guid or
// remembers it among the recent events of the instance, and for a renewal
// the instance already reported past. The event is then returned
// unchanged. Otherwise, when the record's timestamp is at or after the
// event end, start and end move forward so the end is 1ms past the
// timestamp and the duration is kept.
func (s *Store) AdjustTimestamp(ctx context.Context, e usage.Event, guid string) (adjusted usage.Event, duplicate bool, err error) {
	rec, err := s.Get(ctx, Key(&e))
	if errors.Is(err, db.ErrNotFound) {
		return e, false, nil
	}
	if err != nil {
		return e, false, err
	}
	if rec.Seen(guid) {
		return e, true, nil
	}
	if rec.Timestamp >= e.End && e.IsRenewal() {
		logger.Debug().
			Str("id", rec.ID).
			Str("guid", guid).
			Msg("renewal superseded by a later event")
		return e, true, nil
	}
	if rec.Timestamp >= e.End {
		shift := rec.Timestamp + 1 - e.End
		e.Start += shift
		e.End += shift
		logger.Debug().
			Str("id", rec.ID).
			Int64("shift_ms", shift).
			Msg("adjusted event timestamp")
	}
	return e, false, nil
}

// ReadPage returns up to limit records with ids in [start, end) after
// skipping skip records.
func (s *Store) ReadPage(ctx context.Context, start, end string, limit, skip int) ([]usage.CarryOverRecord, error) {
	kvs, err := s.db.Range(ctx, db.RangeQuery{Start: start, End: end, Limit: limit, Skip: skip})
	if err != nil {
		s.stats.ReadFailure.Add(1)
		opsTotal.WithLabelValues("read", "failure").Inc()
		return nil, fmt.Errorf("read carry-over from %s to %s with limit %d and skip %d: %w", start, end, limit, skip, err)
	}
	recs := make([]usage.CarryOverRecord, 0, len(kvs))
	for _, kv := range kvs {
		var rec usage.CarryOverRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			s.stats.ReadFailure.Add(1)
			opsTotal.WithLabelValues("read", "failure").Inc()
			return nil, fmt.Errorf("decode carry-over %s: %w", kv.Key, err)
		}
		recs = append(recs, rec)
	}
	s.stats.ReadSuccess.Add(1)
	s.stats.DocsRead.Add(int64(len(recs)))
	opsTotal.WithLabelValues("read", "success").Inc()
	docsRead.Add(float64(len(recs)))
	return recs, nil
}

// PageResult reports how a scan went.
type PageResult struct {
	Processed int
	Failed    int
}

// ErrInvalidPageSize is returned by ReadAllPages for a page size below 1.
var ErrInvalidPageSize = errors.New("page size must be positive")

// ReadAllPages calls fn with every page of records in [start, end). The
// scan stops at the first read or fn failure; the failed page is counted
// and the error returned. Nothing is retried.
func (s *Store) ReadAllPages(ctx context.Context, start, end string, pageSize int, fn func(ctx context.Context, page []usage.CarryOverRecord) error) (PageResult, error) {
	var res PageResult
	if pageSize < 1 {
		return res, ErrInvalidPageSize
	}
	for skip := 0; ; skip += pageSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := s.ReadPage(ctx, start, end, pageSize, skip)
		if err == nil && len(page) > 0 {
			err = fn(ctx, page)
		}
		if err != nil {
			res.Failed++
			logger.Error().Err(err).
				Int("processed", res.Processed).
				Int("failed", res.Failed).
				Msg("carry-over scan aborted")
			return res, err
		}
		if len(page) == 0 {
			return res, nil
		}
		res.Processed++
		if len(page) < pageSize {
			return res, nil
		}
	}
}
