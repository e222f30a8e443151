// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/carryover"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/db"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/logger"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/timewindow"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/usage"
)

// runningPrefix marks measures describing what a resource is running now,
// as opposed to what it did during the event.
const runningPrefix = "current_"

// RenewResult reports a month renewal.
type RenewResult struct {
	Pages   int
	Renewed int
	Skipped int
}

// Renewer carries running resources into a new month. For every carry-over
// record of the previous month it resubmits the running state of the last
// event at the first millisecond of the month, so time-based metrics keep
// accruing in the new month partition.
type Renewer struct {
	carry    *carryover.Store
	sub      *Submitter
	cfg      usage.Config
	pageSize int
}

// NewRenewer creates a renewer.
func NewRenewer(carry *carryover.Store, sub *Submitter, cfg usage.Config, pageSize int) *Renewer {
	return &Renewer{carry: carry, sub: sub, cfg: cfg, pageSize: pageSize}
}

// Renew resubmits the resources still running at the end of the month
// before the one containing month. Instances that already have a record in
// the month are skipped, so running it again or after new events changes
// nothing.
func (r *Renewer) Renew(ctx context.Context, month time.Time) (RenewResult, error) {
	var res RenewResult
	if r.carry == nil {
		return res, errors.New("renewal needs a carry-over store")
	}
	start := timewindow.ZeroLowerDimensions(month.UTC(), timewindow.Month)
	from, to := carryover.MonthRange(timewindow.Add(start, timewindow.Month, -1))

	pages, err := r.carry.ReadAllPages(ctx, from, to, r.pageSize, func(ctx context.Context, page []usage.CarryOverRecord) error {
		for _, rec := range page {
			e, ok := r.renewal(rec, start)
			if ok {
				var err error
				if ok, err = r.pending(ctx, &e); err != nil {
					return fmt.Errorf("renew %s: %w", rec.ID, err)
				}
			}
			if !ok {
				res.Skipped++
				continue
			}
			if _, err := r.sub.Submit(ctx, e); err != nil {
				return fmt.Errorf("renew %s: %w", rec.ID, err)
			}
			res.Renewed++
			renewedTotal.Inc()
		}
		return nil
	})
	res.Pages = pages.Processed
	logger.Ctx(ctx).Info().
		Str("month", start.Format("2006-01")).
		Int("pages", res.Pages).
		Int("renewed", res.Renewed).
		Int("skipped", res.Skipped).
		Err(err).
		Msg("month renewal")
	return res, err
}

// renewal builds the event continuing rec at start. Stopped resources and
// records without running measures are not renewed: resubmitting other
// measures would count them twice.
func (r *Renewer) renewal(rec usage.CarryOverRecord, start time.Time) (usage.Event, bool) {
	e := rec.State
	if r.cfg.IsStopped(&e) {
		return e, false
	}
	var running []usage.Measure
	for _, m := range e.MeasuredUsage {
		if strings.HasPrefix(m.Measure, runningPrefix) {
			running = append(running, m)
		}
	}
	if len(running) == 0 {
		return e, false
	}
	ms := start.UnixMilli()
	e.MeasuredUsage = running
	e.Start, e.End = ms, ms
	e.DedupID = usage.RenewalID(ms, rec.ID)
	return e, true
}

// pending reports whether the renewal e still has to be submitted. Once
// the instance has a record in the new month, either this renewal or a
// later event already continued it.
func (r *Renewer) pending(ctx context.Context, e *usage.Event) (bool, error) {
	rec, err := r.carry.Get(ctx, carryover.Key(e))
	switch {
	case errors.Is(err, db.ErrNotFound):
		return true, nil
	case err != nil:
		return false, err
	}
	return rec.Timestamp < e.End && !rec.Seen(e.DedupID), nil
}
