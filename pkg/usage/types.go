// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

// Package usage defines the documents that flow through the metering
// pipeline: usage events, accumulated usage and the aggregated usage tree
// of an organization.
package usage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/plan"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/timewindow"
)

// UnknownConsumer is the consumer id of events that carry none.
const UnknownConsumer = "UNKNOWN"

// ErrInvalidEvent is returned by Event.Validate.
var ErrInvalidEvent = errors.New("invalid usage event")

// Measure is one measured quantity of an event.
type Measure struct {
	Measure  string     `json:"measure"`
	Quantity plan.Value `json:"quantity"`
}

// Event is a usage event as submitted by a resource provider. Start and End
// are millisecond epoch timestamps.
type Event struct {
	Start              int64     `json:"start"`
	End                int64     `json:"end"`
	OrganizationID     string    `json:"organization_id"`
	SpaceID            string    `json:"space_id"`
	ConsumerID         string    `json:"consumer_id,omitempty"`
	ResourceID         string    `json:"resource_id"`
	PlanID             string    `json:"plan_id"`
	ResourceInstanceID string    `json:"resource_instance_id"`
	MeasuredUsage      []Measure `json:"measured_usage"`
	DedupID            string    `json:"dedup_id,omitempty"`
}

// Validate checks required ids, the time range and measures.
func (e *Event) Validate() error {
	var missing []string
	for _, f := range [...]struct{ name, value string }{
		{"organization_id", e.OrganizationID},
		{"space_id", e.SpaceID},
		{"resource_id", e.ResourceID},
		{"plan_id", e.PlanID},
		{"resource_instance_id", e.ResourceInstanceID},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEvent, strings.Join(missing, ", "))
	}
	if e.Start <= 0 || e.End <= 0 {
		return fmt.Errorf("%w: start and end are required", ErrInvalidEvent)
	}
	if e.Start > e.End {
		return fmt.Errorf("%w: start %d after end %d", ErrInvalidEvent, e.Start, e.End)
	}
	if len(e.MeasuredUsage) == 0 {
		return fmt.Errorf("%w: no measured usage", ErrInvalidEvent)
	}
	for _, m := range e.MeasuredUsage {
		if m.Measure == "" {
			return fmt.Errorf("%w: measure name is required", ErrInvalidEvent)
		}
	}
	return nil
}

// ConsumerOrUnknown returns the consumer id, UnknownConsumer when empty.
func (e *Event) ConsumerOrUnknown() string {
	if e.ConsumerID == "" {
		return UnknownConsumer
	}
	return e.ConsumerID
}

// InstanceKey identifies the accumulation of one resource instance:
// org/instance/consumer/plan.
func (e *Event) InstanceKey() string {
	return strings.Join([]string{e.OrganizationID, e.ResourceInstanceID, e.ConsumerOrUnknown(), e.PlanID}, "/")
}

// GUID identifies the event for duplicate detection: the dedup id when set,
// otherwise the instance key and time range.
func (e *Event) GUID() string {
	if e.DedupID != "" {
		return e.DedupID
	}
	return fmt.Sprintf("%s/%016d/%016d", e.InstanceKey(), e.Start, e.End)
}

// RenewalPrefix starts the dedup id of the events that carry a running
// resource into a new month.
const RenewalPrefix = "renew/"

// RenewalID returns the dedup id of the renewal of carry-over record
// recordID at monthStart.
func RenewalID(monthStart int64, recordID string) string {
	return fmt.Sprintf("%s%d/%s", RenewalPrefix, monthStart, recordID)
}

// IsRenewal reports whether the event continues a resource into a new
// month rather than reporting new usage.
func (e *Event) IsRenewal() bool {
	return strings.HasPrefix(e.DedupID, RenewalPrefix)
}

// Measures returns the input of the metric meters.
func (e *Event) Measures() plan.Measures {
	m := plan.Measures{Values: make(map[string]plan.Value, len(e.MeasuredUsage)), Start: e.Start, End: e.End}
	for _, mu := range e.MeasuredUsage {
		m.Values[mu.Measure] = mu.Quantity
	}
	return m
}

// Quantity returns the raw quantity of a measure.
func (e *Event) Quantity(measure string) (plan.Value, bool) {
	for _, mu := range e.MeasuredUsage {
		if mu.Measure == measure {
			return mu.Quantity, true
		}
	}
	return nil, false
}

// Quantity of an accumulator slot: the instance's accumulated value before
// and after the latest event that touched the slot. Previous equals
// Current on slots the latest event did not touch.
type Quantity struct {
	Previous plan.Value `json:"previous,omitempty"`
	Current  plan.Value `json:"current"`
}

// Changed reports whether the slot carries a contribution not yet folded
// into aggregates.
func (q Quantity) Changed() bool {
	if plan.IsNull(q.Current) {
		return false
	}
	return plan.IsNull(q.Previous) || string(q.Previous) != string(q.Current)
}

// AccumSlot is a window slot of accumulated usage.
type AccumSlot struct {
	Quantity Quantity   `json:"quantity"`
	Cost     plan.Value `json:"cost,omitempty"`
}

// AccumulatedMetric holds the windows of one metric.
type AccumulatedMetric struct {
	Metric  string                         `json:"metric"`
	Windows timewindow.Windows[*AccumSlot] `json:"windows"`
}

// AccumulatedUsage is the running accumulation of one resource instance
// (organization, instance, consumer, plan) in one calendar month.
type AccumulatedUsage struct {
	ID                 string `json:"id"`
	OrganizationID     string `json:"organization_id"`
	SpaceID            string `json:"space_id"`
	ConsumerID         string `json:"consumer_id"`
	ResourceID         string `json:"resource_id"`
	PlanID             string `json:"plan_id"`
	ResourceInstanceID string `json:"resource_instance_id"`

	// Start and End of the latest accumulated event.
	Start int64 `json:"start"`
	End   int64 `json:"end"`

	// Processed is the watermark the windows are relative to.
	Processed   int64  `json:"processed"`
	ProcessedID string `json:"processed_id"`

	// Seq counts the events accumulated into this document.
	Seq int64 `json:"seq"`

	AccumulatedUsage []*AccumulatedMetric `json:"accumulated_usage"`

	// MonthAdjusted is set when the latest event was too old for its own
	// month and was accounted to the processing month.
	MonthAdjusted bool `json:"month_adjusted,omitempty"`

	// FailedMetrics maps metrics the latest event could not be applied to
	// to the error.
	FailedMetrics map[string]string `json:"failed_metrics,omitempty"`

	// Recent lists the events accumulated into this document within the
	// slack of the latest one.
	Recent History `json:"recent,omitempty"`
}

// InstanceKey returns org/instance/consumer/plan.
func (a *AccumulatedUsage) InstanceKey() string {
	return strings.Join([]string{a.OrganizationID, a.ResourceInstanceID, a.ConsumerID, a.PlanID}, "/")
}

// Metric returns the windows of a metric, creating them when missing.
func (a *AccumulatedUsage) Metric(name string, sizes [timewindow.NumDimensions]int) *AccumulatedMetric {
	for _, m := range a.AccumulatedUsage {
		if m.Metric == name {
			m.Windows.Grow(sizes)
			return m
		}
	}
	m := &AccumulatedMetric{Metric: name, Windows: timewindow.NewWindows[*AccumSlot](sizes)}
	a.AccumulatedUsage = append(a.AccumulatedUsage, m)
	return m
}

// CarryOverRecord remembers the last event of a running resource instance
// so the instance can be carried into the next month.
type CarryOverRecord struct {
	ID          string `json:"id"`
	CollectorID string `json:"collector_id"`
	EventGUID   string `json:"event_guid"`
	State       Event  `json:"state"`
	Timestamp   int64  `json:"timestamp"`

	// Recent lists the events of the instance written within the slack of
	// the latest one, newest last.
	Recent History `json:"recent,omitempty"`
}

// Seen reports whether the record was written for the event guid or one of
// the recent events before it.
func (r *CarryOverRecord) Seen(guid string) bool {
	return r.EventGUID == guid || r.Recent.Contains(guid)
}

// ProcessedEvent identifies an event that was already accounted.
type ProcessedEvent struct {
	GUID string `json:"guid"`
	End  int64  `json:"end"`
}

// History is a bounded list of processed events, newest last.
type History []ProcessedEvent

// Contains reports whether guid is in the history.
func (h History) Contains(guid string) bool {
	for _, p := range h {
		if p.GUID == guid {
			return true
		}
	}
	return false
}

// Add returns the history with the event appended. Entries ending before
// horizon are dropped, then the oldest ones beyond limit.
func (h History) Add(guid string, end, horizon int64, limit int) History {
	out := make(History, 0, len(h)+1)
	for _, p := range h {
		if p.End >= horizon && p.GUID != guid {
			out = append(out, p)
		}
	}
	out = append(out, ProcessedEvent{GUID: guid, End: end})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
