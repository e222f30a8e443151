// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/plan"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/timewindow"
)

func testEvent() Event {
	return Event{
		Start:              1420243200000,
		End:                1420245000000,
		OrganizationID:     "org",
		SpaceID:            "space",
		ConsumerID:         "app",
		ResourceID:         "object-storage",
		PlanID:             "basic",
		ResourceInstanceID: "instance",
		MeasuredUsage:      []Measure{{Measure: "heavy_api_calls", Quantity: plan.Value("100")}},
	}
}

func TestEvent_Validate(t *testing.T) {
	t.Parallel()

	e := testEvent()
	require.NoError(t, e.Validate())

	tests := []struct {
		name   string
		mutate func(*Event)
		msg    string
	}{
		{"missing ids", func(e *Event) { e.OrganizationID = ""; e.PlanID = "" }, "missing organization_id, plan_id"},
		{"no start", func(e *Event) { e.Start = 0 }, "start and end are required"},
		{"start after end", func(e *Event) { e.Start = e.End + 1 }, "after end"},
		{"no measures", func(e *Event) { e.MeasuredUsage = nil }, "no measured usage"},
		{"unnamed measure", func(e *Event) { e.MeasuredUsage[0].Measure = "" }, "measure name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEvent()
			e.MeasuredUsage = append([]Measure(nil), e.MeasuredUsage...)
			tt.mutate(&e)
			err := e.Validate()
			require.ErrorIs(t, err, ErrInvalidEvent)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestEvent_Keys(t *testing.T) {
	t.Parallel()

	e := testEvent()
	assert.Equal(t, "org/instance/app/basic", e.InstanceKey())
	assert.Equal(t, "org/instance/app/basic/0001420243200000/0001420245000000", e.GUID())

	e.ConsumerID = ""
	assert.Equal(t, UnknownConsumer, e.ConsumerOrUnknown())
	assert.Equal(t, "org/instance/UNKNOWN/basic", e.InstanceKey())

	e.DedupID = "d-1"
	assert.Equal(t, "d-1", e.GUID())
}

func TestEvent_JSON(t *testing.T) {
	t.Parallel()

	in := `{"start":1,"end":2,"organization_id":"o","space_id":"s","resource_id":"r","plan_id":"p",` +
		`"resource_instance_id":"i","measured_usage":[{"measure":"mem","quantity":{"consumed":1}}]}`
	var e Event
	require.NoError(t, json.Unmarshal([]byte(in), &e))
	require.NoError(t, e.Validate())

	q, ok := e.Quantity("mem")
	require.True(t, ok)
	assert.JSONEq(t, `{"consumed":1}`, string(q))

	m := e.Measures()
	assert.Equal(t, int64(1), m.Start)
	assert.Contains(t, m.Values, "mem")

	_, ok = e.Quantity("cpu")
	assert.False(t, ok)
}

func TestQuantity_Changed(t *testing.T) {
	t.Parallel()

	assert.False(t, Quantity{}.Changed())
	assert.True(t, Quantity{Current: plan.Value("1")}.Changed())
	assert.True(t, Quantity{Previous: plan.Value("1"), Current: plan.Value("2")}.Changed())
	assert.False(t, Quantity{Previous: plan.Value("2"), Current: plan.Value("2")}.Changed())
}

func TestAccumulatedUsage_Metric(t *testing.T) {
	t.Parallel()

	a := &AccumulatedUsage{}
	sizes := timewindow.DefaultSlack.Sizes()

	m := a.Metric("heavy_api_calls", sizes)
	require.Len(t, m.Windows, timewindow.NumDimensions)
	assert.Len(t, m.Windows[timewindow.Minute], 11)
	assert.Same(t, m, a.Metric("heavy_api_calls", sizes))

	sizes[timewindow.Month] = 4
	assert.Len(t, a.Metric("heavy_api_calls", sizes).Windows[timewindow.Month], 4)
	assert.Len(t, a.AccumulatedUsage, 1)
}
