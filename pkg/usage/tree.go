// Copyright 2025 Abacus Authors
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"encoding/json"

	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/decimal"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/plan"
	"github.com/cloudfoundry-attic/cf-abacus-sub007/pkg/timewindow"
)

// Slot is a window slot of aggregated usage. Summary and Charge are filled
// in by reporting.
type Slot struct {
	Quantity plan.Value       `json:"quantity"`
	Cost     plan.Value       `json:"cost,omitempty"`
	Summary  *decimal.Decimal `json:"summary,omitempty"`
	Charge   *decimal.Decimal `json:"charge,omitempty"`
}

// Metric holds the aggregated windows of one metric at one tree node.
// Processed is the watermark the windows are relative to.
type Metric struct {
	Metric    string                    `json:"metric"`
	Processed int64                     `json:"processed,omitempty"`
	Windows   timewindow.Windows[*Slot] `json:"windows"`
}

// PlanUsage is the usage of one plan of a resource.
type PlanUsage struct {
	PlanID          string           `json:"plan_id"`
	Charge          *decimal.Decimal `json:"charge,omitempty"`
	AggregatedUsage []*Metric        `json:"aggregated_usage"`
}

// Resource is the usage of one resource.
type Resource struct {
	ResourceID      string           `json:"resource_id"`
	Charge          *decimal.Decimal `json:"charge,omitempty"`
	AggregatedUsage []*Metric        `json:"aggregated_usage"`
	Plans           []*PlanUsage     `json:"plans"`
}

// Consumer is the usage of one consumer of a space. Processed is the last
// time usage was aggregated for it.
type Consumer struct {
	ConsumerID string           `json:"consumer_id"`
	Charge     *decimal.Decimal `json:"charge,omitempty"`
	Processed  int64            `json:"processed,omitempty"`
	Resources  []*Resource      `json:"resources"`
}

// Space is the usage of one space.
type Space struct {
	SpaceID   string           `json:"space_id"`
	Charge    *decimal.Decimal `json:"charge,omitempty"`
	Resources []*Resource      `json:"resources"`
	Consumers []*Consumer      `json:"consumers"`
}

// AggregatedUsage is the usage tree of an organization for one month.
type AggregatedUsage struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	Start          int64            `json:"start"`
	End            int64            `json:"end"`
	Processed      int64            `json:"processed"`
	Charge         *decimal.Decimal `json:"charge,omitempty"`
	Resources      []*Resource      `json:"resources"`
	Spaces         []*Space         `json:"spaces"`

	// Instances records what each resource instance contributed to the
	// tree, keyed by instance key.
	Instances map[string]*Instance `json:"instances,omitempty"`
}

// Instance is the accumulated usage of one resource instance as last
// folded into a tree. Its values are the contribution subtracted when the
// instance's next accumulation is folded in.
type Instance struct {
	Seq       int64                                     `json:"seq"`
	Processed int64                                     `json:"processed"`
	Metrics   map[string]timewindow.Windows[plan.Value] `json:"metrics"`
}

// NewAggregatedUsage returns an empty tree.
func NewAggregatedUsage(id, orgID string) *AggregatedUsage {
	return &AggregatedUsage{
		ID:             id,
		OrganizationID: orgID,
		Resources:      []*Resource{},
		Spaces:         []*Space{},
		Instances:      map[string]*Instance{},
	}
}

// Clone deep copies the tree.
func (a *AggregatedUsage) Clone() (*AggregatedUsage, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	var c AggregatedUsage
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	if c.Instances == nil {
		c.Instances = map[string]*Instance{}
	}
	return &c, nil
}

// Resource returns the organization level resource, creating it if needed.
func (a *AggregatedUsage) Resource(id string) *Resource {
	return findOrAdd(&a.Resources, func(r *Resource) bool { return r.ResourceID == id }, func() *Resource {
		return &Resource{ResourceID: id, AggregatedUsage: []*Metric{}, Plans: []*PlanUsage{}}
	})
}

// Space returns the space, creating it if needed.
func (a *AggregatedUsage) Space(id string) *Space {
	return findOrAdd(&a.Spaces, func(s *Space) bool { return s.SpaceID == id }, func() *Space {
		return &Space{SpaceID: id, Resources: []*Resource{}, Consumers: []*Consumer{}}
	})
}

// Resource returns the space level resource, creating it if needed.
func (s *Space) Resource(id string) *Resource {
	return findOrAdd(&s.Resources, func(r *Resource) bool { return r.ResourceID == id }, func() *Resource {
		return &Resource{ResourceID: id, AggregatedUsage: []*Metric{}, Plans: []*PlanUsage{}}
	})
}

// Consumer returns the consumer, creating it if needed.
func (s *Space) Consumer(id string) *Consumer {
	return findOrAdd(&s.Consumers, func(c *Consumer) bool { return c.ConsumerID == id }, func() *Consumer {
		return &Consumer{ConsumerID: id, Resources: []*Resource{}}
	})
}

// Resource returns the consumer level resource, creating it if needed.
func (c *Consumer) Resource(id string) *Resource {
	return findOrAdd(&c.Resources, func(r *Resource) bool { return r.ResourceID == id }, func() *Resource {
		return &Resource{ResourceID: id, AggregatedUsage: []*Metric{}, Plans: []*PlanUsage{}}
	})
}

// Plan returns the plan usage of a resource, creating it if needed.
func (r *Resource) Plan(id string) *PlanUsage {
	return findOrAdd(&r.Plans, func(p *PlanUsage) bool { return p.PlanID == id }, func() *PlanUsage {
		return &PlanUsage{PlanID: id, AggregatedUsage: []*Metric{}}
	})
}

// Metric returns the resource level metric, creating it if needed.
func (r *Resource) Metric(name string) *Metric {
	return metric(&r.AggregatedUsage, name)
}

// Metric returns the plan level metric, creating it if needed.
func (p *PlanUsage) Metric(name string) *Metric {
	return metric(&p.AggregatedUsage, name)
}

func metric(metrics *[]*Metric, name string) *Metric {
	return findOrAdd(metrics, func(m *Metric) bool { return m.Metric == name }, func() *Metric {
		return &Metric{Metric: name, Windows: timewindow.Windows[*Slot]{}}
	})
}

func findOrAdd[T any](list *[]*T, match func(*T) bool, create func() *T) *T {
	for _, v := range *list {
		if match(v) {
			return v
		}
	}
	v := create()
	*list = append(*list, v)
	return v
}
