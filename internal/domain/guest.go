package domain

import (
	"fmt"
	"slices"
)

// Guest represents a running virtual machine or container.
type Guest struct {
	Name string    `json:"name"`
	ID   string    `json:"id"`
	Type GuestType `json:"type"`

	NodeCurrent string `json:"node_current"`
	NodeTarget  string `json:"node_target"`
	Processed   bool   `json:"processed"`
	Ignore      bool   `json:"ignore"`
	PressureHot bool   `json:"pressure_hot"`

	Tags               []string `json:"tags"`
	Pools              []string `json:"pools"`
	HaRules            []string `json:"ha_rules"`
	AffinityGroups     []string `json:"affinity_groups"`
	AntiAffinityGroups []string `json:"anti_affinity_groups"`

	NodeRelationships       []string `json:"node_relationships"`
	NodeRelationshipsStrict bool     `json:"node_relationships_strict"`

	CPU    Metric `json:"cpu"`
	Memory Metric `json:"memory"`
	Disk   Metric `json:"disk"`
}

// Metric returns the metric of the given resource kind.
func (g *Guest) Metric(kind ResourceKind) *Metric {
	switch kind {
	case ResourceCPU:
		return &g.CPU
	case ResourceMemory:
		return &g.Memory
	case ResourceDisk:
		return &g.Disk
	default:
		panic(fmt.Sprintf("domain: unknown resource kind %q", kind))
	}
}

// Moved returns true if the plan relocates the guest.
func (g *Guest) Moved() bool {
	return g.NodeTarget != "" && g.NodeTarget != g.NodeCurrent
}

// Pinned returns true if the guest carries node relationships.
func (g *Guest) Pinned() bool {
	return len(g.NodeRelationships) > 0
}

// PinnedTo returns true if node is one of the guest's node relationships.
func (g *Guest) PinnedTo(node string) bool {
	return slices.Contains(g.NodeRelationships, node)
}

// Recompute refreshes the derived fields of every metric.
func (g *Guest) Recompute() {
	for _, kind := range ResourceKinds {
		g.Metric(kind).Recompute()
	}
}

// Validate checks the guest for malformed input.
func (g *Guest) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("%w: guest without name", ErrInvalidArgument)
	}
	if g.NodeCurrent == "" {
		return fmt.Errorf("%w: guest %s has no current node", ErrInvalidArgument, g.Name)
	}
	for _, kind := range ResourceKinds {
		if err := g.Metric(kind).Validate(); err != nil {
			return fmt.Errorf("guest %s %s: %w", g.Name, kind, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the guest.
func (g *Guest) Clone() *Guest {
	c := *g
	c.Tags = slices.Clone(g.Tags)
	c.Pools = slices.Clone(g.Pools)
	c.HaRules = slices.Clone(g.HaRules)
	c.AffinityGroups = slices.Clone(g.AffinityGroups)
	c.AntiAffinityGroups = slices.Clone(g.AntiAffinityGroups)
	c.NodeRelationships = slices.Clone(g.NodeRelationships)
	return &c
}
