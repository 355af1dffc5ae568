package domain

import (
	"fmt"
	"slices"
	"sort"
)

// AffinityGroup is a set of guests that must stay on the same node.
type AffinityGroup struct {
	ID      string   `json:"id"`
	Guests  []string `json:"guests"`
	Counter int      `json:"counter"`

	// Aggregates sum the members' Total and Used values.
	CPU    Metric `json:"cpu"`
	Memory Metric `json:"memory"`
	Disk   Metric `json:"disk"`
}

// Metric returns the aggregate metric of the given resource kind.
func (g *AffinityGroup) Metric(kind ResourceKind) *Metric {
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

// AntiAffinityGroup is a set of guests that must run on distinct nodes.
type AntiAffinityGroup struct {
	ID        string   `json:"id"`
	Guests    []string `json:"guests"`
	Counter   int      `json:"counter"`
	UsedNodes []string `json:"used_nodes"`

	placements map[string]string
}

// Place records that guest now occupies node and refreshes UsedNodes.
func (g *AntiAffinityGroup) Place(guest, node string) {
	if g.placements == nil {
		g.placements = make(map[string]string)
	}
	g.placements[guest] = node

	seen := make(map[string]bool, len(g.placements))
	g.UsedNodes = g.UsedNodes[:0]
	for _, n := range g.placements {
		if !seen[n] {
			seen[n] = true
			g.UsedNodes = append(g.UsedNodes, n)
		}
	}
	sort.Strings(g.UsedNodes)
}

// Placed returns true if the guest has been placed by the engine.
func (g *AntiAffinityGroup) Placed(guest string) bool {
	_, ok := g.placements[guest]
	return ok
}

// NodesExcept returns the nodes hosting placed members other than guest.
func (g *AntiAffinityGroup) NodesExcept(guest string) []string {
	var nodes []string
	for member, node := range g.placements {
		if member == guest || slices.Contains(nodes, node) {
			continue
		}
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes
}

// Groups holds the constraint groups derived for one run.
type Groups struct {
	Affinity     map[string]*AffinityGroup     `json:"affinity"`
	AntiAffinity map[string]*AntiAffinityGroup `json:"anti_affinity"`
	Maintenance  []string                      `json:"maintenance"`

	// AffinityOrder and AntiAffinityOrder keep group ids in first-seen order.
	AffinityOrder     []string `json:"-"`
	AntiAffinityOrder []string `json:"-"`

	// AffinityOf maps a guest name to its affinity group id.
	AffinityOf map[string]string `json:"-"`
}

// NewGroups returns an empty Groups value.
func NewGroups() *Groups {
	return &Groups{
		Affinity:     make(map[string]*AffinityGroup),
		AntiAffinity: make(map[string]*AntiAffinityGroup),
		AffinityOf:   make(map[string]string),
	}
}

// AffinityGroupOf returns the affinity group the guest belongs to.
func (g *Groups) AffinityGroupOf(guest string) *AffinityGroup {
	id, ok := g.AffinityOf[guest]
	if !ok {
		return nil
	}
	return g.Affinity[id]
}

// InMaintenance returns true if the guest is in the maintenance set.
func (g *Groups) InMaintenance(guest string) bool {
	return slices.Contains(g.Maintenance, guest)
}
