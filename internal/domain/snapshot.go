package domain

import (
	"fmt"
	"sort"
)

// Snapshot is the consistent in-memory cluster state one run operates on.
type Snapshot struct {
	Nodes   map[string]*Node   `json:"nodes"`
	Guests  map[string]*Guest  `json:"guests"`
	Pools   map[string]*Pool   `json:"pools,omitempty"`
	HaRules map[string]*HaRule `json:"ha_rules,omitempty"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Nodes:   make(map[string]*Node),
		Guests:  make(map[string]*Guest),
		Pools:   make(map[string]*Pool),
		HaRules: make(map[string]*HaRule),
	}
}

// Validate fails fast on malformed input.
func (s *Snapshot) Validate() error {
	for name, n := range s.Nodes {
		if err := n.Validate(); err != nil {
			return err
		}
		if n.Name != name {
			return fmt.Errorf("%w: node key %q does not match name %q", ErrInvalidArgument, name, n.Name)
		}
	}
	for name, g := range s.Guests {
		if err := g.Validate(); err != nil {
			return err
		}
		if g.Name != name {
			return fmt.Errorf("%w: guest key %q does not match name %q", ErrInvalidArgument, name, g.Name)
		}
		if _, ok := s.Nodes[g.NodeCurrent]; !ok {
			return fmt.Errorf("%w: guest %s placed on unknown node %s", ErrInvalidArgument, g.Name, g.NodeCurrent)
		}
	}

	// A node's usage includes its guests; moving them off must not go negative.
	for _, name := range s.NodeNames() {
		n := s.Nodes[name]
		for _, kind := range ResourceKinds {
			var guests float64
			for _, g := range s.GuestsOn(name) {
				guests += g.Metric(kind).Used
			}
			if used := n.Metric(kind).Used; guests-used > usageTolerance*max(used, 1) {
				return fmt.Errorf("%w: guests on node %s use %.2f %s, node reports %.2f",
					ErrInvalidArgument, name, guests, kind, used)
			}
		}
	}
	return nil
}

// usageTolerance absorbs float rounding when summing guest usage.
const usageTolerance = 1e-9

// Permits applies the placement rules that hold in every situation: a strict
// pin and the node list of each HA rule the guest carries.
func (s *Snapshot) Permits(g *Guest, node string) bool {
	if g.Pinned() && g.NodeRelationshipsStrict && !g.PinnedTo(node) {
		return false
	}
	for _, ruleName := range g.HaRules {
		if rule, ok := s.HaRules[ruleName]; ok && !rule.AllowsNode(node) {
			return false
		}
	}
	return true
}

// Recompute refreshes derived metric fields of every node and guest.
func (s *Snapshot) Recompute() {
	for _, n := range s.Nodes {
		n.Recompute()
	}
	for _, g := range s.Guests {
		g.Recompute()
	}
}

// NodeNames returns node names in lexicographic order.
func (s *Snapshot) NodeNames() []string {
	names := make([]string, 0, len(s.Nodes))
	for name := range s.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GuestNames returns guest names in lexicographic order.
func (s *Snapshot) GuestNames() []string {
	names := make([]string, 0, len(s.Guests))
	for name := range s.Guests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GuestsOn returns the guests whose target is node, in name order.
func (s *Snapshot) GuestsOn(node string) []*Guest {
	var guests []*Guest
	for _, name := range s.GuestNames() {
		if g := s.Guests[name]; g.NodeTarget == node {
			guests = append(guests, g)
		}
	}
	return guests
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := NewSnapshot()
	for name, n := range s.Nodes {
		c.Nodes[name] = n.Clone()
	}
	for name, g := range s.Guests {
		c.Guests[name] = g.Clone()
	}
	for name, p := range s.Pools {
		cp := *p
		cp.Members = append([]string(nil), p.Members...)
		c.Pools[name] = &cp
	}
	for name, r := range s.HaRules {
		cr := *r
		cr.Nodes = append([]string(nil), r.Nodes...)
		cr.Members = append([]string(nil), r.Members...)
		c.HaRules[name] = &cr
	}
	return c
}
