package domain

import "slices"

// HaRule is a placement rule supplied by the platform's HA subsystem.
type HaRule struct {
	Rule    string       `json:"rule"`
	Type    AffinityType `json:"type"`
	Nodes   []string     `json:"nodes"`
	Members []string     `json:"members"`
}

// AppliesTo returns true if the guest id is a member of the rule.
func (r *HaRule) AppliesTo(guestID string) bool {
	return slices.Contains(r.Members, guestID)
}

// AllowsNode returns true if the rule does not restrict nodes or lists node.
func (r *HaRule) AllowsNode(node string) bool {
	return len(r.Nodes) == 0 || slices.Contains(r.Nodes, node)
}

// Pool is a named set of guests that may carry pinning and grouping.
type Pool struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// Contains returns true if the guest is a member of the pool.
func (p *Pool) Contains(guest string) bool {
	return slices.Contains(p.Members, guest)
}
