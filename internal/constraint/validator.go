// Package constraint decides whether a guest may be placed on a node.
package constraint

import (
	"slices"

	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/domain"
)

// Validator evaluates placement constraints against the run's working
// snapshot. It reads node metrics live, so moves applied by the accountant
// are visible to later checks.
type Validator struct {
	cfg     config.BalancingConfig
	cluster config.ClusterConfig
	snap    *domain.Snapshot
	groups  *domain.Groups
	logger  *zap.Logger
}

// NewValidator creates a validator over snap and groups.
func NewValidator(
	cfg config.BalancingConfig,
	cluster config.ClusterConfig,
	snap *domain.Snapshot,
	groups *domain.Groups,
	logger *zap.Logger,
) *Validator {
	return &Validator{
		cfg:     cfg,
		cluster: cluster,
		snap:    snap,
		groups:  groups,
		logger:  logger.With(zap.String("component", "constraint")),
	}
}

// Movable reports whether a guest may be relocated at all, and why not.
func (v *Validator) Movable(g *domain.Guest) (bool, string) {
	if g.Ignore {
		return false, "guest is ignored"
	}
	if !v.cfg.Balances(g.Type) {
		return false, "guest type " + string(g.Type) + " is excluded from balancing"
	}
	return true, ""
}

// Candidates returns the nodes the unit may move to for reason, in name
// order. The unit is one or more guests sharing a node that must move
// together.
//
// Hard constraints always apply. Capacity and pressure limits are lifted only
// to evacuate maintenance nodes, and only when no node within limits is left.
// Anti-affinity removes nodes hosting other group members; a forced move
// falls back to those nodes when nothing else remains, a balancing move gets
// no candidates and stays put. Affinity narrows the result to nodes already
// hosting other members of the group: strictly with enforce_affinity,
// otherwise only when such nodes remain.
func (v *Validator) Candidates(unit []*domain.Guest, reason domain.MoveReason) []*domain.Node {
	if len(unit) == 0 {
		return nil
	}

	evacuating := reason == domain.MoveReasonMaintenance
	var within, beyond []*domain.Node
	for _, name := range v.snap.NodeNames() {
		node := v.snap.Nodes[name]
		switch {
		case v.Admissible(unit, node, false):
			within = append(within, node)
		case evacuating && v.Admissible(unit, node, true):
			beyond = append(beyond, node)
		}
	}

	conflicts := v.Conflicts(unit)
	spread := withoutConflicts(within, conflicts)
	if len(spread) == 0 && len(beyond) > 0 {
		if spread = withoutConflicts(beyond, conflicts); len(spread) > 0 {
			v.logger.Warn("Exceeding capacity limits to evacuate guest",
				zap.String("guest", unit[0].Name),
				zap.Int("candidates", len(spread)),
			)
		}
	}
	if len(spread) == 0 {
		legal := within
		if len(legal) == 0 {
			legal = beyond
		}
		if len(legal) == 0 {
			return nil
		}
		if !forced(reason) {
			v.logger.Debug("Every legal node hosts an anti-affinity peer",
				zap.String("guest", unit[0].Name),
				zap.String("reason", string(reason)),
			)
			return nil
		}
		v.logger.Warn("Relaxing anti-affinity, no spread-preserving node left",
			zap.String("guest", unit[0].Name),
			zap.String("reason", string(reason)),
			zap.Int("candidates", len(legal)),
		)
		spread = legal
	}

	hosts := v.AffinityNodes(unit)
	if len(hosts) == 0 {
		return spread
	}

	var together []*domain.Node
	for _, node := range spread {
		if slices.Contains(hosts, node.Name) {
			together = append(together, node)
		}
	}
	if v.cfg.EnforceAffinity || len(together) > 0 {
		return together
	}
	return spread
}

// forced reports whether a move of this kind must happen even at the cost of
// anti-affinity.
func forced(reason domain.MoveReason) bool {
	switch reason {
	case domain.MoveReasonMaintenance, domain.MoveReasonAntiAffinity, domain.MoveReasonPinning:
		return true
	default:
		return false
	}
}

func withoutConflicts(nodes []*domain.Node, conflicts map[string]bool) []*domain.Node {
	var out []*domain.Node
	for _, node := range nodes {
		if !conflicts[node.Name] {
			out = append(out, node)
		}
	}
	return out
}

// Admissible applies the hard constraints for placing unit on node. With
// ignoreLimits set, capacity and pressure are not checked; pinning and HA
// rules still are.
func (v *Validator) Admissible(unit []*domain.Guest, node *domain.Node, ignoreLimits bool) bool {
	if node == nil {
		return false
	}
	if !node.IsSchedulable() {
		v.logger.Debug("Node in maintenance", zap.String("node", node.Name))
		return false
	}

	for _, g := range unit {
		if !v.snap.Permits(g, node.Name) {
			v.logger.Debug("Node excluded by pinning or HA rule",
				zap.String("guest", g.Name),
				zap.String("node", node.Name),
				zap.Strings("pinned_to", g.NodeRelationships),
				zap.Strings("ha_rules", g.HaRules),
			)
			return false
		}
	}

	if ignoreLimits {
		return true
	}

	if node.PressureHot {
		v.logger.Debug("Node under pressure", zap.String("node", node.Name))
		return false
	}

	return v.hasCapacity(unit, node)
}

func (v *Validator) hasCapacity(unit []*domain.Guest, node *domain.Node) bool {
	method := v.cfg.Method
	metric := node.Metric(method)

	// The unit already counts toward its own node.
	var footprint domain.Metric
	if unit[0].NodeTarget != node.Name {
		footprint = UnitFootprint(unit, method)
	}

	mode := domain.ModeUsed
	if v.cfg.Mode == domain.ModeAssigned {
		mode = domain.ModeAssigned
	}

	if limit := v.cfg.Threshold(method); limit > 0 {
		if projected := metric.ProjectedLoad(mode, footprint); projected > limit {
			v.logger.Debug("Node above capacity threshold",
				zap.String("node", node.Name),
				zap.String("resource", string(method)),
				zap.Float64("projected", projected),
				zap.Float64("threshold", limit),
			)
			return false
		}
	}

	if !v.cluster.Overprovisioning {
		if projected := metric.ProjectedLoad(domain.ModeAssigned, footprint); projected > 100 {
			v.logger.Debug("Node would be overprovisioned",
				zap.String("node", node.Name),
				zap.String("resource", string(method)),
				zap.Float64("projected_assigned", projected),
			)
			return false
		}
	}

	return true
}

// Conflicts returns the nodes hosting anti-affinity peers of any unit member.
func (v *Validator) Conflicts(unit []*domain.Guest) map[string]bool {
	conflicts := make(map[string]bool)
	for _, g := range unit {
		for _, id := range g.AntiAffinityGroups {
			group, ok := v.groups.AntiAffinity[id]
			if !ok {
				continue
			}
			for _, n := range group.NodesExcept(g.Name) {
				conflicts[n] = true
			}
		}
	}
	return conflicts
}

// Violates returns true if guest shares its target node with an
// anti-affinity peer.
func (v *Validator) Violates(g *domain.Guest) bool {
	return v.Conflicts([]*domain.Guest{g})[g.NodeTarget]
}

// AffinityNodes returns the nodes hosting members of the unit's affinity
// group that are not part of the unit.
func (v *Validator) AffinityNodes(unit []*domain.Guest) []string {
	group := v.groups.AffinityGroupOf(unit[0].Name)
	if group == nil || len(group.Guests) <= 1 {
		return nil
	}

	var nodes []string
	for _, member := range group.Guests {
		if inUnit(unit, member) {
			continue
		}
		g, ok := v.snap.Guests[member]
		if !ok || slices.Contains(nodes, g.NodeTarget) {
			continue
		}
		nodes = append(nodes, g.NodeTarget)
	}
	slices.Sort(nodes)
	return nodes
}

// SoftPinned returns true if any unit member prefers node without requiring it.
func (v *Validator) SoftPinned(unit []*domain.Guest, node string) bool {
	for _, g := range unit {
		if !g.NodeRelationshipsStrict && g.PinnedTo(node) {
			return true
		}
	}
	return false
}

// UnitFootprint sums the metric of kind over every unit member.
func UnitFootprint(unit []*domain.Guest, kind domain.ResourceKind) domain.Metric {
	var sum domain.Metric
	for _, g := range unit {
		m := g.Metric(kind)
		sum.Total += m.Total
		sum.Used += m.Used
	}
	return sum
}

func inUnit(unit []*domain.Guest, name string) bool {
	for _, g := range unit {
		if g.Name == name {
			return true
		}
	}
	return false
}
