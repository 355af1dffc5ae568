package balancer

import (
	"github.com/limiquantix/rebalancer/internal/constraint"
	"github.com/limiquantix/rebalancer/internal/domain"
)

// MostFreeNode returns the schedulable node with the lowest load of kind
// under mode, ties broken by name. It returns nil when nodes is empty or every
// node is in maintenance.
func MostFreeNode(nodes []*domain.Node, kind domain.ResourceKind, mode domain.Mode) *domain.Node {
	return mostFree(nodes, kind, mode, nil)
}

func mostFree(nodes []*domain.Node, kind domain.ResourceKind, mode domain.Mode, preferred func(string) bool) *domain.Node {
	var best *domain.Node
	var bestLoad float64
	for _, node := range nodes {
		if node == nil || !node.IsSchedulable() {
			continue
		}
		load := node.Load(kind, mode)
		if best == nil || load < bestLoad || (load == bestLoad && better(node.Name, best.Name, preferred)) {
			best, bestLoad = node, load
		}
	}
	return best
}

// better breaks a load tie: preferred nodes first, then by name.
func better(a, b string, preferred func(string) bool) bool {
	if preferred != nil {
		pa, pb := preferred(a), preferred(b)
		if pa != pb {
			return pa
		}
	}
	return a < b
}

// Selector proposes destinations for guests. The proposal is handed to the
// accountant as an explicit Move.
type Selector struct {
	validator *constraint.Validator
	method    domain.ResourceKind
	mode      domain.Mode
}

// NewSelector creates a selector that ranks nodes by method and mode.
func NewSelector(validator *constraint.Validator, method domain.ResourceKind, mode domain.Mode) *Selector {
	return &Selector{validator: validator, method: method, mode: mode}
}

// Propose picks the most free legal node for the unit led by unit[0] and
// records it as the run's last move. It returns nil, and clears the last
// move, when no legal node exists. The target may equal the source. The
// reason decides which limits may be relaxed.
func (s *Selector) Propose(state *domain.RunState, unit []*domain.Guest, reason domain.MoveReason) *domain.Move {
	state.LastMove = nil
	if len(unit) == 0 {
		return nil
	}

	candidates := s.validator.Candidates(unit, reason)
	node := mostFree(candidates, s.method, s.mode, func(name string) bool {
		return s.validator.SoftPinned(unit, name)
	})
	if node == nil {
		return nil
	}

	move := &domain.Move{
		Guest:  unit[0].Name,
		Source: unit[0].NodeTarget,
		Target: node.Name,
		Reason: reason,
	}
	state.LastMove = move
	return move
}

// ProposeOn restricts the proposal to a single node, used when repairing a
// split affinity group.
func (s *Selector) ProposeOn(state *domain.RunState, unit []*domain.Guest, node string, reason domain.MoveReason) *domain.Move {
	state.LastMove = nil
	if len(unit) == 0 {
		return nil
	}
	for _, candidate := range s.validator.Candidates(unit, reason) {
		if candidate.Name == node {
			move := &domain.Move{
				Guest:  unit[0].Name,
				Source: unit[0].NodeTarget,
				Target: node,
				Reason: reason,
			}
			state.LastMove = move
			return move
		}
	}
	return nil
}
