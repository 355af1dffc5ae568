package balancer

import (
	"github.com/limiquantix/rebalancer/internal/domain"
)

// Accountant applies decided moves to an in-memory snapshot. It never
// touches the real cluster.
type Accountant struct{}

// Apply moves the guest's footprint from move.Source to move.Target and
// recomputes both nodes. It returns false and leaves snap unchanged when move
// is nil or is not a legal destination for the guest.
func (Accountant) Apply(snap *domain.Snapshot, move *domain.Move) bool {
	if move == nil || move.Guest == "" {
		return false
	}
	guest, ok := snap.Guests[move.Guest]
	if !ok {
		return false
	}
	src, ok := snap.Nodes[move.Source]
	if !ok {
		return false
	}
	dst, ok := snap.Nodes[move.Target]
	if !ok || dst.Maintenance || dst == src {
		return false
	}
	if guest.NodeTarget != move.Source || !snap.Permits(guest, dst.Name) {
		return false
	}

	for _, kind := range domain.ResourceKinds {
		g := guest.Metric(kind)
		from := src.Metric(kind)
		to := dst.Metric(kind)

		from.Used -= g.Used
		from.Assigned -= float64(g.Total)
		to.Used += g.Used
		to.Assigned += float64(g.Total)
	}
	src.Recompute()
	dst.Recompute()

	guest.NodeTarget = dst.Name
	return true
}
