package balancer

import (
	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/domain"
)

// MarkPressure flags nodes and guests whose pressure readings reach a
// configured PSI threshold. It returns the number of hot nodes and guests.
func MarkPressure(snap *domain.Snapshot, psi config.PSIConfig, logger *zap.Logger) (hotNodes, hotGuests int) {
	for _, name := range snap.NodeNames() {
		node := snap.Nodes[name]
		for _, kind := range domain.ResourceKinds {
			threshold, ok := psi.Nodes[string(kind)]
			m := node.Metric(kind)
			if ok && threshold.Exceeded(*m) {
				m.PressureHot = true
				node.PressureHot = true
			}
		}
		if node.PressureHot {
			hotNodes++
			logger.Info("Node under pressure", zap.String("node", name))
		}
	}

	for _, name := range snap.GuestNames() {
		guest := snap.Guests[name]
		for _, kind := range domain.ResourceKinds {
			threshold, ok := psi.Guests[string(kind)]
			m := guest.Metric(kind)
			if ok && threshold.Exceeded(*m) {
				m.PressureHot = true
				guest.PressureHot = true
			}
		}
		if guest.PressureHot {
			hotGuests++
			logger.Debug("Guest under pressure", zap.String("guest", name))
		}
	}

	return hotNodes, hotGuests
}

// Spread returns max minus min load of kind under mode across schedulable
// nodes, along with the most and least loaded node names. Ties resolve by
// node name.
func Spread(snap *domain.Snapshot, kind domain.ResourceKind, mode domain.Mode) (spread float64, most, least string) {
	var maxLoad, minLoad float64
	first := true
	for _, name := range snap.NodeNames() {
		node := snap.Nodes[name]
		if !node.IsSchedulable() {
			continue
		}
		load := node.Load(kind, mode)
		if first {
			maxLoad, minLoad = load, load
			most, least = name, name
			first = false
			continue
		}
		if load > maxLoad {
			maxLoad, most = load, name
		}
		if load < minLoad {
			minLoad, least = load, name
		}
	}
	return maxLoad - minLoad, most, least
}
