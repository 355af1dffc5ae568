package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/balancer"
	"github.com/limiquantix/rebalancer/internal/domain"
)

// Statistics returns per-resource node usage as "node: 12.34%" entries
// joined by " | ", in node name order.
func Statistics(snap *domain.Snapshot) map[domain.ResourceKind]string {
	out := make(map[domain.ResourceKind]string, len(domain.ResourceKinds))
	for _, kind := range domain.ResourceKinds {
		out[kind] = usage(snap, func(n *domain.Node) float64 { return n.Metric(kind).UsedPercent })
	}
	return out
}

// PlanStatistics returns the before and after statistics of a run.
func PlanStatistics(res *balancer.Result) domain.Statistics {
	return domain.Statistics{
		Before: Statistics(res.Before),
		After:  Statistics(res.After),
	}
}

func usage(snap *domain.Snapshot, pct func(*domain.Node) float64) string {
	parts := make([]string, 0, len(snap.Nodes))
	for _, name := range snap.NodeNames() {
		parts = append(parts, fmt.Sprintf("%s: %.2f%%", name, pct(snap.Nodes[name])))
	}
	return strings.Join(parts, " | ")
}

// LogStatistics logs node usage under label, typically "Before" or "After".
func LogStatistics(logger *zap.Logger, label string, snap *domain.Snapshot) {
	stats := Statistics(snap)
	assigned := usage(snap, func(n *domain.Node) float64 { return n.Memory.AssignedPercent })

	logger.Info(fmt.Sprintf("[%s] Node memory usage", label), zap.String("nodes", stats[domain.ResourceMemory]))
	logger.Info(fmt.Sprintf("[%s] Node memory assigned", label), zap.String("nodes", assigned))
	logger.Info(fmt.Sprintf("[%s] Node CPU usage", label), zap.String("nodes", stats[domain.ResourceCPU]))
	logger.Info(fmt.Sprintf("[%s] Node disk usage", label), zap.String("nodes", stats[domain.ResourceDisk]))
}

// ClusterSummary is a one-line view of the collected cluster.
type ClusterSummary struct {
	Nodes            int
	MaintenanceNodes []string
	Guests           int
	IgnoredGuests    []string
	// PinnedGuests holds "guest->node1/node2" entries.
	PinnedGuests []string
}

// Summarize builds the cluster summary of a snapshot.
func Summarize(snap *domain.Snapshot) ClusterSummary {
	s := ClusterSummary{Nodes: len(snap.Nodes), Guests: len(snap.Guests)}
	for _, name := range snap.NodeNames() {
		if snap.Nodes[name].Maintenance {
			s.MaintenanceNodes = append(s.MaintenanceNodes, name)
		}
	}
	for _, name := range snap.GuestNames() {
		g := snap.Guests[name]
		if g.Ignore {
			s.IgnoredGuests = append(s.IgnoredGuests, name)
		}
		if g.Pinned() {
			s.PinnedGuests = append(s.PinnedGuests, name+"->"+strings.Join(g.NodeRelationships, "/"))
		}
	}
	return s
}

// String renders the node and guest part of the summary.
func (s ClusterSummary) String() string {
	nodes := fmt.Sprintf("%d node(s)", s.Nodes)
	if len(s.MaintenanceNodes) > 0 {
		nodes += fmt.Sprintf(", %d in maintenance: %s", len(s.MaintenanceNodes), strings.Join(s.MaintenanceNodes, ", "))
	}
	guests := fmt.Sprintf("%d guest(s)", s.Guests)
	if len(s.IgnoredGuests) > 0 {
		guests += fmt.Sprintf(", %d ignored: %s", len(s.IgnoredGuests), strings.Join(s.IgnoredGuests, ", "))
	}
	return "Cluster: " + nodes + ", " + guests + "."
}

// LogSummary logs the cluster summary and pinned guests.
func LogSummary(logger *zap.Logger, snap *domain.Snapshot) {
	s := Summarize(snap)
	logger.Info(s.String())
	if len(s.PinnedGuests) > 0 {
		logger.Info(fmt.Sprintf("Pinned guests (%d)", len(s.PinnedGuests)), zap.Strings("pinned", s.PinnedGuests))
	} else {
		logger.Debug("No guests are pinned to specific nodes")
	}
}

// dump is the machine readable result. Run configuration is left out.
type dump struct {
	Nodes  map[string]*domain.Node  `json:"nodes"`
	Guests map[string]*domain.Guest `json:"guests"`
	Groups *domain.Groups           `json:"groups"`
}

// JSON writes the planned cluster state as indented JSON.
func JSON(w io.Writer, res *balancer.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(dump{
		Nodes:  res.After.Nodes,
		Guests: res.After.Guests,
		Groups: res.Groups,
	})
}
