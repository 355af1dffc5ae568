package report

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/limiquantix/rebalancer/internal/balancer"
	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/domain"
)

const gib = int64(1) << 30

func newNode(name string) *domain.Node {
	return &domain.Node{
		Name:   name,
		CPU:    domain.Metric{Total: 32},
		Memory: domain.Metric{Total: 100 * gib},
		Disk:   domain.Metric{Total: 1000 * gib},
	}
}

func newGuest(name, node string, memGiB int64) *domain.Guest {
	return &domain.Guest{
		Name:        name,
		ID:          name,
		Type:        domain.GuestTypeVM,
		NodeCurrent: node,
		NodeTarget:  node,
		CPU:         domain.Metric{Total: 2, Used: 1},
		Memory:      domain.Metric{Total: memGiB * gib, Used: float64(memGiB * gib)},
		Disk:        domain.Metric{Total: 10 * gib, Used: float64(5 * gib)},
	}
}

func newSnapshot(nodes []*domain.Node, guests []*domain.Guest) *domain.Snapshot {
	s := domain.NewSnapshot()
	for _, n := range nodes {
		s.Nodes[n.Name] = n
	}
	for _, g := range guests {
		s.Guests[g.Name] = g
		n := s.Nodes[g.NodeCurrent]
		for _, kind := range domain.ResourceKinds {
			n.Metric(kind).Used += g.Metric(kind).Used
			n.Metric(kind).Assigned += float64(g.Metric(kind).Total)
		}
	}
	s.Recompute()
	return s
}

func run(t *testing.T, snap *domain.Snapshot) *balancer.Result {
	t.Helper()
	cfg := config.BalancingConfig{
		Enable:      true,
		Method:      domain.ResourceMemory,
		Mode:        domain.ModeUsed,
		Balanciness: 15,
	}
	res, err := balancer.NewEngine(cfg, config.ClusterConfig{Overprovisioning: true}, zap.NewNop()).
		Run(context.Background(), snap)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return res
}

func unbalanced() *domain.Snapshot {
	return newSnapshot(
		[]*domain.Node{newNode("node1"), newNode("node2")},
		[]*domain.Guest{
			newGuest("web1", "node1", 30),
			newGuest("web2", "node1", 30),
		},
	)
}

// =============================================================================
// EXPLAIN
// =============================================================================

func TestExplain_WithMigrations(t *testing.T) {
	res := run(t, unbalanced())

	var buf bytes.Buffer
	if err := Explain(&buf, res); err != nil {
		t.Fatalf("Explain failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"Balancing metric : memory (used)",
		"Balanciness      : 15%",
		"Guest sort order : smaller guests first",
		"CLUSTER STATE  (before)",
		"Verdict: BALANCING REQUIRED",
		"PLANNED MIGRATIONS",
		"node1 --> node2",
		"30.00 GB",
		"Total: 1 guest(s) planned for migration",
		"Post-migration   : Within threshold - cluster will be balanced",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected report to contain %q\n%s", want, out)
		}
	}
}

func TestExplain_Balanced(t *testing.T) {
	res := run(t, newSnapshot(
		[]*domain.Node{newNode("node1"), newNode("node2")},
		[]*domain.Guest{newGuest("a", "node1", 10), newGuest("b", "node2", 10)},
	))

	var buf bytes.Buffer
	if err := Explain(&buf, res); err != nil {
		t.Fatalf("Explain failed: %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, "No migrations planned - cluster is already balanced.") {
		t.Errorf("Expected no-migration message\n%s", out)
	}
	if !strings.Contains(out, "Verdict: OK - no balancing needed") {
		t.Errorf("Expected OK verdict\n%s", out)
	}
}

func TestExplain_MaintenanceMarker(t *testing.T) {
	snap := unbalanced()
	snap.Nodes["node1"].Maintenance = true
	res := run(t, snap)

	var buf bytes.Buffer
	if err := Explain(&buf, res); err != nil {
		t.Fatalf("Explain failed: %v", err)
	}
	if !strings.Contains(buf.String(), "[MAINTENANCE]") {
		t.Errorf("Expected maintenance marker\n%s", buf.String())
	}
}

func TestBar(t *testing.T) {
	tests := []struct {
		pct    float64
		filled int
	}{
		{0, 0},
		{50, 15},
		{100, 30},
		{150, 30},
		{-5, 0},
	}
	for _, tt := range tests {
		got := bar(tt.pct)
		if len(got) != barWidth {
			t.Errorf("bar(%v) has width %d", tt.pct, len(got))
		}
		if n := strings.Count(got, "#"); n != tt.filled {
			t.Errorf("bar(%v) filled %d, want %d", tt.pct, n, tt.filled)
		}
	}
}

func TestResourceLabel(t *testing.T) {
	n := newNode("node1")
	n.Memory.Used = float64(25 * gib)
	n.Memory.Assigned = float64(40 * gib)
	n.CPU.Used = 4
	n.Memory.PressureFullSpikesPercent = 7.5

	tests := []struct {
		name  string
		state domain.RunState
		want  string
	}{
		{"memory used", domain.RunState{Method: domain.ResourceMemory, Mode: domain.ModeUsed}, "25.0/100.0 GB"},
		{"memory assigned", domain.RunState{Method: domain.ResourceMemory, Mode: domain.ModeAssigned}, "40.0/100.0 GB"},
		{"cpu", domain.RunState{Method: domain.ResourceCPU, Mode: domain.ModeUsed}, "4.0/32 cores"},
		{"psi", domain.RunState{Method: domain.ResourceMemory, Mode: domain.ModePSI}, "7.50% spk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resourceLabel(n, tt.state); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

// =============================================================================
// STATISTICS
// =============================================================================

func TestStatistics(t *testing.T) {
	snap := newSnapshot(
		[]*domain.Node{newNode("node2"), newNode("node1")},
		[]*domain.Guest{newGuest("a", "node1", 25)},
	)

	stats := Statistics(snap)
	if got, want := stats[domain.ResourceMemory], "node1: 25.00% | node2: 0.00%"; got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if len(stats) != len(domain.ResourceKinds) {
		t.Errorf("Expected every resource kind, got %v", stats)
	}
}

func TestLogStatistics(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	LogStatistics(zap.New(core), "Before", unbalanced())

	if logs.Len() != 4 {
		t.Fatalf("Expected 4 log lines, got %d", logs.Len())
	}
	if msg := logs.All()[1].Message; msg != "[Before] Node memory assigned" {
		t.Errorf("Unexpected message %q", msg)
	}
}

func TestSummarize(t *testing.T) {
	snap := unbalanced()
	snap.Nodes["node2"].Maintenance = true
	snap.Guests["web1"].Ignore = true
	snap.Guests["web2"].NodeRelationships = []string{"node1", "node2"}

	s := Summarize(snap)
	want := "Cluster: 2 node(s), 1 in maintenance: node2, 2 guest(s), 1 ignored: web1."
	if got := s.String(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if len(s.PinnedGuests) != 1 || s.PinnedGuests[0] != "web2->node1/node2" {
		t.Errorf("Unexpected pinned guests %v", s.PinnedGuests)
	}
}

// =============================================================================
// JSON
// =============================================================================

func TestJSON(t *testing.T) {
	res := run(t, unbalanced())

	var buf bytes.Buffer
	if err := JSON(&buf, res); err != nil {
		t.Fatalf("JSON failed: %v", err)
	}

	var decoded struct {
		Nodes  map[string]json.RawMessage `json:"nodes"`
		Guests map[string]struct {
			NodeCurrent string `json:"node_current"`
			NodeTarget  string `json:"node_target"`
		} `json:"guests"`
		Groups map[string]json.RawMessage `json:"groups"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(decoded.Nodes) != 2 || len(decoded.Guests) != 2 {
		t.Errorf("Unexpected shape: %d nodes, %d guests", len(decoded.Nodes), len(decoded.Guests))
	}
	if decoded.Guests["web1"].NodeTarget != "node2" {
		t.Errorf("Expected web1 planned to node2, got %s", decoded.Guests["web1"].NodeTarget)
	}
	if _, ok := decoded.Groups["affinity"]; !ok {
		t.Error("Expected affinity groups in output")
	}
}
