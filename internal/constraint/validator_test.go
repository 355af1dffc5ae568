package constraint

import (
	"testing"

	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/domain"
	"github.com/limiquantix/rebalancer/internal/grouping"
)

const gib = int64(1) << 30

func newNode(name string, memUsedGiB int64) *domain.Node {
	n := &domain.Node{
		Name:   name,
		CPU:    domain.Metric{Total: 16},
		Memory: domain.Metric{Total: 100 * gib, Used: float64(memUsedGiB * gib), Assigned: float64(memUsedGiB * gib)},
		Disk:   domain.Metric{Total: 500 * gib},
	}
	n.Recompute()
	return n
}

func newGuest(name, node string, memGiB int64) *domain.Guest {
	g := &domain.Guest{
		Name:        name,
		Type:        domain.GuestTypeVM,
		NodeCurrent: node,
		NodeTarget:  node,
		Memory:      domain.Metric{Total: memGiB * gib, Used: float64(memGiB * gib)},
	}
	g.Recompute()
	return g
}

type fixture struct {
	cfg     config.BalancingConfig
	cluster config.ClusterConfig
	snap    *domain.Snapshot
}

func newFixture(nodes []*domain.Node, guests []*domain.Guest) *fixture {
	snap := domain.NewSnapshot()
	for _, n := range nodes {
		snap.Nodes[n.Name] = n
	}
	for _, g := range guests {
		snap.Guests[g.Name] = g
	}
	return &fixture{
		cfg:     config.BalancingConfig{Method: domain.ResourceMemory, Mode: domain.ModeUsed},
		cluster: config.ClusterConfig{Overprovisioning: true},
		snap:    snap,
	}
}

func (f *fixture) validator() *Validator {
	groups := grouping.Build(f.snap.Guests, f.snap.Nodes)
	for _, id := range groups.AntiAffinityOrder {
		group := groups.AntiAffinity[id]
		for _, member := range group.Guests {
			group.Place(member, f.snap.Guests[member].NodeTarget)
		}
	}
	return NewValidator(f.cfg, f.cluster, f.snap, groups, zap.NewNop())
}

func names(nodes []*domain.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (f *fixture) candidates(t *testing.T, guest string, reason domain.MoveReason) []string {
	t.Helper()
	v := f.validator()
	return names(v.Candidates([]*domain.Guest{f.snap.Guests[guest]}, reason))
}

// =============================================================================
// MOVABILITY
// =============================================================================

func TestValidator_Movable(t *testing.T) {
	ignored := newGuest("ignored", "node1", 1)
	ignored.Ignore = true
	ct := newGuest("ct", "node1", 1)
	ct.Type = domain.GuestTypeContainer

	f := newFixture([]*domain.Node{newNode("node1", 0)}, []*domain.Guest{ignored, ct, newGuest("vm", "node1", 1)})
	f.cfg.BalanceTypes = []string{"vm"}
	v := f.validator()

	if ok, why := v.Movable(ignored); ok || why == "" {
		t.Error("Ignored guest must not be movable")
	}
	if ok, _ := v.Movable(ct); ok {
		t.Error("Container must not be movable when only vms are balanced")
	}
	if ok, _ := v.Movable(f.snap.Guests["vm"]); !ok {
		t.Error("VM should be movable")
	}
}

// =============================================================================
// HARD CONSTRAINTS
// =============================================================================

func TestValidator_StrictPin(t *testing.T) {
	g := newGuest("g", "node1", 5)
	g.NodeRelationships = []string{"node2"}
	g.NodeRelationshipsStrict = true

	f := newFixture([]*domain.Node{newNode("node1", 10), newNode("node2", 10), newNode("node3", 10)}, []*domain.Guest{g})

	if got := f.candidates(t, "g", domain.MoveReasonBalance); !equal(got, []string{"node2"}) {
		t.Errorf("Expected only node2, got %v", got)
	}

	// Maintenance never overrides a hard pin.
	f.snap.Nodes["node2"].Maintenance = true
	if got := f.candidates(t, "g", domain.MoveReasonMaintenance); len(got) != 0 {
		t.Errorf("Expected no candidates, got %v", got)
	}
}

func TestValidator_SoftPinIsNotAFilter(t *testing.T) {
	g := newGuest("g", "node1", 5)
	g.NodeRelationships = []string{"node2"}

	f := newFixture([]*domain.Node{newNode("node1", 10), newNode("node2", 10), newNode("node3", 10)}, []*domain.Guest{g})
	v := f.validator()

	if got := names(v.Candidates([]*domain.Guest{g}, domain.MoveReasonBalance)); len(got) != 3 {
		t.Errorf("Soft pin must not filter, got %v", got)
	}
	if !v.SoftPinned([]*domain.Guest{g}, "node2") || v.SoftPinned([]*domain.Guest{g}, "node3") {
		t.Error("SoftPinned reported wrong preference")
	}
}

func TestValidator_HaRuleNodes(t *testing.T) {
	g := newGuest("g", "node1", 5)
	g.HaRules = []string{"rule1"}

	f := newFixture([]*domain.Node{newNode("node1", 10), newNode("node2", 10), newNode("node3", 10)}, []*domain.Guest{g})
	f.snap.HaRules["rule1"] = &domain.HaRule{Rule: "rule1", Type: domain.AffinityTypeAffinity, Nodes: []string{"node1", "node3"}}

	if got := f.candidates(t, "g", domain.MoveReasonBalance); !equal(got, []string{"node1", "node3"}) {
		t.Errorf("Expected node1 and node3, got %v", got)
	}
}

func TestValidator_CapacityThreshold(t *testing.T) {
	g := newGuest("g", "node1", 20)
	f := newFixture([]*domain.Node{newNode("node1", 50), newNode("node2", 60), newNode("node3", 30)}, []*domain.Guest{g})
	f.cfg.MemoryThreshold = 70

	// node2 would reach 80%, node1 already hosts the guest at 50%.
	if got := f.candidates(t, "g", domain.MoveReasonBalance); !equal(got, []string{"node1", "node3"}) {
		t.Errorf("Expected node1 and node3, got %v", got)
	}

	// Evacuation keeps to the threshold while a node within it remains.
	if got := f.candidates(t, "g", domain.MoveReasonMaintenance); !equal(got, []string{"node1", "node3"}) {
		t.Errorf("Expected node1 and node3 for maintenance, got %v", got)
	}

	// Only when every node is full may evacuation exceed it.
	f.snap.Nodes["node3"] = newNode("node3", 60)
	f.snap.Nodes["node1"].Maintenance = true
	if got := f.candidates(t, "g", domain.MoveReasonMaintenance); !equal(got, []string{"node2", "node3"}) {
		t.Errorf("Expected every schedulable node for maintenance, got %v", got)
	}
	if got := f.candidates(t, "g", domain.MoveReasonBalance); len(got) != 0 {
		t.Errorf("Expected no candidates for balancing, got %v", got)
	}
}

func TestValidator_EvacuationPrefersNodesWithinLimits(t *testing.T) {
	g := newGuest("g", "node1", 20)
	maint := newNode("node1", 20)
	maint.Maintenance = true
	// node2 has little in use but is almost fully assigned.
	node2 := newNode("node2", 10)
	node2.Memory.Assigned = float64(90 * gib)
	node2.Recompute()

	f := newFixture([]*domain.Node{maint, node2, newNode("node3", 40)}, []*domain.Guest{g})
	f.cluster.Overprovisioning = false

	if got := f.candidates(t, "g", domain.MoveReasonMaintenance); !equal(got, []string{"node3"}) {
		t.Errorf("Expected node2 rejected at 110%% assigned, got %v", got)
	}
}

func TestValidator_Overprovisioning(t *testing.T) {
	g := newGuest("g", "node1", 30)
	f := newFixture([]*domain.Node{newNode("node1", 10), newNode("node2", 80)}, []*domain.Guest{g})
	f.cfg.Mode = domain.ModeAssigned
	f.cluster.Overprovisioning = false

	if got := f.candidates(t, "g", domain.MoveReasonBalance); !equal(got, []string{"node1"}) {
		t.Errorf("Expected node2 rejected at 110%% assigned, got %v", got)
	}
}

func TestValidator_MaintenanceAndPressureNodes(t *testing.T) {
	g := newGuest("g", "node1", 5)
	maint := newNode("node2", 0)
	maint.Maintenance = true
	hot := newNode("node3", 0)
	hot.PressureHot = true

	f := newFixture([]*domain.Node{newNode("node1", 10), maint, hot}, []*domain.Guest{g})

	if got := f.candidates(t, "g", domain.MoveReasonBalance); !equal(got, []string{"node1"}) {
		t.Errorf("Expected only node1, got %v", got)
	}
	if got := f.candidates(t, "g", domain.MoveReasonMaintenance); !equal(got, []string{"node1"}) {
		t.Errorf("Expected the cool node for maintenance, got %v", got)
	}

	// A hot node still takes evacuees when nothing else is left.
	f.snap.Nodes["node1"].Maintenance = true
	if got := f.candidates(t, "g", domain.MoveReasonMaintenance); !equal(got, []string{"node3"}) {
		t.Errorf("Expected node3 for maintenance, got %v", got)
	}
}

// =============================================================================
// GROUPS
// =============================================================================

func TestValidator_AntiAffinity(t *testing.T) {
	db1 := newGuest("db1", "node1", 5)
	db1.AntiAffinityGroups = []string{"db"}
	db2 := newGuest("db2", "node2", 5)
	db2.AntiAffinityGroups = []string{"db"}

	f := newFixture([]*domain.Node{newNode("node1", 10), newNode("node2", 10), newNode("node3", 10)}, []*domain.Guest{db1, db2})
	v := f.validator()

	if got := names(v.Candidates([]*domain.Guest{db1}, domain.MoveReasonBalance)); !equal(got, []string{"node1", "node3"}) {
		t.Errorf("Expected node2 excluded, got %v", got)
	}
	if v.Violates(db1) {
		t.Error("db1 does not share a node with a peer")
	}

	db1.NodeTarget = "node2"
	v = f.validator()
	if !v.Violates(db1) {
		t.Error("Expected violation when peers share node2")
	}
}

func TestValidator_AntiAffinityDegrades(t *testing.T) {
	db1 := newGuest("db1", "node1", 5)
	db1.AntiAffinityGroups = []string{"db"}
	db2 := newGuest("db2", "node1", 5)
	db2.AntiAffinityGroups = []string{"db"}

	f := newFixture([]*domain.Node{newNode("node1", 10)}, []*domain.Guest{db1, db2})

	for _, reason := range []domain.MoveReason{domain.MoveReasonAntiAffinity, domain.MoveReasonMaintenance} {
		if got := f.candidates(t, "db1", reason); !equal(got, []string{"node1"}) {
			t.Errorf("%s: expected relaxed anti-affinity to keep node1, got %v", reason, got)
		}
	}
}

func TestValidator_BalancingNeverJoinsPeer(t *testing.T) {
	a := newGuest("a", "node1", 20)
	a.AntiAffinityGroups = []string{"x"}
	b := newGuest("b", "node2", 5)
	b.AntiAffinityGroups = []string{"x"}

	// node1 is over the threshold, node2 has room but hosts b.
	f := newFixture([]*domain.Node{newNode("node1", 90), newNode("node2", 5)}, []*domain.Guest{a, b})
	f.cfg.MemoryThreshold = 80

	if got := f.candidates(t, "a", domain.MoveReasonBalance); len(got) != 0 {
		t.Errorf("Expected a to stay put, got %v", got)
	}
	if got := f.candidates(t, "a", domain.MoveReasonAffinity); len(got) != 0 {
		t.Errorf("Expected no relaxation for affinity repair, got %v", got)
	}
	if got := f.candidates(t, "a", domain.MoveReasonAntiAffinity); !equal(got, []string{"node2"}) {
		t.Errorf("Expected relaxation for anti-affinity repair, got %v", got)
	}
}

func TestValidator_AffinityPreference(t *testing.T) {
	a := newGuest("a", "node1", 5)
	a.AffinityGroups = []string{"app"}
	b := newGuest("b", "node2", 5)
	b.AffinityGroups = []string{"app"}

	f := newFixture([]*domain.Node{newNode("node1", 10), newNode("node2", 10), newNode("node3", 10)}, []*domain.Guest{a, b})

	if got := f.candidates(t, "a", domain.MoveReasonBalance); !equal(got, []string{"node2"}) {
		t.Errorf("Expected preference for node2 hosting b, got %v", got)
	}

	// Without a legal co-located node the preference falls away.
	f.snap.Nodes["node2"].Maintenance = true
	if got := f.candidates(t, "a", domain.MoveReasonBalance); !equal(got, []string{"node1", "node3"}) {
		t.Errorf("Expected preference dropped, got %v", got)
	}

	// With enforce_affinity the group must not split.
	f.cfg.EnforceAffinity = true
	if got := f.candidates(t, "a", domain.MoveReasonBalance); len(got) != 0 {
		t.Errorf("Expected no candidates under enforce_affinity, got %v", got)
	}
}

func TestUnitFootprint(t *testing.T) {
	unit := []*domain.Guest{newGuest("a", "node1", 5), newGuest("b", "node1", 7)}
	fp := UnitFootprint(unit, domain.ResourceMemory)
	if fp.Total != 12*gib || fp.Used != float64(12*gib) {
		t.Errorf("Unexpected footprint: %+v", fp)
	}
}
