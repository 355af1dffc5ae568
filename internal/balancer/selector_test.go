package balancer

import (
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/constraint"
	"github.com/limiquantix/rebalancer/internal/domain"
	"github.com/limiquantix/rebalancer/internal/grouping"
)

// =============================================================================
// MOST FREE NODE
// =============================================================================

func TestMostFreeNode(t *testing.T) {
	snap := newSnapshot(
		[]*domain.Node{newNode("node1"), newNode("node2")},
		[]*domain.Guest{newGuest("a", "node1", 10), newGuest("b", "node2", 20)},
	)
	nodes := []*domain.Node{snap.Nodes["node1"], snap.Nodes["node2"]}

	if got := MostFreeNode(nodes, domain.ResourceMemory, domain.ModeUsed); got == nil || got.Name != "node1" {
		t.Fatalf("Expected node1, got %v", got)
	}

	snap.Nodes["node1"].Maintenance = true
	if got := MostFreeNode(nodes, domain.ResourceMemory, domain.ModeUsed); got == nil || got.Name != "node2" {
		t.Fatalf("Expected node2 with node1 in maintenance, got %v", got)
	}

	snap.Nodes["node2"].Maintenance = true
	if got := MostFreeNode(nodes, domain.ResourceMemory, domain.ModeUsed); got != nil {
		t.Fatalf("Expected nil with every node in maintenance, got %s", got.Name)
	}

	if got := MostFreeNode(nil, domain.ResourceMemory, domain.ModeUsed); got != nil {
		t.Fatalf("Expected nil for empty node set, got %s", got.Name)
	}
}

func TestMostFreeNode_TieBreaksByName(t *testing.T) {
	nodes := []*domain.Node{newNode("node3"), newNode("node1"), newNode("node2")}
	for _, n := range nodes {
		n.Recompute()
	}

	if got := MostFreeNode(nodes, domain.ResourceCPU, domain.ModeAssigned); got.Name != "node1" {
		t.Errorf("Expected lexicographic tie break to pick node1, got %s", got.Name)
	}
}

func TestMostFreeNode_PSI(t *testing.T) {
	a, b := newNode("node1"), newNode("node2")
	a.Memory.PressureFullSpikesPercent = 12
	b.Memory.PressureFullSpikesPercent = 3

	got := MostFreeNode([]*domain.Node{a, b}, domain.ResourceMemory, domain.ModePSI)
	if got.Name != "node2" {
		t.Errorf("Expected least pressured node2, got %s", got.Name)
	}
}

// =============================================================================
// SELECTOR
// =============================================================================

func newTestSelector(snap *domain.Snapshot) *Selector {
	groups := grouping.Build(snap.Guests, snap.Nodes)
	cfg := testConfig()
	v := constraint.NewValidator(cfg, testCluster(), snap, groups, zap.NewNop())
	return NewSelector(v, cfg.Method, cfg.Mode)
}

func TestSelector_ClearsLastMoveWithoutResult(t *testing.T) {
	n1, n2 := newNode("node1"), newNode("node2")
	n1.Maintenance = true
	n2.Maintenance = true
	snap := newSnapshot([]*domain.Node{n1, n2}, []*domain.Guest{newGuest("a", "node1", 5)})

	state := &domain.RunState{LastMove: &domain.Move{Guest: "stale", Target: "node9"}}
	move := newTestSelector(snap).Propose(state, []*domain.Guest{snap.Guests["a"]}, domain.MoveReasonBalance)

	if move != nil {
		t.Fatalf("Expected no proposal, got %+v", move)
	}
	if state.LastMove != nil {
		t.Errorf("Expected last move cleared, got %+v", state.LastMove)
	}

	if newTestSelector(snap).Propose(state, nil, domain.MoveReasonBalance) != nil {
		t.Error("Expected nil for empty unit")
	}
}

func TestSelector_RecordsProposal(t *testing.T) {
	snap := newSnapshot(
		[]*domain.Node{newNode("node1"), newNode("node2")},
		[]*domain.Guest{newGuest("a", "node1", 30)},
	)

	state := &domain.RunState{}
	move := newTestSelector(snap).Propose(state, []*domain.Guest{snap.Guests["a"]}, domain.MoveReasonBalance)

	want := &domain.Move{Guest: "a", Source: "node1", Target: "node2", Reason: domain.MoveReasonBalance}
	if !reflect.DeepEqual(move, want) {
		t.Errorf("Expected %+v, got %+v", want, move)
	}
	if state.LastMove != move {
		t.Error("Expected proposal recorded as last move")
	}
}

func TestSelector_SoftPinBreaksTies(t *testing.T) {
	g := newGuest("a", "node1", 5)
	g.NodeRelationships = []string{"node3"}
	snap := newSnapshot([]*domain.Node{newNode("node1"), newNode("node2"), newNode("node3")}, []*domain.Guest{g})

	move := newTestSelector(snap).Propose(&domain.RunState{}, []*domain.Guest{g}, domain.MoveReasonBalance)
	if move == nil || move.Target != "node3" {
		t.Errorf("Expected soft pin to prefer node3 among equally free nodes, got %+v", move)
	}
}
