package balancer

import (
	"reflect"
	"testing"

	"github.com/limiquantix/rebalancer/internal/domain"
)

func accountantSnapshot() *domain.Snapshot {
	maint := newNode("node3")
	maint.Maintenance = true

	pinned := newGuest("pinned", "node1", 5)
	pinned.NodeRelationships = []string{"node1"}
	pinned.NodeRelationshipsStrict = true

	ruled := newGuest("ruled", "node2", 5)
	ruled.HaRules = []string{"rule1"}

	snap := newSnapshot(
		[]*domain.Node{newNode("node1"), newNode("node2"), maint},
		[]*domain.Guest{
			newGuest("g", "node1", 10),
			newGuest("h", "node1", 30),
			newGuest("i", "node2", 20),
			pinned,
			ruled,
		},
	)
	snap.HaRules["rule1"] = &domain.HaRule{Rule: "rule1", Type: domain.AffinityTypeAffinity, Nodes: []string{"node2", "node3"}}
	return snap
}

func TestAccountant_NoopLeavesSnapshotUnchanged(t *testing.T) {
	tests := []struct {
		name string
		move *domain.Move
	}{
		{"no move", nil},
		{"empty move", &domain.Move{}},
		{"unknown guest", &domain.Move{Guest: "zz", Source: "node1", Target: "node2"}},
		{"unknown target", &domain.Move{Guest: "g", Source: "node1", Target: "node9"}},
		{"maintenance target", &domain.Move{Guest: "g", Source: "node1", Target: "node3"}},
		{"same node", &domain.Move{Guest: "g", Source: "node1", Target: "node1"}},
		{"wrong source", &domain.Move{Guest: "g", Source: "node2", Target: "node1"}},
		{"outside strict pin", &domain.Move{Guest: "pinned", Source: "node1", Target: "node2"}},
		{"outside HA rule nodes", &domain.Move{Guest: "ruled", Source: "node2", Target: "node1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := accountantSnapshot()
			orig := snap.Clone()

			if (Accountant{}).Apply(snap, tt.move) {
				t.Fatal("Expected Apply to refuse the move")
			}
			if !reflect.DeepEqual(snap, orig) {
				t.Error("Snapshot changed on a no-op")
			}
		})
	}
}

func TestAccountant_Conservation(t *testing.T) {
	snap := accountantSnapshot()
	g := snap.Guests["g"]
	src, dst := snap.Nodes["node1"], snap.Nodes["node2"]

	type totals struct{ used, assigned float64 }
	before := make(map[domain.ResourceKind]totals)
	srcBefore := make(map[domain.ResourceKind]domain.Metric)
	dstBefore := make(map[domain.ResourceKind]domain.Metric)
	for _, kind := range domain.ResourceKinds {
		before[kind] = totals{
			used:     src.Metric(kind).Used + dst.Metric(kind).Used,
			assigned: src.Metric(kind).Assigned + dst.Metric(kind).Assigned,
		}
		srcBefore[kind] = *src.Metric(kind)
		dstBefore[kind] = *dst.Metric(kind)
	}

	if !(Accountant{}).Apply(snap, &domain.Move{Guest: "g", Source: "node1", Target: "node2"}) {
		t.Fatal("Expected move to be applied")
	}

	for _, kind := range domain.ResourceKinds {
		s, d, gm := src.Metric(kind), dst.Metric(kind), g.Metric(kind)
		if got := s.Used + d.Used; got != before[kind].used {
			t.Errorf("%s used not conserved: %f -> %f", kind, before[kind].used, got)
		}
		if got := s.Assigned + d.Assigned; got != before[kind].assigned {
			t.Errorf("%s assigned not conserved: %f -> %f", kind, before[kind].assigned, got)
		}
		if s.Used != srcBefore[kind].Used-gm.Used {
			t.Errorf("%s source used should drop by guest usage", kind)
		}
		if d.Used != dstBefore[kind].Used+gm.Used {
			t.Errorf("%s target used should grow by guest usage", kind)
		}
		if d.Assigned != dstBefore[kind].Assigned+float64(gm.Total) {
			t.Errorf("%s target assigned should grow by guest total", kind)
		}
	}

	if src.Memory.UsedPercent >= srcBefore[domain.ResourceMemory].UsedPercent {
		t.Error("Source load should decrease")
	}
	if dst.Memory.UsedPercent <= dstBefore[domain.ResourceMemory].UsedPercent {
		t.Error("Target load should increase")
	}
	if g.NodeTarget != "node2" {
		t.Errorf("Expected guest target node2, got %s", g.NodeTarget)
	}
	if g.NodeCurrent != "node1" {
		t.Error("Accountant must not change the current node")
	}
}

func TestSpread(t *testing.T) {
	snap := accountantSnapshot()

	spread, most, least := Spread(snap, domain.ResourceMemory, domain.ModeUsed)
	if most != "node1" || least != "node2" {
		t.Errorf("Expected node1/node2, got %s/%s", most, least)
	}
	if spread < 19.99 || spread > 20.01 {
		t.Errorf("Expected spread 20, got %f", spread)
	}

	// Maintenance nodes do not count.
	snap.Nodes["node2"].Maintenance = true
	if spread, _, _ := Spread(snap, domain.ResourceMemory, domain.ModeUsed); spread != 0 {
		t.Errorf("Expected zero spread with one schedulable node, got %f", spread)
	}
}
