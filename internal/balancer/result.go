package balancer

import (
	"fmt"
	"strings"
	"time"

	"github.com/limiquantix/rebalancer/internal/domain"
)

// Result is the outcome of one balancing run.
type Result struct {
	State              domain.RunState
	Moves              []domain.Move
	EvacuationFailures []domain.EvacuationFailure
	Groups             *domain.Groups

	// Before is the input snapshot; After carries the planned placement.
	Before *domain.Snapshot
	After  *domain.Snapshot
}

// Migrations returns one entry per guest whose target differs from its
// current node, in guest name order.
func (r *Result) Migrations() []domain.Migration {
	reasons := make(map[string]domain.MoveReason, len(r.Moves))
	for _, m := range r.Moves {
		reasons[m.Guest] = m.Reason
	}

	var out []domain.Migration
	for _, name := range r.After.GuestNames() {
		g := r.After.Guests[name]
		if !g.Moved() {
			continue
		}
		out = append(out, domain.Migration{
			Guest:      g.Name,
			GuestID:    g.ID,
			Type:       g.Type,
			Source:     g.NodeCurrent,
			Target:     g.NodeTarget,
			Reason:     reasons[g.Name],
			Notes:      r.notes(g),
			MemoryUsed: g.Memory.Used,
			CPUUsed:    g.CPU.Used,
			DiskUsed:   g.Disk.Used,
			Status:     domain.MigrationStatusPlanned,
		})
	}
	return out
}

// notes lists the constraints that shaped a guest's placement.
func (r *Result) notes(g *domain.Guest) []string {
	var notes []string
	if group := r.Groups.AffinityGroupOf(g.Name); group != nil && len(group.Guests) > 1 {
		notes = append(notes, "affinity-rule: "+group.ID)
	}
	for _, id := range g.AntiAffinityGroups {
		notes = append(notes, "anti-affinity-rule: "+id)
	}
	if g.Pinned() {
		note := "pinned-to: " + strings.Join(g.NodeRelationships, ",")
		if !g.NodeRelationshipsStrict {
			note += " (soft)"
		}
		notes = append(notes, note)
	}
	return notes
}

// Plan converts the result into a persistable plan.
func (r *Result) Plan(id string, createdAt time.Time, dryRun bool) *domain.Plan {
	return &domain.Plan{
		ID:                 id,
		CreatedAt:          createdAt,
		DryRun:             dryRun,
		State:              r.State,
		Migrations:         r.Migrations(),
		EvacuationFailures: append([]domain.EvacuationFailure(nil), r.EvacuationFailures...),
	}
}

// Err returns an error wrapping domain.ErrEvacuationFailed when some
// maintenance guest has no destination.
func (r *Result) Err() error {
	if len(r.EvacuationFailures) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d guest(s) left on maintenance nodes", domain.ErrEvacuationFailed, len(r.EvacuationFailures))
}
