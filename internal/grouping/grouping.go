// Package grouping derives affinity, anti-affinity and maintenance sets from
// guest metadata and node maintenance flags.
package grouping

import (
	"sort"

	"github.com/google/uuid"

	"github.com/limiquantix/rebalancer/internal/domain"
)

// Build derives the constraint groups for one run.
//
// Every guest lands in exactly one affinity group: the last entry of its
// AffinityGroups, or a singleton group with a generated id. Guests are visited
// in name order so member lists are deterministic.
func Build(guests map[string]*domain.Guest, nodes map[string]*domain.Node) *domain.Groups {
	groups := domain.NewGroups()

	names := make([]string, 0, len(guests))
	for name := range guests {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		guest := guests[name]

		addAffinity(groups, guest)

		seen := make(map[string]bool, len(guest.AntiAffinityGroups))
		for _, id := range guest.AntiAffinityGroups {
			if seen[id] {
				continue
			}
			seen[id] = true
			addAntiAffinity(groups, id, guest.Name)
		}

		if node, ok := nodes[guest.NodeCurrent]; ok && node.Maintenance {
			groups.Maintenance = append(groups.Maintenance, guest.Name)
		}
	}

	for _, g := range groups.Affinity {
		for _, kind := range domain.ResourceKinds {
			g.Metric(kind).Recompute()
		}
	}

	return groups
}

func addAffinity(groups *domain.Groups, guest *domain.Guest) {
	var id string
	if n := len(guest.AffinityGroups); n > 0 {
		id = guest.AffinityGroups[n-1]
	} else {
		id = singletonID(groups)
	}

	g, ok := groups.Affinity[id]
	if !ok {
		g = &domain.AffinityGroup{ID: id}
		groups.Affinity[id] = g
		groups.AffinityOrder = append(groups.AffinityOrder, id)
	}

	g.Guests = append(g.Guests, guest.Name)
	g.Counter++
	for _, kind := range domain.ResourceKinds {
		src := guest.Metric(kind)
		dst := g.Metric(kind)
		dst.Total += src.Total
		dst.Used += src.Used
	}

	groups.AffinityOf[guest.Name] = id
}

// singletonID returns a fresh id not used by any existing group.
func singletonID(groups *domain.Groups) string {
	for {
		id := uuid.NewString()
		if _, taken := groups.Affinity[id]; !taken {
			return id
		}
	}
}

func addAntiAffinity(groups *domain.Groups, id, guest string) {
	g, ok := groups.AntiAffinity[id]
	if !ok {
		g = &domain.AntiAffinityGroup{ID: id}
		groups.AntiAffinity[id] = g
		groups.AntiAffinityOrder = append(groups.AntiAffinityOrder, id)
	}
	g.Guests = append(g.Guests, guest)
	g.Counter++
}
