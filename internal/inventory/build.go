package inventory

import (
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/domain"
)

const (
	gigabyte = float64(1 << 30)

	// spikeWindow is how many of the latest samples a spike is taken from.
	spikeWindow = 6

	tagAffinity     = "plb_affinity_"
	tagAntiAffinity = "plb_anti_affinity_"
	tagIgnore       = "plb_ignore_"
	tagPin          = "plb_pin_"

	poolGroupPrefix = "pool_"
	haGroupPrefix   = "ha_"

	reserveDefaults = "defaults"
)

// Builder converts inventory records into snapshots.
type Builder struct {
	balancing config.BalancingConfig
	cluster   config.ClusterConfig
	logger    *zap.Logger
}

// NewBuilder creates a new snapshot builder.
func NewBuilder(balancing config.BalancingConfig, cluster config.ClusterConfig, logger *zap.Logger) *Builder {
	return &Builder{
		balancing: balancing,
		cluster:   cluster,
		logger:    logger.With(zap.String("component", "inventory")),
	}
}

// Build returns a validated snapshot with derived fields computed.
func (b *Builder) Build(f *File) (*domain.Snapshot, error) {
	snap := domain.NewSnapshot()

	for _, rec := range f.Nodes {
		if n := b.node(rec); n != nil {
			snap.Nodes[n.Name] = n
		}
	}

	for _, rec := range f.Pools {
		snap.Pools[rec.Name] = &domain.Pool{Name: rec.Name, Members: slices.Clone(rec.Members)}
	}
	for _, rec := range f.HaRules {
		t, err := domain.ParseAffinityType(rec.Type)
		if err != nil {
			return nil, fmt.Errorf("ha rule %s: %w", rec.Rule, err)
		}
		snap.HaRules[rec.Rule] = &domain.HaRule{
			Rule:    rec.Rule,
			Type:    t,
			Nodes:   slices.Clone(rec.Nodes),
			Members: slices.Clone(rec.Members),
		}
	}

	for _, rec := range f.Guests {
		if _, ok := snap.Nodes[rec.Node]; !ok {
			b.logger.Debug("Skipping guest on unavailable node",
				zap.String("guest", rec.Name),
				zap.String("node", rec.Node),
			)
			continue
		}
		if rec.Status != "" && rec.Status != "running" {
			b.logger.Debug("Skipping guest that is not running",
				zap.String("guest", rec.Name),
				zap.String("status", rec.Status),
			)
			continue
		}
		g, err := b.guest(rec, snap)
		if err != nil {
			return nil, err
		}
		if _, dup := snap.Guests[g.Name]; dup {
			return nil, fmt.Errorf("%w: guest %s listed twice", domain.ErrAlreadyExists, g.Name)
		}
		snap.Guests[g.Name] = g
	}

	// Assignment counts every placed guest, ignored ones included.
	for _, g := range snap.Guests {
		n := snap.Nodes[g.NodeCurrent]
		for _, kind := range domain.ResourceKinds {
			n.Metric(kind).Assigned += float64(g.Metric(kind).Total)
		}
	}

	snap.Recompute()
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (b *Builder) node(rec NodeRecord) *domain.Node {
	if rec.Status != "" && rec.Status != "online" {
		b.logger.Info("Skipping offline node", zap.String("node", rec.Name), zap.String("status", rec.Status))
		return nil
	}
	if slices.Contains(b.cluster.IgnoreNodes, rec.Name) {
		b.logger.Info("Node has been set to be ignored", zap.String("node", rec.Name))
		return nil
	}

	n := &domain.Node{
		Name:       rec.Name,
		PVEVersion: rec.PVEVersion,
		CPU:        metric(rec.CPU),
		Memory:     metric(rec.Memory),
		Disk:       metric(rec.Disk),
	}
	for _, kind := range domain.ResourceKinds {
		b.reserve(n, kind)
	}

	switch {
	case slices.Contains(b.cluster.MaintenanceNodes, rec.Name):
		n.Maintenance = true
		b.logger.Info("Node has been set to maintenance mode by configuration", zap.String("node", rec.Name))
	case rec.HAMaintenance:
		n.Maintenance = true
		b.logger.Info("Node has been set to maintenance mode by HA", zap.String("node", rec.Name))
	}
	return n
}

// reserve subtracts the configured reservation from a node's capacity. A
// node-specific amount wins over the defaults entry.
func (b *Builder) reserve(n *domain.Node, kind domain.ResourceKind) {
	amount := b.balancing.NodeResourceReserve[n.Name][string(kind)]
	source := n.Name
	if amount <= 0 {
		amount = b.balancing.NodeResourceReserve[reserveDefaults][string(kind)]
		source = reserveDefaults
	}
	if amount <= 0 {
		return
	}

	m := n.Metric(kind)
	units := amount
	if kind != domain.ResourceCPU {
		units = amount * gigabyte
	}
	if units > float64(m.Total) {
		b.logger.Warn("Resource reservation exceeds capacity, not applying",
			zap.String("node", n.Name),
			zap.String("resource", string(kind)),
			zap.String("source", source),
			zap.Float64("reserve", amount),
			zap.Int64("total", m.Total),
		)
		return
	}
	m.Total -= int64(units)
	b.logger.Debug("Applied resource reservation",
		zap.String("node", n.Name),
		zap.String("resource", string(kind)),
		zap.String("source", source),
		zap.Float64("reserve", amount),
	)
}

func (b *Builder) guest(rec GuestRecord, snap *domain.Snapshot) (*domain.Guest, error) {
	t := domain.GuestTypeVM
	if rec.Type != "" {
		var err error
		if t, err = domain.ParseGuestType(rec.Type); err != nil {
			return nil, fmt.Errorf("guest %s: %w", rec.Name, err)
		}
	}
	id := rec.ID
	if id == "" {
		id = rec.Name
	}

	g := &domain.Guest{
		Name:        rec.Name,
		ID:          id,
		Type:        t,
		NodeCurrent: rec.Node,
		NodeTarget:  rec.Node,
		Tags:        slices.Clone(rec.Tags),
		CPU:         metric(rec.CPU),
		Memory:      metric(rec.Memory),
		Disk:        metric(rec.Disk),
	}

	// Tags first, then pools, then HA rules: the last affinity entry wins.
	for _, tag := range rec.Tags {
		switch {
		case strings.HasPrefix(tag, tagAntiAffinity):
			g.AntiAffinityGroups = append(g.AntiAffinityGroups, tag)
		case strings.HasPrefix(tag, tagAffinity):
			g.AffinityGroups = append(g.AffinityGroups, tag)
		case strings.HasPrefix(tag, tagIgnore):
			g.Ignore = true
		case strings.HasPrefix(tag, tagPin):
			node := strings.TrimPrefix(tag, tagPin)
			if _, ok := snap.Nodes[node]; ok {
				g.NodeRelationships = appendUnique(g.NodeRelationships, node)
			} else {
				b.logger.Debug("Ignoring pin to unknown node", zap.String("guest", rec.Name), zap.String("node", node))
			}
		}
	}

	strict := b.balancing.EnforcePinning
	for _, name := range sortedKeys(snap.Pools) {
		if !snap.Pools[name].Contains(g.Name) {
			continue
		}
		g.Pools = append(g.Pools, name)

		pc, ok := b.balancing.Pools[name]
		if !ok {
			continue
		}
		switch domain.AffinityType(pc.Type) {
		case domain.AffinityTypeAffinity:
			g.AffinityGroups = append(g.AffinityGroups, poolGroupPrefix+name)
		case domain.AffinityTypeAntiAffinity:
			g.AntiAffinityGroups = append(g.AntiAffinityGroups, poolGroupPrefix+name)
		}
		for _, node := range pc.Pin {
			if _, ok := snap.Nodes[node]; ok {
				g.NodeRelationships = appendUnique(g.NodeRelationships, node)
			}
		}
		if len(pc.Pin) > 0 && pc.IsStrict() {
			strict = true
		}
	}
	g.NodeRelationshipsStrict = strict && g.Pinned()

	for _, name := range sortedKeys(snap.HaRules) {
		rule := snap.HaRules[name]
		if !rule.AppliesTo(g.ID) && !rule.AppliesTo(g.Name) {
			continue
		}
		g.HaRules = append(g.HaRules, name)
		switch rule.Type {
		case domain.AffinityTypeAffinity:
			g.AffinityGroups = append(g.AffinityGroups, haGroupPrefix+name)
		case domain.AffinityTypeAntiAffinity:
			g.AntiAffinityGroups = append(g.AntiAffinityGroups, haGroupPrefix+name)
		}
	}

	return g, nil
}

func metric(rec ResourceRecord) domain.Metric {
	m := domain.Metric{Total: rec.Total, Used: rec.Used}
	m.PressureSomePercent, m.PressureSomeSpikesPercent = pressure(rec.Pressure.Some, rec.Pressure.SomeSpikes, rec.Pressure.SomeSamples)
	m.PressureFullPercent, m.PressureFullSpikesPercent = pressure(rec.Pressure.Full, rec.Pressure.FullSpikes, rec.Pressure.FullSamples)
	return m
}

// pressure returns the mean of all samples and the maximum of the latest
// spikeWindow samples, or the given values when no samples exist.
func pressure(avg, spike float64, samples []float64) (float64, float64) {
	if len(samples) == 0 {
		return avg, spike
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	recent := samples
	if len(recent) > spikeWindow {
		recent = recent[len(recent)-spikeWindow:]
	}
	return sum / float64(len(samples)), slices.Max(recent)
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
