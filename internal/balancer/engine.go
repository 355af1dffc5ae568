// Package balancer implements the iterative balancing engine: maintenance
// evacuation, constraint repair and spread-reducing rebalancing.
package balancer

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/constraint"
	"github.com/limiquantix/rebalancer/internal/domain"
	"github.com/limiquantix/rebalancer/internal/grouping"
)

// Engine plans migrations for one cluster snapshot at a time.
type Engine struct {
	config     config.BalancingConfig
	cluster    config.ClusterConfig
	accountant Accountant
	logger     *zap.Logger
}

// NewEngine creates a new balancing engine.
func NewEngine(cfg config.BalancingConfig, cluster config.ClusterConfig, logger *zap.Logger) *Engine {
	return &Engine{
		config:  cfg,
		cluster: cluster,
		logger:  logger.With(zap.String("component", "balancer")),
	}
}

// run holds the state of one scheduling run.
type run struct {
	cfg        config.BalancingConfig
	snap       *domain.Snapshot
	groups     *domain.Groups
	validator  *constraint.Validator
	selector   *Selector
	accountant Accountant
	state      *domain.RunState
	result     *Result
	logger     *zap.Logger
}

// Run plans migrations for the snapshot. The input is not modified; the
// planned placement is returned in Result.After. Run fails only on malformed
// input or cancellation, in which case the partial plan is discarded.
func (e *Engine) Run(ctx context.Context, input *domain.Snapshot) (*Result, error) {
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}

	before := input.Clone()
	for _, g := range before.Guests {
		g.NodeTarget = g.NodeCurrent
		g.Processed = false
	}
	before.Recompute()

	work := before.Clone()
	groups := grouping.Build(work.Guests, work.Nodes)
	for _, id := range groups.AntiAffinityOrder {
		group := groups.AntiAffinity[id]
		for _, member := range group.Guests {
			group.Place(member, work.Guests[member].NodeTarget)
		}
	}

	state := &domain.RunState{
		Phase:                    domain.RunPhaseIdle,
		Method:                   e.config.Method,
		Mode:                     e.config.Mode,
		Balanciness:              e.config.Balanciness,
		Thresholds:               e.config.Thresholds(),
		BalanceLargerGuestsFirst: e.config.BalanceLargerGuestsFirst,
		Parallel:                 e.config.Parallel,
		ParallelJobs:             e.config.ParallelJobs,
		MaxJobValidation:         e.config.JobValidationTimeout(),
		ProcessedGuestsPSI:       make(map[string]bool),
	}

	logger := e.logger.With(
		zap.String("method", string(e.config.Method)),
		zap.String("mode", string(e.config.Mode)),
	)

	if e.config.Mode == domain.ModePSI {
		hotNodes, hotGuests := MarkPressure(work, e.config.PSI, logger)
		logger.Info("Pressure evaluated", zap.Int("hot_nodes", hotNodes), zap.Int("hot_guests", hotGuests))
	}

	validator := constraint.NewValidator(e.config, e.cluster, work, groups, e.logger)
	r := &run{
		cfg:        e.config,
		snap:       work,
		groups:     groups,
		validator:  validator,
		selector:   NewSelector(validator, e.config.Method, e.config.Mode),
		accountant: e.accountant,
		state:      state,
		result:     &Result{Groups: groups, Before: before, After: work},
		logger:     logger,
	}

	state.SpreadBefore, _, _ = Spread(work, e.config.Method, e.config.Mode)

	logger.Info("Starting balancing run",
		zap.Int("nodes", len(work.Nodes)),
		zap.Int("guests", len(work.Guests)),
		zap.Int("maintenance_guests", len(groups.Maintenance)),
		zap.Float64("spread", state.SpreadBefore),
		zap.Float64("balanciness", e.config.Balanciness),
	)

	r.evacuate()

	if n := len(r.result.EvacuationFailures); n > 0 {
		state.Outcome = domain.RunPhaseStalled
		state.BalanceReason = fmt.Sprintf("evacuation incomplete: %d guest(s) without destination", n)
		logger.Warn("Skipping rebalancing, maintenance evacuation incomplete", zap.Int("failures", n))
	} else {
		r.enforce()
		if err := r.rebalance(ctx); err != nil {
			return nil, err
		}
	}

	state.SpreadAfter, _, _ = Spread(work, e.config.Method, e.config.Mode)
	state.Phase = domain.RunPhaseDone
	r.result.State = *state

	logger.Info("Balancing run finished",
		zap.String("outcome", string(state.Outcome)),
		zap.Int("moves", len(r.result.Moves)),
		zap.Int("evacuation_failures", len(r.result.EvacuationFailures)),
		zap.Int("passes", state.Passes),
		zap.Float64("spread_before", state.SpreadBefore),
		zap.Float64("spread_after", state.SpreadAfter),
	)

	return r.result, nil
}

// =============================================================================
// EVACUATION
// =============================================================================

// evacuate moves every maintenance guest to the most free legal node.
// Guests without a legal node are reported as evacuation failures.
func (r *run) evacuate() {
	if len(r.groups.Maintenance) == 0 {
		return
	}
	r.state.Phase = domain.RunPhaseEvacuating
	r.state.Balance = true
	r.state.BalanceReason = "maintenance evacuation"

	guests := make([]*domain.Guest, 0, len(r.groups.Maintenance))
	for _, name := range r.groups.Maintenance {
		guests = append(guests, r.snap.Guests[name])
	}
	r.order(guests, false)

	for _, g := range guests {
		if g.Processed {
			continue
		}
		if ok, why := r.validator.Movable(g); !ok {
			r.fail(g, why)
			continue
		}

		unit := r.unitOf(g)
		move := r.selector.Propose(r.state, unit, domain.MoveReasonMaintenance)
		if move == nil {
			for _, m := range unit {
				r.fail(m, "no legal destination")
			}
			continue
		}
		r.commit(unit, move)
	}
}

func (r *run) fail(g *domain.Guest, reason string) {
	g.Processed = true
	r.result.EvacuationFailures = append(r.result.EvacuationFailures, domain.EvacuationFailure{
		Guest:  g.Name,
		Node:   g.NodeCurrent,
		Reason: reason,
	})
	r.logger.Warn("Cannot evacuate guest",
		zap.String("guest", g.Name),
		zap.String("node", g.NodeCurrent),
		zap.String("reason", reason),
	)
}

// =============================================================================
// CONSTRAINT REPAIR
// =============================================================================

// enforce relocates guests that break anti-affinity, strict pinning when
// enforce_pinning is set, or a split affinity group when enforce_affinity is
// set.
func (r *run) enforce() {
	r.state.Phase = domain.RunPhaseRebalancing

	for _, name := range r.snap.GuestNames() {
		g := r.snap.Guests[name]
		if g.Processed || r.groups.InMaintenance(name) {
			continue
		}
		if ok, _ := r.validator.Movable(g); !ok {
			continue
		}

		var reason domain.MoveReason
		switch {
		case r.validator.Violates(g):
			reason = domain.MoveReasonAntiAffinity
		case r.cfg.EnforcePinning && g.Pinned() && g.NodeRelationshipsStrict && !g.PinnedTo(g.NodeTarget):
			reason = domain.MoveReasonPinning
		default:
			continue
		}

		unit := r.unitOf(g)
		move := r.selector.Propose(r.state, unit, reason)
		if move == nil || move.Target == move.Source {
			r.logger.Warn("Cannot repair guest placement",
				zap.String("guest", g.Name),
				zap.String("node", g.NodeTarget),
				zap.String("reason", string(reason)),
			)
			continue
		}
		r.commit(unit, move)
	}

	if r.cfg.EnforceAffinity {
		r.joinAffinityGroups()
	}
}

// joinAffinityGroups moves members of split groups onto the node hosting
// most of the group.
func (r *run) joinAffinityGroups() {
	for _, id := range r.groups.AffinityOrder {
		group := r.groups.Affinity[id]
		if len(group.Guests) < 2 {
			continue
		}

		counts := make(map[string]int)
		for _, member := range group.Guests {
			counts[r.snap.Guests[member].NodeTarget]++
		}
		if len(counts) < 2 {
			continue
		}
		anchor := ""
		for node, n := range counts {
			if anchor == "" || n > counts[anchor] || (n == counts[anchor] && node < anchor) {
				anchor = node
			}
		}

		for _, member := range group.Guests {
			g := r.snap.Guests[member]
			if g.NodeTarget == anchor || g.Processed || r.groups.InMaintenance(member) {
				continue
			}
			if ok, _ := r.validator.Movable(g); !ok {
				continue
			}
			unit := r.unitOf(g)
			move := r.selector.ProposeOn(r.state, unit, anchor, domain.MoveReasonAffinity)
			if move == nil {
				r.logger.Warn("Cannot join affinity group",
					zap.String("guest", g.Name),
					zap.String("group", id),
					zap.String("node", anchor),
				)
				continue
			}
			r.commit(unit, move)
		}
	}
}

// =============================================================================
// REBALANCING
// =============================================================================

// rebalance moves one guest (or affinity unit) per pass off the most loaded
// node until the spread is within balanciness, no candidate remains or the
// pass limit is reached.
func (r *run) rebalance(ctx context.Context) error {
	r.state.Phase = domain.RunPhaseRebalancing
	method, mode := r.cfg.Method, r.cfg.Mode

	spread, _, _ := Spread(r.snap, method, mode)
	r.state.SpreadHistory = append(r.state.SpreadHistory, spread)

	maxPasses := r.cfg.MaxPasses
	if maxPasses <= 0 {
		maxPasses = len(r.snap.Guests)
	}
	if maxPasses < 1 {
		maxPasses = 1
	}

	// Pressure does not follow a planned move, so under PSI each node is
	// relieved at most once per run.
	relieved := make(map[string]bool)

	for r.state.Passes < maxPasses {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("balancing run cancelled: %w", err)
		}

		spread, most, least := Spread(r.snap, method, mode)
		if spread <= r.cfg.Balanciness {
			r.converged(spread)
			return nil
		}

		r.state.Balance = true
		r.state.BalanceReason = fmt.Sprintf("spread %.2f%% between %s and %s exceeds balanciness %.2f%%",
			spread, most, least, r.cfg.Balanciness)
		r.state.Passes++

		guest, sources := r.nextGuest(relieved)
		if guest == nil {
			if mode == domain.ModePSI && len(sources) > 0 {
				for _, n := range sources {
					relieved[n] = true
				}
				continue
			}
			r.state.Outcome = domain.RunPhaseStalled
			r.logger.Info("No movable guest left on most loaded nodes", zap.Strings("nodes", sources))
			return nil
		}

		source := guest.NodeTarget
		r.relieve(guest, spread)
		if mode == domain.ModePSI {
			relieved[source] = true
		}
	}

	spread, _, _ = Spread(r.snap, method, mode)
	if spread <= r.cfg.Balanciness {
		r.converged(spread)
	} else {
		r.state.Outcome = domain.RunPhaseStalled
		r.logger.Info("Pass limit reached", zap.Int("passes", r.state.Passes), zap.Float64("spread", spread))
	}
	return nil
}

func (r *run) converged(spread float64) {
	r.state.Outcome = domain.RunPhaseConverged
	if !r.state.Balance {
		r.state.BalanceReason = fmt.Sprintf("spread %.2f%% within balanciness %.2f%%", spread, r.cfg.Balanciness)
	}
}

// nextGuest returns the first candidate guest on the most loaded nodes, and
// those nodes.
func (r *run) nextGuest(relieved map[string]bool) (*domain.Guest, []string) {
	method, mode := r.cfg.Method, r.cfg.Mode

	var sources []string
	var maxLoad float64
	for _, name := range r.snap.NodeNames() {
		node := r.snap.Nodes[name]
		if !node.IsSchedulable() || relieved[name] {
			continue
		}
		load := node.Load(method, mode)
		switch {
		case len(sources) == 0 || load > maxLoad:
			sources, maxLoad = []string{name}, load
		case load == maxLoad:
			sources = append(sources, name)
		}
	}

	var candidates []*domain.Guest
	for _, name := range r.snap.GuestNames() {
		g := r.snap.Guests[name]
		if g.Processed || r.state.ProcessedGuestsPSI[name] || r.groups.InMaintenance(name) {
			continue
		}
		if ok, _ := r.validator.Movable(g); !ok {
			continue
		}
		for _, src := range sources {
			if g.NodeTarget == src {
				candidates = append(candidates, g)
				break
			}
		}
	}
	if len(candidates) == 0 {
		return nil, sources
	}

	r.order(candidates, mode == domain.ModePSI)
	return candidates[0], sources
}

// relieve tries to move the guest's unit off its node. The move is kept only
// if it lowers the spread; the unit is processed either way.
func (r *run) relieve(g *domain.Guest, spread float64) {
	unit := r.unitOf(g)
	move := r.selector.Propose(r.state, unit, domain.MoveReasonBalance)

	switch {
	case move == nil:
		r.logger.Debug("No legal destination", zap.String("guest", g.Name))
	case move.Target == move.Source:
		r.logger.Debug("Guest already on most free node", zap.String("guest", g.Name), zap.String("node", move.Source))
	default:
		projected, ok := r.accepts(unit, move, spread)
		if !ok {
			r.logger.Debug("Rejected move, spread would not shrink",
				zap.String("guest", g.Name),
				zap.String("target", move.Target),
				zap.Float64("spread", spread),
				zap.Float64("projected", projected),
			)
			r.state.LastMove = nil
			break
		}
		r.commit(unit, move)
		r.state.SpreadHistory = append(r.state.SpreadHistory, projected)
		if r.cfg.Mode == domain.ModePSI {
			for _, m := range unit {
				r.state.ProcessedGuestsPSI[m.Name] = true
			}
		}
		return
	}

	for _, m := range unit {
		m.Processed = true
	}
}

// accepts previews the move on a copy and returns the projected spread and
// whether the move is kept. A move is kept when the spread shrinks, or stays
// equal while the source was one of several nodes sharing the maximum and the
// target ends up below it. Under PSI the spread cannot be projected, so a move
// is kept when the target is under less pressure than the source.
func (r *run) accepts(unit []*domain.Guest, move *domain.Move, spread float64) (float64, bool) {
	method, mode := r.cfg.Method, r.cfg.Mode

	if mode == domain.ModePSI {
		src := r.snap.Nodes[move.Source].Load(method, mode)
		dst := r.snap.Nodes[move.Target].Load(method, mode)
		return spread, dst < src
	}

	preview := r.snap.Clone()
	for _, m := range unit {
		r.accountant.Apply(preview, &domain.Move{Guest: m.Name, Source: move.Source, Target: move.Target, Reason: move.Reason})
	}
	projected, _, _ := Spread(preview, method, mode)
	if projected < spread {
		return projected, true
	}
	srcBefore := r.snap.Nodes[move.Source].Load(method, mode)
	dstAfter := preview.Nodes[move.Target].Load(method, mode)
	return projected, projected <= spread && dstAfter < srcBefore
}

// =============================================================================
// HELPERS
// =============================================================================

// commit applies the move to every unit member and records it.
func (r *run) commit(unit []*domain.Guest, move *domain.Move) {
	for _, g := range unit {
		m := domain.Move{Guest: g.Name, Source: g.NodeTarget, Target: move.Target, Reason: move.Reason}
		if !r.accountant.Apply(r.snap, &m) {
			g.Processed = true
			continue
		}
		g.Processed = true
		for _, id := range g.AntiAffinityGroups {
			if group, ok := r.groups.AntiAffinity[id]; ok {
				group.Place(g.Name, g.NodeTarget)
			}
		}
		r.result.Moves = append(r.result.Moves, m)

		r.logger.Info("Planned guest migration",
			zap.String("guest", m.Guest),
			zap.String("source", m.Source),
			zap.String("target", m.Target),
			zap.String("reason", string(m.Reason)),
		)
	}
}

// unitOf returns g together with the unprocessed movable members of its
// affinity group sharing g's node.
func (r *run) unitOf(g *domain.Guest) []*domain.Guest {
	unit := []*domain.Guest{g}
	group := r.groups.AffinityGroupOf(g.Name)
	if group == nil || len(group.Guests) < 2 {
		return unit
	}
	for _, member := range group.Guests {
		if member == g.Name {
			continue
		}
		m := r.snap.Guests[member]
		if m.Processed || m.NodeTarget != g.NodeTarget || r.state.ProcessedGuestsPSI[member] {
			continue
		}
		if ok, _ := r.validator.Movable(m); !ok {
			continue
		}
		unit = append(unit, m)
	}
	return unit
}

// order sorts guests by size of the balancing resource, largest first when
// balance_larger_guests_first is set, with hot guests first if requested.
// Ties resolve by name.
func (r *run) order(guests []*domain.Guest, hotFirst bool) {
	method, mode := r.cfg.Method, r.cfg.Mode
	larger := r.cfg.BalanceLargerGuestsFirst

	sort.SliceStable(guests, func(i, j int) bool {
		a, b := guests[i], guests[j]
		if hotFirst && a.PressureHot != b.PressureHot {
			return a.PressureHot
		}
		sa, sb := a.Metric(method).Size(mode), b.Metric(method).Size(mode)
		if sa != sb {
			if larger {
				return sa > sb
			}
			return sa < sb
		}
		return a.Name < b.Name
	})
}
