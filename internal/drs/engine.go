// Package drs runs the balancer on a schedule: it loads the cluster, plans,
// persists and publishes the plan, then carries out its migrations.
package drs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/balancer"
	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/domain"
	"github.com/limiquantix/rebalancer/internal/report"
)

// SnapshotSource provides the current cluster state.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*domain.Snapshot, error)
}

// PlanRepository defines the interface for plan history storage.
type PlanRepository interface {
	Save(ctx context.Context, plan *domain.Plan) error
	Get(ctx context.Context, id string) (*domain.Plan, error)
	Latest(ctx context.Context) (*domain.Plan, error)
	List(ctx context.Context, limit int) ([]*domain.Plan, error)
	UpdateMigrations(ctx context.Context, id string, migrations []domain.Migration) error
	Prune(ctx context.Context, keep int) error
}

// PlanPublisher announces plans to interested parties.
type PlanPublisher interface {
	PublishPlan(ctx context.Context, plan *domain.Plan) error
}

// MigrationExecutor carries out planned migrations.
type MigrationExecutor interface {
	Execute(ctx context.Context, migrations []domain.Migration) []domain.Migration
}

// LeaderChecker checks if this instance is the leader.
type LeaderChecker interface {
	IsLeader() bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher adds a plan publisher.
func WithPublisher(p PlanPublisher) Option {
	return func(e *Engine) {
		e.publishers = append(e.publishers, p)
	}
}

// WithLeaderChecker gates cycles on leadership.
func WithLeaderChecker(l LeaderChecker) Option {
	return func(e *Engine) {
		e.leaderChecker = l
	}
}

// WithDryRun plans without executing migrations.
func WithDryRun(dryRun bool) Option {
	return func(e *Engine) {
		e.dryRun = dryRun
	}
}

// WithCycleHook registers a function called with every completed plan.
func WithCycleHook(fn func(*domain.Plan)) Option {
	return func(e *Engine) {
		e.hooks = append(e.hooks, fn)
	}
}

// Engine is the scheduling loop around the balancer.
type Engine struct {
	config        config.Config
	source        SnapshotSource
	balancer      *balancer.Engine
	planRepo      PlanRepository
	executor      MigrationExecutor
	publishers    []PlanPublisher
	leaderChecker LeaderChecker
	hooks         []func(*domain.Plan)
	dryRun        bool
	now           func() time.Time
	logger        *zap.Logger

	// cycleMu serialises cycles from the loop and from TriggerRun.
	cycleMu sync.Mutex

	mu        sync.RWMutex
	isRunning bool
	lastRun   time.Time
	lastPlan  *domain.Plan
}

// NewEngine creates a new scheduling engine.
func NewEngine(
	cfg config.Config,
	source SnapshotSource,
	planRepo PlanRepository,
	executor MigrationExecutor,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		config:   cfg,
		source:   source,
		balancer: balancer.NewEngine(cfg.Balancing, cfg.Cluster, logger),
		planRepo: planRepo,
		executor: executor,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "drs")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start runs cycles until ctx is done. Without daemon mode a single cycle
// runs and Start returns.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.isRunning = false
		e.mu.Unlock()
	}()

	interval := e.config.Service.Schedule.Duration()
	e.logger.Info("Starting scheduling engine",
		zap.Bool("daemon", e.config.Service.Daemon),
		zap.Duration("interval", interval),
		zap.Bool("dry_run", e.dryRun),
		zap.String("method", string(e.config.Balancing.Method)),
		zap.String("mode", string(e.config.Balancing.Mode)),
		zap.Float64("balanciness", e.config.Balancing.Balanciness),
	)

	if delay := e.config.Service.Delay.Duration(); delay > 0 {
		e.logger.Info("Delaying first cycle", zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("Scheduling engine stopped")
			return
		case <-timer.C:
		}
	}

	e.cycle(ctx)
	if !e.config.Service.Daemon {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Scheduling engine stopped")
			return
		case <-ticker.C:
			e.cycle(ctx)
		}
	}
}

// cycle runs one gated cycle and logs its failure.
func (e *Engine) cycle(ctx context.Context) {
	if !e.config.Balancing.Enable {
		e.logger.Info("Balancing disabled, skipping cycle")
		return
	}
	if e.leaderChecker != nil && !e.leaderChecker.IsLeader() {
		e.logger.Debug("Not leader, skipping cycle")
		return
	}
	if _, err := e.RunOnce(ctx); err != nil {
		e.logger.Error("Scheduling cycle failed", zap.Error(err))
	}
}

// TriggerRun runs a cycle on request. Followers refuse.
func (e *Engine) TriggerRun(ctx context.Context) (*domain.Plan, error) {
	if e.leaderChecker != nil && !e.leaderChecker.IsLeader() {
		return nil, fmt.Errorf("%w: this instance is not the leader", domain.ErrUnavailable)
	}
	return e.RunOnce(ctx)
}

// RunOnce performs a single cycle regardless of schedule and leadership.
func (e *Engine) RunOnce(ctx context.Context) (*domain.Plan, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := e.now()
	logger := e.logger.With(zap.String("run_id", uuid.NewString()))

	snap, err := e.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster snapshot: %w", err)
	}
	report.LogSummary(logger, snap)
	report.LogStatistics(logger, "Before", snap)

	res, err := e.balancer.Run(ctx, snap)
	if err != nil {
		return nil, err
	}
	report.LogStatistics(logger, "After", res.After)

	plan := res.Plan(uuid.NewString(), start, e.dryRun)
	plan.Statistics = report.PlanStatistics(res)

	if err := res.Err(); err != nil {
		for _, f := range res.EvacuationFailures {
			logger.Warn("Guest cannot leave maintenance node",
				zap.String("guest", f.Guest),
				zap.String("node", f.Node),
				zap.String("reason", f.Reason),
			)
		}
	}

	logger.Info("Balancing plan created",
		zap.String("plan_id", plan.ID),
		zap.String("outcome", string(plan.State.Outcome)),
		zap.Int("migrations", len(plan.Migrations)),
		zap.Int("evacuation_failures", len(plan.EvacuationFailures)),
		zap.Float64("spread_before", plan.State.SpreadBefore),
		zap.Float64("spread_after", plan.State.SpreadAfter),
	)

	if err := e.planRepo.Save(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to save plan: %w", err)
	}
	e.publish(ctx, plan)

	if !e.dryRun && len(plan.Migrations) > 0 {
		plan.Migrations = e.executor.Execute(ctx, plan.Migrations)
		// Outcomes are persisted even when the cycle was cancelled.
		if err := e.planRepo.UpdateMigrations(context.WithoutCancel(ctx), plan.ID, plan.Migrations); err != nil {
			logger.Error("Failed to record migration outcomes", zap.String("plan_id", plan.ID), zap.Error(err))
		}
		e.publish(ctx, plan)
	}

	if limit := e.config.Storage.HistoryLimit; limit > 0 {
		if err := e.planRepo.Prune(ctx, limit); err != nil {
			logger.Warn("Failed to prune plan history", zap.Error(err))
		}
	}

	e.mu.Lock()
	e.lastRun = start
	e.lastPlan = plan.Clone()
	e.mu.Unlock()

	for _, hook := range e.hooks {
		hook(plan.Clone())
	}

	logger.Debug("Scheduling cycle complete", zap.Duration("duration", e.now().Sub(start)))
	return plan, nil
}

func (e *Engine) publish(ctx context.Context, plan *domain.Plan) {
	for _, p := range e.publishers {
		if err := p.PublishPlan(ctx, plan); err != nil {
			e.logger.Warn("Failed to publish plan", zap.String("plan_id", plan.ID), zap.Error(err))
		}
	}
}

// LastPlan returns the plan of the latest completed cycle, or nil.
func (e *Engine) LastPlan() *domain.Plan {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastPlan == nil {
		return nil
	}
	return e.lastPlan.Clone()
}

// GetLastRunTime returns when the last cycle started.
func (e *Engine) GetLastRunTime() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastRun
}

// DryRun returns true if cycles only plan.
func (e *Engine) DryRun() bool {
	return e.dryRun
}

// IsRunning returns true if the scheduling loop is running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}
