// Package executor carries out planned migrations with bounded concurrency.
package executor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/limiquantix/rebalancer/internal/config"
	"github.com/limiquantix/rebalancer/internal/domain"
)

// Options are the per-migration flags taken from the balancing config.
type Options struct {
	Live               bool
	WithLocalDisks     bool
	WithConntrackState bool
}

// Migrator moves one guest. Implementations must honour ctx cancellation.
type Migrator interface {
	Migrate(ctx context.Context, m domain.Migration, opts Options) error
}

// Executor runs migrations one at a time, or up to a fixed number in
// parallel, each bounded by a validation timeout.
type Executor struct {
	migrator Migrator
	limit    int
	timeout  time.Duration
	opts     Options
	logger   *zap.Logger
}

// New creates an executor from the balancing config.
func New(cfg config.BalancingConfig, migrator Migrator, logger *zap.Logger) *Executor {
	limit := 1
	if cfg.Parallel && cfg.ParallelJobs > 1 {
		limit = cfg.ParallelJobs
	}
	return &Executor{
		migrator: migrator,
		limit:    limit,
		timeout:  cfg.JobValidationTimeout(),
		opts: Options{
			Live:               cfg.Live,
			WithLocalDisks:     cfg.WithLocalDisks,
			WithConntrackState: cfg.WithConntrackState,
		},
		logger: logger.With(zap.String("component", "executor")),
	}
}

// Execute runs every planned migration and returns them with their outcome.
// Failures never stop the remaining migrations. Migrations not started before
// ctx is done are marked skipped.
func (e *Executor) Execute(ctx context.Context, migrations []domain.Migration) []domain.Migration {
	out := make([]domain.Migration, len(migrations))
	copy(out, migrations)

	var g errgroup.Group
	g.SetLimit(e.limit)

	for i := range out {
		if out[i].Status != "" && out[i].Status != domain.MigrationStatusPlanned {
			continue
		}
		if ctx.Err() != nil {
			out[i].Status = domain.MigrationStatusSkipped
			out[i].Error = ctx.Err().Error()
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				out[i].Status = domain.MigrationStatusSkipped
				out[i].Error = ctx.Err().Error()
				return nil
			}
			e.run(ctx, &out[i])
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (e *Executor) run(ctx context.Context, m *domain.Migration) {
	logger := e.logger.With(
		zap.String("guest", m.Guest),
		zap.String("source", m.Source),
		zap.String("target", m.Target),
	)

	jobCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	logger.Info("Starting guest migration", zap.String("type", string(m.Type)))

	err := e.migrator.Migrate(jobCtx, *m, e.opts)
	switch {
	case err == nil:
		m.Status = domain.MigrationStatusSucceeded
		logger.Info("Guest migration finished", zap.Duration("duration", time.Since(start)))
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		m.Status = domain.MigrationStatusTimeout
		m.Error = err.Error()
		logger.Error("Guest migration timed out", zap.Duration("timeout", e.timeout), zap.Error(err))
	default:
		m.Status = domain.MigrationStatusFailed
		m.Error = err.Error()
		logger.Error("Guest migration failed", zap.Error(err))
	}
}

// LogMigrator only logs migrations. It backs the default "log" driver.
type LogMigrator struct {
	logger *zap.Logger
}

// NewLogMigrator creates a migrator that performs no changes.
func NewLogMigrator(logger *zap.Logger) *LogMigrator {
	return &LogMigrator{logger: logger.With(zap.String("component", "log-migrator"))}
}

// Migrate logs the migration and succeeds.
func (l *LogMigrator) Migrate(ctx context.Context, m domain.Migration, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.logger.Info("Would migrate guest",
		zap.String("guest", m.Guest),
		zap.String("source", m.Source),
		zap.String("target", m.Target),
		zap.Bool("live", opts.Live),
		zap.Bool("with_local_disks", opts.WithLocalDisks),
	)
	return nil
}
