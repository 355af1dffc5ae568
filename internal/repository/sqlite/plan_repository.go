// Package sqlite provides a single-file plan history for one-host installs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/limiquantix/rebalancer/internal/domain"
	"github.com/limiquantix/rebalancer/internal/drs"
)

var _ drs.PlanRepository = (*PlanRepository)(nil)

// PlanRepository stores plans in SQLite.
type PlanRepository struct {
	conn   *sql.DB
	logger *zap.Logger
}

// NewPlanRepository opens (or creates) the database at path.
func NewPlanRepository(path string, logger *zap.Logger) (*PlanRepository, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows a single writer.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PlanRepository{conn: conn, logger: logger.With(zap.String("component", "repository"))}
	if err := r.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	r.logger.Info("Opened SQLite plan history", zap.String("path", path))
	return r, nil
}

func (r *PlanRepository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		dry_run BOOLEAN NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL,
		state TEXT NOT NULL,
		migrations TEXT NOT NULL,
		evacuation_failures TEXT NOT NULL,
		statistics TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_plans_created_at ON plans(created_at);
	`
	_, err := r.conn.Exec(schema)
	return err
}

// Close closes the database.
func (r *PlanRepository) Close() error {
	return r.conn.Close()
}

// Health checks if the database is reachable.
func (r *PlanRepository) Health(ctx context.Context) error {
	return r.conn.PingContext(ctx)
}

// Save stores a new plan.
func (r *PlanRepository) Save(ctx context.Context, plan *domain.Plan) error {
	cols, err := encode(plan)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO plans (id, created_at, dry_run, outcome, state, migrations, evacuation_failures, statistics)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.conn.ExecContext(ctx, query,
		plan.ID,
		plan.CreatedAt.UnixNano(),
		plan.DryRun,
		string(plan.State.Outcome),
		cols.state,
		cols.migrations,
		cols.failures,
		cols.statistics,
	)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

// Get retrieves a plan by ID.
func (r *PlanRepository) Get(ctx context.Context, id string) (*domain.Plan, error) {
	query := `
	SELECT id, created_at, dry_run, state, migrations, evacuation_failures, statistics
	FROM plans WHERE id = ?
	`
	plan, err := scanPlan(r.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return plan, err
}

// Latest returns the most recently created plan.
func (r *PlanRepository) Latest(ctx context.Context) (*domain.Plan, error) {
	plans, err := r.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, domain.ErrNotFound
	}
	return plans[0], nil
}

// List returns up to limit plans, newest first. A non-positive limit returns all.
func (r *PlanRepository) List(ctx context.Context, limit int) ([]*domain.Plan, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
	SELECT id, created_at, dry_run, state, migrations, evacuation_failures, statistics
	FROM plans ORDER BY created_at DESC, rowid DESC LIMIT ?
	`
	rows, err := r.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*domain.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// UpdateMigrations replaces the migration outcomes of a plan.
func (r *PlanRepository) UpdateMigrations(ctx context.Context, id string, migrations []domain.Migration) error {
	data, err := json.Marshal(migrations)
	if err != nil {
		return fmt.Errorf("encode migrations: %w", err)
	}
	res, err := r.conn.ExecContext(ctx, `UPDATE plans SET migrations = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Prune keeps the newest keep plans.
func (r *PlanRepository) Prune(ctx context.Context, keep int) error {
	query := `
	DELETE FROM plans WHERE id NOT IN (
		SELECT id FROM plans ORDER BY created_at DESC, rowid DESC LIMIT ?
	)
	`
	res, err := r.conn.ExecContext(ctx, query, keep)
	if err != nil {
		return fmt.Errorf("prune plans: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.logger.Debug("Pruned plan history", zap.Int64("deleted", n))
	}
	return nil
}

type columns struct {
	state, migrations, failures, statistics string
}

func encode(plan *domain.Plan) (columns, error) {
	var c columns
	for _, f := range []struct {
		dst *string
		v   any
	}{
		{&c.state, plan.State},
		{&c.migrations, plan.Migrations},
		{&c.failures, plan.EvacuationFailures},
		{&c.statistics, plan.Statistics},
	} {
		data, err := json.Marshal(f.v)
		if err != nil {
			return c, fmt.Errorf("encode plan %s: %w", plan.ID, err)
		}
		*f.dst = string(data)
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(s scanner) (*domain.Plan, error) {
	var (
		plan      domain.Plan
		createdAt int64
		c         columns
	)
	if err := s.Scan(&plan.ID, &createdAt, &plan.DryRun, &c.state, &c.migrations, &c.failures, &c.statistics); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	plan.CreatedAt = time.Unix(0, createdAt).UTC()

	for _, f := range []struct {
		src string
		v   any
	}{
		{c.state, &plan.State},
		{c.migrations, &plan.Migrations},
		{c.failures, &plan.EvacuationFailures},
		{c.statistics, &plan.Statistics},
	} {
		if err := json.Unmarshal([]byte(f.src), f.v); err != nil {
			return nil, fmt.Errorf("decode plan %s: %w", plan.ID, err)
		}
	}
	return &plan, nil
}
