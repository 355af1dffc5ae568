package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/domain"
	"github.com/limiquantix/rebalancer/internal/drs"
)

var _ drs.PlanRepository = (*PlanRepository)(nil)

// PlanRepository implements plan history storage using PostgreSQL.
type PlanRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPlanRepository creates a new PostgreSQL plan repository.
func NewPlanRepository(db *DB, logger *zap.Logger) *PlanRepository {
	return &PlanRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "plan")),
	}
}

const planColumns = `id::text, created_at, dry_run, state, migrations, evacuation_failures, statistics`

// Save stores a new plan.
func (r *PlanRepository) Save(ctx context.Context, plan *domain.Plan) error {
	stateJSON, err := json.Marshal(plan.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	migrationsJSON, err := json.Marshal(plan.Migrations)
	if err != nil {
		return fmt.Errorf("failed to marshal migrations: %w", err)
	}
	failuresJSON, err := json.Marshal(plan.EvacuationFailures)
	if err != nil {
		return fmt.Errorf("failed to marshal evacuation failures: %w", err)
	}
	statsJSON, err := json.Marshal(plan.Statistics)
	if err != nil {
		return fmt.Errorf("failed to marshal statistics: %w", err)
	}

	query := `
		INSERT INTO plans (id, created_at, dry_run, outcome, migration_count, state, migrations, evacuation_failures, statistics)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.pool.Exec(ctx, query,
		plan.ID,
		plan.CreatedAt,
		plan.DryRun,
		string(plan.State.Outcome),
		len(plan.Migrations),
		stateJSON,
		migrationsJSON,
		failuresJSON,
		statsJSON,
	)
	if err != nil {
		r.logger.Error("Failed to save plan", zap.Error(err), zap.String("plan_id", plan.ID))
		return fmt.Errorf("failed to insert plan: %w", err)
	}

	r.logger.Debug("Saved plan", zap.String("plan_id", plan.ID), zap.Int("migrations", len(plan.Migrations)))
	return nil
}

// Get retrieves a plan by ID.
func (r *PlanRepository) Get(ctx context.Context, id string) (*domain.Plan, error) {
	// Plan ids are uuids; anything else cannot exist.
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}

	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1`

	plan, err := scanPlan(r.db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

// Latest returns the most recently created plan.
func (r *PlanRepository) Latest(ctx context.Context) (*domain.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans ORDER BY created_at DESC LIMIT 1`

	plan, err := scanPlan(r.db.pool.QueryRow(ctx, query))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest plan: %w", err)
	}
	return plan, nil
}

// List returns up to limit plans, newest first. A non-positive limit returns all.
func (r *PlanRepository) List(ctx context.Context, limit int) ([]*domain.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*domain.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// UpdateMigrations replaces the migration outcomes of a plan.
func (r *PlanRepository) UpdateMigrations(ctx context.Context, id string, migrations []domain.Migration) error {
	migrationsJSON, err := json.Marshal(migrations)
	if err != nil {
		return fmt.Errorf("failed to marshal migrations: %w", err)
	}

	tag, err := r.db.pool.Exec(ctx,
		`UPDATE plans SET migrations = $2, migration_count = $3 WHERE id = $1`,
		id, migrationsJSON, len(migrations),
	)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Prune keeps the newest keep plans.
func (r *PlanRepository) Prune(ctx context.Context, keep int) error {
	query := `
		DELETE FROM plans WHERE id NOT IN (
			SELECT id FROM plans ORDER BY created_at DESC LIMIT $1
		)
	`
	tag, err := r.db.pool.Exec(ctx, query, keep)
	if err != nil {
		return fmt.Errorf("failed to prune plans: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		r.logger.Info("Pruned plan history", zap.Int64("deleted", n))
	}
	return nil
}

func scanPlan(row pgx.Row) (*domain.Plan, error) {
	plan := &domain.Plan{}
	var stateJSON, migrationsJSON, failuresJSON, statsJSON []byte

	if err := row.Scan(
		&plan.ID,
		&plan.CreatedAt,
		&plan.DryRun,
		&stateJSON,
		&migrationsJSON,
		&failuresJSON,
		&statsJSON,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stateJSON, &plan.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if err := json.Unmarshal(migrationsJSON, &plan.Migrations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal migrations: %w", err)
	}
	if len(failuresJSON) > 0 {
		if err := json.Unmarshal(failuresJSON, &plan.EvacuationFailures); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evacuation failures: %w", err)
		}
	}
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &plan.Statistics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal statistics: %w", err)
		}
	}
	return plan, nil
}
