// Package memory provides in-memory repository implementations for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/limiquantix/rebalancer/internal/domain"
	"github.com/limiquantix/rebalancer/internal/drs"
)

// Ensure PlanRepository implements drs.PlanRepository
var _ drs.PlanRepository = (*PlanRepository)(nil)

// PlanRepository is an in-memory implementation of the plan history.
type PlanRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.Plan
	// order holds plan ids by insertion.
	order []string
}

// NewPlanRepository creates a new in-memory plan repository.
func NewPlanRepository() *PlanRepository {
	return &PlanRepository{
		data: make(map[string]*domain.Plan),
	}
}

// Save stores a new plan.
func (r *PlanRepository) Save(ctx context.Context, plan *domain.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if plan.ID == "" {
		return domain.ErrInvalidArgument
	}
	if _, ok := r.data[plan.ID]; ok {
		return domain.ErrAlreadyExists
	}

	// Clone to avoid external mutations
	r.data[plan.ID] = plan.Clone()
	r.order = append(r.order, plan.ID)
	return nil
}

// Get retrieves a plan by ID.
func (r *PlanRepository) Get(ctx context.Context, id string) (*domain.Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p.Clone(), nil
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
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.newestFirst()
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	result := make([]*domain.Plan, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.data[id].Clone())
	}
	return result, nil
}

// UpdateMigrations replaces the migration outcomes of a plan.
func (r *PlanRepository) UpdateMigrations(ctx context.Context, id string, migrations []domain.Migration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.data[id]
	if !ok {
		return domain.ErrNotFound
	}
	updated := p.Clone()
	updated.Migrations = append([]domain.Migration(nil), migrations...)
	r.data[id] = updated.Clone()
	return nil
}

// Prune keeps the newest keep plans.
func (r *PlanRepository) Prune(ctx context.Context, keep int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.newestFirst()
	if keep < 0 || len(ids) <= keep {
		return nil
	}
	drop := make(map[string]bool, len(ids)-keep)
	for _, id := range ids[keep:] {
		delete(r.data, id)
		drop[id] = true
	}
	kept := r.order[:0]
	for _, id := range r.order {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	r.order = kept
	return nil
}

// newestFirst orders ids by creation time, later inserts first on ties.
// Callers hold the lock.
func (r *PlanRepository) newestFirst() []string {
	ids := make([]string, len(r.order))
	for i, id := range r.order {
		ids[len(r.order)-1-i] = id
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return r.data[ids[i]].CreatedAt.After(r.data[ids[j]].CreatedAt)
	})
	return ids
}
