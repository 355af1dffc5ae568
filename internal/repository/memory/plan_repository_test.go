package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/limiquantix/rebalancer/internal/domain"
)

func newPlan(id string, at time.Time) *domain.Plan {
	return &domain.Plan{
		ID:        id,
		CreatedAt: at,
		State:     domain.RunState{Outcome: domain.RunPhaseConverged},
		Migrations: []domain.Migration{
			{Guest: "web1", Source: "node1", Target: "node2", Status: domain.MigrationStatusPlanned},
		},
	}
}

func TestPlanRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewPlanRepository()
	plan := newPlan("p1", time.Now())

	if err := repo.Save(ctx, plan); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := repo.Save(ctx, plan); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}

	// Stored plans are isolated from callers.
	plan.Migrations[0].Target = "node9"
	got, err := repo.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Migrations[0].Target != "node2" {
		t.Error("Stored plan was mutated through the caller's pointer")
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPlanRepository_LatestAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewPlanRepository()

	if _, err := repo.Latest(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on empty repo, got %v", err)
	}

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := repo.Save(ctx, newPlan(fmt.Sprintf("p%d", i), base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	latest, err := repo.Latest(ctx)
	if err != nil || latest.ID != "p4" {
		t.Errorf("Expected p4 as latest, got %v (%v)", latest, err)
	}

	plans, _ := repo.List(ctx, 3)
	if len(plans) != 3 || plans[0].ID != "p4" || plans[2].ID != "p2" {
		t.Errorf("Unexpected list order")
	}
	all, _ := repo.List(ctx, 0)
	if len(all) != 5 {
		t.Errorf("Expected all plans, got %d", len(all))
	}
}

func TestPlanRepository_UpdateMigrations(t *testing.T) {
	ctx := context.Background()
	repo := NewPlanRepository()
	_ = repo.Save(ctx, newPlan("p1", time.Now()))

	done := []domain.Migration{{Guest: "web1", Source: "node1", Target: "node2", Status: domain.MigrationStatusSucceeded}}
	if err := repo.UpdateMigrations(ctx, "p1", done); err != nil {
		t.Fatalf("UpdateMigrations failed: %v", err)
	}
	got, _ := repo.Get(ctx, "p1")
	if got.Migrations[0].Status != domain.MigrationStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", got.Migrations[0].Status)
	}

	if err := repo.UpdateMigrations(ctx, "missing", done); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPlanRepository_Prune(t *testing.T) {
	ctx := context.Background()
	repo := NewPlanRepository()
	base := time.Now()
	for i := 0; i < 5; i++ {
		_ = repo.Save(ctx, newPlan(fmt.Sprintf("p%d", i), base.Add(time.Duration(i)*time.Minute)))
	}

	if err := repo.Prune(ctx, 2); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	plans, _ := repo.List(ctx, 0)
	if len(plans) != 2 || plans[0].ID != "p4" || plans[1].ID != "p3" {
		t.Errorf("Expected newest two plans to remain, got %d", len(plans))
	}
	if _, err := repo.Get(ctx, "p0"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("Expected pruned plan to be gone")
	}
}
