package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/rebalancer/internal/domain"
)

func openRepo(t *testing.T) *PlanRepository {
	t.Helper()
	repo, err := NewPlanRepository(filepath.Join(t.TempDir(), "plans.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func samplePlan(id string, at time.Time) *domain.Plan {
	return &domain.Plan{
		ID:        id,
		CreatedAt: at,
		DryRun:    true,
		State: domain.RunState{
			Method:      domain.ResourceMemory,
			Mode:        domain.ModeUsed,
			Balanciness: 10,
			Outcome:     domain.RunPhaseConverged,
		},
		Migrations: []domain.Migration{
			{Guest: "web1", GuestID: "101", Type: domain.GuestTypeVM, Source: "node1", Target: "node2", Reason: "balance", Status: domain.MigrationStatusPlanned},
		},
		EvacuationFailures: []domain.EvacuationFailure{
			{Guest: "db1", Node: "node3", Reason: "no node satisfies the guest's constraints"},
		},
		Statistics: domain.Statistics{
			Before: map[domain.ResourceKind]string{domain.ResourceMemory: "node1: 60.00% | node2: 0.00%"},
		},
	}
}

func TestPlanRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 123, time.UTC)

	if err := repo.Save(ctx, samplePlan("p1", at)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := repo.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !got.CreatedAt.Equal(at) {
		t.Errorf("Expected created_at %v, got %v", at, got.CreatedAt)
	}
	if !got.DryRun || got.State.Outcome != domain.RunPhaseConverged {
		t.Errorf("State not restored: %+v", got.State)
	}
	if len(got.Migrations) != 1 || got.Migrations[0].Target != "node2" {
		t.Errorf("Migrations not restored: %+v", got.Migrations)
	}
	if len(got.EvacuationFailures) != 1 || got.EvacuationFailures[0].Node != "node3" {
		t.Errorf("Evacuation failures not restored: %+v", got.EvacuationFailures)
	}
	if got.Statistics.Before[domain.ResourceMemory] == "" {
		t.Error("Statistics not restored")
	}

	if err := repo.Save(ctx, samplePlan("p1", at)); err == nil {
		t.Error("Expected duplicate insert to fail")
	}
	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPlanRepository_ListLatestPrune(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)

	if _, err := repo.Latest(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if err := repo.Save(ctx, samplePlan(fmt.Sprintf("p%d", i), base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	latest, err := repo.Latest(ctx)
	if err != nil || latest.ID != "p3" {
		t.Fatalf("Expected p3, got %v (%v)", latest, err)
	}

	plans, err := repo.List(ctx, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(plans) != 2 || plans[0].ID != "p3" || plans[1].ID != "p2" {
		t.Errorf("Unexpected list result")
	}
	if all, _ := repo.List(ctx, 0); len(all) != 4 {
		t.Errorf("Expected 4 plans, got %d", len(all))
	}

	if err := repo.Prune(ctx, 1); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if all, _ := repo.List(ctx, 0); len(all) != 1 || all[0].ID != "p3" {
		t.Errorf("Expected only p3 after prune")
	}
}

func TestPlanRepository_UpdateMigrations(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	_ = repo.Save(ctx, samplePlan("p1", time.Now()))

	done := []domain.Migration{{Guest: "web1", Source: "node1", Target: "node2", Status: domain.MigrationStatusFailed, Error: "storage not shared"}}
	if err := repo.UpdateMigrations(ctx, "p1", done); err != nil {
		t.Fatalf("UpdateMigrations failed: %v", err)
	}
	got, _ := repo.Get(ctx, "p1")
	if got.Migrations[0].Status != domain.MigrationStatusFailed || got.Migrations[0].Error == "" {
		t.Errorf("Outcome not stored: %+v", got.Migrations[0])
	}

	if err := repo.UpdateMigrations(ctx, "missing", done); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPlanRepository_Health(t *testing.T) {
	if err := openRepo(t).Health(context.Background()); err != nil {
		t.Errorf("Expected healthy database, got %v", err)
	}
}
