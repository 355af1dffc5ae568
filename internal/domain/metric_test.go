package domain

import (
	"errors"
	"math"
	"testing"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestMetric_Recompute(t *testing.T) {
	m := Metric{Total: 200, Used: 50, Assigned: 150}
	m.Recompute()

	if !approx(m.Free, 150) {
		t.Errorf("Expected free 150, got %f", m.Free)
	}
	if !approx(m.UsedPercent, 25) {
		t.Errorf("Expected used 25%%, got %f", m.UsedPercent)
	}
	if !approx(m.FreePercent, 75) {
		t.Errorf("Expected free 75%%, got %f", m.FreePercent)
	}
	if !approx(m.AssignedPercent, 75) {
		t.Errorf("Expected assigned 75%%, got %f", m.AssignedPercent)
	}
}

func TestMetric_Recompute_ZeroTotal(t *testing.T) {
	m := Metric{Total: 0, Used: 10}
	m.Recompute()

	if m.UsedPercent != 0 || m.FreePercent != 0 || m.AssignedPercent != 0 {
		t.Errorf("Expected zero percentages for zero capacity, got %+v", m)
	}
	if m.Free != 0 {
		t.Errorf("Expected free clamped to 0, got %f", m.Free)
	}
}

func TestMetric_Recompute_ClampsNegatives(t *testing.T) {
	m := Metric{Total: 4, Used: 6}
	m.Recompute()

	// CPU can be overcommitted: used above total must not yield negative free.
	if m.Free != 0 {
		t.Errorf("Expected free clamped to 0, got %f", m.Free)
	}
	if m.FreePercent < 0 {
		t.Errorf("Expected non-negative free percent, got %f", m.FreePercent)
	}
	if !approx(m.UsedPercent, 150) {
		t.Errorf("Expected used 150%%, got %f", m.UsedPercent)
	}

	neg := Metric{Total: 100, Used: -5, Assigned: -1}
	neg.Recompute()
	if neg.Used != 0 || neg.Assigned != 0 {
		t.Errorf("Expected negative usage clamped, got used=%f assigned=%f", neg.Used, neg.Assigned)
	}
}

func TestMetric_Validate(t *testing.T) {
	if err := (Metric{Total: 10, Used: 1}).Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	err := (Metric{Total: -1}).Validate()
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for negative capacity, got %v", err)
	}

	err = (Metric{Total: 1, Used: -1}).Validate()
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for negative usage, got %v", err)
	}
}

func TestMetric_Load(t *testing.T) {
	// "some" pressure must not leak into the PSI load.
	m := Metric{Total: 100, Used: 20, Assigned: 40, PressureFullSpikesPercent: 7, PressureSomeSpikesPercent: 50}
	m.Recompute()

	tests := []struct {
		mode Mode
		want float64
	}{
		{ModeUsed, 20},
		{ModeAssigned, 40},
		{ModePSI, 7},
	}

	for _, tt := range tests {
		if got := m.Load(tt.mode); !approx(got, tt.want) {
			t.Errorf("Load(%s) = %f, want %f", tt.mode, got, tt.want)
		}
	}
}

func TestMetric_ProjectedLoad(t *testing.T) {
	node := Metric{Total: 100, Used: 20, Assigned: 40}
	guest := Metric{Total: 10, Used: 5}

	if got := node.ProjectedLoad(ModeUsed, guest); !approx(got, 25) {
		t.Errorf("Expected projected used 25%%, got %f", got)
	}
	if got := node.ProjectedLoad(ModeAssigned, guest); !approx(got, 50) {
		t.Errorf("Expected projected assigned 50%%, got %f", got)
	}
	if got := (Metric{}).ProjectedLoad(ModeUsed, guest); got != 0 {
		t.Errorf("Expected 0 for zero capacity, got %f", got)
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := ParseResourceKind("memory"); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if _, err := ParseResourceKind("gpu"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
	if _, err := ParseMode("psi"); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if _, err := ParseMode("peak"); err == nil {
		t.Error("Expected error for unknown mode")
	}
	if _, err := ParseGuestType("ct"); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if _, err := ParseAffinityType("anti-affinity"); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}
