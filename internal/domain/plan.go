package domain

import "time"

// RunPhase is the state of a scheduling run.
type RunPhase string

const (
	RunPhaseIdle        RunPhase = "IDLE"
	RunPhaseEvacuating  RunPhase = "EVACUATING"
	RunPhaseRebalancing RunPhase = "REBALANCING"
	RunPhaseConverged   RunPhase = "CONVERGED"
	RunPhaseStalled     RunPhase = "STALLED"
	RunPhaseDone        RunPhase = "DONE"
)

// MoveReason records why a guest was given a new target.
type MoveReason string

const (
	MoveReasonMaintenance  MoveReason = "maintenance"
	MoveReasonBalance      MoveReason = "balance"
	MoveReasonAntiAffinity MoveReason = "anti-affinity"
	MoveReasonAffinity     MoveReason = "affinity"
	MoveReasonPinning      MoveReason = "pinning"
)

// Move is a proposed relocation of one guest between two nodes.
type Move struct {
	Guest  string     `json:"guest"`
	Source string     `json:"source"`
	Target string     `json:"target"`
	Reason MoveReason `json:"reason"`
}

// RunState is the per-run balancing state. It does not survive the run.
// Phase ends at RunPhaseDone; Outcome keeps whether the run converged or
// stalled.
type RunState struct {
	Phase         RunPhase     `json:"phase"`
	Outcome       RunPhase     `json:"outcome"`
	Balance       bool         `json:"balance"`
	BalanceReason string       `json:"balance_reason"`
	Method        ResourceKind `json:"method"`
	Mode          Mode         `json:"mode"`
	Balanciness   float64      `json:"balanciness"`

	Thresholds               map[ResourceKind]float64 `json:"thresholds,omitempty"`
	BalanceLargerGuestsFirst bool                     `json:"balance_larger_guests_first"`
	Parallel                 bool                     `json:"parallel"`
	ParallelJobs             int                      `json:"parallel_jobs"`
	MaxJobValidation         time.Duration            `json:"max_job_validation"`

	// LastMove is the most recent proposal handed from selection to accounting.
	LastMove *Move `json:"last_move,omitempty"`

	// ProcessedGuestsPSI holds guests already adjusted under PSI mode this run.
	ProcessedGuestsPSI map[string]bool `json:"processed_guests_psi,omitempty"`

	SpreadBefore  float64   `json:"spread_before"`
	SpreadAfter   float64   `json:"spread_after"`
	SpreadHistory []float64 `json:"spread_history,omitempty"`
	Passes        int       `json:"passes"`
}

// MigrationStatus tracks execution of a planned migration.
type MigrationStatus string

const (
	MigrationStatusPlanned   MigrationStatus = "PLANNED"
	MigrationStatusSucceeded MigrationStatus = "SUCCEEDED"
	MigrationStatusFailed    MigrationStatus = "FAILED"
	MigrationStatusTimeout   MigrationStatus = "TIMEOUT"
	MigrationStatusSkipped   MigrationStatus = "SKIPPED"
)

// Migration is one entry of the migration plan.
type Migration struct {
	Guest      string          `json:"guest"`
	GuestID    string          `json:"guest_id"`
	Type       GuestType       `json:"type"`
	Source     string          `json:"source"`
	Target     string          `json:"target"`
	Reason     MoveReason      `json:"reason"`
	Notes      []string        `json:"notes,omitempty"`
	MemoryUsed float64         `json:"memory_used"`
	CPUUsed    float64         `json:"cpu_used"`
	DiskUsed   float64         `json:"disk_used"`
	Status     MigrationStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
}

// EvacuationFailure reports a maintenance guest without a legal destination.
type EvacuationFailure struct {
	Guest  string `json:"guest"`
	Node   string `json:"node"`
	Reason string `json:"reason"`
}

// Statistics holds per-resource node usage summaries.
type Statistics struct {
	Before map[ResourceKind]string `json:"before"`
	After  map[ResourceKind]string `json:"after"`
}

// Plan is the persisted outcome of one scheduling run.
type Plan struct {
	ID                 string              `json:"id"`
	CreatedAt          time.Time           `json:"created_at"`
	DryRun             bool                `json:"dry_run"`
	State              RunState            `json:"state"`
	Migrations         []Migration         `json:"migrations"`
	EvacuationFailures []EvacuationFailure `json:"evacuation_failures,omitempty"`
	Statistics         Statistics          `json:"statistics"`
}

// Balanced returns true if the run converged without evacuation failures.
func (p *Plan) Balanced() bool {
	return p.State.Outcome == RunPhaseConverged && len(p.EvacuationFailures) == 0
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Migrations = append([]Migration(nil), p.Migrations...)
	for i := range c.Migrations {
		c.Migrations[i].Notes = append([]string(nil), p.Migrations[i].Notes...)
	}
	c.EvacuationFailures = append([]EvacuationFailure(nil), p.EvacuationFailures...)
	c.State.SpreadHistory = append([]float64(nil), p.State.SpreadHistory...)
	if p.State.LastMove != nil {
		m := *p.State.LastMove
		c.State.LastMove = &m
	}
	if p.State.Thresholds != nil {
		c.State.Thresholds = make(map[ResourceKind]float64, len(p.State.Thresholds))
		for k, v := range p.State.Thresholds {
			c.State.Thresholds[k] = v
		}
	}
	if p.State.ProcessedGuestsPSI != nil {
		c.State.ProcessedGuestsPSI = make(map[string]bool, len(p.State.ProcessedGuestsPSI))
		for k, v := range p.State.ProcessedGuestsPSI {
			c.State.ProcessedGuestsPSI[k] = v
		}
	}
	c.Statistics.Before = cloneStats(p.Statistics.Before)
	c.Statistics.After = cloneStats(p.Statistics.After)
	return &c
}

func cloneStats(m map[ResourceKind]string) map[ResourceKind]string {
	if m == nil {
		return nil
	}
	out := make(map[ResourceKind]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
