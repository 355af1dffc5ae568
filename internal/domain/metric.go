package domain

import "fmt"

// Metric is the capacity, usage and pressure snapshot of one resource on a
// node or guest. Total is bytes for memory and disk, cores for CPU.
type Metric struct {
	Total    int64   `json:"total"`
	Used     float64 `json:"used"`
	Assigned float64 `json:"assigned"`

	// Derived from Total, Used and Assigned by Recompute.
	Free            float64 `json:"free"`
	UsedPercent     float64 `json:"used_percent"`
	FreePercent     float64 `json:"free_percent"`
	AssignedPercent float64 `json:"assigned_percent"`

	PressureSomePercent       float64 `json:"pressure_some_percent"`
	PressureFullPercent       float64 `json:"pressure_full_percent"`
	PressureSomeSpikesPercent float64 `json:"pressure_some_spikes_percent"`
	PressureFullSpikesPercent float64 `json:"pressure_full_spikes_percent"`
	PressureHot               bool    `json:"pressure_hot"`
}

// Recompute refreshes the derived fields. Negative inputs are clamped to
// zero and a zero Total yields zero percentages.
func (m *Metric) Recompute() {
	if m.Total < 0 {
		m.Total = 0
	}
	if m.Used < 0 {
		m.Used = 0
	}
	if m.Assigned < 0 {
		m.Assigned = 0
	}

	m.Free = float64(m.Total) - m.Used
	if m.Free < 0 {
		m.Free = 0
	}

	if m.Total == 0 {
		m.UsedPercent = 0
		m.FreePercent = 0
		m.AssignedPercent = 0
		return
	}

	total := float64(m.Total)
	m.UsedPercent = m.Used / total * 100
	m.FreePercent = m.Free / total * 100
	m.AssignedPercent = m.Assigned / total * 100
}

// Validate reports impossible raw values.
func (m Metric) Validate() error {
	if m.Total < 0 {
		return fmt.Errorf("%w: negative capacity %d", ErrInvalidArgument, m.Total)
	}
	if m.Used < 0 {
		return fmt.Errorf("%w: negative usage %.2f", ErrInvalidArgument, m.Used)
	}
	if m.Assigned < 0 {
		return fmt.Errorf("%w: negative assignment %.2f", ErrInvalidArgument, m.Assigned)
	}
	return nil
}

// Load returns the load percentage for the given mode. PSI load is the
// "full" pressure spike only; "some" pressure feeds the hot-node thresholds
// but never the ranking.
func (m Metric) Load(mode Mode) float64 {
	switch mode {
	case ModeUsed:
		return m.UsedPercent
	case ModeAssigned:
		return m.AssignedPercent
	case ModePSI:
		return m.PressureFullSpikesPercent
	default:
		return m.UsedPercent
	}
}

// ProjectedLoad returns the load percentage the metric would show after
// adding a guest's footprint to it. PSI mode projects on used capacity
// because pressure cannot be predicted.
func (m Metric) ProjectedLoad(mode Mode, guest Metric) float64 {
	if m.Total == 0 {
		return 0
	}
	total := float64(m.Total)
	switch mode {
	case ModeAssigned:
		return (m.Assigned + float64(guest.Total)) / total * 100
	case ModeUsed, ModePSI:
		return (m.Used + guest.Used) / total * 100
	default:
		return (m.Used + guest.Used) / total * 100
	}
}

// Size is the footprint of a guest metric used to order move candidates.
func (m Metric) Size(mode Mode) float64 {
	switch mode {
	case ModeAssigned:
		return float64(m.Total)
	case ModeUsed:
		return m.Used
	case ModePSI:
		return m.Used
	default:
		return m.Used
	}
}
