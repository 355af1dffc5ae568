package domain

import "fmt"

// Node represents a hypervisor host as seen by one scheduling run.
type Node struct {
	Name        string `json:"name"`
	PVEVersion  string `json:"pve_version,omitempty"`
	Maintenance bool   `json:"maintenance"`
	PressureHot bool   `json:"pressure_hot"`

	CPU    Metric `json:"cpu"`
	Memory Metric `json:"memory"`
	Disk   Metric `json:"disk"`
}

// Metric returns the metric of the given resource kind.
func (n *Node) Metric(kind ResourceKind) *Metric {
	switch kind {
	case ResourceCPU:
		return &n.CPU
	case ResourceMemory:
		return &n.Memory
	case ResourceDisk:
		return &n.Disk
	default:
		panic(fmt.Sprintf("domain: unknown resource kind %q", kind))
	}
}

// Load returns the node's load percentage for method and mode.
func (n *Node) Load(kind ResourceKind, mode Mode) float64 {
	return n.Metric(kind).Load(mode)
}

// IsSchedulable returns true if the node can receive guests.
func (n *Node) IsSchedulable() bool {
	return !n.Maintenance
}

// Recompute refreshes the derived fields of every metric.
func (n *Node) Recompute() {
	for _, kind := range ResourceKinds {
		n.Metric(kind).Recompute()
	}
}

// Validate checks the node for malformed input.
func (n *Node) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("%w: node without name", ErrInvalidArgument)
	}
	for _, kind := range ResourceKinds {
		if err := n.Metric(kind).Validate(); err != nil {
			return fmt.Errorf("node %s %s: %w", n.Name, kind, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	return &c
}
