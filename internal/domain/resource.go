package domain

import "fmt"

// ResourceKind identifies one of the balanced resources.
type ResourceKind string

const (
	ResourceCPU    ResourceKind = "cpu"
	ResourceMemory ResourceKind = "memory"
	ResourceDisk   ResourceKind = "disk"
)

// ResourceKinds lists every resource kind in a stable order.
var ResourceKinds = []ResourceKind{ResourceCPU, ResourceMemory, ResourceDisk}

// ParseResourceKind converts a configuration string into a ResourceKind.
func ParseResourceKind(s string) (ResourceKind, error) {
	switch k := ResourceKind(s); k {
	case ResourceCPU, ResourceMemory, ResourceDisk:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown resource %q", ErrInvalidArgument, s)
	}
}

// Mode selects which Metric field defines load.
type Mode string

const (
	ModeUsed     Mode = "used"
	ModeAssigned Mode = "assigned"
	ModePSI      Mode = "psi"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeUsed, ModeAssigned, ModePSI:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown balancing mode %q", ErrInvalidArgument, s)
	}
}

// GuestType distinguishes virtual machines from containers.
type GuestType string

const (
	GuestTypeVM        GuestType = "vm"
	GuestTypeContainer GuestType = "ct"
)

// ParseGuestType converts a configuration string into a GuestType.
func ParseGuestType(s string) (GuestType, error) {
	switch t := GuestType(s); t {
	case GuestTypeVM, GuestTypeContainer:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown guest type %q", ErrInvalidArgument, s)
	}
}

// Label returns the short display label used in reports.
func (t GuestType) Label() string {
	switch t {
	case GuestTypeVM:
		return "VM"
	case GuestTypeContainer:
		return "CT (LXC)"
	default:
		return string(t)
	}
}

// AffinityType is the kind of co-location constraint a rule or pool carries.
type AffinityType string

const (
	AffinityTypeAffinity     AffinityType = "affinity"
	AffinityTypeAntiAffinity AffinityType = "anti-affinity"
)

// ParseAffinityType converts a configuration string into an AffinityType.
func ParseAffinityType(s string) (AffinityType, error) {
	switch t := AffinityType(s); t {
	case AffinityTypeAffinity, AffinityTypeAntiAffinity:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown affinity type %q", ErrInvalidArgument, s)
	}
}
