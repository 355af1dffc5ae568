package domain

// =============================================================================
// OPERATORS - API access to the scheduler
// =============================================================================

// Role represents an operator's role.
type Role string

const (
	RoleAdmin    Role = "admin"    // Can trigger runs and execute plans
	RoleOperator Role = "operator" // Can trigger dry runs
	RoleViewer   Role = "viewer"   // Read-only access
)

// Operator is an authenticated API caller.
type Operator struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`
}

// =============================================================================
// PERMISSIONS - Role-based access control
// =============================================================================

// Permission represents a specific action on the scheduler.
type Permission string

const (
	PermissionPlanRead    Permission = "plan:read"
	PermissionRunDry      Permission = "run:dry"
	PermissionRunExecute  Permission = "run:execute"
	PermissionConfigRead  Permission = "config:read"
	PermissionEventsWatch Permission = "events:watch"
)

// RolePermissions defines which permissions each role has.
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionPlanRead, PermissionRunDry, PermissionRunExecute,
		PermissionConfigRead, PermissionEventsWatch,
	},
	RoleOperator: {
		PermissionPlanRead, PermissionRunDry, PermissionEventsWatch,
	},
	RoleViewer: {
		PermissionPlanRead, PermissionEventsWatch,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role Role, permission Permission) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}
