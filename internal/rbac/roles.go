package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleOperator can inspect sessions and stop live calls.
	RoleOperator = "operator"
	// RoleViewer has read-only access to sessions and records.
	RoleViewer = "viewer"
	// RoleAdmin can do everything, including rule reloads.
	RoleAdmin = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }
