package rbac

// Role names. Keep these stable; issued tokens carry them.
const (
	RoleAdmin     = "admin"
	RoleClinician = "clinician"
	RoleViewer    = "viewer"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleAdmin, RoleClinician, RoleViewer:
		return true
	}
	return false
}
