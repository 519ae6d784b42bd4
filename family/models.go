package family

import "time"

// Role is what a member does on a case.
type Role string

const (
	RoleParent       Role = "parent"
	RoleGuardian     Role = "guardian"
	RoleProfessional Role = "professional"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleParent, RoleGuardian, RoleProfessional:
		return true
	default:
		return false
	}
}

// Member links a user to a custody case.
type Member struct {
	CaseID    string
	UserID    string
	Role      Role
	CreatedAt time.Time
}
