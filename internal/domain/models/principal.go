package models

type Role string

const (
	RoleBouncer Role = "bouncer"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

var roleRank = map[Role]int{
	RoleBouncer: 1,
	RoleManager: 2,
	RoleAdmin:   3,
}

// AtLeast reports whether r grants at least the privileges of min. Unknown
// roles never satisfy anything.
func (r Role) AtLeast(min Role) bool {
	rank, ok := roleRank[r]
	if !ok {
		return false
	}
	return rank >= roleRank[min]
}

func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Principal is the authenticated caller, issued by the external login layer.
type Principal struct {
	ID               string
	Username         string
	Role             Role
	AssignedCategory string
}
