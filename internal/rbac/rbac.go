// Package rbac holds the role hierarchy and the authorization predicates
// that gate every workflow transition. All rank comparisons live here.
package rbac

type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleManager    Role = "MANAGER"
	RoleMember     Role = "MEMBER"
)

type roleConfig struct {
	rank    int
	invites []Role
	manages []Role
}

// The hierarchy is a lookup table, not behavior spread across call sites.
var roles = map[Role]roleConfig{
	RoleSuperAdmin: {
		rank:    4,
		invites: []Role{RoleSuperAdmin, RoleAdmin, RoleManager, RoleMember},
		manages: []Role{RoleSuperAdmin, RoleAdmin, RoleManager, RoleMember},
	},
	RoleAdmin: {
		rank:    3,
		invites: []Role{RoleManager, RoleMember},
		manages: []Role{RoleManager, RoleMember},
	},
	RoleManager: {
		rank:    2,
		invites: []Role{RoleMember},
		manages: []Role{RoleMember},
	},
	RoleMember: {
		rank: 1,
	},
}

func Rank(role Role) int {
	return roles[role].rank
}

// CanApprove reports whether approver may act on submitter's request.
// The top role approves anything, including peers; everyone else must
// strictly outrank the submitter.
func CanApprove(approver, submitter Role) bool {
	if approver == RoleSuperAdmin {
		return true
	}
	return Rank(approver) > Rank(submitter)
}

// CanPublishDirectly reports whether role may skip the approval workflow.
func CanPublishDirectly(role Role) bool {
	return role == RoleSuperAdmin
}

// IsAdminTier reports whether role sits in the administrative band that may
// act on documents it does not own (delete, archive, edit drafts).
func IsAdminTier(role Role) bool {
	return role == RoleSuperAdmin || role == RoleAdmin
}

func CanInviteRole(inviter, target Role) bool {
	for _, candidate := range roles[inviter].invites {
		if candidate == target {
			return true
		}
	}
	return false
}

func CanManageUser(actor, target Role) bool {
	if actor == RoleSuperAdmin {
		return true
	}
	for _, candidate := range roles[actor].manages {
		if candidate == target {
			return true
		}
	}
	return false
}

func CanDeactivateUser(actor, target Role) bool {
	return CanManageUser(actor, target)
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleSuperAdmin, RoleAdmin, RoleManager, RoleMember:
		return Role(role)
	default:
		return RoleMember
	}
}
