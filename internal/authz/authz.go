// Package authz maps account roles to the named permissions that gate
// admin-only marketplace and verification operations.
package authz

// Role is an account's platform role.
type Role string

const (
	RoleMember     Role = "member"
	RoleAdvisor    Role = "advisor"
	RoleCompliance Role = "compliance"
	RoleAdmin      Role = "admin"
)

// Permission is a named capability granted by role.
type Permission string

const (
	PermApproveListings   Permission = "approve:listings"
	PermManageMarketplace Permission = "manage:marketplace"
	PermOverrideKYC       Permission = "override:kyc"
)

var rolePermissions = map[Role][]Permission{
	RoleMember:  nil,
	RoleAdvisor: nil,
	RoleCompliance: {
		PermApproveListings,
		PermOverrideKYC,
	},
	RoleAdmin: {
		PermApproveListings,
		PermManageMarketplace,
		PermOverrideKYC,
	},
}

// HasPermission reports whether the role carries the permission.
func HasPermission(r Role, p Permission) bool {
	for _, have := range rolePermissions[r] {
		if have == p {
			return true
		}
	}
	return false
}

// ValidRole returns true if the role name is recognised.
func ValidRole(r Role) bool {
	_, ok := rolePermissions[r]
	return ok
}
