package auth

// Permission keys for the unit ledger surface.
const (
	PermUnitsReserve         = "units.reserve"
	PermUnitsRelease         = "units.release"
	PermUnitsConsume         = "units.consume"
	PermUnitsRead            = "units.read"
	PermAuthorizationsManage = "authorizations.manage"
	PermTenantOverride       = "tenant.override"
)

// Roles recognized across the platform. The patient role deliberately maps
// to read-only access: patients never move unit counts.
const (
	RoleAdministrator = "administrator"
	RoleScheduler     = "scheduler"
	RoleClinician     = "clinician"
	RoleBilling       = "billing"
	RolePatient       = "patient"
	RolePlatformOps   = "platform-ops"
)

var rolePermissions = map[string][]string{
	RoleAdministrator: {
		PermUnitsReserve, PermUnitsRelease, PermUnitsConsume, PermUnitsRead,
		PermAuthorizationsManage,
	},
	RoleScheduler: {PermUnitsReserve, PermUnitsRelease, PermUnitsConsume, PermUnitsRead},
	RoleClinician: {PermUnitsConsume, PermUnitsRead},
	RoleBilling:   {PermUnitsRead},
	RolePatient:   {PermUnitsRead},
	RolePlatformOps: {
		PermUnitsReserve, PermUnitsRelease, PermUnitsConsume, PermUnitsRead,
		PermAuthorizationsManage, PermTenantOverride,
	},
}

// PermissionsForRoles resolves the union of permissions granted by roles.
func PermissionsForRoles(roles []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, role := range roles {
		for _, perm := range rolePermissions[role] {
			set[perm] = struct{}{}
		}
	}
	return set
}
