package auth

import "strings"

// Actor is the authenticated caller of a ledger operation: a user or service
// account acting within one organization (tenant).
type Actor struct {
	UserID         string
	OrganizationID string
	Roles          []string

	perms map[string]struct{}
}

// NewActor builds an actor with roles normalized and permissions resolved.
func NewActor(userID, organizationID string, roles []string) Actor {
	normalized := dedupeRoles(roles)
	return Actor{
		UserID:         strings.TrimSpace(userID),
		OrganizationID: strings.TrimSpace(organizationID),
		Roles:          normalized,
		perms:          PermissionsForRoles(normalized),
	}
}

// Can reports whether the actor holds the permission.
func (a Actor) Can(perm string) bool {
	if a.perms == nil {
		a.perms = PermissionsForRoles(a.Roles)
	}
	_, ok := a.perms[perm]
	return ok
}

// HasRole reports whether the actor carries the given role.
func (a Actor) HasRole(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SameTenant reports whether the actor belongs to the given organization or
// holds the cross-tenant override permission.
func (a Actor) SameTenant(organizationID string) bool {
	if a.OrganizationID == organizationID {
		return true
	}
	return a.Can(PermTenantOverride)
}

func dedupeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var normalized []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
