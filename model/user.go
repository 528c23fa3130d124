package model

import (
	"slices"
	"time"
)

// Role is a named capability set granted to a user.
type Role string

const (
	RoleAnonymous     Role = "anonymous"
	RoleAuthenticated Role = "authenticated"
	RoleModerator     Role = "moderator"
	RoleAdmin         Role = "admin"
)

// User is the acting identity. The zero ID is the anonymous user.
type User struct {
	ID        int64
	Name      string
	Roles     []Role
	Blocked   bool
	CreatedAt time.Time
}

// Anonymous returns the identity used for unauthenticated callers.
func Anonymous() *User {
	return &User{}
}

// IsAnonymous reports whether u is nil or the anonymous identity.
func (u *User) IsAnonymous() bool {
	return u == nil || u.ID == 0
}

// HasRole reports whether r was granted explicitly to u.
func (u *User) HasRole(r Role) bool {
	if u == nil {
		return false
	}
	return slices.Contains(u.Roles, r)
}

// IsAdmin reports whether u holds the admin role.
func (u *User) IsAdmin() bool {
	return u.HasRole(RoleAdmin)
}

// IsModerator reports whether u may moderate. Admins are moderators too.
func (u *User) IsModerator() bool {
	return u.HasRole(RoleModerator) || u.IsAdmin()
}

// EffectiveRoles lists the roles used for authorization, including the
// implicit anonymous/authenticated role.
func (u *User) EffectiveRoles() []Role {
	if u.IsAnonymous() {
		return []Role{RoleAnonymous}
	}
	roles := make([]Role, 0, len(u.Roles)+1)
	roles = append(roles, RoleAuthenticated)
	for _, r := range u.Roles {
		if r != RoleAuthenticated && r != RoleAnonymous {
			roles = append(roles, r)
		}
	}
	return roles
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	cp := *u
	cp.Roles = append([]Role(nil), u.Roles...)
	return &cp
}
