// Package user defines the operator identity aggregate.
package user

import "time"

// Role enumerates the per-cluster roles an operator may be assigned.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleServiceOwner  Role = "service-owner"
)

// RoleAssignment scopes a role to a cluster (or globally, when ClusterID is empty).
type RoleAssignment struct {
	ClusterID string
	Role      Role
}

// User is an operator identity.
type User struct {
	ID             string
	Login          string
	PasswordHash   string
	TOTPSecret     string // base32, empty when 2FA disabled
	Roles          []RoleAssignment
	LockedUntil    *time.Time
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasRole reports whether the user holds the given role for clusterID,
// either directly or via a global (empty ClusterID) assignment.
func (u User) HasRole(clusterID string, role Role) bool {
	for _, ra := range u.Roles {
		if ra.Role != role {
			continue
		}
		if ra.ClusterID == "" || ra.ClusterID == clusterID {
			return true
		}
	}
	return false
}

// IsAdministrator reports whether the user is an administrator for clusterID.
func (u User) IsAdministrator(clusterID string) bool {
	return u.HasRole(clusterID, RoleAdministrator)
}

// RefreshToken is a single-use, rotated-on-refresh operator session token
// (spec.md §4.4). Only its hash is ever persisted.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}
