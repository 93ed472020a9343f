package auth

import "time"

// Realm identifies which trust source verified the caller's credential.
type Realm string

const (
	// RealmLocal marks tokens issued by this service. It is the absence of the auth_type claim.
	RealmLocal Realm = ""
	// RealmB2B is the business-partner identity provider.
	RealmB2B Realm = "B2B"
	// RealmB2C is the consumer (candidate) identity provider.
	RealmB2C Realm = "B2C"
)

// String returns a printable realm name; the local realm prints as "local".
func (r Realm) String() string {
	if r == RealmLocal {
		return "local"
	}
	return string(r)
}

// ParseRealm maps an auth_type claim value to a Realm.
func ParseRealm(v string) (Realm, bool) {
	switch Realm(v) {
	case RealmB2B:
		return RealmB2B, true
	case RealmB2C:
		return RealmB2C, true
	case RealmLocal:
		return RealmLocal, true
	}
	return RealmLocal, false
}

// Scope bounds how broad a permission grant is.
type Scope string

const (
	ScopeOwn          Scope = "Own"
	ScopeDepartment   Scope = "Department"
	ScopeOrganization Scope = "Organization"
	ScopeAll          Scope = "All"
)

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeOwn, ScopeDepartment, ScopeOrganization, ScopeAll:
		return true
	}
	return false
}

// Organization is a tenant.
type Organization struct {
	ID        string
	Name      string
	Code      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is an application identity. An empty OrganizationID means a platform
// user or a candidate.
type User struct {
	ID             string
	Email          string
	ExternalID     string
	FirstName      string
	LastName       string
	OrganizationID string
	PasswordHash   string
	EmailConfirmed bool
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CreatedBy      string
}

// Role is a named, displayable role. Name is the immutable catalog identifier.
type Role struct {
	ID          string
	Name        string
	DisplayName string
	Description string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is a (resource, action, scope) grant, unique on that triple.
type Permission struct {
	ID          string
	Resource    string
	Action      string
	Scope       Scope
	Description string
	CreatedAt   time.Time
}

// ClaimValue renders the permission as it appears in the claim set.
func (p Permission) ClaimValue() string {
	return string(p.Scope) + ":" + p.Action
}

// RolePermission links a role to a permission.
type RolePermission struct {
	RoleID       string
	PermissionID string
}

// UserRole assigns a role to a user. RoleName is populated on reads.
type UserRole struct {
	UserID     string
	RoleID     string
	RoleName   string
	AssignedAt time.Time
	ExpiresAt  *time.Time
	AssignedBy string
	IsActive   bool
}

// Effective reports whether the assignment may contribute claims at now.
func (ur UserRole) Effective(now time.Time) bool {
	if !ur.IsActive {
		return false
	}
	return ur.ExpiresAt == nil || now.Before(*ur.ExpiresAt)
}

// RefreshToken is the single stored refresh credential of a user.
type RefreshToken struct {
	UserID    string
	TokenID   string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}
