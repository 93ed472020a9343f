package auth

import (
	"context"
	"time"
)

// Store describes persistence used by the identity core.
type Store interface {
	Organizations(ctx context.Context) OrganizationStore
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	RefreshTokens(ctx context.Context) RefreshTokenStore

	// WithinTx runs fn against a Store bound to a single unit of work. The work is
	// committed when fn returns nil and rolled back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// OrganizationStore reads tenants.
type OrganizationStore interface {
	Find(ctx context.Context, id string) (*Organization, error)
	FindByCode(ctx context.Context, code string) (*Organization, error)
}

// UserStore reads users and performs the limited writes provisioning needs.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// FindByEmailOrExternalID matches either field; a match on external id wins.
	FindByEmailOrExternalID(ctx context.Context, email, externalID string) (*User, error)
	SetExternalID(ctx context.Context, userID, externalID string) error
}

// RoleStore reads roles and manages user assignments.
type RoleStore interface {
	FindByName(ctx context.Context, name string) (*Role, error)
	FindByNames(ctx context.Context, names []string) ([]Role, error)
	// ActiveAssignments returns assignments that are active, unexpired at now and
	// whose role is active, with RoleName populated.
	ActiveAssignments(ctx context.Context, userID string, now time.Time) ([]UserRole, error)
	// Assign inserts the assignment or reactivates an existing row for the same pair.
	Assign(ctx context.Context, assignment UserRole) error
	Revoke(ctx context.Context, userID, roleID string) error
	PermissionsForRoles(ctx context.Context, roleIDs []string) ([]Permission, error)
}

// RefreshTokenStore keeps one refresh credential per user.
type RefreshTokenStore interface {
	// Save replaces whatever refresh credential the user had.
	Save(ctx context.Context, tok *RefreshToken) error
	FindByTokenID(ctx context.Context, tokenID string) (*RefreshToken, error)
	// Rotate swaps the stored credential for next only if the stored hash still equals
	// expectedHash. It returns ErrNotFound when nothing was swapped.
	Rotate(ctx context.Context, userID, expectedHash string, next *RefreshToken) error
	Revoke(ctx context.Context, userID string) error
}
