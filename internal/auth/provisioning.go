package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"xpertsphere.io/internal/ids"
	"xpertsphere.io/internal/obs"
)

const (
	// NamePlaceholder replaces a first or last name the display name did not supply.
	NamePlaceholder = "Unknown"

	// GroupSyncActor marks assignments written by group synchronization.
	GroupSyncActor = "system:group-sync"
	// ProvisioningActor marks users and assignments created just in time.
	ProvisioningActor = "system:provisioning"
	// RegistrationActor marks users created through self-registration.
	RegistrationActor = "system:registration"
)

// ExternalIdentity is what a federated realm verified about a caller.
type ExternalIdentity struct {
	Realm       Realm
	Subject     string
	Email       string
	DisplayName string
	Groups      []string
}

// IdentityFromCredential converts a verified federated credential.
func IdentityFromCredential(cred Credential) ExternalIdentity {
	return ExternalIdentity{
		Realm:       cred.Realm,
		Subject:     cred.Subject,
		Email:       cred.Email,
		DisplayName: cred.DisplayName,
		Groups:      append([]string(nil), cred.Groups...),
	}
}

// Provisioner resolves federated identities to application users, creating
// them on first sign-in, and keeps group-derived roles in sync.
type Provisioner struct {
	store          Store
	mapping        *GroupMapping
	now            func() time.Time
	events         EventSink
	preserveManual bool
}

// ProvisionerOption configures a Provisioner.
type ProvisionerOption func(*Provisioner)

// WithGroupMapping sets the group-to-role table.
func WithGroupMapping(m *GroupMapping) ProvisionerOption {
	return func(p *Provisioner) { p.mapping = m }
}

// WithProvisionerClock overrides the time source.
func WithProvisionerClock(fn func() time.Time) ProvisionerOption {
	return func(p *Provisioner) {
		if fn != nil {
			p.now = fn
		}
	}
}

// WithProvisionerEvents routes provisioning events to sink.
func WithProvisionerEvents(sink EventSink) ProvisionerOption {
	return func(p *Provisioner) {
		if sink != nil {
			p.events = sink
		}
	}
}

// WithPreservedManualRoles keeps assignments not written by group
// synchronization when a sign-in no longer maps to them.
func WithPreservedManualRoles(preserve bool) ProvisionerOption {
	return func(p *Provisioner) { p.preserveManual = preserve }
}

// NewProvisioner constructs a Provisioner.
func NewProvisioner(store Store, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{store: store, now: time.Now, events: discardEvents}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolve returns the user for a verified external identity, linking an
// existing account by email or external id, or creating a new one.
func (p *Provisioner) Resolve(ctx context.Context, id ExternalIdentity) (*User, error) {
	if id.Realm != RealmB2B && id.Realm != RealmB2C {
		return nil, fmt.Errorf("%w: realm %q is not federated", ErrInvalidInput, id.Realm)
	}
	email := normalizeEmail(id.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	subject := strings.TrimSpace(id.Subject)

	user, err := p.lookup(ctx, email, subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	user, err = p.create(ctx, id, email, subject)
	if errors.Is(err, ErrConflict) {
		// lost a first-sign-in race; the winner's row is the user
		return p.lookup(ctx, email, subject)
	}
	return user, err
}

func (p *Provisioner) lookup(ctx context.Context, email, subject string) (*User, error) {
	users := p.store.Users(ctx)
	user, err := users.FindByEmailOrExternalID(ctx, email, subject)
	if err != nil {
		return nil, err
	}
	if user.ExternalID == "" && subject != "" {
		if err := users.SetExternalID(ctx, user.ID, subject); err != nil {
			return nil, fmt.Errorf("link external id: %w", err)
		}
		user.ExternalID = subject
		p.events(ctx, EventExternalIDLinked, map[string]any{"user_id": user.ID})
	}
	return user, nil
}

func (p *Provisioner) create(ctx context.Context, id ExternalIdentity, email, subject string) (*User, error) {
	now := p.now().UTC()
	first, last := SplitDisplayName(id.DisplayName)
	user := &User{
		ID:             ids.NewAt(now),
		Email:          email,
		ExternalID:     subject,
		FirstName:      first,
		LastName:       last,
		EmailConfirmed: true,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatedBy:      ProvisioningActor,
	}
	err := p.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		if id.Realm == RealmB2B {
			orgID, err := p.inferOrganization(ctx, tx, id.Groups)
			if err != nil {
				return err
			}
			user.OrganizationID = orgID
		}
		if err := tx.Users(ctx).Create(ctx, user); err != nil {
			return err
		}
		if id.Realm == RealmB2C {
			return assignRole(ctx, tx, user.ID, RoleCandidate, now, ProvisioningActor)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	obs.UserProvisioned(id.Realm.String())
	p.events(ctx, EventUserProvisioned, map[string]any{
		"user_id":         user.ID,
		"realm":           id.Realm.String(),
		"organization_id": user.OrganizationID,
	})
	return user, nil
}

// inferOrganization returns the id of the first known organization signified
// by groups, or "" for a platform user.
func (p *Provisioner) inferOrganization(ctx context.Context, tx Store, groups []string) (string, error) {
	orgs := tx.Organizations(ctx)
	for _, code := range p.mapping.OrganizationCodes(groups) {
		org, err := orgs.FindByCode(ctx, code)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("find organization %q: %w", code, err)
		}
		if org.IsActive {
			return org.ID, nil
		}
	}
	return "", nil
}

// SyncGroups replaces the user's group-derived roles with those mapped from groups.
func (p *Provisioner) SyncGroups(ctx context.Context, userID string, groups []string) (GroupSync, error) {
	return p.SyncRoles(ctx, userID, p.mapping.RolesFor(groups))
}

// SyncRoles makes the user's active roles equal mapped in one unit of work:
// active assignments outside mapped are deleted and missing ones inserted.
// With preserved manual roles only assignments written by synchronization are deleted.
func (p *Provisioner) SyncRoles(ctx context.Context, userID string, mapped []string) (GroupSync, error) {
	want := NewRoleSet(mapped...)
	now := p.now().UTC()
	var result GroupSync
	err := p.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		result = GroupSync{}
		roles := tx.Roles(ctx)
		current, err := roles.ActiveAssignments(ctx, userID, now)
		if err != nil {
			return fmt.Errorf("load assignments: %w", err)
		}
		have := NewRoleSet()
		for _, a := range current {
			if !a.Effective(now) {
				continue
			}
			if want.Has(a.RoleName) {
				have[a.RoleName] = struct{}{}
				continue
			}
			if p.preserveManual && a.AssignedBy != GroupSyncActor {
				continue
			}
			if err := roles.Revoke(ctx, userID, a.RoleID); err != nil {
				return fmt.Errorf("revoke %s: %w", a.RoleName, err)
			}
			result.Removed = append(result.Removed, a.RoleName)
		}
		var missing []string
		for _, name := range want.Sorted() {
			if !have.Has(name) {
				missing = append(missing, name)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		found, err := roles.FindByNames(ctx, missing)
		if err != nil {
			return fmt.Errorf("find roles: %w", err)
		}
		byName := make(map[string]Role, len(found))
		for _, r := range found {
			byName[r.Name] = r
		}
		for _, name := range missing {
			role, ok := byName[name]
			if !ok {
				return fmt.Errorf("find role %s: %w", name, ErrNotFound)
			}
			if err := roles.Assign(ctx, UserRole{
				UserID:     userID,
				RoleID:     role.ID,
				RoleName:   role.Name,
				AssignedAt: now,
				AssignedBy: GroupSyncActor,
				IsActive:   true,
			}); err != nil {
				return fmt.Errorf("assign role %s: %w", name, err)
			}
			result.Added = append(result.Added, name)
		}
		return nil
	})
	if err != nil {
		return GroupSync{}, err
	}
	result.Removed = sortedUnique(result.Removed)
	if result.Changed() {
		obs.GroupSyncChanged("insert", len(result.Added))
		obs.GroupSyncChanged("delete", len(result.Removed))
		p.events(ctx, EventGroupRolesSynced, map[string]any{
			"user_id": userID,
			"added":   result.Added,
			"removed": result.Removed,
		})
	}
	return result, nil
}

// RegisterInput carries a self-registration request.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// Register creates a local candidate account with a password.
func (p *Provisioner) Register(ctx context.Context, in RegisterInput) (*User, error) {
	email := normalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	first, last := strings.TrimSpace(in.FirstName), strings.TrimSpace(in.LastName)
	if first == "" {
		first = NamePlaceholder
	}
	if last == "" {
		last = NamePlaceholder
	}
	now := p.now().UTC()
	user := &User{
		ID:           ids.NewAt(now),
		Email:        email,
		FirstName:    first,
		LastName:     last,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
		CreatedBy:    RegistrationActor,
	}
	err = p.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		if _, err := tx.Users(ctx).FindByEmail(ctx, email); err == nil {
			return ErrConflict
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := tx.Users(ctx).Create(ctx, user); err != nil {
			return err
		}
		return assignRole(ctx, tx, user.ID, RoleCandidate, now, RegistrationActor)
	})
	if err != nil {
		return nil, err
	}
	p.events(ctx, EventUserRegistered, map[string]any{"user_id": user.ID})
	return user, nil
}

func assignRole(ctx context.Context, tx Store, userID, roleName string, now time.Time, actor string) error {
	role, err := tx.Roles(ctx).FindByName(ctx, roleName)
	if err != nil {
		return fmt.Errorf("find role %s: %w", roleName, err)
	}
	if err := tx.Roles(ctx).Assign(ctx, UserRole{
		UserID:     userID,
		RoleID:     role.ID,
		RoleName:   role.Name,
		AssignedAt: now,
		AssignedBy: actor,
		IsActive:   true,
	}); err != nil {
		return fmt.Errorf("assign role %s: %w", roleName, err)
	}
	return nil
}

// SplitDisplayName splits on whitespace: the first token is the first name and
// the rest, joined by single spaces, the last name. Missing parts become NamePlaceholder.
func SplitDisplayName(displayName string) (first, last string) {
	parts := strings.Fields(displayName)
	first, last = NamePlaceholder, NamePlaceholder
	if len(parts) > 0 {
		first = parts[0]
	}
	if len(parts) > 1 {
		last = strings.Join(parts[1:], " ")
	}
	return first, last
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
