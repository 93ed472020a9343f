package auth_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"xpertsphere.io/internal/auth"
	"xpertsphere.io/internal/store/memory"
)

const provisioningMappings = `{
  "mappings": [
    {"group": "Expertime", "roles": ["Platform.SuperAdmin", "Platform.Admin"]},
    {"group": "Expertime-Recruiter", "roles": ["Organization.Recruiter"], "organization": "EXPERTIME"},
    {"group": "Expertime-Manager", "roles": ["Organization.Manager"], "organization": "EXPERTIME"}
  ]
}`

func newProvisioner(t *testing.T, store *memory.Store, clock *testClock, opts ...auth.ProvisionerOption) *auth.Provisioner {
	t.Helper()
	mapping, err := auth.ParseGroupMapping([]byte(provisioningMappings), auth.DefaultCatalog)
	if err != nil {
		t.Fatalf("ParseGroupMapping: %v", err)
	}
	base := []auth.ProvisionerOption{
		auth.WithGroupMapping(mapping),
		auth.WithProvisionerClock(clock.Now),
	}
	return auth.NewProvisioner(store, append(base, opts...)...)
}

func TestResolveIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	clock := newTestClock()
	p := newProvisioner(t, store, clock)
	ctx := context.Background()
	id := auth.ExternalIdentity{
		Realm:       auth.RealmB2C,
		Subject:     "b2c-123",
		Email:       "Jane.Doe@example.com",
		DisplayName: "Jane Doe",
	}

	first, err := p.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := p.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("second resolve created a new user: %s vs %s", first.ID, second.ID)
	}
	if store.UserCount() != 1 {
		t.Fatalf("expected one user, got %d", store.UserCount())
	}
	if first.Email != "jane.doe@example.com" || !first.EmailConfirmed || !first.IsActive {
		t.Fatalf("unexpected provisioned user %+v", first)
	}
	if first.OrganizationID != "" {
		t.Fatalf("candidate must not have an organization")
	}
	if got := activeRoles(t, store, first.ID, clock.Now()); !slices.Equal(got, []string{auth.RoleCandidate}) {
		t.Fatalf("candidate roles = %v", got)
	}
}

func TestResolveBackfillsExternalID(t *testing.T) {
	store := newMemoryStore()
	clock := newTestClock()
	p := newProvisioner(t, store, clock)
	ctx := context.Background()
	local := createUser(t, store, auth.User{Email: "local@example.com", FirstName: "Lo", LastName: "Cal"})

	user, err := p.Resolve(ctx, auth.ExternalIdentity{
		Realm:   auth.RealmB2C,
		Subject: "ext-9",
		Email:   "LOCAL@example.com",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if user.ID != local.ID || user.ExternalID != "ext-9" {
		t.Fatalf("expected local user linked, got %+v", user)
	}
	stored, err := store.Users(ctx).Find(ctx, local.ID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if stored.ExternalID != "ext-9" || store.UserCount() != 1 {
		t.Fatalf("external id not persisted: %+v", stored)
	}

	// a later sign-in by external id wins even if the email changed upstream
	again, err := p.Resolve(ctx, auth.ExternalIdentity{Realm: auth.RealmB2C, Subject: "ext-9", Email: "renamed@example.com"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if again.ID != local.ID {
		t.Fatalf("lookup by external id failed")
	}
}

func TestResolveB2BInfersOrganization(t *testing.T) {
	store := newMemoryStore()
	clock := newTestClock()
	org := store.PutOrganization(auth.Organization{Name: "Expertime", Code: "EXPERTIME", IsActive: true})
	p := newProvisioner(t, store, clock)

	user, err := p.Resolve(context.Background(), auth.ExternalIdentity{
		Realm:       auth.RealmB2B,
		Subject:     "b2b-1",
		Email:       "rec@expertime.com",
		DisplayName: "Ana Maria de la Cruz",
		Groups:      []string{"Expertime-Recruiter"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if user.OrganizationID != org.ID {
		t.Fatalf("organization = %q, want %q", user.OrganizationID, org.ID)
	}
	if user.FirstName != "Ana" || user.LastName != "Maria de la Cruz" {
		t.Fatalf("unexpected names %q %q", user.FirstName, user.LastName)
	}
	if got := activeRoles(t, store, user.ID, clock.Now()); len(got) != 0 {
		t.Fatalf("provisioning must leave roles to group sync, got %v", got)
	}
}

func TestResolveB2BWithoutKnownOrganizationIsPlatformUser(t *testing.T) {
	store := newMemoryStore()
	p := newProvisioner(t, store, newTestClock())
	user, err := p.Resolve(context.Background(), auth.ExternalIdentity{
		Realm:  auth.RealmB2B,
		Email:  "ops@expertime.com",
		Groups: []string{"Expertime", "Expertime-Recruiter"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if user.OrganizationID != "" {
		t.Fatalf("expected no organization when none is stored, got %q", user.OrganizationID)
	}
	if user.FirstName != auth.NamePlaceholder || user.LastName != auth.NamePlaceholder {
		t.Fatalf("expected placeholder names, got %q %q", user.FirstName, user.LastName)
	}
}

func TestResolveRequiresEmail(t *testing.T) {
	p := newProvisioner(t, newMemoryStore(), newTestClock())
	if _, err := p.Resolve(context.Background(), auth.ExternalIdentity{Realm: auth.RealmB2C, Subject: "x"}); err == nil {
		t.Fatalf("expected error without email")
	}
	if _, err := p.Resolve(context.Background(), auth.ExternalIdentity{Realm: auth.RealmLocal, Email: "a@b.c"}); err == nil {
		t.Fatalf("expected error for local realm")
	}
}

func TestSplitDisplayName(t *testing.T) {
	cases := []struct{ in, first, last string }{
		{"", auth.NamePlaceholder, auth.NamePlaceholder},
		{"Cher", "Cher", auth.NamePlaceholder},
		{"  Jane   Doe ", "Jane", "Doe"},
		{"Jean Claude Van Damme", "Jean", "Claude Van Damme"},
	}
	for _, tc := range cases {
		first, last := auth.SplitDisplayName(tc.in)
		if first != tc.first || last != tc.last {
			t.Fatalf("SplitDisplayName(%q) = %q,%q", tc.in, first, last)
		}
	}
}

func TestSyncRolesMatchesMappedSetExactly(t *testing.T) {
	store := newMemoryStore()
	clock := newTestClock()
	p := newProvisioner(t, store, clock)
	user := createUser(t, store, auth.User{Email: "m@expertime.com"})
	assign(t, store, user.ID, auth.RoleOrganizationManager, nil)
	assign(t, store, user.ID, auth.RoleOrganizationRecruiter, nil)

	res, err := p.SyncGroups(context.Background(), user.ID, []string{"Expertime-Recruiter"})
	if err != nil {
		t.Fatalf("SyncGroups: %v", err)
	}
	if got := activeRoles(t, store, user.ID, clock.Now()); !slices.Equal(got, []string{auth.RoleOrganizationRecruiter}) {
		t.Fatalf("roles after sync = %v", got)
	}
	if !slices.Equal(res.Removed, []string{auth.RoleOrganizationManager}) || len(res.Added) != 0 {
		t.Fatalf("unexpected sync result %+v", res)
	}

	res, err = p.SyncGroups(context.Background(), user.ID, []string{"Expertime", "Expertime-Manager"})
	if err != nil {
		t.Fatalf("SyncGroups: %v", err)
	}
	want := []string{auth.RoleOrganizationManager, auth.RolePlatformAdmin, auth.RolePlatformSuperAdmin}
	if got := activeRoles(t, store, user.ID, clock.Now()); !slices.Equal(got, want) {
		t.Fatalf("roles after second sync = %v, want %v", got, want)
	}
	if len(res.Added) != 3 || !slices.Equal(res.Removed, []string{auth.RoleOrganizationRecruiter}) {
		t.Fatalf("unexpected sync result %+v", res)
	}

	res, err = p.SyncGroups(context.Background(), user.ID, nil)
	if err != nil {
		t.Fatalf("SyncGroups: %v", err)
	}
	if got := activeRoles(t, store, user.ID, clock.Now()); len(got) != 0 {
		t.Fatalf("expected no roles, got %v", got)
	}
	if len(res.Removed) != 3 {
		t.Fatalf("expected three removals, got %+v", res)
	}
}

func TestSyncRolesRollsBackOnUnknownRole(t *testing.T) {
	store := newMemoryStore()
	clock := newTestClock()
	p := newProvisioner(t, store, clock)
	user := createUser(t, store, auth.User{Email: "m@expertime.com"})
	assign(t, store, user.ID, auth.RoleOrganizationManager, nil)

	_, err := p.SyncRoles(context.Background(), user.ID, []string{auth.RoleOrganizationRecruiter, "Organization.Ghost"})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := activeRoles(t, store, user.ID, clock.Now()); !slices.Equal(got, []string{auth.RoleOrganizationManager}) {
		t.Fatalf("failed sync must leave roles untouched, got %v", got)
	}
}

func TestSyncRolesReactivatesExpiredAssignment(t *testing.T) {
	store := newMemoryStore()
	clock := newTestClock()
	p := newProvisioner(t, store, clock)
	user := createUser(t, store, auth.User{Email: "r@expertime.com"})
	expired := clock.Now().Add(-1)
	assign(t, store, user.ID, auth.RoleOrganizationRecruiter, &expired)

	res, err := p.SyncGroups(context.Background(), user.ID, []string{"Expertime-Recruiter"})
	if err != nil {
		t.Fatalf("SyncGroups: %v", err)
	}
	if !slices.Equal(res.Added, []string{auth.RoleOrganizationRecruiter}) {
		t.Fatalf("expected recruiter to be re-added, got %+v", res)
	}
	if got := activeRoles(t, store, user.ID, clock.Now()); !slices.Equal(got, []string{auth.RoleOrganizationRecruiter}) {
		t.Fatalf("roles = %v", got)
	}
}

func TestSyncRolesPreservesManualAssignments(t *testing.T) {
	store := newMemoryStore()
	clock := newTestClock()
	p := newProvisioner(t, store, clock, auth.WithPreservedManualRoles(true))
	user := createUser(t, store, auth.User{Email: "m@expertime.com"})
	assign(t, store, user.ID, auth.RoleOrganizationAdmin, nil)

	if _, err := p.SyncGroups(context.Background(), user.ID, []string{"Expertime-Manager"}); err != nil {
		t.Fatalf("SyncGroups: %v", err)
	}
	if _, err := p.SyncGroups(context.Background(), user.ID, []string{"Expertime-Recruiter"}); err != nil {
		t.Fatalf("SyncGroups: %v", err)
	}
	want := []string{auth.RoleOrganizationAdmin, auth.RoleOrganizationRecruiter}
	if got := activeRoles(t, store, user.ID, clock.Now()); !slices.Equal(got, want) {
		t.Fatalf("roles = %v, want %v", got, want)
	}
}

func TestRegisterCreatesCandidate(t *testing.T) {
	store := newMemoryStore()
	clock := newTestClock()
	p := newProvisioner(t, store, clock)
	ctx := context.Background()

	user, err := p.Register(ctx, auth.RegisterInput{Email: "New@Example.com", Password: "long enough", FirstName: "New"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Email != "new@example.com" || user.LastName != auth.NamePlaceholder || user.OrganizationID != "" {
		t.Fatalf("unexpected user %+v", user)
	}
	if err := auth.VerifyPassword(user.PasswordHash, "long enough"); err != nil {
		t.Fatalf("password not stored: %v", err)
	}
	if got := activeRoles(t, store, user.ID, clock.Now()); !slices.Equal(got, []string{auth.RoleCandidate}) {
		t.Fatalf("roles = %v", got)
	}

	if _, err := p.Register(ctx, auth.RegisterInput{Email: "new@example.com", Password: "long enough"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := p.Register(ctx, auth.RegisterInput{Email: "other@example.com", Password: "short"}); err == nil {
		t.Fatalf("expected short password to be rejected")
	}
	if store.UserCount() != 1 {
		t.Fatalf("failed registrations must not leave users behind, got %d", store.UserCount())
	}
}
