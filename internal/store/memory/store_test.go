package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"xpertsphere.io/internal/auth"
)

func TestNewSeedsCatalogRoles(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	for _, info := range auth.DefaultCatalog.Roles() {
		role, err := s.Roles(ctx).FindByName(ctx, info.Name)
		if err != nil {
			t.Fatalf("role %s not seeded: %v", info.Name, err)
		}
		if !role.IsActive {
			t.Fatalf("role %s seeded inactive", info.Name)
		}
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx auth.Store) error {
		if err := tx.Users(ctx).Create(ctx, &auth.User{ID: "u1", Email: "a@example.com", IsActive: true}); err != nil {
			return err
		}
		return tx.WithinTx(ctx, func(ctx context.Context, tx auth.Store) error { return boom })
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if s.UserCount() != 0 {
		t.Fatalf("expected rollback, found %d users", s.UserCount())
	}

	err = s.WithinTx(ctx, func(ctx context.Context, tx auth.Store) error {
		return tx.Users(ctx).Create(ctx, &auth.User{ID: "u1", Email: "a@example.com", IsActive: true})
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if s.UserCount() != 1 {
		t.Fatalf("expected committed user, found %d", s.UserCount())
	}
}

func TestRollbackKeepsConcurrentWrites(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	boom := errors.New("boom")
	if err := s.Users(ctx).Create(ctx, &auth.User{ID: "u0", Email: "existing@example.com", IsActive: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.RefreshTokens(ctx).Save(ctx, &auth.RefreshToken{UserID: "u0", TokenID: "t0", TokenHash: "h0"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	inTx := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(ctx context.Context, tx auth.Store) error {
			if err := tx.Users(ctx).Create(ctx, &auth.User{ID: "u1", Email: "a@example.com", IsActive: true}); err != nil {
				return err
			}
			if err := tx.RefreshTokens(ctx).Save(ctx, &auth.RefreshToken{UserID: "u0", TokenID: "tx", TokenHash: "hx"}); err != nil {
				return err
			}
			close(inTx)
			<-release
			return boom
		})
	}()

	<-inTx
	if err := s.RefreshTokens(ctx).Save(ctx, &auth.RefreshToken{UserID: "u2", TokenID: "t1", TokenHash: "h1"}); err != nil {
		t.Fatalf("concurrent save: %v", err)
	}
	close(release)
	if err := <-done; !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := s.RefreshTokens(ctx).FindByTokenID(ctx, "t1"); err != nil {
		t.Fatalf("concurrent refresh token lost after rollback: %v", err)
	}
	if _, err := s.RefreshTokens(ctx).FindByTokenID(ctx, "t0"); err != nil {
		t.Fatalf("refresh token overwritten in rolled back tx not restored: %v", err)
	}
	if _, err := s.RefreshTokens(ctx).FindByTokenID(ctx, "tx"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("rolled back refresh token still present: %v", err)
	}
	if _, err := s.Users(ctx).Find(ctx, "u1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("rolled back user still present: %v", err)
	}
	if s.UserCount() != 1 {
		t.Fatalf("expected 1 user, found %d", s.UserCount())
	}
}

func TestRollbackRestoresRevokedAssignment(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	if err := s.Users(ctx).Create(ctx, &auth.User{ID: "u1", Email: "a@example.com", IsActive: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	role, err := s.Roles(ctx).FindByName(ctx, auth.RoleOrganizationRecruiter)
	if err != nil {
		t.Fatalf("find role: %v", err)
	}
	if err := s.Roles(ctx).Assign(ctx, auth.UserRole{UserID: "u1", RoleID: role.ID, IsActive: true}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	boom := errors.New("boom")
	err = s.WithinTx(ctx, func(ctx context.Context, tx auth.Store) error {
		if err := tx.Roles(ctx).Revoke(ctx, "u1", role.ID); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	rows, err := s.Roles(ctx).ActiveAssignments(ctx, "u1", time.Now())
	if err != nil {
		t.Fatalf("ActiveAssignments: %v", err)
	}
	if len(rows) != 1 || rows[0].RoleName != auth.RoleOrganizationRecruiter {
		t.Fatalf("revoked assignment not restored: %+v", rows)
	}
}

func TestCreateRejectsDuplicateEmail(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	if err := s.Users(ctx).Create(ctx, &auth.User{ID: "u1", Email: "a@example.com"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Users(ctx).Create(ctx, &auth.User{ID: "u2", Email: "A@Example.com"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestActiveAssignmentsFiltering(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	if err := s.Users(ctx).Create(ctx, &auth.User{ID: "u1", Email: "a@example.com", IsActive: true}); err != nil {
		t.Fatalf("create: %v", err)
	}

	assign := func(name string, active bool, expires *time.Time) {
		t.Helper()
		role, err := s.Roles(ctx).FindByName(ctx, name)
		if err != nil {
			t.Fatalf("find %s: %v", name, err)
		}
		if err := s.Roles(ctx).Assign(ctx, auth.UserRole{UserID: "u1", RoleID: role.ID, IsActive: active, ExpiresAt: expires}); err != nil {
			t.Fatalf("assign %s: %v", name, err)
		}
	}
	assign(auth.RoleOrganizationRecruiter, true, nil)
	assign(auth.RoleOrganizationManager, true, &past)
	assign(auth.RoleOrganizationAdmin, false, nil)
	assign(auth.RoleOrganizationTechnicalEvaluator, true, nil)
	if err := s.SetRoleActive(auth.RoleOrganizationTechnicalEvaluator, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	rows, err := s.Roles(ctx).ActiveAssignments(ctx, "u1", now)
	if err != nil {
		t.Fatalf("ActiveAssignments: %v", err)
	}
	if len(rows) != 1 || rows[0].RoleName != auth.RoleOrganizationRecruiter {
		t.Fatalf("unexpected assignments: %+v", rows)
	}
}

func TestRotateRequiresCurrentHash(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	store := s.RefreshTokens(ctx)
	if err := store.Save(ctx, &auth.RefreshToken{UserID: "u1", TokenID: "t1", TokenHash: "h1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Rotate(ctx, "u1", "h1", &auth.RefreshToken{UserID: "u1", TokenID: "t2", TokenHash: "h2"}); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	err := store.Rotate(ctx, "u1", "h1", &auth.RefreshToken{UserID: "u1", TokenID: "t3", TokenHash: "h3"})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected stale rotation to fail, got %v", err)
	}
	if _, err := store.FindByTokenID(ctx, "t1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("old token id should be gone, got %v", err)
	}
}
