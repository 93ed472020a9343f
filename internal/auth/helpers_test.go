package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"xpertsphere.io/internal/auth"
	"xpertsphere.io/internal/store/memory"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func createUser(t *testing.T, store auth.Store, u auth.User) *auth.User {
	t.Helper()
	if u.ID == "" {
		u.ID = "user-" + u.Email
	}
	u.IsActive = true
	if err := store.Users(context.Background()).Create(context.Background(), &u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return &u
}

func assign(t *testing.T, store auth.Store, userID, roleName string, expires *time.Time) {
	t.Helper()
	ctx := context.Background()
	role, err := store.Roles(ctx).FindByName(ctx, roleName)
	if err != nil {
		t.Fatalf("find role %s: %v", roleName, err)
	}
	err = store.Roles(ctx).Assign(ctx, auth.UserRole{
		UserID:    userID,
		RoleID:    role.ID,
		IsActive:  true,
		ExpiresAt: expires,
	})
	if err != nil {
		t.Fatalf("assign %s: %v", roleName, err)
	}
}

func activeRoles(t *testing.T, store auth.Store, userID string, now time.Time) []string {
	t.Helper()
	ctx := context.Background()
	rows, err := store.Roles(ctx).ActiveAssignments(ctx, userID, now)
	if err != nil {
		t.Fatalf("ActiveAssignments: %v", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.RoleName)
	}
	return out
}

func newMemoryStore() *memory.Store { return memory.New(nil) }
