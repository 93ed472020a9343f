// Package memory provides an in-process implementation of auth.Store used by
// tests and by the API when no database is configured.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"xpertsphere.io/internal/auth"
	"xpertsphere.io/internal/ids"
)

type assignmentKey struct {
	userID string
	roleID string
}

type state struct {
	orgs        map[string]auth.Organization
	users       map[string]auth.User
	roles       map[string]auth.Role
	perms       map[string]auth.Permission
	rolePerms   map[string][]string
	assignments map[assignmentKey]auth.UserRole
	refresh     map[string]auth.RefreshToken
}

func newState() *state {
	return &state{
		orgs:        make(map[string]auth.Organization),
		users:       make(map[string]auth.User),
		roles:       make(map[string]auth.Role),
		perms:       make(map[string]auth.Permission),
		rolePerms:   make(map[string][]string),
		assignments: make(map[assignmentKey]auth.UserRole),
		refresh:     make(map[string]auth.RefreshToken),
	}
}

// undoLog records how to reverse the writes of one transaction. Only keys the
// transaction touched are restored on rollback; concurrent writes made outside
// it survive.
type undoLog struct {
	ops []func(*state)
}

func (u *undoLog) record(op func(*state)) {
	if u != nil {
		u.ops = append(u.ops, op)
	}
}

func (u *undoLog) rollback(st *state) {
	for i := len(u.ops) - 1; i >= 0; i-- {
		u.ops[i](st)
	}
}

// Store implements auth.Store in memory. Transactions are serialized with each
// other and rolled back through an undo log. Their writes are visible to
// readers before commit.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state
}

var _ auth.Store = (*Store)(nil)

// New returns a store seeded with the roles of catalog (auth.DefaultCatalog when nil).
func New(catalog *auth.Catalog) *Store {
	if catalog == nil {
		catalog = auth.DefaultCatalog
	}
	s := &Store{st: newState()}
	now := time.Now().UTC()
	for _, r := range catalog.Roles() {
		id := ids.NewAt(now)
		s.st.roles[id] = auth.Role{
			ID:          id,
			Name:        r.Name,
			DisplayName: r.DisplayName,
			Description: r.Description,
			IsActive:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	return s
}

// PutOrganization inserts or replaces an organization, assigning an id if empty.
func (s *Store) PutOrganization(org auth.Organization) auth.Organization {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.ID == "" {
		org.ID = ids.New()
	}
	s.st.orgs[org.ID] = org
	return org
}

// GrantPermission attaches a permission to the named role, creating the
// permission if its (resource, action, scope) triple is new.
func (s *Store) GrantPermission(roleName string, p auth.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.st.roleByName(roleName)
	if !ok {
		return auth.ErrNotFound
	}
	for _, existing := range s.st.perms {
		if existing.Resource == p.Resource && existing.Action == p.Action && existing.Scope == p.Scope {
			p = existing
			break
		}
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	s.st.perms[p.ID] = p
	for _, id := range s.st.rolePerms[role.ID] {
		if id == p.ID {
			return nil
		}
	}
	s.st.rolePerms[role.ID] = append(s.st.rolePerms[role.ID], p.ID)
	return nil
}

// SetRoleActive toggles a role's active flag.
func (s *Store) SetRoleActive(name string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.st.roleByName(name)
	if !ok {
		return auth.ErrNotFound
	}
	role.IsActive = active
	s.st.roles[role.ID] = role
	return nil
}

// UserCount returns the number of stored users.
func (s *Store) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.st.users)
}

func (s *state) roleByName(name string) (auth.Role, bool) {
	for _, r := range s.roles {
		if r.Name == name {
			return r, true
		}
	}
	return auth.Role{}, false
}

func (s *Store) Organizations(context.Context) auth.OrganizationStore { return orgStore{s} }
func (s *Store) Users(context.Context) auth.UserStore { return userStore{s: s} }
func (s *Store) Roles(context.Context) auth.RoleStore { return roleStore{s: s} }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore { return refreshStore{s: s} }

// WithinTx runs fn with exclusive transactional access. Nested calls on the
// store passed to fn join the outer transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx auth.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	undo := &undoLog{}
	if err := fn(ctx, txStore{s: s, undo: undo}); err != nil {
		s.mu.Lock()
		undo.rollback(s.st)
		s.mu.Unlock()
		return err
	}
	return nil
}

type txStore struct {
	s    *Store
	undo *undoLog
}

func (t txStore) Organizations(ctx context.Context) auth.OrganizationStore {
	return t.s.Organizations(ctx)
}
func (t txStore) Users(context.Context) auth.UserStore { return userStore{s: t.s, undo: t.undo} }
func (t txStore) Roles(context.Context) auth.RoleStore { return roleStore{s: t.s, undo: t.undo} }
func (t txStore) RefreshTokens(context.Context) auth.RefreshTokenStore {
	return refreshStore{s: t.s, undo: t.undo}
}

func (t txStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx auth.Store) error) error {
	return fn(ctx, t)
}

type orgStore struct{ s *Store }

func (o orgStore) Find(_ context.Context, id string) (*auth.Organization, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	org, ok := o.s.st.orgs[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &org, nil
}

func (o orgStore) FindByCode(_ context.Context, code string) (*auth.Organization, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	for _, org := range o.s.st.orgs {
		if strings.EqualFold(org.Code, code) {
			out := org
			return &out, nil
		}
	}
	return nil, auth.ErrNotFound
}

type userStore struct {
	s    *Store
	undo *undoLog
}

func (u userStore) Create(_ context.Context, user *auth.User) error {
	if user == nil || user.ID == "" || user.Email == "" {
		return auth.ErrInvalidInput
	}
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.s.st.users[user.ID]; ok {
		return auth.ErrConflict
	}
	for _, existing := range u.s.st.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return auth.ErrConflict
		}
		if user.ExternalID != "" && existing.ExternalID == user.ExternalID {
			return auth.ErrConflict
		}
	}
	id := user.ID
	u.s.st.users[id] = *user
	u.undo.record(func(st *state) { delete(st.users, id) })
	return nil
}

func (u userStore) Find(_ context.Context, id string) (*auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, ok := u.s.st.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &user, nil
}

func (u userStore) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	for _, user := range u.s.st.users {
		if strings.EqualFold(user.Email, email) {
			out := user
			return &out, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (u userStore) FindByEmailOrExternalID(_ context.Context, email, externalID string) (*auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	var byEmail *auth.User
	for _, user := range u.s.st.users {
		if externalID != "" && user.ExternalID == externalID {
			out := user
			return &out, nil
		}
		if byEmail == nil && email != "" && strings.EqualFold(user.Email, email) {
			out := user
			byEmail = &out
		}
	}
	if byEmail == nil {
		return nil, auth.ErrNotFound
	}
	return byEmail, nil
}

func (u userStore) SetExternalID(_ context.Context, userID, externalID string) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.st.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	prev := user
	user.ExternalID = externalID
	user.UpdatedAt = time.Now().UTC()
	u.s.st.users[userID] = user
	u.undo.record(func(st *state) { st.users[userID] = prev })
	return nil
}

type roleStore struct {
	s    *Store
	undo *undoLog
}

func (r roleStore) FindByName(_ context.Context, name string) (*auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	role, ok := r.s.st.roleByName(name)
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &role, nil
}

func (r roleStore) FindByNames(_ context.Context, names []string) ([]auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]auth.Role, 0, len(names))
	for _, n := range names {
		if role, ok := r.s.st.roleByName(n); ok {
			out = append(out, role)
		}
	}
	return out, nil
}

func (r roleStore) ActiveAssignments(_ context.Context, userID string, now time.Time) ([]auth.UserRole, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []auth.UserRole
	for k, a := range r.s.st.assignments {
		if k.userID != userID || !a.Effective(now) {
			continue
		}
		role, ok := r.s.st.roles[k.roleID]
		if !ok || !role.IsActive {
			continue
		}
		a.RoleName = role.Name
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleName < out[j].RoleName })
	return out, nil
}

func (r roleStore) Assign(_ context.Context, a auth.UserRole) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.st.users[a.UserID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := r.s.st.roles[a.RoleID]; !ok {
		return auth.ErrNotFound
	}
	a.RoleName = ""
	key := assignmentKey{a.UserID, a.RoleID}
	prev, existed := r.s.st.assignments[key]
	r.s.st.assignments[key] = a
	r.undo.record(func(st *state) {
		if existed {
			st.assignments[key] = prev
		} else {
			delete(st.assignments, key)
		}
	})
	return nil
}

func (r roleStore) Revoke(_ context.Context, userID, roleID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := assignmentKey{userID, roleID}
	prev, ok := r.s.st.assignments[key]
	if !ok {
		return auth.ErrNotFound
	}
	delete(r.s.st.assignments, key)
	r.undo.record(func(st *state) { st.assignments[key] = prev })
	return nil
}

func (r roleStore) PermissionsForRoles(_ context.Context, roleIDs []string) ([]auth.Permission, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	seen := map[string]bool{}
	var out []auth.Permission
	for _, rid := range roleIDs {
		for _, pid := range r.s.st.rolePerms[rid] {
			if seen[pid] {
				continue
			}
			seen[pid] = true
			out = append(out, r.s.st.perms[pid])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimValue() < out[j].ClaimValue() })
	return out, nil
}

type refreshStore struct {
	s    *Store
	undo *undoLog
}

func (r refreshStore) Save(_ context.Context, tok *auth.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.restoreRefreshOnRollback(tok.UserID)
	r.s.st.refresh[tok.UserID] = *tok
	return nil
}

func (r refreshStore) FindByTokenID(_ context.Context, tokenID string) (*auth.RefreshToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, tok := range r.s.st.refresh {
		if tok.TokenID == tokenID {
			out := tok
			return &out, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r refreshStore) Rotate(_ context.Context, userID, expectedHash string, next *auth.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.st.refresh[userID]
	if !ok || cur.TokenHash != expectedHash {
		return auth.ErrNotFound
	}
	r.restoreRefreshOnRollback(userID)
	r.s.st.refresh[userID] = *next
	return nil
}

func (r refreshStore) Revoke(_ context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.restoreRefreshOnRollback(userID)
	delete(r.s.st.refresh, userID)
	return nil
}

// restoreRefreshOnRollback must be called with mu held, before the write.
func (r refreshStore) restoreRefreshOnRollback(userID string) {
	if r.undo == nil {
		return
	}
	prev, existed := r.s.st.refresh[userID]
	r.undo.record(func(st *state) {
		if existed {
			st.refresh[userID] = prev
		} else {
			delete(st.refresh, userID)
		}
	})
}
