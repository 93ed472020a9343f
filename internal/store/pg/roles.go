package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"xpertsphere.io/internal/auth"
)

type roleStore struct{ q DBTX }

const roleColumns = `id, name, display_name, coalesce(description, ''), is_active, created_at, updated_at`

func scanRole(row interface{ Scan(...any) error }) (auth.Role, error) {
	var r auth.Role
	err := row.Scan(&r.ID, &r.Name, &r.DisplayName, &r.Description, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s roleStore) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	r, err := scanRole(s.q.QueryRowContext(ctx, `select `+roleColumns+` from roles where name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s roleStore) FindByNames(ctx context.Context, names []string) ([]auth.Role, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx,
		`select `+roleColumns+` from roles where name in (`+placeholders(1, len(names))+`) order by name`,
		stringArgs(names)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s roleStore) ActiveAssignments(ctx context.Context, userID string, now time.Time) ([]auth.UserRole, error) {
	rows, err := s.q.QueryContext(ctx, `
		select ur.user_id, ur.role_id, r.name, ur.assigned_at, ur.expires_at,
			coalesce(ur.assigned_by, ''), ur.is_active
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
			and ur.is_active
			and r.is_active
			and (ur.expires_at is null or ur.expires_at > $2)
		order by r.name
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.UserRole
	for rows.Next() {
		var (
			a       auth.UserRole
			expires sql.NullTime
		)
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.RoleName, &a.AssignedAt, &expires, &a.AssignedBy, &a.IsActive); err != nil {
			return nil, err
		}
		if expires.Valid {
			t := expires.Time
			a.ExpiresAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s roleStore) Assign(ctx context.Context, a auth.UserRole) error {
	var expires sql.NullTime
	if a.ExpiresAt != nil {
		expires = sql.NullTime{Time: *a.ExpiresAt, Valid: true}
	}
	_, err := s.q.ExecContext(ctx, `
		insert into user_roles (user_id, role_id, assigned_at, expires_at, assigned_by, is_active)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (user_id, role_id) do update
		set assigned_at = excluded.assigned_at,
			expires_at = excluded.expires_at,
			assigned_by = excluded.assigned_by,
			is_active = excluded.is_active
	`, a.UserID, a.RoleID, a.AssignedAt, expires, nullIfEmpty(a.AssignedBy), a.IsActive)
	return mapWriteError(err)
}

func (s roleStore) Revoke(ctx context.Context, userID, roleID string) error {
	res, err := s.q.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s roleStore) PermissionsForRoles(ctx context.Context, roleIDs []string) ([]auth.Permission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		select distinct p.id, p.resource, p.action, p.scope, coalesce(p.description, ''), p.created_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id in (`+placeholders(1, len(roleIDs))+`)
		order by p.scope, p.action, p.id
	`, stringArgs(roleIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Permission
	for rows.Next() {
		var (
			p     auth.Permission
			scope string
		)
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &scope, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Scope = auth.Scope(scope)
		out = append(out, p)
	}
	return out, rows.Err()
}
