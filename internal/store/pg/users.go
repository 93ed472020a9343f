package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"xpertsphere.io/internal/auth"
)

type orgStore struct{ q DBTX }

const orgColumns = `id, name, code, is_active, created_at, updated_at`

func scanOrganization(row interface{ Scan(...any) error }) (*auth.Organization, error) {
	var org auth.Organization
	if err := row.Scan(&org.ID, &org.Name, &org.Code, &org.IsActive, &org.CreatedAt, &org.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &org, nil
}

func (s orgStore) Find(ctx context.Context, id string) (*auth.Organization, error) {
	return scanOrganization(s.q.QueryRowContext(ctx,
		`select `+orgColumns+` from organizations where id = $1`, id))
}

func (s orgStore) FindByCode(ctx context.Context, code string) (*auth.Organization, error) {
	return scanOrganization(s.q.QueryRowContext(ctx,
		`select `+orgColumns+` from organizations where upper(code) = upper($1)`, strings.TrimSpace(code)))
}

type userStore struct{ q DBTX }

const userColumns = `id, email, coalesce(external_id, ''), first_name, last_name,
	coalesce(organization_id, ''), coalesce(password_hash, ''), email_confirmed, is_active,
	created_at, updated_at, coalesce(created_by, '')`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.Email, &u.ExternalID, &u.FirstName, &u.LastName,
		&u.OrganizationID, &u.PasswordHash, &u.EmailConfirmed, &u.IsActive,
		&u.CreatedAt, &u.UpdatedAt, &u.CreatedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s userStore) Create(ctx context.Context, u *auth.User) error {
	_, err := s.q.ExecContext(ctx, `
		insert into users (id, email, external_id, first_name, last_name, organization_id,
			password_hash, email_confirmed, is_active, created_at, updated_at, created_by)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, u.ID, u.Email, nullIfEmpty(u.ExternalID), u.FirstName, u.LastName, nullIfEmpty(u.OrganizationID),
		nullIfEmpty(u.PasswordHash), u.EmailConfirmed, u.IsActive, u.CreatedAt, u.UpdatedAt, nullIfEmpty(u.CreatedBy))
	return mapWriteError(err)
}

func (s userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(email) = lower($1)`, email))
}

func (s userStore) FindByEmailOrExternalID(ctx context.Context, email, externalID string) (*auth.User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where lower(email) = lower($1) or ($2 <> '' and external_id = $2)
		order by case when external_id = $2 then 0 else 1 end
		limit 1
	`, email, externalID))
}

func (s userStore) SetExternalID(ctx context.Context, userID, externalID string) error {
	res, err := s.q.ExecContext(ctx,
		`update users set external_id = $2, updated_at = now() where id = $1`, userID, externalID)
	if err != nil {
		return mapWriteError(err)
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
