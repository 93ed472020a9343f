package pg

import (
	"context"
	"database/sql"
	"errors"

	"xpertsphere.io/internal/auth"
)

type refreshStore struct{ q DBTX }

func (s refreshStore) Save(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.q.ExecContext(ctx, `
		insert into refresh_tokens (user_id, token_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
		on conflict (user_id) do update
		set token_id = excluded.token_id,
			token_hash = excluded.token_hash,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
	`, tok.UserID, tok.TokenID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt)
	return mapWriteError(err)
}

func (s refreshStore) FindByTokenID(ctx context.Context, tokenID string) (*auth.RefreshToken, error) {
	var tok auth.RefreshToken
	err := s.q.QueryRowContext(ctx, `
		select user_id, token_id, token_hash, expires_at, created_at
		from refresh_tokens
		where token_id = $1
	`, tokenID).Scan(&tok.UserID, &tok.TokenID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// Rotate is a single conditional update: a concurrent rotation that already
// replaced the hash leaves zero affected rows.
func (s refreshStore) Rotate(ctx context.Context, userID, expectedHash string, next *auth.RefreshToken) error {
	res, err := s.q.ExecContext(ctx, `
		update refresh_tokens
		set token_id = $3, token_hash = $4, expires_at = $5, created_at = $6
		where user_id = $1 and token_hash = $2
	`, userID, expectedHash, next.TokenID, next.TokenHash, next.ExpiresAt, next.CreatedAt)
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

func (s refreshStore) Revoke(ctx context.Context, userID string) error {
	_, err := s.q.ExecContext(ctx, `delete from refresh_tokens where user_id = $1`, userID)
	return err
}
