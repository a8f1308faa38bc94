package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, COALESCE(openid, ''), COALESCE(unionid, ''), COALESCE(phone, ''),
	nickname, COALESCE(avatar, ''), balance, created_at`

func (s *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.OpenID, &u.UnionID, &u.Phone,
		&u.Nickname, &u.Avatar, &u.Balance, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *PostgresStore) FindUserByUnionID(ctx context.Context, unionID string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE unionid = $1`, unionID))
}

func (s *PostgresStore) FindUserByOpenID(ctx context.Context, openID string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE openid = $1`, openID))
}

func (s *PostgresStore) FindUserByPhone(ctx context.Context, phone string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE phone = $1`, phone))
}

func (s *PostgresStore) FindUserByID(ctx context.Context, id int64) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (openid, unionid, phone, nickname, avatar, balance, frozen_balance)
		VALUES (NULLIF($1, ''), NULLIF($2, ''), NULLIF($3, ''), $4, NULLIF($5, ''), $6, 0)
		RETURNING id
	`, u.OpenID, u.UnionID, u.Phone, u.Nickname, u.Avatar, u.Balance).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// UpdateUserIdentity backfills identity fields without overwriting ones
// already present.
func (s *PostgresStore) UpdateUserIdentity(ctx context.Context, id int64, identity Identity) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			unionid    = COALESCE(unionid, NULLIF($2, '')),
			openid     = COALESCE(openid, NULLIF($3, '')),
			phone      = COALESCE(phone, NULLIF($4, '')),
			updated_at = NOW()
		WHERE id = $1
	`, id, identity.UnionID, identity.OpenID, identity.Phone)
	return err
}

func (s *PostgresStore) CreateRefreshToken(ctx context.Context, userID int64, hash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (user_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, NOW())
	`, userID, hash, expiresAt)
	return err
}

// ConsumeRefreshToken is the rotation CAS: only an unused, unexpired row
// matches, so concurrent presentations of one token produce exactly one
// winner.
func (s *PostgresStore) ConsumeRefreshToken(ctx context.Context, hash string) (int64, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE refresh_tokens SET used_at = NOW()
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > NOW()
		RETURNING user_id
	`, hash).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish replay from an unknown or expired token.
		var used bool
		lookupErr := s.db.QueryRowContext(ctx, `
			SELECT used_at IS NOT NULL FROM refresh_tokens
			WHERE token_hash = $1 AND expires_at > NOW()
		`, hash).Scan(&used)
		if lookupErr == nil && used {
			return 0, ErrTokenReused
		}
		return 0, ErrInvalidToken
	}
	if err != nil {
		return 0, err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeUserTokens(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET used_at = NOW()
		WHERE user_id = $1 AND used_at IS NULL
	`, userID)
	return err
}
