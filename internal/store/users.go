package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is a row of _users.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email,omitempty"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	Active       bool       `json:"active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Usable reports whether the account may authenticate at now.
func (u *User) Usable(now time.Time) bool {
	if !u.Active {
		return false
	}
	return u.ExpiresAt == nil || now.Before(*u.ExpiresAt)
}

const userColumns = "id, username, email, password_hash, role, active, expires_at, created_at, updated_at"

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _users").Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

// CreateUser inserts u, assigning an id when empty. A taken username or
// email yields ErrUniqueViolation.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = normalizeEmail(u.Email)
	var expires any
	if u.ExpiresAt != nil {
		expires = s.Dialect.TimeParam(*u.ExpiresAt)
	}
	_, err := s.DB.ExecContext(ctx, s.Q(
		`INSERT INTO _users (id, username, email, password_hash, role, active, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		u.ID, u.Username, nullString(u.Email), u.PasswordHash, u.Role, u.Active, expires,
	)
	if err != nil {
		return s.MapError(fmt.Errorf("insert user: %w", err))
	}
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, "username", username)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, "email", normalizeEmail(email))
}

func (s *Store) getUser(ctx context.Context, column, value string) (*User, error) {
	row, err := QueryRow(ctx, s.DB, s.Q(fmt.Sprintf("SELECT %s FROM _users WHERE %s = $1", userColumns, column)), value)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by %s: %w", column, err)
	}
	return userFromRow(row), nil
}

func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := QueryRows(ctx, s.DB, fmt.Sprintf("SELECT %s FROM _users ORDER BY username", userColumns))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]*User, 0, len(rows))
	for _, row := range rows {
		users = append(users, userFromRow(row))
	}
	return users, nil
}

// UpdateUser writes the mutable profile columns of u.
func (s *Store) UpdateUser(ctx context.Context, u *User) error {
	u.Email = normalizeEmail(u.Email)
	var expires any
	if u.ExpiresAt != nil {
		expires = s.Dialect.TimeParam(*u.ExpiresAt)
	}
	n, err := Exec(ctx, s.DB, s.Q(fmt.Sprintf(
		`UPDATE _users SET email = $1, role = $2, active = $3, expires_at = $4, updated_at = %s WHERE id = $5`,
		s.Dialect.NowExpr())),
		nullString(u.Email), u.Role, u.Active, expires, u.ID,
	)
	if err != nil {
		return s.MapError(fmt.Errorf("update user: %w", err))
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPasswordHash replaces the hash and revokes every refresh token of the
// user in one transaction.
func (s *Store) SetPasswordHash(ctx context.Context, userID, hash string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := Exec(ctx, tx, s.Q(fmt.Sprintf(
			"UPDATE _users SET password_hash = $1, updated_at = %s WHERE id = $2", s.Dialect.NowExpr())),
			hash, userID,
		)
		if err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		if _, err := Exec(ctx, tx, s.Q("DELETE FROM _refresh_tokens WHERE user_id = $1"), userID); err != nil {
			return fmt.Errorf("revoke refresh tokens: %w", err)
		}
		return nil
	})
}

func userFromRow(row map[string]any) *User {
	u := &User{
		ID:           asString(row["id"]),
		Username:     asString(row["username"]),
		Email:        asString(row["email"]),
		PasswordHash: asString(row["password_hash"]),
		Role:         asString(row["role"]),
		Active:       asBool(row["active"]),
		ExpiresAt:    asTimePtr(row["expires_at"]),
	}
	if t := asTimePtr(row["created_at"]); t != nil {
		u.CreatedAt = *t
	}
	if t := asTimePtr(row["updated_at"]); t != nil {
		u.UpdatedAt = *t
	}
	return u
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case [16]byte:
		return uuid.UUID(val).String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func asBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case int:
		return val != 0
	default:
		return false
	}
}

func asTimePtr(v any) *time.Time {
	switch val := v.(type) {
	case time.Time:
		return &val
	case string:
		if t, ok := parseTimestamp(val); ok {
			return &t
		}
	}
	return nil
}
