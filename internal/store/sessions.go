package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateRefreshToken stores an opaque refresh token for userID and returns it.
func (s *Store) CreateRefreshToken(ctx context.Context, userID string, expiresAt time.Time) (string, error) {
	token := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, s.Q(
		"INSERT INTO _refresh_tokens (id, user_id, token, expires_at) VALUES ($1, $2, $3, $4)"),
		uuid.NewString(), userID, token, s.Dialect.TimeParam(expiresAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert refresh token: %w", err)
	}
	return token, nil
}

// ConsumeRefreshToken deletes a live refresh token and returns its owner.
// Unknown, expired or already rotated tokens yield ErrNotFound.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (string, error) {
	var userID string
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row, err := QueryRow(ctx, tx, s.Q(
			"SELECT user_id FROM _refresh_tokens WHERE token = $1 AND expires_at > $2"),
			token, s.Dialect.TimeParam(now),
		)
		if err != nil {
			return err
		}
		userID = asString(row["user_id"])
		n, err := Exec(ctx, tx, s.Q("DELETE FROM _refresh_tokens WHERE token = $1"), token)
		if err != nil {
			return err
		}
		if n == 0 {
			// lost a race with a concurrent rotation
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("consume refresh token: %w", err)
	}
	return userID, nil
}

// DeleteRefreshToken removes a token; deleting an unknown token is not an error.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	if _, err := Exec(ctx, s.DB, s.Q("DELETE FROM _refresh_tokens WHERE token = $1"), token); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

// RevokeRefreshTokens removes every refresh token of userID.
func (s *Store) RevokeRefreshTokens(ctx context.Context, userID string) error {
	if _, err := Exec(ctx, s.DB, s.Q("DELETE FROM _refresh_tokens WHERE user_id = $1"), userID); err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return nil
}

// PutState records a one-time correlation state.
func (s *Store) PutState(ctx context.Context, state, payload string, expiresAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, s.Q(
		"INSERT INTO _oauth_states (state, payload, expires_at) VALUES ($1, $2, $3)"),
		state, payload, s.Dialect.TimeParam(expiresAt),
	)
	if err != nil {
		return s.MapError(fmt.Errorf("insert oauth state: %w", err))
	}
	return nil
}

// ConsumeState deletes the state and returns its payload when it was still
// live. The delete decides the winner when two callbacks race.
func (s *Store) ConsumeState(ctx context.Context, state string, now time.Time) (string, bool, error) {
	var payload string
	var ok bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row, err := QueryRow(ctx, tx, s.Q(
			"SELECT payload, expires_at FROM _oauth_states WHERE state = $1"), state)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		n, err := Exec(ctx, tx, s.Q("DELETE FROM _oauth_states WHERE state = $1"), state)
		if err != nil || n == 0 {
			return err
		}
		if exp := asTimePtr(row["expires_at"]); exp != nil && now.Before(*exp) {
			payload, ok = asString(row["payload"]), true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("consume oauth state: %w", err)
	}
	return payload, ok, nil
}

// PurgeExpired removes expired refresh tokens and states.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"_refresh_tokens", "_oauth_states"} {
		n, err := Exec(ctx, s.DB, s.Q(fmt.Sprintf("DELETE FROM %s WHERE expires_at <= $1", table)), s.Dialect.TimeParam(now))
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}
