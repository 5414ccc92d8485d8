package store

import (
	"context"
	"fmt"
	"log/slog"
)

// AdminSeed describes the first account created in an empty user table.
// PasswordHash is already hashed; an empty hash skips seeding.
type AdminSeed struct {
	Username     string
	PasswordHash string
}

// Bootstrap creates the identity and session tables and seeds the first
// admin when the user table is empty.
func (s *Store) Bootstrap(ctx context.Context, seed AdminSeed) error {
	for _, ddl := range s.Dialect.SystemTablesSQL() {
		if _, err := s.DB.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("bootstrap system tables: %w", err)
		}
	}
	if err := s.seedAdminUser(ctx, seed); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

func (s *Store) seedAdminUser(ctx context.Context, seed AdminSeed) error {
	count, err := s.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if seed.PasswordHash == "" {
		slog.Warn("no users exist and no bootstrap admin password is configured; provision users through the admin API")
		return nil
	}

	u := &User{Username: seed.Username, PasswordHash: seed.PasswordHash, Role: "admin", Active: true}
	if err := s.CreateUser(ctx, u); err != nil {
		return err
	}
	slog.Warn("bootstrap admin user created; change its password", "username", u.Username)
	return nil
}
