package storage

import (
	"context"
)

// UserRepository keeps the users table in step with externally issued identities.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new user repository
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// Ensure inserts the user id if it has not been seen before.
func (r *UserRepository) Ensure(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, created_at) VALUES ($1, NOW()) ON CONFLICT (id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return ledgerError("ensure user", err)
	}
	return nil
}
