package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/trogers1052/signal-executor/internal/models"
)

// ListActiveUsers returns every user that receives signal fan-out
func (db *DB) ListActiveUsers(ctx context.Context) ([]models.User, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, email, is_active FROM users WHERE is_active = true ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetUser retrieves a user by id
func (db *DB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := db.conn.QueryRowContext(ctx, `SELECT id, email, is_active FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}
