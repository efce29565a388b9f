package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trogers1052/signal-executor/internal/credentials"
	"github.com/trogers1052/signal-executor/internal/models"
)

// CreateCredential inserts an individual credential in pending validation.
// Key material is checked here so malformed values never get stored.
func (db *DB) CreateCredential(ctx context.Context, c *models.Credential) error {
	if err := credentials.ValidateKeyMaterial(c.APIKey, c.APISecret); err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	query := `
		INSERT INTO exchange_credentials (
			user_id, exchange, environment, api_key, api_secret,
			is_active, validation_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING id
	`
	var userID sql.NullInt64
	if c.UserID != nil {
		userID = sql.NullInt64{Int64: *c.UserID, Valid: true}
	}
	if c.ValidationStatus == "" {
		c.ValidationStatus = models.ValidationPending
	}
	now := time.Now().UTC()
	err := db.conn.QueryRowContext(ctx, query,
		userID, c.Exchange, c.Environment, c.APIKey, c.APISecret,
		c.IsActive, c.ValidationStatus, now,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	c.Variant = models.CredentialIndividual
	c.CreatedAt = now
	c.UpdatedAt = now
	return nil
}

// ListUserCredentials returns the user's active credentials for one
// exchange and environment, most recently updated first.
func (db *DB) ListUserCredentials(ctx context.Context, userID int64, exchange, environment string) ([]*models.Credential, error) {
	query := `
		SELECT id, user_id, exchange, environment, api_key, api_secret,
		       is_active, validation_status, created_at, updated_at
		FROM exchange_credentials
		WHERE user_id = $1 AND exchange = $2 AND environment = $3 AND is_active = true
		ORDER BY updated_at DESC
	`
	rows, err := db.conn.QueryContext(ctx, query, userID, exchange, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return scanCredentials(rows)
}

// ListPendingCredentials returns active individual credentials awaiting validation.
func (db *DB) ListPendingCredentials(ctx context.Context, limit int) ([]*models.Credential, error) {
	query := `
		SELECT id, user_id, exchange, environment, api_key, api_secret,
		       is_active, validation_status, created_at, updated_at
		FROM exchange_credentials
		WHERE validation_status = 'pending' AND is_active = true AND user_id IS NOT NULL
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending credentials: %w", err)
	}
	return scanCredentials(rows)
}

func scanCredentials(rows *sql.Rows) ([]*models.Credential, error) {
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		var c models.Credential
		var uid sql.NullInt64
		err := rows.Scan(
			&c.ID, &uid, &c.Exchange, &c.Environment, &c.APIKey, &c.APISecret,
			&c.IsActive, &c.ValidationStatus, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		if uid.Valid {
			id := uid.Int64
			c.UserID = &id
		}
		c.Variant = models.CredentialIndividual
		creds = append(creds, &c)
	}
	return creds, rows.Err()
}

// MarkCredentialInvalid flags an individual credential after a fatal
// authentication error from the exchange.
func (db *DB) MarkCredentialInvalid(ctx context.Context, id int64) error {
	return db.setValidationStatus(ctx, id, models.ValidationInvalid)
}

// MarkCredentialValid records a successful authenticated call.
func (db *DB) MarkCredentialValid(ctx context.Context, id int64) error {
	return db.setValidationStatus(ctx, id, models.ValidationValid)
}

// Shared credentials have no row, so only user-owned rows are touched.
func (db *DB) setValidationStatus(ctx context.Context, id int64, status models.ValidationStatus) error {
	query := `
		UPDATE exchange_credentials
		SET validation_status = $2, updated_at = $3
		WHERE id = $1 AND user_id IS NOT NULL
	`
	result, err := db.conn.ExecContext(ctx, query, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set credential %d %s: %w", id, status, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("credential %d: %w", id, ErrNotFound)
	}
	return nil
}
