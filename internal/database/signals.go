package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trogers1052/signal-executor/internal/models"
)

const signalColumns = `id, source, symbol, action, strength, raw_payload, received_at,
	status, attempts, failure_kind, failure_message, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*models.Signal, error) {
	var s models.Signal
	var raw []byte
	err := row.Scan(
		&s.ID, &s.Source, &s.Symbol, &s.Action, &s.Strength, &raw, &s.ReceivedAt,
		&s.Status, &s.Attempts, &s.FailureKind, &s.FailureMsg, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.RawPayload = raw
	return &s, nil
}

// CreateSignal inserts a PENDING receipt
func (db *DB) CreateSignal(ctx context.Context, s *models.Signal) error {
	query := `
		INSERT INTO signals (
			id, source, symbol, action, strength, raw_payload, received_at,
			status, attempts, failure_kind, failure_message, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, '', '', $7)
	`
	if s.Status == "" {
		s.Status = models.SignalPending
	}
	_, err := db.conn.ExecContext(ctx, query,
		s.ID, s.Source, s.Symbol, s.Action, s.Strength, []byte(s.RawPayload), s.ReceivedAt, s.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to create signal: %w", err)
	}
	s.UpdatedAt = s.ReceivedAt
	return nil
}

// GetSignal retrieves a signal by id
func (db *DB) GetSignal(ctx context.Context, id string) (*models.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE id = $1`
	s, err := scanSignal(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("signal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}
	return s, nil
}

// ClaimSignal moves a PENDING or FAILED_RETRYABLE signal to PROCESSING and
// bumps its attempt counter. Only one worker can win the claim.
func (db *DB) ClaimSignal(ctx context.Context, id string) (*models.Signal, error) {
	query := `
		UPDATE signals
		SET status = 'PROCESSING', attempts = attempts + 1, updated_at = $2
		WHERE id = $1 AND status IN ('PENDING', 'FAILED_RETRYABLE')
		RETURNING ` + signalColumns
	s, err := scanSignal(db.conn.QueryRowContext(ctx, query, id, time.Now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("signal %s: %w", id, ErrNotClaimable)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim signal: %w", err)
	}
	return s, nil
}

// UpdateSignalStatus records a status change. Terminal signals are immutable.
func (db *DB) UpdateSignalStatus(ctx context.Context, id string, status models.SignalStatus, kind, msg string) error {
	query := `
		UPDATE signals
		SET status = $2, failure_kind = $3, failure_message = $4, updated_at = $5
		WHERE id = $1 AND status NOT IN ('PROCESSED', 'FAILED_GATED', 'FAILED')
	`
	result, err := db.conn.ExecContext(ctx, query, id, status, kind, msg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update signal status: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("signal %s: %w", id, ErrSignalTerminal)
	}
	return nil
}

// ResetStuckSignals returns PROCESSING signals untouched since before to
// FAILED_RETRYABLE so the recovery sweep can pick them up.
func (db *DB) ResetStuckSignals(ctx context.Context, before time.Time) (int64, error) {
	query := `
		UPDATE signals
		SET status = 'FAILED_RETRYABLE', updated_at = $2
		WHERE status = 'PROCESSING' AND updated_at < $1
	`
	result, err := db.conn.ExecContext(ctx, query, before, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck signals: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// ListRecoverableSignals returns PENDING or FAILED_RETRYABLE signals last
// touched before the given time, oldest first.
func (db *DB) ListRecoverableSignals(ctx context.Context, before time.Time, limit int) ([]*models.Signal, error) {
	query := `
		SELECT ` + signalColumns + `
		FROM signals
		WHERE status IN ('PENDING', 'FAILED_RETRYABLE') AND updated_at < $1
		ORDER BY received_at ASC
		LIMIT $2
	`
	rows, err := db.conn.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recoverable signals: %w", err)
	}
	defer rows.Close()

	var signals []*models.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// HasEarlierUnsettledSignal reports whether a signal for the same symbol
// that was received before s is still waiting to be settled.
func (db *DB) HasEarlierUnsettledSignal(ctx context.Context, s *models.Signal) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM signals
			WHERE symbol = $1 AND id <> $2
			  AND status IN ('PENDING', 'PROCESSING', 'FAILED_RETRYABLE')
			  AND (received_at < $3 OR (received_at = $3 AND id < $2))
		)
	`
	var exists bool
	if err := db.conn.QueryRowContext(ctx, query, s.Symbol, s.ID, s.ReceivedAt).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check earlier signals: %w", err)
	}
	return exists, nil
}

// DeferSignal hands a claimed signal back as FAILED_RETRYABLE without
// spending the attempt that claimed it.
func (db *DB) DeferSignal(ctx context.Context, id, msg string) error {
	query := `
		UPDATE signals
		SET status = 'FAILED_RETRYABLE', attempts = GREATEST(attempts - 1, 0),
		    failure_kind = '', failure_message = $2, updated_at = $3
		WHERE id = $1 AND status = 'PROCESSING'
	`
	result, err := db.conn.ExecContext(ctx, query, id, msg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to defer signal: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("signal %s: %w", id, ErrNotClaimable)
	}
	return nil
}
