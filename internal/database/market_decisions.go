package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/trogers1052/signal-executor/internal/models"
)

// LatestMarketDecision reads the newest row written by the sentiment service
func (db *DB) LatestMarketDecision(ctx context.Context) (models.MarketDecision, error) {
	query := `
		SELECT allow_long, allow_short, confidence, decided_at
		FROM market_decisions
		ORDER BY decided_at DESC
		LIMIT 1
	`
	var d models.MarketDecision
	err := db.conn.QueryRowContext(ctx, query).Scan(&d.AllowLong, &d.AllowShort, &d.Confidence, &d.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MarketDecision{}, fmt.Errorf("market decision: %w", ErrNotFound)
	}
	if err != nil {
		return models.MarketDecision{}, fmt.Errorf("failed to read market decision: %w", err)
	}
	return d, nil
}
