package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trogers1052/signal-executor/internal/models"
)

const orderColumns = `id, user_id, signal_id, credential_id, credential_variant, order_link_id,
	exchange_order_id, symbol, side, quantity, price, order_type, reduce_only, status,
	version, pnl, failure_kind, failure_message, created_at, updated_at`

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var credentialID sql.NullInt64
	err := row.Scan(
		&o.ID, &o.UserID, &o.SignalID, &credentialID, &o.CredentialKind, &o.OrderLinkID,
		&o.ExchangeOrderID, &o.Symbol, &o.Side, &o.Quantity, &o.Price, &o.OrderType, &o.ReduceOnly, &o.Status,
		&o.Version, &o.Pnl, &o.FailureKind, &o.FailureMsg, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if credentialID.Valid {
		id := credentialID.Int64
		o.CredentialID = &id
	}
	return &o, nil
}

// CreateOrder inserts a REQUESTED order. created is false when an order with
// the same (user_id, order_link_id) already exists; o is then left untouched.
func (db *DB) CreateOrder(ctx context.Context, o *models.Order) (created bool, err error) {
	query := `
		INSERT INTO orders (
			user_id, signal_id, credential_id, credential_variant, order_link_id,
			exchange_order_id, symbol, side, quantity, price, order_type, reduce_only,
			status, version, pnl, failure_kind, failure_message, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, '', $6, $7, $8, $9, $10, $11, $12, 1, 0, '', '', $13, $13)
		ON CONFLICT (user_id, order_link_id) DO NOTHING
		RETURNING id
	`
	var credentialID sql.NullInt64
	if o.CredentialID != nil {
		credentialID = sql.NullInt64{Int64: *o.CredentialID, Valid: true}
	}
	if o.Status == "" {
		o.Status = models.OrderRequested
	}
	now := time.Now().UTC()

	err = db.conn.QueryRowContext(ctx, query,
		o.UserID, o.SignalID, credentialID, o.CredentialKind, o.OrderLinkID,
		o.Symbol, o.Side, o.Quantity, o.Price, o.OrderType, o.ReduceOnly,
		o.Status, now,
	).Scan(&o.ID)
	if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create order: %w", err)
	}
	o.Version = 1
	o.Pnl = decimal.Zero
	o.CreatedAt = now
	o.UpdatedAt = now
	return true, nil
}

// GetOrderByLinkID retrieves an order by its idempotency key
func (db *DB) GetOrderByLinkID(ctx context.Context, userID int64, linkID string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 AND order_link_id = $2`
	o, err := scanOrder(db.conn.QueryRowContext(ctx, query, userID, linkID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", linkID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// OrderUpdate carries the optional fields written with a transition.
type OrderUpdate struct {
	ExchangeOrderID string
	Price           *decimal.Decimal
	Pnl             *decimal.Decimal
	FailureKind     string
	FailureMsg      string
}

// TransitionOrder moves o to status if o.Version is still current. On
// success o reflects the stored row; on a version mismatch ErrStaleVersion
// is returned and nothing is written.
func (db *DB) TransitionOrder(ctx context.Context, o *models.Order, status models.OrderStatus, upd OrderUpdate) error {
	query := `
		UPDATE orders SET
			status = $3,
			version = version + 1,
			exchange_order_id = COALESCE(NULLIF($4, ''), exchange_order_id),
			price = COALESCE($5, price),
			pnl = COALESCE($6, pnl),
			failure_kind = $7,
			failure_message = $8,
			updated_at = $9
		WHERE id = $1 AND version = $2
		RETURNING ` + orderColumns
	var price, pnl decimal.NullDecimal
	if upd.Price != nil {
		price = decimal.NewNullDecimal(*upd.Price)
	}
	if upd.Pnl != nil {
		pnl = decimal.NewNullDecimal(*upd.Pnl)
	}

	updated, err := scanOrder(db.conn.QueryRowContext(ctx, query,
		o.ID, o.Version, status, upd.ExchangeOrderID, price, pnl,
		upd.FailureKind, upd.FailureMsg, time.Now().UTC(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("order %d version %d: %w", o.ID, o.Version, ErrStaleVersion)
	}
	if err != nil {
		return fmt.Errorf("failed to transition order: %w", err)
	}
	*o = *updated
	return nil
}

// ListOpenOrders returns non-reduce-only orders holding a position for the
// user on symbol/side.
func (db *DB) ListOpenOrders(ctx context.Context, userID int64, symbol string, side models.Side) ([]*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1 AND symbol = $2 AND side = $3 AND reduce_only = false
		  AND status IN ('FILLED', 'PARTIALLY_FILLED')
		ORDER BY created_at ASC
	`
	return db.queryOrders(ctx, query, userID, symbol, side)
}

// ListRestingOrders returns entry orders on symbol/side that were accepted
// but have not filled yet.
func (db *DB) ListRestingOrders(ctx context.Context, userID int64, symbol string, side models.Side) ([]*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1 AND symbol = $2 AND side = $3 AND reduce_only = false
		  AND status = 'SUBMITTED'
		ORDER BY created_at ASC
	`
	return db.queryOrders(ctx, query, userID, symbol, side)
}

// ListSignalOrders returns every order recorded for signalID.
func (db *DB) ListSignalOrders(ctx context.Context, signalID string) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE signal_id = $1 ORDER BY created_at ASC`
	return db.queryOrders(ctx, query, signalID)
}

// ListStaleRequestedOrders returns orders still REQUESTED since before whose
// signal has already settled. Nothing will drive them again.
func (db *DB) ListStaleRequestedOrders(ctx context.Context, before time.Time, limit int) ([]*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = 'REQUESTED' AND updated_at < $1
		  AND signal_id IN (
			SELECT id FROM signals WHERE status IN ('PROCESSED', 'FAILED_GATED', 'FAILED')
		  )
		ORDER BY created_at ASC
		LIMIT $2
	`
	return db.queryOrders(ctx, query, before, limit)
}

// ListOrders returns the most recent orders, optionally for one user.
func (db *DB) ListOrders(ctx context.Context, userID int64, limit int) ([]*models.Order, error) {
	if userID > 0 {
		query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
		return db.queryOrders(ctx, query, userID, limit)
	}
	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC LIMIT $1`
	return db.queryOrders(ctx, query, limit)
}

func (db *DB) queryOrders(ctx context.Context, query string, args ...any) ([]*models.Order, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
