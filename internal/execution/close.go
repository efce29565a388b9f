package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/trogers1052/signal-executor/internal/database"
	"github.com/trogers1052/signal-executor/internal/exchange"
	"github.com/trogers1052/signal-executor/internal/models"
	"github.com/trogers1052/signal-executor/internal/retry"
)

// Close flattens the user's position on the signal's symbol and side. The
// size is read from the exchange at close time. On the shared credential the
// account position is pooled, so only the quantity this user opened through
// it is closed. Nothing to close returns (nil, nil).
func (e *Engine) Close(ctx context.Context, req Request) (*models.Order, error) {
	s, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	held := req.Instruction.Side
	e.cancelResting(ctx, s, req, held)

	pos, err := e.position(ctx, s, req.Signal.Symbol, held)
	if err != nil {
		cls := retry.Classify(err)
		e.invalidateIfFatal(ctx, s, cls, req.Signal.ID, req.UserID)
		return nil, retry.ToFailure(err)
	}
	if pos != nil && s.res.Branch == models.CredentialShared {
		pos, err = e.attributed(ctx, req, *pos)
		if err != nil {
			return nil, err
		}
	}
	if pos == nil {
		return e.closeWithoutPosition(ctx, s, req, held)
	}

	o, existing, err := e.claimOrder(ctx, e.newOrder(req, s, held.Opposite(), pos.Size, true))
	if err != nil {
		return nil, fmt.Errorf("failed to record close order: %w", err)
	}
	if existing {
		if o.Status != models.OrderRequested {
			e.suppressDuplicate(ctx, o)
			return o, nil
		}
		handled, err := e.resume(ctx, s, o)
		if err != nil {
			return o, e.failClose(ctx, s, o, *pos, err)
		}
		if handled {
			e.closeOpenOrders(ctx, o, *pos)
			return o, nil
		}
	}

	exchangeOrderID, err := e.submit(ctx, s, o)
	if err != nil {
		if retry.Classify(err).Code == exchange.CodeReduceOnlyNoPos {
			// position went away between the read and the submit
			tErr := e.transition(ctx, o, models.OrderCancelled, database.OrderUpdate{FailureMsg: "no position to reduce"})
			return o, tErr
		}
		return o, e.failClose(ctx, s, o, *pos, err)
	}
	if err := e.submitted(ctx, s, o, exchangeOrderID); err != nil {
		return o, err
	}
	e.closeOpenOrders(ctx, o, *pos)
	return o, nil
}

// failClose records a failed close. A close adopted while settling still
// closes the opens it flattened.
func (e *Engine) failClose(ctx context.Context, s session, o *models.Order, pos models.Position, err error) error {
	if err := e.fail(ctx, s, o, err); err != nil {
		return err
	}
	e.closeOpenOrders(ctx, o, pos)
	return nil
}

// closeWithoutPosition handles a flat position. A close order left
// REQUESTED by an earlier attempt is adopted when the exchange has it and
// cancelled when it does not.
func (e *Engine) closeWithoutPosition(ctx context.Context, s session, req Request, held models.Side) (*models.Order, error) {
	o, err := e.store.GetOrderByLinkID(ctx, req.UserID, IdempotencyKey(req.UserID, req.Signal.ID))
	if errors.Is(err, database.ErrNotFound) {
		e.logger.Info("no position to close",
			zap.String("signal_id", req.Signal.ID),
			zap.Int64("user_id", req.UserID),
			zap.String("symbol", req.Signal.Symbol),
			zap.String("side", string(held)))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load close order: %w", err)
	}
	if o.Status != models.OrderRequested {
		e.suppressDuplicate(ctx, o)
		return o, nil
	}

	// exit pnl is unknown once the position is gone
	flat := models.Position{Symbol: o.Symbol, Side: held, Size: o.Quantity}
	handled, err := e.resume(ctx, s, o)
	if err != nil {
		return o, e.failClose(ctx, s, o, flat, err)
	}
	if handled {
		e.closeOpenOrders(ctx, o, flat)
		return o, nil
	}
	return o, e.transition(ctx, o, models.OrderCancelled, database.OrderUpdate{FailureMsg: "no position to reduce"})
}

// attributed narrows a pooled shared-account position to the quantity the
// user opened through the shared credential. It returns nil when the user
// holds none of it.
func (e *Engine) attributed(ctx context.Context, req Request, pos models.Position) (*models.Position, error) {
	opens, err := e.store.ListOpenOrders(ctx, req.UserID, req.Signal.Symbol, pos.Side)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	share := decimal.Zero
	for _, o := range opens {
		if o.CredentialKind == string(models.CredentialShared) {
			share = share.Add(o.Quantity)
		}
	}
	if !share.IsPositive() {
		return nil, nil
	}
	share = decimal.Min(share, pos.Size)

	out := pos
	out.UnrealisedPnl = pos.UnrealisedPnl.Mul(share).Div(pos.Size).Round(8)
	out.Size = share
	return &out, nil
}

// cancelResting pulls unfilled entries on the closing side so they cannot
// open a position after the close. Failures are logged; the entry's exchange
// state is then reconciled instead.
func (e *Engine) cancelResting(ctx context.Context, s session, req Request, held models.Side) {
	resting, err := e.store.ListRestingOrders(ctx, req.UserID, req.Signal.Symbol, held)
	if err != nil {
		e.logger.Warn("failed to list resting orders", zap.Int64("user_id", req.UserID), zap.Error(err))
		return
	}
	for _, o := range resting {
		err := e.call(ctx, s, func(ctx context.Context) error {
			_, err := e.client.CancelOrder(ctx, s.keys, exchange.CancelRequest{
				Category:    e.category,
				Symbol:      o.Symbol,
				OrderLinkID: o.OrderLinkID,
			})
			return err
		})
		if err != nil {
			e.logger.Warn("failed to cancel resting order",
				zap.Int64("order_id", o.ID), zap.String("order_link_id", o.OrderLinkID), zap.Error(err))
			e.reconcile(ctx, s, o)
			continue
		}
		upd := database.OrderUpdate{FailureMsg: "cancelled by close signal " + req.Signal.ID}
		if err := e.transition(ctx, o, models.OrderCancelled, upd); err != nil {
			e.logger.Warn("failed to record cancelled order", zap.Int64("order_id", o.ID), zap.Error(err))
		}
	}
}

// position returns the held position for symbol/side, or nil when flat.
func (e *Engine) position(ctx context.Context, s session, symbol string, side models.Side) (*models.Position, error) {
	var positions []models.Position
	err := e.callRead(ctx, s, func(ctx context.Context) error {
		var err error
		positions, err = e.client.GetPositions(ctx, s.keys, e.category, symbol)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Side == side && positions[i].Size.IsPositive() {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// closeOpenOrders moves the user's filled opens on the closed side to CLOSED,
// splitting the position's unrealised pnl by quantity. Only opens placed
// through the same credential as the close are in the flattened account.
func (e *Engine) closeOpenOrders(ctx context.Context, closing *models.Order, pos models.Position) {
	listed, err := e.store.ListOpenOrders(ctx, closing.UserID, closing.Symbol, pos.Side)
	if err != nil {
		e.logger.Warn("failed to list open orders for close", zap.Int64("user_id", closing.UserID), zap.Error(err))
		return
	}
	var opens []*models.Order
	for _, o := range listed {
		if o.CredentialKind == closing.CredentialKind {
			opens = append(opens, o)
		}
	}

	total := decimal.Zero
	for _, o := range opens {
		total = total.Add(o.Quantity)
	}
	for _, o := range opens {
		pnl := decimal.Zero
		if total.IsPositive() {
			pnl = pos.UnrealisedPnl.Mul(o.Quantity).Div(total).Round(8)
		}
		if err := e.transition(ctx, o, models.OrderClosed, database.OrderUpdate{Pnl: &pnl}); err != nil {
			e.logger.Warn("failed to close order", zap.Int64("order_id", o.ID), zap.Error(err))
			continue
		}
		e.events.Publish(ctx, models.ExecutionEvent{
			EventType: models.EventOrderClosed,
			SignalID:  closing.SignalID,
			UserID:    o.UserID,
			OrderID:   o.ID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Message:   "pnl " + pnl.String(),
		})
	}
}
