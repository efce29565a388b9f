package execution

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/trogers1052/signal-executor/internal/exchange"
	"github.com/trogers1052/signal-executor/internal/failure"
	"github.com/trogers1052/signal-executor/internal/models"
)

// Open places a new position order for req. An order already recorded for
// the same user and signal is returned unchanged and never resubmitted.
func (e *Engine) Open(ctx context.Context, req Request) (*models.Order, error) {
	if !req.Quantity.IsPositive() {
		return nil, failure.New(failure.KindInvalidSignal, fmt.Sprintf("quantity %s must be positive", req.Quantity))
	}
	s, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	o, existing, err := e.claimOrder(ctx, e.newOrder(req, s, req.Instruction.OrderSide(), req.Quantity, false))
	if err != nil {
		return nil, fmt.Errorf("failed to record order: %w", err)
	}

	if existing {
		if o.Status != models.OrderRequested {
			e.suppressDuplicate(ctx, o)
			return o, nil
		}
		handled, err := e.resume(ctx, s, o)
		if err != nil {
			return o, e.fail(ctx, s, o, err)
		}
		if handled {
			return o, nil
		}
	}

	if err := e.checkBalance(ctx, s); err != nil {
		return o, e.fail(ctx, s, o, err)
	}

	exchangeOrderID, err := e.submit(ctx, s, o)
	if err != nil {
		return o, e.fail(ctx, s, o, err)
	}
	return o, e.submitted(ctx, s, o, exchangeOrderID)
}

// checkBalance refuses to open when the account has no available margin.
func (e *Engine) checkBalance(ctx context.Context, s session) error {
	var wb exchange.WalletBalance
	err := e.callRead(ctx, s, func(ctx context.Context) error {
		var err error
		wb, err = e.client.GetWalletBalance(ctx, s.keys, e.coin)
		return err
	})
	if err != nil {
		return err
	}
	if !wb.AvailableBalance.IsPositive() {
		e.logger.Info("no available balance", zap.String("coin", e.coin), zap.String("credential", s.res.Credential.LeaseKey()))
		return failure.Exchange(failure.KindExchangeRejected, exchange.CodeInsufficientMargin,
			fmt.Sprintf("available %s balance is %s", e.coin, wb.AvailableBalance))
	}
	return nil
}
