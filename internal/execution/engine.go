// Package execution places and tracks exchange orders for parsed signals.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/trogers1052/signal-executor/internal/config"
	"github.com/trogers1052/signal-executor/internal/credentials"
	"github.com/trogers1052/signal-executor/internal/database"
	"github.com/trogers1052/signal-executor/internal/exchange"
	"github.com/trogers1052/signal-executor/internal/failure"
	"github.com/trogers1052/signal-executor/internal/logging"
	"github.com/trogers1052/signal-executor/internal/metrics"
	"github.com/trogers1052/signal-executor/internal/models"
	"github.com/trogers1052/signal-executor/internal/retry"
	"github.com/trogers1052/signal-executor/internal/signal"
)

// OrderStore persists orders and credential validity
type OrderStore interface {
	CreateOrder(ctx context.Context, o *models.Order) (bool, error)
	GetOrderByLinkID(ctx context.Context, userID int64, linkID string) (*models.Order, error)
	TransitionOrder(ctx context.Context, o *models.Order, status models.OrderStatus, upd database.OrderUpdate) error
	ListOpenOrders(ctx context.Context, userID int64, symbol string, side models.Side) ([]*models.Order, error)
	ListRestingOrders(ctx context.Context, userID int64, symbol string, side models.Side) ([]*models.Order, error)
	MarkCredentialInvalid(ctx context.Context, id int64) error
}

// Exchange is the subset of the exchange client the engine drives
type Exchange interface {
	PlaceOrder(ctx context.Context, keys exchange.Keys, req exchange.OrderRequest) (exchange.OrderAck, error)
	CancelOrder(ctx context.Context, keys exchange.Keys, req exchange.CancelRequest) (exchange.OrderAck, error)
	GetOrder(ctx context.Context, keys exchange.Keys, category, symbol, orderLinkID string) (*exchange.OrderInfo, error)
	GetPositions(ctx context.Context, keys exchange.Keys, category, symbol string) ([]models.Position, error)
	GetWalletBalance(ctx context.Context, keys exchange.Keys, coin string) (exchange.WalletBalance, error)
}

// Resolver picks the credential for a user
type Resolver interface {
	Resolve(ctx context.Context, userID int64, exchange string) (credentials.Resolution, error)
}

// Publisher emits operator-visible events
type Publisher interface {
	Publish(ctx context.Context, ev models.ExecutionEvent)
}

// Request is one user's share of a signal.
type Request struct {
	Signal      *models.Signal
	UserID      int64
	Instruction signal.Instruction
	Quantity    decimal.Decimal
	// Final is set on the last attempt the worker will make. A transient
	// failure then settles the order instead of leaving it REQUESTED.
	Final bool
}

const settleTimeout = 10 * time.Second

// Engine runs the order state machine.
type Engine struct {
	store     OrderStore
	client    Exchange
	resolver  Resolver
	locker    Locker
	events    Publisher
	exchange  string
	category  string
	coin      string
	callRetry retry.Policy
	logger    *zap.Logger
}

// NewEngine creates an execution engine
func NewEngine(store OrderStore, client Exchange, resolver Resolver, locker Locker, events Publisher,
	cfg *config.Config, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		client:   client,
		resolver: resolver,
		locker:   locker,
		events:   events,
		exchange: cfg.Exchange.Name,
		category: cfg.Orders.Category,
		coin:     cfg.Orders.SettleCoin,
		callRetry: retry.Policy{
			MaxAttempts: 3,
			Base:        cfg.Worker.BaseBackoff,
			Max:         4 * time.Second,
			Jitter:      0.2,
		},
		logger: logging.OrNop(logger).Named("execution"),
	}
}

// Execute dispatches req to Open or Close. A nil order with a nil error is
// a no-op close.
func (e *Engine) Execute(ctx context.Context, req Request) (*models.Order, error) {
	if req.Instruction.Intent == signal.IntentClose {
		return e.Close(ctx, req)
	}
	return e.Open(ctx, req)
}

// session is one resolved credential for the duration of a request.
type session struct {
	res   credentials.Resolution
	keys  exchange.Keys
	final bool
}

func (e *Engine) resolve(ctx context.Context, req Request) (session, error) {
	res, err := e.resolver.Resolve(ctx, req.UserID, e.exchange)
	if err != nil && failure.KindOf(err) == failure.KindNone {
		return session{}, err
	}
	if err != nil {
		e.events.Publish(ctx, models.ExecutionEvent{
			EventType:   models.EventSignalFailed,
			SignalID:    req.Signal.ID,
			UserID:      req.UserID,
			Symbol:      req.Signal.Symbol,
			FailureKind: string(failure.KindOf(err)),
			Message:     err.Error(),
		})
		return session{}, err
	}

	metrics.CredentialResolutions.WithLabelValues(string(res.Branch)).Inc()
	if res.Branch == models.CredentialShared {
		e.logger.Info("using shared credential",
			zap.String("signal_id", req.Signal.ID),
			zap.Int64("user_id", req.UserID),
			zap.Int("skipped_individual", res.Skipped))
		e.events.Publish(ctx, models.ExecutionEvent{
			EventType: models.EventSharedCredential,
			SignalID:  req.Signal.ID,
			UserID:    req.UserID,
			Symbol:    req.Signal.Symbol,
		})
	}
	return session{
		res:   res,
		keys:  exchange.Keys{APIKey: res.Credential.APIKey, APISecret: res.Credential.APISecret},
		final: req.Final,
	}, nil
}

// call runs one exchange request while holding the credential lease.
func (e *Engine) call(ctx context.Context, s session, fn func(ctx context.Context) error) error {
	unlock, err := e.locker.Lock(ctx, s.res.Credential.LeaseKey())
	if err != nil {
		return failure.Wrap(failure.KindTimeout, "credential lease", err)
	}
	defer unlock()
	return fn(ctx)
}

// callRead retries a read-only call on transient failures.
func (e *Engine) callRead(ctx context.Context, s session, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, e.callRetry, func(ctx context.Context) error {
		return e.call(ctx, s, fn)
	}, nil)
}

// claimOrder returns the order for o's link id, creating it when absent.
// existing is true when the order was already there.
func (e *Engine) claimOrder(ctx context.Context, o *models.Order) (order *models.Order, existing bool, err error) {
	found, err := e.store.GetOrderByLinkID(ctx, o.UserID, o.OrderLinkID)
	if err == nil {
		return found, true, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, false, err
	}

	created, err := e.store.CreateOrder(ctx, o)
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.OrdersTotal.WithLabelValues(o.Symbol, string(o.Side), string(o.Status)).Inc()
		return o, false, nil
	}
	// lost an insert race with another worker
	found, err = e.store.GetOrderByLinkID(ctx, o.UserID, o.OrderLinkID)
	if err != nil {
		return nil, false, err
	}
	return found, true, nil
}

func (e *Engine) suppressDuplicate(ctx context.Context, o *models.Order) {
	e.logger.Info("duplicate order suppressed",
		zap.String("signal_id", o.SignalID),
		zap.Int64("user_id", o.UserID),
		zap.String("order_link_id", o.OrderLinkID),
		zap.String("status", string(o.Status)))
	e.events.Publish(ctx, models.ExecutionEvent{
		EventType:   models.EventDuplicateSuppressed,
		SignalID:    o.SignalID,
		UserID:      o.UserID,
		OrderID:     o.ID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		FailureKind: string(failure.KindDuplicateSuppressed),
	})
}

// transition applies a versioned state change. A stale version reloads o so
// the caller sees the winning write.
func (e *Engine) transition(ctx context.Context, o *models.Order, to models.OrderStatus, upd database.OrderUpdate) error {
	if !models.CanTransition(o.Status, to) {
		return fmt.Errorf("illegal order transition %s -> %s", o.Status, to)
	}
	err := e.store.TransitionOrder(ctx, o, to, upd)
	if errors.Is(err, database.ErrStaleVersion) {
		if fresh, getErr := e.store.GetOrderByLinkID(ctx, o.UserID, o.OrderLinkID); getErr == nil {
			*o = *fresh
		}
		e.logger.Warn("order changed concurrently, transition dropped",
			zap.Int64("order_id", o.ID),
			zap.String("wanted", string(to)),
			zap.String("current", string(o.Status)))
		return err
	}
	if err != nil {
		return err
	}
	metrics.OrdersTotal.WithLabelValues(o.Symbol, string(o.Side), string(to)).Inc()
	return nil
}

// submit places o, or adopts it when the exchange already has it. An
// unknown outcome is resolved by looking the order up before any resubmit.
func (e *Engine) submit(ctx context.Context, s session, o *models.Order) (string, error) {
	req := exchange.OrderRequest{
		Category:    e.category,
		Symbol:      o.Symbol,
		Side:        string(o.Side),
		OrderType:   string(o.OrderType),
		Qty:         o.Quantity.String(),
		OrderLinkID: o.OrderLinkID,
		ReduceOnly:  o.ReduceOnly,
	}
	if o.OrderType == models.OrderTypeLimit {
		req.Price = o.Price.String()
		req.TimeInForce = "GTC"
	}

	var exchangeOrderID string
	err := retry.Do(ctx, e.callRetry, func(ctx context.Context) error {
		var ack exchange.OrderAck
		err := e.call(ctx, s, func(ctx context.Context) error {
			var err error
			ack, err = e.client.PlaceOrder(ctx, s.keys, req)
			return err
		})
		if err == nil {
			exchangeOrderID = ack.OrderID
			return nil
		}

		cls := retry.Classify(err)
		metrics.ExchangeErrors.WithLabelValues(cls.Class.String()).Inc()
		if !cls.UnknownOutcome && cls.Code != exchange.CodeDuplicateLinkID {
			return err
		}

		info, lookupErr := e.lookup(ctx, s, o)
		if lookupErr != nil {
			e.logger.Warn("order outcome still unknown",
				zap.String("order_link_id", o.OrderLinkID), zap.Error(lookupErr))
			// never resubmit without knowing whether the first request landed
			return retry.Stop(failure.Wrap(failure.KindTimeout, "order outcome unknown", err))
		}
		if info == nil {
			// confirmed absent for an unknown outcome; resubmitting with the same link id is safe
			return err
		}
		exchangeOrderID = info.OrderID
		return nil
	}, func(err error, wait time.Duration) {
		e.logger.Warn("retrying order submit",
			zap.String("order_link_id", o.OrderLinkID),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	return exchangeOrderID, err
}

func (e *Engine) lookup(ctx context.Context, s session, o *models.Order) (*exchange.OrderInfo, error) {
	var info *exchange.OrderInfo
	err := e.callRead(ctx, s, func(ctx context.Context) error {
		var err error
		info, err = e.client.GetOrder(ctx, s.keys, e.category, o.Symbol, o.OrderLinkID)
		return err
	})
	return info, err
}

// reconcile applies the exchange's view of o. Failures are logged only; the
// order keeps its last known state.
func (e *Engine) reconcile(ctx context.Context, s session, o *models.Order) {
	info, err := e.lookup(ctx, s, o)
	if err != nil {
		e.logger.Warn("order reconcile failed", zap.String("order_link_id", o.OrderLinkID), zap.Error(err))
		return
	}
	if info == nil {
		return
	}
	if err := e.applyExchangeStatus(ctx, o, info); err != nil && !errors.Is(err, database.ErrStaleVersion) {
		e.logger.Warn("failed to apply exchange status", zap.String("order_link_id", o.OrderLinkID), zap.Error(err))
	}
}

func (e *Engine) applyExchangeStatus(ctx context.Context, o *models.Order, info *exchange.OrderInfo) error {
	status, ok := exchange.MapOrderStatus(info.OrderStatus)
	if !ok {
		return nil
	}
	upd := database.OrderUpdate{ExchangeOrderID: info.OrderID}
	if avg, err := decimal.NewFromString(info.AvgPrice); err == nil && avg.IsPositive() {
		upd.Price = &avg
	}
	if status == models.OrderRejected {
		upd.FailureKind = string(failure.KindExchangeRejected)
		upd.FailureMsg = info.RejectReason
	}

	if o.Status == models.OrderRequested && status != models.OrderRejected && status != models.OrderCancelled {
		if err := e.transition(ctx, o, models.OrderSubmitted, upd); err != nil {
			return err
		}
	}
	if status == o.Status && status != models.OrderPartiallyFilled {
		return nil
	}
	if !models.CanTransition(o.Status, status) {
		return nil
	}
	return e.transition(ctx, o, status, upd)
}

// fail records a terminal exchange failure on o and returns the failure the
// caller surfaces.
func (e *Engine) fail(ctx context.Context, s session, o *models.Order, err error) error {
	cls := retry.Classify(err)
	fe := retry.ToFailure(err)
	canceled := errors.Is(err, context.Canceled)
	if cls.Class == retry.ClassTransient || canceled {
		if s.final && e.settle(ctx, s, o, fe) == nil && o.Status != models.OrderRejected {
			return nil
		}
		// otherwise o stays REQUESTED so the next attempt reconciles before resubmitting
		if canceled && o.Status == models.OrderRequested {
			return err
		}
		return fe
	}

	upd := database.OrderUpdate{FailureKind: string(fe.Kind), FailureMsg: fe.Error()}
	event := models.ExecutionEvent{
		SignalID:    o.SignalID,
		UserID:      o.UserID,
		OrderID:     o.ID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		FailureKind: string(fe.Kind),
		Code:        fe.Code,
		Message:     fe.Error(),
	}

	to := models.OrderRejected
	event.EventType = models.EventOrderRejected
	if cls.Class == retry.ClassPolicy {
		to = models.OrderFailedPolicy
		event.EventType = models.EventOrderPolicyBlocked
		e.logger.Error("exchange blocked request by policy; check the credential's IP whitelist",
			zap.Int64("order_id", o.ID),
			zap.String("credential", s.res.Credential.LeaseKey()),
			zap.Int("code", cls.Code),
			zap.String("msg", cls.Msg))
	}
	if tErr := e.transition(ctx, o, to, upd); tErr != nil {
		e.logger.Error("failed to record order failure", zap.Int64("order_id", o.ID), zap.Error(tErr))
	}
	e.events.Publish(ctx, event)

	e.invalidateIfFatal(ctx, s, cls, o.SignalID, o.UserID)
	return fe
}

// settle gives a REQUESTED order its final state once nothing will retry
// it. The exchange's copy is adopted when there is one and a confirmed
// absence rejects the order. An error means the lookup failed and o is
// still REQUESTED.
func (e *Engine) settle(ctx context.Context, s session, o *models.Order, cause *failure.Error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	info, err := e.lookup(ctx, s, o)
	if err != nil {
		e.logger.Warn("order outcome unknown; left for the order sweep",
			zap.Int64("order_id", o.ID), zap.String("order_link_id", o.OrderLinkID), zap.Error(err))
		return err
	}
	if info != nil {
		e.logger.Info("adopting order found on exchange", zap.String("order_link_id", o.OrderLinkID))
		return e.submitted(ctx, s, o, info.OrderID)
	}

	kind := cause.Kind
	if kind != failure.KindExchangeTransient {
		kind = failure.KindTimeout
	}
	upd := database.OrderUpdate{FailureKind: string(kind), FailureMsg: "not on exchange after retries: " + cause.Error()}
	if err := e.transition(ctx, o, models.OrderRejected, upd); err != nil {
		return err
	}
	e.events.Publish(ctx, models.ExecutionEvent{
		EventType:   models.EventOrderRejected,
		SignalID:    o.SignalID,
		UserID:      o.UserID,
		OrderID:     o.ID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		FailureKind: string(kind),
		Code:        cause.Code,
		Message:     upd.FailureMsg,
	})
	return nil
}

// SettleRequested settles an order left REQUESTED after its signal was
// recorded. It is a no-op for orders that already moved on.
func (e *Engine) SettleRequested(ctx context.Context, o *models.Order) error {
	if o.Status != models.OrderRequested {
		return nil
	}
	res, err := e.resolver.Resolve(ctx, o.UserID, e.exchange)
	if err != nil {
		return fmt.Errorf("failed to resolve credential for order %d: %w", o.ID, err)
	}
	if string(res.Branch) != o.CredentialKind {
		// the account the order was sent to is no longer reachable for this user
		return fmt.Errorf("order %d was placed with the %s credential, user %d now resolves to %s",
			o.ID, o.CredentialKind, o.UserID, res.Branch)
	}
	s := session{
		res:   res,
		keys:  exchange.Keys{APIKey: res.Credential.APIKey, APISecret: res.Credential.APISecret},
		final: true,
	}
	return e.settle(ctx, s, o, failure.New(failure.KindTimeout, "abandoned after its signal settled"))
}

// invalidateIfFatal marks an individual credential invalid after an
// authentication failure. Shared credentials and policy blocks are left alone.
func (e *Engine) invalidateIfFatal(ctx context.Context, s session, cls retry.Classification, signalID string, userID int64) {
	if !cls.InvalidatesCredential || s.res.Branch != models.CredentialIndividual {
		return
	}
	id := s.res.Credential.ID
	if err := e.store.MarkCredentialInvalid(ctx, id); err != nil {
		e.logger.Error("failed to invalidate credential", zap.Int64("credential_id", id), zap.Error(err))
		return
	}
	e.logger.Warn("credential marked invalid",
		zap.Int64("credential_id", id),
		zap.Int64("user_id", userID),
		zap.Int("code", cls.Code),
		zap.String("msg", cls.Msg))
	e.events.Publish(ctx, models.ExecutionEvent{
		EventType: models.EventCredentialInvalid,
		SignalID:  signalID,
		UserID:    userID,
		Code:      cls.Code,
		Message:   cls.Msg,
	})
}

func (e *Engine) submitted(ctx context.Context, s session, o *models.Order, exchangeOrderID string) error {
	if o.Status == models.OrderRequested {
		err := e.transition(ctx, o, models.OrderSubmitted, database.OrderUpdate{ExchangeOrderID: exchangeOrderID})
		if err != nil && !errors.Is(err, database.ErrStaleVersion) {
			return err
		}
	}
	e.logger.Info("order submitted",
		zap.String("signal_id", o.SignalID),
		zap.Int64("user_id", o.UserID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.String("qty", o.Quantity.String()),
		zap.Bool("reduce_only", o.ReduceOnly),
		zap.String("credential", string(s.res.Branch)))
	e.events.Publish(ctx, models.ExecutionEvent{
		EventType: models.EventOrderSubmitted,
		SignalID:  o.SignalID,
		UserID:    o.UserID,
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
	})
	e.reconcile(ctx, s, o)
	return nil
}

// resume finishes an order left REQUESTED by an earlier attempt. It reports
// handled when the exchange already has the order.
func (e *Engine) resume(ctx context.Context, s session, o *models.Order) (handled bool, err error) {
	info, err := e.lookup(ctx, s, o)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	e.logger.Info("adopting order found on exchange", zap.String("order_link_id", o.OrderLinkID))
	return true, e.submitted(ctx, s, o, info.OrderID)
}

func (e *Engine) newOrder(req Request, s session, side models.Side, qty decimal.Decimal, reduceOnly bool) *models.Order {
	o := &models.Order{
		UserID:         req.UserID,
		SignalID:       req.Signal.ID,
		CredentialKind: string(s.res.Branch),
		OrderLinkID:    IdempotencyKey(req.UserID, req.Signal.ID),
		Symbol:         req.Signal.Symbol,
		Side:           side,
		Quantity:       qty,
		OrderType:      models.OrderTypeMarket,
		ReduceOnly:     reduceOnly,
		Status:         models.OrderRequested,
	}
	if s.res.Branch == models.CredentialIndividual {
		id := s.res.Credential.ID
		o.CredentialID = &id
	}
	return o
}
