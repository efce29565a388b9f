// Package worker turns queued signal receipts into executions.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trogers1052/signal-executor/internal/config"
	"github.com/trogers1052/signal-executor/internal/database"
	"github.com/trogers1052/signal-executor/internal/exchange"
	"github.com/trogers1052/signal-executor/internal/execution"
	"github.com/trogers1052/signal-executor/internal/failure"
	"github.com/trogers1052/signal-executor/internal/gate"
	"github.com/trogers1052/signal-executor/internal/logging"
	"github.com/trogers1052/signal-executor/internal/metrics"
	"github.com/trogers1052/signal-executor/internal/models"
	"github.com/trogers1052/signal-executor/internal/retry"
	"github.com/trogers1052/signal-executor/internal/signal"
)

// SignalStore is the signal and user persistence the processor needs
type SignalStore interface {
	ClaimSignal(ctx context.Context, id string) (*models.Signal, error)
	UpdateSignalStatus(ctx context.Context, id string, status models.SignalStatus, kind, msg string) error
	DeferSignal(ctx context.Context, id, msg string) error
	HasEarlierUnsettledSignal(ctx context.Context, s *models.Signal) (bool, error)
	ListSignalOrders(ctx context.Context, signalID string) ([]*models.Order, error)
	ListActiveUsers(ctx context.Context) ([]models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

// Gate checks an opening side against the current market decision
type Gate interface {
	Check(ctx context.Context, side models.Side) (gate.Verdict, error)
}

// Executor places orders for one user
type Executor interface {
	Execute(ctx context.Context, req execution.Request) (*models.Order, error)
}

// Publisher emits operator-visible events
type Publisher interface {
	Publish(ctx context.Context, ev models.ExecutionEvent)
}

// Processor runs one signal through staleness, parsing, gating and
// execution, and records exactly one outcome per attempt.
type Processor struct {
	store           SignalStore
	gate            Gate
	executor        Executor
	events          Publisher
	timeout         time.Duration
	maxAge          time.Duration
	maxAttempts     int
	baseBackoff     time.Duration
	defaultQuantity decimal.Decimal
	fanout          int
	now             func() time.Time
	logger          *zap.Logger
}

// NewProcessor creates a processor
func NewProcessor(store SignalStore, g Gate, executor Executor, events Publisher, cfg *config.Config, logger *zap.Logger) *Processor {
	return &Processor{
		store:           store,
		gate:            g,
		executor:        executor,
		events:          events,
		timeout:         cfg.Worker.ProcessingTimeout,
		maxAge:          cfg.Worker.MaxSignalAge,
		maxAttempts:     cfg.Worker.MaxAttempts,
		baseBackoff:     cfg.Worker.BaseBackoff,
		defaultQuantity: cfg.Orders.DefaultQuantity,
		fanout:          4,
		now:             time.Now,
		logger:          logging.OrNop(logger).Named("processor"),
	}
}

const maxRetryWait = 30 * time.Second

// outcome is the recorded result of one attempt.
type outcome struct {
	status models.SignalStatus
	kind   failure.Kind
	msg    string
	// orders is set when at least one order row exists for the signal.
	orders bool
	// deferred hands the signal back unattempted while an earlier signal
	// for its symbol is unsettled.
	deferred bool
}

// Process handles signalID until it reaches a terminal status, retrying
// transient failures in place so later signals for the same symbol wait.
func (p *Processor) Process(ctx context.Context, signalID string) {
	for attempt := 1; ; attempt++ {
		out, claimed := p.attempt(ctx, signalID)
		if !claimed || out.deferred || out.status != models.SignalFailedRetryable {
			return
		}
		wait := backoffFor(p.baseBackoff, attempt)
		p.logger.Info("signal will be retried",
			zap.String("signal_id", signalID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.String("failure_kind", string(out.kind)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (p *Processor) attempt(ctx context.Context, signalID string) (outcome, bool) {
	s, err := p.store.ClaimSignal(ctx, signalID)
	if errors.Is(err, database.ErrNotClaimable) {
		p.logger.Debug("signal not claimable", zap.String("signal_id", signalID))
		return outcome{}, false
	}
	if err != nil {
		p.logger.Error("failed to claim signal", zap.String("signal_id", signalID), zap.Error(err))
		return outcome{}, false
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	out := p.run(runCtx, s)
	cancel()
	metrics.ProcessingSeconds.Observe(time.Since(start).Seconds())

	if out.deferred {
		p.deferSignal(ctx, s, out.msg)
		return out, true
	}
	if out.status == models.SignalFailedRetryable && s.Attempts >= p.maxAttempts {
		out = exhausted(out, s.Attempts)
	}
	p.record(ctx, s, withOrders(out))
	return out, true
}

// deferSignal returns s to the recovery sweep without spending an attempt.
// The sweep re-queues signals oldest first, so the earlier one runs first.
func (p *Processor) deferSignal(ctx context.Context, s *models.Signal, msg string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := p.store.DeferSignal(writeCtx, s.ID, msg); err != nil {
		p.logger.Error("failed to defer signal", zap.String("signal_id", s.ID), zap.Error(err))
		return
	}
	metrics.SignalsTotal.WithLabelValues("deferred").Inc()
	p.logger.Info("signal deferred",
		zap.String("signal_id", s.ID),
		zap.String("symbol", s.Symbol),
		zap.String("reason", msg))
}

func (p *Processor) record(ctx context.Context, s *models.Signal, out outcome) {
	// status must be written even when the attempt ran out of time
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := p.store.UpdateSignalStatus(writeCtx, s.ID, out.status, string(out.kind), out.msg); err != nil {
		p.logger.Error("failed to record signal status",
			zap.String("signal_id", s.ID), zap.String("status", string(out.status)), zap.Error(err))
		return
	}
	metrics.SignalsTotal.WithLabelValues(string(out.status)).Inc()

	fields := []zap.Field{
		zap.String("signal_id", s.ID),
		zap.String("symbol", s.Symbol),
		zap.String("action", s.Action),
		zap.String("status", string(out.status)),
		zap.Int("attempt", s.Attempts),
	}
	if out.kind != failure.KindNone {
		fields = append(fields, zap.String("failure_kind", string(out.kind)), zap.String("failure_message", out.msg))
	}
	p.logger.Info("signal processed", fields...)

	if out.status == models.SignalFailed {
		p.events.Publish(writeCtx, models.ExecutionEvent{
			EventType:   models.EventSignalFailed,
			SignalID:    s.ID,
			Symbol:      s.Symbol,
			FailureKind: string(out.kind),
			Message:     out.msg,
		})
	}
}

func (p *Processor) run(ctx context.Context, s *models.Signal) outcome {
	// orders from earlier attempts already committed this signal
	var prior []*models.Order
	if s.Attempts > 1 {
		var err error
		if prior, err = p.store.ListSignalOrders(ctx, s.ID); err != nil {
			return p.failureOutcome(err)
		}
	}
	out := p.evaluate(ctx, s, prior)
	if len(prior) > 0 {
		out.orders = true
	}
	return out
}

func (p *Processor) evaluate(ctx context.Context, s *models.Signal, prior []*models.Order) outcome {
	if age := p.now().Sub(s.ReceivedAt); p.maxAge > 0 && age > p.maxAge {
		p.events.Publish(ctx, models.ExecutionEvent{
			EventType: models.EventSignalStale,
			SignalID:  s.ID,
			Symbol:    s.Symbol,
			Message:   "received " + age.Round(time.Second).String() + " ago",
		})
		msg := fmt.Sprintf("stale: %s old", age.Round(time.Second))
		if len(prior) > 0 {
			msg = fmt.Sprintf("%s; %d orders from earlier attempts kept", msg, len(prior))
		}
		return outcome{status: models.SignalFailed, kind: failure.KindTimeout, msg: msg}
	}

	if s.Symbol != "" {
		waiting, err := p.store.HasEarlierUnsettledSignal(ctx, s)
		if err != nil {
			return p.failureOutcome(err)
		}
		if waiting {
			return outcome{status: models.SignalFailedRetryable, msg: "waiting for an earlier signal on " + s.Symbol, deferred: true}
		}
	}

	var payload models.SignalPayload
	if err := json.Unmarshal(s.RawPayload, &payload); err != nil {
		return outcome{status: models.SignalFailed, kind: failure.KindInvalidSignal, msg: "payload is not valid JSON"}
	}
	if s.Symbol == "" {
		return outcome{status: models.SignalFailed, kind: failure.KindInvalidSignal, msg: "missing symbol"}
	}
	ins, err := signal.Parse(payload.Action, payload.Strength)
	if err != nil {
		return outcome{status: models.SignalFailed, kind: failure.KindInvalidSignal, msg: err.Error()}
	}
	if !ins.Executable() {
		return outcome{status: models.SignalProcessed, msg: "advisory signal recorded without execution"}
	}

	qty := p.defaultQuantity
	if payload.Quantity != "" {
		qty, err = decimal.NewFromString(payload.Quantity)
		if err != nil || !qty.IsPositive() {
			return outcome{status: models.SignalFailed, kind: failure.KindInvalidSignal, msg: "invalid quantity " + payload.Quantity}
		}
	}

	if ins.Intent == signal.IntentOpen {
		if out, blocked := p.checkGate(ctx, s, ins); blocked {
			if out.status == models.SignalFailedGated && len(prior) > 0 {
				return p.resumeGated(ctx, s, ins, qty, prior, out)
			}
			return out
		}
	}

	users, err := p.targets(ctx, payload.UserID)
	if err != nil {
		return p.failureOutcome(err)
	}
	if len(users) == 0 {
		return outcome{status: models.SignalProcessed, msg: "no active users"}
	}
	return p.execute(ctx, s, ins, qty, users)
}

// checkGate reports blocked=true with the outcome to record when the open
// may not proceed.
func (p *Processor) checkGate(ctx context.Context, s *models.Signal, ins signal.Instruction) (outcome, bool) {
	v, err := p.gate.Check(ctx, ins.OrderSide())
	if err != nil {
		return p.failureOutcome(err), true
	}
	if v.Allowed {
		return outcome{}, false
	}

	decision := v.Decision
	p.logger.Warn("signal gated",
		zap.String("signal_id", s.ID),
		zap.String("symbol", s.Symbol),
		zap.String("action", s.Action),
		zap.String("side", string(ins.OrderSide())),
		zap.Bool("allow_long", decision.AllowLong),
		zap.Bool("allow_short", decision.AllowShort),
		zap.Float64("confidence", decision.Confidence),
		zap.Time("decided_at", decision.Timestamp),
		zap.String("reason", v.Reason))
	p.events.Publish(ctx, models.ExecutionEvent{
		EventType:   models.EventSignalGated,
		SignalID:    s.ID,
		Symbol:      s.Symbol,
		Side:        ins.OrderSide(),
		FailureKind: string(failure.KindMarketGated),
		Message:     v.Reason,
		Decision:    &decision,
	})
	return outcome{status: models.SignalFailedGated, kind: failure.KindMarketGated, msg: v.Reason}, true
}

// resumeGated handles a gate that closed after earlier attempts placed
// orders. Users who have not executed stay gated; orders still REQUESTED
// are driven to a settled state.
func (p *Processor) resumeGated(ctx context.Context, s *models.Signal, ins signal.Instruction, qty decimal.Decimal,
	prior []*models.Order, gated outcome) outcome {
	var pending []models.User
	for _, o := range prior {
		if o.Status == models.OrderRequested {
			pending = append(pending, models.User{ID: o.UserID, IsActive: true})
		}
	}
	gated.msg = fmt.Sprintf("gated after %d orders were recorded: %s", len(prior), gated.msg)
	if len(pending) == 0 {
		return gated
	}
	if out := p.execute(ctx, s, ins, qty, pending); out.status == models.SignalFailedRetryable {
		return out
	}
	return gated
}

func (p *Processor) targets(ctx context.Context, userID int64) ([]models.User, error) {
	if userID == 0 {
		return p.store.ListActiveUsers(ctx)
	}
	u, err := p.store.GetUser(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, failure.New(failure.KindInvalidSignal, fmt.Sprintf("unknown user %d", userID))
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, failure.New(failure.KindInvalidSignal, fmt.Sprintf("user %d is inactive", userID))
	}
	return []models.User{*u}, nil
}

type userResult struct {
	userID int64
	order  *models.Order
	err    error
}

func (p *Processor) execute(ctx context.Context, s *models.Signal, ins signal.Instruction, qty decimal.Decimal, users []models.User) outcome {
	var (
		mu      sync.Mutex
		results []userResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.fanout)
	for _, u := range users {
		g.Go(func() error {
			o, err := p.executor.Execute(gctx, execution.Request{
				Signal:      s,
				UserID:      u.ID,
				Instruction: ins,
				Quantity:    qty,
				Final:       s.Attempts >= p.maxAttempts,
			})
			mu.Lock()
			results = append(results, userResult{userID: u.ID, order: o, err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return summarise(results)
}

// summarise folds per-user results into one signal outcome. Any transient
// failure makes the whole signal retryable; execution is idempotent per
// user so completed users are not repeated.
func summarise(results []userResult) outcome {
	var (
		succeeded int
		retryable bool
		firstKind failure.Kind
		failures  []string
	)
	for _, r := range results {
		if r.err == nil {
			succeeded++
			continue
		}
		kind, msg := describe(r.err)
		if isRetryable(r.err) {
			retryable = true
		}
		if firstKind == failure.KindNone {
			firstKind = kind
		}
		failures = append(failures, fmt.Sprintf("user %d: %s", r.userID, msg))
	}

	msg := strings.Join(failures, "; ")
	orders := hasOrder(results)
	switch {
	case retryable:
		return outcome{status: models.SignalFailedRetryable, kind: firstKind, msg: msg, orders: orders}
	case succeeded > 0 || orders:
		if len(failures) > 0 {
			msg = fmt.Sprintf("%d/%d users executed; %s", succeeded, len(results), msg)
		}
		return outcome{status: models.SignalProcessed, kind: firstKind, msg: msg, orders: orders}
	default:
		return outcome{status: models.SignalFailed, kind: firstKind, msg: msg}
	}
}

// exhausted settles a signal that ran out of attempts. A signal that
// already produced orders is PROCESSED so those orders keep a processed
// parent. The final attempt settled its own orders; any it could not are
// left to the order sweep.
func exhausted(out outcome, attempts int) outcome {
	if out.kind == failure.KindNone {
		out.kind = failure.KindTimeout
	}
	if out.orders {
		out.status = models.SignalProcessed
		out.msg = fmt.Sprintf("gave up after %d attempts with orders recorded: %s", attempts, out.msg)
		return out
	}
	out.status = models.SignalFailed
	out.msg = fmt.Sprintf("gave up after %d attempts: %s", attempts, out.msg)
	return out
}

// withOrders keeps a signal whose orders exist out of FAILED and
// FAILED_GATED. The failure kind and message are kept for the record.
func withOrders(out outcome) outcome {
	if out.orders && (out.status == models.SignalFailed || out.status == models.SignalFailedGated) {
		out.status = models.SignalProcessed
	}
	return out
}

func hasOrder(results []userResult) bool {
	for _, r := range results {
		if r.order != nil {
			return true
		}
	}
	return false
}

// classified reports whether err came from the exchange or carries a kind.
// Anything else is infrastructure (database, lease, shutdown).
func classified(err error) bool {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return true
	}
	if _, ok := exchange.AsAPIError(err); ok {
		return true
	}
	return errors.Is(err, exchange.ErrMalformedMaterial) ||
		errors.Is(err, exchange.ErrUnknownOutcome) ||
		errors.Is(err, exchange.ErrTransport)
}

func isRetryable(err error) bool {
	if !classified(err) {
		return true
	}
	return retry.Classify(err).Class == retry.ClassTransient
}

// describe returns the failure kind and message to record for err.
// Infrastructure errors carry no kind until retries are exhausted.
func describe(err error) (failure.Kind, string) {
	if !classified(err) {
		return failure.KindNone, err.Error()
	}
	fe := retry.ToFailure(err)
	return fe.Kind, fe.Error()
}

func (p *Processor) failureOutcome(err error) outcome {
	kind, msg := describe(err)
	if isRetryable(err) {
		return outcome{status: models.SignalFailedRetryable, kind: kind, msg: msg}
	}
	return outcome{status: models.SignalFailed, kind: kind, msg: msg}
}

func backoffFor(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < maxRetryWait; i++ {
		d *= 2
	}
	return min(d, maxRetryWait)
}
