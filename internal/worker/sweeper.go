package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/trogers1052/signal-executor/internal/logging"
	"github.com/trogers1052/signal-executor/internal/models"
)

// RecoveryStore finds signals that were dropped between receipt and completion
type RecoveryStore interface {
	ResetStuckSignals(ctx context.Context, before time.Time) (int64, error)
	ListRecoverableSignals(ctx context.Context, before time.Time, limit int) ([]*models.Signal, error)
	ListStaleRequestedOrders(ctx context.Context, before time.Time, limit int) ([]*models.Order, error)
}

// OrderSettler gives an abandoned REQUESTED order its final state
type OrderSettler interface {
	SettleRequested(ctx context.Context, o *models.Order) error
}

// Submitter queues a signal for processing
type Submitter interface {
	Submit(ctx context.Context, signalID, symbol string) error
}

// Sweeper periodically re-queues signals whose queue message was lost or
// whose worker died mid-attempt, and settles orders their signal left
// REQUESTED.
type Sweeper struct {
	store     RecoveryStore
	submitter Submitter
	settler   OrderSettler
	interval  time.Duration
	// grace must exceed one processing attempt plus its retry wait so that
	// signals still owned by a lane are not picked up.
	grace  time.Duration
	batch  int
	now    func() time.Time
	logger *zap.Logger
}

// NewSweeper creates a sweeper
func NewSweeper(store RecoveryStore, submitter Submitter, settler OrderSettler,
	interval, processingTimeout time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		submitter: submitter,
		settler:   settler,
		interval:  interval,
		grace:     2*processingTimeout + maxRetryWait,
		batch:     100,
		now:       time.Now,
		logger:    logging.OrNop(logger).Named("sweeper"),
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("recovery sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep resets stuck signals and re-queues recoverable ones. It returns the
// number queued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.grace)

	reset, err := s.store.ResetStuckSignals(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		s.logger.Warn("reset stuck signals", zap.Int64("count", reset))
	}

	signals, err := s.store.ListRecoverableSignals(ctx, cutoff, s.batch)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, sig := range signals {
		if err := s.submitter.Submit(ctx, sig.ID, sig.Symbol); err != nil {
			return queued, err
		}
		queued++
	}
	if queued > 0 {
		s.logger.Info("re-queued signals", zap.Int("count", queued))
	}

	if err := s.settleOrders(ctx, cutoff); err != nil {
		return queued, err
	}
	return queued, nil
}

// settleOrders works through REQUESTED orders whose signal is already
// recorded. One order failing to settle does not hold up the rest.
func (s *Sweeper) settleOrders(ctx context.Context, cutoff time.Time) error {
	orders, err := s.store.ListStaleRequestedOrders(ctx, cutoff, s.batch)
	if err != nil {
		return err
	}
	settled := 0
	for _, o := range orders {
		if err := s.settler.SettleRequested(ctx, o); err != nil {
			s.logger.Warn("order still unsettled",
				zap.Int64("order_id", o.ID),
				zap.String("signal_id", o.SignalID),
				zap.String("order_link_id", o.OrderLinkID),
				zap.Error(err))
			continue
		}
		settled++
	}
	if settled > 0 {
		s.logger.Info("settled abandoned orders", zap.Int("count", settled))
	}
	return nil
}
