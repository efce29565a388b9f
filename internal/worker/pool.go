package worker

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/trogers1052/signal-executor/internal/kafka"
	"github.com/trogers1052/signal-executor/internal/logging"
)

// ErrStopped is returned by Submit once the pool has shut down.
var ErrStopped = errors.New("worker pool stopped")

// Handler processes one signal to completion
type Handler interface {
	Process(ctx context.Context, signalID string)
}

// Pool runs a fixed number of lanes. Every signal for a symbol lands on the
// same lane, so a symbol's signals run one at a time in arrival order while
// different symbols proceed in parallel.
type Pool struct {
	handler Handler
	lanes   []chan string
	logger  *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates a pool with n lanes each buffering depth signals
func NewPool(handler Handler, n, depth int, logger *zap.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	lanes := make([]chan string, n)
	for i := range lanes {
		lanes[i] = make(chan string, depth)
	}
	return &Pool{
		handler: handler,
		lanes:   lanes,
		logger:  logging.OrNop(logger).Named("pool"),
	}
}

// Run starts the lanes and blocks until ctx is cancelled and every lane
// has finished its current signal.
func (p *Pool) Run(ctx context.Context) error {
	for i, lane := range p.lanes {
		p.wg.Add(1)
		go p.runLane(ctx, i, lane)
	}
	p.logger.Info("worker pool started", zap.Int("lanes", len(p.lanes)))

	<-ctx.Done()
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) runLane(ctx context.Context, idx int, lane <-chan string) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// queued signals stay PENDING and are picked up by the recovery sweep
			return
		case id := <-lane:
			p.handler.Process(ctx, id)
		}
	}
}

// Submit queues signalID on its symbol's lane, blocking while the lane is full.
func (p *Pool) Submit(ctx context.Context, signalID, symbol string) error {
	p.mu.RLock()
	stopped := p.stopped
	p.mu.RUnlock()
	if stopped {
		return ErrStopped
	}

	select {
	case p.lanes[p.laneFor(symbol)] <- signalID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch implements kafka.Dispatcher.
func (p *Pool) Dispatch(ctx context.Context, ev kafka.SignalEvent) error {
	return p.Submit(ctx, ev.SignalID, ev.Symbol)
}

func (p *Pool) laneFor(symbol string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(p.lanes)))
}
