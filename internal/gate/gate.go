// Package gate checks signal direction against the current market decision.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trogers1052/signal-executor/internal/config"
	"github.com/trogers1052/signal-executor/internal/database"
	"github.com/trogers1052/signal-executor/internal/failure"
	"github.com/trogers1052/signal-executor/internal/models"
	"github.com/trogers1052/signal-executor/internal/redis"
)

// ErrNoDecision means no decision has been published yet.
var ErrNoDecision = errors.New("no market decision available")

// Source reads the latest decision. Implementations must not cache.
type Source interface {
	Latest(ctx context.Context) (models.MarketDecision, error)
}

// Verdict is the result of a gate check with the decision it was based on.
type Verdict struct {
	Allowed  bool
	Decision models.MarketDecision
	Reason   string
}

// Gate evaluates the current decision for an opening side.
type Gate struct {
	source        Source
	maxAge        time.Duration
	minConfidence float64
	now           func() time.Time
}

// New creates a gate
func New(source Source, cfg config.GateConfig) *Gate {
	return &Gate{
		source:        source,
		maxAge:        cfg.MaxDecisionAge,
		minConfidence: cfg.MinConfidence,
		now:           time.Now,
	}
}

// Check re-reads the decision and reports whether opening side is allowed.
// Missing, stale and low-confidence decisions block. A read failure is
// returned as a transient error so the signal can be retried.
func (g *Gate) Check(ctx context.Context, side models.Side) (Verdict, error) {
	d, err := g.source.Latest(ctx)
	if errors.Is(err, ErrNoDecision) {
		return Verdict{Reason: "no market decision published"}, nil
	}
	if err != nil {
		return Verdict{}, failure.Wrap(failure.KindExchangeTransient, "market decision read", err)
	}

	v := Verdict{Decision: d}
	switch {
	case g.maxAge > 0 && g.now().Sub(d.Timestamp) > g.maxAge:
		v.Reason = fmt.Sprintf("decision from %s is older than %s", d.Timestamp.Format(time.RFC3339), g.maxAge)
	case d.Confidence < g.minConfidence:
		v.Reason = fmt.Sprintf("confidence %.2f below %.2f", d.Confidence, g.minConfidence)
	case !d.Allows(side):
		v.Reason = fmt.Sprintf("%s entries blocked", directionName(side))
	default:
		v.Allowed = true
	}
	return v, nil
}

func directionName(side models.Side) string {
	if side == models.SideBuy {
		return "long"
	}
	return "short"
}

type databaseSource struct {
	db *database.DB
}

// FromDatabase reads the newest market_decisions row
func FromDatabase(db *database.DB) Source {
	return databaseSource{db: db}
}

func (s databaseSource) Latest(ctx context.Context) (models.MarketDecision, error) {
	d, err := s.db.LatestMarketDecision(ctx)
	if errors.Is(err, database.ErrNotFound) {
		return d, ErrNoDecision
	}
	return d, err
}

type redisSource struct {
	client *redis.Client
	key    string
}

// FromRedis reads the JSON snapshot stored at key
func FromRedis(client *redis.Client, key string) Source {
	return redisSource{client: client, key: key}
}

func (s redisSource) Latest(ctx context.Context) (models.MarketDecision, error) {
	d, err := s.client.MarketDecision(ctx, s.key)
	if errors.Is(err, redis.ErrNoDecision) {
		return d, ErrNoDecision
	}
	return d, err
}
