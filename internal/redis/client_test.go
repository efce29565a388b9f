package redis

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trogers1052/signal-executor/internal/config"
	"github.com/trogers1052/signal-executor/internal/models"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)

	c, err := New(config.RedisConfig{Host: host, Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestLease_ExclusiveUntilReleased(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ok, err := c.TryLock(ctx, "individual:1", "tok-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.TryLock(ctx, "individual:1", "tok-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// a different credential is independent
	ok, err = c.TryLock(ctx, "individual:2", "tok-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	released, err := c.Unlock(ctx, "individual:1", "tok-b")
	require.NoError(t, err)
	assert.False(t, released, "non-owner must not release")

	released, err = c.Unlock(ctx, "individual:1", "tok-a")
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = c.TryLock(ctx, "individual:1", "tok-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLease_ExpiresAfterTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	ok, err := c.TryLock(ctx, "shared:bybit:testnet", "tok-a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	ok, err = c.TryLock(ctx, "shared:bybit:testnet", "tok-b", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarketDecision_RoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.MarketDecision(ctx, "market:decision:latest")
	assert.ErrorIs(t, err, ErrNoDecision)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.SetMarketDecision(ctx, "market:decision:latest",
		models.MarketDecision{AllowLong: true, Confidence: 0.7, Timestamp: at}))

	d, err := c.MarketDecision(ctx, "market:decision:latest")
	require.NoError(t, err)
	assert.True(t, d.AllowLong)
	assert.False(t, d.AllowShort)
	assert.True(t, at.Equal(d.Timestamp))
}

func TestMarketDecision_Corrupt(t *testing.T) {
	c, mr := newTestClient(t)
	require.NoError(t, mr.Set("market:decision:latest", "not json"))

	_, err := c.MarketDecision(context.Background(), "market:decision:latest")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoDecision)
}
