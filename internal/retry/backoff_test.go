package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/trogers1052/signal-executor/internal/exchange"
)

var fastPolicy = Policy{MaxAttempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	retries := 0
	err := Do(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &exchange.APIError{RetCode: exchange.CodeRateLimited, RetMsg: "Too many visits!"}
		}
		return nil
	}, func(err error, wait time.Duration) { retries++ })

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestDo_StopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		return &exchange.APIError{RetCode: exchange.CodeServerBusy}
	}, nil)

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
	_, ok := exchange.AsAPIError(err)
	assert.True(t, ok)
}

func TestDo_FatalNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		return &exchange.APIError{RetCode: exchange.CodeInvalidAPIKey}
	}, nil)

	assert.Equal(t, 1, calls)
	apiErr, ok := exchange.AsAPIError(err)
	assert.True(t, ok)
	assert.Equal(t, exchange.CodeInvalidAPIKey, apiErr.RetCode)
}

func TestDo_PolicyNotRetried(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		return &exchange.APIError{RetCode: exchange.CodeIPNotWhitelisted}
	}, nil)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{MaxAttempts: 5, Base: time.Hour}, func(ctx context.Context) error {
		return &exchange.APIError{RetCode: exchange.CodeRateLimited}
	}, nil)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || Classify(err).Class == ClassTransient)
}

func TestDo_StopEndsLoopWithTransientError(t *testing.T) {
	calls := 0
	transient := &exchange.APIError{RetCode: exchange.CodeServerBusy, RetMsg: "Server Timeout"}
	err := Do(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		return Stop(transient)
	}, nil)

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, ClassTransient, Classify(err).Class)
}
