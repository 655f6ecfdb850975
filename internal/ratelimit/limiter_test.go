package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discordant/realtime-core/internal/apperr"
	"github.com/discordant/realtime-core/internal/config"
)

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Default()
	cfg.RateLimit.SendMessage = config.RateLimitRule{Window: time.Minute, Burst: 2}
	cfg.RateLimit.OtherFrames = config.RateLimitRule{Window: time.Minute, Burst: 5}
	cfg.RateLimit.LockoutStrikes = 3
	cfg.RateLimit.LockoutFor = time.Minute

	l, err := New(cfg, client)
	require.NoError(t, err)
	return l, client
}

func TestAllowFrameWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	assert.NoError(t, l.AllowFrame(ctx, FrameSendMessage, "session-1"))
	assert.NoError(t, l.AllowFrame(ctx, FrameSendMessage, "session-1"))
}

func TestAllowFrameRejectsOverBudget(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	require.NoError(t, l.AllowFrame(ctx, FrameSendMessage, "session-2"))
	require.NoError(t, l.AllowFrame(ctx, FrameSendMessage, "session-2"))

	err := l.AllowFrame(ctx, FrameSendMessage, "session-2")
	require.Error(t, err)
	appErr, ok := apperr.Of(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindRateLimit, appErr.Kind)
}

func TestAllowFrameLocksOutAfterStrikes(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	sessionID := "session-3"

	require.NoError(t, l.AllowFrame(ctx, FrameSendMessage, sessionID))
	require.NoError(t, l.AllowFrame(ctx, FrameSendMessage, sessionID))

	// Exceed the limit 3 times in a row to accumulate strikes.
	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = l.AllowFrame(ctx, FrameSendMessage, sessionID)
	}
	require.Error(t, lastErr)

	// The session should now be locked out outright, independent of the
	// underlying per-bucket limiter state.
	err := l.AllowFrame(ctx, FrameSendMessage, sessionID)
	require.Error(t, err)
	appErr, ok := apperr.Of(err)
	require.True(t, ok)
	assert.Equal(t, "locked_out", appErr.Code)
}

func TestDifferentUsersHaveIndependentBudgets(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	require.NoError(t, l.AllowFrame(ctx, FrameSendMessage, "user-a"))
	require.NoError(t, l.AllowFrame(ctx, FrameSendMessage, "user-a"))
	require.Error(t, l.AllowFrame(ctx, FrameSendMessage, "user-a"))

	// user-b has their own budget and is unaffected.
	assert.NoError(t, l.AllowFrame(ctx, FrameSendMessage, "user-b"))
}

func TestMultipleSessionsOfSameUserShareOneBudget(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	// Two different sessions belonging to the same user key the limiter
	// by userID, not sessionID, so they draw from one shared budget.
	const userID = "user-c"
	require.NoError(t, l.AllowFrame(ctx, FrameSendMessage, userID))
	require.NoError(t, l.AllowFrame(ctx, FrameSendMessage, userID))

	err := l.AllowFrame(ctx, FrameSendMessage, userID)
	require.Error(t, err)
	appErr, ok := apperr.Of(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindRateLimit, appErr.Kind)
}
