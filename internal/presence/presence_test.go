package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discordant/realtime-core/internal/bus"
)

func newTestCoordinator(t *testing.T, graceWindow time.Duration) (*Coordinator, *bus.Service) {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	busSvc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { busSvc.Close() })

	coord := New(redisClient, busSvc, graceWindow, 15*time.Minute)
	t.Cleanup(coord.Stop)
	return coord, busSvc
}

func TestConnectTransitionsToOnline(t *testing.T) {
	coord, _ := newTestCoordinator(t, time.Minute)
	ctx := context.Background()

	rec, err := coord.Connect(ctx, "user-1", []string{"guild-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, rec.Status)
	assert.Equal(t, 1, rec.Connections)
}

func TestConnectPreservesInvisible(t *testing.T) {
	coord, _ := newTestCoordinator(t, time.Minute)
	ctx := context.Background()

	_, err := coord.Connect(ctx, "user-1", []string{"guild-1"})
	require.NoError(t, err)
	_, err = coord.SetStatus(ctx, "user-1", StatusInvisible, "")
	require.NoError(t, err)

	rec, err := coord.Connect(ctx, "user-1", []string{"guild-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusInvisible, rec.Status)
}

func TestDisconnectSchedulesOfflineAfterGraceWindow(t *testing.T) {
	coord, busSvc := newTestCoordinator(t, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 4)
	var wg sync.WaitGroup
	busSvc.Subscribe(ctx, bus.TopicUser("user-1"), &wg, func(e bus.Envelope) {
		received <- e.Event
	})
	time.Sleep(20 * time.Millisecond)

	_, err := coord.Connect(ctx, "user-1", nil)
	require.NoError(t, err)
	<-received // drain the online transition

	require.NoError(t, coord.Disconnect(ctx, "user-1"))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for offline transition")
	}

	rec, err := coord.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, rec.Status)
}

func TestReconnectWithinGraceWindowCancelsOfflineTransition(t *testing.T) {
	coord, _ := newTestCoordinator(t, 500*time.Millisecond)
	ctx := context.Background()

	_, err := coord.Connect(ctx, "user-1", nil)
	require.NoError(t, err)
	require.NoError(t, coord.Disconnect(ctx, "user-1"))

	// Reconnect before the grace window elapses.
	rec, err := coord.Connect(ctx, "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, rec.Status)

	time.Sleep(700 * time.Millisecond)

	rec, err = coord.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, rec.Status, "cancelled offline timer must not fire after reconnect")
}

func TestSweepForcesOfflineAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })
	busSvc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { busSvc.Close() })

	// A record is written by one process/coordinator instance...
	writer := New(redisClient, busSvc, time.Minute, time.Millisecond)
	t.Cleanup(writer.Stop)
	ctx := context.Background()
	_, err = writer.Connect(ctx, "user-1", nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond) // clear the liveness window

	// ...and swept by a second, independent instance with an empty local
	// cache, simulating a sweep running on a different gateway process.
	sweeper := New(redisClient, busSvc, time.Minute, time.Millisecond)
	t.Cleanup(sweeper.Stop)
	sweeper.sweep(ctx)

	raw, err := redisClient.Get(ctx, recordKey("user-1")).Result()
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, StatusOffline, rec.Status)
}

func TestBulkGetReturnsOfflineForUnknownUsers(t *testing.T) {
	coord, _ := newTestCoordinator(t, time.Minute)
	ctx := context.Background()

	_, err := coord.Connect(ctx, "user-1", nil)
	require.NoError(t, err)

	results, err := coord.BulkGet(ctx, []string{"user-1", "user-unknown"})
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, results["user-1"].Status)
	assert.Equal(t, StatusOffline, results["user-unknown"].Status)
}
