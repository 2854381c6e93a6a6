package streamq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisQueue(t *testing.T) (*RedisStreamQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := NewRedisStreamQueue(rdb, "adc:stream:test", "workers", 0)
	require.NoError(t, q.EnsureGroup(context.Background()))
	require.NoError(t, q.EnsureGroup(context.Background()), "second EnsureGroup must tolerate BUSYGROUP")
	return q, rdb
}

func TestTerminalError(t *testing.T) {
	base := errors.New("image missing")
	err := Terminal(base)
	assert.True(t, IsTerminal(err))
	assert.True(t, IsTerminal(errors.Join(errors.New("ctx"), err)))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsTerminal(base))
	assert.Equal(t, "terminal", TerminalError{}.Error())
}

func TestEnqueueRejectsEmptyID(t *testing.T) {
	q, _ := newRedisQueue(t)
	assert.Error(t, q.Enqueue(context.Background(), "  "))
}

func TestConsumeLoopAcksAndReportsStats(t *testing.T) {
	q, rdb := newRedisQueue(t)
	ctx := context.Background()

	for _, id := range []string{"ok", "terminal", "retry", "panic"} {
		require.NoError(t, q.Enqueue(ctx, id))
	}
	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Waiting: 4}, st)

	var mu sync.Mutex
	seen := map[string]int{}
	handler := func(_ context.Context, id string) error {
		mu.Lock()
		seen[id]++
		mu.Unlock()
		switch id {
		case "terminal":
			return Terminal(errors.New("bad input"))
		case "retry":
			return errors.New("store unavailable")
		case "panic":
			panic("boom")
		}
		return nil
	}

	c := NewConsumer(rdb, "adc:stream:test", "workers", "w1")
	c.SetBlock(20 * time.Millisecond)
	c.SetConcurrency(2)
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.ConsumeLoop(loopCtx, handler) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st, err := q.Stats(ctx)
		return err == nil && st == Stats{Waiting: 0, InFlight: 1}
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("ConsumeLoop did not return")
	}
}

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(4, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	started := make(chan string, 4)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, id))
	}
	st, _ := q.Stats(ctx)
	assert.Equal(t, Stats{Waiting: 3}, st)

	done := make(chan error, 1)
	go func() {
		done <- q.ConsumeLoop(ctx, func(_ context.Context, id string) error {
			started <- id
			<-release
			return nil
		})
	}()

	<-started
	<-started
	require.Eventually(t, func() bool {
		st, _ := q.Stats(ctx)
		return st == Stats{Waiting: 1, InFlight: 2}
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	<-started
	require.Eventually(t, func() bool {
		st, _ := q.Stats(ctx)
		return st == Stats{}
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMemoryQueueFull(t *testing.T) {
	q := NewMemoryQueue(1, 1)
	require.NoError(t, q.Enqueue(context.Background(), "a"))
	assert.Error(t, q.Enqueue(context.Background(), "b"))
}
