package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestCapacityBound(t *testing.T) {
	const capacity = 2
	const submissions = 8

	q := New(capacity)
	var running, peak int64
	var wg sync.WaitGroup
	wg.Add(submissions)

	for i := 0; i < submissions; i++ {
		q.Submit("", func(ctx context.Context) (any, error) {
			defer wg.Done()
			now := atomic.AddInt64(&running, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if now <= old || atomic.CompareAndSwapInt64(&peak, old, now) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&running, -1)
			return nil, nil
		})
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(capacity))

	waitFor(t, time.Second, func() bool {
		return q.Stats().Completed == submissions
	})
}

func TestStatsConservation(t *testing.T) {
	q := New(2)

	release := make(chan struct{})
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, q.Submit("", func(ctx context.Context) (any, error) {
			<-release
			return "ok", nil
		}))
	}

	waitFor(t, time.Second, func() bool {
		return q.Stats().Running == 2
	})

	stats := q.Stats()
	assert.Equal(t, 5, stats.Queued+stats.Running+stats.Completed+stats.Failed+stats.Cancelled)
	assert.Equal(t, 0, stats.FreeSlots)

	close(release)
	waitFor(t, time.Second, func() bool {
		return q.Stats().Completed == 5
	})

	for _, id := range ids {
		qt, ok := q.Status(id)
		require.True(t, ok)
		assert.Equal(t, StatusCompleted, qt.Status)
		assert.Equal(t, "ok", qt.Result)
		assert.False(t, qt.CompletedAt.IsZero())
	}
}

func TestCancelQueuedTask(t *testing.T) {
	q := New(1)

	blocker := make(chan struct{})
	q.Submit("blocker", func(ctx context.Context) (any, error) {
		<-blocker
		return nil, nil
	})
	waitFor(t, time.Second, func() bool {
		qt, _ := q.Status("blocker")
		return qt.Status == StatusRunning
	})

	q.Submit("victim", func(ctx context.Context) (any, error) {
		t.Error("cancelled task must never run")
		return nil, nil
	})

	assert.True(t, q.Cancel("victim"))
	qt, ok := q.Status("victim")
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, qt.Status)

	// Second cancel of the same task fails.
	assert.False(t, q.Cancel("victim"))

	close(blocker)
	waitFor(t, time.Second, func() bool {
		qt, _ := q.Status("blocker")
		return qt.Status == StatusCompleted
	})
}

func TestCancelRunningTask(t *testing.T) {
	q := New(1)

	started := make(chan struct{})
	q.Submit("longrun", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started

	assert.True(t, q.Cancel("longrun"))
	waitFor(t, time.Second, func() bool {
		qt, _ := q.Status("longrun")
		return qt.Status == StatusCancelled
	})
}

func TestRunnableFailure(t *testing.T) {
	q := New(1)

	id := q.Submit("", func(ctx context.Context) (any, error) {
		return nil, errors.New("surface exploded")
	})
	waitFor(t, time.Second, func() bool {
		qt, _ := q.Status(id)
		return qt.Status == StatusFailed
	})

	qt, _ := q.Status(id)
	assert.Contains(t, qt.Error, "surface exploded")
}

func TestRunnablePanicIsCaptured(t *testing.T) {
	q := New(1)

	id := q.Submit("", func(ctx context.Context) (any, error) {
		panic("boom")
	})
	waitFor(t, time.Second, func() bool {
		qt, _ := q.Status(id)
		return qt.Status == StatusFailed
	})

	qt, _ := q.Status(id)
	assert.Contains(t, qt.Error, "boom")

	// The queue keeps scheduling after a panic.
	next := q.Submit("", func(ctx context.Context) (any, error) { return 1, nil })
	waitFor(t, time.Second, func() bool {
		qt, _ := q.Status(next)
		return qt.Status == StatusCompleted
	})
}

func TestUnknownTask(t *testing.T) {
	q := New(1)
	_, ok := q.Status("nope")
	assert.False(t, ok)
	assert.False(t, q.Cancel("nope"))
}
