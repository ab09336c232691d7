package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestWorker(t *testing.T) (*Worker, *InMemoryQueue, *fakeClock) {
	q := NewInMemoryQueue()
	clock := &fakeClock{now: epoch}
	return NewWorker(q, zaptest.NewLogger(t), WithClock(clock.Now)), q, clock
}

func TestWorkerCompletesJob(t *testing.T) {
	w, q, _ := newTestWorker(t)
	ctx := context.Background()

	var got []string
	w.Register("echo", func(_ context.Context, job Job) error {
		var p map[string]string
		require.NoError(t, job.Decode(&p))
		got = append(got, p["msg"])
		return nil
	})

	j, err := NewJob("echo", "echo:1", map[string]string{"msg": "hi"}, epoch)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, j))

	n, err := w.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"hi"}, got)

	status, _ := q.Status(ctx, "echo:1")
	assert.Equal(t, StatusDone, status)
}

func TestWorkerRetriesWithExponentialBackoffThenExhausts(t *testing.T) {
	w, q, clock := newTestWorker(t)
	ctx := context.Background()

	calls := 0
	w.Register("flaky", func(context.Context, Job) error {
		calls++
		return errors.New("provider down")
	})
	var exhausted *Job
	w.OnExhausted("flaky", func(_ context.Context, job Job, err error) {
		exhausted = &job
	})

	j, err := NewJob("flaky", "flaky:1", nil, epoch, WithMaxAttempts(3), WithBackoff(BackoffExponential, 10*time.Second))
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, j))

	_, err = w.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	clock.Advance(9 * time.Second)
	_, _ = w.Drain(ctx, 10)
	assert.Equal(t, 1, calls)

	clock.Advance(time.Second)
	_, _ = w.Drain(ctx, 10)
	assert.Equal(t, 2, calls)

	clock.Advance(19 * time.Second)
	_, _ = w.Drain(ctx, 10)
	assert.Equal(t, 2, calls)
	assert.Nil(t, exhausted)

	clock.Advance(time.Second)
	_, _ = w.Drain(ctx, 10)
	assert.Equal(t, 3, calls)
	require.NotNil(t, exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	status, _ := q.Status(ctx, "flaky:1")
	assert.Equal(t, StatusDead, status)
}

func TestWorkerPermanentErrorSkipsRetry(t *testing.T) {
	w, q, _ := newTestWorker(t)
	ctx := context.Background()

	w.Register("bad", func(context.Context, Job) error { return Permanent(errors.New("nope")) })
	hooked := false
	w.OnExhausted("bad", func(context.Context, Job, error) { hooked = true })

	j, _ := NewJob("bad", "bad:1", nil, epoch)
	require.NoError(t, q.Enqueue(ctx, j))
	_, err := w.Drain(ctx, 10)
	require.NoError(t, err)
	assert.True(t, hooked)
}

func TestWorkerRecoversPanics(t *testing.T) {
	w, q, _ := newTestWorker(t)
	ctx := context.Background()

	w.Register("panic", func(context.Context, Job) error { panic("boom") })
	j, _ := NewJob("panic", "panic:1", nil, epoch, WithMaxAttempts(1))
	require.NoError(t, q.Enqueue(ctx, j))

	_, err := w.Drain(ctx, 10)
	require.NoError(t, err)
	status, _ := q.Status(ctx, "panic:1")
	assert.Equal(t, StatusDead, status)
}

func TestWorkerUnknownJobIsDeadLettered(t *testing.T) {
	w, q, _ := newTestWorker(t)
	ctx := context.Background()
	j, _ := NewJob("nobody", "nobody:1", nil, epoch)
	require.NoError(t, q.Enqueue(ctx, j))

	_, err := w.Drain(ctx, 10)
	require.NoError(t, err)
	status, _ := q.Status(ctx, "nobody:1")
	assert.Equal(t, StatusDead, status)
}

func TestWorkerStartStop(t *testing.T) {
	q := NewInMemoryQueue()
	w := NewWorker(q, zaptest.NewLogger(t), WithConcurrency(2), WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	done := make(chan struct{})
	w.Register("ping", func(context.Context, Job) error {
		close(done)
		return nil
	})
	require.NoError(t, w.Start(ctx))
	j, _ := NewJob("ping", "ping:1", nil, time.Now())
	require.NoError(t, q.Enqueue(ctx, j))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job not processed")
	}
	require.NoError(t, w.Stop())
}
