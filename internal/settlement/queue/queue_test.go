package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type QueueSuite struct {
	suite.Suite
	newQueue func(t *testing.T) Queue
	q        Queue
	ctx      context.Context
}

func (s *QueueSuite) SetupTest() {
	s.ctx = context.Background()
	s.q = s.newQueue(s.T())
}

func (s *QueueSuite) TearDownTest() {
	s.NoError(s.q.Close())
}

func (s *QueueSuite) job(name, id string, runAt time.Time) Job {
	j, err := NewJob(name, id, map[string]string{"id": id}, epoch, At(runAt))
	s.Require().NoError(err)
	return j
}

func (s *QueueSuite) TestReserveOrdersByRunAt() {
	s.Require().NoError(s.q.Enqueue(s.ctx, s.job("a", "late", epoch.Add(2*time.Second))))
	s.Require().NoError(s.q.Enqueue(s.ctx, s.job("a", "early", epoch.Add(time.Second))))

	_, err := s.q.Reserve(s.ctx, epoch)
	s.ErrorIs(err, ErrNoJob)

	j, err := s.q.Reserve(s.ctx, epoch.Add(5*time.Second))
	s.Require().NoError(err)
	s.Equal("early", j.ID)

	j, err = s.q.Reserve(s.ctx, epoch.Add(5*time.Second))
	s.Require().NoError(err)
	s.Equal("late", j.ID)

	_, err = s.q.Reserve(s.ctx, epoch.Add(5*time.Second))
	s.ErrorIs(err, ErrNoJob)
}

func (s *QueueSuite) TestDedupAcrossLifecycle() {
	j := s.job("a", "x", epoch)
	s.Require().NoError(s.q.Enqueue(s.ctx, j))
	s.ErrorIs(s.q.Enqueue(s.ctx, j), ErrDuplicateJob)

	got, err := s.q.Reserve(s.ctx, epoch)
	s.Require().NoError(err)
	s.ErrorIs(s.q.Enqueue(s.ctx, j), ErrDuplicateJob)

	s.Require().NoError(s.q.Complete(s.ctx, got))
	s.ErrorIs(s.q.Enqueue(s.ctx, j), ErrDuplicateJob)

	status, err := s.q.Status(s.ctx, "x")
	s.Require().NoError(err)
	s.Equal(StatusDone, status)
}

func (s *QueueSuite) TestRetryAndFail() {
	s.Require().NoError(s.q.Enqueue(s.ctx, s.job("a", "x", epoch)))
	got, err := s.q.Reserve(s.ctx, epoch)
	s.Require().NoError(err)

	got.Attempts = 1
	got.LastError = "boom"
	s.Require().NoError(s.q.Retry(s.ctx, got, epoch.Add(10*time.Second)))

	_, err = s.q.Reserve(s.ctx, epoch.Add(9*time.Second))
	s.ErrorIs(err, ErrNoJob)

	got, err = s.q.Reserve(s.ctx, epoch.Add(10*time.Second))
	s.Require().NoError(err)
	s.Equal(1, got.Attempts)
	s.Equal("boom", got.LastError)

	s.Require().NoError(s.q.Fail(s.ctx, got))
	status, err := s.q.Status(s.ctx, "x")
	s.Require().NoError(err)
	s.Equal(StatusDead, status)
	s.ErrorIs(s.q.Enqueue(s.ctx, s.job("a", "x", epoch)), ErrDuplicateJob)
}

func (s *QueueSuite) TestRecoverReleasesLeases() {
	s.Require().NoError(s.q.Enqueue(s.ctx, s.job("a", "x", epoch)))
	_, err := s.q.Reserve(s.ctx, epoch)
	s.Require().NoError(err)

	n, err := s.q.Recover(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	got, err := s.q.Reserve(s.ctx, epoch)
	s.Require().NoError(err)
	s.Equal("x", got.ID)

	pending, err := s.q.Pending(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, pending)
}

func (s *QueueSuite) TestSettleRequiresLease() {
	j := s.job("a", "x", epoch)
	s.ErrorIs(s.q.Complete(s.ctx, j), ErrUnknownJob)
	s.Require().NoError(s.q.Enqueue(s.ctx, j))
	s.ErrorIs(s.q.Fail(s.ctx, j), ErrUnknownJob)
}

func TestInMemoryQueue(t *testing.T) {
	suite.Run(t, &QueueSuite{newQueue: func(t *testing.T) Queue { return NewInMemoryQueue() }})
}

func TestBadgerQueue(t *testing.T) {
	suite.Run(t, &QueueSuite{newQueue: func(t *testing.T) Queue {
		q, err := NewBadgerQueue(t.TempDir())
		require.NoError(t, err)
		return q
	}})
}

func TestBadgerQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	q, err := NewBadgerQueue(dir)
	require.NoError(t, err)
	j, err := NewJob("check", "check:1:0", map[string]int{"attempt": 0}, epoch)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, j))
	_, err = q.Reserve(ctx, epoch)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q, err = NewBadgerQueue(dir)
	require.NoError(t, err)
	defer q.Close()

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := q.Reserve(ctx, epoch)
	require.NoError(t, err)
	assert.Equal(t, "check:1:0", got.ID)

	var payload map[string]int
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, 0, payload["attempt"])
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 10*time.Second, Backoff(10*time.Second, 0, time.Minute))
	assert.Equal(t, 20*time.Second, Backoff(10*time.Second, 1, time.Minute))
	assert.Equal(t, 40*time.Second, Backoff(10*time.Second, 2, time.Minute))
	assert.Equal(t, time.Minute, Backoff(10*time.Second, 6, time.Minute))

	j := Job{Backoff: BackoffFixed, BackoffBase: 30 * time.Second, Attempts: 4}
	assert.Equal(t, 30*time.Second, j.NextDelay())
	j = Job{Backoff: BackoffExponential, BackoffBase: 10 * time.Second, Attempts: 2}
	assert.Equal(t, 20*time.Second, j.NextDelay())
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad payload")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}
