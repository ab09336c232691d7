package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

type readyItem struct {
	runAt time.Time
	seq   uint64
	id    string
}

func readyLess(a, b readyItem) bool {
	if !a.runAt.Equal(b.runAt) {
		return a.runAt.Before(b.runAt)
	}
	return a.seq < b.seq
}

type memEntry struct {
	job    Job
	status Status
	item   readyItem
}

// InMemoryQueue provides an in-process Queue ordered by run time, for
// development and tests. It keeps every job it has seen so ids stay deduplicated.
type InMemoryQueue struct {
	mu     sync.Mutex
	ready  *btree.BTreeG[readyItem]
	jobs   map[string]*memEntry
	seq    uint64
	closed bool
}

var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates a new in-memory queue
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		ready: btree.NewBTreeG[readyItem](readyLess),
		jobs:  make(map[string]*memEntry),
	}
}

func (q *InMemoryQueue) push(e *memEntry, runAt time.Time) {
	q.seq++
	e.item = readyItem{runAt: runAt, seq: q.seq, id: e.job.ID}
	e.status = StatusPending
	q.ready.Set(e.item)
}

// Enqueue adds a job unless its id was seen before
func (q *InMemoryQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.jobs[job.ID]; ok {
		return ErrDuplicateJob
	}
	e := &memEntry{job: job}
	q.jobs[job.ID] = e
	q.push(e, job.RunAt)
	return nil
}

// Reserve leases the earliest due job
func (q *InMemoryQueue) Reserve(_ context.Context, now time.Time) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Job{}, ErrClosed
	}
	item, ok := q.ready.Min()
	if !ok || item.runAt.After(now) {
		return Job{}, ErrNoJob
	}
	q.ready.Delete(item)
	e := q.jobs[item.id]
	e.status = StatusActive
	return e.job, nil
}

func (q *InMemoryQueue) leased(id string) (*memEntry, error) {
	e, ok := q.jobs[id]
	if !ok || e.status != StatusActive {
		return nil, ErrUnknownJob
	}
	return e, nil
}

// Complete marks a leased job done
func (q *InMemoryQueue) Complete(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leased(job.ID)
	if err != nil {
		return err
	}
	e.job = job
	e.status = StatusDone
	return nil
}

// Retry reschedules a leased job
func (q *InMemoryQueue) Retry(_ context.Context, job Job, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leased(job.ID)
	if err != nil {
		return err
	}
	job.RunAt = runAt
	e.job = job
	q.push(e, runAt)
	return nil
}

// Fail dead-letters a leased job
func (q *InMemoryQueue) Fail(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leased(job.ID)
	if err != nil {
		return err
	}
	e.job = job
	e.status = StatusDead
	return nil
}

// Recover returns active jobs to the ready set
func (q *InMemoryQueue) Recover(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.jobs {
		if e.status == StatusActive {
			q.push(e, e.job.RunAt)
			n++
		}
	}
	return n, nil
}

// Status reports where a job id is in its lifecycle
func (q *InMemoryQueue) Status(_ context.Context, id string) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.jobs[id]; ok {
		return e.status, nil
	}
	return StatusUnknown, nil
}

// Pending counts jobs waiting or leased
func (q *InMemoryQueue) Pending(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.jobs {
		if e.status == StatusPending || e.status == StatusActive {
			n++
		}
	}
	return n, nil
}

// Jobs returns every job ever enqueued under name, oldest first
func (q *InMemoryQueue) Jobs(name string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0)
	for _, e := range q.jobs {
		if e.job.Name == name {
			out = append(out, e.job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close rejects further use of the queue
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
