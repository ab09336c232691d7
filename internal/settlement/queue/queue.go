// Package queue implements the durable at-least-once job queue that drives
// every settlement stage.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateJob = errors.New("job already enqueued")
	ErrNoJob        = errors.New("no job ready")
	ErrClosed       = errors.New("queue is closed")
	ErrUnknownJob   = errors.New("unknown job")
)

// Status is the lifecycle position of a job id
type Status string

const (
	StatusUnknown Status = ""
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// Queue stores jobs until a worker completes or dead-letters them. A job id
// is accepted once: it is rejected while pending or active and after it is
// done or dead.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Reserve leases the earliest job whose RunAt is not after now. It
	// returns ErrNoJob when nothing is due.
	Reserve(ctx context.Context, now time.Time) (Job, error)
	Complete(ctx context.Context, job Job) error
	// Retry returns a leased job to the ready set with its updated attempts.
	Retry(ctx context.Context, job Job, runAt time.Time) error
	Fail(ctx context.Context, job Job) error
	// Recover releases leases left behind by a crashed process.
	Recover(ctx context.Context) (int, error)
	Status(ctx context.Context, id string) (Status, error)
	Pending(ctx context.Context) (int, error)
	Close() error
}

// BackoffKind selects how retry delays grow
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"

	DefaultMaxAttempts = 5
	DefaultBackoffBase = time.Second
	MaxBackoff         = 10 * time.Minute
)

// Job is one unit of pipeline work. ID doubles as the deduplication key.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	RunAt       time.Time       `json:"run_at"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     BackoffKind     `json:"backoff"`
	BackoffBase time.Duration   `json:"backoff_base"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Option customises a new job
type Option func(*Job)

// At schedules the job for a point in time
func At(t time.Time) Option {
	return func(j *Job) { j.RunAt = t }
}

// WithMaxAttempts bounds broker-level retries
func WithMaxAttempts(n int) Option {
	return func(j *Job) { j.MaxAttempts = n }
}

// WithBackoff sets the retry delay policy
func WithBackoff(kind BackoffKind, base time.Duration) Option {
	return func(j *Job) {
		j.Backoff = kind
		j.BackoffBase = base
	}
}

// NewJob builds a job with a JSON payload
func NewJob(name, id string, payload interface{}, now time.Time, opts ...Option) (Job, error) {
	if name == "" || id == "" {
		return Job{}, fmt.Errorf("job needs a name and an id")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	job := Job{
		ID:          id,
		Name:        name,
		Payload:     data,
		RunAt:       now,
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     BackoffExponential,
		BackoffBase: DefaultBackoffBase,
		CreatedAt:   now,
	}
	for _, opt := range opts {
		opt(&job)
	}
	return job, nil
}

// Decode unmarshals the payload into v
func (j Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Name, err))
	}
	return nil
}

// NextDelay is the wait before the next attempt, given Attempts already made.
func (j Job) NextDelay() time.Duration {
	base := j.BackoffBase
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if j.Backoff == BackoffFixed {
		return base
	}
	return Backoff(base, j.Attempts-1, MaxBackoff)
}

// Backoff returns base*2^attempt capped at max.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error the worker must not retry
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
