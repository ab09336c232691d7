package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
)

const (
	prefixJob   = "job:"
	prefixReady = "ready:"
	prefixLease = "lease:"
	prefixDone  = "done:"
	prefixDead  = "dead:"

	conflictRetries = 5
)

// BadgerQueue is a disk-backed implementation of Queue using BadgerDB.
//
// Keys:
//
//	job:<id>                  job body while pending or leased
//	ready:<runAt nanos>:<id>  ordered ready index
//	lease:<id>                job handed to a worker
//	done:<id>, dead:<id>      retained dedup markers
type BadgerQueue struct {
	db *badger.DB
	mu sync.Mutex
}

var _ Queue = (*BadgerQueue)(nil)

// NewBadgerQueue initializes a new BadgerQueue at the given path.
func NewBadgerQueue(path string) (*BadgerQueue, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // disable internal logging
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &BadgerQueue{db: db}, nil
}

func readyKey(runAt time.Time, id string) []byte {
	nanos := runAt.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	return []byte(fmt.Sprintf("%s%020d:%s", prefixReady, nanos, id))
}

func parseReadyKey(key []byte) (time.Time, string, error) {
	rest := strings.TrimPrefix(string(key), prefixReady)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed ready key %q", key)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed ready key %q: %w", key, err)
	}
	return time.Unix(0, nanos), parts[1], nil
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

func loadJob(txn *badger.Txn, id string) (Job, error) {
	var job Job
	item, err := txn.Get([]byte(prefixJob + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return job, ErrUnknownJob
	}
	if err != nil {
		return job, err
	}
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &job) })
	return job, err
}

func putJob(txn *badger.Txn, job Job) error {
	val, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return txn.Set([]byte(prefixJob+job.ID), val)
}

// update retries a transaction that lost a write conflict
func (q *BadgerQueue) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = q.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Enqueue adds a job if its id was never seen.
func (q *BadgerQueue) Enqueue(_ context.Context, job Job) error {
	return q.update(func(txn *badger.Txn) error {
		for _, prefix := range []string{prefixJob, prefixDone, prefixDead} {
			found, err := exists(txn, prefix+job.ID)
			if err != nil {
				return err
			}
			if found {
				return ErrDuplicateJob
			}
		}
		if err := putJob(txn, job); err != nil {
			return err
		}
		return txn.Set(readyKey(job.RunAt, job.ID), []byte(job.ID))
	})
}

// Reserve leases the earliest due job.
func (q *BadgerQueue) Reserve(_ context.Context, now time.Time) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var job Job
	err := q.update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixReady)
		it := txn.NewIterator(opts)
		it.Seek([]byte(prefixReady))
		if !it.ValidForPrefix([]byte(prefixReady)) {
			it.Close()
			return ErrNoJob
		}
		key := it.Item().KeyCopy(nil)
		it.Close()

		runAt, id, err := parseReadyKey(key)
		if err != nil {
			return err
		}
		if runAt.After(now) {
			return ErrNoJob
		}
		if job, err = loadJob(txn, id); err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Set([]byte(prefixLease+id), []byte(strconv.FormatInt(now.UnixNano(), 10)))
	})
	return job, err
}

func (q *BadgerQueue) settle(job Job, marker string) error {
	return q.update(func(txn *badger.Txn) error {
		leased, err := exists(txn, prefixLease+job.ID)
		if err != nil {
			return err
		}
		if !leased {
			return ErrUnknownJob
		}
		val, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(prefixLease + job.ID)); err != nil {
			return err
		}
		if err := txn.Delete([]byte(prefixJob + job.ID)); err != nil {
			return err
		}
		return txn.Set([]byte(marker+job.ID), val)
	})
}

// Complete removes a leased job and keeps its done marker.
func (q *BadgerQueue) Complete(_ context.Context, job Job) error {
	return q.settle(job, prefixDone)
}

// Fail dead-letters a leased job.
func (q *BadgerQueue) Fail(_ context.Context, job Job) error {
	return q.settle(job, prefixDead)
}

// Retry puts a leased job back on the ready index at runAt.
func (q *BadgerQueue) Retry(_ context.Context, job Job, runAt time.Time) error {
	return q.update(func(txn *badger.Txn) error {
		leased, err := exists(txn, prefixLease+job.ID)
		if err != nil {
			return err
		}
		if !leased {
			return ErrUnknownJob
		}
		job.RunAt = runAt
		if err := putJob(txn, job); err != nil {
			return err
		}
		if err := txn.Delete([]byte(prefixLease + job.ID)); err != nil {
			return err
		}
		return txn.Set(readyKey(runAt, job.ID), []byte(job.ID))
	})
}

// Recover moves every leased job back to the ready index. Call it before
// starting workers.
func (q *BadgerQueue) Recover(_ context.Context) (int, error) {
	recovered := 0
	err := q.update(func(txn *badger.Txn) error {
		recovered = 0
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixLease)
		it := txn.NewIterator(opts)
		var ids []string
		for it.Seek([]byte(prefixLease)); it.ValidForPrefix([]byte(prefixLease)); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), prefixLease))
		}
		it.Close()

		for _, id := range ids {
			job, err := loadJob(txn, id)
			if err != nil {
				return err
			}
			if err := txn.Delete([]byte(prefixLease + id)); err != nil {
				return err
			}
			if err := txn.Set(readyKey(job.RunAt, id), []byte(id)); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	return recovered, err
}

// Status reports where a job id is in its lifecycle.
func (q *BadgerQueue) Status(_ context.Context, id string) (Status, error) {
	status := StatusUnknown
	err := q.db.View(func(txn *badger.Txn) error {
		checks := []struct {
			prefix string
			status Status
		}{
			{prefixLease, StatusActive},
			{prefixJob, StatusPending},
			{prefixDone, StatusDone},
			{prefixDead, StatusDead},
		}
		for _, c := range checks {
			found, err := exists(txn, c.prefix+id)
			if err != nil {
				return err
			}
			if found {
				status = c.status
				return nil
			}
		}
		return nil
	})
	return status, err
}

// Pending counts jobs that are waiting or leased.
func (q *BadgerQueue) Pending(_ context.Context) (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixJob)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefixJob)); it.ValidForPrefix([]byte(prefixJob)); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close closes the underlying BadgerDB.
func (q *BadgerQueue) Close() error {
	return q.db.Close()
}
