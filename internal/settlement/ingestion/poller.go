// Package ingestion polls the ledger for inbound snapshots and schedules
// each unseen one for processing.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/internal/settlement/memo"
	"github.com/Aidin1998/mmbot/internal/settlement/queue"
	"github.com/Aidin1998/mmbot/pkg/metrics"
)

// CursorName identifies the poller's cursor row
const CursorName = "ledger_snapshots"

// maxPageLimit bounds how far a page saturated at one instant is widened
const maxPageLimit = 10000

// Enqueuer schedules processing of a recorded snapshot
type Enqueuer interface {
	EnqueueSnapshot(ctx context.Context, snapshotID string) error
}

// Config controls polling cadence and page size
type Config struct {
	Interval time.Duration
	Limit    int
}

// PollResult summarises one poll
type PollResult struct {
	Skipped    bool
	Fetched    int
	Enqueued   int
	Duplicates int
	Dropped    int
	Cursor     time.Time
}

// Poller fetches snapshots past the persisted cursor
type Poller struct {
	ledger   interfaces.LedgerClient
	repo     interfaces.Repository
	enqueuer Enqueuer
	guard    Guard
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller. A nil guard serialises polls in process only.
func NewPoller(ledger interfaces.LedgerClient, repo interfaces.Repository, enqueuer Enqueuer, guard Guard, cfg Config, logger *zap.Logger) *Poller {
	if guard == nil {
		guard = &LocalGuard{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	return &Poller{
		ledger:   ledger,
		repo:     repo,
		enqueuer: enqueuer,
		guard:    guard,
		cfg:      cfg,
		logger:   logger.Named("ingestion"),
	}
}

// Start polls immediately and then on every interval until Stop
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("poller already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	p.logger.Info("Snapshot poller started", zap.Duration("interval", p.cfg.Interval), zap.Int("limit", p.cfg.Limit))
	return nil
}

// Stop ends the polling loop and waits for an in-flight poll
func (p *Poller) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	p.logger.Info("Snapshot poller stopped")
	return nil
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("Snapshot poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one ingestion pass. A pass attempted while another is in flight
// is skipped. The cursor moves only after every fetched snapshot has been
// recorded and scheduled.
func (p *Poller) Poll(ctx context.Context) (PollResult, error) {
	var res PollResult
	release, ok, err := p.guard.TryAcquire(ctx)
	if err != nil {
		return res, err
	}
	if !ok {
		p.logger.Debug("Poll skipped, another poll in flight")
		res.Skipped = true
		return res, nil
	}
	defer release()

	cursor, _, err := p.repo.GetCursor(ctx, CursorName)
	if err != nil {
		return res, fmt.Errorf("load cursor: %w", err)
	}
	res.Cursor = cursor

	snaps, err := p.fetch(ctx, cursor)
	if err != nil {
		metrics.SnapshotsIngested.WithLabelValues("fetch_error").Inc()
		return res, fmt.Errorf("%w: fetch snapshots: %v", interfaces.ErrTransientInfra, err)
	}
	res.Fetched = len(snaps)

	next := cursor
	for i := range snaps {
		snap := snaps[i]
		result, err := p.ingest(ctx, &snap)
		if err != nil {
			return res, fmt.Errorf("ingest snapshot %s: %w", snap.SnapshotID, err)
		}
		metrics.SnapshotsIngested.WithLabelValues(result).Inc()
		switch result {
		case "enqueued":
			res.Enqueued++
		case "duplicate":
			res.Duplicates++
		case "dropped":
			res.Dropped++
		}
		if snap.CreatedAt.After(next) {
			next = snap.CreatedAt
		}
	}

	if next.After(cursor) {
		if err := p.repo.SaveCursor(ctx, CursorName, next); err != nil {
			return res, fmt.Errorf("save cursor: %w", err)
		}
		res.Cursor = next
	}
	if res.Enqueued > 0 || res.Dropped > 0 {
		p.logger.Info("Snapshots ingested",
			zap.Int("fetched", res.Fetched),
			zap.Int("enqueued", res.Enqueued),
			zap.Int("dropped", res.Dropped),
			zap.Time("cursor", res.Cursor))
	}
	return res, nil
}

// fetch loads the page past cursor. A full page whose snapshots all share the
// cursor instant would never move the cursor, so the page is widened until
// it reaches past that instant or runs short.
func (p *Poller) fetch(ctx context.Context, cursor time.Time) ([]interfaces.LedgerSnapshot, error) {
	limit := p.cfg.Limit
	for {
		snaps, err := p.ledger.FetchSnapshotsSince(ctx, cursor, limit)
		if err != nil {
			return nil, err
		}
		if len(snaps) < limit || latest(snaps).After(cursor) {
			return snaps, nil
		}
		if limit >= maxPageLimit {
			p.logger.Error("Snapshot page saturated at cursor instant",
				zap.Time("cursor", cursor), zap.Int("limit", limit))
			return snaps, nil
		}
		limit *= 2
		if limit > maxPageLimit {
			limit = maxPageLimit
		}
		p.logger.Warn("Widening snapshot page", zap.Time("cursor", cursor), zap.Int("limit", limit))
	}
}

func latest(snaps []interfaces.LedgerSnapshot) time.Time {
	var at time.Time
	for _, s := range snaps {
		if s.CreatedAt.After(at) {
			at = s.CreatedAt
		}
	}
	return at
}

// ingest records one snapshot and schedules it. Rows already recorded but
// still unprocessed are scheduled again, which the queue deduplicates.
func (p *Poller) ingest(ctx context.Context, snap *interfaces.LedgerSnapshot) (string, error) {
	snap.Disposition = interfaces.SnapshotReceived
	if _, err := memo.Decode(snap.Memo); err != nil {
		snap.Disposition = interfaces.SnapshotDropped
	}

	inserted, err := p.repo.RecordSnapshot(ctx, snap)
	if err != nil {
		return "", err
	}
	if !inserted {
		existing, err := p.repo.GetSnapshot(ctx, snap.SnapshotID)
		if err != nil {
			return "", err
		}
		if existing.Disposition != interfaces.SnapshotReceived {
			return "duplicate", nil
		}
	} else if snap.Disposition == interfaces.SnapshotDropped {
		p.logger.Debug("Dropped snapshot without a usable memo", zap.String("snapshot_id", snap.SnapshotID))
		return "dropped", nil
	}

	err = p.enqueuer.EnqueueSnapshot(ctx, snap.SnapshotID)
	if errors.Is(err, queue.ErrDuplicateJob) {
		return "duplicate", nil
	}
	if err != nil {
		return "", err
	}
	return "enqueued", nil
}
