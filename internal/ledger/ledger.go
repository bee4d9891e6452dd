// Package ledger keeps the durable record of crawl and score runs. Writes are
// best effort: a failed flush is logged and the run carries on.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rewired-gh/geupmae/internal/clock"
	"github.com/rewired-gh/geupmae/internal/logger"
	"github.com/rewired-gh/geupmae/internal/models"
	"github.com/rewired-gh/geupmae/internal/storage"
)

// Ledger tracks one run at a time.
type Ledger struct {
	store storage.RunStore
	clock clock.Clock

	mu  sync.Mutex
	run models.Run

	// NewID generates run ids. Defaults to random UUIDs.
	NewID func() string
}

// New creates a ledger over store.
func New(store storage.RunStore, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Ledger{
		store: store,
		clock: clk,
		NewID: func() string { return uuid.New().String() },
	}
}

// Start opens a run record. With resume set, a full run picks up at the cursor
// of the latest interrupted full run for the region when that run covered the
// same plan. The returned run's Cursor is the first unit to crawl.
func (l *Ledger) Start(ctx context.Context, mode models.RunMode, region string, totalUnits int, resume bool) models.Run {
	r := models.Run{
		ID:         l.NewID(),
		Mode:       mode,
		Region:     region,
		Status:     models.RunRunning,
		StartedAt:  l.clock.Now(),
		TotalUnits: totalUnits,
	}

	if resume && mode == models.ModeFull {
		prev, err := l.store.LatestResumableRun(ctx, region)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			logger.Info("No interrupted run to resume for %s, starting from the first tile", region)
		case err != nil:
			logger.Warn("Failed to look up resumable run for %s: %v", region, err)
		case prev.TotalUnits != totalUnits:
			logger.Warn("Run %s covered %d units, plan now has %d; starting over", prev.ID, prev.TotalUnits, totalUnits)
		default:
			r.Cursor = prev.Cursor
			r.ResumedFrom = prev.ID
			logger.Info("Resuming run %s at unit %d/%d", prev.ID, prev.Cursor, totalUnits)
		}
	}

	l.mu.Lock()
	l.run = r
	l.mu.Unlock()

	if err := l.store.CreateRun(context.WithoutCancel(ctx), &r); err != nil {
		logger.Warn("Failed to record start of run %s: %v", r.ID, err)
	}
	return r
}

// Record adds one scope's differ counts.
func (l *Ledger) Record(ctx context.Context, s models.ChangeSummary) {
	l.update(ctx, func(r *models.Run) {
		r.Upserted += s.Upserted()
		r.Removed += s.Removed
		r.PriceChanged += s.PriceChanged
	})
}

// TileDone marks a unit finished and moves the cursor past it.
func (l *Ledger) TileDone(ctx context.Context, next int) {
	l.update(ctx, func(r *models.Run) {
		r.TilesDone++
		r.Cursor = next
	})
}

// TileFailed counts a unit that could not be crawled completely and moves
// the cursor past it. The unit is retried by the next run.
func (l *Ledger) TileFailed(ctx context.Context, next int, unit string, err error) {
	l.update(ctx, func(r *models.Run) {
		r.TilesFailed++
		r.Errored++
		r.Cursor = next
		r.LastError = fmt.Sprintf("%s: %v", unit, err)
	})
}

// Scored adds scoring counts.
func (l *Ledger) Scored(ctx context.Context, n, bargains int) {
	l.update(ctx, func(r *models.Run) {
		r.Scored += n
		r.Bargains += bargains
	})
}

// Finish closes the run: failed when err is non-nil, partial when any unit
// failed, success otherwise.
func (l *Ledger) Finish(ctx context.Context, err error) models.Run {
	var out models.Run
	l.update(ctx, func(r *models.Run) {
		r.FinishedAt = l.clock.Now()
		switch {
		case err != nil:
			r.Status = models.RunFailed
			r.LastError = err.Error()
		case r.TilesFailed > 0:
			r.Status = models.RunPartial
		default:
			r.Status = models.RunSuccess
		}
		out = *r
	})
	logger.Info("Run %s finished: %s in %v (upserted %d, price changes %d, removed %d, scored %d, bargains %d, failed units %d)",
		out.ID, out.Status, out.Duration(), out.Upserted, out.PriceChanged, out.Removed, out.Scored, out.Bargains, out.TilesFailed)
	return out
}

// Current returns a copy of the run in progress.
func (l *Ledger) Current() models.Run {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.run
}

// History returns recent runs, newest first.
func (l *Ledger) History(ctx context.Context, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	runs, err := l.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// update applies fn and flushes the run. The flush ignores cancellation so a
// run interrupted by a signal is still finalized.
func (l *Ledger) update(ctx context.Context, fn func(r *models.Run)) {
	l.mu.Lock()
	fn(&l.run)
	snapshot := l.run
	l.mu.Unlock()

	if snapshot.ID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := l.store.UpdateRun(ctx, &snapshot)
	if errors.Is(err, storage.ErrNotFound) {
		// the start write was lost
		err = l.store.CreateRun(ctx, &snapshot)
	}
	if err != nil {
		logger.Warn("Failed to update run %s: %v", snapshot.ID, err)
	}
}
