// Package runner drives one crawl or score run end to end: crawl units in
// plan order, reconcile each unit's snapshots, rescore what moved, close the
// ledger record, and notify.
package runner

import (
	"context"
	"fmt"
	"sort"

	"github.com/rewired-gh/geupmae/internal/clock"
	"github.com/rewired-gh/geupmae/internal/crawler"
	"github.com/rewired-gh/geupmae/internal/differ"
	"github.com/rewired-gh/geupmae/internal/governor"
	"github.com/rewired-gh/geupmae/internal/ledger"
	"github.com/rewired-gh/geupmae/internal/logger"
	"github.com/rewired-gh/geupmae/internal/models"
	"github.com/rewired-gh/geupmae/internal/observability"
	"github.com/rewired-gh/geupmae/internal/scorer"
)

// Notifier delivers run outcomes. *telegram.Client implements it.
type Notifier interface {
	SendDigest(run models.Run, bargains []*models.Listing) error
	SendRunFailure(run models.Run, err error) error
}

// Runner wires the pipeline stages together.
type Runner struct {
	Governor *governor.Governor
	Crawler  *crawler.Crawler
	Differ   *differ.Differ
	Scorer   *scorer.Scorer
	Ledger   *ledger.Ledger
	Clock    clock.Clock

	// Notifier and Metrics are optional.
	Notifier Notifier
	Metrics  *observability.Metrics
}

// Crawl runs the plan under the crawler's mode. With resume set, a full run
// continues from the latest interrupted run of the region. The returned error
// is the one that failed the run; a run with failed units but no fatal error
// returns nil and has status partial.
func (r *Runner) Crawl(ctx context.Context, plan *crawler.Plan, resume bool) (models.Run, error) {
	r.Governor.Reset()
	if r.Metrics != nil {
		r.Governor.Observe(r.Metrics.ObserveGovernor)
		r.Crawler.OnRequest = r.Metrics.RecordRequest
	}

	run := r.Ledger.Start(ctx, r.Crawler.Mode(), plan.Region, plan.Len(), resume)
	logger.Info("Crawling %s: %d tiles x %d trade types, starting at unit %d (%s)",
		plan.Region, len(plan.Tiles), len(plan.TradeTypes), run.Cursor, run.Mode)

	affected := make(map[models.GroupKey]bool)
	var runErr error
	for res := range r.Crawler.Crawl(ctx, plan, run.Cursor) {
		next := res.Unit.Index + 1
		if res.Err != nil {
			if ctx.Err() != nil {
				break
			}
			// nothing from a failed unit reaches the differ
			logger.Warn("Unit failed, keeping its listings: %v", res.Err)
			r.Ledger.TileFailed(ctx, next, res.Unit.String(), res.Err)
			r.recordUnit("failed")
			continue
		}

		applied, err := r.Differ.Apply(ctx, res.Unit.Scope(), res.Snapshots, res.Complete)
		r.Ledger.Record(ctx, applied.Summary)
		if r.Metrics != nil {
			r.Metrics.RecordChanges(applied.Summary)
		}
		for _, g := range applied.Affected {
			affected[g] = true
		}
		if err != nil {
			runErr = fmt.Errorf("persist %s: %w", res.Unit, err)
			break
		}
		r.Ledger.TileDone(ctx, next)
		if res.Complete {
			r.recordUnit("complete")
		} else {
			r.recordUnit("incomplete")
		}
		logger.Debug("%s: %d snapshots over %d pages, %+v", res.Unit, len(res.Snapshots), res.Pages, applied.Summary)
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	if len(affected) == 0 {
		return r.finish(ctx, runErr, nil)
	}
	// changes already persisted are scored even when the run failed
	scoreCtx := ctx
	if runErr != nil {
		scoreCtx = context.WithoutCancel(ctx)
	}
	scored, err := r.Scorer.ScoreGroups(scoreCtx, sortedGroups(affected), r.Clock.Now())
	r.Ledger.Scored(ctx, scored.Scored, scored.Bargains)
	if r.Metrics != nil {
		r.Metrics.RecordScoring(scored.Scored, scored.Bargains)
	}
	if err != nil {
		if runErr == nil {
			runErr = fmt.Errorf("score: %w", err)
		} else {
			logger.Warn("Failed to score changes of the failed run: %v", err)
		}
	}
	return r.finish(ctx, runErr, scored.New)
}

// Score rescores every active listing without crawling.
func (r *Runner) Score(ctx context.Context, region string) (models.Run, error) {
	r.Ledger.Start(ctx, models.ModeScore, region, 0, false)

	scored, err := r.Scorer.ScoreAll(ctx, r.Clock.Now())
	r.Ledger.Scored(ctx, scored.Scored, scored.Bargains)
	if r.Metrics != nil {
		r.Metrics.RecordScoring(scored.Scored, scored.Bargains)
	}
	if err != nil {
		err = fmt.Errorf("score: %w", err)
	}
	return r.finish(ctx, err, scored.New)
}

func (r *Runner) finish(ctx context.Context, runErr error, fresh []*models.Listing) (models.Run, error) {
	run := r.Ledger.Finish(ctx, runErr)
	if r.Metrics != nil {
		r.Metrics.RecordRun(run)
	}
	if r.Notifier == nil {
		return run, runErr
	}

	if runErr != nil {
		if err := r.Notifier.SendRunFailure(run, runErr); err != nil {
			logger.Warn("Failed to send run failure notification: %v", err)
		}
	}
	// fresh bargains are announced once, so a failed run still reports its own
	if len(fresh) > 0 {
		if err := r.Notifier.SendDigest(run, fresh); err != nil {
			logger.Error("Failed to send bargain digest: %v", err)
		} else {
			logger.Info("Sent digest with %d new bargains", len(fresh))
		}
	}
	return run, runErr
}

func (r *Runner) recordUnit(result string) {
	if r.Metrics != nil {
		r.Metrics.RecordUnit(result)
	}
}

func sortedGroups(set map[models.GroupKey]bool) []models.GroupKey {
	out := make([]models.GroupKey, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ComplexID != out[j].ComplexID {
			return out[i].ComplexID < out[j].ComplexID
		}
		return out[i].TradeType < out[j].TradeType
	})
	return out
}
