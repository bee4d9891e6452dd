// Package crawler walks a region tile by tile under the rate governor and
// yields per-unit listing snapshots.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/rewired-gh/geupmae/internal/clock"
	"github.com/rewired-gh/geupmae/internal/governor"
	"github.com/rewired-gh/geupmae/internal/logger"
	"github.com/rewired-gh/geupmae/internal/models"
)

// ErrRetriesExhausted is returned when network errors persist past MaxRetries.
var ErrRetriesExhausted = errors.New("upstream retries exhausted")

// Config holds crawl behavior settings.
type Config struct {
	Mode              models.RunMode
	MaxRetries        int
	RetryDelayBase    time.Duration
	MaxPages          int
	IncrementalWindow time.Duration
}

// TileResult is the outcome of crawling one unit. Complete is true only when
// every page of the unit was read and parsed, which is what licenses removal
// inference downstream.
type TileResult struct {
	Unit      Unit
	Snapshots []models.Snapshot
	Pages     int
	Complete  bool
	Err       error
}

// Crawler fetches plan units through a Fetcher, paced by a Governor.
type Crawler struct {
	fetcher Fetcher
	gov     *governor.Governor
	clock   clock.Clock
	cfg     Config

	// OnRequest, if set, is called with the outcome of every upstream request.
	OnRequest func(governor.Outcome)
}

// New creates a crawler.
func New(fetcher Fetcher, gov *governor.Governor, clk clock.Clock, cfg Config) *Crawler {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 100
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = models.ModeFull
	}
	return &Crawler{fetcher: fetcher, gov: gov, clock: clk, cfg: cfg}
}

// Mode is the crawl mode the crawler was configured with.
func (c *Crawler) Mode() models.RunMode {
	return c.cfg.Mode
}

// Crawl lazily crawls plan units from start to the end of the plan. The
// sequence stops early when the consumer stops or ctx is done; a unit cut
// short by cancellation is still yielded with the context error.
func (c *Crawler) Crawl(ctx context.Context, plan *Plan, start int) iter.Seq[TileResult] {
	return func(yield func(TileResult) bool) {
		if start < 0 {
			start = 0
		}
		for i := start; i < plan.Len(); i++ {
			if ctx.Err() != nil {
				return
			}
			res := c.CrawlUnit(ctx, plan.Unit(i))
			if !yield(res) {
				return
			}
			if res.Err != nil && ctx.Err() != nil {
				return
			}
		}
	}
}

// CrawlUnit reads every page of one unit.
func (c *Crawler) CrawlUnit(ctx context.Context, u Unit) TileResult {
	incremental := c.cfg.Mode == models.ModeIncremental
	res := TileResult{Unit: u, Complete: !incremental}
	cutoff := c.clock.Now().Add(-c.cfg.IncrementalWindow)

	for page := 1; page <= c.cfg.MaxPages; page++ {
		p, err := c.fetch(ctx, Request{
			Bounds:     u.Tile.Bounds,
			TradeType:  u.TradeType,
			Page:       page,
			SortByDate: incremental,
		})
		if err != nil {
			res.Err = fmt.Errorf("%s page %d: %w", u, page, err)
			res.Complete = false
			return res
		}
		res.Pages++

		now := c.clock.Now()
		fresh := 0
		for _, a := range p.Articles {
			snap, err := a.Snapshot(u.TradeType, now)
			if err != nil {
				// a skipped listing leaves the unit partial
				logger.Warn("Skipping unparsable listing in %s: %v", u, err)
				res.Complete = false
				continue
			}
			if !snap.ConfirmedAt.Before(cutoff) {
				fresh++
			}
			res.Snapshots = append(res.Snapshots, snap)
		}

		if incremental && fresh == 0 {
			logger.Debug("%s: no listings confirmed within %v on page %d, stopping", u, c.cfg.IncrementalWindow, page)
			return res
		}
		if !p.More {
			return res
		}
	}

	logger.Warn("%s: page guard %d reached with more pages upstream", u, c.cfg.MaxPages)
	res.Complete = false
	return res
}

// fetch issues one paced request, retrying network errors with exponential
// backoff and running the governor's recovery protocol on blocks.
func (c *Crawler) fetch(ctx context.Context, req Request) (*Page, error) {
	for attempt := 0; ; attempt++ {
		if err := c.gov.Pace(ctx); err != nil {
			return nil, err
		}
		page, outcome, err := c.fetcher.FetchPage(ctx, req)
		c.observe(outcome)

		switch outcome {
		case governor.OK:
			c.gov.OnSuccess()
			return page, nil

		case governor.Blocked:
			c.gov.OnBlocked()
			var probed *Page
			rerr := c.gov.Recover(ctx, func(ctx context.Context) governor.Outcome {
				p, o, _ := c.fetcher.FetchPage(ctx, req)
				c.observe(o)
				if o == governor.OK {
					probed = p
				}
				return o
			})
			if rerr != nil {
				return nil, rerr
			}
			return probed, nil

		default:
			c.gov.OnNetworkError()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if attempt >= c.cfg.MaxRetries {
				return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempt+1, err)
			}
			backoff := c.cfg.RetryDelayBase << attempt
			logger.Debug("Request failed (%v), retrying in %v (attempt %d/%d)", err, backoff, attempt+1, c.cfg.MaxRetries)
			if err := c.clock.Sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}
}

func (c *Crawler) observe(o governor.Outcome) {
	if c.OnRequest != nil {
		c.OnRequest(o)
	}
}
