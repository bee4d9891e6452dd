package models

import (
	"time"
)

// RunMode selects what a run does.
type RunMode string

const (
	ModeFull        RunMode = "full"
	ModeIncremental RunMode = "incremental"
	ModeScore       RunMode = "score"
)

// RunStatus is the outcome of a run. running is only seen while in flight
// or after a crash.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// Run is one crawl/score execution as recorded by the ledger.
type Run struct {
	ID     string
	Mode   RunMode
	Region string
	Status RunStatus

	StartedAt  time.Time
	FinishedAt time.Time

	Upserted     int
	Removed      int
	PriceChanged int
	Errored      int
	Scored       int
	Bargains     int

	TilesDone   int
	TilesFailed int
	TotalUnits  int
	Cursor      int // next unit index to crawl

	ResumedFrom string
	LastError   string
}

// Resumable reports whether an interrupted full run left units uncrawled.
func (r *Run) Resumable() bool {
	if r.Mode != ModeFull {
		return false
	}
	if r.Status != RunRunning && r.Status != RunFailed {
		return false
	}
	return r.Cursor < r.TotalUnits
}

// Duration is the wall time of a finished run.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ChangeSummary counts what the differ did to one scope.
type ChangeSummary struct {
	Created      int
	Touched      int
	PriceChanged int
	Removed      int
	Skipped      int
}

// Upserted counts rows written for created or updated listings.
func (c ChangeSummary) Upserted() int {
	return c.Created + c.Touched + c.PriceChanged
}

// Add accumulates another summary.
func (c *ChangeSummary) Add(o ChangeSummary) {
	c.Created += o.Created
	c.Touched += o.Touched
	c.PriceChanged += o.PriceChanged
	c.Removed += o.Removed
	c.Skipped += o.Skipped
}
